// Package matching ranks candidate profiles for a requesting user.
package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/spigell/qcs-matcher/internal/logger"
	"github.com/spigell/qcs-matcher/internal/metrics"
	"github.com/spigell/qcs-matcher/internal/scoring"
	"github.com/spigell/qcs-matcher/internal/store"
	"github.com/spigell/qcs-matcher/internal/tracing"
)

// ErrProfileNotFound means the requester has no profile.
var ErrProfileNotFound = errors.New("requester profile not found")

// Config tunes ranking.
type Config struct {
	DefaultLimit int `mapstructure:"default-limit" validate:"gte=0"`
	MaxLimit     int `mapstructure:"max-limit" validate:"gte=0"`
	FallbackQCS  int `mapstructure:"fallback-qcs" validate:"gte=0,lte=100"`
}

// DefaultConfig returns limit 10, max 50, fallback QCS 50.
func DefaultConfig() Config {
	return Config{DefaultLimit: 10, MaxLimit: 50, FallbackQCS: 50}
}

// Match is one ranked candidate.
type Match struct {
	UserID             string  `json:"user_id"`
	PhysicalScore      float64 `json:"physical_score"`
	MentalScore        float64 `json:"mental_score"`
	QCSScore           float64 `json:"qcs_score"`
	CompatibilityScore int     `json:"compatibility_score"`
	Persona            string  `json:"persona,omitempty"`
}

// Result is the ranking for one requester.
type Result struct {
	UserID  string       `json:"user_id"`
	Limit   int          `json:"limit"`
	Matches []Match      `json:"matches"`
	Steps   []StepReport `json:"steps,omitempty"`
}

// Engine fetches the pool once, filters it and ranks the survivors.
type Engine struct {
	profiles store.ProfileStore
	scores   store.ScoreStore
	scoring  *scoring.Engine
	filters  []Filter
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Manager
	now      func() time.Time
}

// NewEngine creates an Engine. A nil scoring engine uses the default rubric.
func NewEngine(profiles store.ProfileStore, scores store.ScoreStore, se *scoring.Engine, cfg Config, log *zap.Logger, m *metrics.Manager) (*Engine, error) {
	if profiles == nil || scores == nil {
		return nil, errors.New("matching: profile and score stores are required")
	}
	if se == nil {
		se = scoring.NewEngine(nil, nil)
	}
	def := DefaultConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}
	if cfg.FallbackQCS <= 0 {
		cfg.FallbackQCS = def.FallbackQCS
	}
	return &Engine{
		profiles: profiles,
		scores:   scores,
		scoring:  se,
		filters:  DefaultFilters(),
		cfg:      cfg,
		logger:   logger.WithFields(log),
		metrics:  m,
		now:      time.Now,
	}, nil
}

// Limit resolves a requested limit against the configured default and cap.
func (e *Engine) Limit(requested int) int {
	switch {
	case requested <= 0:
		return e.cfg.DefaultLimit
	case requested > e.cfg.MaxLimit:
		return e.cfg.MaxLimit
	default:
		return requested
	}
}

// Find returns up to limit matches for userID, best first.
func (e *Engine) Find(ctx context.Context, userID string, limit int) (*Result, error) {
	started := e.now()
	limit = e.Limit(limit)
	log := logger.WithFields(e.logger, zap.String(logger.FieldUserID, userID))

	ctx, span := tracing.StartSpan(ctx, "matching.Find",
		attribute.String("user_id", userID),
		attribute.Int("limit", limit),
	)
	defer span.End()

	p, err := e.profiles.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, userID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read requester profile: %w", err)
	}

	blocked, err := e.profiles.BlockedUsers(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read block list: %w", err)
	}

	requester := &Requester{
		Normalized: e.scoring.Normalize(p),
		Blocked:    make(map[string]struct{}, len(blocked)),
	}
	for _, id := range blocked {
		requester.Blocked[id] = struct{}{}
	}

	pool, err := e.profiles.ListCandidates(ctx, store.CandidateFilter{
		ExcludeUserIDs: store.SortedIDs(append(blocked, userID)),
		ActiveOnly:     true,
		Genders:        requester.Normalized.PreferredGenders,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	candidates := make([]*Candidate, 0, len(pool))
	for _, c := range pool {
		candidates = append(candidates, &Candidate{Profile: c, Normalized: e.scoring.Normalize(c)})
	}

	candidates, steps, err := RunFilters(ctx, log, e.filters, requester, candidates)
	if err != nil {
		return nil, fmt.Errorf("filter candidates: %w", err)
	}

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.Profile.ID)
	}
	totals := map[string]int{}
	if len(ids) > 0 {
		totals, err = e.scores.QCSTotals(ctx, ids)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("read candidate scores: %w", err)
		}
	}

	rubric := e.scoring.Rubric()
	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		total, ok := totals[c.Profile.ID]
		physical := PhysicalScore(requester.Normalized, c.Normalized)
		mental := MentalScore(requester.Normalized, c.Normalized)
		qcs := QCSScore(total, ok, e.cfg.FallbackQCS)
		matches = append(matches, Match{
			UserID:             c.Profile.ID,
			PhysicalScore:      round2(physical),
			MentalScore:        round2(mental),
			QCSScore:           qcs,
			CompatibilityScore: Compatibility(physical, mental, qcs),
			Persona:            rubric.ClassifyPersona(c.Normalized),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].CompatibilityScore != matches[j].CompatibilityScore {
			return matches[i].CompatibilityScore > matches[j].CompatibilityScore
		}
		return matches[i].UserID < matches[j].UserID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	e.metrics.ObserveMatching(e.now().Sub(started))
	span.SetAttributes(
		attribute.Int("matching.pool", len(pool)),
		attribute.Int("matching.returned", len(matches)),
	)
	log.Info("matches ranked",
		zap.Int("pool", len(pool)),
		zap.Int("candidates", len(candidates)),
		zap.Int("returned", len(matches)),
	)

	return &Result{UserID: userID, Limit: limit, Matches: matches, Steps: steps}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
