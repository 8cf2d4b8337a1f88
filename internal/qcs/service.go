// Package qcs computes and persists a user's quality/compatibility score: the
// deterministic rubric, the optional AI cross-check behind the per-user
// breaker, and the blend of both.
package qcs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/qcs-matcher/internal/ai"
	"github.com/spigell/qcs-matcher/internal/breaker"
	"github.com/spigell/qcs-matcher/internal/events"
	"github.com/spigell/qcs-matcher/internal/logger"
	"github.com/spigell/qcs-matcher/internal/metrics"
	"github.com/spigell/qcs-matcher/internal/profile"
	"github.com/spigell/qcs-matcher/internal/scoring"
	"github.com/spigell/qcs-matcher/internal/store"
	"github.com/spigell/qcs-matcher/internal/tracing"
)

var (
	// ErrProfileNotFound means there is nothing to score.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrStoreUnavailable means the profile could not be read at all.
	ErrStoreUnavailable = errors.New("profile store unavailable")

	errScoringFailed = errors.New("scoring failed")
)

// AI skip reasons reported in AIStatus.SkippedReason.
const (
	SkipDisabled        = "disabled"
	SkipCircuitOpen     = "circuit_open"
	SkipGateUnavailable = "gate_unavailable"
)

const (
	defaultAITimeout     = 30 * time.Second
	defaultFallbackScore = 60
)

// Scorer is the AI verdict source.
type Scorer interface {
	Score(ctx context.Context, in ai.ScoreInput) (*ai.Assessment, error)
}

// Config tunes the service.
type Config struct {
	AITimeout     time.Duration
	Blend         BlendWeights
	FallbackScore int
	Version       string
}

// Deps are the collaborators of the service. AI and Gate may be nil: without
// AI every result is logic-only, without a Gate the AI is never throttled.
type Deps struct {
	Profiles   store.ProfileStore
	Scores     store.ScoreStore
	Engine     *scoring.Engine
	AI         Scorer
	AIProvider string
	Gate       *breaker.Gate
	Events     events.Publisher
}

// Request asks for a recomputation.
type Request struct {
	UserID         string `json:"user_id" validate:"required,max=128"`
	Physical       string `json:"physical,omitempty" validate:"max=4000"`
	Mental         string `json:"mental,omitempty" validate:"max=4000"`
	Description    string `json:"description,omitempty" validate:"max=8000"`
	PreferredModel string `json:"preferred_model,omitempty" validate:"max=128"`
	RequestID      string `json:"-"`
}

// Score is the breakdown returned to callers.
type Score struct {
	TotalScore       int                `json:"total_score"`
	LogicScore       int                `json:"logic_score"`
	AIScore          *int               `json:"ai_score"`
	ProfileScore     int                `json:"profile_score"`
	CollegeTier      int                `json:"college_tier"`
	PersonalityDepth int                `json:"personality_depth"`
	BehaviorScore    int                `json:"behavior_score"`
	Persona          string             `json:"persona,omitempty"`
	Fractions        map[string]float64 `json:"fractions,omitempty"`
}

// AIStatus explains what happened on the AI path.
type AIStatus struct {
	Enabled       bool       `json:"enabled"`
	Attempted     bool       `json:"attempted"`
	SkippedReason string     `json:"skipped_reason,omitempty"`
	Provider      string     `json:"provider,omitempty"`
	Model         string     `json:"model,omitempty"`
	Attempts      int        `json:"attempts,omitempty"`
	Salvaged      bool       `json:"salvaged,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	FailureCount  int        `json:"failure_count"`
	NextAllowedAt *time.Time `json:"next_allowed_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Metadata describes the computation.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	RequestID string    `json:"request_id"`
	Mode      string    `json:"mode"`
	Persisted bool      `json:"persisted"`
}

// Response is the scoring result.
type Response struct {
	Success      bool     `json:"success"`
	QCS          Score    `json:"qcs"`
	AIStatus     AIStatus `json:"ai_status"`
	Metadata     Metadata `json:"metadata"`
	FallbackMode bool     `json:"fallback_mode"`
}

// Service orchestrates a recomputation.
type Service struct {
	deps    Deps
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Manager
	now     func() time.Time
}

// NewService validates the dependencies and applies defaults.
func NewService(deps Deps, cfg Config, log *zap.Logger, m *metrics.Manager) (*Service, error) {
	if deps.Profiles == nil || deps.Scores == nil {
		return nil, errors.New("qcs: profile and score stores are required")
	}
	if deps.Engine == nil {
		deps.Engine = scoring.NewEngine(nil, nil)
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = defaultAITimeout
	}
	if cfg.Blend == (BlendWeights{}) {
		cfg.Blend = DefaultBlendWeights()
	}
	if cfg.FallbackScore <= 0 {
		cfg.FallbackScore = defaultFallbackScore
	}
	return &Service{
		deps:    deps,
		cfg:     cfg,
		logger:  logger.WithFields(log),
		metrics: m,
		now:     time.Now,
	}, nil
}

// gateOutcome is the breaker read done alongside the logic phase.
type gateOutcome struct {
	state *store.FailureState
	err   error
}

// Score recomputes the user's QCS. Only a missing profile or an unreadable
// profile store are returned as errors; any other internal failure yields a
// fallback response.
func (s *Service) Score(ctx context.Context, req Request) (*Response, error) {
	started := s.now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	log := logger.WithRequest(s.logger, req.UserID, req.RequestID)

	ctx, span := tracing.StartSpan(ctx, "qcs.Score",
		attribute.String("user_id", req.UserID),
		attribute.String("request_id", req.RequestID),
	)
	defer span.End()

	p, err := s.deps.Profiles.GetProfile(ctx, req.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, req.UserID)
	case err != nil:
		span.RecordError(err)
		log.Error("profile read failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	p = withDescription(p, req.Description)

	var (
		result   scoring.Result
		gate     gateOutcome
		behavior int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", errScoringFailed, r)
			}
		}()
		_, logicSpan := tracing.StartSpan(gctx, "qcs.logic")
		defer logicSpan.End()
		result = s.deps.Engine.Evaluate(p)
		return nil
	})
	if s.deps.AI != nil && s.deps.Gate != nil {
		g.Go(func() error {
			gate.state, gate.err = s.deps.Gate.Allow(gctx, req.UserID)
			return nil
		})
	}
	g.Go(func() error {
		prev, err := s.deps.Scores.GetQCS(gctx, req.UserID)
		switch {
		case err == nil:
			behavior = prev.BehaviorScore
		case !errors.Is(err, store.ErrNotFound):
			log.Warn("previous qcs read failed, behavior score reset", zap.Error(err))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		log.Error("scoring failed, returning fallback", zap.Error(err))
		return s.fallback(req.RequestID), nil
	}

	status := AIStatus{Enabled: s.deps.AI != nil, Provider: s.deps.AIProvider}
	var aiScore *int
	if s.deps.AI == nil {
		status.SkippedReason = SkipDisabled
	} else {
		aiScore = s.runAI(ctx, log, req, p, result, gate, &status)
	}

	var aiValue *float64
	if aiScore != nil {
		v := float64(*aiScore)
		aiValue = &v
	}
	total := s.cfg.Blend.Blend(float64(result.LogicScore), aiValue)

	mode := metrics.ModeLogicOnly
	if aiValue != nil && *aiValue > 0 {
		mode = metrics.ModeBlended
	}

	now := s.now().UTC()
	record := &store.Record{
		UserID:           req.UserID,
		ProfileScore:     result.ProfileScore,
		CollegeTier:      result.CollegeTier,
		PersonalityDepth: result.PersonalityDepth,
		BehaviorScore:    behavior,
		LogicScore:       result.LogicScore,
		AIScore:          aiScore,
		TotalScore:       total,
		Fractions:        fractionMap(result.Fractions),
		Persona:          result.Persona,
		LastComputedAt:   now,
	}
	persisted := s.save(context.WithoutCancel(ctx), log, record)

	s.metrics.RecordQCS(mode)
	s.metrics.ObserveScoring(s.now().Sub(started))
	span.SetAttributes(
		attribute.Int("qcs.total", total),
		attribute.Int("qcs.logic", result.LogicScore),
		attribute.String("qcs.mode", mode),
	)

	if err := s.deps.Events.PublishQCSComputed(context.WithoutCancel(ctx), &events.QCSComputed{
		UserID:     req.UserID,
		TotalScore: total,
		LogicScore: result.LogicScore,
		AIScore:    aiScore,
		Mode:       mode,
		RequestID:  req.RequestID,
		Timestamp:  now,
	}); err != nil {
		log.Warn("qcs event not published", zap.Error(err))
	}

	log.Info("qcs computed",
		zap.Int("total_score", total),
		zap.Int("logic_score", result.LogicScore),
		zap.String("mode", mode),
		zap.String("persona", result.Persona),
	)

	return &Response{
		Success:  true,
		QCS:      scoreFromRecord(record),
		AIStatus: status,
		Metadata: Metadata{
			Timestamp: now,
			Version:   s.cfg.Version,
			RequestID: req.RequestID,
			Mode:      mode,
			Persisted: persisted,
		},
	}, nil
}

// runAI gates, calls and books the AI phase. It returns nil whenever the
// result must stay logic-only.
func (s *Service) runAI(ctx context.Context, log *zap.Logger, req Request, p *profile.Profile, result scoring.Result, gate gateOutcome, status *AIStatus) *int {
	if gate.state != nil {
		status.FailureCount = gate.state.FailureCount
		status.NextAllowedAt = gate.state.NextAllowedAt
	}
	switch {
	case errors.Is(gate.err, breaker.ErrCircuitOpen):
		status.SkippedReason = SkipCircuitOpen
		return nil
	case gate.err != nil:
		status.SkippedReason = SkipGateUnavailable
		status.Error = gate.err.Error()
		log.Warn("ai gate unavailable, skipping ai", zap.Error(gate.err))
		return nil
	}

	aiCtx, cancel := context.WithTimeout(ctx, s.cfg.AITimeout)
	defer cancel()
	aiCtx, span := tracing.StartSpan(aiCtx, "qcs.ai", attribute.String("ai.provider", s.deps.AIProvider))
	defer span.End()

	status.Attempted = true
	assessment, err := s.deps.AI.Score(aiCtx, ai.ScoreInput{
		UserID:         req.UserID,
		Profile:        p,
		LogicScore:     result.LogicScore,
		Physical:       req.Physical,
		Mental:         req.Mental,
		PreferredModel: req.PreferredModel,
	})
	// A background context keeps breaker bookkeeping alive after the caller
	// goes away.
	bookCtx := context.WithoutCancel(ctx)

	if err != nil {
		span.RecordError(err)
		status.Error = err.Error()
		var exhausted *ai.ExhaustedError
		if errors.As(err, &exhausted) {
			status.Attempts = exhausted.Attempts
		}
		if ctx.Err() != nil {
			log.Warn("ai phase cancelled by caller, failure not recorded", zap.Error(err))
			return nil
		}
		if s.deps.Gate != nil {
			st, gerr := s.deps.Gate.Failure(bookCtx, req.UserID)
			if gerr != nil {
				log.Error("ai failure not recorded", zap.Error(gerr))
			} else {
				status.FailureCount = st.FailureCount
				status.NextAllowedAt = st.NextAllowedAt
			}
		}
		log.Warn("ai phase failed, using logic score", zap.Error(err))
		return nil
	}

	status.Model = assessment.Model
	status.Attempts = assessment.Attempts
	status.Salvaged = assessment.Salvaged
	status.Reason = assessment.Reason
	if s.deps.Gate != nil {
		if err := s.deps.Gate.Success(bookCtx, req.UserID); err != nil {
			log.Error("ai failure state not reset", zap.Error(err))
		} else {
			status.FailureCount = 0
			status.NextAllowedAt = nil
		}
	}
	if assessment.Score <= 0 {
		log.Info("ai returned a non-positive score, using logic score", zap.Int("ai_score", assessment.Score))
		return nil
	}
	score := assessment.Score
	return &score
}

// save writes atomically and falls back to sequential writes.
func (s *Service) save(ctx context.Context, log *zap.Logger, r *store.Record) bool {
	err := s.deps.Scores.SaveQCSAtomic(ctx, r)
	if err == nil {
		return true
	}
	log.Warn("atomic qcs save failed, falling back to sequential writes", zap.Error(err))

	if err := s.deps.Scores.UpsertQCS(ctx, r); err != nil {
		s.metrics.RecordSaveFallback(false)
		log.Error("qcs record not persisted", zap.Error(err), zap.Int("total_score", r.TotalScore))
		return false
	}
	if err := s.deps.Scores.UpdateProfileScore(ctx, r.UserID, r.TotalScore); err != nil {
		s.metrics.RecordSaveFallback(false)
		log.Error("profile summary score not persisted", zap.Error(err), zap.Int("total_score", r.TotalScore))
		return false
	}
	s.metrics.RecordSaveFallback(true)
	return true
}

func (s *Service) fallback(requestID string) *Response {
	s.metrics.RecordQCS(metrics.ModeFallback)
	return &Response{
		Success: true,
		QCS: Score{
			TotalScore: s.cfg.FallbackScore,
			LogicScore: s.cfg.FallbackScore,
		},
		AIStatus: AIStatus{Enabled: s.deps.AI != nil, Provider: s.deps.AIProvider},
		Metadata: Metadata{
			Timestamp: s.now().UTC(),
			Version:   s.cfg.Version,
			RequestID: requestID,
			Mode:      metrics.ModeFallback,
		},
		FallbackMode: true,
	}
}

// Fallback is the response served when scoring cannot run at all.
func (s *Service) Fallback(requestID string) *Response {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return s.fallback(requestID)
}

// withDescription substitutes the request description for a missing bio.
func withDescription(p *profile.Profile, description string) *profile.Profile {
	if description == "" || scoring.Text(p.Bio) != "" {
		return p
	}
	cp := *p
	cp.Bio = description
	return &cp
}

func fractionMap(in map[scoring.Category]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}

func scoreFromRecord(r *store.Record) Score {
	return Score{
		TotalScore:       r.TotalScore,
		LogicScore:       r.LogicScore,
		AIScore:          r.AIScore,
		ProfileScore:     r.ProfileScore,
		CollegeTier:      r.CollegeTier,
		PersonalityDepth: r.PersonalityDepth,
		BehaviorScore:    r.BehaviorScore,
		Persona:          r.Persona,
		Fractions:        r.Fractions,
	}
}
