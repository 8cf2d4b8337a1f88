// Package store defines the persistence contracts of the scoring and matching
// engines. Implementations live in the memory, sqlite, postgres and
// redisstore subpackages.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/spigell/qcs-matcher/internal/profile"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAtomicUnavailable is returned by SaveQCSAtomic when the backend cannot
	// write the record and the summary in one operation.
	ErrAtomicUnavailable = errors.New("atomic qcs save unavailable")
)

// Record is the persisted QCS breakdown of one user.
type Record struct {
	UserID           string             `json:"user_id"`
	ProfileScore     int                `json:"profile_score"`
	CollegeTier      int                `json:"college_tier"`
	PersonalityDepth int                `json:"personality_depth"`
	BehaviorScore    int                `json:"behavior_score"`
	LogicScore       int                `json:"logic_score"`
	AIScore          *int               `json:"ai_score"`
	TotalScore       int                `json:"total_score"`
	Fractions        map[string]float64 `json:"fractions,omitempty"`
	Persona          string             `json:"persona,omitempty"`
	LastComputedAt   time.Time          `json:"last_computed_at"`
}

// FailureState tracks consecutive AI failures of one user.
type FailureState struct {
	UserID        string     `json:"user_id"`
	FailureCount  int        `json:"failure_count"`
	NextAllowedAt *time.Time `json:"next_allowed_at"`
}

// Blocked reports whether the AI path is closed for the user at now.
func (s *FailureState) Blocked(now time.Time) bool {
	return s != nil && s.NextAllowedAt != nil && s.NextAllowedAt.After(now)
}

// Backoff computes the failure delay: Base*2^(failures-1), capped at Max.
type Backoff struct {
	Base time.Duration `mapstructure:"base-delay"`
	Max  time.Duration `mapstructure:"max-delay"`
}

// DefaultBackoff is used when the configuration leaves the breaker unset.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Minute, Max: 24 * time.Hour}
}

// Delay returns the wait after the given consecutive failure count.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < failures; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// CandidateFilter holds the predicates a store applies to the candidate pool.
// Age ranges are applied by the matching engine because dates of birth are
// loosely typed.
type CandidateFilter struct {
	ExcludeUserIDs []string
	ActiveOnly     bool
	// Genders matches candidate gender case-insensitively. Empty means any.
	Genders []string
}

// Matches applies the filter to a single profile.
func (f CandidateFilter) Matches(p *profile.Profile) bool {
	if p == nil {
		return false
	}
	if f.ActiveOnly && !p.Active {
		return false
	}
	for _, id := range f.ExcludeUserIDs {
		if id == p.ID {
			return false
		}
	}
	if len(f.Genders) == 0 {
		return true
	}
	gender := NormalizeGender(p.Gender)
	for _, g := range f.Genders {
		if NormalizeGender(g) == gender {
			return true
		}
	}
	return false
}

// NormalizeGender lowercases and trims a gender label.
func NormalizeGender(g string) string {
	return strings.ToLower(strings.TrimSpace(g))
}

// Block is a directed block: Blocker no longer wants to see Blocked.
type Block struct {
	Blocker string `json:"blocker" validate:"required"`
	Blocked string `json:"blocked" validate:"required"`
}

// ProfileStore reads profiles and block lists.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*profile.Profile, error)
	// ListCandidates returns the filtered pool ordered by user id.
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]*profile.Profile, error)
	// BlockedUsers returns users the given user blocked or was blocked by.
	BlockedUsers(ctx context.Context, userID string) ([]string, error)
}

// ProfileWriter seeds profiles and blocks.
type ProfileWriter interface {
	UpsertProfile(ctx context.Context, p *profile.Profile) error
	AddBlock(ctx context.Context, b Block) error
}

// ScoreStore persists QCS records.
type ScoreStore interface {
	GetQCS(ctx context.Context, userID string) (*Record, error)
	// QCSTotals returns total scores for the given users in one round trip.
	// Users without a record are absent from the map.
	QCSTotals(ctx context.Context, userIDs []string) (map[string]int, error)
	// SaveQCSAtomic writes the record and the profile summary score together.
	SaveQCSAtomic(ctx context.Context, r *Record) error
	UpsertQCS(ctx context.Context, r *Record) error
	UpdateProfileScore(ctx context.Context, userID string, total int) error
}

// FailureStore keeps per-user AI failure state. RecordFailure and
// ResetFailure must be single atomic operations in the backend.
type FailureStore interface {
	// GetFailure returns a zero state when the user has none.
	GetFailure(ctx context.Context, userID string) (*FailureState, error)
	RecordFailure(ctx context.Context, userID string, now time.Time, b Backoff) (*FailureState, error)
	ResetFailure(ctx context.Context, userID string) error
}

// Store is a complete backend.
type Store interface {
	ProfileStore
	ProfileWriter
	ScoreStore
	FailureStore
	Close() error
}

// SortedIDs returns a sorted copy of ids without duplicates or empties.
func SortedIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
