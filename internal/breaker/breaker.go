// Package breaker gates AI calls per user on persisted failure state.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/qcs-matcher/internal/logger"
	"github.com/spigell/qcs-matcher/internal/metrics"
	"github.com/spigell/qcs-matcher/internal/store"
)

// ErrCircuitOpen is returned by Allow while the user's backoff window is open.
var ErrCircuitOpen = errors.New("ai circuit open")

// OpenError carries the state that kept the circuit open.
type OpenError struct {
	State *store.FailureState
}

func (e *OpenError) Error() string {
	if e.State == nil || e.State.NextAllowedAt == nil {
		return ErrCircuitOpen.Error()
	}
	return fmt.Sprintf("%s until %s after %d failures",
		ErrCircuitOpen, e.State.NextAllowedAt.Format(time.RFC3339), e.State.FailureCount)
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// Gate reads and updates failure state through a FailureStore. It holds no
// state of its own, so one Gate serves every user concurrently.
type Gate struct {
	store   store.FailureStore
	backoff store.Backoff
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Manager
}

// New creates a Gate. A zero backoff uses store.DefaultBackoff and a nil clock
// uses time.Now.
func New(fs store.FailureStore, backoff store.Backoff, log *zap.Logger, m *metrics.Manager, now func() time.Time) *Gate {
	if backoff.Base <= 0 {
		backoff = store.DefaultBackoff()
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{
		store:   fs,
		backoff: backoff,
		now:     now,
		logger:  logger.WithFields(log),
		metrics: m,
	}
}

// Allow returns the current state, or an *OpenError when the AI path must be
// skipped. Store errors are returned as is.
func (g *Gate) Allow(ctx context.Context, userID string) (*store.FailureState, error) {
	st, err := g.store.GetFailure(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read ai failure state: %w", err)
	}
	if st.Blocked(g.now()) {
		g.metrics.RecordBreakerSkip()
		g.logger.Debug("ai circuit open, skipping",
			zap.String(logger.FieldUserID, userID),
			zap.Int("failure_count", st.FailureCount),
			zap.Timep("next_allowed_at", st.NextAllowedAt),
		)
		return st, &OpenError{State: st}
	}
	return st, nil
}

// Success closes the circuit for the user.
func (g *Gate) Success(ctx context.Context, userID string) error {
	if err := g.store.ResetFailure(ctx, userID); err != nil {
		return fmt.Errorf("reset ai failure state: %w", err)
	}
	return nil
}

// Failure records one more failure and returns the new state.
func (g *Gate) Failure(ctx context.Context, userID string) (*store.FailureState, error) {
	st, err := g.store.RecordFailure(ctx, userID, g.now(), g.backoff)
	if err != nil {
		return nil, fmt.Errorf("record ai failure: %w", err)
	}
	g.metrics.RecordBreakerFailure()
	g.logger.Warn("ai failure recorded",
		zap.String(logger.FieldUserID, userID),
		zap.Int("failure_count", st.FailureCount),
		zap.Timep("next_allowed_at", st.NextAllowedAt),
	)
	return st, nil
}
