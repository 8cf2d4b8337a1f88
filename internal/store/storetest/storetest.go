// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/qcs-matcher/internal/profile"
	"github.com/spigell/qcs-matcher/internal/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the shared behaviour tests against backends built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("profiles", func(t *testing.T) { testProfiles(t, newStore(t)) })
	t.Run("candidates", func(t *testing.T) { testCandidates(t, newStore(t)) })
	t.Run("blocks", func(t *testing.T) { testBlocks(t, newStore(t)) })
	t.Run("scores", func(t *testing.T) { testScores(t, newStore(t)) })
	t.Run("failures", func(t *testing.T) { RunFailures(t, newStore(t)) })
}

func intPtr(v int) *int { return &v }

func testProfiles(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetProfile(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	in := &profile.Profile{
		ID:              "u1",
		DateOfBirth:     "1994-03-02",
		Interests:       "travel, fitness",
		Bio:             "hello there",
		Gender:          "female",
		PreferredAgeMin: intPtr(25),
		PreferredAgeMax: intPtr(35),
		PersonalityType: "INFJ",
		Active:          true,
	}
	require.NoError(t, s.UpsertProfile(ctx, in))

	got, err := s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
	assert.Equal(t, "1994-03-02", got.DateOfBirth)
	assert.Equal(t, "travel, fitness", got.Interests)
	assert.Equal(t, "female", got.Gender)
	assert.Equal(t, "INFJ", got.PersonalityType)
	assert.True(t, got.Active)
	require.NotNil(t, got.PreferredAgeMin)
	assert.Equal(t, 25, *got.PreferredAgeMin)

	in.Active = false
	require.NoError(t, s.UpsertProfile(ctx, in))
	got, err = s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func testCandidates(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, p := range []*profile.Profile{
		{ID: "c", Gender: "Female", Active: true},
		{ID: "a", Gender: "male", Active: true},
		{ID: "b", Gender: "female", Active: false},
		{ID: "d", Gender: "female", Active: true},
		{ID: "me", Gender: "male", Active: true},
	} {
		require.NoError(t, s.UpsertProfile(ctx, p))
	}

	got, err := s.ListCandidates(ctx, store.CandidateFilter{
		ExcludeUserIDs: []string{"me", "d"},
		ActiveOnly:     true,
		Genders:        []string{"FEMALE"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(got))

	got, err = s.ListCandidates(ctx, store.CandidateFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d", "me"}, ids(got))

	got, err = s.ListCandidates(ctx, store.CandidateFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func ids(ps []*profile.Profile) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func testBlocks(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.AddBlock(ctx, store.Block{Blocker: "me", Blocked: "x"}))
	require.NoError(t, s.AddBlock(ctx, store.Block{Blocker: "y", Blocked: "me"}))
	require.NoError(t, s.AddBlock(ctx, store.Block{Blocker: "me", Blocked: "x"}))
	require.NoError(t, s.AddBlock(ctx, store.Block{Blocker: "x", Blocked: "z"}))

	got, err := s.BlockedUsers(ctx, "me")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, got)

	got, err = s.BlockedUsers(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testScores(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertProfile(ctx, &profile.Profile{ID: "u1", Active: true}))

	_, err := s.GetQCS(ctx, "u1")
	require.ErrorIs(t, err, store.ErrNotFound)

	now := time.Date(2024, 6, 15, 12, 30, 0, 0, time.UTC)
	rec := &store.Record{
		UserID:           "u1",
		ProfileScore:     50,
		CollegeTier:      75,
		PersonalityDepth: 40,
		BehaviorScore:    10,
		LogicScore:       62,
		AIScore:          intPtr(80),
		TotalScore:       69,
		Fractions:        map[string]float64{"bio": 0.5, "interests": 0.25},
		Persona:          "Fitness Enthusiast",
		LastComputedAt:   now,
	}
	err = s.SaveQCSAtomic(ctx, rec)
	if errors.Is(err, store.ErrAtomicUnavailable) {
		require.NoError(t, s.UpsertQCS(ctx, rec))
		require.NoError(t, s.UpdateProfileScore(ctx, rec.UserID, rec.TotalScore))
	} else {
		require.NoError(t, err)
	}

	got, err := s.GetQCS(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 69, got.TotalScore)
	assert.Equal(t, 62, got.LogicScore)
	require.NotNil(t, got.AIScore)
	assert.Equal(t, 80, *got.AIScore)
	assert.Equal(t, 75, got.CollegeTier)
	assert.Equal(t, 40, got.PersonalityDepth)
	assert.Equal(t, 10, got.BehaviorScore)
	assert.Equal(t, "Fitness Enthusiast", got.Persona)
	assert.InDelta(t, 0.25, got.Fractions["interests"], 1e-9)
	assert.WithinDuration(t, now, got.LastComputedAt, time.Millisecond)

	rec.AIScore = nil
	rec.TotalScore = 62
	require.NoError(t, s.UpsertQCS(ctx, rec))
	got, err = s.GetQCS(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got.AIScore)
	assert.Equal(t, 62, got.TotalScore)

	require.NoError(t, s.UpdateProfileScore(ctx, "u1", 62))
	require.ErrorIs(t, s.UpdateProfileScore(ctx, "ghost", 10), store.ErrNotFound)

	totals, err := s.QCSTotals(ctx, []string{"u1", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"u1": 62}, totals)

	totals, err = s.QCSTotals(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, totals)
}

// RunFailures checks the failure counter alone, for backends that only
// implement store.FailureStore.
func RunFailures(t *testing.T, s store.FailureStore) {
	ctx := context.Background()
	backoff := store.Backoff{Base: time.Minute, Max: 5 * time.Minute}
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	st, err := s.GetFailure(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.FailureCount)
	assert.Nil(t, st.NextAllowedAt)
	assert.False(t, st.Blocked(now))

	expected := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 5 * time.Minute, 5 * time.Minute}
	for i, delay := range expected {
		st, err = s.RecordFailure(ctx, "u1", now, backoff)
		require.NoError(t, err)
		assert.Equal(t, i+1, st.FailureCount)
		require.NotNil(t, st.NextAllowedAt)
		assert.WithinDuration(t, now.Add(delay), *st.NextAllowedAt, time.Millisecond, "failure %d", i+1)
	}

	st, err = s.GetFailure(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, st.FailureCount)
	assert.True(t, st.Blocked(now))
	assert.False(t, st.Blocked(now.Add(6*time.Minute)))

	require.NoError(t, s.ResetFailure(ctx, "u1"))
	st, err = s.GetFailure(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.FailureCount)
	assert.Nil(t, st.NextAllowedAt)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordFailure(ctx, "u2", now, backoff)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err = s.GetFailure(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, workers, st.FailureCount)
}
