package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/spigell/qcs-matcher/internal/profile"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{500, 10 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, b.Delay(tc.failures), "failures=%d", tc.failures)
	}

	unbounded := Backoff{Base: time.Second}
	assert.Equal(t, 8*time.Second, unbounded.Delay(4))
}

func TestFailureStateBlocked(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)

	var nilState *FailureState
	assert.False(t, nilState.Blocked(now))
	assert.False(t, (&FailureState{FailureCount: 3}).Blocked(now))
	assert.True(t, (&FailureState{NextAllowedAt: &later}).Blocked(now))
	assert.False(t, (&FailureState{NextAllowedAt: &now}).Blocked(now))
}

func TestCandidateFilterMatches(t *testing.T) {
	f := CandidateFilter{ExcludeUserIDs: []string{"me"}, ActiveOnly: true, Genders: []string{" Female "}}

	assert.True(t, f.Matches(&profile.Profile{ID: "a", Gender: "female", Active: true}))
	assert.False(t, f.Matches(&profile.Profile{ID: "me", Gender: "female", Active: true}))
	assert.False(t, f.Matches(&profile.Profile{ID: "b", Gender: "female"}))
	assert.False(t, f.Matches(&profile.Profile{ID: "c", Gender: "male", Active: true}))
	assert.False(t, f.Matches(nil))
}

func TestSortedIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedIDs([]string{"c", "", "a", "b", "a"}))
	assert.Empty(t, SortedIDs(nil))
}
