package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spigell/qcs-matcher/internal/profile"
	"github.com/spigell/qcs-matcher/internal/store"
	"github.com/spigell/qcs-matcher/internal/store/storetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "qcs.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTemp(t) })
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qcs.db")
	ctx := context.Background()

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.UpsertProfile(ctx, &profile.Profile{ID: "u1", Active: true}))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	p, err := s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.Active)
}

func TestSaveQCSAtomicWritesSummary(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	require.NoError(t, s.UpsertProfile(ctx, &profile.Profile{ID: "u1"}))
	require.NoError(t, s.SaveQCSAtomic(ctx, &store.Record{UserID: "u1", TotalScore: 64, LastComputedAt: time.Now()}))

	var summary int
	require.NoError(t, s.db.GetContext(ctx, &summary, `SELECT qcs_score FROM profiles WHERE id = ?`, "u1"))
	assert.Equal(t, 64, summary)
}

func TestRecordFailureWithoutCap(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	b := store.Backoff{Base: time.Second}

	var st *store.FailureState
	var err error
	for i := 0; i < 4; i++ {
		st, err = s.RecordFailure(ctx, "u1", now, b)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, st.FailureCount)
	require.NotNil(t, st.NextAllowedAt)
	assert.Equal(t, now.Add(8*time.Second), *st.NextAllowedAt)
}
