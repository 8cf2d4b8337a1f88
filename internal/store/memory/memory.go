// Package memory is an in-process store used by tests and the default serve
// configuration.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spigell/qcs-matcher/internal/profile"
	"github.com/spigell/qcs-matcher/internal/store"
)

// Store keeps everything in maps guarded by a single mutex, which makes every
// operation atomic.
type Store struct {
	mu       sync.Mutex
	profiles map[string]profile.Profile
	blocks   map[store.Block]struct{}
	scores   map[string]store.Record
	summary  map[string]int
	failures map[string]store.FailureState

	// AtomicDisabled makes SaveQCSAtomic fail with ErrAtomicUnavailable.
	AtomicDisabled bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		profiles: make(map[string]profile.Profile),
		blocks:   make(map[store.Block]struct{}),
		scores:   make(map[string]store.Record),
		summary:  make(map[string]int),
		failures: make(map[string]store.FailureState),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) GetProfile(_ context.Context, userID string) (*profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListCandidates(_ context.Context, filter store.CandidateFilter) ([]*profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*profile.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		if filter.Matches(&p) {
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) BlockedUsers(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for b := range s.blocks {
		switch userID {
		case b.Blocker:
			ids = append(ids, b.Blocked)
		case b.Blocked:
			ids = append(ids, b.Blocker)
		}
	}
	return store.SortedIDs(ids), nil
}

func (s *Store) UpsertProfile(_ context.Context, p *profile.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = *p
	return nil
}

func (s *Store) AddBlock(_ context.Context, b store.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b] = struct{}{}
	return nil
}

func (s *Store) GetQCS(_ context.Context, userID string) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.scores[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *Store) QCSTotals(_ context.Context, userIDs []string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(userIDs))
	for _, id := range userIDs {
		if r, ok := s.scores[id]; ok {
			out[id] = r.TotalScore
		}
	}
	return out, nil
}

func (s *Store) SaveQCSAtomic(_ context.Context, r *store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AtomicDisabled {
		return store.ErrAtomicUnavailable
	}
	s.scores[r.UserID] = *r
	s.summary[r.UserID] = r.TotalScore
	return nil
}

func (s *Store) UpsertQCS(_ context.Context, r *store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[r.UserID] = *r
	return nil
}

func (s *Store) UpdateProfileScore(_ context.Context, userID string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[userID]; !ok {
		return store.ErrNotFound
	}
	s.summary[userID] = total
	return nil
}

// ProfileScore returns the denormalized summary score of a profile.
func (s *Store) ProfileScore(userID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.summary[userID]
	return v, ok
}

func (s *Store) GetFailure(_ context.Context, userID string) (*store.FailureState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.failures[userID]
	if !ok {
		return &store.FailureState{UserID: userID}, nil
	}
	return &st, nil
}

func (s *Store) RecordFailure(_ context.Context, userID string, now time.Time, b store.Backoff) (*store.FailureState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.failures[userID]
	st.UserID = userID
	st.FailureCount++
	next := now.Add(b.Delay(st.FailureCount))
	st.NextAllowedAt = &next
	s.failures[userID] = st
	return &st, nil
}

func (s *Store) ResetFailure(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, userID)
	return nil
}
