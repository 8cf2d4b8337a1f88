package matching

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/qcs-matcher/internal/profile"
	"github.com/spigell/qcs-matcher/internal/scoring"
	"github.com/spigell/qcs-matcher/internal/store"
)

// Candidate is a pool member together with its normalized view.
type Candidate struct {
	Profile    *profile.Profile
	Normalized *scoring.Normalized
}

// Requester is the user matches are computed for.
type Requester struct {
	Normalized *scoring.Normalized
	Blocked    map[string]struct{}
}

// Filter is a single step narrowing the candidate pool.
type Filter interface {
	Name() string
	Apply(ctx context.Context, r *Requester, c []*Candidate) ([]*Candidate, Step, error)
}

// Step describes the result of executing a filtering step.
type Step struct {
	Initial int
	Dropped int
	Left    int
}

// StepReport is a Step with the name of the filter that produced it.
type StepReport struct {
	Name string `json:"name"`
	Step
}

// DefaultFilters returns the candidate filters in the order they run.
func DefaultFilters() []Filter {
	return []Filter{
		predicateFilter{name: "active", keep: func(_ *Requester, c *Candidate) bool {
			return c.Profile.Active
		}},
		predicateFilter{name: "self", keep: func(r *Requester, c *Candidate) bool {
			return c.Profile.ID != r.Normalized.UserID
		}},
		predicateFilter{name: "blocked", keep: func(r *Requester, c *Candidate) bool {
			_, blocked := r.Blocked[c.Profile.ID]
			return !blocked
		}},
		predicateFilter{name: "gender", keep: keepPreferredGender},
		predicateFilter{name: "age_range", keep: keepAgeRange},
	}
}

// RunFilters applies steps in order and logs each step's counts.
func RunFilters(ctx context.Context, log *zap.Logger, steps []Filter, r *Requester, c []*Candidate) ([]*Candidate, []StepReport, error) {
	reports := make([]StepReport, 0, len(steps))
	for _, step := range steps {
		next, info, err := step.Apply(ctx, r, c)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", step.Name(), err)
		}
		log.Debug("filter step",
			zap.String("name", step.Name()),
			zap.Int("initial", info.Initial),
			zap.Int("dropped", info.Dropped),
			zap.Int("left", info.Left),
		)
		reports = append(reports, StepReport{Name: step.Name(), Step: info})
		c = next
	}
	return c, reports, nil
}

type predicateFilter struct {
	name string
	keep func(r *Requester, c *Candidate) bool
}

func (f predicateFilter) Name() string { return f.name }

func (f predicateFilter) Apply(ctx context.Context, r *Requester, c []*Candidate) ([]*Candidate, Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, Step{}, err
	}
	initial := len(c)
	left := c[:0:0]
	for _, candidate := range c {
		if f.keep(r, candidate) {
			left = append(left, candidate)
		}
	}
	return left, Step{Initial: initial, Dropped: initial - len(left), Left: len(left)}, nil
}

func keepPreferredGender(r *Requester, c *Candidate) bool {
	preferred := r.Normalized.PreferredGenders
	if len(preferred) == 0 {
		return true
	}
	gender := store.NormalizeGender(c.Profile.Gender)
	for _, g := range preferred {
		if store.NormalizeGender(g) == gender {
			return true
		}
	}
	return false
}

// keepAgeRange drops candidates outside the requester's preferred range.
// Candidates with an unknown age cannot satisfy a set range.
func keepAgeRange(r *Requester, c *Candidate) bool {
	minAge, maxAge := r.Normalized.AgeMin, r.Normalized.AgeMax
	if minAge == nil && maxAge == nil {
		return true
	}
	if !c.Normalized.AgeOK {
		return false
	}
	age := c.Normalized.Age
	if minAge != nil && age < *minAge {
		return false
	}
	if maxAge != nil && age > *maxAge {
		return false
	}
	return true
}
