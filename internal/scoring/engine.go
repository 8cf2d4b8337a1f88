package scoring

import (
	"math"
	"time"

	"github.com/spigell/qcs-matcher/internal/profile"
)

// Result is the deterministic breakdown for one profile.
type Result struct {
	Normalized *Normalized          `json:"-"`
	Fractions  map[Category]float64 `json:"fractions"`
	LogicScore int                  `json:"logic_score"`
	Persona    string               `json:"persona"`

	ProfileScore     int `json:"profile_score"`
	CollegeTier      int `json:"college_tier"`
	PersonalityDepth int `json:"personality_depth"`
}

// Engine combines category fractions into the logic score.
type Engine struct {
	rubric     *Rubric
	normalizer *Normalizer
}

// NewEngine builds an engine over rubric. A nil rubric uses DefaultRubric and
// a nil clock uses time.Now.
func NewEngine(rubric *Rubric, now func() time.Time) *Engine {
	if rubric == nil {
		rubric = DefaultRubric()
	}
	return &Engine{
		rubric:     rubric,
		normalizer: NewNormalizer(rubric, now),
	}
}

// Rubric returns the tables the engine scores with.
func (e *Engine) Rubric() *Rubric {
	return e.rubric
}

// Normalize exposes the engine's normalizer for callers that need the
// canonical shape without scoring, such as the matching engine.
func (e *Engine) Normalize(p *profile.Profile) *Normalized {
	return e.normalizer.Profile(p)
}

// Evaluate normalizes and scores p.
func (e *Engine) Evaluate(p *profile.Profile) Result {
	return e.EvaluateNormalized(e.normalizer.Profile(p))
}

// EvaluateNormalized scores an already normalized profile. Only categories
// with source data take part, and their weights are renormalized. Without any
// data the logic score is the rubric's neutral score.
func (e *Engine) EvaluateNormalized(n *Normalized) Result {
	fractions := e.Fractions(n)

	var weighted, included float64
	for _, c := range Categories {
		f, ok := fractions[c]
		if !ok {
			continue
		}
		w := e.rubric.Weight(c)
		weighted += w * f
		included += w
	}

	logic := int(math.Round(e.rubric.NeutralScore))
	if included > 0 {
		logic = int(math.Round(weighted / included * 100))
	}

	return Result{
		Normalized:       n,
		Fractions:        fractions,
		LogicScore:       clampScore(logic),
		Persona:          e.rubric.ClassifyPersona(n),
		ProfileScore:     int(math.Round(100 * float64(len(fractions)) / float64(len(Categories)))),
		CollegeTier:      e.rubric.CollegeTierScores[n.CollegeTier],
		PersonalityDepth: personalityDepth(fractions),
	}
}

// Fractions returns the per-category fractions for categories that have data.
func (e *Engine) Fractions(n *Normalized) map[Category]float64 {
	r := e.rubric
	out := make(map[Category]float64, len(Categories))

	var basic []float64
	if n.HasDOB {
		basic = append(basic, r.AgeFraction(n.Age, n.AgeOK))
	}
	if n.Education != "" {
		basic = append(basic, r.SingleOptionFraction(n.Education, r.Education))
	}
	if n.Profession != "" {
		basic = append(basic, r.ProfessionFraction(n.Profession))
	}
	if len(basic) > 0 {
		out[CategoryBasic] = mean(basic)
	}

	var physical []float64
	if n.HasHeight {
		physical = append(physical, r.HeightFraction(n.HeightCM))
	}
	if n.BodyType != "" {
		physical = append(physical, r.SingleOptionFraction(n.BodyType, r.BodyType.Weights))
	}
	if n.SkinTone != "" {
		physical = append(physical, 1)
	}
	if len(physical) > 0 {
		out[CategoryPhysical] = mean(physical)
	}

	multiselect := []struct {
		category Category
		tokens   []string
		table    OptionTable
	}{
		{CategoryPersonality, n.Personality, r.Personality},
		{CategoryValues, n.Values, r.Values},
		{CategoryMindset, n.Mindset, r.Mindset},
		{CategoryRelationship, n.Relationship, r.Relationship},
		{CategoryInterests, n.Interests, r.Interests},
	}
	for _, m := range multiselect {
		if len(m.tokens) > 0 {
			out[m.category] = r.MultiselectFraction(m.tokens, m.table)
		}
	}

	if n.Bio != "" {
		out[CategoryBio] = r.BioFraction(n.Bio)
	}
	return out
}

func personalityDepth(fractions map[Category]float64) int {
	var present []float64
	for _, c := range []Category{CategoryPersonality, CategoryValues, CategoryMindset} {
		if f, ok := fractions[c]; ok {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return 0
	}
	return int(math.Round(100 * mean(present)))
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
