package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Category names one rubric section.
type Category string

const (
	CategoryBasic        Category = "basic"
	CategoryPhysical     Category = "physical"
	CategoryPersonality  Category = "personality"
	CategoryValues       Category = "values"
	CategoryMindset      Category = "mindset"
	CategoryRelationship Category = "relationship"
	CategoryInterests    Category = "interests"
	CategoryBio          Category = "bio"
)

// Categories lists every category in rubric order.
var Categories = []Category{
	CategoryBasic,
	CategoryPhysical,
	CategoryPersonality,
	CategoryValues,
	CategoryMindset,
	CategoryRelationship,
	CategoryInterests,
	CategoryBio,
}

// ErrInvalidRubric is returned by Rubric.Validate.
var ErrInvalidRubric = errors.New("invalid rubric")

// OptionTable describes one selectable field: the canonical options with their
// 0-1 weights, aliases mapping free-form input to canonical keys, and the
// number of choices that can saturate a multiselect fraction.
type OptionTable struct {
	Weights    map[string]float64 `mapstructure:"weights" json:"weights"`
	Aliases    map[string]string  `mapstructure:"aliases" json:"aliases,omitempty"`
	MaxChoices int                `mapstructure:"max-choices" json:"max_choices,omitempty"`
}

// Persona is a descriptive label chosen by keyword overlap.
type Persona struct {
	Name     string   `mapstructure:"name" json:"name"`
	Keywords []string `mapstructure:"keywords" json:"keywords"`
}

// Rubric carries every tunable table used by the deterministic engine.
type Rubric struct {
	CategoryWeights map[string]float64 `mapstructure:"category-weights"`
	DefaultWeight   float64            `mapstructure:"default-weight"`
	NeutralScore    float64            `mapstructure:"neutral-score"`

	IdealAge      float64 `mapstructure:"ideal-age"`
	AgeSpan       float64 `mapstructure:"age-span"`
	IdealHeightCM float64 `mapstructure:"ideal-height-cm"`
	HeightSpanCM  float64 `mapstructure:"height-span-cm"`

	BioWordTarget   float64  `mapstructure:"bio-word-target"`
	SentimentWeight float64  `mapstructure:"sentiment-weight"`
	PositiveWords   []string `mapstructure:"positive-words"`
	NegativeWords   []string `mapstructure:"negative-words"`

	Education   map[string]float64 `mapstructure:"education"`
	Professions map[string]float64 `mapstructure:"professions"`

	BodyType     OptionTable `mapstructure:"body-type"`
	Personality  OptionTable `mapstructure:"personality"`
	Values       OptionTable `mapstructure:"values"`
	Mindset      OptionTable `mapstructure:"mindset"`
	Relationship OptionTable `mapstructure:"relationship"`
	Interests    OptionTable `mapstructure:"interests"`

	Personas       []Persona `mapstructure:"personas"`
	DefaultPersona string    `mapstructure:"default-persona"`

	CollegeTierScores map[int]int `mapstructure:"college-tier-scores"`
}

// Weight returns the configured weight of a category.
func (r *Rubric) Weight(c Category) float64 {
	return r.CategoryWeights[string(c)]
}

// Validate checks the invariants the engine relies on.
func (r *Rubric) Validate() error {
	var total float64
	for _, c := range Categories {
		w, ok := r.CategoryWeights[string(c)]
		if !ok {
			return fmt.Errorf("%w: missing weight for category %q", ErrInvalidRubric, c)
		}
		if w < 0 {
			return fmt.Errorf("%w: negative weight for category %q", ErrInvalidRubric, c)
		}
		total += w
	}
	if math.Abs(total-100) > 1e-9 {
		return fmt.Errorf("%w: category weights sum to %v, want 100", ErrInvalidRubric, total)
	}

	tables := map[string]OptionTable{
		"body-type":    r.BodyType,
		"personality":  r.Personality,
		"values":       r.Values,
		"mindset":      r.Mindset,
		"relationship": r.Relationship,
		"interests":    r.Interests,
	}
	for name, table := range tables {
		if len(table.Weights) == 0 {
			return fmt.Errorf("%w: %s table is empty", ErrInvalidRubric, name)
		}
		for option, w := range table.Weights {
			if w < 0 || w > 1 {
				return fmt.Errorf("%w: %s option %q weight %v outside [0,1]", ErrInvalidRubric, name, option, w)
			}
		}
		for alias, canonical := range table.Aliases {
			if _, ok := table.Weights[canonical]; !ok {
				return fmt.Errorf("%w: %s alias %q points to unknown option %q", ErrInvalidRubric, name, alias, canonical)
			}
		}
	}

	if r.DefaultWeight < 0 || r.DefaultWeight > 1 {
		return fmt.Errorf("%w: default weight %v outside [0,1]", ErrInvalidRubric, r.DefaultWeight)
	}
	if r.AgeSpan <= 0 || r.HeightSpanCM <= 0 || r.BioWordTarget <= 0 {
		return fmt.Errorf("%w: spans and bio word target must be positive", ErrInvalidRubric)
	}
	return nil
}

// sortedKeys returns map keys in lexical order so fuzzy lookups are stable.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DefaultRubric returns the built-in tables.
func DefaultRubric() *Rubric {
	return &Rubric{
		CategoryWeights: map[string]float64{
			string(CategoryBasic):        15,
			string(CategoryPhysical):     15,
			string(CategoryPersonality):  15,
			string(CategoryValues):       15,
			string(CategoryMindset):      10,
			string(CategoryRelationship): 10,
			string(CategoryInterests):    10,
			string(CategoryBio):          10,
		},
		DefaultWeight: 0.6,
		NeutralScore:  50,

		IdealAge:      30,
		AgeSpan:       50,
		IdealHeightCM: 170,
		HeightSpanCM:  60,

		BioWordTarget:   80,
		SentimentWeight: 0.3,
		PositiveWords: []string{
			"love", "happy", "optimistic", "kind", "adventure", "fun", "passionate",
			"caring", "joy", "excited", "grateful", "positive", "enjoy", "friendly",
			"honest", "loyal", "fit", "great", "curious", "laugh",
		},
		NegativeWords: []string{
			"hate", "sad", "angry", "boring", "lazy", "toxic", "drama", "rude",
			"annoying", "bitter", "negative", "tired", "jealous",
		},

		Education: map[string]float64{
			"phd":          1.0,
			"doctorate":    1.0,
			"masters":      0.95,
			"postgraduate": 0.95,
			"graduate":     0.9,
			"bachelors":    0.85,
			"final year":   0.85,
			"4th year":     0.85,
			"3rd year":     0.8,
			"2nd year":     0.75,
			"1st year":     0.7,
			"diploma":      0.7,
			"high school":  0.6,
		},
		Professions: map[string]float64{
			"medicine":    1.0,
			"engineering": 0.9,
			"computer":    0.9,
			"law":         0.9,
			"science":     0.85,
			"business":    0.85,
			"education":   0.85,
			"commerce":    0.8,
			"arts":        0.8,
			"design":      0.8,
			"management":  0.8,
		},

		BodyType: OptionTable{
			Weights: map[string]float64{
				"athletic": 1.0,
				"fit":      1.0,
				"muscular": 0.9,
				"slim":     0.9,
				"average":  0.85,
				"curvy":    0.85,
				"heavyset": 0.8,
			},
			Aliases: map[string]string{
				"toned":      "fit",
				"sporty":     "athletic",
				"thin":       "slim",
				"lean":       "slim",
				"medium":     "average",
				"normal":     "average",
				"plus":       "curvy",
				"stocky":     "heavyset",
				"well built": "muscular",
			},
		},
		Personality: OptionTable{
			MaxChoices: 3,
			Weights: map[string]float64{
				"optimistic":  1.0,
				"kind":        1.0,
				"honest":      1.0,
				"empathetic":  1.0,
				"loyal":       1.0,
				"ambitious":   0.9,
				"adventurous": 0.9,
				"funny":       0.9,
				"confident":   0.9,
				"creative":    0.9,
				"calm":        0.8,
				"curious":     0.8,
				"organized":   0.8,
				"extroverted": 0.8,
				"introverted": 0.7,
			},
			Aliases: map[string]string{
				"positive":      "optimistic",
				"cheerful":      "optimistic",
				"caring":        "kind",
				"compassionate": "empathetic",
				"humorous":      "funny",
				"witty":         "funny",
				"driven":        "ambitious",
				"outgoing":      "extroverted",
				"extrovert":     "extroverted",
				"introvert":     "introverted",
				"shy":           "introverted",
				"artistic":      "creative",
				"chill":         "calm",
				"trustworthy":   "honest",
			},
		},
		Values: OptionTable{
			MaxChoices: 3,
			Weights: map[string]float64{
				"honesty":          1.0,
				"loyalty":          1.0,
				"family-oriented":  1.0,
				"compassion":       1.0,
				"health-conscious": 0.9,
				"growth-minded":    0.9,
				"career-focused":   0.8,
				"spiritual":        0.8,
				"independence":     0.8,
				"adventure":        0.8,
			},
			Aliases: map[string]string{
				"family":          "family-oriented",
				"family oriented": "family-oriented",
				"healthy":         "health-conscious",
				"health":          "health-conscious",
				"fitness":         "health-conscious",
				"career":          "career-focused",
				"growth":          "growth-minded",
				"faith":           "spiritual",
				"religion":        "spiritual",
				"truth":           "honesty",
				"kindness":        "compassion",
				"freedom":         "independence",
			},
		},
		Mindset: OptionTable{
			MaxChoices: 3,
			Weights: map[string]float64{
				"growth":      1.0,
				"positive":    0.9,
				"open-minded": 0.9,
				"ambitious":   0.9,
				"practical":   0.8,
				"analytical":  0.8,
				"spiritual":   0.7,
			},
			Aliases: map[string]string{
				"growth mindset": "growth",
				"optimistic":     "positive",
				"open minded":    "open-minded",
				"open":           "open-minded",
				"logical":        "analytical",
				"realistic":      "practical",
				"goal-oriented":  "ambitious",
			},
		},
		Relationship: OptionTable{
			MaxChoices: 2,
			Weights: map[string]float64{
				"long-term":     1.0,
				"marriage":      1.0,
				"life-partner":  1.0,
				"companionship": 0.8,
				"friendship":    0.6,
				"not-sure":      0.5,
				"short-term":    0.4,
				"casual":        0.3,
			},
			Aliases: map[string]string{
				"long term":            "long-term",
				"serious":              "long-term",
				"serious relationship": "long-term",
				"life partner":         "life-partner",
				"short term":           "short-term",
				"friends":              "friendship",
				"not sure":             "not-sure",
				"figuring it out":      "not-sure",
				"fling":                "casual",
			},
		},
		Interests: OptionTable{
			MaxChoices: 10,
			Weights: map[string]float64{
				"volunteering": 1.0,
				"travel":       0.9,
				"fitness":      0.9,
				"hiking":       0.9,
				"reading":      0.8,
				"music":        0.8,
				"cooking":      0.8,
				"art":          0.8,
				"yoga":         0.8,
				"sports":       0.8,
				"writing":      0.8,
				"photography":  0.7,
				"dancing":      0.7,
				"technology":   0.7,
				"gaming":       0.6,
				"movies":       0.6,
			},
			Aliases: map[string]string{
				"traveling":   "travel",
				"travelling":  "travel",
				"gym":         "fitness",
				"workout":     "fitness",
				"working out": "fitness",
				"books":       "reading",
				"films":       "movies",
				"cinema":      "movies",
				"tech":        "technology",
				"coding":      "technology",
				"painting":    "art",
				"trekking":    "hiking",
				"dance":       "dancing",
				"video games": "gaming",
			},
		},

		Personas: []Persona{
			{Name: "Adventurous Explorer", Keywords: []string{"adventurous", "travel", "hiking", "adventure", "outdoors", "camping"}},
			{Name: "Fitness Enthusiast", Keywords: []string{"fitness", "athletic", "sports", "yoga", "running", "health-conscious"}},
			{Name: "Creative Soul", Keywords: []string{"creative", "art", "music", "photography", "writing", "dancing"}},
			{Name: "Intellectual Thinker", Keywords: []string{"reading", "analytical", "curious", "technology", "science", "learning"}},
			{Name: "Family-Oriented Partner", Keywords: []string{"family-oriented", "loyal", "loyalty", "marriage", "cooking", "home"}},
			{Name: "Ambitious Achiever", Keywords: []string{"ambitious", "career-focused", "driven", "business", "leadership", "growth-minded"}},
			{Name: "Social Butterfly", Keywords: []string{"extroverted", "funny", "social", "parties", "friends", "movies"}},
			{Name: "Spiritual Seeker", Keywords: []string{"spiritual", "meditation", "mindfulness", "faith", "peaceful"}},
			{Name: "Compassionate Helper", Keywords: []string{"empathetic", "kind", "compassion", "volunteering", "caring"}},
			{Name: "Easygoing Optimist", Keywords: []string{"optimistic", "calm", "positive", "easygoing", "relaxed", "happy"}},
		},
		DefaultPersona: "Balanced Individual",

		CollegeTierScores: map[int]int{1: 100, 2: 75, 3: 50},
	}
}
