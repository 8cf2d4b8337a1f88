package scoring

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/spigell/qcs-matcher/internal/profile"
)

var fixedNow = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDefaultRubricIsValid(t *testing.T) {
	r := DefaultRubric()
	if err := r.Validate(); err != nil {
		t.Fatalf("default rubric should validate: %v", err)
	}

	var total float64
	for _, c := range Categories {
		total += r.Weight(c)
	}
	if total != 100 {
		t.Fatalf("expected category weights to sum to 100, got %v", total)
	}
}

func TestValidateRejectsBrokenRubric(t *testing.T) {
	r := DefaultRubric()
	r.CategoryWeights[string(CategoryBio)] = 20
	if err := r.Validate(); !errors.Is(err, ErrInvalidRubric) {
		t.Fatalf("expected ErrInvalidRubric for weights summing to 110, got %v", err)
	}

	r = DefaultRubric()
	r.Interests.Aliases["netflix"] = "streaming"
	if err := r.Validate(); !errors.Is(err, ErrInvalidRubric) {
		t.Fatalf("expected ErrInvalidRubric for dangling alias, got %v", err)
	}

	r = DefaultRubric()
	r.Values.Weights["honesty"] = 1.5
	if err := r.Validate(); !errors.Is(err, ErrInvalidRubric) {
		t.Fatalf("expected ErrInvalidRubric for weight above 1, got %v", err)
	}
}

func TestTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  any
		expect []string
	}{
		{name: "nil", input: nil, expect: nil},
		{name: "blank string", input: "   ", expect: nil},
		{name: "scalar", input: " Optimistic ", expect: []string{"optimistic"}},
		{name: "delimited", input: "Travel, music;art/yoga|cooking", expect: []string{"travel", "music", "art", "yoga", "cooking"}},
		{name: "json array string", input: `["Hiking", "Reading"]`, expect: []string{"hiking", "reading"}},
		{name: "malformed json array", input: `["Hiking", Reading]`, expect: []string{"hiking", "reading"}},
		{name: "native list", input: []any{"Music", " ", "Art"}, expect: []string{"music", "art"}},
		{name: "string slice", input: []string{"A", "b"}, expect: []string{"a", "b"}},
		{name: "empty delimiters", input: ",,;", expect: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Tokens(tt.input); !reflect.DeepEqual(got, tt.expect) {
				t.Fatalf("expected %#v, got %#v", tt.expect, got)
			}
		})
	}
}

func TestNormalizerCanonicalizes(t *testing.T) {
	n := NewNormalizer(DefaultRubric(), clock)

	got := n.Profile(&profile.Profile{
		ID:                "u1",
		Interests:         "Traveling, gym, hiking trips, gym, knitting",
		PersonalityTraits: []any{"Caring", "optimistic"},
		BodyType:          "Toned",
		Lifestyle:         map[string]any{"Smoking": "no", "drinking": "social"},
	})

	if want := []string{"travel", "fitness", "hiking", "knitting"}; !reflect.DeepEqual(got.Interests, want) {
		t.Fatalf("unexpected interests: %#v", got.Interests)
	}
	if want := []string{"kind", "optimistic"}; !reflect.DeepEqual(got.Personality, want) {
		t.Fatalf("unexpected personality: %#v", got.Personality)
	}
	if got.BodyType != "fit" {
		t.Fatalf("expected body type fit, got %q", got.BodyType)
	}
	if want := []string{"drinking", "smoking"}; !reflect.DeepEqual(got.LifestyleKeys, want) {
		t.Fatalf("unexpected lifestyle keys: %#v", got.LifestyleKeys)
	}
}

func TestAge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input  any
		age    int
		wantOK bool
	}{
		{input: "1994-06-15", age: 30, wantOK: true},
		{input: "1994-06-16", age: 29, wantOK: true},
		{input: "1994", age: 30, wantOK: true},
		{input: float64(1969), age: 55, wantOK: true},
		{input: "born in the spring of 1944", age: 80, wantOK: true},
		{input: "15/06/1994", age: 30, wantOK: true},
		{input: "someday", wantOK: false},
		{input: "2090-01-01", wantOK: false},
	}

	for _, tt := range tests {
		age, ok := Age(tt.input, fixedNow)
		if ok != tt.wantOK {
			t.Fatalf("%v: expected ok=%v, got %v", tt.input, tt.wantOK, ok)
		}
		if ok && age != tt.age {
			t.Fatalf("%v: expected age %d, got %d", tt.input, tt.age, age)
		}
	}
}

func TestAgeFraction(t *testing.T) {
	r := DefaultRubric()

	cases := map[int]float64{30: 1, 55: 0.5, 5: 0.5, 80: 0, 95: 0}
	for age, want := range cases {
		if got := r.AgeFraction(age, true); !almostEqual(got, want) {
			t.Fatalf("age %d: expected %v, got %v", age, want, got)
		}
	}
	if got := r.AgeFraction(30, false); got != 0 {
		t.Fatalf("unparseable age should score 0, got %v", got)
	}
}

func TestHeightCM(t *testing.T) {
	cases := map[string]float64{
		"170cm":  170,
		"170 cm": 170,
		"5'8":    5*30.48 + 8*2.54,
		"6 ft":   6 * 30.48,
		"1.75 m": 175,
	}
	for input, want := range cases {
		got, ok := HeightCM(input)
		if !ok || !almostEqual(got, want) {
			t.Fatalf("%q: expected %v, got %v (ok=%v)", input, want, got, ok)
		}
	}
	if _, ok := HeightCM("tall"); ok {
		t.Fatalf("expected non-numeric height to be rejected")
	}
}

func TestSingleOptionFraction(t *testing.T) {
	r := DefaultRubric()

	if got := r.SingleOptionFraction("", r.BodyType.Weights); got != 0 {
		t.Fatalf("missing input should score 0, got %v", got)
	}
	if got := r.SingleOptionFraction("slim", r.BodyType.Weights); !almostEqual(got, 0.9) {
		t.Fatalf("expected exact weight 0.9, got %v", got)
	}
	if got := r.SingleOptionFraction("very athletic build", r.BodyType.Weights); !almostEqual(got, 1.0) {
		t.Fatalf("expected containment match to athletic, got %v", got)
	}
	if got := r.SingleOptionFraction("indescribable", r.BodyType.Weights); !almostEqual(got, 0.6) {
		t.Fatalf("expected default weight 0.6, got %v", got)
	}
}

func TestContainmentSkipsShortTokens(t *testing.T) {
	vocab := map[string]float64{"athletic": 1, "go": 0.5}

	tests := []struct {
		token string
		want  string
		ok    bool
	}{
		{token: "at", ok: false},
		{token: "ath", want: "athletic", ok: true},
		{token: "very athletic", want: "athletic", ok: true},
		// "go" is too short to match inside "golf".
		{token: "golf", ok: false},
	}

	for _, tt := range tests {
		got, ok := containment(vocab, tt.token)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("containment(%q) = %q, %v; expected %q, %v", tt.token, got, ok, tt.want, tt.ok)
		}
	}
}

func TestMultiselectFractionIsMonotonic(t *testing.T) {
	r := DefaultRubric()

	if got := r.MultiselectFraction(nil, r.Interests); got != 0 {
		t.Fatalf("empty selection should score 0, got %v", got)
	}

	selection := []string{"gaming"}
	prev := r.MultiselectFraction(selection, r.Interests)
	for _, option := range sortedKeys(r.Interests.Weights) {
		selection = append(selection, option)
		got := r.MultiselectFraction(selection, r.Interests)
		if got < prev {
			t.Fatalf("adding %q decreased fraction from %v to %v", option, prev, got)
		}
		if got > 1 {
			t.Fatalf("fraction exceeded 1: %v", got)
		}
		prev = got
	}

	full := r.MultiselectFraction([]string{"optimistic", "kind", "honest", "loyal"}, r.Personality)
	if full != 1 {
		t.Fatalf("expected fraction capped at 1, got %v", full)
	}
}

func TestBioFraction(t *testing.T) {
	r := DefaultRubric()

	tests := []struct {
		name   string
		bio    string
		expect float64
	}{
		{name: "empty", bio: "", expect: 0},
		// 4 words, 3 negative: 4/80 - 0.3 clamps to 0.
		{name: "negative clamps to zero", bio: "lazy bored angry toxic", expect: 0},
		{name: "no sentiment words", bio: "just another person", expect: 3.0 / 80},
		// "me", "la", "y" and "el" are too short.
		{name: "accented words stay whole", bio: "Me encanta viajar, la música y el café con amigos", expect: 6.0 / 80},
		// "и", "по" and "с" are too short.
		{name: "cyrillic", bio: "Люблю путешествовать, читать книги и гулять по вечерам с друзьями", expect: 7.0 / 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.BioFraction(tt.bio); !almostEqual(got, tt.expect) {
				t.Fatalf("expected %v, got %v", tt.expect, got)
			}
		})
	}
}

func TestBioWordsKeepMultiByteLetters(t *testing.T) {
	got := bioWords("Me encanta la música y el café, después del trabajo")
	want := []string{"encanta", "música", "café", "después", "del", "trabajo"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestEmptyProfileScoresNeutral(t *testing.T) {
	e := NewEngine(nil, clock)

	for i := 0; i < 3; i++ {
		res := e.Evaluate(&profile.Profile{ID: "empty"})
		if res.LogicScore != 50 {
			t.Fatalf("expected neutral score 50, got %d", res.LogicScore)
		}
		if len(res.Fractions) != 0 {
			t.Fatalf("expected no fractions, got %v", res.Fractions)
		}
		if res.Persona != "Balanced Individual" {
			t.Fatalf("expected default persona, got %q", res.Persona)
		}
		if res.ProfileScore != 0 || res.PersonalityDepth != 0 || res.CollegeTier != 0 {
			t.Fatalf("expected zero components, got %+v", res)
		}
	}
}

func TestScenarioProfile(t *testing.T) {
	e := NewEngine(nil, clock)

	p := &profile.Profile{
		ID:                "scenario",
		PersonalityTraits: []any{"optimistic"},
		Values:            []any{"health-conscious"},
		Interests:         []any{"travel", "fitness"},
		Bio:               "I love traveling and staying fit, very optimistic about life and adventure.",
	}

	res := e.Evaluate(p)

	wantFractions := map[Category]float64{
		CategoryPersonality: 1.0 / 3,
		CategoryValues:      0.9 / 3,
		CategoryInterests:   1.8 / 8.5,
		CategoryBio:         11.0/80 + 0.3,
	}
	if len(res.Fractions) != len(wantFractions) {
		t.Fatalf("expected only %d categories, got %v", len(wantFractions), res.Fractions)
	}
	for c, want := range wantFractions {
		got, ok := res.Fractions[c]
		if !ok || !almostEqual(got, want) {
			t.Fatalf("category %s: expected %v, got %v (present=%v)", c, want, got, ok)
		}
	}

	weighted := 15*wantFractions[CategoryPersonality] +
		15*wantFractions[CategoryValues] +
		10*wantFractions[CategoryInterests] +
		10*wantFractions[CategoryBio]
	want := int(math.Round(weighted / 50 * 100))
	if res.LogicScore != want {
		t.Fatalf("expected logic score %d, got %d", want, res.LogicScore)
	}

	again := e.Evaluate(p)
	if !reflect.DeepEqual(again.Fractions, res.Fractions) || again.LogicScore != res.LogicScore {
		t.Fatalf("scoring is not reproducible: %+v vs %+v", again, res)
	}

	if res.Persona != "Fitness Enthusiast" {
		t.Fatalf("expected Fitness Enthusiast persona, got %q", res.Persona)
	}
	if res.ProfileScore != 50 {
		t.Fatalf("expected profile score 50 for 4 of 8 categories, got %d", res.ProfileScore)
	}
	if wantDepth := int(math.Round(100 * (1.0/3 + 0.3) / 2)); res.PersonalityDepth != wantDepth {
		t.Fatalf("expected personality depth %d, got %d", wantDepth, res.PersonalityDepth)
	}
}

func TestBasicAndPhysicalCategories(t *testing.T) {
	e := NewEngine(nil, clock)

	res := e.Evaluate(&profile.Profile{
		ID:           "basic",
		DateOfBirth:  "1994-06-15",
		YearOfStudy:  "Masters",
		FieldOfStudy: "Computer Science",
		Height:       "170cm",
		SkinTone:     "fair",
		CollegeTier:  "Tier 2",
	})

	if got, want := res.Fractions[CategoryBasic], (1+0.95+0.9)/3; !almostEqual(got, want) {
		t.Fatalf("expected basic %v, got %v", want, got)
	}
	if got := res.Fractions[CategoryPhysical]; !almostEqual(got, 1) {
		t.Fatalf("expected physical 1, got %v", got)
	}
	if res.CollegeTier != 75 {
		t.Fatalf("expected college tier component 75, got %d", res.CollegeTier)
	}
}

func TestClassifyPersona(t *testing.T) {
	r := DefaultRubric()

	if got := r.ClassifyPersona(nil); got != r.DefaultPersona {
		t.Fatalf("expected default persona for nil, got %q", got)
	}

	tie := &Normalized{Personality: []string{"adventurous"}, Interests: []string{"art"}}
	for i := 0; i < 5; i++ {
		if got := r.ClassifyPersona(tie); got != "Adventurous Explorer" {
			t.Fatalf("expected tie to resolve to first declared persona, got %q", got)
		}
	}

	noHits := &Normalized{Interests: []string{"knitting"}}
	if got := r.ClassifyPersona(noHits); got != "Balanced Individual" {
		t.Fatalf("expected default persona on zero hits, got %q", got)
	}
}
