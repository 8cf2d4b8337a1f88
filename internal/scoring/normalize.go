package scoring

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spigell/qcs-matcher/internal/profile"
)

const minFuzzyTokenLength = 3

var (
	yearPattern   = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)
	feetPattern   = regexp.MustCompile(`(\d+)\s*(?:'|ft|feet)\s*(\d+)?`)
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
	"January 2, 2006",
	"2 January 2006",
	"Jan 2, 2006",
}

// Normalized is the canonical shape every scorer consumes. It is produced once
// per profile by Normalizer.Profile.
type Normalized struct {
	UserID string

	HasDOB bool
	Age    int
	AgeOK  bool

	Education  string
	Profession string

	HasHeight bool
	HeightCM  float64
	BodyType  string
	SkinTone  string

	Personality  []string
	Values       []string
	Mindset      []string
	Relationship []string
	Interests    []string
	Bio          string

	CollegeTier      int
	Gender           string
	PreferredGenders []string
	AgeMin           *int
	AgeMax           *int
	LifestyleKeys    []string
	PersonalityType  string
	Active           bool
}

// Normalizer turns loosely typed profile values into canonical tokens using the
// rubric's alias tables.
type Normalizer struct {
	rubric *Rubric
	now    func() time.Time
}

// NewNormalizer creates a Normalizer. A nil clock defaults to time.Now.
func NewNormalizer(rubric *Rubric, now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{rubric: rubric, now: now}
}

// Profile normalizes every field the engines read.
func (n *Normalizer) Profile(p *profile.Profile) *Normalized {
	if p == nil {
		return &Normalized{}
	}

	out := &Normalized{
		UserID:          p.ID,
		Education:       Text(p.YearOfStudy),
		Profession:      Text(p.FieldOfStudy),
		SkinTone:        Text(p.SkinTone),
		Bio:             strings.TrimSpace(rawText(p.Bio)),
		CollegeTier:     CollegeTier(p.CollegeTier),
		Gender:          strings.ToLower(strings.TrimSpace(p.Gender)),
		AgeMin:          p.PreferredAgeMin,
		AgeMax:          p.PreferredAgeMax,
		PersonalityType: strings.TrimSpace(p.PersonalityType),
		Active:          p.Active,
	}

	if Text(p.DateOfBirth) != "" {
		out.HasDOB = true
		out.Age, out.AgeOK = Age(p.DateOfBirth, n.now())
	}

	out.HeightCM, out.HasHeight = HeightCM(p.Height)
	if body := Tokens(p.BodyType); len(body) > 0 {
		out.BodyType = n.canonical(n.rubric.BodyType, body[0])
	}

	out.Personality = n.canonicalList(n.rubric.Personality, Tokens(p.PersonalityTraits))
	out.Values = n.canonicalList(n.rubric.Values, Tokens(p.Values))
	out.Mindset = n.canonicalList(n.rubric.Mindset, Tokens(p.Mindset))
	out.Relationship = n.canonicalList(n.rubric.Relationship, Tokens(p.RelationshipGoals))
	out.Interests = n.canonicalList(n.rubric.Interests, Tokens(p.Interests))
	out.PreferredGenders = Tokens(p.PreferredGenders)

	for key := range p.Lifestyle {
		if k := strings.ToLower(strings.TrimSpace(key)); k != "" {
			out.LifestyleKeys = append(out.LifestyleKeys, k)
		}
	}
	sort.Strings(out.LifestyleKeys)

	return out
}

// Canonical maps a single token through the given table's aliases and
// vocabulary. Unknown tokens are returned unchanged.
func (n *Normalizer) canonical(table OptionTable, token string) string {
	if token == "" {
		return ""
	}
	if _, ok := table.Weights[token]; ok {
		return token
	}
	if canonical, ok := table.Aliases[token]; ok {
		return canonical
	}
	if match, ok := containment(table.Weights, token); ok {
		return match
	}
	return token
}

func (n *Normalizer) canonicalList(table OptionTable, tokens []string) []string {
	if len(tokens) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		c := n.canonical(table, token)
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// containment finds the first canonical key (in lexical order) that contains
// the token or is contained by it.
func containment[V any](vocabulary map[string]V, token string) (string, bool) {
	if len([]rune(token)) < minFuzzyTokenLength {
		return "", false
	}
	for _, key := range sortedKeys(vocabulary) {
		if len([]rune(key)) < minFuzzyTokenLength {
			continue
		}
		if strings.Contains(key, token) || strings.Contains(token, key) {
			return key, true
		}
	}
	return "", false
}

// Tokens turns a raw field value into lowercase trimmed tokens. It returns nil
// when nothing usable remains. It never fails: malformed JSON arrays fall back
// to delimiter splitting.
func Tokens(v any) []string {
	var parts []string

	switch val := v.(type) {
	case nil:
		return nil
	case []string:
		parts = val
	case []any:
		for _, item := range val {
			parts = append(parts, rawText(item))
		}
	case string:
		parts = splitString(val)
	default:
		parts = splitString(rawText(val))
	}

	out := make([]string, 0, len(parts))
	for _, part := range parts {
		token := strings.ToLower(strings.TrimSpace(part))
		token = strings.Trim(token, `"'`)
		if token == "" {
			continue
		}
		out = append(out, token)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func splitString(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		var items []any
		if err := json.Unmarshal([]byte(s), &items); err == nil {
			parts := make([]string, 0, len(items))
			for _, item := range items {
				parts = append(parts, rawText(item))
			}
			return parts
		}
		s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	}

	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '/' || r == '|'
	})
}

// Text returns the value as a single lowercase trimmed string.
func Text(v any) string {
	return strings.ToLower(strings.TrimSpace(rawText(v)))
}

func rawText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case []any, []string:
		return strings.Join(Tokens(val), ", ")
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Age derives an age in whole years from a date of birth, a bare year, or a
// four-digit year found anywhere in the text.
func Age(v any, now time.Time) (int, bool) {
	switch val := v.(type) {
	case nil:
		return 0, false
	case time.Time:
		return ageFromDate(val, now)
	case float64:
		return ageFromYear(int(val), now)
	case int:
		return ageFromYear(val, now)
	}

	s := strings.TrimSpace(rawText(v))
	if s == "" {
		return 0, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return ageFromDate(t, now)
		}
	}
	if year, err := strconv.Atoi(s); err == nil {
		return ageFromYear(year, now)
	}
	if match := yearPattern.FindString(s); match != "" {
		year, _ := strconv.Atoi(match)
		return ageFromYear(year, now)
	}
	return 0, false
}

func ageFromDate(dob, now time.Time) (int, bool) {
	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	return saneAge(age)
}

func ageFromYear(year int, now time.Time) (int, bool) {
	if year < 1900 || year > now.Year() {
		return 0, false
	}
	return saneAge(now.Year() - year)
}

func saneAge(age int) (int, bool) {
	if age < 0 || age > 120 {
		return 0, false
	}
	return age, true
}

// HeightCM parses centimetres from a number, "172 cm" or feet/inches ("5'8").
func HeightCM(v any) (float64, bool) {
	switch val := v.(type) {
	case nil:
		return 0, false
	case float64:
		return plausibleHeight(val)
	case int:
		return plausibleHeight(float64(val))
	}

	s := Text(v)
	if s == "" {
		return 0, false
	}
	if m := feetPattern.FindStringSubmatch(s); m != nil {
		feet, _ := strconv.ParseFloat(m[1], 64)
		inches := 0.0
		if m[2] != "" {
			inches, _ = strconv.ParseFloat(m[2], 64)
		}
		return plausibleHeight(feet*30.48 + inches*2.54)
	}
	if m := numberPattern.FindString(s); m != "" {
		f, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return 0, false
		}
		if strings.Contains(s, "m") && !strings.Contains(s, "cm") && f < 3 {
			f *= 100
		}
		return plausibleHeight(f)
	}
	return 0, false
}

func plausibleHeight(cm float64) (float64, bool) {
	if math.IsNaN(cm) || cm < 50 || cm > 260 {
		return 0, false
	}
	return cm, true
}

// CollegeTier extracts a positive tier number from values such as 2, "2" or
// "Tier 1". Zero means unknown.
func CollegeTier(v any) int {
	switch val := v.(type) {
	case nil:
		return 0
	case float64:
		if val >= 1 {
			return int(val)
		}
		return 0
	case int:
		if val >= 1 {
			return val
		}
		return 0
	}
	if m := numberPattern.FindString(Text(v)); m != "" {
		if tier, err := strconv.Atoi(strings.SplitN(m, ".", 2)[0]); err == nil && tier >= 1 {
			return tier
		}
	}
	return 0
}
