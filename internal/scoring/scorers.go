package scoring

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}']+`)

// AgeFraction scores proximity to the rubric's ideal age. Unparseable ages
// score 0.
func (r *Rubric) AgeFraction(age int, ok bool) float64 {
	if !ok {
		return 0
	}
	return clamp01(1 - math.Abs(float64(age)-r.IdealAge)/r.AgeSpan)
}

// HeightFraction scores proximity to the rubric's reference height.
func (r *Rubric) HeightFraction(cm float64) float64 {
	return clamp01(1 - math.Abs(cm-r.IdealHeightCM)/r.HeightSpanCM)
}

// SingleOptionFraction looks the token up in weights, falls back to
// containment and finally to the default weight. An empty token scores 0.
func (r *Rubric) SingleOptionFraction(token string, weights map[string]float64) float64 {
	if token == "" {
		return 0
	}
	if w, ok := weights[token]; ok {
		return clamp01(w)
	}
	if key, ok := containment(weights, token); ok {
		return clamp01(weights[key])
	}
	return r.DefaultWeight
}

// MultiselectFraction sums the weights of the selected tokens and divides by
// the best achievable sum for the table's MaxChoices.
func (r *Rubric) MultiselectFraction(tokens []string, table OptionTable) float64 {
	if len(tokens) == 0 {
		return 0
	}
	denominator := topWeightSum(table)
	if denominator <= 0 {
		return 0
	}

	var sum float64
	for _, token := range tokens {
		if w, ok := table.Weights[token]; ok {
			sum += w
			continue
		}
		sum += r.DefaultWeight
	}
	return clamp01(sum / denominator)
}

func topWeightSum(table OptionTable) float64 {
	weights := make([]float64, 0, len(table.Weights))
	for _, w := range table.Weights {
		weights = append(weights, w)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(weights)))

	n := table.MaxChoices
	if n <= 0 || n > len(weights) {
		n = len(weights)
	}
	var sum float64
	for _, w := range weights[:n] {
		sum += w
	}
	return sum
}

// BioFraction rewards length up to BioWordTarget words and shifts the result
// by sentiment in [-SentimentWeight, SentimentWeight].
func (r *Rubric) BioFraction(bio string) float64 {
	words := bioWords(bio)
	if len(words) == 0 {
		return 0
	}

	lengthFactor := math.Min(1, float64(len(words))/r.BioWordTarget)

	positive := wordSet(r.PositiveWords)
	negative := wordSet(r.NegativeWords)
	var pos, neg int
	for _, w := range words {
		if _, ok := positive[w]; ok {
			pos++
		}
		if _, ok := negative[w]; ok {
			neg++
		}
	}

	sentiment := 0.0
	if pos+neg > 0 {
		sentiment = float64(pos-neg) / float64(pos+neg) * r.SentimentWeight
	}
	return clamp01(lengthFactor + sentiment)
}

func bioWords(bio string) []string {
	all := wordPattern.FindAllString(strings.ToLower(bio), -1)
	words := all[:0]
	for _, w := range all {
		w = strings.Trim(w, "'")
		if utf8.RuneCountInString(w) > 2 {
			words = append(words, w)
		}
	}
	return words
}

func wordSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[strings.ToLower(w)] = struct{}{}
	}
	return set
}

// ProfessionFraction takes the best weight among profession keywords found in
// the field of study, or the default weight when none match.
func (r *Rubric) ProfessionFraction(field string) float64 {
	if field == "" {
		return 0
	}
	best := -1.0
	for _, key := range sortedKeys(r.Professions) {
		if strings.Contains(field, key) && r.Professions[key] > best {
			best = r.Professions[key]
		}
	}
	if best < 0 {
		return r.DefaultWeight
	}
	return clamp01(best)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
