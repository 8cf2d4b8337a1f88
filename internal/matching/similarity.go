package matching

import (
	"math"

	"github.com/spigell/qcs-matcher/internal/scoring"
)

// Jaccard returns |A∩B| / |A∪B| over the token sets, or 0 when either is empty.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	left := make(map[string]struct{}, len(a))
	for _, v := range a {
		left[v] = struct{}{}
	}
	right := make(map[string]struct{}, len(b))
	for _, v := range b {
		right[v] = struct{}{}
	}
	inter := 0
	for v := range right {
		if _, ok := left[v]; ok {
			inter++
		}
	}
	union := len(left) + len(right) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// PhysicalScore rewards age proximity, matching college tiers and shared
// lifestyle keys.
func PhysicalScore(a, b *scoring.Normalized) float64 {
	score := 0.0
	if a.AgeOK && b.AgeOK {
		diff := math.Abs(float64(a.Age - b.Age))
		score += math.Max(0, 50-5*diff)
	}
	if a.CollegeTier > 0 && b.CollegeTier > 0 {
		switch d := a.CollegeTier - b.CollegeTier; {
		case d == 0:
			score += 30
		case d == 1 || d == -1:
			score += 15
		}
	}
	score += 20 * Jaccard(a.LifestyleKeys, b.LifestyleKeys)
	return math.Min(score, 100)
}

// MentalScore rewards shared interests and relationship goals and an equal
// personality type.
func MentalScore(a, b *scoring.Normalized) float64 {
	score := 50*Jaccard(a.Interests, b.Interests) + 30*Jaccard(a.Relationship, b.Relationship)
	if a.PersonalityType != "" && a.PersonalityType == b.PersonalityType {
		score += 20
	}
	return math.Min(score, 100)
}

// QCSScore is the candidate's persisted total, or fallback when there is none.
func QCSScore(total int, ok bool, fallback int) float64 {
	if !ok || total <= 0 {
		total = fallback
	}
	return math.Min(float64(total), 100)
}

// Compatibility weighs physical and mental at 0.4 each and QCS at 0.2.
func Compatibility(physical, mental, qcs float64) int {
	return int(math.Round(physical*0.4 + mental*0.4 + qcs*0.2))
}
