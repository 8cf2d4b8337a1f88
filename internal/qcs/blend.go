package qcs

import (
	"fmt"
	"math"
)

// BlendWeights are the logic and AI coefficients of the final score.
type BlendWeights struct {
	Logic float64 `mapstructure:"logic-weight" validate:"gte=0,lte=1"`
	AI    float64 `mapstructure:"ai-weight" validate:"gte=0,lte=1"`
}

// DefaultBlendWeights returns 0.6 logic / 0.4 AI.
func DefaultBlendWeights() BlendWeights {
	return BlendWeights{Logic: 0.6, AI: 0.4}
}

// Validate checks that both weights are in [0,1] and sum to 1.
func (w BlendWeights) Validate() error {
	if w.Logic < 0 || w.AI < 0 || w.Logic > 1 || w.AI > 1 {
		return fmt.Errorf("blend weights must be in [0,1], got logic=%v ai=%v", w.Logic, w.AI)
	}
	if math.Abs(w.Logic+w.AI-1) > 1e-9 {
		return fmt.Errorf("blend weights must sum to 1, got %v", w.Logic+w.AI)
	}
	return nil
}

// Blend combines the logic score with an optional AI score. The AI score
// only counts when it is finite and positive.
func (w BlendWeights) Blend(logic float64, ai *float64) int {
	if ai != nil && !math.IsNaN(*ai) && !math.IsInf(*ai, 0) && *ai > 0 {
		return clamp(math.Round(logic*w.Logic + *ai*w.AI))
	}
	return clamp(math.Round(logic))
}

// Blend applies DefaultBlendWeights.
func Blend(logic float64, ai *float64) int {
	return DefaultBlendWeights().Blend(logic, ai)
}

func clamp(v float64) int {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return int(v)
	}
}
