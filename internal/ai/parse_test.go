package ai

import (
	"errors"
	"math"
	"testing"
)

func TestParseContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		score    float64
		salvaged bool
	}{
		{name: "clean json", input: `{"score": 72}`, score: 72},
		{name: "code fence", input: "```json\n{\"score\": 60}\n```", score: 60},
		{name: "greedy brace block", input: `Result: {"score": 90, "reason": "{nested}"} done`, score: 90, salvaged: true},
		{name: "bare number", input: "I would rate this 77 out of 100", score: 77, salvaged: true},
		{name: "broken json falls back to number", input: `{"score": 45,`, score: 45, salvaged: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data, salvaged, err := ParseContent(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if salvaged != tt.salvaged {
				t.Fatalf("expected salvaged=%v, got %v", tt.salvaged, salvaged)
			}
			if got := coerceFloat(data["score"]); got != tt.score {
				t.Fatalf("expected score %v, got %v", tt.score, got)
			}
		})
	}
}

func TestParseContentFailures(t *testing.T) {
	if _, _, err := ParseContent("   "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if _, _, err := ParseContent("no digits at all"); !errors.Is(err, ErrUnparseable) {
		t.Fatalf("expected ErrUnparseable, got %v", err)
	}
}

func TestCoerceFloat(t *testing.T) {
	if got := coerceFloat("85%"); got != 85 {
		t.Fatalf("expected 85, got %v", got)
	}
	if got := coerceFloat("high"); !math.IsNaN(got) {
		t.Fatalf("expected NaN for non-numeric string, got %v", got)
	}
	if got := coerceFloat(nil); !math.IsNaN(got) {
		t.Fatalf("expected NaN for nil, got %v", got)
	}
}
