package ai

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	braceBlock = regexp.MustCompile(`(?s)\{.*\}`)
	bareNumber = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
)

// ParseContent decodes model output into a JSON object. When the output is
// not clean JSON it salvages the outermost brace block, or failing that a bare
// number reported as {"score": n}. Salvaged reports whether either fallback
// was used.
func ParseContent(raw string) (data map[string]any, salvaged bool, err error) {
	cleaned := extractJSON(raw)
	if cleaned == "" {
		return nil, false, ErrEmptyContent
	}

	if err := json.Unmarshal([]byte(cleaned), &data); err == nil && data != nil {
		return data, false, nil
	}

	if block := braceBlock.FindString(cleaned); block != "" {
		data = nil
		if err := json.Unmarshal([]byte(block), &data); err == nil && data != nil {
			return data, true, nil
		}
	}

	if match := bareNumber.FindString(cleaned); match != "" {
		n, err := strconv.ParseFloat(match, 64)
		if err == nil {
			return map[string]any{"score": n}, true, nil
		}
	}

	return nil, false, fmt.Errorf("%w: %q", ErrUnparseable, cleaned)
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}

func coerceFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case string:
		trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "%"))
		if trimmed == "" {
			return math.NaN()
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func coerceString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	default:
		if v == nil {
			return ""
		}
		bytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(bytes)
	}
}
