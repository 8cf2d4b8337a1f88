package scoring

import "strings"

// ClassifyPersona picks the persona with the most keyword hits in the
// profile's personality, values, interests and body type. Ties keep the first
// declared persona and zero hits yield DefaultPersona.
func (r *Rubric) ClassifyPersona(n *Normalized) string {
	if n == nil {
		return r.DefaultPersona
	}

	parts := make([]string, 0, len(n.Personality)+len(n.Values)+len(n.Interests)+1)
	parts = append(parts, n.Personality...)
	parts = append(parts, n.Values...)
	parts = append(parts, n.Interests...)
	if n.BodyType != "" {
		parts = append(parts, n.BodyType)
	}
	bag := strings.Join(parts, " ")
	if bag == "" {
		return r.DefaultPersona
	}

	best, bestHits := r.DefaultPersona, 0
	for _, p := range r.Personas {
		hits := 0
		for _, keyword := range p.Keywords {
			if strings.Contains(bag, strings.ToLower(keyword)) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = p.Name, hits
		}
	}
	return best
}
