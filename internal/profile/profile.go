// Package profile holds the dating-profile record read by the scoring and
// matching engines.
package profile

// Profile is owned by the persistence collaborator and never mutated here.
//
// Fields typed as any arrive in whatever shape the upstream writer used:
// missing, a scalar, a delimited string, a JSON-encoded array or a native list.
type Profile struct {
	ID string `json:"id"`

	DateOfBirth  any `json:"date_of_birth,omitempty"`
	YearOfStudy  any `json:"year_of_study,omitempty"`
	FieldOfStudy any `json:"field_of_study,omitempty"`

	Height   any `json:"height,omitempty"`
	BodyType any `json:"body_type,omitempty"`
	SkinTone any `json:"skin_tone,omitempty"`

	PersonalityTraits any `json:"personality_traits,omitempty"`
	Values            any `json:"values,omitempty"`
	Mindset           any `json:"mindset,omitempty"`
	RelationshipGoals any `json:"relationship_goals,omitempty"`
	Interests         any `json:"interests,omitempty"`
	Bio               any `json:"bio,omitempty"`

	Gender           string         `json:"gender,omitempty"`
	PreferredGenders any            `json:"preferred_genders,omitempty"`
	PreferredAgeMin  *int           `json:"preferred_age_min,omitempty"`
	PreferredAgeMax  *int           `json:"preferred_age_max,omitempty"`
	CollegeTier      any            `json:"college_tier,omitempty"`
	Lifestyle        map[string]any `json:"lifestyle,omitempty"`
	PersonalityType  string         `json:"personality_type,omitempty"`
	Active           bool           `json:"active"`
}
