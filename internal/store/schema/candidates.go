package schema

import (
	"github.com/huandu/go-sqlbuilder"

	"github.com/spigell/qcs-matcher/internal/store"
)

// CandidateQuery builds the candidate pool select for a SQL flavor. It returns
// the profile data column ordered by id.
func CandidateQuery(flavor sqlbuilder.Flavor, filter store.CandidateFilter) (string, []any) {
	sb := flavor.NewSelectBuilder()
	sb.Select("data").From("profiles")

	if filter.ActiveOnly {
		sb.Where(sb.Equal("active", true))
	}
	if ids := store.SortedIDs(filter.ExcludeUserIDs); len(ids) > 0 {
		sb.Where(sb.NotIn("id", toArgs(ids)...))
	}
	if len(filter.Genders) > 0 {
		genders := make([]string, 0, len(filter.Genders))
		for _, g := range filter.Genders {
			genders = append(genders, store.NormalizeGender(g))
		}
		sb.Where(sb.In("lower(trim(gender))", toArgs(store.SortedIDs(genders))...))
	}
	sb.OrderBy("id").Asc()
	return sb.Build()
}

func toArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
