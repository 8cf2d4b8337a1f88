package importer

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/qcs-matcher/internal/store/memory"
)

const sample = `{
  "profiles": [
    {
      "id": "u1",
      "gender": "female",
      "active": true,
      "date_of_birth": "2000-01-01",
      "interests": ["travel", "fitness"],
      "preferred_age_min": 20,
      "preferred_age_max": 30,
      "lifestyle": {"smoking": "no"},
      "favourite_colour": "green"
    },
    {"id": "u2", "active": true, "bio": "Hi there"}
  ],
  "blocks": [{"blocker": "u1", "blocked": "u2"}]
}`

func TestDecodeAndApply(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ds, err := Decode(strings.NewReader(sample), zap.New(core))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ds.Profiles) != 2 || len(ds.Blocks) != 1 {
		t.Fatalf("unexpected dataset %+v", ds)
	}

	p := ds.Profiles[0]
	if p.ID != "u1" || p.Gender != "female" || !p.Active {
		t.Fatalf("unexpected profile %+v", p)
	}
	if p.PreferredAgeMin == nil || *p.PreferredAgeMin != 20 || p.PreferredAgeMax == nil || *p.PreferredAgeMax != 30 {
		t.Fatalf("age range not decoded: %+v", p)
	}
	if p.Lifestyle["smoking"] != "no" {
		t.Fatalf("lifestyle not decoded: %+v", p.Lifestyle)
	}
	if logs.FilterMessage("ignoring unknown profile keys").Len() != 1 {
		t.Fatalf("expected unknown key warning, got %v", logs.All())
	}

	st := memory.New()
	sum, err := Apply(context.Background(), st, ds, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if sum.Profiles != 2 || sum.Blocks != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	blocked, err := st.BlockedUsers(context.Background(), "u2")
	if err != nil || len(blocked) != 1 || blocked[0] != "u1" {
		t.Fatalf("expected symmetric block, got %v (%v)", blocked, err)
	}
}

func TestDecodeRejectsBrokenInput(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "not json", doc: `{"profiles":`},
		{name: "missing id", doc: `{"profiles":[{"gender":"male"}]}`},
		{name: "wrong type", doc: `{"profiles":[{"id":"u1","active":"maybe"}]}`},
		{name: "empty blocker", doc: `{"blocks":[{"blocked":"u2"}]}`},
		{name: "self block", doc: `{"blocks":[{"blocker":"u1","blocked":"u1"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tt.doc), nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestApplyNil(t *testing.T) {
	if _, err := Apply(context.Background(), memory.New(), nil, nil); err == nil {
		t.Fatalf("expected error for nil dataset")
	}
}
