// Package importer seeds profiles and block pairs from a JSON document.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/spigell/qcs-matcher/internal/logger"
	"github.com/spigell/qcs-matcher/internal/profile"
	"github.com/spigell/qcs-matcher/internal/store"
)

// Dataset is the decoded import document.
type Dataset struct {
	Profiles []*profile.Profile
	Blocks   []store.Block
}

// Summary reports what an import wrote.
type Summary struct {
	Profiles int `json:"profiles"`
	Blocks   int `json:"blocks"`
}

type document struct {
	Profiles []map[string]any `json:"profiles"`
	Blocks   []store.Block    `json:"blocks"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode reads {"profiles":[...],"blocks":[{"blocker","blocked"}]}. Profile
// objects are decoded loosely so every upstream shape of a field survives;
// unknown keys are logged and ignored.
func Decode(r io.Reader, log *zap.Logger) (*Dataset, error) {
	log = logger.WithFields(log)

	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode import document: %w", err)
	}

	ds := &Dataset{Profiles: make([]*profile.Profile, 0, len(doc.Profiles))}
	for i, raw := range doc.Profiles {
		p, unused, err := decodeProfile(raw)
		if err != nil {
			return nil, fmt.Errorf("profile #%d: %w", i, err)
		}
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("profile #%d: id is required", i)
		}
		if len(unused) > 0 {
			log.Warn("ignoring unknown profile keys",
				zap.String(logger.FieldUserID, p.ID),
				zap.Strings("keys", unused),
			)
		}
		ds.Profiles = append(ds.Profiles, p)
	}

	for i, b := range doc.Blocks {
		if err := validate.Struct(b); err != nil {
			return nil, fmt.Errorf("block #%d: %w", i, err)
		}
		if b.Blocker == b.Blocked {
			return nil, fmt.Errorf("block #%d: user %s cannot block themselves", i, b.Blocker)
		}
		ds.Blocks = append(ds.Blocks, b)
	}
	return ds, nil
}

func decodeProfile(raw map[string]any) (*profile.Profile, []string, error) {
	var p profile.Profile
	var md mapstructure.Metadata
	cfg := &mapstructure.DecoderConfig{
		Metadata: &md,
		Result:   &p,
		TagName:  "json",
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, nil, err
	}
	return &p, md.Unused, nil
}

// Apply writes the dataset. Profiles go first so blocks never reference
// users the store has not seen.
func Apply(ctx context.Context, w store.ProfileWriter, ds *Dataset, log *zap.Logger) (Summary, error) {
	log = logger.WithFields(log)
	var sum Summary
	if ds == nil {
		return sum, errors.New("nothing to import")
	}
	for _, p := range ds.Profiles {
		if err := w.UpsertProfile(ctx, p); err != nil {
			return sum, fmt.Errorf("upsert profile %s: %w", p.ID, err)
		}
		sum.Profiles++
	}
	for _, b := range ds.Blocks {
		if err := w.AddBlock(ctx, b); err != nil {
			return sum, fmt.Errorf("add block %s->%s: %w", b.Blocker, b.Blocked, err)
		}
		sum.Blocks++
	}
	log.Info("import finished", zap.Int("profiles", sum.Profiles), zap.Int("blocks", sum.Blocks))
	return sum, nil
}
