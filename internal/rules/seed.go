package rules

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/google/uuid"
)

// SeededMarker is the settings key recording that system rules were
// installed. Once set, deleted system rules stay deleted.
const SeededMarker = "system_rules_seeded"

//go:embed system/*.json
var systemFS embed.FS

type SeedStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	CreateRule(ctx context.Context, rule *domain.ConversionRule) error
}

// SystemRules returns the built-in rules in a stable order. IDs and
// timestamps are left empty.
func SystemRules() ([]domain.ConversionRule, error) {
	names, err := fs.Glob(systemFS, "system/*.json")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make([]domain.ConversionRule, 0, len(names))
	for _, name := range names {
		raw, err := systemFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		var r domain.ConversionRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		r.Origin = domain.OriginSystem
		r.Enabled = true
		out = append(out, r)
	}
	return out, nil
}

// Seed installs the system rules unless the marker says it already ran. It
// reports whether anything was written.
func Seed(ctx context.Context, store SeedStore, now time.Time) (bool, error) {
	_, err := store.GetSetting(ctx, SeededMarker)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return false, fmt.Errorf("read seed marker: %w", err)
	}

	system, err := SystemRules()
	if err != nil {
		return false, err
	}
	for i := range system {
		r := &system[i]
		if err := Validate(r); err != nil {
			return false, fmt.Errorf("system rule %s: %w", r.Slug, err)
		}
		r.ID = uuid.NewString()
		r.CreatedAt = now
		r.UpdatedAt = now
		if err := store.CreateRule(ctx, r); err != nil {
			return false, fmt.Errorf("create system rule %s: %w", r.Slug, err)
		}
	}
	if err := store.SetSetting(ctx, SeededMarker, now.UTC().Format(time.RFC3339)); err != nil {
		return false, fmt.Errorf("write seed marker: %w", err)
	}
	return true, nil
}
