package services

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/keyunjie96/steam-wishlist-plus-sub002/models"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

//go:embed overrides.yaml
var defaultOverridesYAML []byte

type overrideDocument struct {
	Overrides map[string]models.Override `yaml:"overrides"`
}

// OverrideTable is the read-only manual availability table, keyed by identifier.
type OverrideTable struct {
	entries map[string]models.Override
}

// LoadOverrideTable parses the built-in table and, when path is set, merges
// the entries of that file over it.
func LoadOverrideTable(path string) (*OverrideTable, error) {
	table, err := ParseOverrideTable(defaultOverridesYAML)
	if err != nil {
		return nil, fmt.Errorf("parsing built-in overrides: %w", err)
	}

	if path == "" {
		return table, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading overrides file: %w", err)
	}
	extra, err := ParseOverrideTable(data)
	if err != nil {
		return nil, fmt.Errorf("parsing overrides file %s: %w", path, err)
	}
	for id, override := range extra.entries {
		table.entries[id] = override
	}

	logrus.WithFields(logrus.Fields{
		"component": "OverrideTable",
		"path":      path,
		"added":     len(extra.entries),
		"total":     len(table.entries),
	}).Info("Loaded manual overrides file")

	return table, nil
}

// ParseOverrideTable decodes a YAML override document. Unknown statuses and
// platforms are rejected.
func ParseOverrideTable(data []byte) (*OverrideTable, error) {
	var doc overrideDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	entries := make(map[string]models.Override, len(doc.Overrides))
	for id, override := range doc.Overrides {
		if id == "" {
			return nil, fmt.Errorf("override with empty identifier")
		}
		for tag, status := range override.Platforms {
			if !knownPlatform(tag) {
				return nil, fmt.Errorf("override %s: unknown platform %q", id, tag)
			}
			switch status {
			case models.StatusAvailable, models.StatusUnavailable, models.StatusUnknown:
			default:
				return nil, fmt.Errorf("override %s: unknown status %q for %s", id, status, tag)
			}
		}
		entries[id] = override
	}
	return &OverrideTable{entries: entries}, nil
}

// NewOverrideTable builds a table from entries, mostly for tests.
func NewOverrideTable(entries map[string]models.Override) *OverrideTable {
	copied := make(map[string]models.Override, len(entries))
	for id, override := range entries {
		copied[id] = override
	}
	return &OverrideTable{entries: copied}
}

// Get returns the override for identifier.
func (t *OverrideTable) Get(identifier string) (models.Override, bool) {
	if t == nil {
		return models.Override{}, false
	}
	override, ok := t.entries[identifier]
	return override, ok
}

// Len returns the number of overrides.
func (t *OverrideTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

func knownPlatform(tag models.PlatformTag) bool {
	for _, known := range models.AllPlatforms {
		if tag == known {
			return true
		}
	}
	return false
}
