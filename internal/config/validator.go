package config

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
)

var (
	attributeTypes = map[string]bool{
		"string": true, "number": true, "integer": true,
		"boolean": true, "timestamp": true, "string_list": true,
	}
	attributeRoles = map[string]bool{"": true, "identifier": true, "name": true, "relation": true}
	storageDrivers = map[string]bool{"badger": true, "sqlite": true, "postgres": true}
)

// Validate checks the config for:
//   - Threshold ordering (0 <= review <= merge <= 1)
//   - Storage driver and its required location
//   - Duplicate source and attribute names
//   - Attribute types, roles and relation targets
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return errors.New("config: version is required")
	}
	var errs []string

	r := cfg.Resolution
	if r.ReviewThreshold < 0 || r.MergeThreshold > 1 || r.ReviewThreshold > r.MergeThreshold {
		errs = append(errs, fmt.Sprintf("resolution: thresholds must satisfy 0 <= review (%v) <= merge (%v) <= 1",
			r.ReviewThreshold, r.MergeThreshold))
	}
	if cfg.Engine.Workers < 1 {
		errs = append(errs, "engine: workers must be positive")
	}

	if !storageDrivers[cfg.Storage.Driver] {
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q", cfg.Storage.Driver))
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.Path == "" {
		errs = append(errs, "storage: sqlite requires path")
	}
	if cfg.Storage.Driver == "postgres" && cfg.Storage.DSN == "" {
		errs = append(errs, "storage: postgres requires dsn")
	}
	if cfg.Projection.Enabled && cfg.Projection.URI == "" {
		errs = append(errs, "projection: uri is required when enabled")
	}

	seen := make(map[string]int)
	for i, src := range cfg.Sources {
		if src.ID == "" {
			errs = append(errs, fmt.Sprintf("sources[%d]: id is required", i))
			continue
		}
		if prev, ok := seen[src.ID]; ok {
			errs = append(errs, fmt.Sprintf("duplicate source %q (sources[%d] and sources[%d])", src.ID, prev, i))
			continue
		}
		seen[src.ID] = i
		validateAttributes(src, &errs)
		for j, c := range src.Categories {
			if strings.TrimSpace(c.Keyword) == "" || c.Category == "" {
				errs = append(errs, fmt.Sprintf("source %s.categories[%d]: keyword and category are required", src.ID, j))
			}
		}
	}

	if len(errs) > 0 {
		return errors.Newf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateAttributes(src Source, errs *[]string) {
	names := make(map[string]bool)
	for j, a := range src.Attributes {
		loc := fmt.Sprintf("source %s.attributes[%d]", src.ID, j)
		if a.Name == "" {
			*errs = append(*errs, loc+": name is required")
			continue
		}
		loc = fmt.Sprintf("source %s attribute %s", src.ID, a.Name)
		if names[a.Name] {
			*errs = append(*errs, loc+": declared twice")
		}
		names[a.Name] = true
		if !attributeTypes[a.Type] {
			*errs = append(*errs, fmt.Sprintf("%s: unknown type %q", loc, a.Type))
		}
		if !attributeRoles[a.Role] {
			*errs = append(*errs, fmt.Sprintf("%s: unknown role %q", loc, a.Role))
		}
		if a.Role == "relation" && (a.Relation == "" || a.TargetType == "") {
			*errs = append(*errs, loc+": relation attributes need relation and target_type")
		}
		if a.Role == "name" && a.Type != "string" {
			*errs = append(*errs, loc+": name attributes must be strings")
		}
		if strings.Contains(a.Namespace, "/") {
			*errs = append(*errs, loc+": namespace must not contain '/'")
		}
	}
}
