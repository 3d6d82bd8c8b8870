// Package regions provides the region registry for the entitlement pipeline.
//
// Regions partition both memberships and transactions; every refresh cycle,
// lease, and enrichment swap is scoped to a single region. The registry is
// loaded from an optional YAML file and falls back to the built-in region
// set when no file is configured.
package regions

import (
	"errors"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/entitler-io/entitler/internal/config"
)

type (
	// Region describes a single configured region.
	Region struct {
		// Name is the canonical region identifier, e.g. "US_EAST".
		Name string `yaml:"name"`

		// DisplayName is a human-readable label for operator surfaces.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		DisplayName string `yaml:"display_name"`
	}

	// Config holds the region list loaded from the YAML config file.
	Config struct {
		Regions []Region `yaml:"regions"`
	}

	// Registry answers region membership questions. Immutable after
	// construction, safe for concurrent use.
	Registry struct {
		byName map[string]Region
		names  []string
	}
)

// DefaultConfigPath is the default location for the region configuration file.
const DefaultConfigPath = ".entitler.yaml"

// ConfigPathEnvVar is the environment variable name for a custom config path.
const ConfigPathEnvVar = "ENTITLER_REGIONS_PATH"

// regionNameRegex enforces the canonical region identifier format.
var regionNameRegex = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// defaultRegions is the built-in region set used when no config file
// provides one.
var defaultRegions = []Region{
	{Name: "US_EAST", DisplayName: "US East"},
	{Name: "US_WEST", DisplayName: "US West"},
	{Name: "EUROPE", DisplayName: "Europe"},
	{Name: "ASIA_PAC", DisplayName: "Asia Pacific"},
}

// LoadConfig loads region configuration from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if the file doesn't exist - the
//     built-in region set applies
//   - Returns empty config + logs warning if YAML is invalid (graceful
//     degradation)
//   - Returns populated config on success
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Region config file not found, using built-in regions",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read region config file, using built-in regions",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse region config file, using built-in regions",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{}, nil
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path in ENTITLER_REGIONS_PATH.
// Falls back to ".entitler.yaml" in the current directory if not set.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}

// NewRegistry creates a registry from config with validation.
//
// Entries with an empty or malformed name are skipped with a warning, as
// are duplicates. When the config contributes no valid regions the
// built-in region set applies.
func NewRegistry(cfg *Config) *Registry {
	source := defaultRegions
	if cfg != nil && len(cfg.Regions) > 0 {
		source = cfg.Regions
	}

	byName := make(map[string]Region, len(source))
	names := make([]string, 0, len(source))

	for _, region := range source {
		name := strings.TrimSpace(region.Name)

		if name == "" {
			slog.Warn("Skipping region with empty name")

			continue
		}

		if !regionNameRegex.MatchString(name) {
			slog.Warn("Skipping region with malformed name",
				slog.String("name", name))

			continue
		}

		if _, exists := byName[name]; exists {
			slog.Warn("Skipping duplicate region",
				slog.String("name", name))

			continue
		}

		display := strings.TrimSpace(region.DisplayName)
		if display == "" {
			display = name
		}

		byName[name] = Region{Name: name, DisplayName: display}
		names = append(names, name)
	}

	// The config contributed nothing usable, fall back to the built-ins.
	if len(byName) == 0 && cfg != nil && len(cfg.Regions) > 0 {
		slog.Warn("No valid regions in config, using built-in regions")

		return NewRegistry(nil)
	}

	sort.Strings(names)

	return &Registry{
		byName: byName,
		names:  names,
	}
}

// IsKnown reports whether name is a configured region.
func (r *Registry) IsKnown(name string) bool {
	if r == nil {
		return false
	}

	_, ok := r.byName[name]

	return ok
}

// Get returns the region with the given name.
func (r *Registry) Get(name string) (Region, bool) {
	if r == nil {
		return Region{}, false
	}

	region, ok := r.byName[name]

	return region, ok
}

// Names returns all configured region names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}

	out := make([]string, len(r.names))
	copy(out, r.names)

	return out
}

// Count returns the number of configured regions.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}

	return len(r.byName)
}
