// Package aliasing provides KPI identifier alias resolution for ingestion.
//
// Producers rarely agree on KPI identifiers: renamed dashboards, legacy
// exporters, and multi-source feeds can all emit different ids for the same
// series. This package loads an alias map from YAML and resolves legacy ids
// onto canonical ids so submissions converge onto one time series per KPI.
package aliasing

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kpiflow-io/kpiflow/internal/config"
)

// Config holds KPI alias configuration loaded from .kpiflow.yaml.
type Config struct {
	// KPIAliases maps legacy KPI identifiers to canonical identifiers.
	// Key is the alias (legacy id), value is the canonical id.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	KPIAliases map[string]string `yaml:"kpi_aliases"`
}

// DefaultConfigPath is the default location for the kpiflow configuration file.
// Uses hidden file format following common tool conventions (.eslintrc, .prettierrc, etc.).
const DefaultConfigPath = ".kpiflow.yaml"

// ConfigPathEnvVar is the environment variable name for custom config path.
const ConfigPathEnvVar = "KPIFLOW_CONFIG_PATH"

// LoadConfig loads alias configuration from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if file doesn't exist - aliases are optional
//   - Returns empty config + logs warning if YAML is invalid (graceful degradation)
//   - Returns populated config on success
//
// This graceful degradation ensures the server can start even without aliases
// configured, as KPI aliasing is an optional feature.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		KPIAliases: make(map[string]string),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Missing file is OK - aliases are optional
			slog.Debug("Config file not found, continuing without aliases",
				slog.String("path", path))

			return cfg, nil
		}

		// Other read errors (permissions, etc.) - log warning and continue
		slog.Warn("Failed to read config file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	// Empty file is valid - just no aliases
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Invalid YAML - log warning and continue with empty config
		slog.Warn("Failed to parse config file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{KPIAliases: make(map[string]string)}, nil
	}

	// Ensure map is initialized even if YAML had nil/empty section
	if cfg.KPIAliases == nil {
		cfg.KPIAliases = make(map[string]string)
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path specified in KPIFLOW_CONFIG_PATH
// environment variable. Falls back to ".kpiflow.yaml" in current directory if not set.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
