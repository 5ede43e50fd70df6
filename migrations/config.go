package main

import (
	"fmt"
	"os"
	"strings"
)

// Config holds all configuration for the migration tool.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string
	DatabaseURL string

	// MigrationTable is the name of the table to track migrations
	MigrationTable string
}

// LoadConfig loads configuration from environment variables.
//
// MIGRATOR_DATABASE_URL takes precedence so the migrator can run under a
// different database role than the service; it falls back to the service's
// own DATABASE_URL for single-role deployments.
func LoadConfig() (*Config, error) {
	databaseURL := getEnvOrDefault("MIGRATOR_DATABASE_URL", "")
	if databaseURL == "" {
		databaseURL = getEnvOrDefault("DATABASE_URL", "")
	}

	config := &Config{
		DatabaseURL:    databaseURL,
		MigrationTable: getEnvOrDefault("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String returns a string representation of the configuration (safe for logging).
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// maskDatabaseURL masks the password in a database URL for logging. URLs
// without userinfo, without a password, or with an empty password pass
// through unchanged.
func maskDatabaseURL(url string) string {
	schemeEnd := strings.Index(url, "//")
	if schemeEnd == -1 {
		return url
	}

	authority := url[schemeEnd+2:]

	// The authority ends at the first path, query, or fragment separator.
	if end := strings.IndexAny(authority, "/?#"); end != -1 {
		authority = authority[:end]
	}

	// The last @ separates userinfo from host; passwords may contain @.
	atPos := strings.LastIndex(authority, "@")
	if atPos == -1 {
		return url
	}

	userInfo := authority[:atPos]

	colonPos := strings.Index(userInfo, ":")
	if colonPos == -1 || colonPos == len(userInfo)-1 {
		return url
	}

	prefix := url[:schemeEnd+2]

	return prefix + userInfo[:colonPos] + ":***" + url[schemeEnd+2+atPos:]
}
