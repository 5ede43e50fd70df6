package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kpiflow-io/kpiflow/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
	defaultCleanupInterval = time.Hour
	defaultBadgerPath      = "./data/kpiflow"
)

// Backend selects the key-value implementation the engine persists to.
const (
	// BackendMemory keeps everything in process memory. Data is lost on
	// restart; intended for tests and local development.
	BackendMemory = "memory"
	// BackendPostgres persists to a kv_entries table in PostgreSQL.
	BackendPostgres = "postgres"
	// BackendBadger persists to an embedded BadgerDB directory.
	BackendBadger = "badger"
)

var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")
	// ErrUnknownBackend is returned when KPIFLOW_STORAGE_BACKEND names an unsupported backend.
	ErrUnknownBackend = errors.New("unknown storage backend")
	// ErrBadgerPathEmpty is returned when the badger backend is selected without a data path.
	ErrBadgerPathEmpty = errors.New("badger path cannot be empty")
)

// Config holds storage configuration with production-ready defaults.
//
// Backend selects the key-value implementation; the PostgreSQL pool settings
// only apply when Backend is BackendPostgres, and BadgerPath only when it is
// BackendBadger.
type Config struct {
	Backend         string        // Key-value backend: memory, postgres, or badger
	databaseURL     string        // PostgreSQL connection URL (postgres backend)
	BadgerPath      string        // Data directory (badger backend)
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Maximum idle time for connections
	CleanupInterval time.Duration // How often expired entries are physically reclaimed
}

// LoadConfig loads storage configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Backend:         strings.ToLower(config.GetEnvStr("KPIFLOW_STORAGE_BACKEND", BackendMemory)),
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""), // DatabaseURL is private for obvious reasons.
		BadgerPath:      config.GetEnvStr("KPIFLOW_BADGER_PATH", defaultBadgerPath),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		CleanupInterval: config.GetEnvDuration("KPIFLOW_STORAGE_CLEANUP_INTERVAL", defaultCleanupInterval),
	}
}

// Validate checks if the storage configuration is valid for the selected backend.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
		return nil
	case BackendPostgres:
		if strings.TrimSpace(c.databaseURL) == "" {
			return ErrDatabaseURLEmpty
		}

		return nil
	case BackendBadger:
		if strings.TrimSpace(c.BadgerPath) == "" {
			return ErrBadgerPathEmpty
		}

		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
}

// MaskDatabaseURL returns a masked databaseURL safe for logging.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	// Find the scheme separator
	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	// Find the last @ which separates userinfo from host
	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		// No @ found, no userinfo
		return c.databaseURL
	}

	// Extract userinfo
	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		// No password
		return c.databaseURL
	}

	// Found username:password
	username := userInfo[:colonIndex]
	password := userInfo[colonIndex+1:]

	if password == "" {
		// Empty password, don't mask
		return c.databaseURL
	}

	// Build masked URL
	scheme := c.databaseURL[:schemeEnd]
	hostAndRest := afterScheme[lastAtIndex:]

	return scheme + "://" + username + ":***" + hostAndRest
}
