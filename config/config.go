// Package config handles application configuration for the indexer daemon.
//
// Precedence, lowest to highest: built-in defaults, a key=value config file,
// command-line flags.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Config holds the indexer's runtime configuration.
type Config struct {
	// Core
	DataDir string `conf:"datadir"`

	// Database connection and pool behaviour.
	Database DatabaseConfig

	// HTTP API server.
	API APIConfig

	// Rollback policy.
	Rollback RollbackConfig

	// Logging.
	Log LogConfig
}

// DatabaseConfig holds Postgres connection and retry settings.
type DatabaseConfig struct {
	DSN              string `conf:"db.dsn"`
	MaxConns         int32  `conf:"db.maxconns"`
	ConnectTimeout   int    `conf:"db.connect_timeout_s"`   // seconds
	QueryTimeout     int    `conf:"db.query_timeout_s"`     // seconds
	HealthCheckEvery int    `conf:"db.healthcheck_s"`       // seconds
	BackoffBase      int    `conf:"db.backoff_base_ms"`     // milliseconds
	BackoffCapMs     int    `conf:"db.backoff_cap_ms"`      // milliseconds
	BackoffMaxTries  int    `conf:"db.backoff_max_retries"` // 0 = unlimited
}

// APIConfig holds HTTP API server settings.
type APIConfig struct {
	Enabled     bool     `conf:"api.enabled"`
	Addr        string   `conf:"api.addr"`
	Port        int      `conf:"api.port"`
	AllowedIPs  []string `conf:"api.allowed"`
	CORSOrigins []string `conf:"api.cors"`
	MaxBodyKB   int      `conf:"api.max_body_kb"`
}

// RollbackConfig holds rollback policy settings.
type RollbackConfig struct {
	MaxDepth int `conf:"rollback.max_depth"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-index
//	macOS:   ~/Library/Application Support/Klingnet Index
//	Windows: %APPDATA%\Klingnet Index
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-index"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingnet Index")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Klingnet Index")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingnet Index")
	default:
		return filepath.Join(home, ".klingnet-index")
	}
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "indexer.conf")
}
