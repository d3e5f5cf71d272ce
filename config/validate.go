package config

import "fmt"

// Validate checks runtime config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("db.dsn must not be empty")
	}
	if cfg.Database.MaxConns < 1 {
		return fmt.Errorf("db.maxconns must be at least 1")
	}
	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		return fmt.Errorf("api.port must be in range [0, 65535]")
	}
	if cfg.Rollback.MaxDepth < 1 {
		return fmt.Errorf("rollback.max_depth must be at least 1")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}
