package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadFile loads configuration from a .conf file.
// Format: key = value (one per line, # for comments). A missing file is not
// an error — callers get an empty map and keep the existing defaults.
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration values to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	case "datadir":
		cfg.DataDir = value

	case "db.dsn":
		cfg.Database.DSN = value
	case "db.maxconns":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Database.MaxConns = int32(n)
	case "db.connect_timeout_s":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Database.ConnectTimeout = n
	case "db.query_timeout_s":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Database.QueryTimeout = n
	case "db.healthcheck_s":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Database.HealthCheckEvery = n
	case "db.backoff_base_ms":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Database.BackoffBase = n
	case "db.backoff_cap_ms":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Database.BackoffCapMs = n
	case "db.backoff_max_retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Database.BackoffMaxTries = n

	case "api.enabled":
		cfg.API.Enabled = parseBool(value)
	case "api.addr":
		cfg.API.Addr = value
	case "api.port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.API.Port = n
	case "api.allowed":
		cfg.API.AllowedIPs = parseStringList(value)
	case "api.cors":
		cfg.API.CORSOrigins = parseStringList(value)
	case "api.max_body_kb":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.API.MaxBodyKB = n

	case "rollback.max_depth":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Rollback.MaxDepth = n

	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored.
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default configuration file.
func WriteDefaultConfig(path string) error {
	content := `# Klingnet Index Configuration
#
# Precedence: these values, then command-line flags.

# Data directory (default: ~/.klingnet-index)
# datadir = ~/.klingnet-index

# ============================================================================
# Database
# ============================================================================

db.dsn = postgres://localhost:5432/klingnet_index?sslmode=disable
db.maxconns = 10
db.connect_timeout_s = 10
db.query_timeout_s = 2
db.healthcheck_s = 30
db.backoff_base_ms = 1000
db.backoff_cap_ms = 30000
# 0 = retry forever
db.backoff_max_retries = 0

# ============================================================================
# HTTP API
# ============================================================================

api.enabled = true
api.addr = 0.0.0.0
api.port = 8080
# api.allowed = 127.0.0.1
# api.cors = http://localhost:3000
api.max_body_kb = 1024

# ============================================================================
# Rollback
# ============================================================================

rollback.max_depth = 2000

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
