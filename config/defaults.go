package config

// Default returns the default indexer configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Database: DatabaseConfig{
			DSN:              "postgres://localhost:5432/klingnet_index?sslmode=disable",
			MaxConns:         10,
			ConnectTimeout:   10,
			QueryTimeout:     2,
			HealthCheckEvery: 30,
			BackoffBase:      1000,
			BackoffCapMs:     30000,
			BackoffMaxTries:  0,
		},
		API: APIConfig{
			Enabled:     true,
			Addr:        "0.0.0.0",
			Port:        8080,
			AllowedIPs:  nil,
			CORSOrigins: nil,
			MaxBodyKB:   1024,
		},
		Rollback: RollbackConfig{
			MaxDepth: 2000,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}
