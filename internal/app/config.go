package app

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the process-level configuration read from the environment.
// Runtime-tunable knobs live in the versioned config store, not here.
type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN   string
	DataDir string

	OTelEnabled  bool
	OTelEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("COGNIHUB_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("COGNIHUB_LOG_LEVEL", "info"),
		DBDSN:      getEnv("COGNIHUB_DB_DSN", "file:cognihub.sqlite"),
		DataDir:    getEnv("COGNIHUB_DATA_DIR", "data"),

		OTelEnabled:  getEnvBool("COGNIHUB_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("COGNIHUB_OTEL_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("COGNIHUB_LISTEN_ADDR must not be empty")
	}
	if c.DBDSN == "" {
		return fmt.Errorf("COGNIHUB_DB_DSN must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("COGNIHUB_DATA_DIR must not be empty")
	}
	if c.OTelEnabled && c.OTelEndpoint == "" {
		return fmt.Errorf("COGNIHUB_OTEL_ENDPOINT required when OTel is enabled")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}
