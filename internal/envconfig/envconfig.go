// Package envconfig loads npipeline-demo's runtime configuration from the
// process environment, optionally seeded from a .env file via
// github.com/joho/godotenv, the same loader the other example repos reach
// for (e.g. leofalp-aigo's examples/.../main.go files import
// github.com/joho/godotenv/autoload for exactly this purpose).
package envconfig

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is npipeline-demo's environment-sourced configuration.
type Config struct {
	ListenAddr     string
	PipelinePath   string
	SqlitePath     string
	LogLevel       string
	MaxRestarts    int
	BreakerEnabled bool
}

// Load reads a .env file at path if present (a missing file is not an
// error: it is skipped by the os.Stat check before godotenv.Load, which
// would otherwise fail on it) then fills Config from the environment,
// applying defaults for anything unset.
func Load(dotenvPath string) (Config, error) {
	if dotenvPath != "" {
		if _, err := os.Stat(dotenvPath); err == nil {
			if err := godotenv.Load(dotenvPath); err != nil {
				return Config{}, fmt.Errorf("load %s: %w", dotenvPath, err)
			}
		}
	}

	cfg := Config{
		ListenAddr:     getEnv("NPIPELINE_LISTEN_ADDR", "127.0.0.1:8089"),
		PipelinePath:   getEnv("NPIPELINE_PIPELINE_PATH", "pipeline.yaml"),
		SqlitePath:     getEnv("NPIPELINE_SQLITE_PATH", "npipeline.db"),
		LogLevel:       getEnv("NPIPELINE_LOG_LEVEL", "info"),
		MaxRestarts:    3,
		BreakerEnabled: true,
	}

	if v := os.Getenv("NPIPELINE_MAX_RESTARTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("NPIPELINE_MAX_RESTARTS: %w", err)
		}
		cfg.MaxRestarts = n
	}

	if v := os.Getenv("NPIPELINE_BREAKER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("NPIPELINE_BREAKER_ENABLED: %w", err)
		}
		cfg.BreakerEnabled = b
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
