package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the reconciliation service.
type Config struct {
	NodeRPC        string
	NodeTimeout    time.Duration
	OutputDir      string
	DatabaseDriver string
	DatabaseDSN    string
	Interval       time.Duration
	PageSize       uint32
	DryRun         bool
	MetricsAddress string
}

// FromEnv loads configuration from environment variables. Every knob has a
// default except the postgres DSN, which must be supplied explicitly when
// the postgres driver is selected.
func FromEnv() (*Config, error) {
	nodeRPC := getEnvDefault("RECON_NODE_RPC", "http://127.0.0.1:8080")

	timeoutSeconds := parseIntEnv("RECON_NODE_TIMEOUT_SECONDS", 15)
	if timeoutSeconds <= 0 {
		return nil, fmt.Errorf("invalid RECON_NODE_TIMEOUT_SECONDS %d", timeoutSeconds)
	}

	driver := strings.ToLower(strings.TrimSpace(getEnvDefault("RECON_DB_DRIVER", "sqlite")))
	dsn := strings.TrimSpace(os.Getenv("RECON_DB_DSN"))
	switch driver {
	case "sqlite":
		if dsn == "" {
			dsn = "recon.db"
		}
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("RECON_DB_DSN is required when RECON_DB_DRIVER=postgres")
		}
	default:
		return nil, fmt.Errorf("unsupported RECON_DB_DRIVER %q", driver)
	}

	intervalMinutes := parseIntEnv("RECON_INTERVAL_MINUTES", 60)
	if intervalMinutes <= 0 {
		return nil, fmt.Errorf("invalid RECON_INTERVAL_MINUTES %d", intervalMinutes)
	}

	pageSize := parseIntEnv("RECON_PAGE_SIZE", 256)
	if pageSize <= 0 || pageSize > 10_000 {
		return nil, fmt.Errorf("invalid RECON_PAGE_SIZE %d", pageSize)
	}

	return &Config{
		NodeRPC:        nodeRPC,
		NodeTimeout:    time.Duration(timeoutSeconds) * time.Second,
		OutputDir:      getEnvDefault("RECON_OUTPUT_DIR", "ledger-data-local/recon"),
		DatabaseDriver: driver,
		DatabaseDSN:    dsn,
		Interval:       time.Duration(intervalMinutes) * time.Minute,
		PageSize:       uint32(pageSize),
		DryRun:         parseBoolEnv("RECON_DRY_RUN", false),
		MetricsAddress: strings.TrimSpace(os.Getenv("RECON_METRICS_ADDR")),
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}
