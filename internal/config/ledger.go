package config

import (
	"os"
	"strconv"
	"time"
)

// LedgerConfig carries the engine's operational policy. Overdraft is a
// per-account flag on the accounts table; everything here is process-wide.
type LedgerConfig struct {
	LockTimeout      time.Duration // max wait for a row lock before Busy
	IdempotencyLease time.Duration // reservation lease on an idempotency key
	ResultTTL        time.Duration // how long committed results stay cached
	DefaultPageSize  int
	MaxPageSize      int
}

func LoadLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		LockTimeout:      getEnvAsDuration("LEDGER_LOCK_TIMEOUT", 5*time.Second),
		IdempotencyLease: getEnvAsDuration("LEDGER_IDEMPOTENCY_LEASE", 30*time.Second),
		ResultTTL:        getEnvAsDuration("LEDGER_RESULT_TTL", 24*time.Hour),
		DefaultPageSize:  getEnvAsInt("LEDGER_DEFAULT_PAGE_SIZE", 50),
		MaxPageSize:      getEnvAsInt("LEDGER_MAX_PAGE_SIZE", 500),
	}
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
