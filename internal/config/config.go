// Package config loads runtime configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds everything the server needs from the environment.
type Config struct {
	Port        string
	DatabaseURL string // empty → in-memory store
	RedisURL    string // empty → no cache layer
	EngineURL   string // matching engine WebSocket endpoint

	TakerFeeBps int64 // fee in basis points, charged on the received asset

	ReorderWait       time.Duration // how long settlement waits for a sequence gap
	ReconcileInterval time.Duration // how often pending orders are resubmitted
	ReconcileAge      time.Duration // how old a pending order must be to resubmit
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first if present; real env vars win.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:        envOr("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		EngineURL:   envOr("ENGINE_URL", "ws://localhost:9000/ws"),

		TakerFeeBps: envInt("TAKER_FEE_BPS", 10),

		ReorderWait:       envDuration("SETTLE_REORDER_WAIT", 500*time.Millisecond),
		ReconcileInterval: envDuration("RECONCILE_INTERVAL", 30*time.Second),
		ReconcileAge:      envDuration("RECONCILE_AGE", 10*time.Second),
	}
}

// FeeRate converts the basis-point fee into a decimal rate.
func (c Config) FeeRate() decimal.Decimal {
	return decimal.NewFromInt(c.TakerFeeBps).Div(decimal.NewFromInt(10000))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
