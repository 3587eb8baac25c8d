package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds everything the service reads from the environment. A local
// .env file is honored when present so development setups need no exports.
type Config struct {
	ListenAddr string
	DBPath     string

	JWTSecret string
	JWTIssuer string
	JWTExpiry time.Duration

	AdminEmail    string
	AdminPassword string

	MinWithdrawal decimal.Decimal
	MinLedgerYear int
	MaxLedgerYear int

	ReconcileSchedule string
	LogLevel          string
}

func Load() *Config {
	// Missing .env is fine, real environments export variables directly.
	_ = godotenv.Load()

	return &Config{
		ListenAddr: getenv("LISTEN_ADDR", ":8080"),
		DBPath:     getenv("DB_PATH", "coopledger.db"),

		JWTSecret: getenv("JWT_SECRET", "dev-secret-change-me"),
		JWTIssuer: getenv("JWT_ISSUER", "coopledger"),
		JWTExpiry: getduration("JWT_EXPIRY", 24*time.Hour),

		AdminEmail:    getenv("ADMIN_EMAIL", "admin@coopledger.local"),
		AdminPassword: getenv("ADMIN_PASSWORD", ""),

		MinWithdrawal: getdecimal("MIN_WITHDRAWAL", decimal.NewFromInt(100)),
		MinLedgerYear: getint("MIN_LEDGER_YEAR", 2000),
		MaxLedgerYear: getint("MAX_LEDGER_YEAR", 2100),

		ReconcileSchedule: getenv("RECONCILE_SCHEDULE", "0 2 * * *"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getdecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return fallback
}
