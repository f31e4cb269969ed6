// Package config loads service configuration from the environment.
// Missing security-critical settings are boot failures, never per-request
// errors.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const envPrefix = "PAYGUARD_"

// Config holds all tunables for the approval service.
type Config struct {
	Env      string
	LogLevel string
	Addr     string

	// Session signing secret. Required: tokens cannot be issued without it.
	SessionSecret string
	// Audit HMAC key. Optional: absent key means unsigned records (degraded).
	AuditKey string
	// At-rest key for enrolled second-factor secrets (32 bytes, hex).
	SecondFactorKeyHex string

	IdleWindow       time.Duration
	AbsoluteWindow   time.Duration
	RenewalThreshold time.Duration

	ReauthWindow      time.Duration
	MaxReauthFailures int

	// Payments at or above this amount require step-up before verify/send.
	StepUpThreshold decimal.Decimal

	PostgresDSN string
	RedisAddr   string

	AuditPath    string
	AuditSeqPath string
}

var errMissingSessionSecret = errors.New("config: " + envPrefix + "SESSION_SECRET is required")

// Load reads configuration, honoring a local .env file when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:                envOr("ENV", "development"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		Addr:               envOr("ADDR", ":8080"),
		SessionSecret:      os.Getenv(envPrefix + "SESSION_SECRET"),
		AuditKey:           os.Getenv(envPrefix + "AUDIT_KEY"),
		SecondFactorKeyHex: os.Getenv(envPrefix + "SECOND_FACTOR_KEY"),
		PostgresDSN:        os.Getenv(envPrefix + "PG_DSN"),
		RedisAddr:          os.Getenv(envPrefix + "REDIS_ADDR"),
		AuditPath:          envOr("AUDIT_PATH", "audit.log"),
		AuditSeqPath:       envOr("AUDIT_SEQ_PATH", "audit.seq"),
	}

	if cfg.SessionSecret == "" {
		return nil, errMissingSessionSecret
	}

	var err error
	if cfg.IdleWindow, err = envDuration("IDLE_WINDOW", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AbsoluteWindow, err = envDuration("ABSOLUTE_WINDOW", 8*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RenewalThreshold, err = envDuration("RENEWAL_THRESHOLD", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReauthWindow, err = envDuration("REAUTH_WINDOW", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxReauthFailures, err = envInt("MAX_REAUTH_FAILURES", 5); err != nil {
		return nil, err
	}
	if cfg.StepUpThreshold, err = envDecimal("STEPUP_THRESHOLD", "10000.00"); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(envPrefix + key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s%s: %w", envPrefix, key, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(envPrefix + key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s%s: %w", envPrefix, key, err)
	}
	return n, nil
}

func envDecimal(key, fallback string) (decimal.Decimal, error) {
	raw := os.Getenv(envPrefix + key)
	if raw == "" {
		raw = fallback
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: parse %s%s: %w", envPrefix, key, err)
	}
	return d, nil
}
