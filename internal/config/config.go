// Package config loads the service configuration from environment
// variables, with a .env file honored when present.
package config

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the cherry service.
type Config struct {
	AppID           string          // GitHub App id, the JWT issuer
	PrivateKey      *rsa.PrivateKey // GitHub App signing key
	BindAddress     string
	DatabaseAddress string
	WebhookSecret   string // optional: empty disables signature verification
	PollInterval    time.Duration
	LogLevel        string // "debug", "info", "warn", "error"
}

// Load reads configuration from the environment, validates required
// fields, and applies defaults. A .env file in the working directory is
// loaded first if it exists.
func Load() (*Config, error) {
	// Absence of a .env file is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		BindAddress: envOrDefault("BIND_ADDRESS", "127.0.0.1:8080"),
	}

	var missing []string

	cfg.AppID = os.Getenv("GITHUB_APP_ID")
	if cfg.AppID == "" {
		missing = append(missing, "GITHUB_APP_ID")
	}

	keyData := os.Getenv("GITHUB_APP_PRIVATE_KEY")
	if keyData == "" {
		missing = append(missing, "GITHUB_APP_PRIVATE_KEY")
	}

	cfg.DatabaseAddress = os.Getenv("DATABASE_ADDRESS")
	if cfg.DatabaseAddress == "" {
		missing = append(missing, "DATABASE_ADDRESS")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	key, err := parsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("GITHUB_APP_PRIVATE_KEY: %w", err)
	}

	cfg.PrivateKey = key

	cfg.WebhookSecret = os.Getenv("GITHUB_WEBHOOK_SECRET")

	cfg.PollInterval, err = parseDurationOrDefault("POLL_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, err
	}

	cfg.LogLevel = envOrDefault("LOG_LEVEL", "info")
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("LOG_LEVEL: invalid value %q, must be one of: debug, info, warn, error", cfg.LogLevel)
	}

	return cfg, nil
}

// parsePrivateKey decodes a base64-wrapped PEM RSA private key. The
// base64 wrapping keeps the multi-line PEM block representable as a
// single environment variable.
func parsePrivateKey(data string) (*rsa.PrivateKey, error) {
	pemData, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("parse RSA private key: %w", err)
	}

	return key, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationOrDefault(envKey string, defaultVal time.Duration) (time.Duration, error) {
	s := os.Getenv(envKey)
	if s == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", envKey, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive, got %v", envKey, d)
	}
	return d, nil
}
