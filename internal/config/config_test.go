package config

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"
	"time"
)

func testPrivateKey(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	return base64.StdEncoding.EncodeToString(pemData)
}

// setEnv sets the minimum required env vars for config loading, then applies overrides.
func setEnv(t *testing.T, overrides map[string]string) {
	t.Helper()

	defaults := map[string]string{
		"GITHUB_APP_ID":          "12345",
		"GITHUB_APP_PRIVATE_KEY": testPrivateKey(t),
		"DATABASE_ADDRESS":       "postgres:///test",
		"GITHUB_WEBHOOK_SECRET":  "",
		"BIND_ADDRESS":           "",
		"POLL_INTERVAL":          "",
		"LOG_LEVEL":              "",
	}

	for k, v := range overrides {
		defaults[k] = v
	}

	for k, v := range defaults {
		t.Setenv(k, v)
	}
}

func TestLoadDefaults(t *testing.T) {
	setEnv(t, nil)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.AppID != "12345" {
		t.Errorf("expected app id 12345, got %q", cfg.AppID)
	}
	if cfg.PrivateKey == nil {
		t.Error("expected a parsed private key")
	}
	if cfg.BindAddress != "127.0.0.1:8080" {
		t.Errorf("expected default bind address, got %q", cfg.BindAddress)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("expected 60s default poll interval, got %v", cfg.PollInterval)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.WebhookSecret != "" {
		t.Errorf("expected empty webhook secret, got %q", cfg.WebhookSecret)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	setEnv(t, map[string]string{
		"GITHUB_APP_ID":    "",
		"DATABASE_ADDRESS": "",
	})

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing required variables")
	}
}

func TestLoadBadPrivateKey(t *testing.T) {
	t.Run("not base64", func(t *testing.T) {
		setEnv(t, map[string]string{
			"GITHUB_APP_PRIVATE_KEY": "not base64!!!",
		})

		if _, err := Load(); err == nil {
			t.Fatal("expected error for invalid base64")
		}
	})

	t.Run("not a key", func(t *testing.T) {
		setEnv(t, map[string]string{
			"GITHUB_APP_PRIVATE_KEY": base64.StdEncoding.EncodeToString([]byte("hello")),
		})

		if _, err := Load(); err == nil {
			t.Fatal("expected error for invalid PEM data")
		}
	})
}

func TestLoadPollInterval(t *testing.T) {
	t.Run("custom", func(t *testing.T) {
		setEnv(t, map[string]string{
			"POLL_INTERVAL": "2m",
		})

		cfg, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.PollInterval != 2*time.Minute {
			t.Errorf("expected 2m, got %v", cfg.PollInterval)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		setEnv(t, map[string]string{
			"POLL_INTERVAL": "soon",
		})

		if _, err := Load(); err == nil {
			t.Fatal("expected error for invalid duration")
		}
	})

	t.Run("negative", func(t *testing.T) {
		setEnv(t, map[string]string{
			"POLL_INTERVAL": "-1m",
		})

		if _, err := Load(); err == nil {
			t.Fatal("expected error for negative duration")
		}
	})
}

func TestLoadBadLogLevel(t *testing.T) {
	setEnv(t, map[string]string{
		"LOG_LEVEL": "verbose",
	})

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}
