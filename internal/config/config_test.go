package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", "")
		t.Setenv("PORT", "")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Port != "8081" {
			t.Errorf("expected default port 8081, got %s", cfg.Port)
		}
		if cfg.ActivationClaimTTL != 5*time.Minute {
			t.Errorf("expected default claim ttl 5m, got %s", cfg.ActivationClaimTTL)
		}
		if cfg.NotificationTopic != "order.notifications" {
			t.Errorf("unexpected topic: %s", cfg.NotificationTopic)
		}
	})

	t.Run("env overrides file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := "port: \"9000\"\nredis_addr: redis:6379\npayment:\n  secret_key: sk_file\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}
		t.Setenv("CONFIG_FILE", path)
		t.Setenv("PORT", "9100")
		t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
		t.Setenv("PROVIDER_TIMEOUT", "3s")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Port != "9100" {
			t.Errorf("expected env port 9100, got %s", cfg.Port)
		}
		if cfg.RedisAddr != "redis:6379" {
			t.Errorf("expected file redis addr, got %s", cfg.RedisAddr)
		}
		if cfg.Payment.SecretKey != "sk_file" {
			t.Errorf("expected file secret key, got %s", cfg.Payment.SecretKey)
		}
		if len(cfg.KafkaBrokers) != 2 {
			t.Errorf("expected 2 brokers, got %v", cfg.KafkaBrokers)
		}
		if cfg.ProviderTimeout != 3*time.Second {
			t.Errorf("expected 3s timeout, got %s", cfg.ProviderTimeout)
		}
	})

	t.Run("rejects bad duration", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", "")
		t.Setenv("ACTIVATION_CLAIM_TTL", "soon")

		if _, err := Load(); err == nil {
			t.Fatal("expected error for invalid duration")
		}
	})
}

func TestRequireProviders(t *testing.T) {
	cfg := defaults()
	err := cfg.RequireProviders()
	if err == nil {
		t.Fatal("expected error for missing credentials")
	}
	if !strings.Contains(err.Error(), "PAYMENT_SECRET_KEY") || !strings.Contains(err.Error(), "FULFILLMENT_ACCESS_CODE") {
		t.Errorf("expected both credentials reported, got %v", err)
	}

	cfg.Payment = PaymentConfig{BaseURL: "http://pay", SecretKey: "sk"}
	cfg.Fulfillment = FulfillmentConfig{BaseURL: "http://ful", AccessCode: "ac"}
	if err := cfg.RequireProviders(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
