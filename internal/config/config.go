package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds settings shared by the orderflow binaries. Values come from an
// optional YAML file named by CONFIG_FILE and are overridden by environment variables.
type Config struct {
	Port        string `yaml:"port"`
	PostgresURL string `yaml:"postgres_url"`
	DBSchema    string `yaml:"db_schema"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	KafkaBrokers      []string `yaml:"kafka_brokers"`
	NotificationTopic string   `yaml:"notification_topic"`

	Payment     PaymentConfig     `yaml:"payment"`
	Fulfillment FulfillmentConfig `yaml:"fulfillment"`

	Currency           string        `yaml:"currency"`
	ProviderTimeout    time.Duration `yaml:"provider_timeout"`
	ActivationClaimTTL time.Duration `yaml:"activation_claim_ttl"`
}

type PaymentConfig struct {
	BaseURL       string `yaml:"base_url"`
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type FulfillmentConfig struct {
	BaseURL       string `yaml:"base_url"`
	AccessCode    string `yaml:"access_code"`
	WebhookSecret string `yaml:"webhook_secret"`
}

func defaults() Config {
	return Config{
		Port:               "8081",
		DBSchema:           "orderflow",
		RedisAddr:          "localhost:6379",
		NotificationTopic:  "order.notifications",
		Currency:           "USD",
		ProviderTimeout:    10 * time.Second,
		ActivationClaimTTL: 5 * time.Minute,
	}
}

// Load reads the configuration. It never validates provider credentials; binaries
// that talk to providers call RequireProviders.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config file: %w", err)
		}
	}

	setString(&cfg.Port, "PORT")
	setString(&cfg.PostgresURL, "POSTGRES_URL")
	setString(&cfg.DBSchema, "DB_SCHEMA")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.NotificationTopic, "NOTIFICATION_TOPIC")
	setString(&cfg.Payment.BaseURL, "PAYMENT_API_URL")
	setString(&cfg.Payment.SecretKey, "PAYMENT_SECRET_KEY")
	setString(&cfg.Payment.WebhookSecret, "PAYMENT_WEBHOOK_SECRET")
	setString(&cfg.Fulfillment.BaseURL, "FULFILLMENT_API_URL")
	setString(&cfg.Fulfillment.AccessCode, "FULFILLMENT_ACCESS_CODE")
	setString(&cfg.Fulfillment.WebhookSecret, "FULFILLMENT_WEBHOOK_SECRET")
	setString(&cfg.Currency, "CURRENCY")

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = strings.Split(v, ",")
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("REDIS_DB: %w", err)
		}
		cfg.RedisDB = db
	}
	if err := setDuration(&cfg.ProviderTimeout, "PROVIDER_TIMEOUT"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.ActivationClaimTTL, "ACTIVATION_CLAIM_TTL"); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// RequirePostgres fails when no database is configured.
func (c *Config) RequirePostgres() error {
	if c.PostgresURL == "" {
		return errors.New("POSTGRES_URL is required")
	}
	return nil
}

// RequireProviders fails when payment or fulfillment credentials are missing.
func (c *Config) RequireProviders() error {
	var errs []error
	if c.Payment.BaseURL == "" {
		errs = append(errs, errors.New("PAYMENT_API_URL is required"))
	}
	if c.Payment.SecretKey == "" {
		errs = append(errs, errors.New("PAYMENT_SECRET_KEY is required"))
	}
	if c.Fulfillment.BaseURL == "" {
		errs = append(errs, errors.New("FULFILLMENT_API_URL is required"))
	}
	if c.Fulfillment.AccessCode == "" {
		errs = append(errs, errors.New("FULFILLMENT_ACCESS_CODE is required"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
