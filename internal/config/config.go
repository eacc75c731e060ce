package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const DefaultPath = "config/config.yaml"

type Config struct {
	Server struct {
		Address string `yaml:"address"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Billing struct {
		SecretKey          string        `yaml:"secret_key"`
		WebhookSecret      string        `yaml:"webhook_secret"`
		APIBaseURL         string        `yaml:"api_base_url"`
		Timeout            time.Duration `yaml:"timeout"`
		SignatureTolerance time.Duration `yaml:"signature_tolerance"`
		DedupeTTL          time.Duration `yaml:"dedupe_ttl"`
		ProcessingTTL      time.Duration `yaml:"processing_ttl"`
	} `yaml:"billing"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Archive struct {
		Enabled   bool   `yaml:"enabled"`
		Bucket    string `yaml:"bucket"`
		Region    string `yaml:"region"`
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Prefix    string `yaml:"prefix"`
	} `yaml:"archive"`
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	Journal struct {
		Retention     time.Duration `yaml:"retention"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"journal"`
}

// LoadConfig reads the YAML file at path when it exists, then applies
// environment overrides and defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to unmarshal config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Database.Driver, "DATABASE_DRIVER")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Billing.SecretKey, "BILLING_SECRET_KEY")
	setString(&c.Billing.WebhookSecret, "BILLING_WEBHOOK_SECRET")
	setString(&c.Billing.APIBaseURL, "BILLING_API_BASE_URL")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Archive.Bucket, "ARCHIVE_BUCKET")
	setString(&c.Archive.Region, "ARCHIVE_REGION")
	setString(&c.Archive.Endpoint, "ARCHIVE_ENDPOINT")
	setString(&c.Archive.AccessKey, "ARCHIVE_ACCESS_KEY")
	setString(&c.Archive.SecretKey, "ARCHIVE_SECRET_KEY")
	setString(&c.Archive.Prefix, "ARCHIVE_PREFIX")
	if v := strings.TrimSpace(os.Getenv("ARCHIVE_ENABLED")); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ARCHIVE_ENABLED %q: %w", v, err)
		}
		c.Archive.Enabled = enabled
	}
	if origins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); origins != "" {
		c.CORS.AllowedOrigins = strings.Split(origins, ",")
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		c.Server.Address = ":" + strings.TrimPrefix(port, ":")
	}

	if err := setSeconds(&c.Billing.Timeout, "BILLING_TIMEOUT_SECONDS"); err != nil {
		return err
	}
	if err := setSeconds(&c.Billing.SignatureTolerance, "BILLING_SIGNATURE_TOLERANCE_SECONDS"); err != nil {
		return err
	}
	if err := setSeconds(&c.Billing.ProcessingTTL, "BILLING_PROCESSING_TTL_SECONDS"); err != nil {
		return err
	}
	hours, ok, err := readIntEnv("JOURNAL_RETENTION_HOURS")
	if err != nil {
		return err
	}
	if ok {
		c.Journal.Retention = time.Duration(hours) * time.Hour
	}
	db, ok, err := readIntEnv("REDIS_DB")
	if err != nil {
		return err
	}
	if ok {
		c.Redis.DB = db
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":4000"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Billing.APIBaseURL == "" {
		c.Billing.APIBaseURL = "https://api.stripe.com"
	}
	if c.Billing.Timeout <= 0 {
		c.Billing.Timeout = 15 * time.Second
	}
	if c.Billing.SignatureTolerance <= 0 {
		c.Billing.SignatureTolerance = 5 * time.Minute
	}
	if c.Billing.DedupeTTL <= 0 {
		c.Billing.DedupeTTL = 24 * time.Hour
	}
	if c.Billing.ProcessingTTL <= 0 {
		c.Billing.ProcessingTTL = 2 * time.Minute
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "webhooks"
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
	if c.Journal.Retention <= 0 {
		c.Journal.Retention = 30 * 24 * time.Hour
	}
	if c.Journal.SweepInterval <= 0 {
		c.Journal.SweepInterval = 24 * time.Hour
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Database.Driver != "memory" && c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Billing.WebhookSecret == "" {
		errs = append(errs, errors.New("billing.webhook_secret is required"))
	}
	if c.Billing.SecretKey == "" {
		errs = append(errs, errors.New("billing.secret_key is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		errs = append(errs, errors.New("archive.bucket is required when archive is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setSeconds(dst *time.Duration, key string) error {
	n, ok, err := readIntEnv(key)
	if err != nil {
		return err
	}
	if ok {
		*dst = time.Duration(n) * time.Second
	}
	return nil
}

func readIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, true, nil
}
