package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. CHATSYNC_FEED_PAGE_SIZE.
const EnvPrefix = "chatsync"

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile" envconfig:"default_profile" validate:"omitempty,max=64"`

	Store      StoreConfig      `toml:"store" envconfig:"store"`
	Feed       FeedConfig       `toml:"feed" envconfig:"feed"`
	Delivery   DeliveryConfig   `toml:"delivery" envconfig:"delivery"`
	Push       PushConfig       `toml:"push" envconfig:"push"`
	Blob       BlobConfig       `toml:"blob" envconfig:"blob"`
	Relay      RelayConfig      `toml:"relay" envconfig:"relay"`
	Metrics    MetricsConfig    `toml:"metrics" envconfig:"metrics"`
	Repair     RepairConfig     `toml:"repair" envconfig:"repair"`
	Moderation ModerationConfig `toml:"moderation" envconfig:"moderation"`
}

type StoreConfig struct {
	// Path overrides the per-profile database. Daemons sharing one path share conversations.
	Path      string `toml:"path" envconfig:"path"`
	TxRetries int    `toml:"tx_retries" envconfig:"tx_retries" validate:"min=1,max=50"`
}

type FeedConfig struct {
	PageSize       int           `toml:"page_size" envconfig:"page_size" validate:"min=1,max=200"`
	SubscribeBatch int           `toml:"subscribe_batch" envconfig:"subscribe_batch" validate:"min=1,max=100"`
	PeerSummaryTTL time.Duration `toml:"peer_summary_ttl" envconfig:"peer_summary_ttl" validate:"min=0"`
}

type DeliveryConfig struct {
	ReadDebounce time.Duration `toml:"read_debounce" envconfig:"read_debounce" validate:"min=0"`
}

type PushConfig struct {
	Enabled         bool    `toml:"enabled" envconfig:"enabled"`
	CredentialsFile string  `toml:"credentials_file" envconfig:"credentials_file" validate:"required_if=Enabled true"`
	Rate            float64 `toml:"rate" envconfig:"rate" validate:"gte=0"`
	Burst           int     `toml:"burst" envconfig:"burst" validate:"gte=0"`
}

type BlobConfig struct {
	Bucket          string `toml:"bucket" envconfig:"bucket"`
	Region          string `toml:"region" envconfig:"region" validate:"required_with=Bucket"`
	Prefix          string `toml:"prefix" envconfig:"prefix"`
	BaseURL         string `toml:"base_url" envconfig:"base_url" validate:"omitempty,url"`
	AccessKeyID     string `toml:"access_key_id" envconfig:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key" envconfig:"secret_access_key" validate:"required_with=AccessKeyID"`
}

type RelayConfig struct {
	RedisAddr string `toml:"redis_addr" envconfig:"redis_addr" validate:"omitempty,hostname_port"`
	Channel   string `toml:"channel" envconfig:"channel"`
}

type MetricsConfig struct {
	Addr string `toml:"addr" envconfig:"addr" validate:"omitempty,hostname_port"`
}

type RepairConfig struct {
	Enabled bool   `toml:"enabled" envconfig:"enabled"`
	Cron    string `toml:"cron" envconfig:"cron" validate:"cron"`
}

type ModerationConfig struct {
	BlockedTerms []string `toml:"blocked_terms" envconfig:"blocked_terms"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Store:          StoreConfig{TxRetries: 5},
		Feed: FeedConfig{
			PageSize:       30,
			SubscribeBatch: 10,
			PeerSummaryTTL: 24 * time.Hour,
		},
		Delivery: DeliveryConfig{ReadDebounce: time.Second},
		Push:     PushConfig{Rate: 1, Burst: 5},
		Blob:     BlobConfig{Prefix: "chat"},
		Relay:    RelayConfig{Channel: "chatsync.changes"},
		Repair:   RepairConfig{Cron: "30 3 * * *"},
	}
}

// Load reads config from the given path on top of Default. Returns nil and an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that falls back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv overrides fields from CHATSYNC_* environment variables.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("apply env: %w", err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return gronx.IsValid(fl.Field().String())
	})
	return v
}

// Validate checks field constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
