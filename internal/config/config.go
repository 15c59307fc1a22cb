package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Scraper    ScraperConfig    `mapstructure:"scraper"`
	Collection CollectionConfig `mapstructure:"collection"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ScraperConfig holds Gamma API scraper configuration
type ScraperConfig struct {
	APIBaseURL string        `mapstructure:"api_base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	ListLimit  int           `mapstructure:"list_limit"`
	MinVolume  float64       `mapstructure:"min_volume"`
}

// CollectionConfig holds scheduler and pipeline configuration
type CollectionConfig struct {
	CycleInterval     time.Duration `mapstructure:"cycle_interval"`
	MinRequestSpacing time.Duration `mapstructure:"min_request_spacing"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoffBase  time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffMax   time.Duration `mapstructure:"retry_backoff_max"`
	MaxWorkers        int           `mapstructure:"max_concurrent_workers"`
	Markets           []string      `mapstructure:"markets"` // static targets; empty means discover via the API
}

// CacheConfig holds staging cache configuration
type CacheConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set config file
	v.SetConfigFile(path)

	// Set defaults
	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix("POLYHARVEST")
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Scraper defaults
	v.SetDefault("scraper.api_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("scraper.timeout", "30s")
	v.SetDefault("scraper.list_limit", 200)
	v.SetDefault("scraper.min_volume", 500000.0)

	// Collection defaults
	v.SetDefault("collection.cycle_interval", "5m")
	v.SetDefault("collection.min_request_spacing", "500ms")
	v.SetDefault("collection.max_retries", 3)
	v.SetDefault("collection.retry_backoff_base", "1s")
	v.SetDefault("collection.retry_backoff_max", "30s")
	v.SetDefault("collection.max_concurrent_workers", 4)

	// Cache defaults
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.max_entries", 1000)

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/polyharvest.db")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Scraper config
	if c.Scraper.APIBaseURL == "" {
		return fmt.Errorf("scraper.api_base_url is required")
	}
	if c.Scraper.Timeout < time.Second {
		return fmt.Errorf("scraper.timeout must be at least 1 second")
	}
	if c.Scraper.ListLimit < 1 {
		return fmt.Errorf("scraper.list_limit must be at least 1")
	}
	if c.Scraper.MinVolume < 0 {
		return fmt.Errorf("scraper.min_volume must not be negative")
	}

	// Validate Collection config
	if c.Collection.CycleInterval < 10*time.Second {
		return fmt.Errorf("collection.cycle_interval must be at least 10 seconds")
	}
	if c.Collection.MinRequestSpacing < 0 {
		return fmt.Errorf("collection.min_request_spacing must not be negative")
	}
	if c.Collection.MaxRetries < 1 {
		return fmt.Errorf("collection.max_retries must be at least 1")
	}
	if c.Collection.RetryBackoffBase <= 0 {
		return fmt.Errorf("collection.retry_backoff_base must be positive")
	}
	if c.Collection.RetryBackoffMax < c.Collection.RetryBackoffBase {
		return fmt.Errorf("collection.retry_backoff_max must be >= retry_backoff_base")
	}
	if c.Collection.MaxWorkers < 1 {
		return fmt.Errorf("collection.max_concurrent_workers must be at least 1")
	}

	// Validate Cache config
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be at least 1")
	}

	// Validate Storage config
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
