// Package config loads the querysync service configuration from YAML with
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/invalidation"
	"github.com/illmade-knight/go-querysync/pkg/microservice"
	"github.com/illmade-knight/go-querysync/pkg/source"
	"github.com/illmade-knight/go-querysync/pkg/storefront"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// CacheConfig configures the query cache.
type CacheConfig struct {
	DefaultStaleWindow time.Duration            `yaml:"default_stale_window"`
	StaleWindows       map[string]time.Duration `yaml:"stale_windows"`
	GracePeriod        time.Duration            `yaml:"grace_period"`
	GCInterval         time.Duration            `yaml:"gc_interval"`
}

// InvalidationConfig configures the change feed. An empty SubscriptionID
// disables the Pub/Sub listener; the webhook stays available.
type InvalidationConfig struct {
	Pubsub        invalidation.GooglePubsubConsumerConfig `yaml:"pubsub"`
	Listener      invalidation.ListenerConfig             `yaml:"listener"`
	WebhookSecret string                                  `yaml:"webhook_secret"`
}

// SessionConfig is the identity the CLI acts as.
type SessionConfig struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id"`
}

// Config is the full service configuration.
type Config struct {
	microservice.BaseConfig `yaml:",inline"`

	Storefront   storefront.ClientConfig `yaml:"storefront"`
	Session      SessionConfig           `yaml:"session"`
	Cache        CacheConfig             `yaml:"cache"`
	Redis        source.RedisConfig      `yaml:"redis"`
	Firestore    source.FirestoreConfig  `yaml:"firestore"`
	Invalidation InvalidationConfig      `yaml:"invalidation"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		BaseConfig: microservice.BaseConfig{
			LogLevel:    "info",
			HTTPPort:    ":8080",
			ServiceName: "querysync",
		},
		Storefront: storefront.ClientConfig{
			BaseURL: "http://localhost:3000/api",
			Timeout: 15 * time.Second,
		},
		Cache: CacheConfig{
			DefaultStaleWindow: cache.DefaultStaleWindow,
			StaleWindows: map[string]time.Duration{
				storefront.ResourceProducts:   5 * time.Minute,
				storefront.ResourceProduct:    5 * time.Minute,
				storefront.ResourceCategories: 30 * time.Minute,
				storefront.ResourceOrders:     time.Minute,
				storefront.ResourceStats:      time.Minute,
			},
			GracePeriod: cache.DefaultGracePeriod,
			GCInterval:  cache.DefaultGCInterval,
		},
		Redis: source.RedisConfig{CacheTTL: 5 * time.Minute},
		Invalidation: InvalidationConfig{
			Pubsub:   *invalidation.NewGooglePubsubConsumerDefaults(""),
			Listener: invalidation.ListenerConfig{NumWorkers: 2},
		},
	}
}

// Load reads path over the defaults, then applies environment overrides. Env
// files are loaded first and never override variables already set; a missing
// env file is not an error. An empty path skips the YAML step.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	setString("LOG_LEVEL", &c.LogLevel)
	setString("HTTP_PORT", &c.HTTPPort)
	setString("GCP_PROJECT_ID", &c.ProjectID)
	setString("STOREFRONT_API_URL", &c.Storefront.BaseURL)
	setString("STOREFRONT_TOKEN", &c.Session.Token)
	setString("STOREFRONT_USER_ID", &c.Session.UserID)
	setString("REDIS_ADDR", &c.Redis.Addr)
	setString("REDIS_PASSWORD", &c.Redis.Password)
	setString("INVALIDATION_SUBSCRIPTION", &c.Invalidation.Pubsub.SubscriptionID)
	setString("INVALIDATION_WEBHOOK_SECRET", &c.Invalidation.WebhookSecret)
	setString("FIRESTORE_COLLECTION", &c.Firestore.CollectionName)

	if v, ok := os.LookupEnv("REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}
	if v, ok := os.LookupEnv("CACHE_DEFAULT_STALE_WINDOW"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CACHE_DEFAULT_STALE_WINDOW: %w", err)
		}
		c.Cache.DefaultStaleWindow = d
	}

	if c.Invalidation.Pubsub.ProjectID == "" {
		c.Invalidation.Pubsub.ProjectID = c.ProjectID
	}
	if c.Firestore.ProjectID == "" {
		c.Firestore.ProjectID = c.ProjectID
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Storefront.BaseURL == "" {
		return errors.New("storefront.base_url is required")
	}
	if c.Cache.DefaultStaleWindow < 0 {
		return errors.New("cache.default_stale_window cannot be negative")
	}
	for res, w := range c.Cache.StaleWindows {
		if w < 0 {
			return fmt.Errorf("cache.stale_windows.%s cannot be negative", res)
		}
	}
	if c.Invalidation.Pubsub.SubscriptionID != "" && c.Invalidation.Pubsub.ProjectID == "" {
		return errors.New("project_id is required for the Pub/Sub invalidation feed")
	}
	if c.Firestore.CollectionName != "" && c.Firestore.ProjectID == "" {
		return errors.New("project_id is required for the Firestore catalog")
	}
	return nil
}

// StoreConfig converts the cache section.
func (c *Config) StoreConfig() cache.StoreConfig {
	return cache.StoreConfig{
		Policy:      cache.NewPolicy(c.Cache.DefaultStaleWindow, c.Cache.StaleWindows),
		GracePeriod: c.Cache.GracePeriod,
		GCInterval:  c.Cache.GCInterval,
	}
}

// RedisEnabled reports whether a shared Redis response cache is configured.
func (c *Config) RedisEnabled() bool { return c.Redis.Addr != "" }

// PubsubEnabled reports whether the Pub/Sub invalidation feed is configured.
func (c *Config) PubsubEnabled() bool { return c.Invalidation.Pubsub.SubscriptionID != "" }

// FirestoreEnabled reports whether catalog reads go to Firestore.
func (c *Config) FirestoreEnabled() bool { return c.Firestore.CollectionName != "" }
