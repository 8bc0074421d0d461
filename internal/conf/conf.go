// Package conf loads and validates the hookrelayd configuration.
//
// Configuration is TOML. Values not present in the file fall back to
// built-in defaults, and a handful of secrets can be overridden from
// the environment so they never need to live on disk.
package conf

import (
	"io/fs"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// Environment variables that override file values.
const (
	EnvStoreURL   = "HOOKRELAY_STORE_URL"
	EnvAPIKey     = "HOOKRELAY_API_KEY"
	EnvSecretSalt = "HOOKRELAY_SECRET_SALT"
)

// Config describes the configuration structure we support.
// Key suffixes name the unit for numeric durations and sizes.
type Config struct {
	StoreURL      string `koanf:"store.url"`
	StoreDatabase string `koanf:"store.database"`

	// Collections to watch. Empty means every collection in the database.
	SourceCollections       []string `koanf:"source.collections"`
	SourceMaxRecordAttempts int      `koanf:"source.max_record_attempts"`
	SourceOnCursorExpired   string   `koanf:"source.on_cursor_expired"`
	SourceDropOnOverflow    bool     `koanf:"source.drop_on_overflow"`

	EventLogEnabled bool `koanf:"events.enabled"`

	QueueMaxSize              int `koanf:"queue.max_size"`
	QueueMaxConcurrent        int `koanf:"queue.max_concurrent"`
	QueueProcessingIntervalMs int `koanf:"queue.processing_interval_ms"`
	QueueMaxRetryDelayMs      int `koanf:"queue.max_retry_delay_ms"`
	QueueDeadLetterMaxSize    int `koanf:"queue.dead_letter_max_size"`

	RetryMaxAttempts       int     `koanf:"retry.max_attempts"`
	RetryBackoffMultiplier float64 `koanf:"retry.backoff_multiplier"`
	RetryInitialDelayMs    int     `koanf:"retry.initial_delay_ms"`

	DeliveryTimeoutMs         int    `koanf:"delivery.timeout_ms"`
	DeliveryMaxRedirects      int    `koanf:"delivery.max_redirects"`
	DeliveryMaxPayloadSize    int64  `koanf:"delivery.max_payload_size"`
	DeliveryUserAgent         string `koanf:"delivery.user_agent"`
	DeliveryRetryableStatuses []int  `koanf:"delivery.retryable_statuses"`
	DeliverySecretSalt        string `koanf:"delivery.secret_salt"`

	DLQRetentionDays int  `koanf:"dlq.retention_days"`
	DLQAutoCleanup   bool `koanf:"dlq.auto_cleanup"`
	DLQPersistence   bool `koanf:"dlq.persistence"`

	APIListenAddr        string `koanf:"api.listen_addr"`
	APIKey               string `koanf:"api.key"`
	APIRateLimitWindowMs int    `koanf:"api.rate_limit_window_ms"`
	APIRateLimitMax      int    `koanf:"api.rate_limit_max"`

	LogLevel  string `koanf:"log.level"`
	LogPretty bool   `koanf:"log.pretty"`

	ShutdownGraceMs int `koanf:"shutdown.grace_ms"`
}

// defaults is the configuration applied underneath whatever the file
// provides. It must parse; Load panics otherwise.
var defaults = []byte(`
[store]
url = "mongodb://localhost:27017"
database = "tracker"

[source]
collections = []
max_record_attempts = 3
on_cursor_expired = "fail"
drop_on_overflow = false

[events]
enabled = true

[queue]
max_size = 10000
max_concurrent = 10
processing_interval_ms = 100
max_retry_delay_ms = 300000
dead_letter_max_size = 1000

[retry]
max_attempts = 3
backoff_multiplier = 2.0
initial_delay_ms = 1000

[delivery]
timeout_ms = 30000
max_redirects = 5
max_payload_size = 1048576
user_agent = "hookrelay/1.0"
retryable_statuses = [408, 429, 500, 502, 503, 504, 507, 509, 510]
secret_salt = ""

[dlq]
retention_days = 30
auto_cleanup = true
persistence = true

[api]
listen_addr = "127.0.0.1:8844"
key = ""
rate_limit_window_ms = 60000
rate_limit_max = 120

[log]
level = "info"
pretty = false

[shutdown]
grace_ms = 30000
`)

var tomlParser = toml.Parser()

// Load reads the configuration from path, layered over the defaults.
// An empty path loads defaults only. A non-empty path must exist.
// Environment overrides are applied after the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaults), tomlParser); err != nil {
		panic(errors.Wrap(err, "built-in defaults do not parse"))
	}

	if path != "" {
		err := k.Load(file.Provider(path), tomlParser)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, errors.Wrapf(err, "config file %s", path)
			}
			return nil, errors.Wrap(err, "unable to parse config file")
		}
	}

	cfg := &Config{}
	err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag:       "koanf",
		FlatPaths: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal config")
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is like Load but reads the TOML document from data.
func Parse(data []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaults), tomlParser); err != nil {
		panic(errors.Wrap(err, "built-in defaults do not parse"))
	}
	if err := k.Load(rawbytes.Provider(data), tomlParser); err != nil {
		return nil, errors.Wrap(err, "unable to parse config")
	}

	cfg := &Config{}
	err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag:       "koanf",
		FlatPaths: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal config")
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvStoreURL); v != "" {
		cfg.StoreURL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv(EnvSecretSalt); v != "" {
		cfg.DeliverySecretSalt = v
	}
}

// Validate reports the first problem with the configuration.
func (c *Config) Validate() error {
	switch {
	case c.StoreURL == "":
		return errors.New("store.url must be set")
	case c.StoreDatabase == "":
		return errors.New("store.database must be set")
	case c.QueueMaxSize < 1:
		return errors.New("queue.max_size must be at least 1")
	case c.QueueMaxConcurrent < 1:
		return errors.New("queue.max_concurrent must be at least 1")
	case c.QueueProcessingIntervalMs < 1:
		return errors.New("queue.processing_interval_ms must be at least 1")
	case c.QueueMaxRetryDelayMs < 1:
		return errors.New("queue.max_retry_delay_ms must be at least 1")
	case c.QueueDeadLetterMaxSize < 1:
		return errors.New("queue.dead_letter_max_size must be at least 1")
	case c.RetryMaxAttempts < 1 || c.RetryMaxAttempts > 10:
		return errors.New("retry.max_attempts must be within [1,10]")
	case c.RetryBackoffMultiplier < 1 || c.RetryBackoffMultiplier > 10:
		return errors.New("retry.backoff_multiplier must be within [1,10]")
	case c.RetryInitialDelayMs < 100:
		return errors.New("retry.initial_delay_ms must be at least 100")
	case c.DeliveryTimeoutMs < 1000 || c.DeliveryTimeoutMs > 120000:
		return errors.New("delivery.timeout_ms must be within [1000,120000]")
	case c.DeliveryMaxRedirects < 0:
		return errors.New("delivery.max_redirects must not be negative")
	case c.DeliveryMaxPayloadSize < 1:
		return errors.New("delivery.max_payload_size must be at least 1")
	case c.SourceMaxRecordAttempts < 1:
		return errors.New("source.max_record_attempts must be at least 1")
	case c.DLQRetentionDays < 1:
		return errors.New("dlq.retention_days must be at least 1")
	case c.APIListenAddr == "":
		return errors.New("api.listen_addr must be set")
	}

	if c.SourceOnCursorExpired != "fail" && c.SourceOnCursorExpired != "restart" {
		return errors.Newf("source.on_cursor_expired must be one of fail, restart; got %q", c.SourceOnCursorExpired)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "log.level %q", c.LogLevel)
	}
	return nil
}

// Duration accessors for the millisecond-suffixed fields.

func (c *Config) ProcessingInterval() time.Duration {
	return time.Duration(c.QueueProcessingIntervalMs) * time.Millisecond
}

func (c *Config) MaxRetryDelay() time.Duration {
	return time.Duration(c.QueueMaxRetryDelayMs) * time.Millisecond
}

func (c *Config) RetryInitialDelay() time.Duration {
	return time.Duration(c.RetryInitialDelayMs) * time.Millisecond
}

func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.DeliveryTimeoutMs) * time.Millisecond
}

func (c *Config) APIRateLimitWindow() time.Duration {
	return time.Duration(c.APIRateLimitWindowMs) * time.Millisecond
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}

func (c *Config) DLQRetention() time.Duration {
	return time.Duration(c.DLQRetentionDays) * 24 * time.Hour
}
