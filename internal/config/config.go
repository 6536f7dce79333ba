// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package config

import (
	"time"
)

// Config holds all application configuration.
//
// Loading order (later layers win):
//  1. Defaults: built-in values from defaultConfig
//  2. Config file: optional YAML file (TIDESYNC_CONFIG or DefaultConfigPaths)
//  3. Environment: TIDESYNC_* variables listed in envMappings
//
// Example:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    logging.Fatal().Err(err).Msg("Failed to load configuration")
//	}
type Config struct {
	Store   StoreConfig   `koanf:"store"`
	KV      KVConfig      `koanf:"kv"`
	Cache   CacheConfig   `koanf:"cache"`
	Remote  RemoteConfig  `koanf:"remote"`
	Queue   QueueConfig   `koanf:"queue"`
	Notify  NotifyConfig  `koanf:"notify"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
}

// StoreConfig identifies the logical dataset and, optionally, this device.
type StoreConfig struct {
	// ID scopes every published and pulled log record.
	ID string `koanf:"id" validate:"required,max=256"`

	// DeviceID overrides the derived device identifier. Leave empty in
	// production so the identifier is derived from the host.
	DeviceID string `koanf:"device_id" validate:"max=256"`
}

// KVConfig configures the durable key-value store holding the retry queue,
// the watermark and the persisted device identifier.
type KVConfig struct {
	Path       string        `koanf:"path" validate:"required_unless=InMemory true"`
	InMemory   bool          `koanf:"in_memory"`
	SyncWrites bool          `koanf:"sync_writes"`
	GCInterval time.Duration `koanf:"gc_interval" validate:"gte=0"`
	GCRatio    float64       `koanf:"gc_ratio" validate:"gt=0,lt=1"`
}

// CacheConfig configures the local relational cache.
type CacheConfig struct {
	Driver string `koanf:"driver" validate:"oneof=duckdb sqlite3"`

	// Path is the database file. Empty keeps the cache in memory.
	Path string `koanf:"path"`
}

// RemoteConfig configures the shared remote store.
type RemoteConfig struct {
	// Backend is "nats" (JetStream KV) or "memory" (single process, for demos).
	Backend string `koanf:"backend" validate:"oneof=nats memory"`

	URL string `koanf:"url" validate:"required_if=Backend nats,omitempty,url"`

	// Embedded starts an in-process NATS server and connects to it.
	Embedded          bool   `koanf:"embedded"`
	EmbeddedHost      string `koanf:"embedded_host"`
	EmbeddedPort      int    `koanf:"embedded_port" validate:"gte=-1,lte=65535"`
	StoreDir          string `koanf:"store_dir"`
	JetStreamMaxMem   int64  `koanf:"jetstream_max_memory" validate:"gte=0"`
	JetStreamMaxStore int64  `koanf:"jetstream_max_store" validate:"gte=0"`

	BucketPrefix string        `koanf:"bucket_prefix" validate:"required"`
	Replicas     int           `koanf:"replicas" validate:"min=1,max=5"`
	Timeout      time.Duration `koanf:"timeout" validate:"gt=0"`

	Breaker BreakerConfig `koanf:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of the remote store.
type BreakerConfig struct {
	Enabled      bool          `koanf:"enabled"`
	MaxRequests  uint32        `koanf:"max_requests" validate:"min=1"`
	Interval     time.Duration `koanf:"interval" validate:"gte=0"`
	Timeout      time.Duration `koanf:"timeout" validate:"gt=0"`
	MinRequests  uint32        `koanf:"min_requests" validate:"min=1"`
	FailureRatio float64       `koanf:"failure_ratio" validate:"gt=0,lte=1"`
}

// QueueConfig configures the local retry queue.
type QueueConfig struct {
	MaxRetries    int           `koanf:"max_retries" validate:"min=1"`
	RetryInterval time.Duration `koanf:"retry_interval" validate:"gt=0"`
	RetryBackoff  time.Duration `koanf:"retry_backoff" validate:"gt=0"`
	MaxBackoff    time.Duration `koanf:"max_backoff" validate:"gtefield=RetryBackoff"`
}

// NotifyConfig configures change notifications between devices.
type NotifyConfig struct {
	// Transport is "nats" (core NATS through watermill) or "none".
	Transport string `koanf:"transport" validate:"oneof=nats none"`

	// URL defaults to the remote URL when empty.
	URL         string  `koanf:"url" validate:"omitempty,url"`
	TopicPrefix string  `koanf:"topic_prefix" validate:"required"`
	Rate        float64 `koanf:"rate" validate:"gt=0"`
	Burst       int     `koanf:"burst" validate:"min=1"`

	// PollInterval enables the polling fallback when positive.
	PollInterval time.Duration `koanf:"poll_interval" validate:"gte=0"`
}

// ServerConfig configures the HTTP control API.
type ServerConfig struct {
	Enabled           bool          `koanf:"enabled"`
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout           time.Duration `koanf:"timeout" validate:"gt=0"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// NotifyURL returns the notification broker URL.
func (c *Config) NotifyURL() string {
	if c.Notify.URL != "" {
		return c.Notify.URL
	}
	return c.Remote.URL
}
