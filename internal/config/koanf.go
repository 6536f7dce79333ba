// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"tidesync.yaml",
	"tidesync.yml",
	"/etc/tidesync/config.yaml",
	"/etc/tidesync/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "TIDESYNC_CONFIG"

// EnvPrefix prefixes every recognised environment variable.
const EnvPrefix = "TIDESYNC_"

func defaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			ID: "default",
		},
		KV: KVConfig{
			Path:       "/data/tidesync/kv",
			SyncWrites: true,
			GCInterval: 10 * time.Minute,
			GCRatio:    0.5,
		},
		Cache: CacheConfig{
			Driver: "duckdb",
			Path:   "/data/tidesync/cache.duckdb",
		},
		Remote: RemoteConfig{
			Backend:           "nats",
			URL:               "nats://127.0.0.1:4222",
			Embedded:          false,
			EmbeddedHost:      "127.0.0.1",
			EmbeddedPort:      4222,
			StoreDir:          "/data/tidesync/jetstream",
			JetStreamMaxMem:   256 << 20, // 256MB
			JetStreamMaxStore: 4 << 30,   // 4GB
			BucketPrefix:      "tidesync",
			Replicas:          1,
			Timeout:           10 * time.Second,
			Breaker: BreakerConfig{
				Enabled:      true,
				MaxRequests:  3,
				Interval:     time.Minute,
				Timeout:      30 * time.Second,
				MinRequests:  5,
				FailureRatio: 0.6,
			},
		},
		Queue: QueueConfig{
			MaxRetries:    10,
			RetryInterval: 30 * time.Second,
			RetryBackoff:  5 * time.Second,
			MaxBackoff:    5 * time.Minute,
		},
		Notify: NotifyConfig{
			Transport:    "nats",
			TopicPrefix:  "tidesync.changes",
			Rate:         2,
			Burst:        1,
			PollInterval: 5 * time.Minute,
		},
		Server: ServerConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            8780,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from defaults, an optional YAML file and the
// environment, then validates it.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file. An empty path skips the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// TIDESYNC_STORE_ID -> store.id
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps lower-cased variable names, without EnvPrefix, to koanf paths.
var envMappings = map[string]string{
	"store_id":  "store.id",
	"device_id": "store.device_id",

	"kv_path":        "kv.path",
	"kv_in_memory":   "kv.in_memory",
	"kv_sync_writes": "kv.sync_writes",
	"kv_gc_interval": "kv.gc_interval",
	"kv_gc_ratio":    "kv.gc_ratio",

	"cache_driver": "cache.driver",
	"cache_path":   "cache.path",

	"remote_backend":        "remote.backend",
	"remote_url":            "remote.url",
	"remote_timeout":        "remote.timeout",
	"remote_bucket_prefix":  "remote.bucket_prefix",
	"remote_replicas":       "remote.replicas",
	"nats_embedded":         "remote.embedded",
	"nats_embedded_host":    "remote.embedded_host",
	"nats_embedded_port":    "remote.embedded_port",
	"nats_store_dir":        "remote.store_dir",
	"nats_max_memory":       "remote.jetstream_max_memory",
	"nats_max_store":        "remote.jetstream_max_store",
	"breaker_enabled":       "remote.breaker.enabled",
	"breaker_max_requests":  "remote.breaker.max_requests",
	"breaker_interval":      "remote.breaker.interval",
	"breaker_timeout":       "remote.breaker.timeout",
	"breaker_min_requests":  "remote.breaker.min_requests",
	"breaker_failure_ratio": "remote.breaker.failure_ratio",

	"queue_max_retries":    "queue.max_retries",
	"queue_retry_interval": "queue.retry_interval",
	"queue_retry_backoff":  "queue.retry_backoff",
	"queue_max_backoff":    "queue.max_backoff",

	"notify_transport":     "notify.transport",
	"notify_url":           "notify.url",
	"notify_topic_prefix":  "notify.topic_prefix",
	"notify_rate":          "notify.rate",
	"notify_burst":         "notify.burst",
	"notify_poll_interval": "notify.poll_interval",

	"http_enabled":        "server.enabled",
	"http_host":           "server.host",
	"http_port":           "server.port",
	"http_timeout":        "server.timeout",
	"rate_limit_requests": "server.rate_limit_reqs",
	"rate_limit_window":   "server.rate_limit_window",
	"disable_rate_limit":  "server.rate_limit_disabled",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps TIDESYNC_* variables to koanf paths. Unknown
// variables map to "" and are dropped.
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(strings.ToLower(key), strings.ToLower(EnvPrefix))
	return envMappings[key]
}
