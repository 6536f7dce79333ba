// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package retryqueue

import (
	"time"
)

// Config holds retry queue settings.
type Config struct {
	// MaxRetries is how many failed attempts an entry survives. The entry is
	// discarded when its attempt count reaches this value.
	MaxRetries int

	// RetryInterval is the retry loop period while passes succeed.
	RetryInterval time.Duration

	// RetryBackoff is the base of the exponential backoff applied after
	// passes that made no progress.
	RetryBackoff time.Duration

	// MaxBackoff caps the backoff.
	MaxBackoff time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    10,
		RetryInterval: 30 * time.Second,
		RetryBackoff:  5 * time.Second,
		MaxBackoff:    5 * time.Minute,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.MaxRetries < 1 {
		return &ConfigError{Field: "MaxRetries", Message: "must be at least 1"}
	}
	if c.RetryInterval <= 0 {
		return &ConfigError{Field: "RetryInterval", Message: "must be positive"}
	}
	if c.RetryBackoff <= 0 {
		return &ConfigError{Field: "RetryBackoff", Message: "must be positive"}
	}
	if c.MaxBackoff < c.RetryBackoff {
		return &ConfigError{Field: "MaxBackoff", Message: "must not be below RetryBackoff"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "retry queue config error: " + e.Field + ": " + e.Message
}
