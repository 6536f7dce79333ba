// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package config

import (
	"github.com/tomtom215/tidesync/internal/validation"
)

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

// Validate checks struct tags first, then the rules spanning sections.
func (c *Config) Validate() error {
	if verr := validation.ValidateStruct(c); verr != nil {
		first := verr.Fields[0]
		return &ConfigError{Field: first.Field, Message: verr.Error()}
	}

	if c.Remote.Embedded && c.Remote.Backend != "nats" {
		return &ConfigError{Field: "Config.Remote.Embedded", Message: "embedded server requires the nats backend"}
	}
	if c.Notify.Transport == "nats" && c.NotifyURL() == "" {
		return &ConfigError{Field: "Config.Notify.URL", Message: "a broker URL is required for the nats transport"}
	}
	return nil
}
