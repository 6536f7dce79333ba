// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

// Package identity resolves the device and store identifiers that scope every
// published log record and every pull.
//
// A device identifier is derived once per process from a stable machine
// descriptor and memoized. Installations without a descriptor get a random
// identifier that is persisted in the local KV so it survives restarts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tomtom215/tidesync/internal/kvstore"
	"github.com/tomtom215/tidesync/internal/logging"
)

// Namespace scopes name-based device identifiers so two applications on one
// machine do not share an identifier.
var Namespace = uuid.MustParse("6f1c2b7e-93a4-4d0b-9b8e-3c5a1d2e7f40")

// deviceKey is where a generated fallback identifier is persisted.
const deviceKey = "identity/device"

// ErrEmptyStoreID is returned for a blank store identifier.
var ErrEmptyStoreID = errors.New("store identifier must not be empty")

// StoreID names one logical data set shared by a group of devices.
type StoreID string

// ParseStoreID validates s.
func ParseStoreID(s string) (StoreID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmptyStoreID
	}
	return StoreID(s), nil
}

func (s StoreID) String() string { return string(s) }

// DescriptorSource returns a stable machine descriptor, or "" if none is available.
type DescriptorSource func() string

// DefaultDescriptorSources are tried in order.
var DefaultDescriptorSources = []DescriptorSource{
	fileDescriptor("/etc/machine-id"),
	fileDescriptor("/var/lib/dbus/machine-id"),
	hostnameDescriptor,
}

func fileDescriptor(path string) DescriptorSource {
	return func() string {
		data, err := os.ReadFile(path)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}
}

func hostnameDescriptor() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(h)
}

// Provider memoizes the device identifier for the lifetime of the process.
type Provider struct {
	override string
	sources  []DescriptorSource
	kv       kvstore.Store

	once sync.Once
	id   string
	err  error
}

// Option configures a Provider.
type Option func(*Provider)

// WithOverride pins the device identifier, typically from configuration.
func WithOverride(id string) Option {
	return func(p *Provider) { p.override = strings.TrimSpace(id) }
}

// WithSources replaces the descriptor sources.
func WithSources(sources ...DescriptorSource) Option {
	return func(p *Provider) { p.sources = sources }
}

// NewProvider creates a Provider. kv is used only for the generated fallback.
func NewProvider(kv kvstore.Store, opts ...Option) *Provider {
	p := &Provider{kv: kv, sources: DefaultDescriptorSources}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DeviceIdentifier returns this installation's identifier. It is computed on
// first call; later calls return the same value (or the same error).
func (p *Provider) DeviceIdentifier(ctx context.Context) (string, error) {
	p.once.Do(func() {
		p.id, p.err = p.resolve(ctx)
		if p.err == nil {
			logging.Info().Str("device_id", p.id).Msg("Device identifier resolved")
		}
	})
	return p.id, p.err
}

func (p *Provider) resolve(ctx context.Context) (string, error) {
	if p.override != "" {
		return p.override, nil
	}
	for _, src := range p.sources {
		if d := src(); d != "" {
			return FromDescriptor(d), nil
		}
	}
	return p.persisted(ctx)
}

// persisted loads or creates the generated identifier.
func (p *Provider) persisted(ctx context.Context) (string, error) {
	if p.kv == nil {
		return "", errors.New("no machine descriptor and no kv store for a generated device identifier")
	}
	existing, err := p.kv.Get(ctx, deviceKey)
	if err != nil {
		return "", fmt.Errorf("load device identifier: %w", err)
	}
	if len(existing) > 0 {
		return string(existing), nil
	}

	id := uuid.NewString()
	if err := p.kv.Set(ctx, deviceKey, []byte(id)); err != nil {
		return "", fmt.Errorf("persist device identifier: %w", err)
	}
	logging.Warn().Str("device_id", id).Msg("No machine descriptor found, generated a device identifier")
	return id, nil
}

// FromDescriptor derives the name-based identifier for a machine descriptor.
func FromDescriptor(descriptor string) string {
	return uuid.NewSHA1(Namespace, []byte(descriptor)).String()
}
