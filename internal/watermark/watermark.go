// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

// Package watermark persists per (store, device) synchronization progress.
//
// The synchronization cursor is the timestamp of the newest remote log record
// that has been applied locally with nothing older left unapplied, plus the
// ids of the records applied at exactly that timestamp. Records from
// different devices can share a microsecond, so the instant alone cannot
// tell an applied record from one that is still missing. The cursor never
// moves backwards. Every mutation is written to the local KV before the
// in-memory copy changes, so a crash can only lose progress, never invent it.
package watermark

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/tidesync/internal/kvstore"
	"github.com/tomtom215/tidesync/internal/metrics"
)

// State is a point-in-time copy of the tracked values.
type State struct {
	LastModification         time.Time `json:"last_modification,omitempty"`
	LastSynchronization      time.Time `json:"last_synchronization,omitempty"`
	AppliedAtSynchronization []string  `json:"applied_at_synchronization,omitempty"`
	SubscriptionEstablished  bool      `json:"subscription_established"`
}

// Tracker owns the watermark of one (store, device) pair.
type Tracker struct {
	kv     kvstore.Store
	store  string
	device string

	mu    sync.RWMutex
	state State
}

// Load reads the persisted state, treating missing keys as zero values.
func Load(ctx context.Context, kv kvstore.Store, store, device string) (*Tracker, error) {
	t := &Tracker{kv: kv, store: store, device: device}

	var err error
	if t.state.LastModification, err = t.loadTime(ctx, "last_modification"); err != nil {
		return nil, err
	}
	if t.state.LastSynchronization, err = t.loadTime(ctx, "last_synchronization"); err != nil {
		return nil, err
	}
	raw, err := kv.Get(ctx, t.key("applied_at_synchronization"))
	if err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &t.state.AppliedAtSynchronization); err != nil {
			return nil, fmt.Errorf("load watermark applied_at_synchronization: corrupt value: %w", err)
		}
	}
	raw, err = kv.Get(ctx, t.key("subscription_established"))
	if err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}
	t.state.SubscriptionEstablished = string(raw) == "1"

	metrics.UpdateWatermarkLag(store, t.state.LastSynchronization)
	return t, nil
}

func (t *Tracker) key(name string) string {
	return "watermark/" + t.store + "/" + t.device + "/" + name
}

func (t *Tracker) loadTime(ctx context.Context, name string) (time.Time, error) {
	raw, err := t.kv.Get(ctx, t.key(name))
	if err != nil {
		return time.Time{}, fmt.Errorf("load watermark %s: %w", name, err)
	}
	if len(raw) == 0 {
		return time.Time{}, nil
	}
	micros, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("load watermark %s: corrupt value %q: %w", name, raw, err)
	}
	return time.UnixMicro(micros).UTC(), nil
}

func (t *Tracker) saveTime(ctx context.Context, name string, v time.Time) error {
	if err := t.kv.Set(ctx, t.key(name), []byte(strconv.FormatInt(v.UnixMicro(), 10))); err != nil {
		return fmt.Errorf("save watermark %s: %w", name, err)
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := t.state
	st.AppliedAtSynchronization = slices.Clone(t.state.AppliedAtSynchronization)
	return st
}

// LastSynchronization returns the current synchronization position.
func (t *Tracker) LastSynchronization() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.LastSynchronization
}

// Cursor returns the synchronization position and the ids of the log
// records already applied at exactly that instant.
func (t *Tracker) Cursor() (time.Time, []string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.LastSynchronization, slices.Clone(t.state.AppliedAtSynchronization)
}

// AdvanceSynchronization records that log record logID stamped at has been
// applied. A newer instant moves the position and resets the applied set; the
// current instant adds logID to it; older instants are ignored. It reports
// whether the cursor changed.
//
// The applied set is written before the instant. After a crash between the
// two writes the old instant pairs with ids that cannot match it, so records
// at the old instant are applied again, which is harmless.
func (t *Tracker) AdvanceSynchronization(ctx context.Context, at time.Time, logID string) (bool, error) {
	at = at.UTC().Truncate(time.Microsecond)

	t.mu.Lock()
	defer t.mu.Unlock()

	var applied []string
	switch {
	case at.Before(t.state.LastSynchronization):
		return false, nil
	case at.Equal(t.state.LastSynchronization):
		if slices.Contains(t.state.AppliedAtSynchronization, logID) {
			return false, nil
		}
		applied = append(slices.Clone(t.state.AppliedAtSynchronization), logID)
	default:
		applied = []string{logID}
	}

	data, err := json.Marshal(applied)
	if err != nil {
		return false, fmt.Errorf("encode watermark applied_at_synchronization: %w", err)
	}
	if err := t.kv.Set(ctx, t.key("applied_at_synchronization"), data); err != nil {
		return false, fmt.Errorf("save watermark applied_at_synchronization: %w", err)
	}
	if at.After(t.state.LastSynchronization) {
		if err := t.saveTime(ctx, "last_synchronization", at); err != nil {
			return false, err
		}
		t.state.LastSynchronization = at
		metrics.UpdateWatermarkLag(t.store, at)
	}
	t.state.AppliedAtSynchronization = applied
	return true, nil
}

// TouchModification records a local mutation at at. Older values are ignored.
func (t *Tracker) TouchModification(ctx context.Context, at time.Time) error {
	at = at.UTC().Truncate(time.Microsecond)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !at.After(t.state.LastModification) {
		return nil
	}
	if err := t.saveTime(ctx, "last_modification", at); err != nil {
		return err
	}
	t.state.LastModification = at
	return nil
}

// MarkSubscriptionEstablished records that one-time remote setup has completed.
func (t *Tracker) MarkSubscriptionEstablished(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.SubscriptionEstablished {
		return nil
	}
	if err := t.kv.Set(ctx, t.key("subscription_established"), []byte("1")); err != nil {
		return fmt.Errorf("save watermark subscription_established: %w", err)
	}
	t.state.SubscriptionEstablished = true
	return nil
}
