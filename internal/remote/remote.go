// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

// Package remote defines the contract of the shared durable store and
// provides an in-memory implementation plus a circuit-breaker decorator.
//
// Failures caused by the store being unreachable must wrap
// operation.ErrRemoteUnavailable so writers can defer them.
package remote

import (
	"context"
	"sync"

	"github.com/tomtom215/tidesync/internal/operation"
)

// ChangeFunc is called with the ID of a changed record when the backend knows
// it, or nil when it only knows that something changed.
type ChangeFunc func(recordID *string)

// Subscription is an active change subscription.
type Subscription interface {
	Close() error
}

// Store is the remote durable store.
type Store interface {
	operation.Target

	// SubscribeToChanges calls fn for changes in table matching pred.
	SubscribeToChanges(ctx context.Context, table string, pred operation.Predicate, fn ChangeFunc) (Subscription, error)

	// Available reports the last known reachability.
	Available() bool

	// OnAvailabilityChange registers fn for reachability transitions. The
	// returned func unregisters it.
	OnAvailabilityChange(fn func(available bool)) (cancel func())
}

// Availability tracks a reachability flag and fans transitions out to listeners.
// Listeners run on the goroutine that reported the change, after the flag is updated.
type Availability struct {
	mu        sync.Mutex
	available bool
	nextID    int
	listeners map[int]func(bool)
}

// NewAvailability creates a tracker with the given initial state.
func NewAvailability(initial bool) *Availability {
	return &Availability{available: initial, listeners: make(map[int]func(bool))}
}

// Available returns the current flag.
func (a *Availability) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available
}

// Set updates the flag and notifies listeners if it changed.
func (a *Availability) Set(available bool) bool {
	a.mu.Lock()
	if a.available == available {
		a.mu.Unlock()
		return false
	}
	a.available = available
	fns := make([]func(bool), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn(available)
	}
	return true
}

// Subscribe registers fn and returns its cancel func.
func (a *Availability) Subscribe(fn func(bool)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

type subscriptionFunc func() error

func (f subscriptionFunc) Close() error { return f() }
