// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/tidesync/internal/logging"
	"github.com/tomtom215/tidesync/internal/metrics"
	"github.com/tomtom215/tidesync/internal/operation"
)

// BreakerConfig configures the circuit breaker around the remote store.
type BreakerConfig struct {
	Name string

	// MaxRequests is the number of trial requests allowed while half-open.
	MaxRequests uint32

	// Interval resets the closed-state counts.
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration

	// MinRequests and FailureRatio decide when to trip.
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:         "remote-store",
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// Breaker decorates a Store with a circuit breaker. While the circuit is open
// calls fail fast with ErrRemoteUnavailable and Available reports false, so
// writers queue instead of waiting on timeouts. Duplicate and not-found
// answers count as successes: the remote responded.
type Breaker struct {
	inner Store
	cb    *gobreaker.CircuitBreaker[any]
	name  string
	avail *Availability

	stopInner func()
	mu        sync.Mutex
	probe     *time.Timer
	timeout   time.Duration
}

var _ Store = (*Breaker)(nil)

// NewBreaker wraps inner.
func NewBreaker(inner Store, cfg BreakerConfig) *Breaker {
	b := &Breaker{
		inner:   inner,
		name:    cfg.Name,
		avail:   NewAvailability(inner.Available()),
		timeout: cfg.Timeout,
	}

	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)

	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= cfg.FailureRatio {
				logging.Warn().
					Str("breaker", cfg.Name).
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", ratio*100).
					Msg("[CIRCUIT BREAKER] Opening circuit")
				return true
			}
			return false
		},
		IsSuccessful: func(err error) bool {
			return err == nil || operation.IsPermanent(err)
		},
		OnStateChange: b.onStateChange,
	})

	b.stopInner = inner.OnAvailabilityChange(func(bool) { b.refresh() })
	return b
}

// onStateChange runs under the breaker's own lock, so it must not call back into cb.
func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	fromStr, toStr := stateToString(from), stateToString(to)
	logging.Info().Str("breaker", name).Str("from", fromStr).Str("to", toStr).Msg("[CIRCUIT BREAKER] State transition")
	metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
	metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()

	if to == gobreaker.StateOpen {
		b.scheduleProbe()
	}
	go b.refresh()
}

// scheduleProbe polls the breaker state once the open timeout has elapsed;
// gobreaker only moves to half-open when its state is read.
func (b *Breaker) scheduleProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.probe != nil {
		b.probe.Stop()
	}
	b.probe = time.AfterFunc(b.timeout+10*time.Millisecond, func() {
		_ = b.cb.State()
		b.refresh()
	})
}

func (b *Breaker) refresh() {
	b.avail.Set(b.inner.Available() && b.cb.State() != gobreaker.StateOpen)
}

// State returns the breaker state as a string.
func (b *Breaker) State() string {
	return stateToString(b.cb.State())
}

// Close stops listening to the inner store.
func (b *Breaker) Close() {
	b.stopInner()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.probe != nil {
		b.probe.Stop()
	}
}

func (b *Breaker) execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	switch {
	case err == nil:
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
		return nil, fmt.Errorf("%w: circuit %s: %w", operation.ErrRemoteUnavailable, b.name, err)
	case operation.IsPermanent(err):
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
	}
	return result, err
}

// Available implements Store.
func (b *Breaker) Available() bool {
	return b.avail.Available()
}

// OnAvailabilityChange implements Store.
func (b *Breaker) OnAvailabilityChange(fn func(bool)) func() {
	return b.avail.Subscribe(fn)
}

// CreateTable implements operation.Target.
func (b *Breaker) CreateTable(ctx context.Context, table string) error {
	_, err := b.execute(func() (any, error) { return nil, b.inner.CreateTable(ctx, table) })
	return err
}

// Insert implements operation.Target.
func (b *Breaker) Insert(ctx context.Context, table string, rec operation.Record, replace bool) error {
	_, err := b.execute(func() (any, error) { return nil, b.inner.Insert(ctx, table, rec, replace) })
	return err
}

// Update implements operation.Target.
func (b *Breaker) Update(ctx context.Context, table string, sel operation.Selector, set operation.Values) (int, error) {
	res, err := b.execute(func() (any, error) { return b.inner.Update(ctx, table, sel, set) })
	n, _ := res.(int)
	return n, err
}

// Delete implements operation.Target.
func (b *Breaker) Delete(ctx context.Context, table string, sel operation.Selector) (int, error) {
	res, err := b.execute(func() (any, error) { return b.inner.Delete(ctx, table, sel) })
	n, _ := res.(int)
	return n, err
}

// Select implements operation.Target.
func (b *Breaker) Select(ctx context.Context, table string, sel operation.Selector, order *operation.Ordering) ([]operation.Record, error) {
	res, err := b.execute(func() (any, error) { return b.inner.Select(ctx, table, sel, order) })
	recs, _ := res.([]operation.Record)
	return recs, err
}

// SubscribeToChanges implements Store. Subscriptions bypass the breaker.
func (b *Breaker) SubscribeToChanges(ctx context.Context, table string, pred operation.Predicate, fn ChangeFunc) (Subscription, error) {
	return b.inner.SubscribeToChanges(ctx, table, pred, fn)
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
