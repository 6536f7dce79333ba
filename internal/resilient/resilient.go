// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

// Package resilient is the write path to the remote store. Writes go to the
// remote immediately when it is reachable and are deferred to the durable
// retry queue when it is not. The queue is drained whenever the remote
// reports that it became available again.
//
// A write to a table that still has queued writes is queued behind them, so
// the remote sees one table's writes in the order they were made.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/tidesync/internal/logging"
	"github.com/tomtom215/tidesync/internal/metrics"
	"github.com/tomtom215/tidesync/internal/operation"
	"github.com/tomtom215/tidesync/internal/remote"
	"github.com/tomtom215/tidesync/internal/retryqueue"
)

// DefaultTimeout bounds a single remote call.
const DefaultTimeout = 10 * time.Second

// SuccessFunc is called after an operation reached the remote store, whether
// directly or from a drain.
type SuccessFunc func(ctx context.Context, op operation.Operation)

// ReplayHook rewrites a queued operation right before a drain replays it.
type ReplayHook func(op operation.Operation) operation.Operation

// Option configures a Path.
type Option func(*Path)

// WithTimeout sets the per-call remote timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Path) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithAfterSuccess installs the success hook.
func WithAfterSuccess(fn SuccessFunc) Option {
	return func(p *Path) { p.afterSuccess = fn }
}

// Path is the resilient write path of one store.
type Path struct {
	remote       remote.Store
	queue        *retryqueue.Queue
	timeout      time.Duration
	afterSuccess SuccessFunc

	stopAvailability func()

	mu      sync.Mutex
	replay  ReplayHook
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// New creates the write path. Call Start once the success hook's
// dependencies are ready.
func New(r remote.Store, q *retryqueue.Queue, opts ...Option) (*Path, error) {
	if r == nil {
		return nil, fmt.Errorf("remote store required")
	}
	if q == nil {
		return nil, fmt.Errorf("retry queue required")
	}

	p := &Path{remote: r, queue: q, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SetReplayHook installs fn as the replay hook. Install it before Start so the
// startup drain uses it.
func (p *Path) SetReplayHook(fn ReplayHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replay = fn
}

func (p *Path) replayHook() ReplayHook {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replay
}

// Start registers for availability transitions and drains whatever a
// previous run left in the queue. It is a no-op after the first call.
func (p *Path) Start() {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.stopAvailability = p.remote.OnAvailabilityChange(func(available bool) {
		metrics.SetRemoteAvailable(available)
		if available {
			logging.Info().Int("pending", p.queue.Len()).Msg("Remote store available, draining retry queue")
			p.drainAsync("availability_restored")
			return
		}
		logging.Warn().Msg("Remote store unavailable, writes will be queued")
	})
	p.mu.Unlock()
	metrics.SetRemoteAvailable(p.remote.Available())

	p.drainAsync("startup")
}

// Execute attempts op against the remote store.
//
// It returns (true, nil) when the remote applied op. When the remote is
// unreachable or the call fails with a retryable error, op is queued and
// (false, nil) returned if enqueueIfFailed is set; otherwise the error is
// returned. Duplicate and not-found answers are never queued.
//
// With enqueueIfFailed set, op is queued without a remote call while the
// queue holds writes to the same table, and a drain is started.
func (p *Path) Execute(ctx context.Context, op operation.Operation, enqueueIfFailed bool) (bool, error) {
	if !p.remote.Available() {
		return p.fallback(ctx, op, enqueueIfFailed,
			fmt.Errorf("%w: %w: %s", retryqueue.ErrNotAttempted, operation.ErrRemoteUnavailable, op))
	}
	if enqueueIfFailed && p.queue.HasPending(op.Table) {
		applied, err := p.fallback(ctx, op, true,
			fmt.Errorf("%w: earlier writes to %s are queued", retryqueue.ErrNotAttempted, op.Table))
		if err == nil {
			p.drainAsync("queued_behind")
		}
		return applied, err
	}

	err := p.attempt(ctx, op)
	switch {
	case err == nil:
		metrics.ResilientWrites.WithLabelValues("applied").Inc()
		if p.afterSuccess != nil {
			p.afterSuccess(ctx, op)
		}
		return true, nil
	case operation.IsPermanent(err):
		metrics.ResilientWrites.WithLabelValues("rejected").Inc()
		return false, err
	default:
		return p.fallback(ctx, op, enqueueIfFailed, err)
	}
}

// attempt runs op on the remote under the per-call timeout. A timeout
// counts as the remote being unavailable.
func (p *Path) attempt(ctx context.Context, op operation.Operation) error {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := operation.Apply(callCtx, p.remote, op)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, operation.ErrRemoteUnavailable) {
		return fmt.Errorf("%w: %s timed out after %s: %w", operation.ErrRemoteUnavailable, op, p.timeout, err)
	}
	return err
}

func (p *Path) fallback(ctx context.Context, op operation.Operation, enqueue bool, cause error) (bool, error) {
	if !enqueue {
		return false, cause
	}

	// The caller's deadline must not lose the write once it was accepted.
	entry, err := p.queue.Enqueue(context.WithoutCancel(ctx), op)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("operation", op.String()).Msg("Failed to queue operation")
		return false, err
	}

	metrics.ResilientWrites.WithLabelValues("queued").Inc()
	logging.Ctx(ctx).Debug().
		Err(cause).
		Str("entry_id", entry.ID).
		Str("operation", op.String()).
		Msg("Remote write deferred to retry queue")
	return false, nil
}

// Drain replays the retry queue. It does nothing while the remote reports
// unavailable, and a pass stops without spending attempts when the remote
// becomes unavailable partway through.
func (p *Path) Drain(ctx context.Context) (retryqueue.DrainReport, error) {
	if !p.remote.Available() {
		return retryqueue.DrainReport{}, nil
	}
	replay := p.replayHook()
	return p.queue.Drain(ctx, func(ctx context.Context, op operation.Operation) error {
		if replay != nil {
			op = replay(op)
		}
		_, err := p.Execute(ctx, op, false)
		return err
	})
}

func (p *Path) drainAsync(trigger string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx := logging.ContextWithNewCorrelationID(context.Background())
		report, err := p.Drain(ctx)
		if err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("trigger", trigger).Msg("Retry queue drain failed")
			return
		}
		if report.Attempted() > 0 {
			logging.Ctx(ctx).Info().
				Str("trigger", trigger).
				Int("succeeded", len(report.Succeeded)).
				Int("failed", len(report.Failed)).
				Int("discarded", len(report.Discarded)).
				Msg("Retry queue drained")
		}
	}()
}

// Available reports the remote's reachability.
func (p *Path) Available() bool {
	return p.remote.Available()
}

// Queue exposes the retry queue for diagnostics.
func (p *Path) Queue() *retryqueue.Queue {
	return p.queue
}

// Close stops reacting to availability changes and waits for running drains.
func (p *Path) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	stop := p.stopAvailability
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	p.wg.Wait()
}
