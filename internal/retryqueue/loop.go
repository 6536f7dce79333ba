// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package retryqueue

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/tomtom215/tidesync/internal/logging"
)

// DrainFunc runs one drain pass. The resilient write path provides it so the
// loop executes entries exactly the way availability-triggered drains do.
type DrainFunc func(ctx context.Context) (DrainReport, error)

// RetryLoop drains the queue periodically. It covers remotes whose
// availability signal never flips (for example a remote that reports itself
// available while every call fails). Passes that make no progress back off
// exponentially.
type RetryLoop struct {
	queue  *Queue
	drain  DrainFunc
	config Config

	mu       sync.Mutex
	cancel   context.CancelFunc
	running  bool
	stopDone chan struct{}

	consecutiveStalls int
}

// NewRetryLoop creates a retry loop for q.
func NewRetryLoop(q *Queue, drain DrainFunc, cfg Config) *RetryLoop {
	return &RetryLoop{queue: q, drain: drain, config: cfg}
}

// Start begins the background loop. It is a no-op if already running.
func (r *RetryLoop) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.stopDone = make(chan struct{})
	go r.run(loopCtx, r.stopDone)

	logging.Info().
		Dur("interval", r.config.RetryInterval).
		Int("max_retries", r.config.MaxRetries).
		Msg("Retry loop started")
	return nil
}

// Stop stops the loop and waits for an in-progress pass to finish.
func (r *RetryLoop) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.running = false
	done := r.stopDone
	r.mu.Unlock()

	<-done
	logging.Info().Msg("Retry loop stopped")
}

// IsRunning returns whether the loop is active.
func (r *RetryLoop) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *RetryLoop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(r.config.RetryInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			timer.Reset(r.runOnce(ctx))
		}
	}
}

// runOnce performs one pass and returns the delay before the next one.
func (r *RetryLoop) runOnce(ctx context.Context) time.Duration {
	if r.queue.Len() == 0 {
		r.consecutiveStalls = 0
		return r.config.RetryInterval
	}

	ctx = logging.ContextWithNewCorrelationID(ctx)
	report, err := r.drain(ctx)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Retry loop: drain failed")
		r.consecutiveStalls++
		return r.calculateBackoff(r.consecutiveStalls)
	}

	if len(report.Succeeded) == 0 && len(report.Failed) > 0 {
		r.consecutiveStalls++
		delay := r.calculateBackoff(r.consecutiveStalls)
		logging.Ctx(ctx).Debug().
			Int("stalls", r.consecutiveStalls).
			Dur("next_attempt_in", delay).
			Msg("Retry loop: no progress, backing off")
		return delay
	}

	r.consecutiveStalls = 0
	return r.config.RetryInterval
}

// calculateBackoff returns base * 2^(stalls-1), capped at MaxBackoff.
func (r *RetryLoop) calculateBackoff(stalls int) time.Duration {
	base := r.config.RetryBackoff
	maxBackoff := r.config.MaxBackoff
	if stalls < 1 {
		return base
	}
	if stalls > 50 {
		return maxBackoff
	}

	backoff := time.Duration(float64(base) * math.Pow(2, float64(stalls-1)))
	if backoff < 0 || backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
