// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package retryqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/tidesync/internal/kvstore"
	"github.com/tomtom215/tidesync/internal/operation"
)

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	r := &RetryLoop{config: Config{RetryBackoff: time.Second, MaxBackoff: 10 * time.Second}}
	tests := []struct {
		stalls int
		want   time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{100, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := r.calculateBackoff(tt.stalls); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.stalls, got, tt.want)
		}
	}
}

func TestRunOnceBacksOffWithoutProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q := openTestQueue(t, kvstore.NewMemory(), 100)
	_, _ = q.Enqueue(ctx, insertOp("1"))

	cfg := Config{MaxRetries: 100, RetryInterval: time.Second, RetryBackoff: 2 * time.Second, MaxBackoff: time.Minute}
	fail := func(ctx context.Context) (DrainReport, error) {
		return q.Drain(ctx, func(context.Context, operation.Operation) error { return operation.ErrRemoteUnavailable })
	}
	r := NewRetryLoop(q, fail, cfg)

	if d := r.runOnce(ctx); d != 2*time.Second {
		t.Errorf("first stall delay = %v", d)
	}
	if d := r.runOnce(ctx); d != 4*time.Second {
		t.Errorf("second stall delay = %v", d)
	}

	r.drain = func(ctx context.Context) (DrainReport, error) {
		return q.Drain(ctx, func(context.Context, operation.Operation) error { return nil })
	}
	if d := r.runOnce(ctx); d != time.Second {
		t.Errorf("delay after progress = %v, want interval", d)
	}
	if q.Len() != 0 {
		t.Error("queue should be empty after successful pass")
	}
}

func TestRunOnceSkipsEmptyQueue(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t, kvstore.NewMemory(), 3)
	var calls atomic.Int32
	r := NewRetryLoop(q, func(context.Context) (DrainReport, error) {
		calls.Add(1)
		return DrainReport{}, errors.New("should not run")
	}, testConfig(3))

	r.runOnce(context.Background())
	if calls.Load() != 0 {
		t.Error("drain called on empty queue")
	}
}

func TestRetryLoopStartStop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q := openTestQueue(t, kvstore.NewMemory(), 3)
	_, _ = q.Enqueue(ctx, insertOp("1"))

	drained := make(chan struct{}, 1)
	cfg := Config{MaxRetries: 3, RetryInterval: 10 * time.Millisecond, RetryBackoff: 10 * time.Millisecond, MaxBackoff: time.Second}
	r := NewRetryLoop(q, func(ctx context.Context) (DrainReport, error) {
		report, err := q.Drain(ctx, func(context.Context, operation.Operation) error { return nil })
		select {
		case drained <- struct{}{}:
		default:
		}
		return report, err
	}, cfg)

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !r.IsRunning() {
		t.Error("expected running")
	}

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop never drained")
	}

	r.Stop()
	if r.IsRunning() {
		t.Error("expected stopped")
	}
	if q.Len() != 0 {
		t.Error("queue not drained")
	}
	r.Stop()
}
