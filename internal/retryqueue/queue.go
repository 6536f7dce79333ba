// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

// Package retryqueue is the durable FIFO of writes that could not reach the
// remote store.
//
// The queue for one store is a single JSON list in the local KV, rewritten
// after every append, removal and attempt increment. A crash therefore loses
// at most the mutation in flight; an entry that was executed but not yet
// removed is executed again after restart (at-least-once).
package retryqueue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/tidesync/internal/kvstore"
	"github.com/tomtom215/tidesync/internal/logging"
	"github.com/tomtom215/tidesync/internal/metrics"
	"github.com/tomtom215/tidesync/internal/operation"
)

// Entry is one deferred operation.
type Entry struct {
	ID            string              `json:"id"`
	EnqueuedAt    time.Time           `json:"enqueued_at"`
	Operation     operation.Operation `json:"operation"`
	Attempts      int                 `json:"attempts"`
	LastAttemptAt time.Time           `json:"last_attempt_at,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
}

// Discard is an entry dropped during a drain and why.
type Discard struct {
	Entry  Entry  `json:"entry"`
	Reason string `json:"reason"`
}

// DrainReport summarises one drain pass.
type DrainReport struct {
	Succeeded []Entry   `json:"succeeded"`
	Failed    []Entry   `json:"failed"`
	Discarded []Discard `json:"discarded"`
}

// Attempted is the number of entries executed during the pass.
func (r DrainReport) Attempted() int {
	return len(r.Succeeded) + len(r.Failed) + len(r.Discarded)
}

// Stats describes the queue for diagnostics.
type Stats struct {
	Pending       int       `json:"pending"`
	TotalAttempts int       `json:"total_attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	OldestEntry   time.Time `json:"oldest_entry,omitempty"`
}

// Executor runs one queued operation against the remote store.
type Executor func(ctx context.Context, op operation.Operation) error

// ErrDrainCanceled is returned when the context is done before a pass starts.
var ErrDrainCanceled = errors.New("drain canceled before start")

// ErrNotAttempted is returned by an executor that did not run the operation,
// for example because the remote went away. Drain stops the pass and leaves
// the entry and its attempt count untouched.
var ErrNotAttempted = errors.New("operation not attempted")

// Queue is the durable retry queue of one store.
type Queue struct {
	kv         kvstore.Store
	store      string
	maxRetries int

	// drainMu serializes drain passes; mu guards entries and persistence.
	drainMu sync.Mutex
	mu      sync.Mutex
	entries []Entry
}

// Open loads the persisted queue for store.
func Open(ctx context.Context, kv kvstore.Store, store string, cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry queue config: %w", err)
	}

	q := &Queue{kv: kv, store: store, maxRetries: cfg.MaxRetries}
	raw, err := kv.Get(ctx, q.key())
	if err != nil {
		return nil, fmt.Errorf("load retry queue: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &q.entries); err != nil {
			return nil, fmt.Errorf("%w: decode retry queue: %w", operation.ErrStorageIO, err)
		}
	}

	metrics.QueuePending.WithLabelValues(store).Set(float64(len(q.entries)))
	if len(q.entries) > 0 {
		logging.Info().
			Str("store", store).
			Int("pending", len(q.entries)).
			Msg("Retry queue recovered pending operations")
	}
	return q, nil
}

func (q *Queue) key() string {
	return "retryqueue/" + q.store
}

// commitLocked persists next and, only once it is durable, makes it the
// in-memory queue. Must be called with mu held.
func (q *Queue) commitLocked(ctx context.Context, next []Entry) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("%w: encode retry queue: %w", operation.ErrStorageIO, err)
	}
	if err := q.kv.Set(ctx, q.key(), data); err != nil {
		return fmt.Errorf("persist retry queue: %w", err)
	}
	q.entries = next
	metrics.QueuePending.WithLabelValues(q.store).Set(float64(len(next)))
	return nil
}

// Enqueue appends op with zero attempts and persists the queue.
// On a storage failure the entry is not kept.
func (q *Queue) Enqueue(ctx context.Context, op operation.Operation) (Entry, error) {
	entry := Entry{
		ID:         uuid.NewString(),
		EnqueuedAt: time.Now().UTC(),
		Operation:  op,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	next := append(slices.Clone(q.entries), entry)
	if err := q.commitLocked(ctx, next); err != nil {
		return Entry{}, err
	}

	metrics.QueueEnqueued.WithLabelValues(q.store).Inc()
	logging.Ctx(ctx).Debug().
		Str("entry_id", entry.ID).
		Stringer("operation", op).
		Int("pending", len(q.entries)).
		Msg("Operation deferred to retry queue")
	return entry, nil
}

// Drain executes every entry present when the pass starts, oldest first.
//
// Success removes the entry. A retryable failure increments Attempts and the
// entry stays unless it reached MaxRetries, in which case it is discarded.
// Permanent failures (duplicate, not found) are discarded at once. A failure
// never stops the pass; a persistence failure does and is returned, leaving
// the entry as it was. ErrNotAttempted ends the pass quietly.
//
// Passes are serialized. Once started a pass ignores ctx cancellation.
func (q *Queue) Drain(ctx context.Context, exec Executor) (DrainReport, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var report DrainReport
	if ctx.Err() != nil {
		return report, ErrDrainCanceled
	}
	ctx = context.WithoutCancel(ctx)

	q.mu.Lock()
	pending := make([]Entry, len(q.entries))
	copy(pending, q.entries)
	q.mu.Unlock()

	if len(pending) == 0 {
		return report, nil
	}

	start := time.Now()
	for _, e := range pending {
		err := exec(ctx, e.Operation)
		if errors.Is(err, ErrNotAttempted) {
			logging.Ctx(ctx).Debug().Err(err).Str("store", q.store).Msg("Retry queue drain stopped, entry not attempted")
			break
		}
		if perr := q.settle(ctx, e, err, &report); perr != nil {
			logging.Ctx(ctx).Error().Err(perr).Str("store", q.store).Msg("Retry queue drain aborted")
			q.recordDrain(report, start)
			return report, perr
		}
	}

	q.recordDrain(report, start)
	return report, nil
}

// settle applies the outcome of one attempt. The report and the in-memory
// queue change only after the new queue is persisted.
func (q *Queue) settle(ctx context.Context, e Entry, err error, report *DrainReport) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(e.ID)
	if idx < 0 {
		return nil
	}
	next := slices.Clone(q.entries)

	switch {
	case err == nil:
		next = slices.Delete(next, idx, idx+1)
		if perr := q.commitLocked(ctx, next); perr != nil {
			return perr
		}
		report.Succeeded = append(report.Succeeded, e)

	case operation.IsPermanent(err):
		next = slices.Delete(next, idx, idx+1)
		if perr := q.commitLocked(ctx, next); perr != nil {
			return perr
		}
		e.LastError = err.Error()
		report.Discarded = append(report.Discarded, Discard{Entry: e, Reason: err.Error()})
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("entry_id", e.ID).
			Stringer("operation", e.Operation).
			Msg("Retry queue: discarding operation the remote store rejected")

	default:
		updated := next[idx]
		updated.Attempts++
		updated.LastAttemptAt = time.Now().UTC()
		updated.LastError = err.Error()

		if updated.Attempts >= q.maxRetries {
			next = slices.Delete(next, idx, idx+1)
			if perr := q.commitLocked(ctx, next); perr != nil {
				return perr
			}
			report.Discarded = append(report.Discarded, Discard{
				Entry:  updated,
				Reason: fmt.Sprintf("max retries (%d) exceeded: %s", q.maxRetries, err),
			})
			logging.Ctx(ctx).Warn().
				Str("entry_id", updated.ID).
				Int("attempts", updated.Attempts).
				Int("max_retries", q.maxRetries).
				Stringer("operation", updated.Operation).
				Msg("Retry queue: entry exceeded max retries, discarding")
			return nil
		}

		next[idx] = updated
		if perr := q.commitLocked(ctx, next); perr != nil {
			return perr
		}
		report.Failed = append(report.Failed, updated)
	}
	return nil
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.entries {
		if q.entries[i].ID == id {
			return i
		}
	}
	return -1
}


func (q *Queue) recordDrain(report DrainReport, start time.Time) {
	metrics.RecordDrain(q.store, len(report.Succeeded), len(report.Failed), len(report.Discarded), time.Since(start))
	if report.Attempted() > 0 {
		logging.Info().
			Str("store", q.store).
			Int("succeeded", len(report.Succeeded)).
			Int("failed", len(report.Failed)).
			Int("discarded", len(report.Discarded)).
			Dur("duration", time.Since(start)).
			Msg("Retry queue drain complete")
	}
}

// HasPending reports whether any queued entry writes to table.
func (q *Queue) HasPending(table string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Operation.Table == table {
			return true
		}
	}
	return false
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the pending entries in queue order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{Pending: len(q.entries)}
	for _, e := range q.entries {
		stats.TotalAttempts += e.Attempts
		if e.Attempts > stats.MaxAttempts {
			stats.MaxAttempts = e.Attempts
		}
		if stats.OldestEntry.IsZero() || e.EnqueuedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = e.EnqueuedAt
		}
	}
	return stats
}
