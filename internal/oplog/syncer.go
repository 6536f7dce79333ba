// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

// Package oplog propagates local operations to other devices through a
// shared, append-only log table on the remote store, and applies the
// operations other devices published to the local cache.
//
// Publishing goes through the resilient write path, so it is deferred while
// the remote is unreachable. Pulling is single-flight: concurrent requests are
// folded into the pass that is already running.
package oplog

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
	"github.com/tomtom215/tidesync/internal/resilient"
	"github.com/tomtom215/tidesync/internal/watermark"
)

// Config identifies the log scope of this syncer.
type Config struct {
	StoreID  string
	DeviceID string

	// Timeout bounds the remote log query of one pass.
	Timeout time.Duration

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// PullReport summarises one PullAndApply call.
type PullReport struct {
	Passes    int       `json:"passes"`
	Fetched   int       `json:"fetched"`
	Applied   int       `json:"applied"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Watermark time.Time `json:"watermark"`
}

func (r *PullReport) add(o PullReport) {
	r.Passes += o.Passes
	r.Fetched += o.Fetched
	r.Applied += o.Applied
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Watermark = o.Watermark
}

type pullResult struct {
	report PullReport
	err    error
}

// Syncer publishes and pulls operation log records for one (store, device).
type Syncer struct {
	store     string
	device    string
	remote    remote.Store
	local     operation.Target
	writes    *resilient.Path
	watermark *watermark.Tracker
	timeout   time.Duration
	now       func() time.Time

	clockMu       sync.Mutex
	lastPublished time.Time

	// mu guards the single-flight state.
	mu      sync.Mutex
	running bool
	dirty   bool
	waiters []chan pullResult
}

// New creates a syncer. remote is read directly for pulls; writes go through w.
// New installs Restamp as w's replay hook, so log records that were queued
// carry the time they actually reach the remote.
func New(cfg Config, r remote.Store, local operation.Target, w *resilient.Path, wm *watermark.Tracker) (*Syncer, error) {
	switch {
	case cfg.StoreID == "":
		return nil, fmt.Errorf("store identifier required")
	case cfg.DeviceID == "":
		return nil, fmt.Errorf("device identifier required")
	case r == nil || local == nil || w == nil || wm == nil:
		return nil, fmt.Errorf("remote, local cache, write path and watermark are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = resilient.DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Syncer{
		store:     cfg.StoreID,
		device:    cfg.DeviceID,
		remote:    r,
		local:     local,
		writes:    w,
		watermark: wm,
		timeout:   cfg.Timeout,
		now:       cfg.Now,
	}
	w.SetReplayHook(s.Restamp)
	return s, nil
}

// timestamp returns a publication time strictly after the previous one, so
// this device's records keep their order at microsecond resolution.
func (s *Syncer) timestamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	at := s.now().UTC().Truncate(time.Microsecond)
	if !at.After(s.lastPublished) {
		at = s.lastPublished.Add(time.Microsecond)
	}
	s.lastPublished = at
	return at
}

// Restamp gives a queued log insert of this device a fresh timestamp. Peers
// pull by timestamp, so a record landing with the time it was first queued
// could fall below a watermark they already passed. Other operations are
// returned unchanged.
func (s *Syncer) Restamp(op operation.Operation) operation.Operation {
	if op.Table != operation.LogTable || op.Kind != operation.KindInsert {
		return op
	}
	if store, _ := op.Values[operation.ColumnStore].(string); store != s.store {
		return op
	}
	if device, _ := op.Values[operation.ColumnDevice].(string); device != s.device {
		return op
	}
	op.Values = op.Values.Clone()
	op.Values[operation.ColumnTimestamp] = s.timestamp().UnixMicro()
	return op
}

// Publish appends op, which has already been applied locally, to the shared
// log. It returns true when the record reached the remote immediately and
// false when it was queued.
func (s *Syncer) Publish(ctx context.Context, op operation.Operation) (bool, error) {
	lr := operation.NewLogRecord(s.store, s.device, s.timestamp(), op)
	insert, err := lr.InsertOperation()
	if err != nil {
		return false, err
	}

	applied, err := s.writes.Execute(ctx, insert, true)
	if err != nil {
		return false, fmt.Errorf("publish %s: %w", op, err)
	}
	if applied {
		metrics.OplogPublished.WithLabelValues("applied").Inc()
	} else {
		metrics.OplogPublished.WithLabelValues("queued").Inc()
	}
	logging.Ctx(ctx).Debug().
		Str("log_id", lr.ID).
		Str("operation", op.String()).
		Bool("applied", applied).
		Msg("Operation published")
	return applied, nil
}

// PullAndApply fetches foreign records newer than the synchronization
// watermark and applies them in timestamp order.
//
// Calls never overlap. A call made while a pass is running marks it dirty
// and waits; the running pass then repeats once more and every waiter gets
// the combined report. ctx is only consulted before the first pass starts.
func (s *Syncer) PullAndApply(ctx context.Context) (PullReport, error) {
	if err := ctx.Err(); err != nil {
		return PullReport{}, err
	}

	s.mu.Lock()
	if s.running {
		s.dirty = true
		ch := make(chan pullResult, 1)
		s.waiters = append(s.waiters, ch)
		s.mu.Unlock()

		metrics.OplogPullsCoalesced.Inc()
		select {
		case res := <-ch:
			return res.report, res.err
		case <-ctx.Done():
			return PullReport{}, ctx.Err()
		}
	}
	s.running = true
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	var total PullReport
	var err error
	for {
		report, passErr := s.pass(ctx)
		total.add(report)
		err = passErr

		s.mu.Lock()
		if !s.dirty {
			s.running = false
			waiters := s.waiters
			s.waiters = nil
			s.mu.Unlock()

			for _, ch := range waiters {
				ch <- pullResult{report: total, err: err}
			}
			return total, err
		}
		s.dirty = false
		s.mu.Unlock()
	}
}

// pass runs one query-and-apply cycle. The watermark advances past a record
// only while every earlier record of the pass applied.
func (s *Syncer) pass(ctx context.Context) (PullReport, error) {
	start := time.Now()
	defer func() { metrics.OplogPullDuration.Observe(time.Since(start).Seconds()) }()

	report := PullReport{Passes: 1}
	since, appliedIDs := s.watermark.Cursor()
	applied := make(map[string]struct{}, len(appliedIDs))
	for _, id := range appliedIDs {
		applied[id] = struct{}{}
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	rows, err := s.remote.Select(queryCtx,
		operation.LogTable,
		operation.Matching(operation.PullPredicate(s.store, s.device, since)),
		operation.Ascending(operation.ColumnTimestamp))
	cancel()
	if err != nil {
		report.Watermark = since
		return report, fmt.Errorf("query operation log: %w", err)
	}
	blocked := false
	for _, row := range rows {
		if _, done := applied[row.ID]; done && atInstant(row, since) {
			continue
		}
		report.Fetched++

		lr, err := operation.LogRecordFromRecord(row)
		if err != nil {
			// Malformed rows can never apply; skipping keeps the log moving.
			logging.Ctx(ctx).Error().Err(err).Str("log_id", row.ID).Msg("Skipping malformed log record")
			report.Skipped++
			continue
		}
		if lr.StoreID != s.store || lr.DeviceID == s.device {
			report.Skipped++
			continue
		}

		if err := s.apply(ctx, lr.Operation); err != nil {
			blocked = true
			report.Failed++
			metrics.OplogApplied.WithLabelValues("failed").Inc()
			logging.Ctx(ctx).Warn().
				Err(err).
				Str("log_id", lr.ID).
				Str("origin_device", lr.DeviceID).
				Time("timestamp", lr.Timestamp).
				Msg("Failed to apply pulled operation, will retry on next pull")
			continue
		}
		report.Applied++
		metrics.OplogApplied.WithLabelValues("applied").Inc()

		if blocked {
			continue
		}
		if _, err := s.watermark.AdvanceSynchronization(ctx, lr.Timestamp, lr.ID); err != nil {
			report.Watermark = s.watermark.LastSynchronization()
			return report, fmt.Errorf("advance watermark: %w", err)
		}
	}

	report.Watermark = s.watermark.LastSynchronization()
	if report.Fetched > 0 {
		logging.Ctx(ctx).Info().
			Int("fetched", report.Fetched).
			Int("applied", report.Applied).
			Int("failed", report.Failed).
			Time("watermark", report.Watermark).
			Msg("Pulled operation log")
	}
	return report, nil
}

// atInstant reports whether the log row is stamped exactly at.
func atInstant(row operation.Record, at time.Time) bool {
	micros, ok := operation.ToFloat(row.Values[operation.ColumnTimestamp])
	return ok && int64(micros) == at.UnixMicro()
}

// apply runs a foreign operation against the local cache. Inserts upsert and
// updates or deletes of missing records are no-ops, so a record that is
// pulled again behind a blocked watermark converges to the same state.
func (s *Syncer) apply(ctx context.Context, op operation.Operation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("%w: %w", operation.ErrApplyFailure, err)
	}

	var err error
	switch op.Kind {
	case operation.KindInsert:
		err = s.local.Insert(ctx, op.Table, operation.Record{ID: op.RecordID, Values: op.Values.Clone()}, true)
	case operation.KindUpdate:
		_, err = s.local.Update(ctx, op.Table, op.Selector(), op.Values)
	case operation.KindDelete:
		_, err = s.local.Delete(ctx, op.Table, op.Selector())
	}
	if errors.Is(err, operation.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", operation.ErrApplyFailure, op, err)
	}
	return nil
}

// HandleNotification is the change-notification entry point. It pulls and
// logs the outcome; transports never see an error.
func (s *Syncer) HandleNotification(ctx context.Context, recordID *string) {
	ev := logging.Ctx(ctx).Debug()
	if recordID != nil {
		ev = ev.Str("record_id", *recordID)
	}
	ev.Msg("Change notification received")

	if _, err := s.PullAndApply(ctx); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Pull after change notification failed")
	}
}

// StoreID returns the store this syncer is scoped to.
func (s *Syncer) StoreID() string { return s.store }

// DeviceID returns this device's identifier.
func (s *Syncer) DeviceID() string { return s.device }
