// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

// Package engine is the store facade applications use. It applies writes to
// the local cache, replicates them to the remote store through the resilient
// write path and publishes them to the operation log. Reads are always local.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/tidesync/internal/identity"
	"github.com/tomtom215/tidesync/internal/kvstore"
	"github.com/tomtom215/tidesync/internal/logging"
	"github.com/tomtom215/tidesync/internal/operation"
	"github.com/tomtom215/tidesync/internal/oplog"
	"github.com/tomtom215/tidesync/internal/remote"
	"github.com/tomtom215/tidesync/internal/resilient"
	"github.com/tomtom215/tidesync/internal/retryqueue"
	"github.com/tomtom215/tidesync/internal/watermark"
)

// Deps are the collaborators an engine is built on. The engine does not
// close them.
type Deps struct {
	KV     kvstore.Store
	Cache  operation.Target
	Remote remote.Store
}

// PublishedFunc is called after a log record reached the remote store.
type PublishedFunc func(ctx context.Context, logID string)

// Options configure an engine.
type Options struct {
	StoreID string

	// Identity resolves the device identifier. Defaults to a provider over Deps.KV.
	Identity *identity.Provider

	Queue         retryqueue.Config
	RemoteTimeout time.Duration

	// OnPublished is notified of every log record that reached the remote.
	OnPublished PublishedFunc

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// Status is a diagnostic snapshot.
type Status struct {
	StoreID            string           `json:"store_id"`
	DeviceID           string           `json:"device_id"`
	RemoteAvailable    bool             `json:"remote_available"`
	SubscriptionActive bool             `json:"subscription_active"`
	Watermark          watermark.State  `json:"watermark"`
	Queue              retryqueue.Stats `json:"queue"`
}

// Engine is one (store, device) replica.
type Engine struct {
	store  string
	device string
	now    func() time.Time

	cache     operation.Target
	remote    remote.Store
	queue     *retryqueue.Queue
	writes    *resilient.Path
	syncer    *oplog.Syncer
	watermark *watermark.Tracker
	timeout   time.Duration

	onPublished      PublishedFunc
	stopAvailability func()

	// setupMu serializes remote setup; sub is the live log subscription.
	setupMu sync.Mutex
	sub     remote.Subscription

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Open builds an engine, performs remote setup when the remote is reachable
// and runs an initial pull. An unreachable remote is not an error.
func Open(ctx context.Context, deps Deps, opts Options) (*Engine, error) {
	if deps.KV == nil || deps.Cache == nil || deps.Remote == nil {
		return nil, errors.New("kv store, cache and remote store are required")
	}
	store, err := identity.ParseStoreID(opts.StoreID)
	if err != nil {
		return nil, err
	}
	if opts.Identity == nil {
		opts.Identity = identity.NewProvider(deps.KV)
	}
	if opts.Queue == (retryqueue.Config{}) {
		opts.Queue = retryqueue.DefaultConfig()
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = resilient.DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	device, err := opts.Identity.DeviceIdentifier(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve device identifier: %w", err)
	}

	wm, err := watermark.Load(ctx, deps.KV, store.String(), device)
	if err != nil {
		return nil, err
	}
	queue, err := retryqueue.Open(ctx, deps.KV, store.String(), opts.Queue)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:     store.String(),
		device:    device,
		now:       opts.Now,
		cache:     deps.Cache,
		remote:    deps.Remote,
		queue:     queue,
		watermark: wm,
		timeout:   opts.RemoteTimeout,
	}

	e.onPublished = opts.OnPublished
	writes, err := resilient.New(deps.Remote, queue,
		resilient.WithTimeout(opts.RemoteTimeout),
		resilient.WithAfterSuccess(e.afterRemoteWrite))
	if err != nil {
		return nil, err
	}
	e.writes = writes

	e.syncer, err = oplog.New(oplog.Config{
		StoreID:  e.store,
		DeviceID: device,
		Timeout:  opts.RemoteTimeout,
		Now:      opts.Now,
	}, deps.Remote, deps.Cache, writes, wm)
	if err != nil {
		return nil, err
	}
	writes.Start()

	e.stopAvailability = deps.Remote.OnAvailabilityChange(func(available bool) {
		if available {
			e.background(func(ctx context.Context) {
				e.establish(ctx)
				e.syncer.HandleNotification(ctx, nil)
			})
		}
	})

	e.establish(ctx)
	if _, err := e.syncer.PullAndApply(ctx); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Initial pull failed, will retry when the remote is reachable")
	}

	logging.Info().
		Str("store", e.store).
		Str("device", e.device).
		Bool("remote_available", deps.Remote.Available()).
		Int("pending", queue.Len()).
		Msg("Sync engine opened")
	return e, nil
}

// establish performs the one-time remote setup: the log table and the
// store-scoped change subscription. It is retried on every availability
// restoration until it succeeds.
func (e *Engine) establish(ctx context.Context) {
	e.setupMu.Lock()
	defer e.setupMu.Unlock()
	if e.sub != nil || !e.remote.Available() {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.remote.CreateTable(callCtx, operation.LogTable); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Could not create the remote operation log")
		return
	}

	pred := operation.Where(operation.ColumnStore, operation.Eq, e.store).
		And(operation.ColumnDevice, operation.Ne, e.device)
	sub, err := e.remote.SubscribeToChanges(callCtx, operation.LogTable, pred, func(recordID *string) {
		e.syncer.HandleNotification(logging.ContextWithNewCorrelationID(context.Background()), recordID)
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Could not subscribe to operation log changes")
		return
	}
	e.sub = sub

	if err := e.watermark.MarkSubscriptionEstablished(ctx); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Failed to persist subscription state")
	}
	logging.Ctx(ctx).Info().Str("store", e.store).Msg("Subscribed to operation log")
}

// background runs fn on its own goroutine unless the engine is closed.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(logging.ContextWithNewCorrelationID(context.Background()))
	}()
}

// CreateTable creates table locally and, when reachable, remotely.
func (e *Engine) CreateTable(ctx context.Context, table string) error {
	if err := e.cache.CreateTable(ctx, table); err != nil {
		return err
	}
	if !e.remote.Available() {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.remote.CreateTable(callCtx, table); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("table", table).Msg("Remote table creation failed, remote will create it on first write")
	}
	return nil
}

// Insert adds rec to table. A duplicate ID without replace fails locally with
// ErrDuplicateID before anything is replicated.
func (e *Engine) Insert(ctx context.Context, table string, rec operation.Record, replace bool) error {
	op := operation.Insert(table, rec.ID, rec.Values, replace)
	if err := operation.Apply(ctx, e.cache, op); err != nil {
		return err
	}
	return e.replicate(ctx, op)
}

// Update applies set to the records sel addresses and returns how many
// changed locally. Updating a missing ID fails with ErrNotFound.
func (e *Engine) Update(ctx context.Context, table string, sel operation.Selector, set operation.Values) (int, error) {
	op := operation.Update(table, sel, set)
	if err := op.Validate(); err != nil {
		return 0, err
	}
	n, err := e.cache.Update(ctx, table, sel, set)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return n, e.replicate(ctx, op)
}

// Delete removes the records sel addresses and returns how many were removed
// locally. Deleting a missing ID fails with ErrNotFound.
func (e *Engine) Delete(ctx context.Context, table string, sel operation.Selector) (int, error) {
	op := operation.Delete(table, sel)
	if err := op.Validate(); err != nil {
		return 0, err
	}
	n, err := e.cache.Delete(ctx, table, sel)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return n, e.replicate(ctx, op)
}

// Select reads from the local cache.
func (e *Engine) Select(ctx context.Context, table string, sel operation.Selector, order *operation.Ordering) ([]operation.Record, error) {
	return e.cache.Select(ctx, table, sel, order)
}

// replicate records the modification and writes op to the remote store.
// The log record is published once the remote write succeeds, which may be
// later, from a drain of the retry queue.
func (e *Engine) replicate(ctx context.Context, op operation.Operation) error {
	if err := e.watermark.TouchModification(ctx, e.now()); err != nil {
		return err
	}
	if _, err := e.writes.Execute(ctx, op, true); err != nil {
		return fmt.Errorf("replicate %s: %w", op, err)
	}
	return nil
}

// afterRemoteWrite runs for every write the remote store accepted.
func (e *Engine) afterRemoteWrite(ctx context.Context, op operation.Operation) {
	if op.Table == operation.LogTable {
		if e.onPublished != nil && op.Kind == operation.KindInsert {
			e.onPublished(ctx, op.RecordID)
		}
		return
	}
	if _, err := e.syncer.Publish(ctx, op); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("operation", op.String()).Msg("Failed to publish operation to the log")
	}
}

// PullAndApply pulls foreign log records.
func (e *Engine) PullAndApply(ctx context.Context) (oplog.PullReport, error) {
	return e.syncer.PullAndApply(ctx)
}

// HandleNotification is the entry point for external change notifications.
func (e *Engine) HandleNotification(ctx context.Context, recordID *string) {
	e.syncer.HandleNotification(ctx, recordID)
}

// Drain replays the retry queue now.
func (e *Engine) Drain(ctx context.Context) (retryqueue.DrainReport, error) {
	return e.writes.Drain(ctx)
}

// Queue exposes the retry queue, used by the retry loop.
func (e *Engine) Queue() *retryqueue.Queue {
	return e.queue
}

// StoreID returns the store identifier.
func (e *Engine) StoreID() string { return e.store }

// DeviceID returns the device identifier.
func (e *Engine) DeviceID() string { return e.device }

// Status returns a diagnostic snapshot.
func (e *Engine) Status() Status {
	e.setupMu.Lock()
	active := e.sub != nil
	e.setupMu.Unlock()

	return Status{
		StoreID:            e.store,
		DeviceID:           e.device,
		RemoteAvailable:    e.remote.Available(),
		SubscriptionActive: active,
		Watermark:          e.watermark.Snapshot(),
		Queue:              e.queue.Stats(),
	}
}

// Close stops background work. Collaborators in Deps stay open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.stopAvailability()
	e.wg.Wait()
	e.writes.Close()

	e.setupMu.Lock()
	defer e.setupMu.Unlock()
	if e.sub != nil {
		err := e.sub.Close()
		e.sub = nil
		return err
	}
	return nil
}
