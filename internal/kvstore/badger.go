// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/tomtom215/tidesync/internal/logging"
	"github.com/tomtom215/tidesync/internal/metrics"
	"github.com/tomtom215/tidesync/internal/operation"
)

// Badger is a Store on top of BadgerDB. Each Set/Delete is its own transaction.
type Badger struct {
	db     *badger.DB
	config Config

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the BadgerDB store described by cfg.
func Open(cfg *Config) (*Badger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kv store config: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites && !cfg.InMemory
	opts.MemTableSize = cfg.MemTableSize
	opts.ValueLogFileSize = cfg.ValueLogFileSize
	opts.NumCompactors = cfg.NumCompactors
	if cfg.Compression {
		opts.Compression = options.Snappy
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open BadgerDB: %w", operation.ErrStorageIO, err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Bool("sync_writes", opts.SyncWrites).
		Msg("KV store opened")

	return &Badger{db: db, config: *cfg}, nil
}

func (b *Badger) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("%w: %w", operation.ErrStorageIO, ErrClosed)
	}
	return nil
}

// Get implements Store.
func (b *Badger) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	start := time.Now()
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	metrics.RecordKVOperation("get", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", operation.ErrStorageIO, key, err)
	}
	return value, nil
}

// Set implements Store.
func (b *Badger) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	start := time.Now()
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	metrics.RecordKVOperation("set", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%w: set %s: %w", operation.ErrStorageIO, key, err)
	}
	return nil
}

// Delete implements Store.
func (b *Badger) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	start := time.Now()
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	metrics.RecordKVOperation("delete", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%w: delete %s: %w", operation.ErrStorageIO, key, err)
	}
	return nil
}

// Keys implements Store. BadgerDB iterates in byte order, so keys come back sorted.
func (b *Badger) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", operation.ErrStorageIO, prefix, err)
	}
	return keys, nil
}

// RunGC runs value log GC until BadgerDB reports nothing left to rewrite.
func (b *Badger) RunGC() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if b.config.InMemory {
		return nil
	}

	metrics.KVGCRuns.Inc()
	for {
		err := b.db.RunValueLogGC(b.config.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// Close closes BadgerDB, giving up after CloseTimeout.
func (b *Badger) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	timeout := b.config.CloseTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	b.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- b.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("KV store closed")
		return nil
	case <-time.After(timeout):
		logging.Warn().Dur("timeout", timeout).Msg("BadgerDB close timed out")
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}
