// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tomtom215/tidesync/internal/operation"
)

func createTestConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "kv")
	cfg.SyncWrites = false
	cfg.MemTableSize = 16 * 1024 * 1024
	cfg.ValueLogFileSize = 16 * 1024 * 1024
	return cfg
}

func openTestBadger(t *testing.T, cfg Config) *Badger {
	t.Helper()
	db, err := Open(&cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// exerciseStore runs the same contract checks against any Store.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	v, err := s.Get(ctx, "missing")
	if err != nil || v != nil {
		t.Fatalf("Get(missing) = %q, %v; want nil, nil", v, err)
	}

	if err := s.Set(ctx, "queue/a", []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "queue/b", []byte("2")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "watermark/a", []byte("3")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, err = s.Get(ctx, "queue/a")
	if err != nil || string(v) != "1" {
		t.Fatalf("Get(queue/a) = %q, %v", v, err)
	}

	keys, err := s.Keys(ctx, "queue/")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "queue/a" || keys[1] != "queue/b" {
		t.Errorf("Keys(queue/) = %v", keys)
	}

	if err := s.Delete(ctx, "queue/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if v, _ := s.Get(ctx, "queue/a"); v != nil {
		t.Errorf("expected deleted key to be absent, got %q", v)
	}
	if err := s.Delete(ctx, "never-set"); err != nil {
		t.Errorf("Delete of absent key should succeed, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemory())
}

func TestMemoryStoreFailure(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	m.Fail(errors.New("disk unplugged"))
	if err := m.Set(context.Background(), "k", []byte("v")); !errors.Is(err, operation.ErrStorageIO) {
		t.Fatalf("expected ErrStorageIO, got %v", err)
	}
	m.Fail(nil)
	if err := m.Set(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}

func TestBadgerStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, openTestBadger(t, createTestConfig(t)))
}

func TestBadgerInMemory(t *testing.T) {
	t.Parallel()

	cfg := createTestConfig(t)
	cfg.InMemory = true
	cfg.Path = ""
	db := openTestBadger(t, cfg)
	exerciseStore(t, db)
	if err := db.RunGC(); err != nil {
		t.Errorf("RunGC on in-memory store: %v", err)
	}
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := createTestConfig(t)
	db, err := Open(&cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Set(ctx, "identity/device", []byte("dev-1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTestBadger(t, cfg)
	v, err := reopened.Get(ctx, "identity/device")
	if err != nil || string(v) != "dev-1" {
		t.Fatalf("after reopen Get = %q, %v", v, err)
	}
}

func TestBadgerClosed(t *testing.T) {
	t.Parallel()

	cfg := createTestConfig(t)
	db, err := Open(&cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	_, err = db.Get(context.Background(), "k")
	if !errors.Is(err, ErrClosed) || !errors.Is(err, operation.ErrStorageIO) {
		t.Errorf("expected ErrClosed wrapped in ErrStorageIO, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"missing path", func(c *Config) { c.Path = "" }, "Path"},
		{"tiny memtable", func(c *Config) { c.MemTableSize = 1024 }, "MemTableSize"},
		{"one compactor", func(c *Config) { c.NumCompactors = 1 }, "NumCompactors"},
		{"bad gc ratio", func(c *Config) { c.GCRatio = 1.5 }, "GCRatio"},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.modify(&cfg)
		err := cfg.Validate()
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("%s: expected ConfigError, got %v", tt.name, err)
			continue
		}
		if cfgErr.Field != tt.field {
			t.Errorf("%s: field = %s, want %s", tt.name, cfgErr.Field, tt.field)
		}
	}

	cfg := DefaultConfig()
	cfg.Path = ""
	cfg.InMemory = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("in-memory config without path should validate, got %v", err)
	}
}
