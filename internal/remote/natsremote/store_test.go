// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package natsremote

import (
	"context"
	"errors"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/tidesync/internal/operation"
)

func startServer(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv, err := NewEmbeddedServer(&ServerConfig{
		Host:              "127.0.0.1",
		Port:              -1,
		StoreDir:          t.TempDir(),
		JetStreamMaxMem:   64 << 20,
		JetStreamMaxStore: 256 << 20,
		Quiet:             true,
	})
	if err != nil {
		t.Fatalf("NewEmbeddedServer: %v", err)
	}
	return srv
}

func newTestStore(t *testing.T) (*Store, *EmbeddedServer) {
	t.Helper()
	srv := startServer(t)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	cfg := DefaultConfig()
	cfg.MemoryStorage = true
	s, err := Connect(srv.ClientURL(), cfg, natsgo.ReconnectWait(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, srv
}

func TestStoreCRUD(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.CreateTable(ctx, "items"); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := s.Insert(ctx, "items", operation.Record{ID: "a/1", Values: operation.Values{"qty": 1, "title": "milk"}}, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, "items", operation.Record{ID: "a/1"}, false); !errors.Is(err, operation.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if err := s.Insert(ctx, "items", operation.Record{ID: "b", Values: operation.Values{"qty": 3}}, true); err != nil {
		t.Fatalf("Insert replace: %v", err)
	}

	if n, err := s.Update(ctx, "items", operation.ByID("a/1"), operation.Values{"qty": 2}); err != nil || n != 1 {
		t.Fatalf("Update = %d, %v", n, err)
	}
	if _, err := s.Update(ctx, "items", operation.ByID("missing"), operation.Values{"qty": 2}); !errors.Is(err, operation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	recs, err := s.Select(ctx, "items", operation.Selector{}, operation.Ascending("qty"))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "a/1" || recs[0].Values["title"] != "milk" {
		t.Fatalf("Select = %+v", recs)
	}

	if n, err := s.Delete(ctx, "items", operation.Matching(operation.Where("qty", operation.Ge, 3))); err != nil || n != 1 {
		t.Fatalf("Delete by predicate = %d, %v", n, err)
	}
	if _, err := s.Delete(ctx, "items", operation.ByID("b")); !errors.Is(err, operation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRejectsInvalidTable(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.CreateTable(context.Background(), "bad table")
	if !errors.Is(err, operation.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestStoreSubscribeToChanges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	changed := make(chan string, 8)
	sub, err := s.SubscribeToChanges(ctx, "log", operation.Where("store", operation.Eq, "s1"), func(id *string) {
		if id != nil {
			changed <- *id
		}
	})
	if err != nil {
		t.Fatalf("SubscribeToChanges: %v", err)
	}
	defer sub.Close()

	_ = s.Insert(ctx, "log", operation.Record{ID: "other", Values: operation.Values{"store": "s2"}}, false)
	_ = s.Insert(ctx, "log", operation.Record{ID: "mine", Values: operation.Values{"store": "s1"}}, false)

	select {
	case id := <-changed:
		if id != "mine" {
			t.Errorf("notified for %q, want mine", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
}

func TestStoreAvailabilityFollowsConnection(t *testing.T) {
	s, srv := newTestStore(t)
	if !s.Available() {
		t.Fatal("store should be available while connected")
	}

	lost := make(chan struct{}, 1)
	s.OnAvailabilityChange(func(v bool) {
		if !v {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	})

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("availability never dropped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := s.Insert(ctx, "items", operation.Record{ID: "x"}, false)
	if !errors.Is(err, operation.ErrRemoteUnavailable) {
		t.Errorf("expected ErrRemoteUnavailable while disconnected, got %v", err)
	}
}

func TestKeyEncodingRoundTrip(t *testing.T) {
	t.Parallel()
	for _, id := range []string{"simple", "with/slash", "spaces and ü", "a.b*c>"} {
		back, err := decodeKey(encodeKey(id))
		if err != nil || back != id {
			t.Errorf("decodeKey(encodeKey(%q)) = %q, %v", id, back, err)
		}
	}
}
