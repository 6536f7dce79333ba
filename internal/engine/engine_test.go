// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/tidesync/internal/cache"
	"github.com/tomtom215/tidesync/internal/identity"
	"github.com/tomtom215/tidesync/internal/kvstore"
	"github.com/tomtom215/tidesync/internal/operation"
	"github.com/tomtom215/tidesync/internal/remote"
)

type testDevice struct {
	engine *Engine
	link   *link
	kv     *kvstore.Memory
}

func openDevice(t *testing.T, shared *remote.Memory, store, deviceID string, opts ...func(*Options)) *testDevice {
	t.Helper()
	return openDeviceOn(t, newLink(shared), store, deviceID, opts...)
}

func openDeviceOn(t *testing.T, l *link, store, deviceID string, opts ...func(*Options)) *testDevice {
	t.Helper()
	kv := kvstore.NewMemory()
	c, err := cache.Open(cache.Config{Driver: cache.DriverSQLite})
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	o := Options{
		StoreID:       store,
		Identity:      identity.NewProvider(kv, identity.WithOverride(deviceID)),
		RemoteTimeout: time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}

	e, err := Open(context.Background(), Deps{KV: kv, Cache: c, Remote: l}, o)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return &testDevice{engine: e, link: l, kv: kv}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (d *testDevice) value(t *testing.T, table, id, column string) (any, bool) {
	t.Helper()
	recs, err := d.engine.Select(context.Background(), table, operation.ByID(id), nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(recs) == 0 {
		return nil, false
	}
	return recs[0].Values[column], true
}

func numberIs(v any, want float64) bool {
	f, ok := operation.ToFloat(v)
	return ok && f == want
}

func TestScenarioOfflineInsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()
	a := openDevice(t, shared, "groceries", "device-a")

	a.link.Set(false)
	if err := a.engine.Insert(ctx, "items", operation.Record{ID: "1", Values: operation.Values{"x": 123}}, false); err != nil {
		t.Fatalf("offline Insert: %v", err)
	}
	if n := a.engine.Queue().Len(); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}

	a.link.Set(true)
	eventually(t, "queue drain", func() bool { return a.engine.Queue().Len() == 0 })

	if v, ok := a.value(t, "items", "1", "x"); !ok || !numberIs(v, 123) {
		t.Errorf("select on A = %v, %v; want 123", v, ok)
	}
	recs, _ := shared.Select(ctx, "items", operation.ByID("1"), nil)
	if len(recs) != 1 || !numberIs(recs[0].Values["x"], 123) {
		t.Errorf("remote record = %+v", recs)
	}
	eventually(t, "log publication", func() bool {
		rows, _ := shared.Select(ctx, operation.LogTable, operation.Selector{}, nil)
		return len(rows) == 1
	})
}

func TestScenarioOfflinePeerUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()
	a := openDevice(t, shared, "groceries", "device-a")
	b := openDevice(t, shared, "groceries", "device-b")

	if err := a.engine.Insert(ctx, "items", operation.Record{ID: "1", Values: operation.Values{"x": 1}}, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	eventually(t, "B receives insert", func() bool {
		v, ok := b.value(t, "items", "1", "x")
		return ok && numberIs(v, 1)
	})

	b.link.Set(false)
	n, err := a.engine.Update(ctx, "items", operation.ByID("1"), operation.Values{"x": 3847})
	if err != nil || n != 1 {
		t.Fatalf("Update = %d, %v", n, err)
	}
	if v, _ := b.value(t, "items", "1", "x"); !numberIs(v, 1) {
		t.Fatalf("offline B already sees %v", v)
	}

	b.link.Set(true)
	eventually(t, "B pulls update", func() bool {
		v, ok := b.value(t, "items", "1", "x")
		return ok && numberIs(v, 3847)
	})
}

func TestWriteQueuedBehindEarlierWriteToSameTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()
	a := openDevice(t, shared, "groceries", "device-a")
	b := openDevice(t, shared, "groceries", "device-b")

	var failed atomic.Bool
	shared.SetFailure(func(method, table string) error {
		if method == "insert" && table == "items" && failed.CompareAndSwap(false, true) {
			return operation.ErrRemoteUnavailable
		}
		return nil
	})

	if err := a.engine.Insert(ctx, "items", operation.Record{ID: "1", Values: operation.Values{"x": 1}}, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if n := a.engine.Queue().Len(); n != 1 {
		t.Fatalf("queue length = %d, want the failed insert queued", n)
	}

	// The update must not reach the remote ahead of the queued insert.
	n, err := a.engine.Update(ctx, "items", operation.ByID("1"), operation.Values{"x": 2})
	if err != nil || n != 1 {
		t.Fatalf("Update = %d, %v", n, err)
	}

	eventually(t, "queue drain", func() bool { return a.engine.Queue().Len() == 0 })
	recs, _ := shared.Select(ctx, "items", operation.ByID("1"), nil)
	if len(recs) != 1 || !numberIs(recs[0].Values["x"], 2) {
		t.Fatalf("remote record = %+v, want x=2", recs)
	}
	eventually(t, "B receives both writes", func() bool {
		v, ok := b.value(t, "items", "1", "x")
		return ok && numberIs(v, 2)
	})
}

func TestScenarioOfflineDeleteAndFreshDevice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()
	a := openDevice(t, shared, "groceries", "device-a")

	if err := a.engine.Insert(ctx, "items", operation.Record{ID: "1", Values: operation.Values{"x": 5}}, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	a.link.Set(false)
	n, err := a.engine.Delete(ctx, "items", operation.ByID("1"))
	if err != nil || n != 1 {
		t.Fatalf("offline Delete = %d, %v", n, err)
	}
	if _, ok := a.value(t, "items", "1", "x"); ok {
		t.Fatal("record still visible on A after delete")
	}

	a.link.Set(true)
	eventually(t, "queue drain", func() bool { return a.engine.Queue().Len() == 0 })
	eventually(t, "log holds insert and delete", func() bool {
		rows, _ := shared.Select(ctx, operation.LogTable, operation.Selector{}, nil)
		return len(rows) == 2
	})

	c := openDevice(t, shared, "groceries", "device-c")
	if _, ok := c.value(t, "items", "1", "x"); ok {
		t.Error("fresh device C sees the deleted record")
	}
	if _, ok := a.value(t, "items", "1", "x"); ok {
		t.Error("device A sees the deleted record")
	}
	if c.engine.Status().Watermark.LastSynchronization.IsZero() {
		t.Error("device C should have advanced its watermark over the log")
	}
}

func TestLocalErrorsSurfaceWithoutReplication(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()
	a := openDevice(t, shared, "groceries", "device-a")

	if err := a.engine.Insert(ctx, "items", operation.Record{ID: "1"}, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	inserts := shared.Calls("insert")

	if err := a.engine.Insert(ctx, "items", operation.Record{ID: "1"}, false); !errors.Is(err, operation.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if _, err := a.engine.Update(ctx, "items", operation.ByID("nope"), operation.Values{"x": 1}); !errors.Is(err, operation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := a.engine.Delete(ctx, "items", operation.ByID("nope")); !errors.Is(err, operation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if shared.Calls("insert") != inserts || shared.Calls("update") != 0 || shared.Calls("delete") != 0 {
		t.Error("rejected local writes must not reach the remote")
	}

	n, err := a.engine.Update(ctx, "items", operation.Matching(operation.Where("x", operation.Eq, 42)), operation.Values{"x": 1})
	if err != nil || n != 0 {
		t.Errorf("predicate update with no match = %d, %v", n, err)
	}
}

func TestReplaceInsertUpserts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()
	a := openDevice(t, shared, "groceries", "device-a")
	b := openDevice(t, shared, "groceries", "device-b")

	_ = a.engine.Insert(ctx, "items", operation.Record{ID: "1", Values: operation.Values{"x": 1}}, false)
	if err := a.engine.Insert(ctx, "items", operation.Record{ID: "1", Values: operation.Values{"x": 2}}, true); err != nil {
		t.Fatalf("replace Insert: %v", err)
	}
	eventually(t, "B converges", func() bool {
		v, ok := b.value(t, "items", "1", "x")
		return ok && numberIs(v, 2)
	})
}

func TestDevicesNeverReapplyOwnOperations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()
	a := openDevice(t, shared, "groceries", "device-a")

	for _, id := range []string{"1", "2", "3"} {
		_ = a.engine.Insert(ctx, "items", operation.Record{ID: id}, false)
	}
	report, err := a.engine.PullAndApply(ctx)
	if err != nil || report.Fetched != 0 {
		t.Fatalf("own pull = %+v, %v", report, err)
	}
}

func TestStoresDoNotCrossTalk(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()
	a := openDevice(t, shared, "work", "device-a")
	b := openDevice(t, shared, "home", "device-b")

	_ = a.engine.Insert(ctx, "notes", operation.Record{ID: "1", Values: operation.Values{"t": "x"}}, false)
	if _, err := b.engine.PullAndApply(ctx); err != nil {
		t.Fatalf("PullAndApply: %v", err)
	}
	if _, ok := b.value(t, "notes", "1", "t"); ok {
		t.Error("store home received a record from store work")
	}
}

func TestOpenWhileOfflineEstablishesLater(t *testing.T) {
	t.Parallel()
	shared := remote.NewMemory()
	l := newLink(shared)
	l.Set(false)

	d := openDeviceOn(t, l, "groceries", "device-a")
	st := d.engine.Status()
	if st.RemoteAvailable || st.SubscriptionActive || st.Watermark.SubscriptionEstablished {
		t.Fatalf("offline status = %+v", st)
	}

	l.Set(true)
	eventually(t, "subscription", func() bool { return d.engine.Status().SubscriptionActive })
	if !d.engine.Status().Watermark.SubscriptionEstablished {
		t.Error("subscription flag should be persisted")
	}
}

func TestOnPublishedHook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()

	var mu sync.Mutex
	var published []string
	a := openDevice(t, shared, "groceries", "device-a", func(o *Options) {
		o.OnPublished = func(_ context.Context, logID string) {
			mu.Lock()
			defer mu.Unlock()
			published = append(published, logID)
		}
	})

	_ = a.engine.Insert(ctx, "items", operation.Record{ID: "1"}, false)
	mu.Lock()
	defer mu.Unlock()
	if len(published) != 1 || published[0] == "" {
		t.Errorf("published = %v, want one log id", published)
	}
}

func TestStatusAndClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()
	a := openDevice(t, shared, "groceries", "device-a")

	a.link.Set(false)
	_ = a.engine.Insert(ctx, "items", operation.Record{ID: "1"}, false)

	st := a.engine.Status()
	if st.StoreID != "groceries" || st.DeviceID != "device-a" {
		t.Errorf("identity = %s/%s", st.StoreID, st.DeviceID)
	}
	if st.RemoteAvailable || st.Queue.Pending != 1 || st.Watermark.LastModification.IsZero() {
		t.Errorf("status = %+v", st)
	}

	if err := a.engine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.engine.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpenValidatesInputs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, err := Open(ctx, Deps{}, Options{StoreID: "s"}); err == nil {
		t.Error("expected error for missing dependencies")
	}
	deps := Deps{KV: kvstore.NewMemory(), Cache: remote.NewMemory(), Remote: remote.NewMemory()}
	if _, err := Open(ctx, deps, Options{}); !errors.Is(err, identity.ErrEmptyStoreID) {
		t.Errorf("expected ErrEmptyStoreID, got %v", err)
	}
}
