// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package oplog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/tidesync/internal/kvstore"
	"github.com/tomtom215/tidesync/internal/operation"
	"github.com/tomtom215/tidesync/internal/remote"
	"github.com/tomtom215/tidesync/internal/resilient"
	"github.com/tomtom215/tidesync/internal/retryqueue"
	"github.com/tomtom215/tidesync/internal/watermark"
)

// device bundles one syncer with its local cache. The local cache is a
// second in-memory store, which satisfies operation.Target.
type device struct {
	syncer *Syncer
	local  *remote.Memory
	wm     *watermark.Tracker
	path   *resilient.Path
}

func newDevice(t *testing.T, shared remote.Store, store, id string, now func() time.Time) *device {
	t.Helper()
	ctx := context.Background()
	kv := kvstore.NewMemory()

	q, err := retryqueue.Open(ctx, kv, store, retryqueue.DefaultConfig())
	if err != nil {
		t.Fatalf("retryqueue.Open: %v", err)
	}
	p, err := resilient.New(shared, q)
	if err != nil {
		t.Fatalf("resilient.New: %v", err)
	}
	t.Cleanup(p.Close)

	wm, err := watermark.Load(ctx, kv, store, id)
	if err != nil {
		t.Fatalf("watermark.Load: %v", err)
	}
	local := remote.NewMemory()
	s, err := New(Config{StoreID: store, DeviceID: id, Now: now}, shared, local, p, wm)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()
	return &device{syncer: s, local: local, wm: wm, path: p}
}

// steppingClock returns increasing times one second apart.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		at = at.Add(time.Second)
		return at
	}
}

func TestPublishAndPullAcrossDevices(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()
	clock := steppingClock()
	a := newDevice(t, shared, "list", "device-a", clock)
	b := newDevice(t, shared, "list", "device-b", clock)

	ops := []operation.Operation{
		operation.Insert("items", "1", operation.Values{"title": "milk", "qty": 1}, false),
		operation.Update("items", operation.ByID("1"), operation.Values{"qty": 2}),
		operation.Insert("items", "2", operation.Values{"title": "eggs"}, false),
		operation.Delete("items", operation.ByID("2")),
	}
	for _, op := range ops {
		if err := operation.Apply(ctx, a.local, op); err != nil {
			t.Fatalf("local apply: %v", err)
		}
		ok, err := a.syncer.Publish(ctx, op)
		if err != nil || !ok {
			t.Fatalf("Publish = %v, %v", ok, err)
		}
	}

	report, err := b.syncer.PullAndApply(ctx)
	if err != nil {
		t.Fatalf("PullAndApply: %v", err)
	}
	if report.Applied != 4 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}

	recs, _ := b.local.Select(ctx, "items", operation.Selector{}, nil)
	if len(recs) != 1 || recs[0].ID != "1" {
		t.Fatalf("device b records = %+v", recs)
	}
	if qty, _ := operation.ToFloat(recs[0].Values["qty"]); qty != 2 {
		t.Errorf("qty = %v, want 2", recs[0].Values["qty"])
	}

	// Own records are never pulled back.
	own, err := a.syncer.PullAndApply(ctx)
	if err != nil || own.Fetched != 0 {
		t.Errorf("device a pulled its own records: %+v, %v", own, err)
	}

	// A second pull finds nothing new.
	again, err := b.syncer.PullAndApply(ctx)
	if err != nil || again.Fetched != 0 {
		t.Errorf("second pull = %+v, %v", again, err)
	}
}

func TestPullIsScopedToStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()
	clock := steppingClock()
	a := newDevice(t, shared, "store-x", "device-a", clock)
	b := newDevice(t, shared, "store-y", "device-b", clock)

	if _, err := a.syncer.Publish(ctx, operation.Insert("items", "1", nil, false)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	report, err := b.syncer.PullAndApply(ctx)
	if err != nil || report.Fetched != 0 {
		t.Fatalf("other store pulled %+v, %v", report, err)
	}
}

func TestWatermarkBlocksBehindFailedRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()
	clock := steppingClock()
	a := newDevice(t, shared, "list", "device-a", clock)
	b := newDevice(t, shared, "list", "device-b", clock)

	_, _ = a.syncer.Publish(ctx, operation.Insert("good", "1", nil, false))
	_, _ = a.syncer.Publish(ctx, operation.Insert("broken", "2", nil, false))
	_, _ = a.syncer.Publish(ctx, operation.Insert("good", "3", nil, false))

	b.local.SetFailure(func(method, table string) error {
		if table == "broken" {
			return errors.New("disk quota")
		}
		return nil
	})

	report, err := b.syncer.PullAndApply(ctx)
	if err != nil {
		t.Fatalf("PullAndApply: %v", err)
	}
	if report.Applied != 2 || report.Failed != 1 {
		t.Fatalf("report = %+v, want 2 applied 1 failed", report)
	}
	blockedAt := b.wm.LastSynchronization()
	if recs, _ := b.local.Select(ctx, "good", operation.ByID("3"), nil); len(recs) != 1 {
		t.Error("records after the failure are still applied")
	}

	// Still blocked: the failed record and everything after it come back.
	report, _ = b.syncer.PullAndApply(ctx)
	if report.Fetched != 2 || !b.wm.LastSynchronization().Equal(blockedAt) {
		t.Fatalf("blocked pull = %+v, watermark %v", report, b.wm.LastSynchronization())
	}

	b.local.SetFailure(nil)
	report, err = b.syncer.PullAndApply(ctx)
	if err != nil || report.Failed != 0 || report.Applied != 2 {
		t.Fatalf("recovered pull = %+v, %v", report, err)
	}
	if !b.wm.LastSynchronization().After(blockedAt) {
		t.Error("watermark should advance once the record applies")
	}
	recs, _ := b.local.Select(ctx, "good", operation.Selector{}, nil)
	if len(recs) != 2 {
		t.Errorf("reapplied inserts must not duplicate, got %+v", recs)
	}
}

func TestPullRetriesFailedRecordAtSameInstant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()
	fixed := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	a := newDevice(t, shared, "list", "device-a", fixed)
	b := newDevice(t, shared, "list", "device-b", fixed)
	c := newDevice(t, shared, "list", "device-c", fixed)

	if _, err := a.syncer.Publish(ctx, operation.Insert("items", "from-a", nil, false)); err != nil {
		t.Fatalf("Publish a: %v", err)
	}
	if _, err := c.syncer.Publish(ctx, operation.Insert("items", "from-c", nil, false)); err != nil {
		t.Fatalf("Publish c: %v", err)
	}

	// The second record applied in the pass fails once.
	var inserts atomic.Int32
	b.local.SetFailure(func(method, _ string) error {
		if method == "insert" && inserts.Add(1) == 2 {
			return errors.New("disk quota")
		}
		return nil
	})

	report, err := b.syncer.PullAndApply(ctx)
	if err != nil || report.Applied != 1 || report.Failed != 1 {
		t.Fatalf("first pull = %+v, %v; want 1 applied 1 failed", report, err)
	}

	b.local.SetFailure(nil)
	report, err = b.syncer.PullAndApply(ctx)
	if err != nil || report.Fetched != 1 || report.Applied != 1 {
		t.Fatalf("second pull = %+v, %v; want the failed record again", report, err)
	}
	if recs, _ := b.local.Select(ctx, "items", operation.Selector{}, nil); len(recs) != 2 {
		t.Fatalf("device b records = %+v, want 2", recs)
	}

	// A record stamped at the watermark instant that lands later is still pulled.
	d := newDevice(t, shared, "list", "device-d", fixed)
	if _, err := d.syncer.Publish(ctx, operation.Insert("items", "from-d", nil, false)); err != nil {
		t.Fatalf("Publish d: %v", err)
	}
	report, err = b.syncer.PullAndApply(ctx)
	if err != nil || report.Fetched != 1 || report.Applied != 1 {
		t.Fatalf("late pull = %+v, %v", report, err)
	}

	report, _ = b.syncer.PullAndApply(ctx)
	if report.Fetched != 0 {
		t.Errorf("records applied at the watermark instant were fetched again: %+v", report)
	}
}

func TestQueuedLogRecordLandsAfterPeerWatermark(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()
	clock := steppingClock()
	a := newDevice(t, shared, "list", "device-a", clock)
	b := newDevice(t, shared, "list", "device-b", clock)
	c := newDevice(t, shared, "list", "device-c", clock)

	var failed atomic.Bool
	shared.SetFailure(func(method, table string) error {
		if method == "insert" && table == operation.LogTable && failed.CompareAndSwap(false, true) {
			return operation.ErrRemoteUnavailable
		}
		return nil
	})

	ok, err := a.syncer.Publish(ctx, operation.Insert("items", "from-a", nil, false))
	if err != nil || ok {
		t.Fatalf("Publish a = %v, %v; want queued", ok, err)
	}
	if _, err := c.syncer.Publish(ctx, operation.Insert("items", "from-c", nil, false)); err != nil {
		t.Fatalf("Publish c: %v", err)
	}
	if report, err := b.syncer.PullAndApply(ctx); err != nil || report.Applied != 1 {
		t.Fatalf("first pull = %+v, %v", report, err)
	}

	drained, err := a.path.Drain(ctx)
	if err != nil || len(drained.Succeeded) != 1 {
		t.Fatalf("Drain = %+v, %v", drained, err)
	}

	report, err := b.syncer.PullAndApply(ctx)
	if err != nil || report.Applied != 1 {
		t.Fatalf("pull after drain = %+v, %v; want the late record", report, err)
	}
	if recs, _ := b.local.Select(ctx, "items", operation.Selector{}, nil); len(recs) != 2 {
		t.Errorf("device b records = %+v, want 2", recs)
	}
}

func TestRestampIgnoresOtherOperations(t *testing.T) {
	t.Parallel()
	d := newDevice(t, remote.NewMemory(), "list", "device-a", steppingClock())

	data := operation.Insert("items", "1", operation.Values{"a": 1}, false)
	if got := d.syncer.Restamp(data); got.Values["a"] != 1 || len(got.Values) != 1 {
		t.Errorf("data write changed: %+v", got)
	}

	foreign := operation.NewLogRecord("list", "device-z", time.Unix(1, 0), data)
	op, err := foreign.InsertOperation()
	if err != nil {
		t.Fatal(err)
	}
	if got := d.syncer.Restamp(op); got.Values[operation.ColumnTimestamp] != op.Values[operation.ColumnTimestamp] {
		t.Error("another device's log record must keep its timestamp")
	}

	own := operation.NewLogRecord("list", "device-a", time.Unix(1, 0), data)
	op, _ = own.InsertOperation()
	got := d.syncer.Restamp(op)
	if ts, _ := operation.ToFloat(got.Values[operation.ColumnTimestamp]); ts <= float64(time.Unix(1, 0).UnixMicro()) {
		t.Errorf("own log record was not restamped: %v", got.Values[operation.ColumnTimestamp])
	}
	if op.Values[operation.ColumnTimestamp] != time.Unix(1, 0).UnixMicro() {
		t.Error("Restamp must not modify the queued operation in place")
	}
}

func TestRemoteApplyIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newDevice(t, remote.NewMemory(), "list", "device-b", steppingClock())

	ops := []operation.Operation{
		operation.Insert("items", "1", operation.Values{"a": 1}, false),
		operation.Insert("items", "1", operation.Values{"a": 2}, false),
		operation.Update("items", operation.ByID("missing"), operation.Values{"a": 3}),
		operation.Delete("items", operation.ByID("missing")),
	}
	for _, op := range ops {
		if err := d.syncer.apply(ctx, op); err != nil {
			t.Fatalf("apply(%s): %v", op, err)
		}
	}
	recs, _ := d.local.Select(ctx, "items", operation.Selector{}, nil)
	if len(recs) != 1 {
		t.Fatalf("records = %+v", recs)
	}
	if err := d.syncer.apply(ctx, operation.Operation{Kind: "bogus", Table: "items"}); !errors.Is(err, operation.ErrApplyFailure) {
		t.Errorf("expected ErrApplyFailure, got %v", err)
	}
}

func TestPublishQueuesWhileUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()
	fixed := func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }
	a := newDevice(t, shared, "list", "device-a", fixed)
	b := newDevice(t, shared, "list", "device-b", fixed)

	shared.SetAvailable(false)
	for _, id := range []string{"1", "2", "3"} {
		ok, err := a.syncer.Publish(ctx, operation.Insert("items", id, operation.Values{"n": id}, false))
		if err != nil || ok {
			t.Fatalf("Publish(%s) = %v, %v; want queued", id, ok, err)
		}
	}
	shared.SetAvailable(true)

	deadline := time.Now().Add(3 * time.Second)
	for a.path.Queue().Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("queue never drained")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rows, err := shared.Select(ctx, operation.LogTable, operation.Selector{}, operation.Ascending(operation.ColumnTimestamp))
	if err != nil || len(rows) != 3 {
		t.Fatalf("log rows = %d, %v", len(rows), err)
	}
	// A frozen clock still yields strictly increasing timestamps in publish order.
	var last time.Time
	for i, row := range rows {
		lr, err := operation.LogRecordFromRecord(row)
		if err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
		if !lr.Timestamp.After(last) {
			t.Fatalf("row %d timestamp %v not after %v", i, lr.Timestamp, last)
		}
		if want := []string{"1", "2", "3"}[i]; lr.Operation.RecordID != want {
			t.Errorf("row %d = %s, want %s", i, lr.Operation.RecordID, want)
		}
		last = lr.Timestamp
	}

	report, err := b.syncer.PullAndApply(ctx)
	if err != nil || report.Applied != 3 {
		t.Fatalf("peer pull = %+v, %v", report, err)
	}
}

func TestPullAndApplyCoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()
	shared := remote.NewMemory()
	d := newDevice(t, shared, "list", "device-b", steppingClock())

	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	shared.SetFailure(func(method, _ string) error {
		if method == "select" {
			entered <- struct{}{}
			<-release
		}
		return nil
	})

	results := make(chan PullReport, 3)
	go func() {
		r, _ := d.syncer.PullAndApply(context.Background())
		results <- r
	}()
	<-entered

	for i := 0; i < 2; i++ {
		go func() {
			r, _ := d.syncer.PullAndApply(context.Background())
			results <- r
		}()
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		d.syncer.mu.Lock()
		waiting := len(d.syncer.waiters)
		d.syncer.mu.Unlock()
		if waiting == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("callers never joined the running pass")
		}
		time.Sleep(time.Millisecond)
	}

	close(release)
	for i := 0; i < 3; i++ {
		select {
		case r := <-results:
			if r.Passes != 2 {
				t.Errorf("caller %d saw %d passes, want 2", i, r.Passes)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("caller never returned")
		}
	}
	if got := shared.Calls("select"); got != 2 {
		t.Errorf("remote queried %d times, want 2", got)
	}
}

func TestPullAndApplyHonoursCancellationBeforeStart(t *testing.T) {
	t.Parallel()
	shared := remote.NewMemory()
	d := newDevice(t, shared, "list", "device-b", steppingClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.syncer.PullAndApply(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if shared.Calls("select") != 0 {
		t.Error("a canceled call must not query the remote")
	}
}

func TestHandleNotificationPulls(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := remote.NewMemory()
	clock := steppingClock()
	a := newDevice(t, shared, "list", "device-a", clock)
	b := newDevice(t, shared, "list", "device-b", clock)

	_, _ = a.syncer.Publish(ctx, operation.Insert("items", "1", nil, false))
	id := "1"
	b.syncer.HandleNotification(ctx, &id)

	if recs, _ := b.local.Select(ctx, "items", operation.ByID("1"), nil); len(recs) != 1 {
		t.Error("notification should have pulled the record")
	}

	shared.SetAvailable(false)
	b.syncer.HandleNotification(ctx, nil)
}
