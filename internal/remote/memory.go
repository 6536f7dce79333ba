// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tomtom215/tidesync/internal/operation"
)

// Memory is an in-process remote store shared by several engines. It is the
// backend for tests and for single-process demos.
//
// Values are normalised through JSON on write, so numbers read back as
// float64 exactly as they would from a networked backend.
type Memory struct {
	*Availability

	mu     sync.RWMutex
	tables map[string]map[string]operation.Values
	subs   map[int]memorySub
	nextID int

	failMu sync.Mutex
	fail   func(method, table string) error
	calls  map[string]int
}

type memorySub struct {
	table string
	pred  operation.Predicate
	fn    ChangeFunc
}

var _ Store = (*Memory)(nil)

// NewMemory creates an available, empty remote.
func NewMemory() *Memory {
	return &Memory{
		Availability: NewAvailability(true),
		tables:       make(map[string]map[string]operation.Values),
		subs:         make(map[int]memorySub),
		calls:        make(map[string]int),
	}
}

// SetAvailable simulates the remote going away or coming back.
func (m *Memory) SetAvailable(available bool) {
	m.Set(available)
}

// SetFailure installs a hook consulted before every call; a non-nil result
// fails the call. Pass nil to remove it.
func (m *Memory) SetFailure(fn func(method, table string) error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.fail = fn
}

// Calls returns how many times method was invoked (including failed calls).
func (m *Memory) Calls(method string) int {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	return m.calls[method]
}

func (m *Memory) enter(ctx context.Context, method, table string) error {
	m.failMu.Lock()
	m.calls[method]++
	fail := m.fail
	m.failMu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", operation.ErrRemoteUnavailable, err)
	}
	if !m.Available() {
		return fmt.Errorf("%w: %s %s", operation.ErrRemoteUnavailable, method, table)
	}
	if fail != nil {
		return fail(method, table)
	}
	return nil
}

func normalise(v operation.Values) (operation.Values, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out operation.Values
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateTable implements operation.Target.
func (m *Memory) CreateTable(ctx context.Context, table string) error {
	if err := m.enter(ctx, "create_table", table); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table]; !ok {
		m.tables[table] = make(map[string]operation.Values)
	}
	return nil
}

func (m *Memory) tableLocked(table string) map[string]operation.Values {
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string]operation.Values)
		m.tables[table] = t
	}
	return t
}

// Insert implements operation.Target.
func (m *Memory) Insert(ctx context.Context, table string, rec operation.Record, replace bool) error {
	if err := m.enter(ctx, "insert", table); err != nil {
		return err
	}
	values, err := normalise(rec.Values)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}

	m.mu.Lock()
	t := m.tableLocked(table)
	if _, exists := t[rec.ID]; exists && !replace {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", operation.ErrDuplicateID, table, rec.ID)
	}
	t[rec.ID] = values
	notify := m.matchingSubsLocked(table, []operation.Record{{ID: rec.ID, Values: values}})
	m.mu.Unlock()

	notify()
	return nil
}

// Update implements operation.Target.
func (m *Memory) Update(ctx context.Context, table string, sel operation.Selector, set operation.Values) (int, error) {
	if err := m.enter(ctx, "update", table); err != nil {
		return 0, err
	}
	set, err := normalise(set)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	matched := m.selectLocked(table, sel)
	if len(matched) == 0 && sel.ByIDOnly() {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s/%s", operation.ErrNotFound, table, sel.ID)
	}
	t := m.tableLocked(table)
	changed := make([]operation.Record, 0, len(matched))
	for _, r := range matched {
		merged := r.Values.Merge(set)
		t[r.ID] = merged
		changed = append(changed, operation.Record{ID: r.ID, Values: merged})
	}
	notify := m.matchingSubsLocked(table, changed)
	m.mu.Unlock()

	notify()
	return len(matched), nil
}

// Delete implements operation.Target.
func (m *Memory) Delete(ctx context.Context, table string, sel operation.Selector) (int, error) {
	if err := m.enter(ctx, "delete", table); err != nil {
		return 0, err
	}

	m.mu.Lock()
	matched := m.selectLocked(table, sel)
	if len(matched) == 0 && sel.ByIDOnly() {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s/%s", operation.ErrNotFound, table, sel.ID)
	}
	t := m.tableLocked(table)
	for _, r := range matched {
		delete(t, r.ID)
	}
	notify := m.matchingSubsLocked(table, matched)
	m.mu.Unlock()

	notify()
	return len(matched), nil
}

// Select implements operation.Target.
func (m *Memory) Select(ctx context.Context, table string, sel operation.Selector, order *operation.Ordering) ([]operation.Record, error) {
	if err := m.enter(ctx, "select", table); err != nil {
		return nil, err
	}
	m.mu.RLock()
	recs := m.selectLocked(table, sel)
	m.mu.RUnlock()

	operation.Sort(recs, order)
	return recs, nil
}

func (m *Memory) selectLocked(table string, sel operation.Selector) []operation.Record {
	t := m.tables[table]
	var out []operation.Record
	for id, v := range t {
		rec := operation.Record{ID: id, Values: v.Clone()}
		if sel.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// SubscribeToChanges implements Store. Callbacks run synchronously after the
// write that caused them has been committed and the store lock released.
func (m *Memory) SubscribeToChanges(ctx context.Context, table string, pred operation.Predicate, fn ChangeFunc) (Subscription, error) {
	if err := m.enter(ctx, "subscribe", table); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = memorySub{table: table, pred: pred, fn: fn}

	return subscriptionFunc(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
		return nil
	}), nil
}

// matchingSubsLocked returns a func that notifies subscribers about recs.
func (m *Memory) matchingSubsLocked(table string, recs []operation.Record) func() {
	var calls []func()
	for _, s := range m.subs {
		if s.table != table {
			continue
		}
		for _, r := range recs {
			if s.pred.Matches(r) {
				id := r.ID
				fn := s.fn
				calls = append(calls, func() { fn(&id) })
			}
		}
	}
	return func() {
		for _, c := range calls {
			c()
		}
	}
}

// OnAvailabilityChange implements Store.
func (m *Memory) OnAvailabilityChange(fn func(available bool)) func() {
	return m.Subscribe(fn)
}
