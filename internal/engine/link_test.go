// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package engine

import (
	"context"
	"fmt"

	"github.com/tomtom215/tidesync/internal/operation"
	"github.com/tomtom215/tidesync/internal/remote"
)

// link is one device's view of a shared remote. Taking a link offline cuts
// that device off without affecting the others.
type link struct {
	*remote.Availability
	shared *remote.Memory
}

var _ remote.Store = (*link)(nil)

func newLink(shared *remote.Memory) *link {
	return &link{Availability: remote.NewAvailability(true), shared: shared}
}

func (l *link) check(method string) error {
	if !l.Available() {
		return fmt.Errorf("%w: link down (%s)", operation.ErrRemoteUnavailable, method)
	}
	return nil
}

func (l *link) CreateTable(ctx context.Context, table string) error {
	if err := l.check("create_table"); err != nil {
		return err
	}
	return l.shared.CreateTable(ctx, table)
}

func (l *link) Insert(ctx context.Context, table string, rec operation.Record, replace bool) error {
	if err := l.check("insert"); err != nil {
		return err
	}
	return l.shared.Insert(ctx, table, rec, replace)
}

func (l *link) Update(ctx context.Context, table string, sel operation.Selector, set operation.Values) (int, error) {
	if err := l.check("update"); err != nil {
		return 0, err
	}
	return l.shared.Update(ctx, table, sel, set)
}

func (l *link) Delete(ctx context.Context, table string, sel operation.Selector) (int, error) {
	if err := l.check("delete"); err != nil {
		return 0, err
	}
	return l.shared.Delete(ctx, table, sel)
}

func (l *link) Select(ctx context.Context, table string, sel operation.Selector, order *operation.Ordering) ([]operation.Record, error) {
	if err := l.check("select"); err != nil {
		return nil, err
	}
	return l.shared.Select(ctx, table, sel, order)
}

// SubscribeToChanges drops notifications while the link is down.
func (l *link) SubscribeToChanges(ctx context.Context, table string, pred operation.Predicate, fn remote.ChangeFunc) (remote.Subscription, error) {
	if err := l.check("subscribe"); err != nil {
		return nil, err
	}
	return l.shared.SubscribeToChanges(ctx, table, pred, func(id *string) {
		if l.Available() {
			fn(id)
		}
	})
}

func (l *link) OnAvailabilityChange(fn func(bool)) func() {
	return l.Subscribe(fn)
}
