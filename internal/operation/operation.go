// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

// Package operation defines the replicated unit of change and the store
// contract it is applied against.
//
// An Operation is an insert, update or delete against one table. Operations
// are applied to a Target, which is the CRUD surface shared by the local cache
// and the remote store. Operations published to the shared log are wrapped in a
// LogRecord that carries origin (store, device) and a timestamp.
package operation

import (
	"context"
	"fmt"
)

// Kind tags the Operation variant.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Operation is a tagged variant over insert, update and delete.
//
// Insert uses RecordID, Values and Replace. Update uses RecordID or Where plus
// Values as the set clauses. Delete uses RecordID or Where.
type Operation struct {
	Kind     Kind      `json:"kind"`
	Table    string    `json:"table"`
	RecordID string    `json:"record_id,omitempty"`
	Values   Values    `json:"values,omitempty"`
	Where    Predicate `json:"where,omitempty"`
	Replace  bool      `json:"replace,omitempty"`
}

// Insert builds an insert operation.
func Insert(table, recordID string, values Values, replace bool) Operation {
	return Operation{Kind: KindInsert, Table: table, RecordID: recordID, Values: values.Clone(), Replace: replace}
}

// Update builds an update operation. sel picks the records, set the new column values.
func Update(table string, sel Selector, set Values) Operation {
	return Operation{Kind: KindUpdate, Table: table, RecordID: sel.ID, Where: sel.Where, Values: set.Clone()}
}

// Delete builds a delete operation.
func Delete(table string, sel Selector) Operation {
	return Operation{Kind: KindDelete, Table: table, RecordID: sel.ID, Where: sel.Where}
}

// Selector returns the records this operation addresses.
func (o Operation) Selector() Selector {
	return Selector{ID: o.RecordID, Where: o.Where}
}

// Validate reports malformed operations.
func (o Operation) Validate() error {
	if o.Table == "" {
		return fmt.Errorf("%w: table is required", ErrInvalidOperation)
	}
	switch o.Kind {
	case KindInsert:
		if o.RecordID == "" {
			return fmt.Errorf("%w: insert requires a record id", ErrInvalidOperation)
		}
	case KindUpdate:
		if len(o.Values) == 0 {
			return fmt.Errorf("%w: update requires set clauses", ErrInvalidOperation)
		}
	case KindDelete:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, o.Kind)
	}
	return o.Where.Validate()
}

// String is used in logs.
func (o Operation) String() string {
	if o.RecordID != "" {
		return fmt.Sprintf("%s %s/%s", o.Kind, o.Table, o.RecordID)
	}
	return fmt.Sprintf("%s %s where(%d)", o.Kind, o.Table, len(o.Where))
}

// Target is the record-level CRUD surface shared by the local cache and the remote store.
//
// Insert without replace fails with ErrDuplicateID when the ID exists.
// Update and Delete by ID fail with ErrNotFound when the ID is missing; by
// predicate they report how many records they touched.
type Target interface {
	CreateTable(ctx context.Context, table string) error
	Insert(ctx context.Context, table string, rec Record, replace bool) error
	Update(ctx context.Context, table string, sel Selector, set Values) (int, error)
	Delete(ctx context.Context, table string, sel Selector) (int, error)
	Select(ctx context.Context, table string, sel Selector, order *Ordering) ([]Record, error)
}

// Apply executes op against t.
func Apply(ctx context.Context, t Target, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	switch op.Kind {
	case KindInsert:
		return t.Insert(ctx, op.Table, Record{ID: op.RecordID, Values: op.Values.Clone()}, op.Replace)
	case KindUpdate:
		_, err := t.Update(ctx, op.Table, op.Selector(), op.Values)
		return err
	case KindDelete:
		_, err := t.Delete(ctx, op.Table, op.Selector())
		return err
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
}
