// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package operation

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"
)

// Values is the opaque column-name to value map carried by records and operations.
// Values must be JSON-representable; numbers come back as float64 after a round trip.
type Values map[string]any

// Clone returns a shallow copy of v.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Merge returns a copy of v with every key of set overwritten.
func (v Values) Merge(set Values) Values {
	out := make(Values, len(v)+len(set))
	for k, val := range v {
		out[k] = val
	}
	for k, val := range set {
		out[k] = val
	}
	return out
}

// Record is one row: a primary identifier plus its column values.
type Record struct {
	ID     string `json:"id"`
	Values Values `json:"values"`
}

// IDColumn addresses Record.ID inside predicates and orderings.
const IDColumn = "id"

// field returns the value of column for rec.
func (r Record) field(column string) (any, bool) {
	if column == IDColumn {
		return r.ID, true
	}
	v, ok := r.Values[column]
	return v, ok
}

// Comparator is a predicate operator.
type Comparator string

const (
	Eq Comparator = "eq"
	Ne Comparator = "ne"
	Gt Comparator = "gt"
	Ge Comparator = "ge"
	Lt Comparator = "lt"
	Le Comparator = "le"
)

// Condition compares one column against a literal value.
type Condition struct {
	Column string     `json:"column"`
	Op     Comparator `json:"op"`
	Value  any        `json:"value"`
}

// Predicate is a conjunction of conditions. An empty predicate matches everything.
type Predicate []Condition

// Where starts a predicate.
//
//	operation.Where("store_identifier", operation.Eq, store).And("timestamp", operation.Gt, since)
func Where(column string, op Comparator, value any) Predicate {
	return Predicate{{Column: column, Op: op, Value: value}}
}

// And appends a condition.
func (p Predicate) And(column string, op Comparator, value any) Predicate {
	out := make(Predicate, 0, len(p)+1)
	out = append(out, p...)
	return append(out, Condition{Column: column, Op: op, Value: value})
}

// Matches reports whether rec satisfies every condition.
// A missing column only satisfies Ne against a non-nil value or Eq against nil.
func (p Predicate) Matches(rec Record) bool {
	for _, c := range p {
		if !c.matches(rec) {
			return false
		}
	}
	return true
}

func (c Condition) matches(rec Record) bool {
	v, ok := rec.field(c.Column)
	if !ok || v == nil {
		switch c.Op {
		case Eq:
			return c.Value == nil
		case Ne:
			return c.Value != nil
		default:
			return false
		}
	}

	order, ok := compareValues(v, c.Value)
	if !ok {
		return c.Op == Ne
	}
	switch c.Op {
	case Eq:
		return order == 0
	case Ne:
		return order != 0
	case Gt:
		return order > 0
	case Ge:
		return order >= 0
	case Lt:
		return order < 0
	case Le:
		return order <= 0
	default:
		return false
	}
}

// Validate checks every condition uses a known comparator and names a column.
func (p Predicate) Validate() error {
	for i, c := range p {
		if c.Column == "" {
			return fmt.Errorf("%w: condition %d has no column", ErrInvalidOperation, i)
		}
		switch c.Op {
		case Eq, Ne, Gt, Ge, Lt, Le:
		default:
			return fmt.Errorf("%w: condition %d has unknown comparator %q", ErrInvalidOperation, i, c.Op)
		}
	}
	return nil
}

// Selector addresses records either by ID or by predicate.
// When both are set the record must have the ID and satisfy the predicate.
type Selector struct {
	ID    string    `json:"id,omitempty"`
	Where Predicate `json:"where,omitempty"`
}

// ByID selects a single record.
func ByID(id string) Selector { return Selector{ID: id} }

// Matching selects every record satisfying p.
func Matching(p Predicate) Selector { return Selector{Where: p} }

// ByIDOnly reports whether the selector targets one record by ID.
func (s Selector) ByIDOnly() bool { return s.ID != "" }

// Matches reports whether rec is addressed by s.
func (s Selector) Matches(rec Record) bool {
	if s.ID != "" && rec.ID != s.ID {
		return false
	}
	return s.Where.Matches(rec)
}

// Ordering sorts select results by one column, ties broken by record ID.
type Ordering struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
}

// Ascending orders by column, smallest first.
func Ascending(column string) *Ordering { return &Ordering{Column: column} }

// Filter returns the records addressed by sel, keeping input order.
func Filter(recs []Record, sel Selector) []Record {
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		if sel.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

// Sort orders recs in place. A nil ordering sorts by ID so results are deterministic.
// Records missing the column sort first.
func Sort(recs []Record, order *Ordering) {
	column := IDColumn
	desc := false
	if order != nil && order.Column != "" {
		column = order.Column
		desc = order.Descending
	}
	slices.SortStableFunc(recs, func(a, b Record) int {
		av, aok := a.field(column)
		bv, bok := b.field(column)
		var c int
		switch {
		case !aok && !bok:
			c = 0
		case !aok:
			c = -1
		case !bok:
			c = 1
		default:
			c, _ = compareValues(av, bv)
		}
		if desc {
			c = -c
		}
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		return c
	})
}

// compareValues orders two column values. Numbers compare numerically across
// integer and float kinds, strings lexically, and booleans false < true.
// The second result is false when the kinds cannot be compared.
func compareValues(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		return cmp.Compare(af, bf), true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	case nil:
		if b == nil {
			return 0, true
		}
		return 0, false
	}
	return 0, false
}

// ToFloat converts any Go numeric kind to float64.
func ToFloat(v any) (float64, bool) { return toFloat(v) }

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return float64(n), true
	}
	return 0, false
}
