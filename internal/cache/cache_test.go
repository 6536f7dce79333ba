// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tomtom215/tidesync/internal/operation"
)

func openTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open(%s): %v", cfg.Driver, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func backends(t *testing.T) map[string]Config {
	t.Helper()
	return map[string]Config{
		"sqlite-memory": {Driver: DriverSQLite},
		"sqlite-file":   {Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "cache.db")},
		"duckdb-file":   {Driver: DriverDuckDB, Path: filepath.Join(t.TempDir(), "cache.duckdb")},
	}
}

func TestCacheCRUD(t *testing.T) {
	for name, cfg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := openTestCache(t, cfg)

			if err := c.CreateTable(ctx, "items"); err != nil {
				t.Fatalf("CreateTable: %v", err)
			}
			if err := c.Insert(ctx, "items", operation.Record{ID: "1", Values: operation.Values{"title": "milk", "qty": 1}}, false); err != nil {
				t.Fatalf("Insert: %v", err)
			}
			if err := c.Insert(ctx, "items", operation.Record{ID: "2", Values: operation.Values{"title": "eggs", "qty": 12}}, false); err != nil {
				t.Fatalf("Insert: %v", err)
			}

			err := c.Insert(ctx, "items", operation.Record{ID: "1", Values: operation.Values{"title": "oat milk"}}, false)
			if !errors.Is(err, operation.ErrDuplicateID) {
				t.Fatalf("expected ErrDuplicateID, got %v", err)
			}

			if err := c.Insert(ctx, "items", operation.Record{ID: "1", Values: operation.Values{"title": "oat milk", "qty": 2}}, true); err != nil {
				t.Fatalf("replace: %v", err)
			}

			recs, err := c.Select(ctx, "items", operation.ByID("1"), nil)
			if err != nil || len(recs) != 1 || recs[0].Values["title"] != "oat milk" {
				t.Fatalf("Select by id = %+v, %v", recs, err)
			}

			n, err := c.Update(ctx, "items", operation.ByID("2"), operation.Values{"qty": 6})
			if err != nil || n != 1 {
				t.Fatalf("Update = %d, %v", n, err)
			}
			recs, _ = c.Select(ctx, "items", operation.ByID("2"), nil)
			if recs[0].Values["qty"] != float64(6) || recs[0].Values["title"] != "eggs" {
				t.Errorf("update should merge set clauses, got %+v", recs[0].Values)
			}

			if _, err := c.Update(ctx, "items", operation.ByID("nope"), operation.Values{"qty": 1}); !errors.Is(err, operation.ErrNotFound) {
				t.Errorf("expected ErrNotFound on update, got %v", err)
			}

			recs, err = c.Select(ctx, "items", operation.Matching(operation.Where("qty", operation.Ge, 2)), operation.Ascending("qty"))
			if err != nil || len(recs) != 2 || recs[0].ID != "1" || recs[1].ID != "2" {
				t.Fatalf("Select by predicate = %+v, %v", recs, err)
			}

			n, err = c.Delete(ctx, "items", operation.Matching(operation.Where("title", operation.Eq, "eggs")))
			if err != nil || n != 1 {
				t.Fatalf("Delete by predicate = %d, %v", n, err)
			}
			if _, err := c.Delete(ctx, "items", operation.ByID("2")); !errors.Is(err, operation.ErrNotFound) {
				t.Errorf("expected ErrNotFound on delete, got %v", err)
			}

			recs, _ = c.Select(ctx, "items", operation.Selector{}, nil)
			if len(recs) != 1 || recs[0].ID != "1" {
				t.Errorf("remaining = %+v", recs)
			}
		})
	}
}

func TestUpdateByPredicateTouchesNoneWithoutError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := openTestCache(t, Config{Driver: DriverSQLite})

	n, err := c.Update(ctx, "items", operation.Matching(operation.Where("qty", operation.Gt, 100)), operation.Values{"done": true})
	if err != nil || n != 0 {
		t.Errorf("Update = %d, %v; want 0, nil", n, err)
	}
}

func TestTablesCreatedOnFirstWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := openTestCache(t, Config{Driver: DriverSQLite})

	if err := c.Insert(ctx, "never_created", operation.Record{ID: "a", Values: operation.Values{"x": 1}}, false); err != nil {
		t.Fatalf("Insert into new table: %v", err)
	}
	recs, err := c.Select(ctx, "never_created", operation.Selector{}, nil)
	if err != nil || len(recs) != 1 {
		t.Errorf("Select = %+v, %v", recs, err)
	}
}

func TestRejectsUnsafeTableNames(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := openTestCache(t, Config{Driver: DriverSQLite})

	for _, name := range []string{"", "items; DROP TABLE x", `a"b`, "1abc"} {
		if err := c.CreateTable(ctx, name); !errors.Is(err, ErrInvalidTable) {
			t.Errorf("CreateTable(%q) = %v, want ErrInvalidTable", name, err)
		}
	}
}

func TestUnsupportedDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "postgres"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestApplyOperationsAgainstCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := openTestCache(t, Config{Driver: DriverSQLite})

	ops := []operation.Operation{
		operation.Insert("notes", "n1", operation.Values{"body": "hi"}, false),
		operation.Update("notes", operation.ByID("n1"), operation.Values{"body": "hello"}),
		operation.Insert("notes", "n2", operation.Values{"body": "bye"}, false),
		operation.Delete("notes", operation.ByID("n2")),
	}
	for _, op := range ops {
		if err := operation.Apply(ctx, c, op); err != nil {
			t.Fatalf("Apply(%s): %v", op, err)
		}
	}
	recs, _ := c.Select(ctx, "notes", operation.Selector{}, nil)
	if len(recs) != 1 || recs[0].Values["body"] != "hello" {
		t.Errorf("final state = %+v", recs)
	}
}
