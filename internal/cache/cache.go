// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

// Package cache is the local relational cache that applications query.
//
// Each table is stored as (id, data) where data is the JSON encoding of the
// record's column values. Predicates and orderings are evaluated in Go so the
// same semantics hold on DuckDB and SQLite and on the remote store.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomtom215/tidesync/internal/logging"
	"github.com/tomtom215/tidesync/internal/metrics"
	"github.com/tomtom215/tidesync/internal/operation"
	"github.com/tomtom215/tidesync/internal/validation"
)

// Supported drivers.
const (
	DriverDuckDB = "duckdb"
	DriverSQLite = "sqlite3"
)

// Config selects the cache backend.
type Config struct {
	// Driver is "duckdb" or "sqlite3".
	Driver string

	// Path is the database file. Empty or ":memory:" keeps the cache in memory.
	Path string
}

// ErrInvalidTable is returned for table names that are not plain identifiers.
var ErrInvalidTable = errors.New("invalid table name")

// Cache implements operation.Target over database/sql.
type Cache struct {
	db     *sql.DB
	driver string

	// writeMu serializes write transactions; both engines allow a single writer.
	writeMu sync.Mutex
	tables  sync.Map
}

var _ operation.Target = (*Cache)(nil)

// Open opens the cache database.
func Open(cfg Config) (*Cache, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	// In-memory SQLite is per connection; one connection keeps one database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to cache database: %w", err)
	}

	logging.Info().Str("driver", cfg.Driver).Str("path", cfg.Path).Msg("Local cache opened")
	return &Cache{db: db, driver: cfg.Driver}, nil
}

func buildDSN(cfg Config) (string, error) {
	memory := cfg.Path == "" || cfg.Path == ":memory:"
	switch cfg.Driver {
	case DriverSQLite:
		if memory {
			return ":memory:", nil
		}
		return cfg.Path + "?_foreign_keys=on&_journal_mode=WAL", nil
	case DriverDuckDB:
		if memory {
			return ":memory:?autoinstall_known_extensions=false&autoload_known_extensions=false", nil
		}
		return cfg.Path + "?access_mode=read_write&autoinstall_known_extensions=false&autoload_known_extensions=false", nil
	default:
		return "", fmt.Errorf("unsupported cache driver %q", cfg.Driver)
	}
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Ping checks the database connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func quoteTable(table string) (string, error) {
	if !validation.ValidTableName(table) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return `"` + table + `"`, nil
}

// CreateTable creates table if it does not exist.
func (c *Cache) CreateTable(ctx context.Context, table string) error {
	_, err := c.ensureTable(ctx, table)
	return err
}

// ensureTable returns the quoted table name, creating the table on first use.
// Pulled operations may reference tables this device never created.
func (c *Cache) ensureTable(ctx context.Context, table string) (string, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return "", err
	}
	if _, ok := c.tables.Load(table); ok {
		return quoted, nil
	}

	start := time.Now()
	_, err = c.db.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS "+quoted+" (id VARCHAR PRIMARY KEY, data VARCHAR NOT NULL)")
	metrics.RecordCacheQuery("create", table, time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("create table %s: %w", table, err)
	}
	c.tables.Store(table, struct{}{})
	return quoted, nil
}

// Insert implements operation.Target.
func (c *Cache) Insert(ctx context.Context, table string, rec operation.Record, replace bool) error {
	quoted, err := c.ensureTable(ctx, table)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec.Values)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}

	return c.write(ctx, "insert", table, func(tx *sql.Tx) error {
		exists, err := rowExists(ctx, tx, quoted, rec.ID)
		if err != nil {
			return err
		}
		switch {
		case exists && !replace:
			return fmt.Errorf("%w: %s/%s", operation.ErrDuplicateID, table, rec.ID)
		case exists:
			_, err = tx.ExecContext(ctx, "UPDATE "+quoted+" SET data = ? WHERE id = ?", string(data), rec.ID)
		default:
			_, err = tx.ExecContext(ctx, "INSERT INTO "+quoted+" (id, data) VALUES (?, ?)", rec.ID, string(data))
		}
		return err
	})
}

// Update implements operation.Target. Set clauses are merged into the stored values.
func (c *Cache) Update(ctx context.Context, table string, sel operation.Selector, set operation.Values) (int, error) {
	quoted, err := c.ensureTable(ctx, table)
	if err != nil {
		return 0, err
	}

	var n int
	err = c.write(ctx, "update", table, func(tx *sql.Tx) error {
		recs, err := selectTx(ctx, tx, quoted, sel)
		if err != nil {
			return err
		}
		if len(recs) == 0 && sel.ByIDOnly() {
			return fmt.Errorf("%w: %s/%s", operation.ErrNotFound, table, sel.ID)
		}
		for _, r := range recs {
			data, err := json.Marshal(r.Values.Merge(set))
			if err != nil {
				return fmt.Errorf("encode record %s: %w", r.ID, err)
			}
			if _, err := tx.ExecContext(ctx, "UPDATE "+quoted+" SET data = ? WHERE id = ?", string(data), r.ID); err != nil {
				return err
			}
		}
		n = len(recs)
		return nil
	})
	return n, err
}

// Delete implements operation.Target.
func (c *Cache) Delete(ctx context.Context, table string, sel operation.Selector) (int, error) {
	quoted, err := c.ensureTable(ctx, table)
	if err != nil {
		return 0, err
	}

	var n int
	err = c.write(ctx, "delete", table, func(tx *sql.Tx) error {
		recs, err := selectTx(ctx, tx, quoted, sel)
		if err != nil {
			return err
		}
		if len(recs) == 0 && sel.ByIDOnly() {
			return fmt.Errorf("%w: %s/%s", operation.ErrNotFound, table, sel.ID)
		}
		for _, r := range recs {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+quoted+" WHERE id = ?", r.ID); err != nil {
				return err
			}
		}
		n = len(recs)
		return nil
	})
	return n, err
}

// Select implements operation.Target.
func (c *Cache) Select(ctx context.Context, table string, sel operation.Selector, order *operation.Ordering) ([]operation.Record, error) {
	quoted, err := c.ensureTable(ctx, table)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	recs, err := selectTx(ctx, c.db, quoted, sel)
	metrics.RecordCacheQuery("select", table, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	operation.Sort(recs, order)
	return recs, nil
}

// write runs fn in a serialized transaction.
func (c *Cache) write(ctx context.Context, op, table string, fn func(*sql.Tx) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	start := time.Now()
	err := c.inTx(ctx, fn)
	if err != nil && !operation.IsPermanent(err) {
		metrics.RecordCacheQuery(op, table, time.Since(start), err)
		return fmt.Errorf("%s %s: %w", op, table, err)
	}
	metrics.RecordCacheQuery(op, table, time.Since(start), nil)
	return err
}

func (c *Cache) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func rowExists(ctx context.Context, q querier, quoted, id string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoted+" WHERE id = ?", id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// selectTx loads the rows addressed by sel. Selection by ID hits the primary
// key; predicates scan the table.
func selectTx(ctx context.Context, q querier, quoted string, sel operation.Selector) ([]operation.Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if sel.ID != "" {
		rows, err = q.QueryContext(ctx, "SELECT id, data FROM "+quoted+" WHERE id = ?", sel.ID)
	} else {
		rows, err = q.QueryContext(ctx, "SELECT id, data FROM "+quoted)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []operation.Record
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		rec := operation.Record{ID: id}
		if err := json.Unmarshal([]byte(data), &rec.Values); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		if sel.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}
