// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

// Package natsremote implements the remote store on NATS JetStream.
//
// Every table is a JetStream key-value bucket named <prefix>_<table>. Record
// IDs are base64url-encoded into keys and column values are stored as JSON.
// Reachability follows the NATS connection: disconnects mark the store
// unavailable and reconnects restore it.
package natsremote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/tidesync/internal/logging"
	"github.com/tomtom215/tidesync/internal/metrics"
	"github.com/tomtom215/tidesync/internal/operation"
	"github.com/tomtom215/tidesync/internal/remote"
)

// Config configures the JetStream-backed store.
type Config struct {
	// BucketPrefix is prepended to table names to form bucket names.
	BucketPrefix string

	// Replicas is the bucket replication factor.
	Replicas int

	// MemoryStorage keeps buckets in memory instead of on disk.
	MemoryStorage bool

	// MaxUpdateAttempts bounds compare-and-set retries on concurrent updates.
	MaxUpdateAttempts int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BucketPrefix:      "tidesync",
		Replicas:          1,
		MaxUpdateAttempts: 5,
	}
}

var bucketNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Store is a remote.Store over JetStream KV.
type Store struct {
	nc     *natsgo.Conn
	js     jetstream.JetStream
	cfg    Config
	avail  *remote.Availability
	mu     sync.Mutex
	kvs    map[string]jetstream.KeyValue
	closed bool
}

var _ remote.Store = (*Store)(nil)

// New builds a store on an established connection and takes over its
// disconnect, reconnect and closed handlers.
func New(nc *natsgo.Conn, cfg Config) (*Store, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection required")
	}
	if cfg.BucketPrefix == "" || !bucketNamePattern.MatchString(cfg.BucketPrefix) {
		return nil, fmt.Errorf("invalid bucket prefix %q", cfg.BucketPrefix)
	}
	if cfg.MaxUpdateAttempts <= 0 {
		cfg.MaxUpdateAttempts = 1
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	s := &Store{
		nc:    nc,
		js:    js,
		cfg:   cfg,
		avail: remote.NewAvailability(nc.IsConnected()),
		kvs:   make(map[string]jetstream.KeyValue),
	}
	metrics.SetRemoteAvailable(s.avail.Available())

	nc.SetDisconnectErrHandler(func(_ *natsgo.Conn, err error) {
		logging.Warn().Err(err).Msg("NATS connection lost, remote store unavailable")
		s.setAvailable(false)
	})
	nc.SetReconnectHandler(func(c *natsgo.Conn) {
		logging.Info().Str("url", c.ConnectedUrl()).Msg("NATS connection restored, remote store available")
		s.setAvailable(true)
	})
	nc.SetClosedHandler(func(*natsgo.Conn) {
		s.setAvailable(false)
	})
	return s, nil
}

// Connect dials url with unlimited reconnects and builds a store on it.
func Connect(url string, cfg Config, opts ...natsgo.Option) (*Store, error) {
	base := []natsgo.Option{
		natsgo.Name("tidesync"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
	}
	nc, err := natsgo.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	s, err := New(nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) setAvailable(v bool) {
	if s.avail.Set(v) {
		metrics.SetRemoteAvailable(v)
	}
}

// Available implements remote.Store.
func (s *Store) Available() bool {
	return s.avail.Available()
}

// OnAvailabilityChange implements remote.Store.
func (s *Store) OnAvailabilityChange(fn func(bool)) func() {
	return s.avail.Subscribe(fn)
}

// Close drains and closes the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.nc.Drain()
}

func (s *Store) bucketName(table string) (string, error) {
	name := s.cfg.BucketPrefix + "_" + table
	if !bucketNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: table name %q", operation.ErrInvalidOperation, table)
	}
	return name, nil
}

// bucket returns the KV bucket for table, creating it on first use.
func (s *Store) bucket(ctx context.Context, table string) (jetstream.KeyValue, error) {
	s.mu.Lock()
	kv, ok := s.kvs[table]
	s.mu.Unlock()
	if ok {
		return kv, nil
	}

	name, err := s.bucketName(table)
	if err != nil {
		return nil, err
	}
	storage := jetstream.FileStorage
	if s.cfg.MemoryStorage {
		storage = jetstream.MemoryStorage
	}
	kv, err = s.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "tidesync table " + table,
		Storage:     storage,
		Replicas:    s.cfg.Replicas,
	})
	if err != nil {
		return nil, classify("create bucket "+name, err)
	}

	s.mu.Lock()
	s.kvs[table] = kv
	s.mu.Unlock()
	return kv, nil
}

func encodeKey(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func decodeKey(key string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// classify maps transport failures to ErrRemoteUnavailable.
func classify(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, natsgo.ErrTimeout),
		errors.Is(err, natsgo.ErrConnectionClosed),
		errors.Is(err, natsgo.ErrConnectionDraining),
		errors.Is(err, natsgo.ErrDisconnected),
		errors.Is(err, natsgo.ErrNoResponders),
		errors.Is(err, jetstream.ErrJetStreamNotEnabled):
		return fmt.Errorf("%w: %s: %w", operation.ErrRemoteUnavailable, what, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func record(op string, err error) {
	result := metrics.RemoteResult(err, operation.ErrDuplicateID, operation.ErrNotFound, operation.ErrRemoteUnavailable)
	metrics.RemoteRequests.WithLabelValues(op, result).Inc()
}

// CreateTable implements operation.Target.
func (s *Store) CreateTable(ctx context.Context, table string) (err error) {
	defer func() { record("create_table", err) }()
	_, err = s.bucket(ctx, table)
	return err
}

// Insert implements operation.Target.
func (s *Store) Insert(ctx context.Context, table string, rec operation.Record, replace bool) (err error) {
	defer func() { record("insert", err) }()

	kv, err := s.bucket(ctx, table)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec.Values)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}

	key := encodeKey(rec.ID)
	if replace {
		_, err = kv.Put(ctx, key, data)
		return classify("put "+table+"/"+rec.ID, err)
	}
	_, err = kv.Create(ctx, key, data)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("%w: %s/%s", operation.ErrDuplicateID, table, rec.ID)
	}
	return classify("create "+table+"/"+rec.ID, err)
}

// get loads one record and its revision.
func (s *Store) get(ctx context.Context, kv jetstream.KeyValue, table, id string) (operation.Values, uint64, error) {
	entry, err := kv.Get(ctx, encodeKey(id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, fmt.Errorf("%w: %s/%s", operation.ErrNotFound, table, id)
	}
	if err != nil {
		return nil, 0, classify("get "+table+"/"+id, err)
	}
	var values operation.Values
	if err := json.Unmarshal(entry.Value(), &values); err != nil {
		return nil, 0, fmt.Errorf("decode record %s/%s: %w", table, id, err)
	}
	return values, entry.Revision(), nil
}

// scan loads every record of table matching sel.
func (s *Store) scan(ctx context.Context, kv jetstream.KeyValue, table string, sel operation.Selector) ([]operation.Record, error) {
	if sel.ByIDOnly() {
		values, _, err := s.get(ctx, kv, table, sel.ID)
		if errors.Is(err, operation.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		rec := operation.Record{ID: sel.ID, Values: values}
		if !sel.Matches(rec) {
			return nil, nil
		}
		return []operation.Record{rec}, nil
	}

	lister, err := kv.ListKeys(ctx)
	if err != nil {
		return nil, classify("list "+table, err)
	}
	defer func() { _ = lister.Stop() }()

	var out []operation.Record
	for key := range lister.Keys() {
		id, err := decodeKey(key)
		if err != nil {
			logging.Warn().Str("table", table).Str("key", key).Msg("Skipping undecodable key")
			continue
		}
		values, _, err := s.get(ctx, kv, table, id)
		if errors.Is(err, operation.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rec := operation.Record{ID: id, Values: values}
		if sel.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Update implements operation.Target. Each record is merged with
// compare-and-set on its revision.
func (s *Store) Update(ctx context.Context, table string, sel operation.Selector, set operation.Values) (n int, err error) {
	defer func() { record("update", err) }()

	kv, err := s.bucket(ctx, table)
	if err != nil {
		return 0, err
	}
	matched, err := s.scan(ctx, kv, table, sel)
	if err != nil {
		return 0, err
	}
	if len(matched) == 0 && sel.ByIDOnly() {
		return 0, fmt.Errorf("%w: %s/%s", operation.ErrNotFound, table, sel.ID)
	}

	for _, rec := range matched {
		if err := s.updateOne(ctx, kv, table, rec.ID, set); err != nil {
			if errors.Is(err, operation.ErrNotFound) && !sel.ByIDOnly() {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Store) updateOne(ctx context.Context, kv jetstream.KeyValue, table, id string, set operation.Values) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxUpdateAttempts; attempt++ {
		values, rev, err := s.get(ctx, kv, table, id)
		if err != nil {
			return err
		}
		data, err := json.Marshal(values.Merge(set))
		if err != nil {
			return fmt.Errorf("encode record %s/%s: %w", table, id, err)
		}
		if _, err = kv.Update(ctx, encodeKey(id), data, rev); err == nil {
			return nil
		}
		lastErr = classify("update "+table+"/"+id, err)
		if errors.Is(lastErr, operation.ErrRemoteUnavailable) {
			return lastErr
		}
		logging.Debug().Str("table", table).Str("id", id).Int("attempt", attempt+1).Msg("Concurrent update, retrying")
	}
	return lastErr
}

// Delete implements operation.Target.
func (s *Store) Delete(ctx context.Context, table string, sel operation.Selector) (n int, err error) {
	defer func() { record("delete", err) }()

	kv, err := s.bucket(ctx, table)
	if err != nil {
		return 0, err
	}
	matched, err := s.scan(ctx, kv, table, sel)
	if err != nil {
		return 0, err
	}
	if len(matched) == 0 && sel.ByIDOnly() {
		return 0, fmt.Errorf("%w: %s/%s", operation.ErrNotFound, table, sel.ID)
	}
	for _, rec := range matched {
		if err := kv.Delete(ctx, encodeKey(rec.ID)); err != nil {
			return n, classify("delete "+table+"/"+rec.ID, err)
		}
		n++
	}
	return n, nil
}

// Select implements operation.Target.
func (s *Store) Select(ctx context.Context, table string, sel operation.Selector, order *operation.Ordering) (recs []operation.Record, err error) {
	defer func() { record("select", err) }()

	kv, err := s.bucket(ctx, table)
	if err != nil {
		return nil, err
	}
	recs, err = s.scan(ctx, kv, table, sel)
	if err != nil {
		return nil, err
	}
	operation.Sort(recs, order)
	return recs, nil
}

// SubscribeToChanges implements remote.Store. Puts are filtered by pred;
// deletes carry no values and are always reported.
func (s *Store) SubscribeToChanges(ctx context.Context, table string, pred operation.Predicate, fn remote.ChangeFunc) (remote.Subscription, error) {
	kv, err := s.bucket(ctx, table)
	if err != nil {
		return nil, err
	}
	w, err := kv.WatchAll(context.WithoutCancel(ctx), jetstream.UpdatesOnly())
	if err != nil {
		return nil, classify("watch "+table, err)
	}

	go func() {
		for entry := range w.Updates() {
			if entry == nil {
				continue
			}
			id, err := decodeKey(entry.Key())
			if err != nil {
				continue
			}
			if entry.Operation() == jetstream.KeyValuePut {
				var values operation.Values
				if err := json.Unmarshal(entry.Value(), &values); err != nil {
					continue
				}
				if !pred.Matches(operation.Record{ID: id, Values: values}) {
					continue
				}
			}
			fn(&id)
		}
	}()

	var once sync.Once
	return subscription(func() error {
		var err error
		once.Do(func() { err = w.Stop() })
		return err
	}), nil
}

type subscription func() error

func (f subscription) Close() error { return f() }
