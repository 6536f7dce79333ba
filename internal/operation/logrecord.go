// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package operation

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// LogTable is the remote table holding published operation log records.
const LogTable = "_tidesync_oplog"

// Column names of LogTable rows.
const (
	ColumnStore     = "store_identifier"
	ColumnDevice    = "device_identifier"
	ColumnTimestamp = "timestamp"
	ColumnOperation = "operation"
)

// LogRecord is an immutable entry of the shared operation log.
// Timestamp is the total order key; it is kept at microsecond resolution so it
// survives storage as a JSON number without loss.
type LogRecord struct {
	ID        string    `json:"id"`
	StoreID   string    `json:"store_identifier"`
	DeviceID  string    `json:"device_identifier"`
	Timestamp time.Time `json:"timestamp"`
	Operation Operation `json:"operation"`
}

// NewLogRecord stamps op with a fresh ID, origin and the given time.
func NewLogRecord(storeID, deviceID string, at time.Time, op Operation) LogRecord {
	return LogRecord{
		ID:        uuid.NewString(),
		StoreID:   storeID,
		DeviceID:  deviceID,
		Timestamp: at.UTC().Truncate(time.Microsecond),
		Operation: op,
	}
}

// ToRecord renders the log record as a LogTable row.
func (l LogRecord) ToRecord() (Record, error) {
	payload, err := json.Marshal(l.Operation)
	if err != nil {
		return Record{}, fmt.Errorf("encode operation: %w", err)
	}
	return Record{
		ID: l.ID,
		Values: Values{
			ColumnStore:     l.StoreID,
			ColumnDevice:    l.DeviceID,
			ColumnTimestamp: l.Timestamp.UnixMicro(),
			ColumnOperation: string(payload),
		},
	}, nil
}

// InsertOperation returns the operation that appends l to the remote log.
func (l LogRecord) InsertOperation() (Operation, error) {
	rec, err := l.ToRecord()
	if err != nil {
		return Operation{}, err
	}
	return Insert(LogTable, rec.ID, rec.Values, false), nil
}

// LogRecordFromRecord parses a LogTable row.
func LogRecordFromRecord(rec Record) (LogRecord, error) {
	store, ok := rec.Values[ColumnStore].(string)
	if !ok {
		return LogRecord{}, fmt.Errorf("log record %s: missing %s", rec.ID, ColumnStore)
	}
	device, ok := rec.Values[ColumnDevice].(string)
	if !ok {
		return LogRecord{}, fmt.Errorf("log record %s: missing %s", rec.ID, ColumnDevice)
	}
	micros, ok := toFloat(rec.Values[ColumnTimestamp])
	if !ok {
		return LogRecord{}, fmt.Errorf("log record %s: missing %s", rec.ID, ColumnTimestamp)
	}
	payload, ok := rec.Values[ColumnOperation].(string)
	if !ok {
		return LogRecord{}, fmt.Errorf("log record %s: missing %s", rec.ID, ColumnOperation)
	}

	var op Operation
	if err := json.Unmarshal([]byte(payload), &op); err != nil {
		return LogRecord{}, fmt.Errorf("log record %s: decode operation: %w", rec.ID, err)
	}

	return LogRecord{
		ID:        rec.ID,
		StoreID:   store,
		DeviceID:  device,
		Timestamp: time.UnixMicro(int64(micros)).UTC(),
		Operation: op,
	}, nil
}

// PullPredicate selects records of store that did not originate on device
// stamped at or after since. Records at exactly since are included because
// another device may have published at the same microsecond; callers skip
// the ones they already applied.
func PullPredicate(storeID, deviceID string, since time.Time) Predicate {
	p := Where(ColumnStore, Eq, storeID).And(ColumnDevice, Ne, deviceID)
	if !since.IsZero() {
		p = p.And(ColumnTimestamp, Ge, since.UnixMicro())
	}
	return p
}
