// Tidesync - Offline-first record synchronization engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidesync

package operation

import (
	"errors"
)

// Error taxonomy shared by every component. Callers classify with errors.Is;
// producers wrap with fmt.Errorf("...: %w", Err...).
var (
	// ErrRemoteUnavailable means the remote store could not be reached or the
	// call timed out. Writes failing with it are deferred to the retry queue.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrDuplicateID means an insert without replace hit an existing record.
	ErrDuplicateID = errors.New("duplicate record id")

	// ErrNotFound means an update or delete by id matched no record.
	ErrNotFound = errors.New("record not found")

	// ErrStorageIO means the local durable KV failed to read or write.
	ErrStorageIO = errors.New("local storage I/O failure")

	// ErrApplyFailure means a pulled log record could not be applied locally.
	ErrApplyFailure = errors.New("failed to apply operation")

	// ErrInvalidOperation means the operation is malformed (unknown kind, empty table).
	ErrInvalidOperation = errors.New("invalid operation")
)

// IsPermanent reports whether retrying err can never succeed.
// Duplicate and not-found outcomes are final answers from the store.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrDuplicateID) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidOperation)
}
