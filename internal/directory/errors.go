package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Error taxonomy shared by every layer of the system. Callers test with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrDuplicateKey        = errors.New("duplicate key")
	ErrUnknownShard        = errors.New("unknown shard")
	ErrHasActiveMappings   = errors.New("shard has active mappings")
	ErrStillOnline         = errors.New("mapping is still online")
	ErrUnmappedKey         = errors.New("unmapped key")
	ErrMappingOffline      = errors.New("mapping is offline")
	ErrConnectionFailed    = errors.New("connection failed")
	ErrTimeout             = errors.New("timeout")
	ErrPartialBatchFailure = errors.New("partial batch failure")

	// ErrInvalidTransition is returned for Offline -> Online; re-provisioning creates a fresh mapping.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Retryable reports whether err is a connectivity failure that a caller may
// choose to retry. Invariant violations are never retryable.
func Retryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrTimeout)
}

// storeError classifies a failure returned by the directory database.
// Deadline overruns become ErrTimeout; constraint violations raised by a
// concurrent writer in another process become onConstraint.
func storeError(op string, err error, onConstraint error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("directory %s: %w: %w", op, ErrTimeout, err)
	}
	var se sqlite3.Error
	if onConstraint != nil && errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("directory %s: %w", op, onConstraint)
	}
	if errors.As(err, &se) && (se.Code == sqlite3.ErrCantOpen || se.Code == sqlite3.ErrBusy) {
		return fmt.Errorf("directory %s: %w: %w", op, ErrConnectionFailed, err)
	}
	return fmt.Errorf("directory %s: %w", op, err)
}
