package types

import (
	"errors"
	"fmt"
)

// Kind names a class of failure the engine can surface, matching the
// error taxonomy the recovery and commit protocols are specified against.
// Kind is a classification, not a concrete error type: callers match on
// it with errors.Is against the sentinel values below, or by inspecting
// StorageError.Kind directly.
type Kind string

const (
	InvalidInput       Kind = "invalid_input"
	NotFound           Kind = "not_found"
	Corruption         Kind = "corruption"
	PendingCommit      Kind = "pending_commit"
	NotLeader          Kind = "not_leader"
	StorageUnavailable Kind = "storage_unavailable"
	QuotaExceeded      Kind = "quota_exceeded"
	Transient          Kind = "transient"
	Cancelled          Kind = "cancelled"
)

// Sentinel errors for errors.Is matching against Kind, independent of the
// offending block id or phase.
var (
	ErrInvalidInput       = &StorageError{Kind: InvalidInput}
	ErrNotFound           = &StorageError{Kind: NotFound}
	ErrCorruption         = &StorageError{Kind: Corruption}
	ErrNotLeader          = &StorageError{Kind: NotLeader}
	ErrStorageUnavailable = &StorageError{Kind: StorageUnavailable}
	ErrQuotaExceeded      = &StorageError{Kind: QuotaExceeded}
	ErrTransient          = &StorageError{Kind: Transient}
	ErrCancelled          = &StorageError{Kind: Cancelled}
)

// StorageError carries enough context to identify the offending block and
// the commit phase in which a failure occurred, per the error-handling
// design: unrecoverable conditions propagate with that context rather
// than a bare message.
type StorageError struct {
	Kind    Kind
	Block   BlockID // 0 if not applicable
	Phase   string  // e.g. "phase1", "phase2a", "phase2b", "phase3"; "" if n/a
	Op      string  // operation name, e.g. "write_block", "commit"
	Cause   error
}

func (e *StorageError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Block != 0 {
		msg = fmt.Sprintf("%s (block %d)", msg, e.Block)
	}
	if e.Phase != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Phase)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches purely on Kind, so errors.Is(err, ErrNotFound) works
// regardless of which block id or phase populated the concrete error.
func (e *StorageError) Is(target error) bool {
	other, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// NewError constructs a StorageError for the given kind and operation.
func NewError(kind Kind, op string, cause error) *StorageError {
	return &StorageError{Kind: kind, Op: op, Cause: cause}
}

// WithBlock attaches a block id to an error for richer diagnostics.
func (e *StorageError) WithBlock(id BlockID) *StorageError {
	clone := *e
	clone.Block = id
	return &clone
}

// WithPhase attaches a commit phase name to an error for richer diagnostics.
func (e *StorageError) WithPhase(phase string) *StorageError {
	clone := *e
	clone.Phase = phase
	return &clone
}

// KindOf returns the Kind of err if it is (or wraps) a *StorageError, and
// false otherwise.
func KindOf(err error) (Kind, bool) {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}
