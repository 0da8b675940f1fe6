package timely

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Sentinel errors surfaced by the core. Callers should compare against
// these with errors.Is rather than the concrete types below, which may
// carry additional diagnostic context.
var (
	// ErrRollback is returned when the caller's transaction loses a race
	// to append the newest version, or when a write-write probe finds a
	// concurrent version that has committed or may still commit.
	ErrRollback = errors.New("timely: transaction must roll back")
	// ErrInterrupted is returned when a blocking wait on a write-write
	// dependency, or on the resource mutex, is canceled.
	ErrInterrupted = errors.New("timely: operation interrupted")
	// ErrTimeout is returned when a bounded wait exceeds its deadline.
	ErrTimeout = errors.New("timely: operation timed out")
	// ErrInvalidArgument is returned for calls with a nil payload, or a
	// SetPrimordial call against a chain that doesn't hold exactly one
	// entry.
	ErrInvalidArgument = errors.New("timely: invalid argument")
	// ErrCorruptedState is returned when pruning detects a broken
	// invariant: more than one uncommitted version in a chain, or a
	// version chain that is not monotonically ordered newest to oldest.
	ErrCorruptedState = errors.New("timely: corrupted version chain")
)

type invalidArgumentError string

func (e invalidArgumentError) Error() string {
	return fmt.Sprintf("timely: invalid argument: %s", string(e))
}

func (e invalidArgumentError) Is(err error) bool {
	return err == ErrInvalidArgument
}

func newInvalidArgumentError(reason string) error {
	return invalidArgumentError(reason)
}

type corruptedStateError struct {
	vh     uint64
	reason string
}

func (e *corruptedStateError) Error() string {
	return fmt.Sprintf("timely: corrupted version chain at vh=%#x: %s", e.vh, e.reason)
}

func (e *corruptedStateError) Is(err error) bool {
	return err == ErrCorruptedState
}

func newCorruptedStateError(h uint64, reason string) error {
	return &corruptedStateError{vh: h, reason: reason}
}

// errorFromContext translates a canceled or expired context into the
// matching sentinel, preserving the original cause for inspection.
func errorFromContext(cause error) error {
	if cause == nil {
		return ErrInterrupted
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return errors.Mark(cause, ErrTimeout)
	}
	return errors.Mark(cause, ErrInterrupted)
}
