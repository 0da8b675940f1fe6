// Package txn implements the minimal transaction status and transaction
// index contract that the timely-resource version chain depends on:
// commit-timestamp lookup, write-write dependency probing, and
// concurrent-transaction predicates.
package txn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Sentinel commit-timestamp values. They occupy a reserved, non-overlapping
// range of the commit-timestamp space: Primordial is the smallest
// non-negative value, ordinary commit timestamps are positive, Uncommitted
// is the largest int64, and Aborted and TimedOut are negative, so a sign
// check separates those two from every other value while Uncommitted must
// be compared for explicitly.
const (
	// Primordial marks a version that predates every live transaction and
	// is universally visible. It also doubles as the "no dependency"
	// outcome of a write-write probe.
	Primordial int64 = 0
	// Uncommitted marks a transaction that is still active, with no commit
	// decision yet.
	Uncommitted int64 = 1<<63 - 1
	// Aborted marks a transaction that rolled back.
	Aborted int64 = -1
	// TimedOut marks a write-write wait that exceeded its bound without a
	// commit/abort decision.
	TimedOut int64 = -2
)

// Status is the ephemeral record of one transaction: its start timestamp,
// its commit decision (or lack of one), its step counter, and a wait
// primitive other transactions can block on while probing for a
// write-write dependency.
type Status struct {
	ts   int64
	step atomic.Int32
	tc   atomic.Int64

	mu       sync.Mutex
	resolved chan struct{}
}

// NewStatus returns the Status for a newly started transaction with start
// timestamp ts.
func NewStatus(ts int64) *Status {
	s := &Status{ts: ts, resolved: make(chan struct{})}
	s.tc.Store(Uncommitted)
	return s
}

// Start returns the transaction's start timestamp.
func (s *Status) Start() int64 { return s.ts }

// Step returns the transaction's current step counter.
func (s *Status) Step() int32 { return s.step.Load() }

// SetStep advances the transaction's step counter. Callers bump this
// between statements within the same transaction so that later steps can
// observe versions written by earlier steps of the same transaction.
func (s *Status) SetStep(step int32) { s.step.Store(step) }

// TC returns the transaction's current commit-timestamp sentinel: a
// non-negative value means committed at that timestamp (or Uncommitted if
// still active), a negative value means aborted.
func (s *Status) TC() int64 { return s.tc.Load() }

// IsActive reports whether the transaction has neither committed nor
// aborted yet.
func (s *Status) IsActive() bool { return s.TC() == Uncommitted }

// Commit resolves the transaction as committed at timestamp tc, waking any
// transactions blocked in Wait.
func (s *Status) Commit(tc int64) {
	s.resolve(tc)
}

// Abort resolves the transaction as rolled back, waking any transactions
// blocked in Wait.
func (s *Status) Abort() {
	s.resolve(Aborted)
}

func (s *Status) resolve(tc int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.resolved:
		// Already resolved; a transaction may only commit or abort once.
		return
	default:
	}
	s.tc.Store(tc)
	close(s.resolved)
}

// Wait blocks until the transaction commits or aborts, ctx is done, or
// maxWait elapses, whichever happens first. It reports the resolved commit
// timestamp, whether the wait timed out, and a non-nil error only if ctx
// was the reason the wait ended.
func (s *Status) Wait(ctx context.Context, maxWait time.Duration) (tc int64, timedOut bool, err error) {
	if !s.IsActive() {
		return s.TC(), false, nil
	}
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-s.resolved:
		return s.TC(), false, nil
	case <-timer.C:
		return TimedOut, true, nil
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
}
