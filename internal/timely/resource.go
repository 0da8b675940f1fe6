// Package timely implements the Timely Resource: an MVCC version chain
// attached to an arbitrary container, letting concurrent transactions see,
// create, logically delete, and garbage-collect distinct versions of that
// resource under snapshot-isolation semantics.
package timely

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"weak"

	"github.com/cockroachdb/errors"

	"timelyresource.dev/engine/internal/syncutil"
	"timelyresource.dev/engine/internal/txn"
	"timelyresource.dev/engine/internal/vh"
)

// Resource owns the head of a version chain attached to one container. It
// is safe for concurrent use: reads (GetVersion) walk the chain without
// taking a lock, while writes (AddVersion, Delete, Prune, SetPrimordial)
// serialize through a coarse per-resource mutex.
type Resource[C any, V Version] struct {
	engine    Engine
	container C

	mu    syncutil.RWMutex
	first atomic.Pointer[entry[V]]
}

// NewResource creates a Resource for container and registers it with eng
// for periodic pruning. The engine holds only a weak reference to the
// returned Resource, so it does not keep container's owner alive past its
// natural lifetime.
func NewResource[C any, V Version](eng Engine, container C) *Resource[C, V] {
	r := &Resource[C, V]{
		engine:    eng,
		container: container,
		mu:        syncutil.NewRWMutex(),
	}
	weakSelf := weak.Make(r)
	eng.Register(func(ctx context.Context) (bool, error) {
		self := weakSelf.Value()
		if self == nil {
			return false, nil
		}
		return true, self.Prune(ctx)
	})
	return r
}

// Container returns the object this Resource holds versions on behalf of.
func (r *Resource[C, V]) Container() C { return r.container }

// AddVersion attempts to add a new version on behalf of status. If status
// is active (non-nil and uncommitted), the new version is stamped with
// status's own (start timestamp, step); otherwise it is stamped as an
// auto-commit version using the engine's next timestamp.
//
// AddVersion returns ErrInvalidArgument if payload is nil, and
// ErrRollback if the caller lost a race to extend the chain or a
// write-write probe found a conflicting concurrent version.
func (r *Resource[C, V]) AddVersion(ctx context.Context, payload V, status *txn.Status) error {
	if isNilVersion(payload) {
		return newInvalidArgumentError("addVersion: payload must not be nil")
	}
	return r.addEntry(ctx, payload, status, false)
}

// Delete appends a logical-deletion tombstone carrying the same payload as
// the chain's current newest entry, through the same conflict-checked path
// as AddVersion. It is a no-op on an empty chain.
func (r *Resource[C, V]) Delete(ctx context.Context, status *txn.Status) error {
	first := r.first.Load()
	if first == nil {
		return nil
	}
	return r.addEntry(ctx, first.payload, status, true)
}

func (r *Resource[C, V]) versionHandleFor(status *txn.Status) vh.Handle {
	if status != nil && status.IsActive() {
		return vh.Encode(uint64(status.Start()), uint8(status.Step()))
	}
	return vh.Encode(r.engine.AutoCommitTimestamp(), 0)
}

// addEntry is the shared path behind AddVersion and Delete: it computes a
// version handle, checks for a lost race and write-write conflicts, and on
// success prepends a new entry. On a TimedOut probe outcome it releases
// the mutex, performs exactly one blocking wait, and either retries the
// whole operation from the top or rolls back — it never waits twice for
// the same attempt.
func (r *Resource[C, V]) addEntry(ctx context.Context, payload V, status *txn.Status, deleted bool) error {
	for {
		newVH := r.versionHandleFor(status)
		if !r.mu.TryLockUntil(ctx) {
			return errorFromContext(ctx.Err())
		}

		first := r.first.Load()
		if first != nil && first.vh.Load() >= newVH {
			// This caller lost a race to make the most recent version.
			r.mu.Unlock()
			return ErrRollback
		}

		if status != nil && status.IsActive() {
			waitVH, needsWait, conflict := r.probeConflicts(ctx, first, status)
			if conflict {
				r.mu.Unlock()
				return ErrRollback
			}
			if needsWait {
				r.mu.Unlock()
				outcome, err := r.engine.Index().WWDependency(ctx, waitVH, status, r.engine.WaitWriteWriteBound())
				if err != nil {
					return errorFromContext(err)
				}
				if outcome == txn.Primordial || outcome == txn.Aborted {
					continue
				}
				return ErrRollback
			}
		}

		e := &entry[V]{payload: payload}
		e.vh.Store(newVH)
		e.deleted.Store(deleted)
		e.previous.Store(first)
		r.first.Store(e)
		r.mu.Unlock()
		return nil
	}
}

// probeConflicts performs the non-blocking write-write probe against every
// entry in the chain. A Primordial or Aborted outcome is not a conflict, nor
// is a commit timestamp earlier than waiter's start timestamp (the creator
// was not concurrent with waiter); a TimedOut outcome means the caller must
// retry with one blocking wait against that entry; anything else is a
// conflict that forces a rollback.
func (r *Resource[C, V]) probeConflicts(ctx context.Context, first *entry[V], waiter *txn.Status) (waitVH vh.Handle, needsWait, conflict bool) {
	idx := r.engine.Index()
	for e := first; e != nil; e = e.previous.Load() {
		h := e.vh.Load()
		outcome, _ := idx.WWDependency(ctx, h, waiter, 0)
		switch outcome {
		case txn.TimedOut:
			return h, true, false
		case txn.Primordial, txn.Aborted:
			continue
		default:
			if outcome > txn.Primordial && outcome < waiter.Start() {
				continue
			}
			return 0, false, true
		}
	}
	return 0, false, false
}

// GetVersion returns the version visible to status's snapshot: the first
// entry, newest to oldest, whose creator had committed as of (status.ts,
// status.step). If status is nil or not active, the snapshot is "the
// latest globally committed state." GetVersion does not take the resource
// mutex; the chain is append-at-head, so a traversal starting from one
// load of first always sees a consistent newest-to-oldest suffix.
//
// The second result reports whether the visible entry is a deletion
// tombstone. A tombstone still carries the payload of whatever it
// superseded (Delete reuses that entry's payload), so callers that care about logical
// existence — not just chain occupancy — must check this bit rather than
// trusting ok alone: ok is true and deleted is true for a resource whose
// newest visible write was a delete.
func (r *Resource[C, V]) GetVersion(status *txn.Status) (v V, deleted bool, ok bool) {
	var ts int64
	var step int32
	if status != nil && status.IsActive() {
		ts, step = status.Start(), status.Step()
	} else {
		ts, step = txn.Uncommitted, 0
	}
	idx := r.engine.Index()
	for e := r.first.Load(); e != nil; e = e.previous.Load() {
		tc := idx.CommitStatus(e.vh.Load(), ts, step)
		if tc >= 0 && tc != txn.Uncommitted {
			return e.payload, e.deleted.Load(), true
		}
	}
	var zero V
	return zero, false, false
}

// GetVersionWithCreator behaves like GetVersion, except that if no
// non-tombstone version is yet visible to status, it calls creator.Create
// to build one and publishes it via AddVersion before returning it.
func (r *Resource[C, V]) GetVersionWithCreator(ctx context.Context, status *txn.Status, creator VersionCreator[C, V]) (V, error) {
	if v, deleted, ok := r.GetVersion(status); ok && !deleted {
		return v, nil
	}
	v, err := creator.Create(ctx, r)
	if err != nil {
		var zero V
		return zero, err
	}
	if err := r.AddVersion(ctx, v, status); err != nil {
		var zero V
		return zero, err
	}
	return v, nil
}

// IsEmpty reports whether this Resource holds no versions at all.
func (r *Resource[C, V]) IsEmpty() bool { return r.first.Load() == nil }

// LockContentions reports how many writes or prunes against this Resource
// have had to wait for another in-flight write or prune to finish, rather
// than finding the chain free. A resource under sustained write-write
// contention will show this counter climbing quickly relative to its
// write volume.
func (r *Resource[C, V]) LockContentions() uint64 { return r.mu.Contentions() }

// VersionCount walks the chain and counts its entries.
func (r *Resource[C, V]) VersionCount() int {
	n := 0
	for e := r.first.Load(); e != nil; e = e.previous.Load() {
		n++
	}
	return n
}

// SetPrimordial rewrites the chain's sole entry to carry the Primordial
// version handle, making it universally visible. It fails with
// ErrInvalidArgument unless the chain holds exactly one entry.
func (r *Resource[C, V]) SetPrimordial(ctx context.Context) error {
	if !r.mu.TryLockUntil(ctx) {
		return errorFromContext(ctx.Err())
	}
	defer r.mu.Unlock()
	first := r.first.Load()
	if first == nil || first.previous.Load() != nil {
		return newInvalidArgumentError("setPrimordial: chain must hold exactly one entry")
	}
	first.vh.Store(vh.Handle(txn.Primordial))
	return nil
}

// Prune removes every version no transaction can still observe. Phase A
// runs under the resource mutex, deciding which entries to keep and
// relinking around the rest; Phase B runs outside the mutex, invoking the
// PrunableVersion.Prune hook of each dropped entry that is neither a
// deletion tombstone nor written by an aborted transaction. Failures from
// those hooks are collected and joined into a single returned error once
// as many of them as possible have run.
func (r *Resource[C, V]) Prune(ctx context.Context) error {
	toPrune, err := r.pruneLocked(ctx)
	if err != nil {
		return err
	}
	var combined error
	for _, e := range toPrune {
		prunable, ok := any(e.payload).(PrunableVersion)
		if !ok {
			continue
		}
		if _, err := prunable.Prune(ctx); err != nil {
			combined = errors.CombineErrors(combined, err)
		}
	}
	return combined
}

func (r *Resource[C, V]) pruneLocked(ctx context.Context) ([]*entry[V], error) {
	if !r.mu.TryLockUntil(ctx) {
		return nil, errorFromContext(ctx.Err())
	}
	defer r.mu.Unlock()

	idx := r.engine.Index()

	var toPrune []*entry[V]
	var newer *entry[V]
	var latest *entry[V]
	lastVH := vh.Handle(math.MaxUint64)
	lastTC := txn.Uncommitted
	var uncommittedTs int64
	isPrimordial := true

	for e := r.first.Load(); e != nil; {
		prev := e.previous.Load()
		keep := false
		noCallback := false
		isPrimordial = isPrimordial && newer == nil

		h := e.vh.Load()
		tc := idx.CommitStatus(h, txn.Uncommitted, 0)

		switch {
		case tc < 0:
			// Aborted: dropped below, and its payload owes no prune
			// callback, since it was never visible to any observer.
			noCallback = true
		case tc == txn.Uncommitted:
			ts := int64(vh.DecodeTs(h))
			if uncommittedTs != 0 && uncommittedTs != ts {
				return nil, newCorruptedStateError(h, "multiple uncommitted versions in one chain")
			}
			uncommittedTs = ts
			keep = true
			isPrimordial = false
		case tc > txn.Primordial:
			if tc > lastTC && lastTC != txn.Uncommitted {
				return nil, newCorruptedStateError(h, "commit timestamps do not decrease walking newest to oldest")
			}
			if h >= lastVH && vh.DecodeTs(h) != vh.DecodeTs(lastVH) {
				return nil, newCorruptedStateError(h, "version chain is not monotonically ordered")
			}
			hasConcurrent := idx.HasConcurrentTransaction(tc, lastTC)
			if latest == nil || hasConcurrent {
				keep = true
				if latest == nil {
					latest = e
				}
			}
			lastVH, lastTC = h, tc
			if hasConcurrent {
				isPrimordial = false
			}
		case e.deleted.Load():
			// A deletion tombstone sitting at the primordial level still
			// masks the resource for every observer; keep it.
			keep = true
		default:
			// A primordial entry with nothing newer kept above it is
			// already in its fully pruned form; leave it alone. One with
			// a newer entry kept above it has been superseded and is
			// safe to drop.
			keep = newer == nil
		}

		if keep {
			newer = e
		} else {
			if !e.deleted.Load() && !noCallback {
				toPrune = append(toPrune, e)
			}
			if newer == nil {
				r.first.Store(prev)
			} else {
				newer.previous.Store(prev)
			}
		}
		e = prev
	}

	if first := r.first.Load(); first != nil && first.deleted.Load() && first.previous.Load() == nil {
		r.first.Store(nil)
	}
	if isPrimordial {
		if first := r.first.Load(); first != nil {
			first.vh.Store(vh.Handle(txn.Primordial))
		}
	}
	return toPrune, nil
}

// String renders a bounded, human-readable view of the chain, newest
// entry first, for diagnostics.
func (r *Resource[C, V]) String() string {
	idx := r.engine.Index()
	var sb strings.Builder
	sb.WriteString("Resource(")
	first := true
	for e := r.first.Load(); e != nil; e = e.previous.Load() {
		if sb.Len() > 1000 {
			sb.WriteString("...")
			break
		}
		if !first {
			sb.WriteByte(',')
		}
		first = false
		tc := idx.CommitStatus(e.vh.Load(), txn.Uncommitted, 0)
		fmt.Fprintf(&sb, "(vh=%d.%d tc=%s)->%v", vh.DecodeTs(e.vh.Load()), vh.DecodeStep(e.vh.Load()), tcString(tc), e.payload)
		if e.previous.Load() != nil {
			sb.WriteByte('*')
		}
	}
	sb.WriteByte(')')
	return sb.String()
}

func tcString(tc int64) string {
	switch tc {
	case txn.Primordial:
		return "primordial"
	case txn.Uncommitted:
		return "uncommitted"
	case txn.Aborted:
		return "aborted"
	case txn.TimedOut:
		return "timed-out"
	default:
		return strconv.FormatInt(tc, 10)
	}
}

// isNilVersion reports whether v is a nil pointer, interface, map, slice,
// channel, or function masquerading as a generic Version value. Payload
// types are conventionally pointers (or other nilable types); a plain
// struct value is never considered nil.
func isNilVersion[V Version](v V) bool {
	iv := any(v)
	if iv == nil {
		return true
	}
	rv := reflect.ValueOf(iv)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface, reflect.UnsafePointer:
		return rv.IsNil()
	default:
		return false
	}
}
