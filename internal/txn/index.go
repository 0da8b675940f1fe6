package txn

import (
	"context"
	"math"
	"sync"
	"time"

	"timelyresource.dev/engine/internal/vh"
)

// Index is the process-wide registry mapping a version handle to the
// commit status of the transaction that created it. It answers the three
// questions the version chain needs: whether a given version is visible to
// a snapshot (CommitStatus), whether appending a new version would
// conflict with one already in the chain (WWDependency), and whether any
// transaction's lifetime overlapped a given commit-timestamp interval
// (HasConcurrentTransaction).
//
// Index has its own internal synchronization; there is no global lock
// shared with the version chains that consult it.
type Index struct {
	mu      sync.RWMutex
	byStart map[int64]*Status
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{byStart: make(map[int64]*Status)}
}

// Register makes s visible to CommitStatus, WWDependency, and
// HasConcurrentTransaction lookups. Callers register a Status when a
// transaction starts.
func (idx *Index) Register(s *Status) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byStart[s.Start()] = s
}

// Forget removes a transaction's Status from the index. Callers forget a
// transaction once no live version handle can reference it any longer
// (i.e., after it has been pruned from every version chain that held one
// of its versions).
func (idx *Index) Forget(s *Status) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.byStart, s.Start())
}

func (idx *Index) lookup(ts int64) *Status {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.byStart[ts]
}

// CommitStatus returns the effective commit timestamp of the transaction
// that created h, filtered for an observer taking a snapshot at
// (snapshotTs, snapshotStep).
//
// It returns Primordial for a primordial version handle, Aborted if the
// creator rolled back, the creator's own start timestamp if the creator is
// the observer and wrote at a step no later than snapshotStep (so a
// transaction can see its own uncommitted writes), Uncommitted if the
// creator is still active and is not that self-visible case, Uncommitted
// also if the creator committed after snapshotTs (so the version is not
// part of that snapshot), and otherwise the creator's commit timestamp.
func (idx *Index) CommitStatus(h vh.Handle, snapshotTs int64, snapshotStep int32) int64 {
	if h == vh.Handle(Primordial) {
		return Primordial
	}
	ts := int64(vh.DecodeTs(h))
	step := int32(vh.DecodeStep(h))
	creator := idx.lookup(ts)
	if creator == nil {
		// The creator has already been forgotten; a version with no
		// reachable creator cannot still be uncommitted, so treat it
		// conservatively as having been rolled back.
		return Aborted
	}
	tc := creator.TC()
	if tc != Uncommitted {
		if tc > snapshotTs {
			return Uncommitted
		}
		return tc
	}
	if ts == snapshotTs && step <= snapshotStep {
		return ts
	}
	return Uncommitted
}

// WWDependency inspects the transaction that created h on behalf of
// waiter, which is attempting to add a new version.
//
// If the creator already committed, WWDependency returns its commit
// timestamp. If the creator aborted, it returns Aborted. If h is
// primordial, or the creator is waiter itself, it returns Primordial (no
// dependency). Otherwise the creator is still active: WWDependency blocks
// up to maxWait for a resolution, returning TimedOut if the bound elapses
// first. Passing maxWait <= 0 performs a non-blocking probe, which
// reports TimedOut immediately whenever the creator is still active
// rather than waiting at all.
func (idx *Index) WWDependency(ctx context.Context, h vh.Handle, waiter *Status, maxWait time.Duration) (int64, error) {
	if h == vh.Handle(Primordial) {
		return Primordial, nil
	}
	ts := int64(vh.DecodeTs(h))
	creator := idx.lookup(ts)
	if creator == nil {
		return Aborted, nil
	}
	if waiter != nil && creator.Start() == waiter.Start() {
		return Primordial, nil
	}
	if tc := creator.TC(); tc != Uncommitted {
		return tc, nil
	}
	if maxWait <= 0 {
		return TimedOut, nil
	}
	tc, timedOut, err := creator.Wait(ctx, maxWait)
	if err != nil {
		return 0, err
	}
	if timedOut {
		return TimedOut, nil
	}
	return tc, nil
}

// HasConcurrentTransaction reports whether any registered transaction's
// lifetime overlapped the commit-timestamp interval [tcA, tcB). A still-
// active transaction's lifetime is treated as extending indefinitely.
func (idx *Index) HasConcurrentTransaction(tcA, tcB int64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	bEnd := tcB
	if bEnd == Uncommitted {
		bEnd = math.MaxInt64
	}
	for _, s := range idx.byStart {
		tc := s.TC()
		if tc == Aborted || tc == TimedOut {
			continue
		}
		end := tc
		if end == Uncommitted {
			end = math.MaxInt64
		}
		if s.Start() < bEnd && end > tcA {
			return true
		}
	}
	return false
}
