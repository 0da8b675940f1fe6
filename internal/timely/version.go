package timely

import (
	"context"
	"time"

	"timelyresource.dev/engine/internal/txn"
)

// Version is a capability tag implemented by every payload a Resource
// manages. It carries no methods of its own; it exists so that generic
// code can express "any payload a Resource can hold" without committing to
// a concrete type.
type Version interface{}

// PrunableVersion extends Version with a Prune hook, invoked once the
// version has become unobservable by any present or future transaction.
// The returned bool is advisory, reporting whether the version actually
// released resources.
type PrunableVersion interface {
	Version
	Prune(ctx context.Context) (bool, error)
}

// VersionCreator builds a new version on demand for a Resource that has no
// version visible to a given transaction yet.
type VersionCreator[C any, V Version] interface {
	Create(ctx context.Context, r *Resource[C, V]) (V, error)
}

// Engine is the contract a Resource depends on from its owning storage
// engine: a source of strictly monotonic timestamps for auto-commit
// versions, the transaction index that answers visibility and
// write-write-dependency questions, and a hook through which the Resource
// registers itself for periodic pruning sweeps.
type Engine interface {
	// AutoCommitTimestamp stamps and immediately commits a version made
	// outside any active transaction, returning the timestamp to encode
	// into its version handle. Unlike a handle drawn from a real
	// transaction, an auto-commit write has no separate start and commit
	// phase, so the engine must register it with the transaction index
	// as already resolved; otherwise the index would treat its creator as
	// unknown and report the version as aborted rather than committed.
	AutoCommitTimestamp() uint64
	// Index returns the engine's transaction index.
	Index() *txn.Index
	// Register records a liveness probe for a newly constructed Resource.
	// The probe reports whether the Resource is still reachable and, if
	// so, runs its pruning pass.
	Register(probe func(context.Context) (bool, error))
	// WaitWriteWriteBound bounds how long addEntry blocks on a write-write
	// dependency before giving up and rolling back the caller's
	// transaction.
	WaitWriteWriteBound() time.Duration
}

// DefaultMaxWaitTime bounds how long AddVersion blocks on a write-write
// dependency before giving up and rolling back the caller's transaction.
const DefaultMaxWaitTime = 5 * time.Second
