// Package engine wires together the timestamp allocator, transaction
// index, and weak-referenced resource registry that a Timely Resource
// depends on, and runs the periodic sweep that prunes them.
package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"timelyresource.dev/engine/internal/txn"
)

// defaultWaitWriteWriteBound mirrors timely.DefaultMaxWaitTime; Core uses
// its own copy so that a caller can override it with WithWaitWriteWriteBound
// without this package importing internal/timely.
const defaultWaitWriteWriteBound = 5 * time.Second

// Core implements the timely.Engine contract: a timestamp allocator, the
// transaction index, and the resource registry used for pruning sweeps.
type Core struct {
	alloc    *Allocator
	index    *txn.Index
	registry *Registry
	log      *logrus.Entry
	wwBound  time.Duration
}

// CoreOption customizes a Core constructed by NewCore.
type CoreOption func(*Core)

// WithWaitWriteWriteBound overrides how long a write blocks on a
// write-write dependency before rolling back.
func WithWaitWriteWriteBound(d time.Duration) CoreOption {
	return func(c *Core) { c.wwBound = d }
}

// NewCore assembles a Core ready to back one or more Timely Resources. A
// nil logger falls back to logrus's standard logger.
func NewCore(log *logrus.Entry, opts ...CoreOption) *Core {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Core{
		alloc:    NewAllocator(),
		index:    txn.NewIndex(),
		registry: NewRegistry(log),
		log:      log,
		wwBound:  defaultWaitWriteWriteBound,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WaitWriteWriteBound reports how long a write blocks on a write-write
// dependency before the caller's transaction is rolled back.
func (c *Core) WaitWriteWriteBound() time.Duration { return c.wwBound }

// AutoCommitTimestamp stamps and immediately commits a version made outside
// any active transaction: it allocates a timestamp, registers a Status for
// it, and resolves that Status as committed at the same timestamp, so later
// lookups against the transaction index find it already committed rather
// than unknown.
func (c *Core) AutoCommitTimestamp() uint64 {
	ts := c.alloc.Next()
	status := txn.NewStatus(int64(ts))
	c.index.Register(status)
	status.Commit(int64(ts))
	return ts
}

// Index returns the transaction index shared by every resource this Core
// backs.
func (c *Core) Index() *txn.Index { return c.index }

// Register installs a liveness probe for a newly constructed resource.
func (c *Core) Register(p func(context.Context) (bool, error)) { c.registry.add(p) }

// Sweep prunes every live resource registered with this Core.
func (c *Core) Sweep(ctx context.Context) error { return c.registry.Sweep(ctx) }

// RegistrySize reports how many resources are currently registered.
func (c *Core) RegistrySize() int { return c.registry.Len() }

// BeginTransaction starts a new transaction, registering its Status with
// the transaction index so other transactions can discover write-write
// dependencies and visibility against it.
func (c *Core) BeginTransaction() *txn.Status {
	status := txn.NewStatus(int64(c.alloc.Next()))
	c.index.Register(status)
	return status
}

// Commit resolves status as committed at a freshly allocated commit
// timestamp and returns it.
func (c *Core) Commit(status *txn.Status) int64 {
	tc := int64(c.alloc.Next())
	status.Commit(tc)
	return tc
}

// Abort resolves status as rolled back.
func (c *Core) Abort(status *txn.Status) { status.Abort() }

// Forget removes status from the transaction index once no version chain
// can still reference it, freeing the Status for garbage collection.
func (c *Core) Forget(status *txn.Status) { c.index.Forget(status) }

// RunSweeper sweeps every registered resource on interval until ctx is
// done, blocking the calling goroutine for that whole time. Sweep failures
// are logged and do not stop the loop.
func (c *Core) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.log.WithError(err).Warn("timely resource sweep reported prune failures")
			}
		}
	}
}
