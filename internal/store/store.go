// Package store builds a sharded key-value database on top of
// internal/timely: every key owns its own version chain, and reads and
// writes against that chain run inside transactions backed by
// internal/txn and internal/engine.
package store

import (
	"context"
	"hash/maphash"

	"github.com/sirupsen/logrus"

	"timelyresource.dev/engine/internal/engine"
	"timelyresource.dev/engine/internal/syncutil"
	"timelyresource.dev/engine/internal/timely"
	"timelyresource.dev/engine/internal/txn"
)

// A KeyShardProjection is a projection function from a given database key to
// an opaque value with which to assign the key to a storage shard.
type KeyShardProjection func(Key) uint64

type shardedStoreOptions struct {
	initialShardCapacity int
	keyShardProjection   KeyShardProjection
}

// ShardedStoreOption is a potential customization of a ShardedStore's
// behavior.
type ShardedStoreOption func(*shardedStoreOptions) error

// WithInitialShardCapacity establishes the positive number of resources per
// shard for which to allocate sufficient capacity initially.
func WithInitialShardCapacity(n int) ShardedStoreOption {
	return func(o *shardedStoreOptions) error {
		if n < 1 {
			return newInvalidArgumentError("initial shard capacity must be positive")
		}
		o.initialShardCapacity = n
		return nil
	}
}

// WithKeyShardProjection establishes a projection function from a given
// database key to an opaque value with which to assign the key to a storage
// shard.
//
// The function must be deterministic, should produce an even distribution
// of output values for keys, and should complete quickly.
func WithKeyShardProjection(p KeyShardProjection) ShardedStoreOption {
	return func(o *shardedStoreOptions) error {
		if p == nil {
			return newInvalidArgumentError("key shard projection must be non-nil")
		}
		o.keyShardProjection = p
		return nil
	}
}

// shardDegree is the number of independently locked shards a ShardedStore
// partitions its keys across.
const shardDegree = 512

type shard struct {
	mu        syncutil.RWMutex
	resources map[string]*timely.Resource[Key, *version]
}

// ShardedStore is a key-value database whose records are backed by Timely
// Resources: every key's history of values lives in its own MVCC version
// chain, and the store's transactions are Status-backed transactions
// against the engine's shared transaction index.
type ShardedStore struct {
	core               *engine.Core
	log                *logrus.Entry
	keyShardProjection KeyShardProjection
	shards             [shardDegree]shard
}

// MakeShardedStore creates an empty ShardedStore backed by core, ready to
// accept records.
func MakeShardedStore(core *engine.Core, log *logrus.Entry, opts ...ShardedStoreOption) (*ShardedStore, error) {
	if core == nil {
		return nil, newInvalidArgumentError("core must be non-nil")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	seed := maphash.MakeSeed()
	options := shardedStoreOptions{
		keyShardProjection: func(k Key) uint64 {
			return maphash.Bytes(seed, k)
		},
		initialShardCapacity: 50,
	}
	for _, o := range opts {
		if err := o(&options); err != nil {
			return nil, err
		}
	}
	s := &ShardedStore{
		core:               core,
		log:                log,
		keyShardProjection: options.keyShardProjection,
	}
	for i := range s.shards {
		s.shards[i].mu = syncutil.NewRWMutex()
		s.shards[i].resources = make(map[string]*timely.Resource[Key, *version], options.initialShardCapacity)
	}
	return s, nil
}

func (s *ShardedStore) shardFor(k Key) *shard {
	return &s.shards[s.keyShardProjection(k)%shardDegree]
}

// resourceFor returns the Resource governing k's version chain, creating it
// (with an empty chain) if this is the first time k has been touched.
func (s *ShardedStore) resourceFor(ctx context.Context, k Key) (*timely.Resource[Key, *version], bool) {
	sh := s.shardFor(k)
	if !sh.mu.TryRLockUntil(ctx) {
		return nil, false
	}
	r, ok := sh.resources[string(k)]
	sh.mu.RUnlock()
	if ok {
		return r, true
	}
	if !sh.mu.TryLockUntil(ctx) {
		return nil, false
	}
	defer sh.mu.Unlock()
	if r, ok := sh.resources[string(k)]; ok {
		return r, true
	}
	r = timely.NewResource[Key, *version](s.core, k)
	sh.resources[string(k)] = r
	return r, true
}

// LockContentions sums LockContentions across every resource this store has
// materialized so far, giving an operator a single number for how much
// write-write contention the store as a whole is under.
func (s *ShardedStore) LockContentions() uint64 {
	var total uint64
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, r := range sh.resources {
			total += r.LockContentions()
		}
		sh.mu.RUnlock()
	}
	return total
}

// WithinTransaction runs f against a freshly started transaction, committing
// it if f returns true with a nil error and rolling it back otherwise. The
// transaction's Status is registered with the engine's transaction index
// when the call begins and stays registered after the call returns.
func (s *ShardedStore) WithinTransaction(ctx context.Context, f func(context.Context, Transaction) (commit bool, err error)) error {
	if f == nil {
		return newInvalidArgumentError("transaction-consuming function must be non-nil")
	}
	status := s.core.BeginTransaction()
	tx := &shardedStoreTransaction{store: s, status: status}
	commit, err := f(ctx, tx)
	if commit && err == nil {
		s.core.Commit(status)
	} else {
		s.core.Abort(status)
	}
	return err
}
