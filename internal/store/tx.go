package store

import (
	"context"

	"timelyresource.dev/engine/internal/txn"
)

// Transaction allows observing and mutating the database tentatively, such
// that it's possible to roll back or preclude committing pending mutations.
type Transaction interface {
	// Get retrieves an existing record from the database for the given
	// key, if any such record is visible to this transaction's snapshot.
	//
	// If no such record is visible, Get returns ErrRecordDoesNotExist.
	Get(ctx context.Context, k Key) (Value, error)
	// Insert adds a new record to the database for the given key, storing
	// the given value.
	//
	// If a record for the given key is already visible to this
	// transaction's snapshot, Insert returns ErrRecordExists.
	Insert(ctx context.Context, k Key, v Value) error
	// Update modifies an existing record in the database with the given
	// key to store the given value.
	//
	// If no record for the given key is visible to this transaction's
	// snapshot, Update returns ErrRecordDoesNotExist.
	Update(ctx context.Context, k Key, v Value) error
	// Upsert ensures that a record exists in the database for the given
	// key storing the given value. If no record for the given key is
	// visible yet, Upsert behaves like Insert; otherwise it behaves like
	// Update.
	Upsert(ctx context.Context, k Key, v Value) error
	// Delete ensures that no record exists in the database for the given
	// key, removing an existing record if need be.
	//
	// Delete returns true if it removed a record visible to this
	// transaction's snapshot, or false if no such record existed.
	Delete(ctx context.Context, k Key) (bool, error)
}

type shardedStoreTransaction struct {
	store  *ShardedStore
	status *txn.Status
}

var _ Transaction = (*shardedStoreTransaction)(nil)

// advanceStep bumps the transaction's step counter ahead of a write, so
// that a second write against the same key within this transaction is
// stamped with a version handle newer than the first rather than colliding
// with it.
func (t *shardedStoreTransaction) advanceStep() {
	t.status.SetStep(t.status.Step() + 1)
}

func (t *shardedStoreTransaction) Get(ctx context.Context, k Key) (Value, error) {
	r, ok := t.store.resourceFor(ctx, k)
	if !ok {
		return nil, errorFromContext(ctx)
	}
	v, deleted, ok := r.GetVersion(t.status)
	if !ok || deleted {
		return nil, recordDoesNotExistError(k)
	}
	return v.value, nil
}

func (t *shardedStoreTransaction) Insert(ctx context.Context, k Key, v Value) error {
	r, ok := t.store.resourceFor(ctx, k)
	if !ok {
		return errorFromContext(ctx)
	}
	if _, deleted, exists := r.GetVersion(t.status); exists && !deleted {
		return recordExistsErrorFor(k)
	}
	payload := &version{}
	payload.value.CopyFrom(v)
	t.advanceStep()
	return translateAddVersionErr(r.AddVersion(ctx, payload, t.status), k)
}

func (t *shardedStoreTransaction) Update(ctx context.Context, k Key, v Value) error {
	r, ok := t.store.resourceFor(ctx, k)
	if !ok {
		return errorFromContext(ctx)
	}
	if _, deleted, exists := r.GetVersion(t.status); !exists || deleted {
		return recordDoesNotExistError(k)
	}
	payload := &version{}
	payload.value.CopyFrom(v)
	t.advanceStep()
	return translateAddVersionErr(r.AddVersion(ctx, payload, t.status), k)
}

func (t *shardedStoreTransaction) Upsert(ctx context.Context, k Key, v Value) error {
	r, ok := t.store.resourceFor(ctx, k)
	if !ok {
		return errorFromContext(ctx)
	}
	payload := &version{}
	payload.value.CopyFrom(v)
	t.advanceStep()
	return translateAddVersionErr(r.AddVersion(ctx, payload, t.status), k)
}

func (t *shardedStoreTransaction) Delete(ctx context.Context, k Key) (bool, error) {
	r, ok := t.store.resourceFor(ctx, k)
	if !ok {
		return false, errorFromContext(ctx)
	}
	if _, deleted, exists := r.GetVersion(t.status); !exists || deleted {
		return false, nil
	}
	t.advanceStep()
	if err := r.Delete(ctx, t.status); err != nil {
		return false, translateAddVersionErr(err, k)
	}
	return true, nil
}
