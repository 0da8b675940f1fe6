package store

import (
	"context"
	"errors"
	"fmt"

	"timelyresource.dev/engine/internal/timely"
)

// ErrRecordExists is the error returned for attempts to insert a new record
// into the database when a record for the given key is already visible.
// This may be wrapped in another error, and should normally be tested using
// errors.Is(err, ErrRecordExists).
var ErrRecordExists = errors.New("record exists")

type recordExistsError string

func (e recordExistsError) Error() string {
	return fmt.Sprintf("record with key %q exists", string(e))
}

func (e recordExistsError) Is(err error) bool {
	return err == ErrRecordExists
}

func recordExistsErrorFor(k Key) error { return recordExistsError(k) }

// ErrRecordDoesNotExist is the error returned for attempts to read or
// update a record in the database when no such record is visible for the
// given key (Delete reports that case as false rather than as an error). This may be wrapped in another error, and should normally be
// tested using errors.Is(err, ErrRecordDoesNotExist).
var ErrRecordDoesNotExist = errors.New("record does not exist")

type recordDoesNotExistErrorT string

func (e recordDoesNotExistErrorT) Error() string {
	return fmt.Sprintf("record with key %q does not exist", string(e))
}

func (e recordDoesNotExistErrorT) Is(err error) bool {
	return err == ErrRecordDoesNotExist
}

func recordDoesNotExistError(k Key) error { return recordDoesNotExistErrorT(k) }

// ErrTransactionInConflict is the error returned for attempts to insert,
// update, or delete a record in the database when doing so lost a race
// against, or would conflict with, another transaction. This may be wrapped
// in another error, and should normally be tested using
// errors.Is(err, ErrTransactionInConflict).
var ErrTransactionInConflict = errors.New("write attempt conflicts with another transaction")

type transactionInConflictError string

func (e transactionInConflictError) Error() string {
	return fmt.Sprintf("attempt to write record with key %q conflicts with another transaction", string(e))
}

func (e transactionInConflictError) Is(err error) bool {
	return err == ErrTransactionInConflict
}

type invalidArgumentError string

func (e invalidArgumentError) Error() string { return string(e) }

func newInvalidArgumentError(reason string) error { return invalidArgumentError(reason) }

// translateAddVersionErr maps a timely.Resource write error onto this
// package's own error vocabulary, so that callers never need to know that
// records are backed by version chains.
func translateAddVersionErr(err error, k Key) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, timely.ErrRollback) {
		return transactionInConflictError(k)
	}
	return err
}

func errorFromContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}
