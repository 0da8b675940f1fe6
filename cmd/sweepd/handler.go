package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"timelyresource.dev/engine/internal/engine"
	"timelyresource.dev/engine/internal/store"
)

type database interface {
	WithinTransaction(ctx context.Context, f func(context.Context, store.Transaction) (commit bool, err error)) error
	LockContentions() uint64
}

func speakPlainTextTo(w http.ResponseWriter) {
	w.Header().Add("Content-Type", "text/plain")
}

func respondWithError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	if errors.Is(err, store.ErrTransactionInConflict) {
		statusCode = http.StatusConflict
	}
	speakPlainTextTo(w)
	w.WriteHeader(statusCode)
	fmt.Fprintln(w, err)
}

const pathPrefix = "/record/"

func getTargetKey(w http.ResponseWriter, req *http.Request) (store.Key, bool) {
	key, ok := strings.CutPrefix(req.URL.Path, pathPrefix)
	if ok && len(key) > 0 {
		return store.Key(key), true
	}
	speakPlainTextTo(w)
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintln(w, "URL path must contain a nonempty key")
	return nil, false
}

func handleGet(ctx context.Context, w http.ResponseWriter, req *http.Request, db database) {
	key, ok := getTargetKey(w, req)
	if !ok {
		return
	}
	var recordExists bool
	var value store.Value
	if err := db.WithinTransaction(ctx, func(ctx context.Context, tx store.Transaction) (bool, error) {
		v, err := tx.Get(ctx, key)
		if errors.Is(err, store.ErrRecordDoesNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		recordExists = true
		v.CopyInto(&value)
		return false, nil
	}); err != nil {
		respondWithError(w, err)
		return
	}
	if !recordExists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	speakPlainTextTo(w)
	if _, err := w.Write(value); err == nil {
		w.Write([]byte{'\n'})
	}
}

func handlePost(ctx context.Context, w http.ResponseWriter, req *http.Request, db database) {
	if err := req.ParseForm(); err != nil {
		speakPlainTextTo(w)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Failed to parse HTTP form: %v", err)
		return
	}
	key, ok := getTargetKey(w, req)
	if !ok {
		return
	}
	value := req.FormValue("value")
	var recordExisted bool
	if err := db.WithinTransaction(ctx, func(ctx context.Context, tx store.Transaction) (bool, error) {
		err := tx.Insert(ctx, key, store.Value(value))
		if errors.Is(err, store.ErrRecordExists) {
			recordExisted = true
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}); err != nil {
		respondWithError(w, err)
		return
	}
	if recordExisted {
		w.WriteHeader(http.StatusConflict)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
}

func handlePut(ctx context.Context, w http.ResponseWriter, req *http.Request, db database) {
	key, ok := getTargetKey(w, req)
	if !ok {
		return
	}
	value := req.FormValue("value")
	type updatePolicy uint
	const (
		abortIfAbsent updatePolicy = iota
		insertIfAbsent
	)
	policy := abortIfAbsent
	{
		const formKey = "if-absent"
		ifAbsent := req.FormValue(formKey)
		switch ifAbsent {
		case "", "abort":
		case "insert":
			policy = insertIfAbsent
		default:
			speakPlainTextTo(w)
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "Unrecognized HTTP form key %q value: %q\n", formKey, ifAbsent)
			return
		}
	}
	if policy == insertIfAbsent {
		if err := db.WithinTransaction(ctx, func(ctx context.Context, tx store.Transaction) (bool, error) {
			err := tx.Upsert(ctx, key, store.Value(value))
			return err == nil, err
		}); err != nil {
			respondWithError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	var recordExisted bool
	if err := db.WithinTransaction(ctx, func(ctx context.Context, tx store.Transaction) (bool, error) {
		err := tx.Update(ctx, key, store.Value(value))
		if errors.Is(err, store.ErrRecordDoesNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		recordExisted = true
		return true, nil
	}); err != nil {
		respondWithError(w, err)
		return
	}
	if !recordExisted {
		w.WriteHeader(http.StatusNotFound)
	}
}

func handleDelete(ctx context.Context, w http.ResponseWriter, req *http.Request, db database) {
	key, ok := getTargetKey(w, req)
	if !ok {
		return
	}
	var recordExisted bool
	if err := db.WithinTransaction(ctx, func(ctx context.Context, tx store.Transaction) (bool, error) {
		deleted, err := tx.Delete(ctx, key)
		if err != nil {
			return false, err
		}
		recordExisted = deleted
		return true, nil
	}); err != nil {
		respondWithError(w, err)
		return
	}
	if !recordExisted {
		w.WriteHeader(http.StatusNotFound)
	}
}

func handleStatus(w http.ResponseWriter, db database, core *engine.Core) {
	speakPlainTextTo(w)
	fmt.Fprintf(w, "registered resources: %d\n", core.RegistrySize())
	fmt.Fprintf(w, "write-write lock contentions: %d\n", db.LockContentions())
}

func makeHandler(db database, core *engine.Core) http.Handler {
	var mux http.ServeMux
	mux.Handle(pathPrefix,
		http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			switch req.Method {
			case http.MethodGet:
				handleGet(req.Context(), w, req, db)
			case http.MethodPost:
				handlePost(req.Context(), w, req, db)
			case http.MethodPut:
				handlePut(req.Context(), w, req, db)
			case http.MethodDelete:
				handleDelete(req.Context(), w, req, db)
			default:
				speakPlainTextTo(w)
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprintf(w, "Request uses disallowed HTTP method %q\n", req.Method)
			}
		}))
	mux.Handle("/debug/status", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		handleStatus(w, db, core)
	}))
	return &mux
}
