package timely

import (
	"context"
	"sync"
	"testing"
	"time"

	"timelyresource.dev/engine/internal/engine"
)

type testVersion struct {
	label   string
	pruned  bool
	pruneMu sync.Mutex
}

func (v *testVersion) Prune(ctx context.Context) (bool, error) {
	v.pruneMu.Lock()
	defer v.pruneMu.Unlock()
	v.pruned = true
	return true, nil
}

func (v *testVersion) wasPruned() bool {
	v.pruneMu.Lock()
	defer v.pruneMu.Unlock()
	return v.pruned
}

func newTestResource(t *testing.T) (*Resource[string, *testVersion], *engine.Core) {
	t.Helper()
	core := engine.NewCore(nil)
	return NewResource[string, *testVersion](core, "container"), core
}

// S1: a committed write is visible to a transaction started after the
// commit, and not to one whose snapshot predates it.
func TestBasicCommitVisibility(t *testing.T) {
	r, core := newTestResource(t)
	ctx := context.Background()

	before := core.BeginTransaction()
	writer := core.BeginTransaction()
	if err := r.AddVersion(ctx, &testVersion{label: "v1"}, writer); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := r.GetVersion(writer); !ok {
		t.Error("writer should see its own uncommitted write")
	}
	if _, _, ok := r.GetVersion(before); ok {
		t.Error("snapshot taken before the write began should not see it")
	}
	core.Commit(writer)

	after := core.BeginTransaction()
	v, deleted, ok := r.GetVersion(after)
	if !ok || deleted || v.label != "v1" {
		t.Errorf("GetVersion after commit: want v1, got %v, deleted=%v, ok=%v", v, deleted, ok)
	}
}

// S2: a second active transaction trying to write the same resource while
// the first is still active blocks, then rolls back once it learns the
// first transaction committed.
func TestWriteWriteConflictForcesRollback(t *testing.T) {
	r, core := newTestResource(t)
	ctx := context.Background()

	first := core.BeginTransaction()
	if err := r.AddVersion(ctx, &testVersion{label: "first"}, first); err != nil {
		t.Fatal(err)
	}

	second := core.BeginTransaction()
	done := make(chan error, 1)
	go func() {
		done <- r.AddVersion(ctx, &testVersion{label: "second"}, second)
	}()

	time.Sleep(20 * time.Millisecond)
	core.Commit(first)

	select {
	case err := <-done:
		if err != ErrRollback {
			t.Errorf("AddVersion: want ErrRollback, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AddVersion did not return after conflicting commit")
	}
}

// S3: several auto-commit writers race to extend the chain; each loser
// observes ErrRollback rather than corrupting the chain.
func TestLostRaceRollsBack(t *testing.T) {
	r, _ := newTestResource(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.AddVersion(ctx, &testVersion{label: "racer"}, nil)
		}(i)
	}
	wg.Wait()

	var successes int
	for _, err := range errs {
		if err == nil {
			successes++
		} else if err != ErrRollback {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes == 0 {
		t.Error("expected at least one racer to succeed")
	}
	if r.VersionCount() != successes {
		t.Errorf("VersionCount: want %d, got %d", successes, r.VersionCount())
	}
}

// S4: Prune removes an aborted version and a stale committed version with
// no concurrent observer, invoking Prune on the stale version only.
func TestPruneRemovesAbortedAndStaleVersions(t *testing.T) {
	r, core := newTestResource(t)
	ctx := context.Background()

	aborted := core.BeginTransaction()
	abortedPayload := &testVersion{label: "aborted"}
	if err := r.AddVersion(ctx, abortedPayload, aborted); err != nil {
		t.Fatal(err)
	}
	core.Abort(aborted)

	stalePayload := &testVersion{label: "stale"}
	if err := r.AddVersion(ctx, stalePayload, nil); err != nil {
		t.Fatal(err)
	}
	freshPayload := &testVersion{label: "fresh"}
	if err := r.AddVersion(ctx, freshPayload, nil); err != nil {
		t.Fatal(err)
	}

	if err := r.Prune(ctx); err != nil {
		t.Fatal(err)
	}

	if abortedPayload.wasPruned() {
		t.Error("aborted version's payload owes no prune callback")
	}
	if !stalePayload.wasPruned() {
		t.Error("stale committed version with no concurrent observer should have been pruned")
	}
	if freshPayload.wasPruned() {
		t.Error("newest committed version should not have been pruned")
	}
	if got := r.VersionCount(); got != 1 {
		t.Errorf("VersionCount after prune: want 1, got %d", got)
	}
}

// S5: once a chain collapses to a single version with no concurrent
// observers ever recorded, pruning promotes it to Primordial.
func TestPruneCollapsesSoleSurvivorToPrimordial(t *testing.T) {
	r, _ := newTestResource(t)
	ctx := context.Background()

	if err := r.AddVersion(ctx, &testVersion{label: "only"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Prune(ctx); err != nil {
		t.Fatal(err)
	}
	v, deleted, ok := r.GetVersion(nil)
	if !ok || deleted || v.label != "only" {
		t.Fatalf("GetVersion: want only, got %v, deleted=%v, ok=%v", v, deleted, ok)
	}
	if got := r.String(); !containsPrimordial(got) {
		t.Errorf("String() after collapse: want a primordial entry, got %q", got)
	}
}

// Pruning an already-collapsed chain a second time is a no-op: the
// surviving primordial entry is kept, not dropped.
func TestPruneOfPrimordialChainIsIdempotent(t *testing.T) {
	r, _ := newTestResource(t)
	ctx := context.Background()

	payload := &testVersion{label: "only"}
	if err := r.AddVersion(ctx, payload, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Prune(ctx); err != nil {
		t.Fatal(err)
	}
	if got := r.VersionCount(); got != 1 {
		t.Fatalf("VersionCount after first prune: want 1, got %d", got)
	}

	if err := r.Prune(ctx); err != nil {
		t.Fatal(err)
	}
	if payload.wasPruned() {
		t.Error("the surviving primordial entry's payload should never be pruned")
	}
	if got := r.VersionCount(); got != 1 {
		t.Errorf("VersionCount after second prune: want 1, got %d", got)
	}
	v, deleted, ok := r.GetVersion(nil)
	if !ok || deleted || v.label != "only" {
		t.Fatalf("GetVersion after idempotent prune: want only, got %v, deleted=%v, ok=%v", v, deleted, ok)
	}
}

func containsPrimordial(s string) bool {
	for i := 0; i+len("primordial") <= len(s); i++ {
		if s[i:i+len("primordial")] == "primordial" {
			return true
		}
	}
	return false
}

// S6: a lone deletion tombstone is dropped entirely by Prune rather than
// being promoted to Primordial.
func TestPruneDropsLoneTombstone(t *testing.T) {
	r, core := newTestResource(t)
	ctx := context.Background()

	writer := core.BeginTransaction()
	if err := r.AddVersion(ctx, &testVersion{label: "v1"}, writer); err != nil {
		t.Fatal(err)
	}
	core.Commit(writer)

	deleter := core.BeginTransaction()
	if err := r.Delete(ctx, deleter); err != nil {
		t.Fatal(err)
	}
	core.Commit(deleter)

	if err := r.Prune(ctx); err != nil {
		t.Fatal(err)
	}
	if !r.IsEmpty() {
		t.Errorf("IsEmpty after pruning a lone tombstone: want true, got false (%s)", r.String())
	}
}

// A committed delete is reported back to a later observer as a tombstone,
// not as the value it superseded.
func TestGetVersionReportsTombstone(t *testing.T) {
	r, core := newTestResource(t)
	ctx := context.Background()

	writer := core.BeginTransaction()
	if err := r.AddVersion(ctx, &testVersion{label: "v1"}, writer); err != nil {
		t.Fatal(err)
	}
	core.Commit(writer)

	deleter := core.BeginTransaction()
	if err := r.Delete(ctx, deleter); err != nil {
		t.Fatal(err)
	}
	core.Commit(deleter)

	observer := core.BeginTransaction()
	v, deleted, ok := r.GetVersion(observer)
	if !ok || !deleted {
		t.Fatalf("GetVersion after committed delete: want ok=true deleted=true, got ok=%v deleted=%v (v=%v)", ok, deleted, v)
	}
}

func TestSetPrimordialRequiresSingleEntry(t *testing.T) {
	r, _ := newTestResource(t)
	ctx := context.Background()

	if err := r.SetPrimordial(ctx); err == nil {
		t.Error("SetPrimordial on empty chain: want error, got nil")
	}
	if err := r.AddVersion(ctx, &testVersion{label: "v1"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.AddVersion(ctx, &testVersion{label: "v2"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.SetPrimordial(ctx); err == nil {
		t.Error("SetPrimordial on two-entry chain: want error, got nil")
	}
}

func TestAddVersionRejectsNilPayload(t *testing.T) {
	r, _ := newTestResource(t)
	if err := r.AddVersion(context.Background(), nil, nil); err == nil {
		t.Error("AddVersion with nil payload: want error, got nil")
	}
}

func TestGetVersionWithCreatorBuildsOnlyOnce(t *testing.T) {
	r, core := newTestResource(t)
	ctx := context.Background()
	var calls int
	creator := creatorFunc(func(ctx context.Context, r *Resource[string, *testVersion]) (*testVersion, error) {
		calls++
		return &testVersion{label: "created"}, nil
	})

	snap := core.BeginTransaction()
	v, err := r.GetVersionWithCreator(ctx, snap, creator)
	if err != nil {
		t.Fatal(err)
	}
	if v.label != "created" {
		t.Errorf("GetVersionWithCreator: want created, got %v", v.label)
	}
	if calls != 1 {
		t.Fatalf("creator calls: want 1, got %d", calls)
	}

	core.Commit(snap)
	later := core.BeginTransaction()
	v2, err := r.GetVersionWithCreator(ctx, later, creator)
	if err != nil {
		t.Fatal(err)
	}
	if v2.label != "created" {
		t.Errorf("GetVersionWithCreator second call: want created, got %v", v2.label)
	}
	if calls != 1 {
		t.Errorf("creator calls after existing version found: want 1, got %d", calls)
	}
}

type creatorFunc func(ctx context.Context, r *Resource[string, *testVersion]) (*testVersion, error)

func (f creatorFunc) Create(ctx context.Context, r *Resource[string, *testVersion]) (*testVersion, error) {
	return f(ctx, r)
}

var _ VersionCreator[string, *testVersion] = creatorFunc(nil)

func TestCorruptedStateDetected(t *testing.T) {
	r, core := newTestResource(t)
	ctx := context.Background()

	a := core.BeginTransaction()
	if err := r.AddVersion(ctx, &testVersion{label: "a"}, a); err != nil {
		t.Fatal(err)
	}
	// Forge a second uncommitted entry from a different transaction
	// directly onto the chain, bypassing the lock protocol that would
	// normally prevent two simultaneously uncommitted versions.
	b := core.BeginTransaction()
	newEntry := &entry[*testVersion]{payload: &testVersion{label: "b"}}
	newEntry.vh.Store(r.versionHandleFor(b))
	newEntry.previous.Store(r.first.Load())
	r.first.Store(newEntry)

	if err := r.Prune(ctx); err == nil || !isCorruptedState(err) {
		t.Errorf("Prune with two uncommitted versions: want CorruptedState, got %v", err)
	}
}

func isCorruptedState(err error) bool {
	return err == ErrCorruptedState || errIsCorrupted(err)
}

func errIsCorrupted(err error) bool {
	type isser interface{ Is(error) bool }
	i, ok := err.(isser)
	return ok && i.Is(ErrCorruptedState)
}
