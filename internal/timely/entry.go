package timely

import (
	"fmt"
	"sync/atomic"

	"timelyresource.dev/engine/internal/vh"
)

// entry is one node in a version chain: a version handle, the caller's
// payload, a sticky deletion flag, and a back-link to an older entry.
//
// A node is immutable once linked except for three fields, each rewritten
// only under the owning Resource's mutex (or, for deleted, only ever set
// once): vh (by SetPrimordial, and by Prune when it promotes a sole
// survivor to Primordial), previous (by Prune, which relinks around
// dropped entries), and deleted (set once by a tombstone add, never
// cleared). All three use atomics because Resource.GetVersion walks the
// chain without holding that mutex.
type entry[V Version] struct {
	vh       atomic.Uint64
	payload  V
	deleted  atomic.Bool
	previous atomic.Pointer[entry[V]]
}

func (e *entry[V]) String() string {
	suffix := ""
	if e.previous.Load() != nil {
		suffix = "*"
	}
	h := e.vh.Load()
	return fmt.Sprintf("(vh=%d.%d deleted=%v)->%v%s",
		vh.DecodeTs(h), vh.DecodeStep(h), e.deleted.Load(), e.payload, suffix)
}
