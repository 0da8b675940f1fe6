package engine

import "sync/atomic"

// Allocator dispenses strictly monotonic 64-bit logical timestamps.
type Allocator struct {
	latest atomic.Uint64
}

// NewAllocator returns an Allocator whose first dispensed timestamp is 1;
// zero is reserved so it can double as the Primordial sentinel.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Next returns the next strictly monotonic timestamp.
func (a *Allocator) Next() uint64 {
	return a.latest.Add(1)
}
