// Package syncutil holds small concurrency primitives shared by the engine
// packages.
package syncutil

import (
	"context"
	"sync/atomic"
)

// Basis of inspiration: https://blogtitle.github.io/go-advanced-concurrency-patterns-part-3-channels/#read-write-mutexes

// RWMutex is a reader/writer mutex whose write-side (and read-side)
// acquisition can be bounded by a context, so that a caller waiting on it
// can unwind cleanly on cancellation instead of blocking forever.
//
// Every acquisition that has to actually wait for the lock, rather than
// finding it free, is counted. A Resource's mutex is exactly the point
// where one transaction's write blocks behind another's, so this count is
// the cheapest available signal for how much write-write contention a
// given resource is under — surfaced through Resource.LockContentions and,
// from there, aggregated across a store's resources for diagnostics.
type RWMutex struct {
	writer     chan struct{}
	readers    chan uint
	contention *atomic.Uint64
}

// NewRWMutex returns an unlocked RWMutex.
func NewRWMutex() RWMutex {
	return RWMutex{
		writer:     make(chan struct{}, 1),
		readers:    make(chan uint, 1),
		contention: new(atomic.Uint64),
	}
}

// Contentions reports how many lock or read-lock acquisitions on m have had
// to wait for another holder to release it, rather than finding it free.
func (m RWMutex) Contentions() uint64 {
	return m.contention.Load()
}

func (m RWMutex) Lock() {
	// There's only room if no other writer or readers are holding the lock.
	select {
	case m.writer <- struct{}{}:
		return
	default:
	}
	m.contention.Add(1)
	m.writer <- struct{}{}
}

func (m RWMutex) Unlock() {
	// There is only an item to receive if another writer is holding the lock. (There could be an
	// item available due to readers holding the lock, but calling Unlock before RUnlock violates
	// the protocol for using the lock.)
	<-m.writer
}

func (m RWMutex) RLock() {
	var readers uint
	select {
	case m.writer <- struct{}{}:
		// We have no readers and no other writer.
	case readers = <-m.readers:
		// We have other readers.
	default:
		m.contention.Add(1)
		select {
		case m.writer <- struct{}{}:
		case readers = <-m.readers:
		}
	}
	readers++
	m.readers <- readers
}

func (m RWMutex) RUnlock() {
	readers := <-m.readers
	readers--
	if readers == 0 {
		// Allow any writers to acquire the lock again.
		<-m.writer
		return
	}
	// NB: We never send a nonpositive value to the readers channel.
	// NB: The writers channel still holds a value, blocking attempts to send a value.
	m.readers <- readers
}

// TryLockUntil acquires the write side of the lock, or returns false if ctx
// is done first.
func (m RWMutex) TryLockUntil(ctx context.Context) bool {
	select {
	// There's only room if no other writer or readers are holding the lock.
	case m.writer <- struct{}{}:
		return true
	default:
	}
	m.contention.Add(1)
	select {
	case m.writer <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// TryRLockUntil acquires the read side of the lock, or returns false if ctx
// is done first.
func (m RWMutex) TryRLockUntil(ctx context.Context) bool {
	var readers uint
	select {
	case m.writer <- struct{}{}:
		// We have no readers and no other writer.
	case readers = <-m.readers:
		// We have other readers.
	default:
		m.contention.Add(1)
		select {
		case m.writer <- struct{}{}:
		case readers = <-m.readers:
		case <-ctx.Done():
			return false
		}
	}
	readers++
	m.readers <- readers
	return true
}
