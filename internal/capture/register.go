package capture

import "sync"

// Register is a one-slot cell with an explicit unset state. Writes are ordered
// by the sequence number of the request that produced them, not by arrival, so
// the value from the latest request wins. It is safe for concurrent use.
type Register[T any] struct {
	mu  sync.Mutex
	val T
	seq uint64
	set bool
}

// Store holds v unless a value from a later request is already held.
// It reports whether v was stored.
func (r *Register[T]) Store(seq uint64, v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set && seq < r.seq {
		return false
	}
	r.val = v
	r.seq = seq
	r.set = true
	return true
}

// Load returns the held value and whether anything was ever stored.
func (r *Register[T]) Load() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.val, r.set
}
