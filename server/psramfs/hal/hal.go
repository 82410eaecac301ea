// Package hal defines the synchronous primitives the core consumes from
// the caller-supplied hardware abstraction layer, and the lock contract
// that serialises every public API call (spec.md §4.1, §5).
package hal

import "context"

// Device is the block-device binding the core calls into. All addresses
// are volume-relative. Write can only clear bits (never set them); Erase
// covers exactly one physical erase block.
type Device interface {
	// Read copies len(dst) bytes starting at addr into dst.
	Read(ctx context.Context, addr uint32, dst []byte) error
	// Write clears bits at addr from src; it must never need to set a bit
	// that isn't already set (the caller guarantees this invariant by
	// only ever writing to FREE regions or flipping documented flag
	// bits).
	Write(ctx context.Context, addr uint32, src []byte) error
	// Erase resets one physical erase block (addr must be block-aligned)
	// back to all-ones.
	Erase(ctx context.Context, addr uint32, len uint32) error
}

// Locker is the mutual-exclusion hook the core acquires on entry to every
// public API call and releases on every exit path, including error
// returns. The filesystem is single-threaded beyond this lock: nested
// public calls are not supported.
type Locker interface {
	Lock()
	Unlock()
}

// NopLocker is a Locker that does nothing, for single-goroutine callers
// that provide their own external serialisation (e.g. the simulator).
type NopLocker struct{}

func (NopLocker) Lock()   {}
func (NopLocker) Unlock() {}
