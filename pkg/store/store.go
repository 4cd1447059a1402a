// Package store provides the shared key-value medium that instances
// synchronize through. The store is a set of independent string registers,
// one per key, with no transactions and no atomic read-modify-write.
//
// Change notification is deliberately asymmetric: an event produced by
// origin O is delivered to every subscriber except those registered by O
// itself, and always asynchronously. This mirrors the behavior of browser
// storage events, which never fire in the writing context. Self-echo
// suppression in higher layers depends on this asymmetry being absent
// rather than filtered, so backends must preserve it exactly.
package store

import "errors"

// Event describes a change to a single key.
type Event struct {
	// Key is the changed key.
	Key string

	// Old is the previous value. OldOK is false if the key was absent.
	Old   string
	OldOK bool

	// New is the current value. NewOK is false if the key was deleted.
	New   string
	NewOK bool

	// Origin identifies the writer that produced this change.
	// Empty when the writer is unknown (external change detected by polling).
	Origin string
}

// Store is a shared, eventually-consistent key-value register file.
// Implementations must be safe for concurrent use.
//
// Rapid successive writes to one key may be coalesced before delivery;
// subscribers are only guaranteed to observe the latest value.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(key string) (string, bool)

	// Set writes value under key on behalf of origin.
	Set(key, value, origin string) error

	// Delete removes key on behalf of origin.
	// Deleting an absent key is a no-op and produces no event.
	Delete(key, origin string) error

	// Keys returns all keys with the given prefix, in unspecified order.
	Keys(prefix string) []string

	// Subscribe registers fn to receive change events for all keys,
	// excluding changes produced by the given origin. Events are delivered
	// asynchronously on a dedicated goroutine per subscription, so fn may
	// call back into the store. The returned cancel function detaches the
	// subscription; calling it more than once is safe.
	Subscribe(origin string, fn func(Event)) (cancel func())

	// Close releases all resources and detaches all subscriptions.
	Close() error
}

// ErrClosed is returned when operations are attempted on a closed store.
var ErrClosed = errors.New("store: closed")
