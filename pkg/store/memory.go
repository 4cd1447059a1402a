package store

import (
	"strings"
	"sync"
)

// MemoryStore is an in-process Store implementation.
// It is the default backend and the one used by tests and multi-instance
// simulations: every Instance attached to the same MemoryStore behaves like
// a tab sharing the same browser storage.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]string
	closed  bool

	disp *dispatcher
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]string),
		disp:    newDispatcher(),
	}
}

// Get returns the value for key and whether it exists.
func (m *MemoryStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.entries[key]
	return v, ok
}

// Set writes value under key and notifies all other origins.
// Writing a value byte-identical to the stored one produces no event.
func (m *MemoryStore) Set(key, value, origin string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	old, oldOK := m.entries[key]
	if oldOK && old == value {
		m.mu.Unlock()
		return nil
	}
	m.entries[key] = value

	// Dispatch while holding the lock so queued event order matches
	// mutation order. dispatch only enqueues; callbacks run elsewhere.
	m.disp.dispatch(Event{
		Key:    key,
		Old:    old,
		OldOK:  oldOK,
		New:    value,
		NewOK:  true,
		Origin: origin,
	})
	m.mu.Unlock()
	return nil
}

// Delete removes key and notifies all other origins.
func (m *MemoryStore) Delete(key, origin string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	old, oldOK := m.entries[key]
	if !oldOK {
		m.mu.Unlock()
		return nil
	}
	delete(m.entries, key)

	m.disp.dispatch(Event{
		Key:    key,
		Old:    old,
		OldOK:  true,
		Origin: origin,
	})
	m.mu.Unlock()
	return nil
}

// Keys returns all keys with the given prefix.
func (m *MemoryStore) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Subscribe registers an observer for changes produced by other origins.
func (m *MemoryStore) Subscribe(origin string, fn func(Event)) func() {
	return m.disp.subscribe(origin, fn)
}

// Len returns the number of stored entries.
// This is for testing/monitoring purposes.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close detaches all subscriptions and marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.entries = nil
	m.mu.Unlock()

	m.disp.close()
	return nil
}
