package reactive

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// idCounter generates unique IDs for values and listeners.
var idCounter atomic.Uint64

// nextID returns the next unique identifier.
func nextID() uint64 {
	return idCounter.Add(1)
}

// Value is a mutable reactive container with explicit observer registration.
// Listeners subscribed to a Value are notified whenever Set or Update changes
// the stored value according to the configured equality function.
//
// Value is safe for concurrent use.
type Value[T any] struct {
	id uint64

	// current is the stored value.
	current T

	// mu protects current.
	mu sync.RWMutex

	// subs are the listeners subscribed to this value.
	subs []Listener

	// subMu protects the subs slice.
	subMu sync.RWMutex

	// equal is the equality function used to detect changes.
	// If nil, uses default equality checking.
	equal func(T, T) bool
}

// NewValue creates a new reactive value with the given initial value.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		id:      nextID(),
		current: initial,
	}
}

// WithEquals configures a custom equality function and returns the value.
// Useful for types where reflect.DeepEqual is too expensive or has the
// wrong semantics.
func (v *Value[T]) WithEquals(fn func(T, T) bool) *Value[T] {
	v.equal = fn
	return v
}

// ID returns the unique identifier for this value.
func (v *Value[T]) ID() uint64 {
	return v.id
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set replaces the stored value and notifies subscribers if it changed.
func (v *Value[T]) Set(value T) {
	v.mu.Lock()
	changed := !v.equals(v.current, value)
	if changed {
		v.current = value
	}
	v.mu.Unlock()

	if changed {
		v.notify()
	}
}

// Update atomically reads and replaces the stored value.
// The function receives the current value and returns the new one.
func (v *Value[T]) Update(fn func(T) T) {
	v.mu.Lock()
	old := v.current
	next := fn(old)
	changed := !v.equals(old, next)
	if changed {
		v.current = next
	}
	v.mu.Unlock()

	if changed {
		v.notify()
	}
}

// Subscribe registers a listener to be notified on changes.
// Duplicate registrations (same listener ID) are ignored.
func (v *Value[T]) Subscribe(l Listener) {
	if l == nil {
		return
	}

	v.subMu.Lock()
	defer v.subMu.Unlock()

	lid := l.ID()
	for _, existing := range v.subs {
		if existing.ID() == lid {
			return
		}
	}
	v.subs = append(v.subs, l)
}

// Unsubscribe removes a listener from this value's subscribers.
func (v *Value[T]) Unsubscribe(l Listener) {
	if l == nil {
		return
	}

	v.subMu.Lock()
	defer v.subMu.Unlock()

	lid := l.ID()
	for i, existing := range v.subs {
		if existing.ID() == lid {
			v.subs[i] = v.subs[len(v.subs)-1]
			v.subs = v.subs[:len(v.subs)-1]
			return
		}
	}
}

// SubscriberCount returns the number of registered listeners.
// This is for testing/monitoring purposes.
func (v *Value[T]) SubscriberCount() int {
	v.subMu.RLock()
	defer v.subMu.RUnlock()
	return len(v.subs)
}

// notify marks all subscribers dirty.
// Uses copy-before-notify to avoid holding the lock during callbacks.
func (v *Value[T]) notify() {
	v.subMu.RLock()
	subs := make([]Listener, len(v.subs))
	copy(subs, v.subs)
	v.subMu.RUnlock()

	for _, sub := range subs {
		sub.MarkDirty()
	}
}

// equals checks two values using the configured equality function.
func (v *Value[T]) equals(a, b T) bool {
	if v.equal != nil {
		return v.equal(a, b)
	}
	return defaultEquals(a, b)
}

// defaultEquals provides type-appropriate equality checking.
// Uses == for common comparable types and reflect.DeepEqual for others.
func defaultEquals[T any](a, b T) bool {
	switch av := any(a).(type) {
	case int:
		return av == any(b).(int)
	case int64:
		return av == any(b).(int64)
	case uint64:
		return av == any(b).(uint64)
	case float64:
		return av == any(b).(float64)
	case string:
		return av == any(b).(string)
	case bool:
		return av == any(b).(bool)
	case []byte:
		bv := any(b).([]byte)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// Watch registers fn to run whenever the value changes.
// The returned Cleanup detaches the watcher; calling it more than once is safe.
func Watch[T any](v *Value[T], fn func(T)) Cleanup {
	l := &funcListener{
		id: nextID(),
		fn: func() { fn(v.Get()) },
	}
	v.Subscribe(l)

	var once sync.Once
	return func() {
		once.Do(func() { v.Unsubscribe(l) })
	}
}
