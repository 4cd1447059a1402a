package reactive

// Listener is anything that can be notified when a value changes.
// Registration is always explicit: a listener observes a Value only after
// being passed to Subscribe. There is no implicit dependency tracking.
type Listener interface {
	// MarkDirty notifies the listener that the value it observes has changed.
	MarkDirty()

	// ID returns a unique identifier for this listener.
	// Used for deduplication on subscribe.
	ID() uint64
}

// Cleanup is a function that releases resources held by a watcher or scope.
// It is safe to call more than once.
type Cleanup func()

// funcListener adapts a plain function to the Listener interface.
type funcListener struct {
	id uint64
	fn func()
}

func (l *funcListener) MarkDirty() { l.fn() }
func (l *funcListener) ID() uint64 { return l.id }
