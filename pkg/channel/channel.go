package channel

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tabsync-dev/tabsync/pkg/reactive"
	"github.com/tabsync-dev/tabsync/pkg/store"
)

// Channel is one logical shared-state slot, keyed into the shared store and
// mirrored as a reactive value in this instance. Local mutations are
// serialized and written through to the store; changes written by other
// instances arrive as store events and replace the mirror, with write-back
// suppressed for the duration of the replacement.
//
// The store never notifies the writer's own origin, so a channel never
// re-applies its own writes; suppression only has to cover the window where
// an external value is being applied to the local mirror.
type Channel[T any] struct {
	key    string
	origin string
	st     store.Store
	log    *slog.Logger
	m      *Metrics

	// state is the in-memory mirror.
	state *reactive.Value[T]

	// def is the value the mirror resets to when the stored entry vanishes.
	def T

	// hasDefault is false when the channel was opened without a default;
	// only then is the initial write skipped. An empty-object default is
	// still a default and still written.
	hasDefault bool
	writeInit  bool

	// suppress blocks write-back while an external change is applied.
	suppress atomic.Bool

	// lastWritten is the serialized form last written to the store,
	// used to skip byte-identical rewrites.
	lastWritten   string
	lastWrittenMu sync.Mutex

	stopWatch reactive.Cleanup
	cancelSub func()
	closeOnce sync.Once
}

// Option configures a Channel.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	metrics    *Metrics
	hasDefault bool
}

// WithLogger sets the channel's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithoutDefault opens the channel with no default value: the zero value of
// T is used for the mirror but is never written on open, and a deleted entry
// resets the mirror without persisting anything.
func WithoutDefault() Option {
	return func(o *options) { o.hasDefault = false }
}

// Open creates a channel bound to key on behalf of origin.
//
// If the store holds an entry for key, its deserialized value becomes the
// mirror's state. Otherwise the mirror starts at def, and when writeInit is
// set the default is immediately persisted. A stored value that fails to
// deserialize is treated as absent, so a corrupted entry heals itself on the
// next write.
func Open[T any](st store.Store, origin, key string, def T, writeInit bool, opts ...Option) *Channel[T] {
	o := options{logger: slog.Default(), hasDefault: true}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Channel[T]{
		key:        key,
		origin:     origin,
		st:         st,
		log:        o.logger,
		m:          o.metrics,
		def:        def,
		hasDefault: o.hasDefault,
		writeInit:  writeInit,
		state:      reactive.NewValue(def),
	}

	if raw, ok := st.Get(key); ok {
		var adopted T
		if err := json.Unmarshal([]byte(raw), &adopted); err != nil {
			// Corrupted entry: treat as absent.
			c.log.Warn("discarding unreadable stored value", "key", key, "error", err)
			c.initDefault()
		} else {
			c.state = reactive.NewValue(adopted)
			c.lastWritten = raw
		}
	} else {
		c.initDefault()
	}

	c.stopWatch = reactive.Watch(c.state, func(T) { c.writeThrough() })
	c.cancelSub = st.Subscribe(origin, c.onEvent)

	if c.m != nil {
		c.m.ChannelsOpen.Inc()
	}
	return c
}

// initDefault persists the default when the channel is configured to.
func (c *Channel[T]) initDefault() {
	if !c.writeInit || !c.hasDefault {
		return
	}
	data, err := json.Marshal(c.def)
	if err != nil {
		c.log.Error("marshal default failed", "key", c.key, "error", err)
		return
	}
	if err := c.st.Set(c.key, string(data), c.origin); err != nil {
		c.log.Error("initial write failed", "key", c.key, "error", err)
		return
	}
	c.lastWritten = string(data)
	if c.m != nil {
		c.m.ChannelWrites.Inc()
	}
}

// Key returns the channel's store key.
func (c *Channel[T]) Key() string { return c.key }

// Get returns the current mirrored value.
func (c *Channel[T]) Get() T { return c.state.Get() }

// Set replaces the mirrored value; the change is written through to the
// store unless its serialized form matches what is already stored.
func (c *Channel[T]) Set(v T) { c.state.Set(v) }

// Update atomically transforms the mirrored value.
func (c *Channel[T]) Update(fn func(T) T) { c.state.Update(fn) }

// Value exposes the underlying reactive value for watchers.
func (c *Channel[T]) Value() *reactive.Value[T] { return c.state }

// writeThrough serializes the mirror and writes it to the store.
// Skipped while an external change is being applied, and skipped when the
// serialized form is byte-identical to the last write.
func (c *Channel[T]) writeThrough() {
	if c.suppress.Load() {
		return
	}

	data, err := json.Marshal(c.state.Get())
	if err != nil {
		c.log.Error("marshal failed", "key", c.key, "error", err)
		return
	}

	c.lastWrittenMu.Lock()
	if string(data) == c.lastWritten {
		c.lastWrittenMu.Unlock()
		return
	}
	c.lastWritten = string(data)
	c.lastWrittenMu.Unlock()

	if err := c.st.Set(c.key, string(data), c.origin); err != nil {
		c.log.Error("write failed", "key", c.key, "error", err)
		return
	}
	if c.m != nil {
		c.m.ChannelWrites.Inc()
	}
}

// onEvent handles a store change notification scoped to this channel's key.
func (c *Channel[T]) onEvent(ev store.Event) {
	if ev.Key != c.key {
		return
	}

	if !ev.NewOK {
		// Entry deleted underneath us: reset to default.
		c.applyExternal(c.def, "")
		return
	}

	c.lastWrittenMu.Lock()
	same := ev.New == c.lastWritten
	c.lastWrittenMu.Unlock()
	if same {
		return
	}

	var next T
	if err := json.Unmarshal([]byte(ev.New), &next); err != nil {
		c.log.Warn("ignoring unreadable external value", "key", c.key, "error", err)
		return
	}
	c.applyExternal(next, ev.New)
}

// applyExternal replaces the mirror with a value that originated elsewhere,
// suppressing write-back for the duration. The sequence is strict:
// write-suppress, apply, release-suppress.
func (c *Channel[T]) applyExternal(v T, serialized string) {
	c.lastWrittenMu.Lock()
	c.lastWritten = serialized
	c.lastWrittenMu.Unlock()

	c.suppress.Store(true)
	c.state.Set(v)
	c.suppress.Store(false)

	if c.m != nil {
		c.m.ExternalApplies.Inc()
	}
}

// Close detaches the store subscription and the write-through watcher.
// Stored data is left untouched.
func (c *Channel[T]) Close() {
	c.closeOnce.Do(func() {
		c.cancelSub()
		c.stopWatch()
		if c.m != nil {
			c.m.ChannelsOpen.Dec()
		}
	})
}

// Destroy removes the stored entry, resets the mirror to its default, and
// closes the channel.
func (c *Channel[T]) Destroy() {
	if err := c.st.Delete(c.key, c.origin); err != nil {
		c.log.Error("delete failed", "key", c.key, "error", err)
	}
	c.applyExternal(c.def, "")
	c.Close()
}

// Clear removes the stored entry and resets the mirror to its default while
// keeping the channel open. Write-default semantics re-arm: the next local
// mutation persists as usual.
func (c *Channel[T]) Clear() {
	if err := c.st.Delete(c.key, c.origin); err != nil {
		c.log.Error("delete failed", "key", c.key, "error", err)
	}
	c.applyExternal(c.def, "")
}
