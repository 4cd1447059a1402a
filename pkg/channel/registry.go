package channel

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tabsync-dev/tabsync/pkg/reactive"
	"github.com/tabsync-dev/tabsync/pkg/store"
)

// Registry is a reference-counted cache of raw channels for one instance.
// All consumers in the instance acquiring the same key share one underlying
// channel, so there is exactly one live store subscription and one mirror
// per key per instance, no matter how many logical subscribers exist.
//
// Each registry is private to its instance; registries are never shared
// across instances.
type Registry struct {
	st     store.Store
	origin string
	log    *slog.Logger
	m      *Metrics

	mu      sync.Mutex
	entries map[string]*registryEntry

	// generation increments whenever an entry is created or removed.
	// Directories watch it to schedule reconciliation.
	generation *reactive.Value[uint64]

	owner *reactive.Owner
}

type registryEntry struct {
	ch    *Channel[json.RawMessage]
	refs  int
	owner *reactive.Owner
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	logger  *slog.Logger
	metrics *Metrics
	owner   *reactive.Owner
}

// WithRegistryLogger sets the logger. Default: slog.Default().
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(o *registryOptions) { o.logger = l }
}

// WithRegistryMetrics attaches a metrics collector.
func WithRegistryMetrics(m *Metrics) RegistryOption {
	return func(o *registryOptions) { o.metrics = m }
}

// WithRegistryOwner parents the registry's disposal scope.
func WithRegistryOwner(owner *reactive.Owner) RegistryOption {
	return func(o *registryOptions) { o.owner = owner }
}

// NewRegistry creates a registry for the given instance origin.
func NewRegistry(st store.Store, origin string, opts ...RegistryOption) *Registry {
	o := registryOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Registry{
		st:         st,
		origin:     origin,
		log:        o.logger,
		m:          o.metrics,
		entries:    make(map[string]*registryEntry),
		generation: reactive.NewValue(uint64(0)),
		owner:      reactive.NewOwner(o.owner),
	}
	r.owner.OnCleanup(r.releaseAll)
	return r
}

// Acquire returns the shared channel for key, creating it on first use.
// Every Acquire must be balanced by a Release.
func (r *Registry) Acquire(key string, def json.RawMessage, writeInit bool) *Channel[json.RawMessage] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.refs++
		return e.ch
	}

	owner := reactive.NewOwner(r.owner)
	opts := []Option{WithLogger(r.log)}
	if r.m != nil {
		opts = append(opts, WithMetrics(r.m))
	}
	if def == nil {
		opts = append(opts, WithoutDefault())
	}
	ch := Open(r.st, r.origin, key, def, writeInit, opts...)
	owner.OnCleanup(ch.Close)

	r.entries[key] = &registryEntry{ch: ch, refs: 1, owner: owner}
	r.bumpGeneration()
	return ch
}

// Release decrements the subscriber count for key. When it reaches zero the
// entry's disposal scope is stopped, tearing down the channel's watchers and
// subscription as one unit. Stored data is left untouched.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		r.log.Warn("release of unacquired key", "key", key)
		return
	}

	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}

	delete(r.entries, key)
	r.mu.Unlock()

	e.owner.Dispose()
	r.bumpGeneration()
}

// Refs returns the current subscriber count for key.
// This is for testing/monitoring purposes.
func (r *Registry) Refs(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Generation exposes the creation/teardown counter for watchers.
func (r *Registry) Generation() *reactive.Value[uint64] {
	return r.generation
}

// Close disposes every entry and the registry's scope.
func (r *Registry) Close() {
	r.owner.Dispose()
}

// bumpGeneration signals that the set of live entries changed.
func (r *Registry) bumpGeneration() {
	r.generation.Update(func(g uint64) uint64 { return g + 1 })
}

// releaseAll force-closes all entries regardless of their ref counts.
func (r *Registry) releaseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, e := range entries {
		e.owner.Dispose()
	}
}
