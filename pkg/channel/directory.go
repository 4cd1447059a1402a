package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/tabsync-dev/tabsync/pkg/reactive"
	"github.com/tabsync-dev/tabsync/pkg/store"
)

// Directory mirrors every live channel sharing a key prefix into one
// reactive mapping from instance ID to that instance's channel value.
// Channels are instantiated as new instances appear in the store and closed
// as they disappear; for liveness-checked namespaces a heartbeat probe
// gates instantiation, and a dead instance's stale entry is reclaimed
// instead of mirrored.
type Directory struct {
	st     store.Store
	reg    *Registry
	self   string
	prefix string

	// prober is nil for namespaces that skip the liveness gate.
	prober  *Prober
	exclude func(id string) bool

	log *slog.Logger
	m   *Metrics

	entries *reactive.Value[map[string]json.RawMessage]

	mu      sync.Mutex
	running map[string]*dirEntry
	closed  bool

	deb       *reactive.Debouncer
	cancelSub func()
	stopGen   reactive.Cleanup
	owner     *reactive.Owner
}

type dirEntry struct {
	key  string
	stop reactive.Cleanup
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithLivenessProbe gates instantiation on a heartbeat probe.
// A negative probe deletes the stale stored entry instead of mirroring it.
func WithLivenessProbe(p *Prober) DirectoryOption {
	return func(d *Directory) { d.prober = p }
}

// WithExclude filters out instance IDs the directory must ignore.
func WithExclude(fn func(id string) bool) DirectoryOption {
	return func(d *Directory) { d.exclude = fn }
}

// WithDirectoryLogger sets the logger. Default: slog.Default().
func WithDirectoryLogger(l *slog.Logger) DirectoryOption {
	return func(d *Directory) { d.log = l }
}

// WithDirectoryMetrics attaches a metrics collector.
func WithDirectoryMetrics(m *Metrics) DirectoryOption {
	return func(d *Directory) { d.m = m }
}

// WithDirectoryOwner parents the directory's disposal scope.
func WithDirectoryOwner(owner *reactive.Owner) DirectoryOption {
	return func(d *Directory) { d.owner = reactive.NewOwner(owner) }
}

// OpenDirectory starts a directory over the given prefix on behalf of
// instance self. The directory's own instance never appears in the mapping.
func OpenDirectory(st store.Store, reg *Registry, self, prefix string, opts ...DirectoryOption) *Directory {
	d := &Directory{
		st:      st,
		reg:     reg,
		self:    self,
		prefix:  prefix,
		log:     slog.Default(),
		entries: reactive.NewValue(map[string]json.RawMessage{}),
		running: make(map[string]*dirEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.owner == nil {
		d.owner = reactive.NewOwner(nil)
	}

	d.deb = reactive.NewDebouncer(0, d.reconcile)

	d.cancelSub = st.Subscribe(self, func(ev store.Event) {
		if strings.HasPrefix(ev.Key, d.prefix) {
			d.deb.Trigger()
		}
	})
	d.stopGen = reactive.Watch(reg.Generation(), func(uint64) {
		d.deb.Trigger()
	})

	d.owner.OnCleanup(d.teardown)

	d.deb.Trigger()
	return d
}

// Entries exposes the live instance-to-value mapping.
func (d *Directory) Entries() *reactive.Value[map[string]json.RawMessage] {
	return d.entries
}

// Snapshot returns a copy of the current mapping.
func (d *Directory) Snapshot() map[string]json.RawMessage {
	cur := d.entries.Get()
	out := make(map[string]json.RawMessage, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

// Running returns the instance IDs the directory has open channels for.
// This is for testing/monitoring purposes.
func (d *Directory) Running() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.running))
	for id := range d.running {
		ids = append(ids, id)
	}
	return ids
}

// Flush blocks until pending reconciliation passes complete.
// This is for testing purposes.
func (d *Directory) Flush() {
	d.deb.Flush()
}

// Close tears the directory down, closing every channel it opened.
func (d *Directory) Close() {
	d.owner.Dispose()
}

// reconcile diffs the set of instances discoverable in the store against
// the set the directory currently mirrors, opening and closing channels to
// make them match. Runs on the debouncer goroutine, one pass at a time.
func (d *Directory) reconcile() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if d.m != nil {
		d.m.Reconciles.Inc()
	}

	stored := make(map[string]bool)
	for _, key := range d.st.Keys(d.prefix) {
		id := strings.TrimPrefix(key, d.prefix)
		if id == "" || id == d.self {
			continue
		}
		if d.exclude != nil && d.exclude(id) {
			continue
		}
		stored[id] = true
	}

	// Close channels for instances that disappeared.
	d.mu.Lock()
	var toClose []*dirEntry
	var removed []string
	for id, e := range d.running {
		if !stored[id] {
			toClose = append(toClose, e)
			removed = append(removed, id)
			delete(d.running, id)
		}
	}
	var toOpen []string
	for id := range stored {
		if _, ok := d.running[id]; !ok {
			toOpen = append(toOpen, id)
		}
	}
	d.mu.Unlock()

	for _, e := range toClose {
		e.stop()
		d.reg.Release(e.key)
	}
	if len(removed) > 0 {
		d.entries.Update(func(cur map[string]json.RawMessage) map[string]json.RawMessage {
			next := make(map[string]json.RawMessage, len(cur))
			for k, v := range cur {
				next[k] = v
			}
			for _, id := range removed {
				delete(next, id)
			}
			return next
		})
	}

	// Open channels for newly discovered instances, gated on liveness
	// where the namespace requires it.
	for _, id := range toOpen {
		if d.prober != nil {
			alive, err := d.prober.Probe(context.Background(), id)
			if err != nil {
				d.log.Warn("probe failed", "instance", id, "error", err)
				continue
			}
			if !alive {
				// Probe already reclaimed the primary entry; make sure the
				// entry under this prefix is gone too.
				if err := d.st.Delete(d.prefix+id, d.self); err != nil {
					d.log.Warn("stale entry cleanup failed", "instance", id, "error", err)
				}
				continue
			}
		}
		d.open(id)
	}
}

// open acquires a channel for id and wires its value into the mapping.
func (d *Directory) open(id string) {
	key := d.prefix + id
	ch := d.reg.Acquire(key, nil, false)

	stop := reactive.Watch(ch.Value(), func(v json.RawMessage) {
		d.setEntry(id, v)
	})

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		stop()
		d.reg.Release(key)
		return
	}
	d.running[id] = &dirEntry{key: key, stop: stop}
	d.mu.Unlock()

	d.setEntry(id, ch.Get())
}

// setEntry updates one instance's value in the mapping.
func (d *Directory) setEntry(id string, v json.RawMessage) {
	d.entries.Update(func(cur map[string]json.RawMessage) map[string]json.RawMessage {
		next := make(map[string]json.RawMessage, len(cur)+1)
		for k, val := range cur {
			next[k] = val
		}
		next[id] = v
		return next
	})
}

// teardown closes every open channel and detaches the triggers.
func (d *Directory) teardown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	running := d.running
	d.running = make(map[string]*dirEntry)
	d.mu.Unlock()

	d.deb.Stop()
	d.cancelSub()
	d.stopGen()

	for _, e := range running {
		e.stop()
		d.reg.Release(e.key)
	}
	d.entries.Set(map[string]json.RawMessage{})
}