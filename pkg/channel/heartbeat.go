package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tabsync-dev/tabsync/pkg/store"
)

const (
	// minProbeTimeout is the floor below which probe timeouts never go.
	// A shorter caller-supplied timeout is raised to this value: the
	// effective timeout is always max(minProbeTimeout, configured).
	minProbeTimeout = 5 * time.Second

	// markerCleanupDelay is how long a confirmed marker lingers before the
	// prober removes it.
	markerCleanupDelay = 1 * time.Second

	// aliveValue is what a responder overwrites a marker with.
	aliveValue = "alive"
)

// Prober verifies whether a remote instance claiming a channel is still
// alive. Probing target T from instance S writes an empty marker under
// heartbeat:T/S; a live T overwrites the marker with a non-empty value,
// which is the only way an instance asserts liveness. A target that stays
// silent past the timeout is presumed dead and its primary state entry is
// reclaimed.
type Prober struct {
	st      store.Store
	self    string
	timeout time.Duration
	floor   time.Duration
	primary func(id string) string
	log     *slog.Logger
	m       *Metrics
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeTimeout sets the caller-supplied probe timeout. Values below the
// 5s floor are raised to it.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) { p.timeout = d }
}

// WithPrimaryKey sets how a target's primary state key is derived from its
// instance ID. Default: InstanceKey.
func WithPrimaryKey(fn func(id string) string) ProberOption {
	return func(p *Prober) { p.primary = fn }
}

// WithProberLogger sets the logger. Default: slog.Default().
func WithProberLogger(l *slog.Logger) ProberOption {
	return func(p *Prober) { p.log = l }
}

// WithProberMetrics attaches a metrics collector.
func WithProberMetrics(m *Metrics) ProberOption {
	return func(p *Prober) { p.m = m }
}

// NewProber creates a prober acting on behalf of instance self.
func NewProber(st store.Store, self string, opts ...ProberOption) *Prober {
	p := &Prober{
		st:      st,
		self:    self,
		floor:   minProbeTimeout,
		primary: InstanceKey,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe checks whether target is alive.
//
// Returns true when the target answered within the timeout; the marker is
// cleaned up shortly after. Returns false on timeout, in which case the
// target's primary state entry is removed — it is presumed dead and its
// state orphaned. Context cancellation aborts the probe without reclaiming
// anything.
func (p *Prober) Probe(ctx context.Context, target string) (bool, error) {
	marker := HeartbeatKey(target, p.self)

	confirmed := make(chan struct{})
	var once sync.Once
	cancel := p.st.Subscribe(p.self, func(ev store.Event) {
		if ev.Key == marker && ev.NewOK && ev.New != "" {
			once.Do(func() { close(confirmed) })
		}
	})
	defer cancel()

	// A leftover marker with an empty value would make the fresh write a
	// no-op and the responder would never be notified, so clear it first.
	if err := p.st.Delete(marker, p.self); err != nil {
		return false, err
	}
	if err := p.st.Set(marker, "", p.self); err != nil {
		return false, err
	}
	if p.m != nil {
		p.m.ProbesStarted.Inc()
	}

	timeout := p.timeout
	if timeout < p.floor {
		timeout = p.floor
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-confirmed:
		if p.m != nil {
			p.m.ProbesConfirmed.Inc()
		}
		time.AfterFunc(markerCleanupDelay, func() {
			if err := p.st.Delete(marker, p.self); err != nil {
				p.log.Warn("marker cleanup failed", "key", marker, "error", err)
			}
		})
		return true, nil

	case <-timer.C:
		if p.m != nil {
			p.m.ProbesTimedOut.Inc()
		}
		p.log.Info("probe timed out, reclaiming state", "target", target)
		if err := p.st.Delete(p.primary(target), p.self); err != nil {
			p.log.Warn("reclaim failed", "target", target, "error", err)
		}
		if err := p.st.Delete(marker, p.self); err != nil {
			p.log.Warn("marker cleanup failed", "key", marker, "error", err)
		}
		return false, nil

	case <-ctx.Done():
		if err := p.st.Delete(marker, p.self); err != nil {
			p.log.Warn("marker cleanup failed", "key", marker, "error", err)
		}
		return false, ctx.Err()
	}
}

// Responder passively answers heartbeat probes addressed to this instance.
// One responder runs in every instance for its entire lifetime.
type Responder struct {
	cancel func()
	once   sync.Once
}

// StartResponder begins answering probes addressed to instance self.
func StartResponder(st store.Store, self string, log *slog.Logger) *Responder {
	if log == nil {
		log = slog.Default()
	}

	prefix := PrefixHeartbeat + self + "/"
	cancel := st.Subscribe(self, func(ev store.Event) {
		if !ev.NewOK || ev.New != "" {
			return
		}
		if len(ev.Key) <= len(prefix) || ev.Key[:len(prefix)] != prefix {
			return
		}
		if err := st.Set(ev.Key, aliveValue, self); err != nil {
			log.Warn("heartbeat answer failed", "key", ev.Key, "error", err)
		}
	})

	return &Responder{cancel: cancel}
}

// Stop detaches the responder.
func (r *Responder) Stop() {
	r.once.Do(r.cancel)
}

// SweepMarkers removes heartbeat markers whose probed instance no longer
// has a primary state entry. Run once at startup to clear garbage left by
// sessions that ended mid-probe.
func SweepMarkers(st store.Store, origin string, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}

	for _, key := range st.Keys(PrefixHeartbeat) {
		target, _, ok := ParseHeartbeatKey(key)
		if !ok {
			continue
		}
		if _, exists := st.Get(InstanceKey(target)); exists {
			continue
		}
		if err := st.Delete(key, origin); err != nil {
			log.Warn("marker sweep failed", "key", key, "error", err)
		} else {
			log.Debug("swept orphaned heartbeat marker", "key", key)
		}
	}
}
