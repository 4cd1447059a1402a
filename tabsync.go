// Package tabsync synchronizes reactive wallet state across independent
// execution contexts sharing one eventually-consistent key-value store.
// Each context is an Instance: it mirrors keyed slots of the store as
// reactive channels, answers liveness probes, and reclaims state left
// behind by contexts that vanished.
package tabsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabsync-dev/tabsync/pkg/channel"
	"github.com/tabsync-dev/tabsync/pkg/reactive"
	"github.com/tabsync-dev/tabsync/pkg/store"
	"github.com/tabsync-dev/tabsync/pkg/wallet"
)

// Presence is the value each instance keeps under its instance-state key
// while it is alive. Its deletion is how peers learn the instance is gone.
type Presence struct {
	Open      bool  `json:"open"`
	StartedAt int64 `json:"startedAt"`
}

// Instance is one execution context attached to the shared store.
type Instance struct {
	id  string
	st  store.Store
	log *slog.Logger
	cfg Config

	owner    *reactive.Owner
	reg      *channel.Registry
	prober   *channel.Prober
	resp     *channel.Responder
	presence *channel.Channel[Presence]
	settings *SharedSettings

	closeOnce sync.Once
}

// New attaches a fresh instance to the store: sweeps orphaned heartbeat
// markers, starts the probe responder, and announces presence.
func New(st store.Store, cfg Config) (*Instance, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := cfg.InstanceID
	if id == "" {
		id = uuid.NewString()
	}

	in := &Instance{
		id:    id,
		st:    st,
		log:   cfg.Logger.With("instance", id),
		cfg:   cfg,
		owner: reactive.NewOwner(nil),
	}

	if !cfg.SkipStartupSweep {
		channel.SweepMarkers(st, id, in.log)
	}

	regOpts := []channel.RegistryOption{
		channel.WithRegistryLogger(in.log),
		channel.WithRegistryOwner(in.owner),
	}
	if cfg.Metrics != nil {
		regOpts = append(regOpts, channel.WithRegistryMetrics(cfg.Metrics))
	}
	in.reg = channel.NewRegistry(st, id, regOpts...)

	proberOpts := []channel.ProberOption{
		channel.WithProbeTimeout(cfg.HeartbeatTimeout),
		channel.WithProberLogger(in.log),
	}
	if cfg.Metrics != nil {
		proberOpts = append(proberOpts, channel.WithProberMetrics(cfg.Metrics))
	}
	in.prober = channel.NewProber(st, id, proberOpts...)

	in.resp = channel.StartResponder(st, id, in.log)
	in.owner.OnCleanup(in.resp.Stop)

	chOpts := []channel.Option{channel.WithLogger(in.log)}
	if cfg.Metrics != nil {
		chOpts = append(chOpts, channel.WithMetrics(cfg.Metrics))
	}
	in.presence = channel.Open(st, id, channel.InstanceKey(id),
		Presence{Open: true, StartedAt: time.Now().UnixMilli()}, true, chOpts...)

	in.settings = openSharedSettings(in)

	in.log.Debug("instance attached")
	return in, nil
}

// ID returns the instance's identity.
func (in *Instance) ID() string { return in.id }

// Store returns the shared store the instance is attached to.
func (in *Instance) Store() store.Store { return in.st }

// Registry returns the instance's channel registry.
func (in *Instance) Registry() *channel.Registry { return in.reg }

// Prober returns the instance's heartbeat prober.
func (in *Instance) Prober() *channel.Prober { return in.prober }

// Owner returns the instance's root disposal scope. Resources registered
// here are torn down on Close.
func (in *Instance) Owner() *reactive.Owner { return in.owner }

// Logger returns the instance-scoped logger.
func (in *Instance) Logger() *slog.Logger { return in.log }

// Settings returns the typed channels for the shared flat keys.
func (in *Instance) Settings() *SharedSettings { return in.settings }

// Peers opens a directory over the instance-state namespace: every other
// live instance, liveness-gated so stale entries are reclaimed rather than
// mirrored.
func (in *Instance) Peers() *channel.Directory {
	opts := []channel.DirectoryOption{
		channel.WithLivenessProbe(in.prober),
		channel.WithDirectoryLogger(in.log),
		channel.WithDirectoryOwner(in.owner),
	}
	if in.cfg.Metrics != nil {
		opts = append(opts, channel.WithDirectoryMetrics(in.cfg.Metrics))
	}
	return channel.OpenDirectory(in.st, in.reg, in.id, channel.PrefixInstance, opts...)
}

// Sessions opens a directory over the connection-settings namespace, used
// by connectors for link detection. No liveness gate: session entries are
// owned by their connectors.
func (in *Instance) Sessions() *channel.Directory {
	opts := []channel.DirectoryOption{
		channel.WithDirectoryLogger(in.log),
		channel.WithDirectoryOwner(in.owner),
	}
	if in.cfg.Metrics != nil {
		opts = append(opts, channel.WithDirectoryMetrics(in.cfg.Metrics))
	}
	return channel.OpenDirectory(in.st, in.reg, in.id, channel.PrefixSettings, opts...)
}

// Acquire returns the shared raw channel for key via the registry.
func (in *Instance) Acquire(key string, def json.RawMessage, writeInit bool) *channel.Channel[json.RawMessage] {
	return in.reg.Acquire(key, def, writeInit)
}

// Release balances an Acquire.
func (in *Instance) Release(key string) {
	in.reg.Release(key)
}

// AcquirePasswordLock claims the password lock for this instance. Fails
// with channel.ErrLockHeld while another live instance holds it; a dead
// holder is evicted and the lock taken over.
func (in *Instance) AcquirePasswordLock(ctx context.Context) error {
	return channel.AcquireLock(ctx, in.st, in.id, in.prober, in.log)
}

// ReleasePasswordLock gives the password lock up if this instance holds it.
func (in *Instance) ReleasePasswordLock() error {
	return channel.ReleaseLock(in.st, in.id)
}

// Wallets returns the configured wallet provider, or nil.
func (in *Instance) Wallets() wallet.Provider { return in.cfg.Wallets }

// Close detaches the instance: its presence entry is deleted so peers
// converge promptly, the password lock is released if held, and every
// resource in the root scope is disposed.
func (in *Instance) Close() {
	in.closeOnce.Do(func() {
		in.presence.Destroy()
		if err := channel.ReleaseLock(in.st, in.id); err != nil {
			in.log.Warn("lock release on close failed", "error", err)
		}
		in.settings.close()
		in.owner.Dispose()
		in.log.Debug("instance detached")
	})
}