package tabsync

import (
	"log/slog"
	"time"

	"github.com/tabsync-dev/tabsync/internal/errs"
	"github.com/tabsync-dev/tabsync/pkg/channel"
	"github.com/tabsync-dev/tabsync/pkg/wallet"
)

// Config is the main instance configuration.
// The zero value is valid: a fresh UUID identity, default logger, no
// metrics, and the standard heartbeat timeout.
type Config struct {
	// InstanceID fixes the instance's identity. If empty, a fresh UUID is
	// generated. Two live instances must never share an ID.
	InstanceID string

	// HeartbeatTimeout is how long a probe waits for the target to answer
	// before presuming it dead. Values below 5 seconds are raised to 5
	// seconds. Default: 5 seconds.
	HeartbeatTimeout time.Duration

	// Wallets is the wallet lookup collaborator handed to connectors.
	// Optional; without it connect notifications are never produced.
	Wallets wallet.Provider

	// Metrics enables Prometheus instrumentation when set.
	Metrics *channel.Metrics

	// SkipStartupSweep disables the orphaned-heartbeat-marker sweep that
	// normally runs once when the instance attaches to the store.
	SkipStartupSweep bool

	// Logger is the structured logger for the instance.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.HeartbeatTimeout < 0 {
		return errs.New("invalid_timeout", errs.CategoryConfig, "heartbeat timeout must not be negative")
	}
	if c.InstanceID == wallet.NoWallet {
		return errs.New("invalid_instance_id", errs.CategoryConfig, "instance ID collides with the no-wallet sentinel")
	}
	return nil
}