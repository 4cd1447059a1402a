// Package channel implements the synchronization core: keyed channels over
// the shared store, a per-instance ref-counted registry, a multi-instance
// directory, and the heartbeat liveness protocol.
package channel

import "strings"

// Key namespace prefixes. A full channel key is a prefix followed by the
// instance identifier that owns the slot.
const (
	// PrefixInstance holds per-instance state (the liveness-checked namespace).
	PrefixInstance = "instance:"

	// PrefixShared holds state slots shared across instances.
	PrefixShared = "shared:"

	// PrefixSettings holds per-instance connection settings.
	PrefixSettings = "settings:"

	// PrefixHeartbeat holds ephemeral liveness markers.
	PrefixHeartbeat = "heartbeat:"
)

// Flat keys without an instance component.
const (
	KeyWallets      = "wallets"
	KeyCurrency     = "currency"
	KeyGateway      = "gateway"
	KeyBundler      = "bundler"
	KeyScanner      = "scanner"
	KeyPassword     = "password"
	KeyPasswordLock = "password:lock"
	KeyGlobal       = "global"
)

// InstanceKey returns the instance-state key for an instance ID.
func InstanceKey(id string) string {
	return PrefixInstance + id
}

// SharedKey returns the shared-state key for an instance ID.
func SharedKey(id string) string {
	return PrefixShared + id
}

// SettingsKey returns the connection-settings key for an instance ID.
func SettingsKey(id string) string {
	return PrefixSettings + id
}

// HeartbeatKey returns the marker key a prober writes when probing target.
func HeartbeatKey(target, prober string) string {
	return PrefixHeartbeat + target + "/" + prober
}

// ParseHeartbeatKey splits a heartbeat marker key into its target and
// prober instance IDs. Returns ok=false for keys outside the heartbeat
// namespace or without both components.
func ParseHeartbeatKey(key string) (target, prober string, ok bool) {
	rest, found := strings.CutPrefix(key, PrefixHeartbeat)
	if !found {
		return "", "", false
	}
	target, prober, found = strings.Cut(rest, "/")
	if !found || target == "" || prober == "" {
		return "", "", false
	}
	return target, prober, true
}
