// Package wallet defines the narrow contract the synchronization core needs
// from the wallet layer: lookup by identifier and capability checks. Actual
// key management and signing live behind this interface and are out of scope.
package wallet

import (
	"github.com/tabsync-dev/tabsync/internal/errs"
)

// NoWallet is the explicit "no wallet selected" sentinel. Setting a
// connector's wallet identifier to this value triggers a disconnect; it is
// never a valid lookup target.
const NoWallet = "none"

// Type classifies how a wallet's keys are held.
type Type string

const (
	// TypeLocal wallets hold their key material in the instance itself.
	TypeLocal Type = "local"

	// TypeHardware wallets delegate signing to an external device.
	TypeHardware Type = "hardware"

	// TypeWatch wallets track an address without any key material.
	TypeWatch Type = "watch"
)

// Capability names an operation a wallet type may or may not support.
type Capability string

const (
	CapSign   Capability = "sign"
	CapExport Capability = "export"
)

// Wallet is the lookup result the connector needs: enough to announce a
// connection, nothing more.
type Wallet struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Type      Type   `json:"type"`
}

// Supports reports whether the wallet's type allows the capability.
func (w Wallet) Supports(c Capability) bool {
	switch c {
	case CapSign:
		return w.Type == TypeLocal || w.Type == TypeHardware
	case CapExport:
		return w.Type == TypeLocal
	default:
		return false
	}
}

// Require returns a descriptive rejection when the wallet's type lacks the
// capability, nil otherwise.
func (w Wallet) Require(c Capability) error {
	if w.Supports(c) {
		return nil
	}
	return errs.Newf("unsupported_operation", errs.CategoryWallet,
		"wallet type %q does not support %q", w.Type, c).
		WithSuggestion("switch to a local wallet for this operation")
}

// ErrNotFound is returned when no wallet matches an identifier.
var ErrNotFound = errs.New("wallet_not_found", errs.CategoryWallet, "no wallet with that identifier")

// Provider resolves wallet identifiers. Implementations live outside the
// core; the connector only ever calls Lookup.
type Provider interface {
	Lookup(id string) (Wallet, error)
}

// MemoryProvider is a fixed in-memory Provider.
type MemoryProvider struct {
	wallets map[string]Wallet
}

// NewMemoryProvider builds a provider over the given wallets.
func NewMemoryProvider(wallets ...Wallet) *MemoryProvider {
	m := make(map[string]Wallet, len(wallets))
	for _, w := range wallets {
		m[w.ID] = w
	}
	return &MemoryProvider{wallets: m}
}

// Lookup implements Provider.
func (p *MemoryProvider) Lookup(id string) (Wallet, error) {
	if id == "" || id == NoWallet {
		return Wallet{}, ErrNotFound
	}
	w, ok := p.wallets[id]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return w, nil
}