package connector

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

// State is the connector's handshake phase.
type State string

const (
	StateUninitialized         State = "uninitialized"
	StateAwaitingStorageAccess State = "awaiting_storage_access"
	StateConnecting            State = "connecting"
	StateConnected             State = "connected"
	StateDisconnected          State = "disconnected"
)

// Kind distinguishes the two embedding context shapes. Each kind looks for
// its complement in the shared directory to decide it is linked.
type Kind string

const (
	KindIframe Kind = "iframe"
	KindPopup  Kind = "popup"
)

// Complement returns the kind this one links against.
func (k Kind) Complement() Kind {
	if k == KindIframe {
		return KindPopup
	}
	return KindIframe
}

// Session is the value held on the connector's private channel: who this
// context is, which wallet it settled on, and whether its complementary
// context is present.
type Session struct {
	Origin    string `json:"origin"`
	Session   string `json:"session"`
	Kind      Kind   `json:"kind"`
	WalletID  string `json:"walletId,omitempty"`
	Linked    bool   `json:"linked"`
	UpdatedAt int64  `json:"updatedAt"`
}

const (
	defaultPollInterval = 1 * time.Second
	defaultRelinkDelay  = 500 * time.Millisecond
)

// Connector drives the handshake for one embedding context.
type Connector struct {
	st   store.Store
	self string
	ep   *Endpoint
	kind Kind

	session    string
	pageOrigin string

	expectedSource string
	expectedOrigin string

	storageAccess func() bool
	wallets       wallet.Provider
	dir           *channel.Directory

	pollInterval time.Duration
	relinkDelay  time.Duration

	log   *slog.Logger
	state *reactive.Value[State]

	mu          sync.Mutex
	ch          *channel.Channel[Session]
	lastWallet  string
	linked      bool
	relinkTimer *time.Timer
	stopped     bool

	stopCh   reactive.Cleanup
	stopDir  reactive.Cleanup
	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a Connector.
type Option func(*Connector)

// WithKind sets the context shape. Default: KindIframe.
func WithKind(k Kind) Option {
	return func(c *Connector) { c.kind = k }
}

// WithSession fixes the session identifier. Default: a fresh UUID.
func WithSession(s string) Option {
	return func(c *Connector) { c.session = s }
}

// WithPageOrigin sets the embedding page's origin. Default: the local
// endpoint's origin.
func WithPageOrigin(o string) Option {
	return func(c *Connector) { c.pageOrigin = o }
}

// WithExpectedPeer restricts accepted messages to a specific source window
// and origin. Default: the paired endpoint's identity and origin.
func WithExpectedPeer(source, origin string) Option {
	return func(c *Connector) {
		c.expectedSource = source
		c.expectedOrigin = origin
	}
}

// WithStorageAccess sets the storage-permission predicate polled before the
// handshake proceeds. Default: access is always granted.
func WithStorageAccess(fn func() bool) Option {
	return func(c *Connector) { c.storageAccess = fn }
}

// WithWalletProvider sets the wallet lookup collaborator.
func WithWalletProvider(p wallet.Provider) Option {
	return func(c *Connector) { c.wallets = p }
}

// WithLinkDirectory sets the shared directory used for link detection.
// Without one the connector never reports linked.
func WithLinkDirectory(d *channel.Directory) Option {
	return func(c *Connector) { c.dir = d }
}

// WithPollInterval sets the storage-access polling interval. Default: 1s.
func WithPollInterval(d time.Duration) Option {
	return func(c *Connector) { c.pollInterval = d }
}

// WithRelinkDelay sets how long an iframe waits before confirming a lost
// link. Default: 500ms.
func WithRelinkDelay(d time.Duration) Option {
	return func(c *Connector) { c.relinkDelay = d }
}

// WithConnectorLogger sets the logger. Default: slog.Default().
func WithConnectorLogger(l *slog.Logger) Option {
	return func(c *Connector) { c.log = l }
}

// New creates a connector for instance self, messaging its peer through ep.
func New(st store.Store, self string, ep *Endpoint, opts ...Option) *Connector {
	c := &Connector{
		st:            st,
		self:          self,
		ep:            ep,
		kind:          KindIframe,
		session:       uuid.NewString(),
		storageAccess: func() bool { return true },
		pollInterval:  defaultPollInterval,
		relinkDelay:   defaultRelinkDelay,
		log:           slog.Default(),
		state:         reactive.NewValue(StateUninitialized),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pageOrigin == "" {
		c.pageOrigin = ep.Origin()
	}
	if c.expectedSource == "" {
		c.expectedSource = ep.peer.id
		c.expectedOrigin = ep.peer.origin
	}
	return c
}

// State exposes the handshake phase for watchers.
func (c *Connector) State() *reactive.Value[State] {
	return c.state
}

// SessionID returns the connector's session identifier.
func (c *Connector) SessionID() string { return c.session }

// Start runs the handshake: wait for storage access, open the private
// channel, then watch wallet and link changes until ctx ends or Stop is
// called.
func (c *Connector) Start(ctx context.Context) error {
	c.state.Set(StateAwaitingStorageAccess)
	if err := c.awaitStorageAccess(ctx); err != nil {
		return err
	}

	c.state.Set(StateConnecting)

	def := Session{
		Origin:    c.pageOrigin,
		Session:   c.session,
		Kind:      c.kind,
		UpdatedAt: time.Now().UnixMilli(),
	}
	ch := channel.Open(c.st, c.self, channel.SettingsKey(c.session), def, true,
		channel.WithLogger(c.log))

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		ch.Destroy()
		return nil
	}
	c.ch = ch
	c.mu.Unlock()

	c.stopCh = reactive.Watch(ch.Value(), func(s Session) {
		c.onWalletChange(s.WalletID)
	})
	if c.dir != nil {
		c.stopDir = reactive.Watch(c.dir.Entries(), func(map[string]json.RawMessage) {
			c.checkLink()
		})
		c.checkLink()
	}

	go c.pump()
	return nil
}

// awaitStorageAccess polls the permission predicate until it grants.
func (c *Connector) awaitStorageAccess(ctx context.Context) error {
	if c.storageAccess() {
		return nil
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.storageAccess() {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		}
	}
}

// SetWallet records the active wallet identifier on the private channel.
// The sentinel wallet.NoWallet triggers a disconnect.
func (c *Connector) SetWallet(id string) {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return
	}
	ch.Update(func(s Session) Session {
		s.WalletID = id
		s.UpdatedAt = time.Now().UnixMilli()
		return s
	})
}

// onWalletChange reacts to the wallet identifier settling on a new value,
// whether set locally or by a peer context through the store.
func (c *Connector) onWalletChange(id string) {
	c.mu.Lock()
	if id == c.lastWallet || c.stopped {
		c.mu.Unlock()
		return
	}
	c.lastWallet = id
	c.mu.Unlock()

	switch {
	case id == "":
		// Nothing settled yet.

	case id == wallet.NoWallet:
		c.Disconnect()

	default:
		if c.wallets == nil {
			return
		}
		w, err := c.wallets.Lookup(id)
		if err != nil {
			// Unresolvable identifier: no-op per protocol.
			c.log.Debug("wallet identifier unresolvable", "id", id)
			return
		}
		env, err := NewEnvelope(MethodConnected, ConnectedParams{PublicKey: w.PublicKey})
		if err != nil {
			c.log.Error("building connect notification failed", "error", err)
			return
		}
		if err := c.ep.Post(env); err != nil {
			c.log.Warn("connect notification not delivered", "error", err)
		}
		c.state.Set(StateConnected)
	}
}

// checkLink scans the shared directory for the complementary context with
// matching origin and session.
func (c *Connector) checkLink() {
	linked := c.complementPresent()

	c.mu.Lock()
	was := c.linked
	c.linked = linked
	ch := c.ch
	walletID := c.lastWallet
	c.mu.Unlock()

	if ch == nil || linked == was {
		return
	}

	ch.Update(func(s Session) Session {
		s.Linked = linked
		s.UpdatedAt = time.Now().UnixMilli()
		return s
	})

	// An iframe that loses its link with no confirmed wallet gives the
	// complement a grace period to come back before disconnecting; popups
	// and confirmed connections ride out the flicker.
	if !linked && c.kind == KindIframe && walletID == "" {
		c.scheduleRelinkCheck()
	}
}

func (c *Connector) complementPresent() bool {
	if c.dir == nil {
		return false
	}
	want := c.kind.Complement()
	for _, raw := range c.dir.Snapshot() {
		var s Session
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if s.Kind == want && s.Origin == c.pageOrigin && s.Session == c.session {
			return true
		}
	}
	return false
}

func (c *Connector) scheduleRelinkCheck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.relinkTimer != nil {
		return
	}
	c.relinkTimer = time.AfterFunc(c.relinkDelay, func() {
		c.mu.Lock()
		c.relinkTimer = nil
		stopped := c.stopped
		walletID := c.lastWallet
		c.mu.Unlock()
		if stopped || walletID != "" {
			return
		}
		if !c.complementPresent() {
			c.Disconnect()
		}
	})
}

// Disconnect tears the session down: the private channel entry is removed
// and the peer is notified.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	ch := c.ch
	c.ch = nil
	c.mu.Unlock()

	if ch != nil {
		ch.Destroy()
	}

	env, err := NewEnvelope(MethodDisconnected, nil)
	if err == nil {
		if err := c.ep.Post(env); err != nil {
			c.log.Debug("disconnect notification not delivered", "error", err)
		}
	}
	c.state.Set(StateDisconnected)
}

// pump reads peer messages, dropping anything not from the expected source
// window and origin.
func (c *Connector) pump() {
	for msg := range c.ep.Receive() {
		if msg.Source != c.expectedSource || msg.Origin != c.expectedOrigin {
			// Forged or stray message: drop silently, no state change.
			continue
		}
		c.handle(msg.Env)
	}
}

// handle dispatches a verified peer envelope.
func (c *Connector) handle(env Envelope) {
	switch env.Method {
	case MethodDisconnected:
		c.SetWallet(wallet.NoWallet)
	default:
		c.log.Debug("unhandled peer message", "method", env.Method)
	}
}

// Stop ends the handshake without notifying the peer. The private channel
// entry is removed so peers converge promptly.
func (c *Connector) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		ch := c.ch
		c.ch = nil
		if c.relinkTimer != nil {
			c.relinkTimer.Stop()
			c.relinkTimer = nil
		}
		c.mu.Unlock()

		close(c.done)
		if c.stopCh != nil {
			c.stopCh()
		}
		if c.stopDir != nil {
			c.stopDir()
		}
		if ch != nil {
			ch.Destroy()
		}
	})
}