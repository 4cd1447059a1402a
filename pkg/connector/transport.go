package connector

import (
	"sync"

	"github.com/tabsync-dev/tabsync/internal/errs"
)

// Message is an envelope as received: stamped with the sender window's
// identity and origin so the receiver can filter.
type Message struct {
	Source string
	Origin string
	Env    Envelope
}

// ErrEndpointClosed is returned when posting through a closed endpoint.
var ErrEndpointClosed = errs.New("endpoint_closed", errs.CategoryConnector, "message endpoint is closed")

// Endpoint is one end of a window-to-window message link. Post delivers to
// the peer; Receive yields what the peer posted. Both ends carry a fixed
// identity and origin, stamped onto outgoing messages.
type Endpoint struct {
	id     string
	origin string

	mu     sync.Mutex
	peer   *Endpoint
	in     chan Message
	closed bool
}

// Pair wires two endpoints together, modeling a window pair such as an
// embedding page and the wallet popup it opened.
func Pair(idA, originA, idB, originB string) (*Endpoint, *Endpoint) {
	a := &Endpoint{id: idA, origin: originA, in: make(chan Message, 16)}
	b := &Endpoint{id: idB, origin: originB, in: make(chan Message, 16)}
	a.peer = b
	b.peer = a
	return a, b
}

// ID returns the endpoint's window identity.
func (e *Endpoint) ID() string { return e.id }

// Origin returns the endpoint's origin.
func (e *Endpoint) Origin() string { return e.origin }

// Post sends an envelope to the peer window. Messages posted after either
// end closes are dropped with ErrEndpointClosed.
func (e *Endpoint) Post(env Envelope) error {
	e.mu.Lock()
	peer := e.peer
	closed := e.closed
	e.mu.Unlock()
	if closed || peer == nil {
		return ErrEndpointClosed
	}
	return peer.deliver(Message{Source: e.id, Origin: e.origin, Env: env})
}

func (e *Endpoint) deliver(msg Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEndpointClosed
	}
	select {
	case e.in <- msg:
		return nil
	default:
		// Receiver not draining; a browsing context that stops pumping its
		// message queue loses messages, so does this one.
		return nil
	}
}

// Receive returns the incoming message stream. The channel closes when the
// endpoint does.
func (e *Endpoint) Receive() <-chan Message {
	return e.in
}

// Close shuts the endpoint down and closes its receive channel.
func (e *Endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.in)
}