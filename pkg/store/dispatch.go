package store

import (
	"sync"
	"sync/atomic"
)

// subID generates unique subscription identifiers.
var subID atomic.Uint64

// subscriber is one registered observer with its own delivery goroutine.
// Events queue in a per-key pending map, so a burst of writes to one key
// collapses into a single delivery carrying the oldest Old and newest New.
type subscriber struct {
	id     uint64
	origin string
	fn     func(Event)

	mu      sync.Mutex
	pending map[string]Event
	order   []string

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newSubscriber(origin string, fn func(Event)) *subscriber {
	s := &subscriber{
		id:      subID.Add(1),
		origin:  origin,
		fn:      fn,
		pending: make(map[string]Event),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

// push queues an event, coalescing with a pending event for the same key.
func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if prev, ok := s.pending[ev.Key]; ok {
		ev.Old, ev.OldOK = prev.Old, prev.OldOK
	} else {
		s.order = append(s.order, ev.Key)
	}
	s.pending[ev.Key] = ev
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop drains pending events and invokes the callback outside any lock.
func (s *subscriber) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.order) == 0 {
				s.mu.Unlock()
				break
			}
			key := s.order[0]
			s.order = s.order[1:]
			ev := s.pending[key]
			delete(s.pending, key)
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.fn(ev)
		}
	}
}

// stop terminates the delivery goroutine. Pending events are dropped.
func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// dispatcher fans events out to subscribers, honoring origin asymmetry.
// It is embedded by every store backend.
type dispatcher struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[uint64]*subscriber)}
}

// subscribe registers a new observer and returns its cancel function.
func (d *dispatcher) subscribe(origin string, fn func(Event)) func() {
	s := newSubscriber(origin, fn)

	d.mu.Lock()
	d.subs[s.id] = s
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, s.id)
			d.mu.Unlock()
			s.stop()
		})
	}
}

// dispatch delivers ev to every subscriber whose origin differs from the
// event's origin. The writer never observes its own change.
func (d *dispatcher) dispatch(ev Event) {
	d.mu.RLock()
	subs := make([]*subscriber, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.RUnlock()

	for _, s := range subs {
		if ev.Origin != "" && s.origin == ev.Origin {
			continue
		}
		s.push(ev)
	}
}

// close stops every subscriber and clears the registry.
func (d *dispatcher) close() {
	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[uint64]*subscriber)
	d.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}
