package pubsub

import (
	"sync"
)

// Hub drains one channel of a Listener on a single goroutine and hands every payload to
// each current subscriber, in order. It is safe to subscribe and unsubscribe from inside a
// callback: new subscriptions see the next payload, unsubscribing takes effect at once.
type Hub struct {
	listener Listener
	chanName string

	mu     sync.Mutex
	subs   []*Subscription
	nextID int
}

type Subscription struct {
	id  int
	hub *Hub
	fn  func(p Payload)
}

func NewHub(listener Listener, chanName string) *Hub {
	return &Hub{
		listener: listener,
		chanName: chanName,
	}
}

// Run dispatches payloads until the listener is closed.
func (h *Hub) Run() error {
	return h.listener.Listen(h.chanName, h.dispatch)
}

func (h *Hub) dispatch(p Payload) {
	h.mu.Lock()
	subs := make([]*Subscription, len(h.subs))
	copy(subs, h.subs)
	h.mu.Unlock()
	for _, sub := range subs {
		if h.isSubscribed(sub) {
			sub.fn(p)
		}
	}
}

func (h *Hub) Subscribe(fn func(p Payload)) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{
		id:  h.nextID,
		hub: h,
		fn:  fn,
	}
	h.subs = append(h.subs, sub)
	return sub
}

// NumSubscribers returns how many subscriptions are active.
func (h *Hub) NumSubscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) isSubscribed(sub *Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s == sub {
			return true
		}
	}
	return false
}

// Unsubscribe stops further callbacks. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, sub := range h.subs {
		if sub == s {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			return
		}
	}
}
