package pubsub

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Payload is anything published on a channel. Type is used to label metrics and logs.
type Payload interface {
	Type() string
}

// Listener delivers the payloads of one channel to a callback.
type Listener interface {
	// Listen calls fn for every payload on chanName, in order, until Close.
	Listen(chanName string, fn func(p Payload)) error
	Close() error
}

// Notifier publishes payloads.
type Notifier interface {
	// Notify publishes p on chanName. Fails if p could not be queued in time.
	Notify(chanName string, p Payload) error
	Close() error
}

// PubSub is an in-process Notifier and Listener. Payloads on a channel are delivered in
// the order they were notified.
type PubSub struct {
	chans         map[string]chan Payload
	mu            *sync.Mutex
	closed        bool
	bufferSize    int
	notifyTimeout time.Duration
}

// NewPubSub makes a PubSub with the given buffer per channel. Notify blocks while the buffer
// is full; if notifyTimeout is non-zero it gives up after that long.
func NewPubSub(bufferSize int, notifyTimeout time.Duration) *PubSub {
	return &PubSub{
		chans:         make(map[string]chan Payload),
		mu:            &sync.Mutex{},
		bufferSize:    bufferSize,
		notifyTimeout: notifyTimeout,
	}
}

func (ps *PubSub) getChan(chanName string) chan Payload {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ch := ps.chans[chanName]
	if ch == nil {
		ch = make(chan Payload, ps.bufferSize)
		ps.chans[chanName] = ch
	}
	return ch
}

func (ps *PubSub) Notify(chanName string, p Payload) error {
	ch := ps.getChan(chanName)
	if ps.notifyTimeout == 0 {
		ch <- p
		return nil
	}
	select {
	case ch <- p:
		break
	case <-time.After(ps.notifyTimeout):
		return fmt.Errorf("notify with payload %v timed out", p.Type())
	}
	return nil
}

func (ps *PubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	for _, ch := range ps.chans {
		close(ch)
	}
	return nil
}

func (ps *PubSub) Listen(chanName string, fn func(p Payload)) error {
	ps.mu.Lock()
	closed := ps.closed
	ps.mu.Unlock()
	if closed {
		return nil
	}
	ch := ps.getChan(chanName)
	for payload := range ch {
		fn(payload)
	}
	return nil
}

// PromNotifier counts published payloads by type.
type PromNotifier struct {
	Notifier
	msgCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	return p.Notifier.Notify(chanName, payload)
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.msgCounter)
	return p.Notifier.Close()
}

// NewPromNotifier registers the payload counter and wraps n with it.
func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matrix_recorder",
			Subsystem: subsystem,
			Name:      "payloads",
			Help:      "Payloads published, by payload type",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter)
	return p
}
