package event

import (
	"fmt"
	"reflect"
	"sync"
)

// Bus is a dispatcher keyed by event type (grounded on node/p2p/peer.go's
// PeerHandler dispatch, generalized from a fixed method set to an open set
// of typed subscribers). Publish enqueues onto a single dispatch loop, so
// delivery across the whole bus is totally ordered — a strictly stronger
// guarantee than the required per-event-type FIFO, and therefore satisfies
// it without needing separate per-type queues.
type Bus struct {
	mu   sync.Mutex
	subs map[reflect.Type][]*subscription

	queue   chan any
	done    chan struct{}
	stopped bool
}

type subscription struct {
	id      uint64
	typ     reflect.Type
	handler func(any)
}

// Subscription is a handle returned by Subscribe. Close unsubscribes; it is
// safe to call more than once and from any goroutine.
type Subscription struct {
	bus *Bus
	sub *subscription
}

// New creates a Bus and starts its single dispatch goroutine. queueDepth
// bounds the number of pending events before Publish blocks, giving
// back-pressure to producers instead of unbounded buffering.
func New(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	b := &Bus{
		subs:  make(map[reflect.Type][]*subscription),
		queue: make(chan any, queueDepth),
		done:  make(chan struct{}),
	}
	go b.run()
	return b
}

var nextSubID uint64
var nextSubIDMu sync.Mutex

func allocSubID() uint64 {
	nextSubIDMu.Lock()
	defer nextSubIDMu.Unlock()
	nextSubID++
	return nextSubID
}

// Subscribe registers handler for events of type T and returns a handle
// whose Close unsubscribes. Handlers run on the bus's single dispatch
// goroutine and must not block it (spec §9).
func Subscribe[T any](b *Bus, handler func(T)) *Subscription {
	var zero T
	typ := reflect.TypeOf(zero)
	sub := &subscription{
		id:  allocSubID(),
		typ: typ,
		handler: func(v any) {
			handler(v.(T))
		},
	}
	b.mu.Lock()
	b.subs[typ] = append(b.subs[typ], sub)
	b.mu.Unlock()
	return &Subscription{bus: b, sub: sub}
}

// Close unsubscribes the handler. Equivalent to the "drop/close unsubscribes"
// contract of spec §9's opaque connection handle.
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.sub.typ]
	for i, sub := range list {
		if sub.id == s.sub.id {
			b.subs[s.sub.typ] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Publish enqueues event for dispatch. It never blocks the caller beyond
// the queue's back-pressure; handlers themselves run later, on the bus's
// own goroutine.
func (b *Bus) Publish(ev any) {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		return
	}
	b.queue <- ev
}

// Stop makes later Publish calls no-ops and closes the queue; the dispatch
// goroutine still delivers the events already queued, then exits and
// closes Done. A FatalError event ends dispatch on its own once its
// handlers have run (see run); nothing is logged for it.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()
	close(b.queue)
}

// Done is closed once the dispatch goroutine has exited after Stop.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for ev := range b.queue {
		b.dispatch(ev)
		if _, ok := ev.(FatalError); ok {
			b.mu.Lock()
			b.stopped = true
			b.mu.Unlock()
			return
		}
	}
}

func (b *Bus) dispatch(ev any) {
	typ := reflect.TypeOf(ev)
	b.mu.Lock()
	handlers := append([]*subscription(nil), b.subs[typ]...)
	b.mu.Unlock()
	for _, sub := range handlers {
		b.invoke(sub, ev)
	}
}

// invoke recovers from a panicking handler so one bad subscriber cannot
// take down the single dispatch goroutine other subscribers depend on.
func (b *Bus) invoke(sub *subscription, ev any) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Error("event: handler panicked", "event_type", sub.typ, "panic", fmt.Sprint(r))
		}
	}()
	sub.handler(ev)
}
