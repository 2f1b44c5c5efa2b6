package events

import (
	"sync"
	"time"

	"github.com/swarmwatch/arbiter/pkg/log"
	"github.com/swarmwatch/arbiter/pkg/metrics"
)

// Handler processes a single event. Handlers must not panic; if they do
// the bus traps the panic and logs it.
type Handler func(Event)

// subscription binds a handler to an event name. Serialized subscriptions
// own a private FIFO drained by a fixed number of workers.
type subscription struct {
	name    string
	handler Handler

	serialized bool
	workers    int

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  bool
}

type subOptions struct {
	serialized bool
	workers    int
	first      bool
}

// Option configures a subscription
type Option func(*subOptions)

// Serialized makes the subscription drain its queue with n concurrent
// workers. n=1 gives strict per-handler ordering.
func Serialized(n int) Option {
	return func(o *subOptions) {
		o.serialized = true
		if n < 1 {
			n = 1
		}
		o.workers = n
	}
}

// First places the subscription ahead of previously registered handlers
// for the same event.
func First() Option {
	return func(o *subOptions) {
		o.first = true
	}
}

// Bus is the in-process event dispatcher. Parallel handlers run in a fresh
// goroutine per event; serialized handlers receive events in publish order
// through a private queue.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[string][]*subscription),
		stopCh: make(chan struct{}),
	}
}

// Subscribe registers a handler for the named event. Without options the
// handler runs in parallel mode: every publish spawns a goroutine that may
// outlive the publisher.
func (b *Bus) Subscribe(name string, handler Handler, opts ...Option) {
	var o subOptions
	for _, opt := range opts {
		opt(&o)
	}

	sub := &subscription{
		name:       name,
		handler:    handler,
		serialized: o.serialized,
		workers:    o.workers,
	}
	sub.cond = sync.NewCond(&sub.mu)

	if sub.serialized {
		for i := 0; i < sub.workers; i++ {
			b.wg.Add(1)
			go sub.drain(&b.wg)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if o.first {
		b.subs[name] = append([]*subscription{sub}, b.subs[name]...)
	} else {
		b.subs[name] = append(b.subs[name], sub)
	}
}

// Publish delivers the event to every subscribed handler. Parallel handlers
// are spawned immediately; serialized handlers enqueue.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.subs[ev.Name()]
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.serialized {
			sub.enqueue(ev)
		} else {
			go trap(sub.handler, ev)
		}
	}
}

// Periodic schedules fn to run every interval, sleeping before the first
// run. A long-running fn delays only its own schedule.
func (b *Bus) Periodic(interval time.Duration, fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				trapCall(fn)
			case <-b.stopCh:
				return
			}
		}
	}()
}

// PeriodicNow schedules fn to run every interval, running once immediately
// before the first sleep.
func (b *Bus) PeriodicNow(interval time.Duration, fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			trapCall(fn)
			select {
			case <-time.After(interval):
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop shuts down periodic handlers and serialized queues. Events already
// enqueued are dropped.
func (b *Bus) Stop() {
	close(b.stopCh)

	b.mu.Lock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			if sub.serialized {
				sub.close()
			}
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (s *subscription) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, ev)
	s.cond.Signal()
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// drain delivers queued events in FIFO order until the subscription closes.
func (s *subscription) drain(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		trap(s.handler, ev)
	}
}

// trap runs the handler, converting panics into log lines so one broken
// handler cannot take down the bus.
func trap(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ErrorsTotal.WithLabelValues("events").Inc()
			logger := log.WithComponent("events")
			logger.Error().
				Str("event", ev.Name()).
				Interface("panic", r).
				Msg("Handler panicked")
		}
	}()
	h(ev)
}

func trapCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ErrorsTotal.WithLabelValues("events").Inc()
			logger := log.WithComponent("events")
			logger.Error().
				Interface("panic", r).
				Msg("Periodic handler panicked")
		}
	}()
	fn()
}
