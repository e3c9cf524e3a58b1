// Package bus fans engine events out to observers. Publishing never blocks:
// each subscriber owns a bounded queue and a drop policy.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ormasoftchile/conductor/pkg/trace"
)

// DefaultBuffer is the queue length used when Options.Buffer is zero.
const DefaultBuffer = 256

// Policy decides which event is lost when a subscriber queue is full.
type Policy string

const (
	// DropNewest discards the event being published.
	DropNewest Policy = "drop-newest"
	// DropOldest discards the oldest queued event to make room.
	DropOldest Policy = "drop-oldest"
)

// Handler receives events on the subscriber's own goroutine.
type Handler func(trace.Event)

// Options configures one subscription.
type Options struct {
	Buffer int
	Policy Policy
	// Types restricts delivery; empty means every event.
	Types []trace.EventType
}

// Subscription is a registered observer.
type Subscription struct {
	bus     *Bus
	ch      chan trace.Event
	policy  Policy
	types   map[trace.EventType]struct{}
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// Dropped returns how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Unsubscribe stops delivery and waits for the handler to drain its queue.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
	<-s.done
}

func (s *Subscription) wants(t trace.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

func (s *Subscription) offer(e trace.Event) {
	select {
	case s.ch <- e:
		return
	default:
	}
	if s.policy == DropOldest {
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- e:
			return
		default:
		}
	}
	s.dropped.Add(1)
}

// Bus is the publish point for engine events. Observers subscribe without
// the engine knowing about them.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	logger *slog.Logger
}

// New creates an empty bus. logger may be nil.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers fn. It is called sequentially, in publish order, on a
// dedicated goroutine; a panic in fn is logged and delivery continues.
func (b *Bus) Subscribe(fn Handler, opts Options) *Subscription {
	size := opts.Buffer
	if size <= 0 {
		size = DefaultBuffer
	}
	policy := opts.Policy
	if policy == "" {
		policy = DropNewest
	}
	sub := &Subscription{
		bus:    b,
		ch:     make(chan trace.Event, size),
		policy: policy,
		done:   make(chan struct{}),
	}
	if len(opts.Types) > 0 {
		sub.types = make(map[trace.EventType]struct{}, len(opts.Types))
		for _, t := range opts.Types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for evt := range sub.ch {
			b.deliver(fn, evt)
		}
	}()
	return sub
}

func (b *Bus) deliver(fn Handler, evt trace.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "event", evt.Type, "panic", r)
		}
	}()
	fn(evt)
}

// Publish offers evt to every interested subscriber without blocking.
func (b *Bus) Publish(evt trace.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.wants(evt.Type) {
			sub.offer(evt)
		}
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	s.once.Do(func() { close(s.ch) })
}

// Close unsubscribes everyone and waits for queued events to be handled.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
	b.mu.Unlock()

	for _, s := range subs {
		<-s.done
	}
}
