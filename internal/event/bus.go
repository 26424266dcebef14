// Package event fans job lifecycle events out to subscribers and sinks.
//
// Delivery is best-effort: every subscriber owns a bounded buffer and
// Publish never blocks. When a buffer is full the oldest undelivered event
// is discarded to make room, so a slow subscriber sees the latest state
// and the drop is counted.
package event

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// Filter selects the events a subscriber receives. A nil Filter accepts all.
type Filter func(types.Event) bool

// Sink receives events on its own goroutine.
type Sink interface {
	HandleEvent(evt types.Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(evt types.Event)

// HandleEvent calls f(evt).
func (f SinkFunc) HandleEvent(evt types.Event) { f(evt) }

// OwnerFilter returns a filter matching events for one owner.
func OwnerFilter(ownerID string) Filter {
	return func(evt types.Event) bool { return evt.Job.OwnerID == ownerID }
}

// JobFilter returns a filter matching events for one job.
func JobFilter(jobID types.JobID) Filter {
	return func(evt types.Event) bool { return evt.Job.ID == jobID }
}

// Bus is an in-process publish/subscribe hub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	bufferSize int
	logger     *slog.Logger
	sinks      sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates a bus. bufferSize <= 0 uses DefaultBufferSize.
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Publish delivers evt to every matching subscriber without blocking.
func (b *Bus) Publish(evt types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.published.Add(1)
	for _, sub := range b.subs {
		if n := sub.deliver(evt); n > 0 {
			b.dropped.Add(n)
		}
	}
}

// Subscribe registers a subscriber. bufferSize <= 0 uses the bus default.
// Subscribing to a closed bus returns an already-closed subscription.
func (b *Bus) Subscribe(bufferSize int, filter Filter) *Subscription {
	if bufferSize <= 0 {
		bufferSize = b.bufferSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		bus:    b,
		ch:     make(chan types.Event, bufferSize),
		filter: filter,
	}
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// AddSink runs sink on its own goroutine, fed by a dedicated subscription.
// The returned function detaches the sink and waits for it to drain.
func (b *Bus) AddSink(sink Sink, bufferSize int) (stop func()) {
	sub := b.Subscribe(bufferSize, nil)

	done := make(chan struct{})
	b.sinks.Add(1)
	go func() {
		defer b.sinks.Done()
		defer close(done)
		for evt := range sub.C() {
			b.dispatch(sink, evt)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Close()
			<-done
		})
	}
}

func (b *Bus) dispatch(sink Sink, evt types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event sink panicked",
				"event", evt.Type,
				"jobID", evt.Job.ID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	sink.HandleEvent(evt)
}

// Close closes every subscription and waits for sinks to drain.
// Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeChannel()
	}
	b.sinks.Wait()
}

// Published returns the number of events published.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Dropped returns the number of events discarded because a buffer was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id     uint64
	bus    *Bus
	ch     chan types.Event
	filter Filter

	mu     sync.Mutex
	closed bool
}

// C returns the event channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription) C() <-chan types.Event { return s.ch }

// Close detaches the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
	s.closeChannel()
}

func (s *Subscription) closeChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver enqueues evt, evicting the oldest buffered events when full.
// It returns the number of events evicted.
func (s *Subscription) deliver(evt types.Event) uint64 {
	if s.filter != nil && !s.filter(evt) {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}

	evt.Job = evt.Job.Clone()
	var evicted uint64
	for {
		select {
		case s.ch <- evt:
			return evicted
		default:
		}
		select {
		case <-s.ch:
			evicted++
		default:
		}
	}
}
