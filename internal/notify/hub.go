// Package notify fans node notifications out to any number of subscribers.
//
// The Hub keeps a lock-guarded registry of subscriptions. Publish assigns a
// monotonically increasing sequence number and delivers the event to every
// live subscriber in publish order. A subscriber that cannot accept an event
// within the delivery timeout is dropped; the remaining subscribers are not
// affected. Sinks (the journal, for example) observe every event after fan-out.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nodekeeper/internal/logging"
)

var (
	// ErrClosed is returned when subscribing to a closed hub.
	ErrClosed = errors.New("notification hub closed")
	// ErrDuplicate is returned when a subscription id is already registered.
	ErrDuplicate = errors.New("subscription already exists")
)

const (
	defaultBuffer          = 256
	defaultDeliveryTimeout = 250 * time.Millisecond
)

// Notification is a single message emitted by the node.
type Notification struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"ts"`
	Session string    `json:"session,omitempty"`
	Message string    `json:"message"`
}

// Sink receives every published notification after subscriber delivery.
type Sink interface {
	Record(Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Notification) error

func (f SinkFunc) Record(n Notification) error { return f(n) }

// Options tune a Hub.
type Options struct {
	// Buffer is the channel capacity of each subscription.
	Buffer int
	// DeliveryTimeout bounds how long Publish waits on one full subscriber.
	DeliveryTimeout time.Duration
	Logger          *slog.Logger
}

// Stats is a point-in-time view of hub counters.
type Stats struct {
	Subscribers int
	Published   uint64
	Dropped     uint64
	SinkErrors  uint64
}

// Hub is the subscriber registry and broadcaster.
type Hub struct {
	buffer  int
	timeout time.Duration
	logger  *slog.Logger

	publishMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*Subscription
	sinks  []Sink
	seq    uint64
	closed bool

	published  atomic.Uint64
	dropped    atomic.Uint64
	sinkErrors atomic.Uint64
}

// NewHub constructs an empty hub.
func NewHub(opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = defaultDeliveryTimeout
	}
	return &Hub{
		buffer:  opts.Buffer,
		timeout: opts.DeliveryTimeout,
		logger:  logging.NewComponentLogger(opts.Logger, "notify"),
		subs:    make(map[string]*Subscription),
	}
}

// Subscribe registers a new subscription. An empty id is replaced by a
// generated one.
func (h *Hub) Subscribe(id string) (*Subscription, error) {
	if id == "" {
		id = uuid.NewString()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if _, exists := h.subs[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	sub := &Subscription{
		id: id,
		ch: make(chan Notification, h.buffer),
	}
	h.subs[id] = sub
	h.logger.Debug("subscriber added", logging.String(logging.FieldClientID, id))
	return sub, nil
}

// Unsubscribe removes the subscription and closes its channel. It reports
// whether the id was registered.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	sub.close()
	h.logger.Debug("subscriber removed", logging.String(logging.FieldClientID, id))
	return true
}

// AddSink wires an additional sink that receives every published event.
func (h *Hub) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	h.mu.Lock()
	h.sinks = append(h.sinks, sink)
	h.mu.Unlock()
}

// Publish stamps n with the next sequence number and delivers it. The stamped
// notification is returned. Publishing to a closed hub is a no-op.
func (h *Hub) Publish(n Notification) Notification {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return n
	}
	h.seq++
	n.Seq = h.seq
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	sinks := append([]Sink(nil), h.sinks...)
	h.mu.Unlock()

	for _, sub := range subs {
		if !sub.deliver(n, h.timeout) {
			h.drop(sub)
		}
	}
	h.published.Add(1)

	for _, sink := range sinks {
		if err := sink.Record(n); err != nil {
			h.sinkErrors.Add(1)
			logging.WarnWithContext(h.logger, "notification sink failed", "notification_sink_failed",
				logging.Uint64("seq", n.Seq),
				logging.Error(err),
				logging.String(logging.FieldImpact, "notification missing from history"),
			)
		}
	}
	return n
}

func (h *Hub) drop(sub *Subscription) {
	h.mu.Lock()
	if current, ok := h.subs[sub.id]; ok && current == sub {
		delete(h.subs, sub.id)
	}
	h.mu.Unlock()
	sub.dropped.Store(true)
	sub.close()
	h.dropped.Add(1)
	logging.WarnWithContext(h.logger, "subscriber dropped", "subscriber_dropped",
		logging.String(logging.FieldClientID, sub.id),
		logging.Duration("delivery_timeout", h.timeout),
		logging.String(logging.FieldErrorHint, "subscriber must drain notifications faster or resubscribe"),
		logging.String(logging.FieldImpact, "subscriber stops receiving notifications"),
	)
}

// Len reports the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.Len(),
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
		SinkErrors:  h.sinkErrors.Load(),
	}
}

// Close drops every subscriber. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

// Subscription is one registered receiver.
type Subscription struct {
	id      string
	ch      chan Notification
	mu      sync.Mutex
	closed  bool
	dropped atomic.Bool
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// C returns the delivery channel. It is closed on unsubscribe, drop, or hub close.
func (s *Subscription) C() <-chan Notification { return s.ch }

// Dropped reports whether the hub removed the subscriber for falling behind.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

// Poll waits up to wait for the first notification, then returns it together
// with anything already buffered, up to limit. ok is false once the
// subscription is closed and fully drained. A non-positive wait blocks until
// a notification arrives or ctx ends.
func (s *Subscription) Poll(ctx context.Context, wait time.Duration, limit int) (batch []Notification, ok bool) {
	if limit <= 0 {
		limit = cap(s.ch)
	}
	if limit <= 0 {
		limit = 1
	}
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case n, open := <-s.ch:
		if !open {
			return nil, false
		}
		batch = append(batch, n)
	case <-timeout:
		return nil, true
	case <-ctx.Done():
		return nil, true
	}
	for len(batch) < limit {
		select {
		case n, open := <-s.ch:
			if !open {
				return batch, len(batch) > 0
			}
			batch = append(batch, n)
		default:
			return batch, true
		}
	}
	return batch, true
}

func (s *Subscription) deliver(n Notification, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- n:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- n:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
