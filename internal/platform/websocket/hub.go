// Package websocket pushes audit events to live observers. A Hub keeps the
// subscriber registry for one process; a Relay fans events out across
// processes through Redis; Handler carries them to browsers over WebSockets.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldercare/ehr/internal/platform/hipaa"
	"github.com/eldercare/ehr/internal/platform/metrics"
)

const (
	// DefaultBufferSize is the per-subscriber frame buffer.
	DefaultBufferSize = 256
	// DefaultMaxMissed consecutive full-buffer sends evict a subscriber.
	DefaultMaxMissed = 8
)

// Frame types.
const (
	FrameConnected  = "connected"
	FrameAuditEvent = "audit_event"
)

// Frame is one message delivered to a subscriber.
type Frame struct {
	Type  string           `json:"type"`
	Event *hipaa.LiveEvent `json:"event,omitempty"`
}

// Subscriber is one registered live observer.
type Subscriber struct {
	ID        string
	CreatedAt time.Time

	frames chan []byte

	mu     sync.Mutex
	missed int
	closed bool
}

// Frames returns the subscriber's delivery channel. It is closed when the
// subscriber is unsubscribed or evicted.
func (s *Subscriber) Frames() <-chan []byte { return s.frames }

// send attempts a non-blocking delivery. It returns false once the
// subscriber has missed maxMissed sends in a row or is closed.
func (s *Subscriber) send(data []byte, maxMissed int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.frames <- data:
		s.missed = 0
		return true
	default:
		s.missed++
		return s.missed < maxMissed
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// Hub is the registry of live subscribers. Registration and removal take
// the write lock; publishing iterates a snapshot taken under the read lock.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber

	bufferSize int
	maxMissed  int
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// HubOption configures a Hub.
type HubOption func(*Hub)

func WithBufferSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

func WithMaxMissed(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.maxMissed = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		subs:       make(map[string]*Subscriber),
		bufferSize: DefaultBufferSize,
		maxMissed:  DefaultMaxMissed,
		logger:     logger.With().Str("component", "live-hub").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var connectedFrame, _ = json.Marshal(Frame{Type: FrameConnected})

// Subscribe registers a new subscriber and queues the connection
// acknowledgement as its first frame.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		frames:    make(chan []byte, h.bufferSize),
	}
	sub.frames <- connectedFrame

	h.mu.Lock()
	h.subs[sub.ID] = sub
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetLiveSubscribers(n)
	h.logger.Debug().Str("subscriber_id", sub.ID).Int("subscribers", n).Msg("live subscriber registered")
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Unknown or
// already removed subscribers are ignored.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if h.remove(sub) {
		h.logger.Debug().Str("subscriber_id", sub.ID).Msg("live subscriber removed")
	}
}

func (h *Hub) remove(sub *Subscriber) bool {
	h.mu.Lock()
	_, ok := h.subs[sub.ID]
	if ok {
		delete(h.subs, sub.ID)
	}
	n := len(h.subs)
	h.mu.Unlock()

	sub.close()
	if ok {
		h.metrics.SetLiveSubscribers(n)
	}
	return ok
}

// SubscribeLive adapts Subscribe to hipaa.LiveFeed.
func (h *Hub) SubscribeLive() (<-chan []byte, func()) {
	sub := h.Subscribe()
	return sub.Frames(), func() { h.Unsubscribe(sub) }
}

// PublishLive delivers the event to local subscribers. It never blocks on a
// slow subscriber.
func (h *Hub) PublishLive(_ context.Context, event hipaa.LiveEvent) {
	data, err := json.Marshal(Frame{Type: FrameAuditEvent, Event: &event})
	if err != nil {
		h.logger.Warn().Err(err).Str("event_id", event.ID).Msg("failed to encode live event")
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	snapshot := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	for _, s := range snapshot {
		if !s.send(data, h.maxMissed) {
			if h.remove(s) {
				h.metrics.SubscriberEvicted()
				h.logger.Warn().Str("subscriber_id", s.ID).Msg("live subscriber evicted after missed deliveries")
			}
		}
	}
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unregisters every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	h.metrics.SetLiveSubscribers(0)
}
