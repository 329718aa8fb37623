// Package realtime fans ledger, market and insight events out to connected
// dashboard sessions.
package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rewired-gh/tradesync/internal/logger"
	"github.com/rewired-gh/tradesync/internal/models"
)

// Message types sent to sessions besides the broadcast event types.
const (
	TypeSnapshot    = "snapshot"
	TypeSubscribed  = "subscribed"
	TypeTradeResult = "trade_result"
	TypeTradeError  = "trade_error"
	TypeError       = "error"
)

// Envelope is the JSON frame every session receives.
type Envelope struct {
	Type      string       `json:"type"`
	Topic     models.Topic `json:"topic,omitempty"`
	Data      any          `json:"data,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Publisher delivers one event to interested consumers without blocking.
type Publisher interface {
	Publish(topic models.Topic, eventType string, payload any)
}

// Session is one connected client. Its queue is bounded; a session that
// cannot keep up is evicted rather than allowed to block publishers.
type Session struct {
	id   string
	send chan []byte

	mu     sync.RWMutex
	topics map[models.Topic]bool

	done    chan struct{}
	once    sync.Once
	evicted atomic.Bool
}

func newSession(queueSize int) *Session {
	s := &Session{
		id:     uuid.NewString(),
		send:   make(chan []byte, queueSize),
		topics: make(map[models.Topic]bool, len(models.AllTopics)),
		done:   make(chan struct{}),
	}
	s.Subscribe(models.AllTopics...)
	return s
}

func (s *Session) ID() string { return s.id }

// Messages yields encoded frames in publish order.
func (s *Session) Messages() <-chan []byte { return s.send }

// Done is closed when the session is unregistered or evicted.
func (s *Session) Done() <-chan struct{} { return s.done }

// Evicted reports whether the session was dropped for falling behind.
func (s *Session) Evicted() bool { return s.evicted.Load() }

// Subscribe adds topics. Unknown topics are ignored.
func (s *Session) Subscribe(topics ...models.Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		if knownTopic(t) {
			s.topics[t] = true
		}
	}
}

func (s *Session) Unsubscribe(topics ...models.Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		delete(s.topics, t)
	}
}

func (s *Session) Subscribed(topic models.Topic) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topics[topic]
}

// Topics returns the current subscriptions in canonical order.
func (s *Session) Topics() []models.Topic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Topic, 0, len(s.topics))
	for _, t := range models.AllTopics {
		if s.topics[t] {
			out = append(out, t)
		}
	}
	return out
}

// enqueue never blocks. It reports false if the queue is full or the
// session is already closed.
func (s *Session) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}

func knownTopic(t models.Topic) bool {
	for _, known := range models.AllTopics {
		if t == known {
			return true
		}
	}
	return false
}

// Hub owns the set of live sessions.
type Hub struct {
	queueSize int
	now       func() time.Time
	log       zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub creates a hub whose sessions buffer up to queueSize frames.
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Hub{
		queueSize: queueSize,
		now:       time.Now,
		log:       logger.With("realtime"),
		sessions:  make(map[string]*Session),
	}
}

// Register adds a session subscribed to every topic.
func (h *Hub) Register() *Session {
	s := newSession(h.queueSize)
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()
	h.log.Debug().Str("session", s.id).Int("sessions", n).Msg("session registered")
	return s
}

// Unregister removes and closes a session. Safe to call more than once.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	n := len(h.sessions)
	h.mu.Unlock()
	s.close()
	h.log.Debug().Str("session", s.id).Int("sessions", n).Msg("session unregistered")
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Publish encodes the event once and queues it on every session subscribed
// to topic. Sessions whose queue is full are evicted.
func (h *Hub) Publish(topic models.Topic, eventType string, payload any) {
	msg, err := h.encode(Envelope{Type: eventType, Topic: topic, Data: payload})
	if err != nil {
		h.log.Error().Err(err).Str("type", eventType).Msg("failed to encode event")
		return
	}

	var slow []*Session
	h.mu.RLock()
	for _, s := range h.sessions {
		if !s.Subscribed(topic) {
			continue
		}
		if !s.enqueue(msg) {
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.evict(s)
	}
}

// Send queues a message for one session only.
func (h *Hub) Send(s *Session, msgType string, topic models.Topic, payload any) bool {
	msg, err := h.encode(Envelope{Type: msgType, Topic: topic, Data: payload})
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("failed to encode message")
		return false
	}
	if !s.enqueue(msg) {
		h.evict(s)
		return false
	}
	return true
}

// Close drops every session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

func (h *Hub) evict(s *Session) {
	select {
	case <-s.done:
		return
	default:
	}
	s.evicted.Store(true)
	h.Unregister(s)
	h.log.Warn().Str("session", s.id).Int("queue", h.queueSize).Msg("evicted slow session")
}

func (h *Hub) encode(env Envelope) ([]byte, error) {
	env.Timestamp = h.now().UTC()
	return json.Marshal(env)
}

// Tee fans each publish out to several publishers. Nil entries are skipped.
type Tee []Publisher

func (t Tee) Publish(topic models.Topic, eventType string, payload any) {
	for _, p := range t {
		if p != nil {
			p.Publish(topic, eventType, payload)
		}
	}
}
