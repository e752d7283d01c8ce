// Package hub implements the server side of the realtime event channel: a
// topic-based broadcast registry fanning events out to every channel session
// of a user. Publishers never block on slow subscribers; a session that falls
// too far behind is disconnected.
package hub

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"github.com/AmbitiousRealism2025/syncd/api"
	"github.com/AmbitiousRealism2025/syncd/internal/svcfields"
)

// Config tunes hub behaviour.
type Config struct {
	// SendQueueSize bounds the per-session outbound queue; a session whose
	// queue overflows is disconnected.
	SendQueueSize int
	// HeartbeatInterval is the ping cadence for liveness checks.
	HeartbeatInterval time.Duration
	// WriteTimeout bounds a single outbound websocket write.
	WriteTimeout time.Duration
	// Logger receives hub diagnostics.
	Logger pslog.Logger
	// Metrics receives hub gauges/counters; nil disables metrics.
	Metrics *Metrics
}

func (c Config) normalized() Config {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
	return c
}

type topicState struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// Hub is the broadcast registry. Publishes to distinct topics proceed
// concurrently; within one topic, events reach every subscriber's queue in
// emission order.
type Hub struct {
	cfg    Config
	logger pslog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	topics   map[string]*topicState
	sessions map[*Session]struct{}
}

// New constructs an empty hub.
func New(cfg Config) *Hub {
	cfg = cfg.normalized()
	return &Hub{
		cfg:      cfg,
		logger:   svcfields.WithSubsystem(cfg.Logger, "server.hub"),
		now:      time.Now,
		topics:   make(map[string]*topicState),
		sessions: make(map[*Session]struct{}),
	}
}

// Register adds a session to the hub.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	count := len(h.sessions)
	h.mu.Unlock()
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.sessions.Set(float64(count))
	}
	h.logger.Debug("syncd.hub.session_registered", "session_id", s.ID, "user_id", s.UserID, "sessions", count)
}

// Unregister removes a session and all of its subscriptions.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	count := len(h.sessions)
	topics := make([]*topicState, 0, 4)
	for _, name := range s.topicNames() {
		if ts := h.topics[name]; ts != nil {
			topics = append(topics, ts)
		}
	}
	h.mu.Unlock()

	for _, ts := range topics {
		ts.mu.Lock()
		delete(ts.sessions, s)
		ts.mu.Unlock()
	}
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.sessions.Set(float64(count))
	}
	s.close()
	h.logger.Debug("syncd.hub.session_unregistered", "session_id", s.ID, "user_id", s.UserID, "sessions", count)
}

// Subscribe adds the session to a topic.
func (h *Hub) Subscribe(s *Session, topic string) {
	h.mu.Lock()
	ts := h.topics[topic]
	if ts == nil {
		ts = &topicState{sessions: make(map[*Session]struct{})}
		h.topics[topic] = ts
	}
	h.mu.Unlock()

	ts.mu.Lock()
	ts.sessions[s] = struct{}{}
	ts.mu.Unlock()
	s.addTopic(topic)
	h.logger.Trace("syncd.hub.subscribed", "session_id", s.ID, "topic", topic)
}

// Unsubscribe removes the session from a topic.
func (h *Hub) Unsubscribe(s *Session, topic string) {
	h.mu.RLock()
	ts := h.topics[topic]
	h.mu.RUnlock()
	if ts != nil {
		ts.mu.Lock()
		delete(ts.sessions, s)
		ts.mu.Unlock()
	}
	s.removeTopic(topic)
	h.logger.Trace("syncd.hub.unsubscribed", "session_id", s.ID, "topic", topic)
}

// Publish delivers the event to every subscriber of its topic. Delivery is
// at-least-once into each session's bounded queue; sessions that cannot keep
// up are disconnected rather than blocking the publisher.
func (h *Hub) Publish(ev api.Event) {
	if ev.TS == 0 {
		ev.TS = h.now().UnixMilli()
	}
	h.mu.RLock()
	ts := h.topics[ev.Topic]
	h.mu.RUnlock()
	if ts == nil {
		return
	}

	var slow []*Session
	ts.mu.Lock()
	for s := range ts.sessions {
		if !s.enqueue(ev) {
			slow = append(slow, s)
		}
	}
	ts.mu.Unlock()

	if h.cfg.Metrics != nil {
		h.cfg.Metrics.published.WithLabelValues(string(ev.Type)).Inc()
	}
	for _, s := range slow {
		h.logger.Warn("syncd.hub.slow_subscriber_disconnected", "session_id", s.ID, "user_id", s.UserID, "topic", ev.Topic)
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.dropped.Inc()
		}
		h.Unregister(s)
	}
}

// CloseAll disconnects every live session. Used on server drain.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		h.Unregister(s)
	}
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Metrics exposes hub gauges and counters.
type Metrics struct {
	sessions  prometheus.Gauge
	published *prometheus.CounterVec
	dropped   prometheus.Counter
}

// NewMetrics builds the hub metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncd",
			Subsystem: "hub",
			Name:      "sessions",
			Help:      "Live realtime channel sessions.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncd",
			Subsystem: "hub",
			Name:      "events_published_total",
			Help:      "Events published to topics, by event type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncd",
			Subsystem: "hub",
			Name:      "slow_sessions_dropped_total",
			Help:      "Sessions disconnected for falling behind.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sessions, m.published, m.dropped)
	}
	return m
}
