package hub

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/AmbitiousRealism2025/syncd/api"
)

// errTopicForbidden terminates sessions that subscribe across user boundaries.
var errTopicForbidden = errors.New("hub: topic forbidden")

// Session is one live realtime connection for an authenticated user. A user
// may hold several sessions (multi-device); the hub fans user-topic events
// out to all of them.
type Session struct {
	// ID is the server-assigned session identifier.
	ID string
	// UserID is the authenticated owner of the connection.
	UserID string

	hub    *Hub
	conn   *websocket.Conn
	send   chan api.Event
	logger pslog.Logger

	mu       sync.Mutex
	topics   map[string]struct{}
	lastSeen time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps an upgraded websocket connection for the supplied user.
func NewSession(h *Hub, conn *websocket.Conn, userID string) *Session {
	s := &Session{
		ID:     xid.New().String(),
		UserID: userID,
		hub:    h,
		conn:   conn,
		send:   make(chan api.Event, h.cfg.SendQueueSize),
		topics: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	s.logger = h.logger.With("session_id", s.ID, "user_id", userID)
	s.lastSeen = h.now()
	return s
}

// Run registers the session, subscribes it to its user topic, and serves the
// read/write pumps until the connection drops. It blocks until the session
// ends and always unregisters on the way out.
func (s *Session) Run() {
	s.hub.Register(s)
	s.hub.Subscribe(s, api.UserTopic(s.UserID))
	defer s.hub.Unregister(s)

	go s.writePump()
	s.readPump()
}

// LastSeen returns the liveness timestamp.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// enqueue offers an event to the session's bounded queue. It reports false
// when the session is gone or the queue is full.
func (s *Session) enqueue(ev api.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- ev:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

func (s *Session) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

func (s *Session) subscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[topic]
	return ok
}

func (s *Session) topicNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = s.hub.now()
	s.mu.Unlock()
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.logger.Debug("syncd.hub.write_failed", "error", err)
				s.hub.Unregister(s)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.Unregister(s)
				return
			}
		}
	}
}

func (s *Session) readPump() {
	pongWait := 2 * s.hub.cfg.HeartbeatInterval
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var ev api.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("syncd.hub.read_failed", "error", err)
			}
			return
		}
		s.touch()
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := s.handleInbound(ev); err != nil {
			if errors.Is(err, errTopicForbidden) {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "topic forbidden"),
					time.Now().Add(s.hub.cfg.WriteTimeout))
			}
			return
		}
	}
}

// handleInbound routes one client envelope: subscription management, client
// heartbeats, and client-originated domain events (collaborative edits)
// which are rebroadcast to the event's topic.
func (s *Session) handleInbound(ev api.Event) error {
	switch ev.Type {
	case api.EventSubscribe:
		if !s.topicAllowed(ev.Topic) {
			s.logger.Warn("syncd.hub.subscribe_forbidden", "topic", ev.Topic)
			return errTopicForbidden
		}
		s.hub.Subscribe(s, ev.Topic)
	case api.EventUnsubscribe:
		s.hub.Unsubscribe(s, ev.Topic)
	case "ping":
		s.enqueue(api.Event{Type: api.EventPong, TS: s.hub.now().UnixMilli()})
	default:
		if ev.Topic == "" || !s.subscribed(ev.Topic) {
			s.logger.Debug("syncd.hub.inbound_ignored", "type", string(ev.Type), "topic", ev.Topic)
			return nil
		}
		s.hub.Publish(ev)
	}
	return nil
}

// topicAllowed restricts per-user topics to the session's own user; session,
// project and resource topics are open to authenticated clients.
func (s *Session) topicAllowed(topic string) bool {
	if strings.HasPrefix(topic, "user-") {
		return topic == api.UserTopic(s.UserID)
	}
	return topic != ""
}
