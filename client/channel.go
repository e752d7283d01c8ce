package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/AmbitiousRealism2025/syncd/api"
	"github.com/AmbitiousRealism2025/syncd/internal/backoff"
	"github.com/AmbitiousRealism2025/syncd/internal/svcfields"
)

// ChannelState describes the realtime connection lifecycle.
type ChannelState int

const (
	// ChannelConnecting means a dial or reconnect attempt is in progress.
	ChannelConnecting ChannelState = iota
	// ChannelConnected means the websocket is established.
	ChannelConnected
	// ChannelDisconnected means the channel gave up; realtime updates stop
	// until the engine restarts it, sync itself keeps working.
	ChannelDisconnected
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ChannelConfig configures the realtime event channel.
type ChannelConfig struct {
	// Client supplies the endpoint and bearer token.
	Client *Client
	// Reconnect schedules re-dial attempts after a dropped connection.
	Reconnect backoff.Policy
	// HandshakeTimeout bounds a single dial.
	HandshakeTimeout time.Duration
	// OnEvent receives every server event in arrival order.
	OnEvent func(api.Event)
	// OnStateChange reports lifecycle transitions.
	OnStateChange func(ChannelState)
	// Logger receives channel diagnostics.
	Logger pslog.Logger

	dialer *websocket.Dialer
}

func (c ChannelConfig) normalized() ChannelConfig {
	if c.Reconnect.Base <= 0 {
		c.Reconnect.Base = time.Second
	}
	if c.Reconnect.Cap <= 0 {
		c.Reconnect.Cap = 30 * time.Second
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = 10
	}
	c.Reconnect = c.Reconnect.Normalized()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{}
	}
	return c
}

// Channel maintains the realtime websocket: it dials, resubscribes tracked
// topics after every reconnect, and hands events to OnEvent from a single
// goroutine so per-topic ordering is preserved.
type Channel struct {
	cfg    ChannelConfig
	logger pslog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	topics map[string]struct{}
	state  ChannelState

	// wmu serializes frame writes: gorilla/websocket allows only one
	// concurrent writer per connection.
	wmu sync.Mutex
}

// NewChannel constructs a realtime channel over the supplied client.
func NewChannel(cfg ChannelConfig) *Channel {
	cfg = cfg.normalized()
	return &Channel{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(cfg.Logger, "client.channel"),
		topics: make(map[string]struct{}),
		state:  ChannelDisconnected,
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe joins a topic. The subscription survives reconnects.
func (c *Channel) Subscribe(topic string) error {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.writeJSON(conn, api.Event{Type: api.EventSubscribe, Topic: topic})
}

// Unsubscribe leaves a topic.
func (c *Channel) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.topics, topic)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.writeJSON(conn, api.Event{Type: api.EventUnsubscribe, Topic: topic})
}

// Run dials and reads until ctx is cancelled, the token is refused, or the
// reconnect budget is exhausted. It always leaves the channel disconnected.
func (c *Channel) Run(ctx context.Context) error {
	defer c.setState(ChannelDisconnected)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.setState(ChannelConnecting)
		conn, resp, err := c.dial(ctx)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				// A refused token never recovers by retrying.
				c.logger.Warn("client.channel.auth_rejected")
				return &APIError{Status: http.StatusUnauthorized, Response: api.ErrorResponse{ErrorCode: api.ErrCodeAuthExpired}}
			}
			attempt++
			if c.cfg.Reconnect.Exhausted(attempt) {
				c.logger.Warn("client.channel.reconnect_exhausted", "attempts", attempt)
				return err
			}
			delay := c.cfg.Reconnect.Delay(attempt)
			c.logger.Debug("client.channel.redial", "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
		c.attach(conn)
		c.setState(ChannelConnected)
		if err := c.resubscribe(conn); err != nil {
			c.logger.Warn("client.channel.resubscribe_failed", "error", err)
		}
		c.readLoop(ctx, conn)
		c.detach(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info("client.channel.dropped")
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, *http.Response, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	header := http.Header{}
	if token := c.cfg.Client.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return c.cfg.dialer.DialContext(dialCtx, c.cfg.Client.WebsocketURL(), header)
}

func (c *Channel) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Channel) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// resubscribe replays every tracked topic after a (re)connect.
func (c *Channel) resubscribe(conn *websocket.Conn) error {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	c.mu.Unlock()
	for _, topic := range topics {
		if err := c.writeJSON(conn, api.Event{Type: api.EventSubscribe, Topic: topic}); err != nil {
			return err
		}
	}
	return nil
}

// writeJSON is the single funnel for outbound frames.
func (c *Channel) writeJSON(conn *websocket.Conn, v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteJSON(v)
}

// readLoop is the single reader; events reach OnEvent in arrival order.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		var ev api.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		if ev.Type == api.EventPong {
			continue
		}
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(ev)
		}
	}
}

func (c *Channel) setState(state ChannelState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	c.logger.Debug("client.channel.state", "state", state.String())
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(state)
	}
}
