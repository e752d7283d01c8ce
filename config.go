package syncd

import (
	"fmt"
	"time"

	"github.com/AmbitiousRealism2025/syncd/internal/ratelimit"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9380"
	// DefaultListenProto controls the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default Prometheus scrape endpoint.
	// Empty disables the metrics listener.
	DefaultMetricsListen = ""
	// DefaultMaxBodyBytes bounds incoming mutation payloads.
	DefaultMaxBodyBytes = 4 << 20
	// DefaultSendQueueSize bounds each realtime session's outbound queue.
	DefaultSendQueueSize = 64
	// DefaultHeartbeatInterval is the realtime channel ping cadence.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultWriteTimeout bounds a single outbound websocket write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultAppliedRetention caps remembered mutation ids for replay detection.
	DefaultAppliedRetention = 4096
	// DefaultLimiterSweepInterval sets how often stale rate-limit windows are pruned.
	DefaultLimiterSweepInterval = 5 * time.Minute
	// DefaultDenyThreshold is the number of violations during an active block
	// before an identity lands on the deny-list.
	DefaultDenyThreshold = 3
	// DefaultDenyDuration is how long a deny-listed identity stays denied.
	DefaultDenyDuration = time.Hour
	// DefaultShutdownTimeout caps graceful shutdown (drain + HTTP server).
	DefaultShutdownTimeout = 10 * time.Second
)

// Config describes a syncd server instance.
type Config struct {
	// Listen is the address the API server binds to.
	Listen string
	// ListenProto is the listener network ("tcp" or "unix").
	ListenProto string
	// MetricsListen is the Prometheus scrape address; empty disables it.
	MetricsListen string
	// Tokens maps bearer tokens to user ids. Required unless a custom
	// validator is injected via WithTokenValidator.
	Tokens map[string]string
	// MaxBodyBytes bounds incoming mutation payloads.
	MaxBodyBytes int64
	// SendQueueSize bounds each realtime session's outbound event queue.
	SendQueueSize int
	// HeartbeatInterval is the realtime ping cadence.
	HeartbeatInterval time.Duration
	// WriteTimeout bounds a single outbound websocket write.
	WriteTimeout time.Duration
	// AppliedRetention caps remembered mutation ids for replay detection.
	AppliedRetention int
	// RateRules overrides the per-class rate limits; nil keeps the defaults.
	RateRules map[ratelimit.Class]ratelimit.Rule
	// DenyThreshold is the violation count that triggers deny-listing.
	DenyThreshold int
	// DenyDuration is how long deny-listed identities stay denied.
	DenyDuration time.Duration
	// LimiterSweepInterval sets the stale-window prune cadence; <=0 uses the
	// default.
	LimiterSweepInterval time.Duration
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
}

// Validate normalizes defaults and rejects unusable configurations.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	if c.ListenProto != "tcp" && c.ListenProto != "unix" {
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("config: max body bytes must be >= 0")
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.AppliedRetention <= 0 {
		c.AppliedRetention = DefaultAppliedRetention
	}
	for class, rule := range c.RateRules {
		if rule.Window <= 0 || rule.MaxRequests <= 0 {
			return fmt.Errorf("config: rate rule for class %q needs a positive window and request budget", class)
		}
	}
	if c.DenyThreshold <= 0 {
		c.DenyThreshold = DefaultDenyThreshold
	}
	if c.DenyDuration <= 0 {
		c.DenyDuration = DefaultDenyDuration
	}
	if c.LimiterSweepInterval <= 0 {
		c.LimiterSweepInterval = DefaultLimiterSweepInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}
