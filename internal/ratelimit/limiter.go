// Package ratelimit gates server-bound requests per (identity, endpoint
// class) using sliding windows with burst allowances, temporary blocks, and a
// deny-list for repeat offenders. Decisions happen before business logic and
// always carry a retry-after hint.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/AmbitiousRealism2025/syncd/internal/svcfields"
)

// Class identifies an endpoint class with its own window rules.
type Class string

const (
	// ClassGeneral covers ordinary API traffic, including sync replay.
	ClassGeneral Class = "general"
	// ClassAuth covers authentication endpoints.
	ClassAuth Class = "auth"
	// ClassSensitive covers security-sensitive endpoints.
	ClassSensitive Class = "sensitive"
)

// Rule bounds request volume for one endpoint class.
type Rule struct {
	// Window is the sliding window length.
	Window time.Duration
	// MaxRequests caps requests within Window.
	MaxRequests int
	// BurstWindow is the short sub-window used for burst control; zero disables it.
	BurstWindow time.Duration
	// BurstMax caps requests within BurstWindow.
	BurstMax int
	// BlockDuration blocks the identity after a violation; zero disables blocking.
	BlockDuration time.Duration
}

// DefaultRules returns the stock per-class limits.
func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassGeneral: {
			Window:      15 * time.Minute,
			MaxRequests: 1000,
			BurstWindow: 10 * time.Second,
			BurstMax:    50,
		},
		ClassAuth: {
			Window:        15 * time.Minute,
			MaxRequests:   10,
			BlockDuration: 30 * time.Minute,
		},
		ClassSensitive: {
			Window:        time.Minute,
			MaxRequests:   3,
			BlockDuration: time.Hour,
		},
	}
}

// Decision is the outcome of a Check call.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// RetryAfter is the hint returned to limited callers; always >0 when limited.
	RetryAfter time.Duration
	// Reason is a stable tag for logs and metrics ("window", "burst", "blocked", "denied").
	Reason string
}

// Config tunes limiter behaviour beyond the per-class rules.
type Config struct {
	// Rules maps endpoint classes to their limits; DefaultRules when nil.
	Rules map[Class]Rule
	// DenyThreshold is the number of violations during an active block before
	// the identity lands on the deny-list.
	DenyThreshold int
	// DenyDuration is how long a deny-listed identity stays denied.
	DenyDuration time.Duration
	// Logger receives limiter diagnostics.
	Logger pslog.Logger
	// Metrics receives decision counters; nil disables metrics.
	Metrics *Metrics
}

const shardCount = 32

type window struct {
	hits         []time.Time
	burstHits    []time.Time
	blockedUntil time.Time
	violations   int
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// Limiter implements sliding-window rate limiting with per-shard locking so
// unrelated identities never serialize on a global lock.
type Limiter struct {
	cfg    Config
	logger pslog.Logger
	now    func() time.Time

	shards [shardCount]shard

	denyMu sync.Mutex
	deny   map[string]time.Time
}

// New constructs a limiter with the supplied configuration.
func New(cfg Config) *Limiter {
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.DenyThreshold <= 0 {
		cfg.DenyThreshold = 3
	}
	if cfg.DenyDuration <= 0 {
		cfg.DenyDuration = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	l := &Limiter{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(cfg.Logger, "server.ratelimit"),
		now:    time.Now,
		deny:   make(map[string]time.Time),
	}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*window)
	}
	return l
}

// Check evaluates one request and returns the admission decision.
func (l *Limiter) Check(identity string, class Class) Decision {
	now := l.now()

	if until, denied := l.denied(identity, now); denied {
		l.count(class, "denied")
		return Decision{RetryAfter: until.Sub(now), Reason: "denied"}
	}

	rule, ok := l.cfg.Rules[class]
	if !ok || rule.MaxRequests <= 0 {
		l.count(class, "allowed")
		return Decision{Allowed: true}
	}

	sh := l.shard(identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	key := identity + "|" + string(class)
	w := sh.windows[key]
	if w == nil {
		w = &window{}
		sh.windows[key] = w
	}

	if !w.blockedUntil.IsZero() {
		if w.blockedUntil.After(now) {
			w.violations++
			if w.violations >= l.cfg.DenyThreshold {
				l.denylist(identity, now)
				l.count(class, "denied")
				return Decision{RetryAfter: l.cfg.DenyDuration, Reason: "denied"}
			}
			l.count(class, "blocked")
			return Decision{RetryAfter: w.blockedUntil.Sub(now), Reason: "blocked"}
		}
		w.blockedUntil = time.Time{}
		w.violations = 0
	}

	w.hits = prune(w.hits, now.Add(-rule.Window))
	if rule.BurstWindow > 0 {
		w.burstHits = prune(w.burstHits, now.Add(-rule.BurstWindow))
	}

	if len(w.hits) >= rule.MaxRequests {
		retry := w.hits[0].Add(rule.Window).Sub(now)
		if rule.BlockDuration > 0 {
			w.blockedUntil = now.Add(rule.BlockDuration)
			retry = rule.BlockDuration
			l.logger.Warn("syncd.ratelimit.blocked", "identity", identity, "class", string(class), "duration", rule.BlockDuration)
		}
		l.count(class, "limited")
		return Decision{RetryAfter: positive(retry), Reason: "window"}
	}
	if rule.BurstWindow > 0 && rule.BurstMax > 0 && len(w.burstHits) >= rule.BurstMax {
		retry := w.burstHits[0].Add(rule.BurstWindow).Sub(now)
		l.count(class, "limited")
		return Decision{RetryAfter: positive(retry), Reason: "burst"}
	}

	w.hits = append(w.hits, now)
	if rule.BurstWindow > 0 {
		w.burstHits = append(w.burstHits, now)
	}
	l.count(class, "allowed")
	return Decision{Allowed: true}
}

// Sweep evicts expired windows and deny entries. Intended to run periodically.
func (l *Limiter) Sweep() {
	now := l.now()
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key, w := range sh.windows {
			w.hits = prune(w.hits, now.Add(-longestWindow(l.cfg.Rules)))
			if len(w.hits) == 0 && len(w.burstHits) == 0 && (w.blockedUntil.IsZero() || w.blockedUntil.Before(now)) {
				delete(sh.windows, key)
			}
		}
		sh.mu.Unlock()
	}
	l.denyMu.Lock()
	for id, until := range l.deny {
		if until.Before(now) {
			delete(l.deny, id)
		}
	}
	l.denyMu.Unlock()
}

func (l *Limiter) denied(identity string, now time.Time) (time.Time, bool) {
	l.denyMu.Lock()
	defer l.denyMu.Unlock()
	until, ok := l.deny[identity]
	if !ok {
		return time.Time{}, false
	}
	if until.Before(now) {
		delete(l.deny, identity)
		return time.Time{}, false
	}
	return until, true
}

func (l *Limiter) denylist(identity string, now time.Time) {
	l.denyMu.Lock()
	l.deny[identity] = now.Add(l.cfg.DenyDuration)
	l.denyMu.Unlock()
	l.logger.Warn("syncd.ratelimit.denylisted", "identity", identity, "duration", l.cfg.DenyDuration)
}

func (l *Limiter) shard(identity string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return &l.shards[h.Sum32()%shardCount]
}

func (l *Limiter) count(class Class, outcome string) {
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.observe(class, outcome)
	}
}

func prune(hits []time.Time, cutoff time.Time) []time.Time {
	for len(hits) > 0 && !hits[0].After(cutoff) {
		hits = hits[1:]
	}
	return hits
}

func positive(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

func longestWindow(rules map[Class]Rule) time.Duration {
	longest := time.Minute
	for _, r := range rules {
		if r.Window > longest {
			longest = r.Window
		}
	}
	return longest
}
