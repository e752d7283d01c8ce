// Package netmon observes connectivity to the sync server and publishes
// debounced online/offline/degraded transitions. It is the only producer of
// reachability signals in the engine.
package netmon

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/AmbitiousRealism2025/syncd/internal/svcfields"
)

// State describes effective connectivity.
type State int

const (
	// StateOffline means probes fail; queued mutations stay queued.
	StateOffline State = iota
	// StateDegraded means the link works but round-trips are slow.
	StateDegraded
	// StateOnline means the link is healthy.
	StateOnline
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateDegraded:
		return "degraded"
	case StateOnline:
		return "online"
	default:
		return "unknown"
	}
}

// StateChange is published to subscribers on every debounced transition.
type StateChange struct {
	// State is the new connectivity state.
	State State
	// EffectiveType approximates link quality ("4g", "3g", "2g"); empty when offline.
	EffectiveType string
	// RTT is the probe round-trip observed for the transition.
	RTT time.Duration
}

// Prober measures one reachability round-trip. A non-nil error means the
// target is unreachable.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) (time.Duration, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) (time.Duration, error) {
	return f(ctx)
}

// HTTPProber probes a health endpoint with a bounded timeout.
type HTTPProber struct {
	// URL is the health endpoint to hit (typically GET /v1/healthz).
	URL string
	// Client is the HTTP client; http.DefaultClient when nil.
	Client *http.Client
	// Timeout bounds each probe round-trip.
	Timeout time.Duration
}

// Probe issues one GET against the health endpoint and returns the round-trip time.
func (p HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return 0, err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		// A 5xx health answer counts as unreachable.
		return 0, fmt.Errorf("netmon: health status %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

// Config tunes the monitor.
type Config struct {
	// ProbeInterval is the period between reachability probes.
	ProbeInterval time.Duration
	// Dwell is the minimum time a state must be observed before being
	// published, to avoid thrashing retries on momentary blips.
	Dwell time.Duration
	// DegradedRTT is the round-trip threshold above which the link is
	// reported degraded rather than online.
	DegradedRTT time.Duration
	// Logger receives monitor diagnostics.
	Logger pslog.Logger
}

// Monitor runs the probe loop and fans debounced transitions out to
// subscribers. Subscriber channels are buffered and never block the loop;
// a full channel loses the oldest pending change.
type Monitor struct {
	cfg    Config
	prober Prober
	logger pslog.Logger
	now    func() time.Time

	mu             sync.Mutex
	published      State
	publishedRTT   time.Duration
	candidate      State
	candidateSince time.Time
	candidateRTT   time.Duration
	started        bool
	subs           []chan StateChange
}

// New constructs a monitor in the offline state; the first successful probe
// transitions it online after the dwell period.
func New(prober Prober, cfg Config) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	if cfg.Dwell <= 0 {
		cfg.Dwell = 500 * time.Millisecond
	}
	if cfg.DegradedRTT <= 0 {
		cfg.DegradedRTT = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Monitor{
		cfg:       cfg,
		prober:    prober,
		logger:    svcfields.WithSubsystem(cfg.Logger, "client.netmon"),
		now:       time.Now,
		published: StateOffline,
		candidate: StateOffline,
	}
}

// Subscribe registers a transition listener. The returned channel is closed
// when the monitor loop exits.
func (m *Monitor) Subscribe() <-chan StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan StateChange, 8)
	m.subs = append(m.subs, ch)
	return ch
}

// CurrentState returns the last published state.
func (m *Monitor) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}

// Run probes until ctx is cancelled. It closes all subscriber channels on exit.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	m.probeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			m.closeSubs()
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	rtt, err := m.prober.Probe(ctx)
	state := StateOnline
	switch {
	case err != nil:
		state = StateOffline
		rtt = 0
	case rtt >= m.cfg.DegradedRTT:
		state = StateDegraded
	}
	m.observe(state, rtt)
}

// observe applies the dwell filter and publishes the transition once the
// candidate state has been stable long enough.
func (m *Monitor) observe(state State, rtt time.Duration) {
	now := m.now()

	m.mu.Lock()
	if state != m.candidate {
		m.candidate = state
		m.candidateSince = now
		m.candidateRTT = rtt
		m.mu.Unlock()
		return
	}
	m.candidateRTT = rtt
	if state == m.published || now.Sub(m.candidateSince) < m.cfg.Dwell {
		m.mu.Unlock()
		return
	}
	m.published = state
	m.publishedRTT = rtt
	change := StateChange{State: state, RTT: rtt, EffectiveType: effectiveType(state, rtt)}
	subs := make([]chan StateChange, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Info("syncd.netmon.transition", "state", state.String(), "rtt", rtt, "effective_type", change.EffectiveType)
	for _, ch := range subs {
		select {
		case ch <- change:
		default:
			// Slow subscriber: drop the oldest pending change, keep the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- change:
			default:
			}
		}
	}
}

func (m *Monitor) closeSubs() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

func effectiveType(state State, rtt time.Duration) string {
	if state == StateOffline {
		return ""
	}
	switch {
	case rtt < 300*time.Millisecond:
		return "4g"
	case rtt < time.Second:
		return "3g"
	default:
		return "2g"
	}
}
