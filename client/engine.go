package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/AmbitiousRealism2025/syncd/api"
	"github.com/AmbitiousRealism2025/syncd/internal/backoff"
	"github.com/AmbitiousRealism2025/syncd/internal/localstore"
	"github.com/AmbitiousRealism2025/syncd/internal/netmon"
	"github.com/AmbitiousRealism2025/syncd/internal/svcfields"
)

// Callbacks surface engine activity to the embedding application. All
// callbacks are optional and must not block.
type Callbacks struct {
	// OnQueued fires when a write could not be applied and was queued.
	OnQueued func(api.MutationRequest)
	// OnSynced fires when a queued mutation is confirmed by the server.
	OnSynced func(api.MutationResult)
	// OnRejected fires when a queued mutation is pulled from the replay
	// path; the payload stays in the store until resolved.
	OnRejected func(localstore.PendingMutation)
	// OnConnectionChange fires on every debounced reachability transition.
	OnConnectionChange func(netmon.StateChange)
	// OnRealtimeEvent fires for every realtime event, in arrival order.
	OnRealtimeEvent func(api.Event)
	// OnChannelState fires on realtime channel lifecycle transitions.
	OnChannelState func(ChannelState)
}

// EngineConfig configures the offline-first engine.
type EngineConfig struct {
	// ServerURL is the sync server base URL.
	ServerURL string
	// Token is the bearer token for the server.
	Token string
	// StorePath is the durable store file; empty selects an in-memory
	// store (tests, ephemeral runs).
	StorePath string
	// StoreMaxBytes bounds the local store; <=0 disables the quota.
	StoreMaxBytes int64
	// SyncBackoff schedules queue replay retries.
	SyncBackoff backoff.Policy
	// SyncConcurrency bounds parallel replays across resource keys.
	SyncConcurrency int
	// ReconnectBackoff schedules realtime channel re-dials.
	ReconnectBackoff backoff.Policy
	// ProbeInterval is the reachability probe cadence.
	ProbeInterval time.Duration
	// Callbacks surface engine activity.
	Callbacks Callbacks
	// Logger receives engine diagnostics.
	Logger pslog.Logger
}

// Engine composes the durable store, reachability monitor, dispatcher, queue
// processor and realtime channel into one offline-first client.
type Engine struct {
	cfg        EngineConfig
	logger     pslog.Logger
	store      localstore.Store
	client     *Client
	dispatcher *Dispatcher
	syncer     *Syncer
	monitor    *netmon.Monitor
	channel    *Channel

	mu      sync.Mutex
	started bool
}

// NewEngine builds an engine. Close releases the store.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("client: ServerURL is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "client.engine")

	var store localstore.Store
	if cfg.StorePath == "" {
		store = localstore.NewMemory(localstore.Options{MaxBytes: cfg.StoreMaxBytes, Logger: cfg.Logger})
	} else {
		bs, err := localstore.Open(cfg.StorePath, localstore.Options{MaxBytes: cfg.StoreMaxBytes, Logger: cfg.Logger})
		if err != nil {
			return nil, fmt.Errorf("client: open store: %w", err)
		}
		store = bs
	}

	c := New(cfg.ServerURL, cfg.Token, WithLogger(cfg.Logger))
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		store:  store,
		client: c,
	}
	e.dispatcher = NewDispatcher(c, store, cfg.Logger)
	e.dispatcher.onQueued = func(m localstore.PendingMutation) {
		if cfg.Callbacks.OnQueued != nil {
			cfg.Callbacks.OnQueued(m.MutationRequest)
		}
	}
	e.syncer = NewSyncer(SyncerConfig{
		Store:       store,
		Client:      c,
		Backoff:     cfg.SyncBackoff,
		Concurrency: cfg.SyncConcurrency,
		OnSynced:    cfg.Callbacks.OnSynced,
		OnRejected:  cfg.Callbacks.OnRejected,
		Logger:      cfg.Logger,
	})
	e.monitor = netmon.New(netmon.HTTPProber{URL: cfg.ServerURL + "/v1/healthz"}, netmon.Config{
		ProbeInterval: cfg.ProbeInterval,
		Logger:        cfg.Logger,
	})
	e.channel = NewChannel(ChannelConfig{
		Client:        c,
		Reconnect:     cfg.ReconnectBackoff,
		OnEvent:       cfg.Callbacks.OnRealtimeEvent,
		OnStateChange: cfg.Callbacks.OnChannelState,
		Logger:        cfg.Logger,
	})
	return e, nil
}

// Run starts the reachability monitor, the queue processor and the realtime
// channel, and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("client: engine already running")
	}
	e.started = true
	e.mu.Unlock()

	changes := e.monitor.Subscribe()
	// The monitor starts offline and only publishes transitions, so gate
	// the processor until the first reachable probe flips it online.
	e.syncer.SetOnline(e.monitor.CurrentState() != netmon.StateOffline)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		e.monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		e.syncer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		e.runChannel(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				wg.Wait()
				return ctx.Err()
			}
			e.logger.Info("client.engine.connectivity", "state", change.State.String(), "rtt", change.RTT)
			// Going offline cancels any in-flight drain so queued mutations
			// keep their retry budget for when the server is reachable.
			e.syncer.SetOnline(change.State != netmon.StateOffline)
			if change.State != netmon.StateOffline {
				// Back online (or degraded): drain whatever queued up.
				e.syncer.Kick()
			}
			if e.cfg.Callbacks.OnConnectionChange != nil {
				e.cfg.Callbacks.OnConnectionChange(change)
			}
		}
	}
}

// runChannel keeps the realtime channel alive: when a run ends with its
// reconnect budget exhausted, the next reachability recovery restarts it.
// Auth rejection stops the channel for good; sync keeps working.
func (e *Engine) runChannel(ctx context.Context) {
	changes := e.monitor.Subscribe()
	for {
		err := e.channel.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if IsAuthExpired(err) {
			e.logger.Warn("client.engine.channel_auth_expired")
			return
		}
		e.logger.Info("client.engine.channel_down", "error", err)
		for {
			change, ok := <-changes
			if !ok {
				return
			}
			if change.State != netmon.StateOffline {
				break
			}
		}
	}
}

// Fetch reads one resource through the supplied cache strategy.
func (e *Engine) Fetch(ctx context.Context, resourceType, id string, strategy localstore.Strategy) (FetchResult, error) {
	return e.dispatcher.Fetch(ctx, resourceType, id, strategy)
}

// Mutate applies one mutation: directly when the server answers, queued for
// replay when it does not.
func (e *Engine) Mutate(ctx context.Context, m api.MutationRequest) (WriteOutcome, error) {
	out, err := e.dispatcher.Do(ctx, m)
	if out.Status == WriteQueued {
		e.syncer.Kick()
	}
	return out, err
}

// SyncNow requests an immediate queue drain.
func (e *Engine) SyncNow() {
	e.syncer.Kick()
}

// Subscribe joins a realtime topic; the subscription survives reconnects.
func (e *Engine) Subscribe(topic string) error {
	return e.channel.Subscribe(topic)
}

// Unsubscribe leaves a realtime topic.
func (e *Engine) Unsubscribe(topic string) error {
	return e.channel.Unsubscribe(topic)
}

// ConnectionState returns the last published reachability state.
func (e *Engine) ConnectionState() netmon.State {
	return e.monitor.CurrentState()
}

// PendingMutations returns the queue contents, oldest first.
func (e *Engine) PendingMutations() ([]localstore.PendingMutation, error) {
	return e.store.ListMutations("")
}

// RejectedMutations returns queued mutations awaiting manual resolution.
func (e *Engine) RejectedMutations() ([]localstore.PendingMutation, error) {
	all, err := e.store.ListMutations("")
	if err != nil {
		return nil, err
	}
	rejected := make([]localstore.PendingMutation, 0, len(all))
	for _, m := range all {
		if m.Rejected {
			rejected = append(rejected, m)
		}
	}
	return rejected, nil
}

// RetryMutation puts a rejected mutation back on the replay path.
func (e *Engine) RetryMutation(id string) error {
	if err := e.store.ResetMutation(id); err != nil {
		return err
	}
	e.syncer.Kick()
	return nil
}

// DiscardMutation drops a rejected mutation permanently.
func (e *Engine) DiscardMutation(id string) error {
	return e.store.RemoveMutation(id)
}

// Usage returns the local store's estimated byte usage.
func (e *Engine) Usage() (int64, error) {
	return e.store.EstimateUsage()
}

// ClearCache drops all cached resources. The mutation queue is untouched.
func (e *Engine) ClearCache() error {
	return e.store.ClearCache()
}

// Close releases the local store. Call after Run has returned.
func (e *Engine) Close() error {
	return e.store.Close()
}
