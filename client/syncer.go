package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/AmbitiousRealism2025/syncd/api"
	"github.com/AmbitiousRealism2025/syncd/internal/backoff"
	"github.com/AmbitiousRealism2025/syncd/internal/localstore"
	"github.com/AmbitiousRealism2025/syncd/internal/svcfields"
)

const (
	// DefaultSyncConcurrency bounds parallel replays across distinct
	// resource keys. Mutations for the same key always drain in order.
	DefaultSyncConcurrency = 4
	// DefaultSyncInterval is the periodic drain cadence while online.
	DefaultSyncInterval = 30 * time.Second

	// RejectReasonExhausted marks a mutation that burned its retry budget.
	RejectReasonExhausted = "retry_budget_exhausted"
	// RejectReasonResourceGone marks a mutation against a server tombstone.
	RejectReasonResourceGone = "resource_gone"
	// RejectReasonServerRefused marks a definitive 4xx rejection.
	RejectReasonServerRefused = "server_refused"
)

// SyncerConfig configures the queue processor.
type SyncerConfig struct {
	// Store is the durable queue being drained.
	Store localstore.Store
	// Client applies mutations against the server.
	Client *Client
	// Backoff schedules retries between failed attempts.
	Backoff backoff.Policy
	// Concurrency bounds parallel replays across distinct resource keys.
	Concurrency int
	// Interval is the periodic drain cadence; <=0 uses the default.
	Interval time.Duration
	// OnSynced is called after a mutation is confirmed and dequeued.
	OnSynced func(api.MutationResult)
	// OnRejected is called when a mutation is pulled from the replay path.
	OnRejected func(localstore.PendingMutation)
	// Logger receives processor diagnostics.
	Logger pslog.Logger
	// Now overrides the clock for tests.
	Now func() time.Time
}

func (c SyncerConfig) normalized() SyncerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultSyncConcurrency
	}
	if c.Interval <= 0 {
		c.Interval = DefaultSyncInterval
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = 8
	}
	c.Backoff = c.Backoff.Normalized()
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Syncer drains the pending mutation queue: oldest first per resource key,
// with bounded concurrency across distinct keys. Mutations are removed only
// after the server confirms them; exhausted or definitively refused ones are
// marked rejected and kept for manual resolution.
type Syncer struct {
	cfg    SyncerConfig
	logger pslog.Logger

	kick chan struct{}

	mu           sync.Mutex
	nextEligible map[string]time.Time
	offline      bool
	drainCancel  context.CancelFunc
}

// NewSyncer constructs a queue processor over the supplied store and client.
func NewSyncer(cfg SyncerConfig) *Syncer {
	cfg = cfg.normalized()
	return &Syncer{
		cfg:          cfg,
		logger:       svcfields.WithSubsystem(cfg.Logger, "client.syncer"),
		kick:         make(chan struct{}, 1),
		nextEligible: make(map[string]time.Time),
	}
}

// Kick requests an immediate drain. Safe from any goroutine; coalesces.
func (s *Syncer) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// SetOnline gates draining on reachability. While offline the processor
// idles: no replay attempts are made, so the retry budget only ever counts
// failures the server actually answered or could have answered. Flipping
// offline also cancels an in-flight drain; its mutations stay pending and
// replay verbatim once connectivity returns.
func (s *Syncer) SetOnline(online bool) {
	s.mu.Lock()
	s.offline = !online
	cancel := s.drainCancel
	s.mu.Unlock()
	if !online && cancel != nil {
		cancel()
	}
}

func (s *Syncer) isOffline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

// Run drains on kicks and on the periodic interval until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-ticker.C:
		}
		if retry := s.Drain(ctx); retry > 0 {
			// Re-kick once the earliest backoff window opens.
			time.AfterFunc(retry, s.Kick)
		}
	}
}

// Drain replays all currently eligible mutations. It returns the wait until
// the next mutation becomes eligible, or zero when the queue is empty, fully
// drained, or the processor is offline.
func (s *Syncer) Drain(ctx context.Context) time.Duration {
	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return 0
	}
	ctx, cancel := context.WithCancel(ctx)
	s.drainCancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.drainCancel = nil
		s.mu.Unlock()
	}()

	pending, err := s.cfg.Store.ListMutations("")
	if err != nil {
		s.logger.Error("client.syncer.list_failed", "error", err)
		return 0
	}
	groups := groupByKey(pending)
	if len(groups) == 0 {
		return 0
	}
	s.logger.Debug("client.syncer.drain", "groups", len(groups), "pending", len(pending))

	work := make(chan []localstore.PendingMutation)
	var wg sync.WaitGroup
	n := s.cfg.Concurrency
	if n > len(groups) {
		n = len(groups)
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range work {
				s.drainGroup(ctx, group)
			}
		}()
	}
	for _, group := range groups {
		select {
		case <-ctx.Done():
		case work <- group:
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(work)
	wg.Wait()
	return s.nextWait()
}

// drainGroup replays one resource key's mutations in enqueue order. The
// group stops at the first retryable failure so ordering is preserved.
func (s *Syncer) drainGroup(ctx context.Context, group []localstore.PendingMutation) {
	for _, m := range group {
		if ctx.Err() != nil {
			return
		}
		if m.Rejected {
			// Rejected mutations block the key until resolved manually.
			return
		}
		if wait := s.eligibleIn(m.MutationID); wait > 0 {
			return
		}
		result, err := s.cfg.Client.ApplyMutation(ctx, m.MutationRequest)
		if err == nil {
			s.clearEligible(m.MutationID)
			if removeErr := s.cfg.Store.RemoveMutation(m.MutationID); removeErr != nil {
				s.logger.Error("client.syncer.dequeue_failed", "mutation_id", m.MutationID, "error", removeErr)
				return
			}
			s.logger.Info("client.syncer.applied", "mutation_id", m.MutationID, "resource", api.ResourceKey(m.ResourceType, m.ResourceID), "replayed", result.Replayed)
			if s.cfg.OnSynced != nil {
				s.cfg.OnSynced(result)
			}
			continue
		}
		if ctx.Err() != nil || s.isOffline() {
			// Cancellation or an offline transition mid-flight: leave the
			// mutation untouched so it replays verbatim on the next drain.
			return
		}
		switch {
		case IsResourceGone(err):
			s.reject(m, RejectReasonResourceGone)
		case !IsRetryable(err):
			s.reject(m, RejectReasonServerRefused)
		default:
			s.retryLater(m, err)
		}
		return
	}
}

func (s *Syncer) retryLater(m localstore.PendingMutation, cause error) {
	attempt := m.Attempts + 1
	if err := s.cfg.Store.RecordAttempt(m.MutationID, cause.Error()); err != nil {
		s.logger.Error("client.syncer.record_failed", "mutation_id", m.MutationID, "error", err)
	}
	if s.cfg.Backoff.Exhausted(attempt) {
		s.reject(m, RejectReasonExhausted)
		return
	}
	delay := s.cfg.Backoff.Delay(attempt)
	var apiErr *APIError
	if errors.As(cause, &apiErr) {
		if hinted := apiErr.RetryAfterDuration(); hinted > delay {
			delay = hinted
		}
	}
	s.mu.Lock()
	s.nextEligible[m.MutationID] = s.cfg.Now().Add(delay)
	s.mu.Unlock()
	s.logger.Warn("client.syncer.retry_scheduled", "mutation_id", m.MutationID, "attempt", attempt, "delay", delay, "error", cause)
}

func (s *Syncer) reject(m localstore.PendingMutation, reason string) {
	s.clearEligible(m.MutationID)
	if err := s.cfg.Store.MarkRejected(m.MutationID, reason); err != nil {
		s.logger.Error("client.syncer.reject_failed", "mutation_id", m.MutationID, "error", err)
		return
	}
	m.Rejected = true
	m.RejectReason = reason
	s.logger.Warn("client.syncer.rejected", "mutation_id", m.MutationID, "reason", reason)
	if s.cfg.OnRejected != nil {
		s.cfg.OnRejected(m)
	}
}

func (s *Syncer) eligibleIn(mutationID string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.nextEligible[mutationID]
	if !ok {
		return 0
	}
	if wait := at.Sub(s.cfg.Now()); wait > 0 {
		return wait
	}
	delete(s.nextEligible, mutationID)
	return 0
}

func (s *Syncer) clearEligible(mutationID string) {
	s.mu.Lock()
	delete(s.nextEligible, mutationID)
	s.mu.Unlock()
}

func (s *Syncer) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.Now()
	var min time.Duration
	for _, at := range s.nextEligible {
		wait := at.Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		if min == 0 || wait < min {
			min = wait
		}
	}
	return min
}

// groupByKey splits the queue into per-resource-key groups, each sorted by
// enqueue sequence, with groups ordered by their oldest mutation.
func groupByKey(pending []localstore.PendingMutation) [][]localstore.PendingMutation {
	byKey := make(map[string][]localstore.PendingMutation)
	for _, m := range pending {
		key := api.ResourceKey(m.ResourceType, m.ResourceID)
		byKey[key] = append(byKey[key], m)
	}
	groups := make([][]localstore.PendingMutation, 0, len(byKey))
	for _, group := range byKey {
		sort.Slice(group, func(i, j int) bool { return group[i].Seq < group[j].Seq })
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0].Seq < groups[j][0].Seq })
	return groups
}
