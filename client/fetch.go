package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"pkt.systems/pslog"

	"github.com/AmbitiousRealism2025/syncd/api"
	"github.com/AmbitiousRealism2025/syncd/internal/localstore"
	"github.com/AmbitiousRealism2025/syncd/internal/svcfields"
	"github.com/google/uuid"
)

// ErrUnavailable is returned when neither the network nor the cache can
// serve a read.
var ErrUnavailable = errors.New("client: resource unavailable")

// ErrRejected wraps definitive server-side rejections of a write; the
// mutation is not queued.
var ErrRejected = errors.New("client: mutation rejected")

// FetchResult is the outcome of a dispatcher read.
type FetchResult struct {
	// Resource is the returned state.
	Resource api.Resource
	// FromCache reports whether the payload came from the local store.
	FromCache bool
	// Stale marks a cached payload served because the network failed.
	Stale bool
	// CachedAt is when a cached payload was stored (zero for network reads).
	CachedAt time.Time
}

// WriteStatus reports how a dispatcher write ended.
type WriteStatus int

const (
	// WriteApplied means the server confirmed the mutation.
	WriteApplied WriteStatus = iota
	// WriteQueued means the mutation is durably queued for replay.
	WriteQueued
	// WriteRejected means the server refused the mutation definitively.
	WriteRejected
)

// WriteOutcome is the result of a dispatcher write.
type WriteOutcome struct {
	// Status reports applied, queued or rejected.
	Status WriteStatus
	// MutationID is the idempotency key assigned to the mutation.
	MutationID string
	// Result carries the server response for applied writes.
	Result *api.MutationResult
}

// Dispatcher performs reads through one of three cache strategies and routes
// failed writes into the durable mutation queue.
type Dispatcher struct {
	client *Client
	store  localstore.Store
	logger pslog.Logger
	now    func() time.Time

	// onQueued is invoked whenever a write lands in the queue.
	onQueued func(localstore.PendingMutation)
}

// NewDispatcher wires a dispatcher over the supplied client and store.
func NewDispatcher(c *Client, store localstore.Store, logger pslog.Logger) *Dispatcher {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Dispatcher{
		client: c,
		store:  store,
		logger: svcfields.WithSubsystem(logger, "client.dispatch"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Fetch reads one resource using the strategy bound to its class.
func (d *Dispatcher) Fetch(ctx context.Context, resourceType, id string, strategy localstore.Strategy) (FetchResult, error) {
	switch strategy {
	case localstore.StrategyShell:
		return d.staleWhileRevalidate(ctx, resourceType, id)
	case localstore.StrategyStatic:
		return d.cacheFirst(ctx, resourceType, id)
	default:
		return d.networkFirst(ctx, resourceType, id)
	}
}

// cacheFirst returns the cached value when present and only reaches the
// network on a miss.
func (d *Dispatcher) cacheFirst(ctx context.Context, resourceType, id string) (FetchResult, error) {
	key := api.ResourceKey(resourceType, id)
	if cached, ok, err := d.store.Get(key); err == nil && ok {
		if out, decodeErr := d.fromCache(cached, false); decodeErr == nil {
			return out, nil
		}
		// Treat an undecodable entry as a miss and refill from the network.
	}
	res, err := d.client.GetResource(ctx, resourceType, id)
	if err != nil {
		d.logger.Debug("client.dispatch.cache_first_unavailable", "key", key, "error", err)
		return FetchResult{}, errors.Join(ErrUnavailable, err)
	}
	d.cacheResource(res, localstore.StrategyStatic)
	return FetchResult{Resource: res}, nil
}

// networkFirst attempts the network within the request timeout and falls
// back to the cache, annotated stale, on failure.
func (d *Dispatcher) networkFirst(ctx context.Context, resourceType, id string) (FetchResult, error) {
	key := api.ResourceKey(resourceType, id)
	res, err := d.client.GetResource(ctx, resourceType, id)
	if err == nil {
		d.cacheResource(res, localstore.StrategyAPI)
		return FetchResult{Resource: res}, nil
	}
	if !IsRetryable(err) {
		// Definitive server answers (404, 410, 401) pass through untouched.
		return FetchResult{}, err
	}
	if cached, ok, cacheErr := d.store.Get(key); cacheErr == nil && ok {
		if out, decodeErr := d.fromCache(cached, true); decodeErr == nil {
			d.logger.Debug("client.dispatch.network_first_stale", "key", key, "error", err)
			return out, nil
		}
	}
	return FetchResult{}, errors.Join(ErrUnavailable, err)
}

// staleWhileRevalidate returns the cached value immediately while refreshing
// the cache in the background. Callers needing freshness use networkFirst.
func (d *Dispatcher) staleWhileRevalidate(ctx context.Context, resourceType, id string) (FetchResult, error) {
	key := api.ResourceKey(resourceType, id)
	var out FetchResult
	served := false
	if cached, ok, err := d.store.Get(key); err == nil && ok {
		if decoded, decodeErr := d.fromCache(cached, false); decodeErr == nil {
			out = decoded
			served = true
		}
	}
	if !served {
		res, fetchErr := d.client.GetResource(ctx, resourceType, id)
		if fetchErr != nil {
			return FetchResult{}, errors.Join(ErrUnavailable, fetchErr)
		}
		d.cacheResource(res, localstore.StrategyShell)
		return FetchResult{Resource: res}, nil
	}
	go func() {
		// Background refresh runs detached from the caller's context.
		refreshCtx, cancel := context.WithTimeout(context.Background(), d.client.requestTimeout)
		defer cancel()
		res, err := d.client.GetResource(refreshCtx, resourceType, id)
		if err != nil {
			d.logger.Trace("client.dispatch.revalidate_failed", "key", key, "error", err)
			return
		}
		d.cacheResource(res, localstore.StrategyShell)
	}()
	return out, nil
}

// Do attempts one direct write. Retryable failures queue the mutation and
// report WriteQueued; definitive 4xx rejections surface as ErrRejected and
// are never queued.
func (d *Dispatcher) Do(ctx context.Context, m api.MutationRequest) (WriteOutcome, error) {
	if m.MutationID == "" {
		m.MutationID = uuid.NewString()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = d.now().UnixMilli()
	}
	result, err := d.client.ApplyMutation(ctx, m)
	if err == nil {
		d.cacheResource(result.Resource, localstore.StrategyAPI)
		return WriteOutcome{Status: WriteApplied, MutationID: m.MutationID, Result: &result}, nil
	}
	if !IsRetryable(err) {
		d.logger.Warn("client.dispatch.write_rejected", "mutation_id", m.MutationID, "error", err)
		return WriteOutcome{Status: WriteRejected, MutationID: m.MutationID}, errors.Join(ErrRejected, err)
	}

	id, enqueueErr := d.store.EnqueueMutation(m)
	if enqueueErr != nil {
		// Queue failures (capacity) must reach the caller, never be dropped.
		return WriteOutcome{Status: WriteRejected, MutationID: m.MutationID}, enqueueErr
	}
	d.logger.Info("client.dispatch.write_queued", "mutation_id", id, "resource", api.ResourceKey(m.ResourceType, m.ResourceID), "error", err)
	if d.onQueued != nil {
		d.onQueued(localstore.PendingMutation{MutationRequest: m})
	}
	return WriteOutcome{Status: WriteQueued, MutationID: id}, nil
}

func (d *Dispatcher) cacheResource(res api.Resource, strategy localstore.Strategy) {
	if res.Type == "" || res.ID == "" {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := d.store.Put(localstore.CachedResource{
		Key:      res.Key(),
		Payload:  payload,
		Strategy: strategy,
		CachedAt: d.now().UnixMilli(),
	}); err != nil {
		// Cache refresh failures are reported, not fatal to the read path.
		d.logger.Warn("client.dispatch.cache_write_failed", "key", res.Key(), "error", err)
	}
}

func (d *Dispatcher) fromCache(cached localstore.CachedResource, stale bool) (FetchResult, error) {
	var res api.Resource
	if err := json.Unmarshal(cached.Payload, &res); err != nil {
		// A corrupt entry must never be served as a zeroed resource.
		d.logger.Warn("client.dispatch.cache_corrupt", "key", cached.Key, "error", err)
		return FetchResult{}, err
	}
	return FetchResult{
		Resource:  res,
		FromCache: true,
		Stale:     stale,
		CachedAt:  time.UnixMilli(cached.CachedAt),
	}, nil
}
