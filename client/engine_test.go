package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AmbitiousRealism2025/syncd/api"
	"github.com/AmbitiousRealism2025/syncd/internal/backoff"
	"github.com/AmbitiousRealism2025/syncd/internal/localstore"
)

// flakyServer answers 503 while down and records applied mutations once up.
type flakyServer struct {
	down atomic.Bool

	mu      sync.Mutex
	applied []string
}

func (f *flakyServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path == "/v1/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		id := r.Header.Get("X-Syncd-Mutation-ID")
		f.mu.Lock()
		f.applied = append(f.applied, id)
		f.mu.Unlock()
		var res api.MutationResult
		res.MutationID = id
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	})
}

func (f *flakyServer) appliedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

func TestEngineQueuesOfflineAndDrainsOnRecovery(t *testing.T) {
	fs := &flakyServer{}
	fs.down.Store(true)
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	var queued atomic.Int64
	var synced atomic.Int64
	e, err := NewEngine(EngineConfig{
		ServerURL:        srv.URL,
		Token:            "tok",
		SyncBackoff:      backoff.Policy{Base: 20 * time.Millisecond, Factor: 2, Cap: 100 * time.Millisecond, MaxAttempts: 8},
		ReconnectBackoff: backoff.Policy{Base: 20 * time.Millisecond, Cap: 100 * time.Millisecond, MaxAttempts: 3},
		ProbeInterval:    30 * time.Millisecond,
		Callbacks: Callbacks{
			OnQueued: func(api.MutationRequest) { queued.Add(1) },
			OnSynced: func(api.MutationResult) { synced.Add(1) },
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	out, err := e.Mutate(ctx, api.MutationRequest{
		Action: api.ActionCreate, ResourceType: "task", ResourceID: "t1", Payload: []byte(`{"title":"offline"}`),
	})
	if err != nil {
		t.Fatalf("mutate while unreachable: %v", err)
	}
	if out.Status != WriteQueued {
		t.Fatalf("expected queued, got %+v", out)
	}
	if queued.Load() != 1 {
		t.Fatalf("expected OnQueued callback, got %d", queued.Load())
	}
	pending, _ := e.PendingMutations()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending mutation, got %d", len(pending))
	}

	fs.down.Store(false)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pending, _ = e.PendingMutations()
		if len(pending) == 0 && len(fs.appliedIDs()) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(pending) != 0 {
		t.Fatalf("queue never drained after recovery: %+v", pending)
	}
	ids := fs.appliedIDs()
	if len(ids) == 0 || ids[len(ids)-1] != out.MutationID {
		t.Fatalf("server never saw mutation %s, applied %v", out.MutationID, ids)
	}
	if synced.Load() != 1 {
		t.Fatalf("expected OnSynced callback, got %d", synced.Load())
	}
}

func TestEngineLongOfflineKeepsQueueIntact(t *testing.T) {
	fs := &flakyServer{}
	fs.down.Store(true)
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	var rejected atomic.Int64
	e, err := NewEngine(EngineConfig{
		ServerURL: srv.URL,
		Token:     "tok",
		// A budget the outage outlasts many times over.
		SyncBackoff:      backoff.Policy{Base: 5 * time.Millisecond, Factor: 2, Cap: 10 * time.Millisecond, MaxAttempts: 2},
		ReconnectBackoff: backoff.Policy{Base: 20 * time.Millisecond, Cap: 100 * time.Millisecond, MaxAttempts: 3},
		ProbeInterval:    30 * time.Millisecond,
		Callbacks: Callbacks{
			OnRejected: func(localstore.PendingMutation) { rejected.Add(1) },
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	out, err := e.Mutate(ctx, api.MutationRequest{
		Action: api.ActionCreate, ResourceType: "task", ResourceID: "t1", Payload: []byte(`{"title":"long outage"}`),
	})
	if err != nil {
		t.Fatalf("mutate while unreachable: %v", err)
	}
	if out.Status != WriteQueued {
		t.Fatalf("expected queued, got %+v", out)
	}

	// Sit out an offline stretch far longer than the full retry budget.
	time.Sleep(400 * time.Millisecond)
	if rejected.Load() != 0 {
		t.Fatalf("offline outage must not reject queued mutations")
	}
	pending, _ := e.PendingMutations()
	if len(pending) != 1 || pending[0].Rejected {
		t.Fatalf("queue must survive the outage intact: %+v", pending)
	}

	fs.down.Store(false)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pending, _ = e.PendingMutations()
		if len(pending) == 0 && len(fs.appliedIDs()) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(pending) != 0 {
		t.Fatalf("queue never drained after recovery: %+v", pending)
	}
	if ids := fs.appliedIDs(); len(ids) == 0 || ids[len(ids)-1] != out.MutationID {
		t.Fatalf("server never saw mutation %s, applied %v", out.MutationID, fs.appliedIDs())
	}
	if rejected.Load() != 0 {
		t.Fatalf("recovery must not reject anything either")
	}
}

func TestEngineDirectWriteWhenReachable(t *testing.T) {
	fs := &flakyServer{}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	e, err := NewEngine(EngineConfig{ServerURL: srv.URL, Token: "tok"})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	out, err := e.Mutate(context.Background(), api.MutationRequest{
		Action: api.ActionUpdate, ResourceType: "task", ResourceID: "t1", Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if out.Status != WriteApplied {
		t.Fatalf("expected direct apply, got %+v", out)
	}
	pending, _ := e.PendingMutations()
	if len(pending) != 0 {
		t.Fatalf("direct apply must not queue: %+v", pending)
	}
}

func TestEngineRejectedMutationLifecycle(t *testing.T) {
	var refuse atomic.Bool
	refuse.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refuse.Load() {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: api.ErrCodeValidationFailed})
			return
		}
		var res api.MutationResult
		res.MutationID = r.Header.Get("X-Syncd-Mutation-ID")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	}))
	defer srv.Close()

	e, err := NewEngine(EngineConfig{ServerURL: srv.URL, Token: "tok"})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	// Seed the queue directly, then let the processor hit the refusal.
	if _, err := e.store.EnqueueMutation(api.MutationRequest{
		MutationID: "m1", Action: api.ActionUpdate, ResourceType: "task", ResourceID: "t1", Payload: []byte(`{}`),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e.syncer.Drain(context.Background())

	rejected, err := e.RejectedMutations()
	if err != nil || len(rejected) != 1 {
		t.Fatalf("expected 1 rejected mutation, got %v (%v)", rejected, err)
	}
	if rejected[0].RejectReason != RejectReasonServerRefused {
		t.Fatalf("unexpected reason %q", rejected[0].RejectReason)
	}

	// Retry puts it back on the replay path; with the server accepting it
	// drains clean.
	refuse.Store(false)
	if err := e.RetryMutation("m1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	e.syncer.Drain(context.Background())
	pending, _ := e.PendingMutations()
	if len(pending) != 0 {
		t.Fatalf("retried mutation did not drain: %+v", pending)
	}
}

func TestEngineDiscardRemovesRejectedMutation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	e, err := NewEngine(EngineConfig{ServerURL: srv.URL, Token: "tok"})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	if _, err := e.store.EnqueueMutation(api.MutationRequest{
		MutationID: "m1", Action: api.ActionDelete, ResourceType: "task", ResourceID: "t1",
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e.syncer.Drain(context.Background())

	if err := e.DiscardMutation("m1"); err != nil {
		t.Fatalf("discard: %v", err)
	}
	pending, _ := e.PendingMutations()
	if len(pending) != 0 {
		t.Fatalf("discard left the queue dirty: %+v", pending)
	}
}
