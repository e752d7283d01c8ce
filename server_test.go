package syncd

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/AmbitiousRealism2025/syncd/api"
	"github.com/AmbitiousRealism2025/syncd/client"
	"github.com/AmbitiousRealism2025/syncd/internal/ratelimit"
)

func TestNewServerRequiresTokens(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatalf("expected error without tokens or validator")
	}
}

func TestServerAppliesAndReadsMutations(t *testing.T) {
	ts := StartTestServer(t, Config{})
	c := ts.Client("test-token")
	ctx := context.Background()

	result, err := c.ApplyMutation(ctx, api.MutationRequest{
		MutationID:   "m-1",
		Action:       api.ActionCreate,
		ResourceType: "task",
		ResourceID:   "t1",
		Payload:      []byte(`{"title":"write tests"}`),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Resource.UpdatedAt == 0 {
		t.Fatalf("apply did not stamp UpdatedAt: %+v", result)
	}

	res, err := c.GetResource(ctx, "task", "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(res.Payload) != `{"title":"write tests"}` {
		t.Fatalf("unexpected payload %s", res.Payload)
	}

	// Replaying the same mutation id returns the stored result.
	replay, err := c.ApplyMutation(ctx, api.MutationRequest{
		MutationID:   "m-1",
		Action:       api.ActionCreate,
		ResourceType: "task",
		ResourceID:   "t1",
		Payload:      []byte(`{"title":"other"}`),
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Replayed {
		t.Fatalf("expected replay detection, got %+v", replay)
	}
}

func TestServerTombstoneAnswersGone(t *testing.T) {
	ts := StartTestServer(t, Config{})
	c := ts.Client("test-token")
	ctx := context.Background()

	mustApply := func(id string, action api.Action, payload []byte) {
		t.Helper()
		if _, err := c.ApplyMutation(ctx, api.MutationRequest{
			MutationID: id, Action: action, ResourceType: "task", ResourceID: "t1", Payload: payload,
		}); err != nil {
			t.Fatalf("apply %s: %v", id, err)
		}
	}
	mustApply("m-1", api.ActionCreate, []byte(`{}`))
	mustApply("m-2", api.ActionDelete, nil)

	if _, err := c.GetResource(ctx, "task", "t1"); !client.IsResourceGone(err) {
		t.Fatalf("expected 410 on tombstone read, got %v", err)
	}
	_, err := c.ApplyMutation(ctx, api.MutationRequest{
		MutationID: "m-3", Action: api.ActionUpdate, ResourceType: "task", ResourceID: "t1", Payload: []byte(`{}`),
	})
	if !client.IsResourceGone(err) {
		t.Fatalf("expected 410 on tombstone mutation, got %v", err)
	}
}

func TestServerRejectsUnknownToken(t *testing.T) {
	ts := StartTestServer(t, Config{})
	c := ts.Client("wrong-token")
	_, err := c.GetResource(context.Background(), "task", "t1")
	if !client.IsAuthExpired(err) {
		t.Fatalf("expected auth rejection, got %v", err)
	}
}

func TestServerRateLimitsWithRetryAfter(t *testing.T) {
	ts := StartTestServer(t, Config{
		RateRules: map[ratelimit.Class]ratelimit.Rule{
			ratelimit.ClassGeneral: {Window: time.Minute, MaxRequests: 2},
		},
	})
	c := ts.Client("test-token")
	ctx := context.Background()

	var last error
	for i := 0; i < 5; i++ {
		_, last = c.GetResource(ctx, "task", "missing")
		if apiErr, ok := last.(*client.APIError); ok && apiErr.Status == http.StatusTooManyRequests {
			if apiErr.RetryAfterDuration() <= 0 {
				t.Fatalf("429 without a retry hint: %+v", apiErr)
			}
			return
		}
	}
	t.Fatalf("limit of 2 was never enforced, last error %v", last)
}

func TestServerShutdownIsClean(t *testing.T) {
	srv, err := NewServer(Config{Listen: "127.0.0.1:0", Tokens: map[string]string{"tok": "u"}})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve loop never returned")
	}
	// A second shutdown is a no-op.
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
