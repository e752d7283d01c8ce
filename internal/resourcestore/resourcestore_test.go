package resourcestore

import (
	"errors"
	"testing"

	"github.com/AmbitiousRealism2025/syncd/api"
)

func TestApplyAndGet(t *testing.T) {
	s := New(Config{})
	result, err := s.Apply(api.MutationRequest{
		MutationID:   "m1",
		Action:       api.ActionCreate,
		ResourceType: "task",
		ResourceID:   "1",
		Payload:      []byte(`{"title":"A"}`),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Resource.UpdatedAt == 0 {
		t.Fatalf("updated_at not stamped")
	}
	res, err := s.Get("task", "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(res.Payload) != `{"title":"A"}` {
		t.Fatalf("payload mismatch: %s", res.Payload)
	}
	if _, err := s.Get("task", "2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing resource: %v", err)
	}
}

func TestReplayIsNoOp(t *testing.T) {
	s := New(Config{})
	m := api.MutationRequest{MutationID: "m1", Action: api.ActionCreate, ResourceType: "task", ResourceID: "1", Payload: []byte(`{"title":"A"}`)}
	first, err := s.Apply(m)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// Same id with different payload must not re-apply.
	m.Payload = []byte(`{"title":"CHANGED"}`)
	second, err := s.Apply(m)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("replay not detected")
	}
	if string(second.Resource.Payload) != string(first.Resource.Payload) {
		t.Fatalf("replay mutated state: %s", second.Resource.Payload)
	}
}

func TestUpdateUpsertsAndLastWriteWins(t *testing.T) {
	s := New(Config{})
	// Update against a missing resource applies as an upsert.
	if _, err := s.Apply(api.MutationRequest{MutationID: "m1", Action: api.ActionUpdate, ResourceType: "task", ResourceID: "1", Payload: []byte(`{"v":1}`)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// A later mutation overwrites regardless of timestamps.
	if _, err := s.Apply(api.MutationRequest{MutationID: "m2", Action: api.ActionUpdate, ResourceType: "task", ResourceID: "1", Payload: []byte(`{"v":2}`), CreatedAt: 1}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	res, _ := s.Get("task", "1")
	if string(res.Payload) != `{"v":2}` {
		t.Fatalf("last write did not win: %s", res.Payload)
	}
}

func TestTombstoneRejectsMutations(t *testing.T) {
	s := New(Config{})
	if _, err := s.Apply(api.MutationRequest{MutationID: "m1", Action: api.ActionCreate, ResourceType: "task", ResourceID: "1", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Apply(api.MutationRequest{MutationID: "m2", Action: api.ActionDelete, ResourceType: "task", ResourceID: "1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("task", "1"); !errors.Is(err, ErrResourceGone) {
		t.Fatalf("tombstone read: %v", err)
	}
	if _, err := s.Apply(api.MutationRequest{MutationID: "m3", Action: api.ActionUpdate, ResourceType: "task", ResourceID: "1", Payload: []byte(`{}`)}); !errors.Is(err, ErrResourceGone) {
		t.Fatalf("update on tombstone: %v", err)
	}
}

func TestInvalidMutation(t *testing.T) {
	s := New(Config{})
	if _, err := s.Apply(api.MutationRequest{MutationID: "m1", Action: "merge", ResourceType: "task", ResourceID: "1"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("bad action: %v", err)
	}
	if _, err := s.Apply(api.MutationRequest{Action: api.ActionCreate, ResourceType: "task", ResourceID: "1"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("missing mutation id: %v", err)
	}
}

func TestAppliedRetentionBounded(t *testing.T) {
	s := New(Config{AppliedRetention: 8})
	for i := 0; i < 32; i++ {
		if _, err := s.Apply(api.MutationRequest{
			MutationID:   string(rune('a'+i%26)) + "-mutation",
			Action:       api.ActionUpdate,
			ResourceType: "task",
			ResourceID:   "1",
			Payload:      []byte(`{}`),
		}); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	if len(s.applied) > 8 {
		t.Fatalf("applied registry unbounded: %d", len(s.applied))
	}
}
