package localstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/AmbitiousRealism2025/syncd/api"
)

func openStores(t *testing.T, opts Options) map[string]Store {
	t.Helper()
	boltStore, err := Open(filepath.Join(t.TempDir(), "syncd.db"), opts)
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	t.Cleanup(func() { _ = boltStore.Close() })
	memStore := NewMemory(opts)
	t.Cleanup(func() { _ = memStore.Close() })
	return map[string]Store{"bolt": boltStore, "mem": memStore}
}

func TestCachePutGetOverwrite(t *testing.T) {
	now := time.Unix(1700000000, 0)
	for name, store := range openStores(t, Options{Now: func() time.Time { return now }}) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := store.Get("task/1"); err != nil || ok {
				t.Fatalf("empty store: ok=%v err=%v", ok, err)
			}
			if err := store.Put(CachedResource{Key: "task/1", Payload: []byte(`{"title":"A"}`), Strategy: StrategyAPI}); err != nil {
				t.Fatalf("put: %v", err)
			}
			res, ok, err := store.Get("task/1")
			if err != nil || !ok {
				t.Fatalf("get after put: ok=%v err=%v", ok, err)
			}
			if string(res.Payload) != `{"title":"A"}` || res.Strategy != StrategyAPI {
				t.Fatalf("unexpected entry: %+v", res)
			}
			if res.CachedAt != now.UnixMilli() {
				t.Fatalf("cached_at not stamped: %d", res.CachedAt)
			}
			if err := store.Put(CachedResource{Key: "task/1", Payload: []byte(`{"title":"B"}`), Strategy: StrategyAPI}); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			res, _, _ = store.Get("task/1")
			if string(res.Payload) != `{"title":"B"}` {
				t.Fatalf("overwrite not visible: %s", res.Payload)
			}
		})
	}
}

func TestMutationQueueFIFO(t *testing.T) {
	for name, store := range openStores(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ids := make([]string, 0, 3)
			for _, title := range []string{"A", "B", "C"} {
				id, err := store.EnqueueMutation(api.MutationRequest{
					Action:       api.ActionUpdate,
					ResourceType: "task",
					ResourceID:   "1",
					Payload:      []byte(`{"title":"` + title + `"}`),
				})
				if err != nil {
					t.Fatalf("enqueue %s: %v", title, err)
				}
				ids = append(ids, id)
			}
			if _, err := store.EnqueueMutation(api.MutationRequest{Action: api.ActionCreate, ResourceType: "habit", ResourceID: "7"}); err != nil {
				t.Fatalf("enqueue habit: %v", err)
			}

			all, err := store.ListMutations("")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(all) != 4 {
				t.Fatalf("expected 4 queued, got %d", len(all))
			}
			for i := 1; i < len(all); i++ {
				if all[i].Seq <= all[i-1].Seq {
					t.Fatalf("sequence not monotonic: %d then %d", all[i-1].Seq, all[i].Seq)
				}
			}
			tasks, err := store.ListMutations("task")
			if err != nil {
				t.Fatalf("list task: %v", err)
			}
			if len(tasks) != 3 {
				t.Fatalf("expected 3 task mutations, got %d", len(tasks))
			}
			for i, id := range ids {
				if tasks[i].MutationID != id {
					t.Fatalf("FIFO order broken at %d: got %s want %s", i, tasks[i].MutationID, id)
				}
			}

			if err := store.RemoveMutation(ids[1]); err != nil {
				t.Fatalf("remove: %v", err)
			}
			tasks, _ = store.ListMutations("task")
			if len(tasks) != 2 || tasks[0].MutationID != ids[0] || tasks[1].MutationID != ids[2] {
				t.Fatalf("unexpected queue after remove: %+v", tasks)
			}
			if err := store.RemoveMutation(ids[1]); !errors.Is(err, ErrNotFound) {
				t.Fatalf("double remove: %v", err)
			}
		})
	}
}

func TestRecordAttempt(t *testing.T) {
	for name, store := range openStores(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			id, err := store.EnqueueMutation(api.MutationRequest{Action: api.ActionCreate, ResourceType: "task", ResourceID: "9"})
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if err := store.RecordAttempt(id, "503 from server"); err != nil {
				t.Fatalf("record attempt: %v", err)
			}
			if err := store.RecordAttempt(id, "timeout"); err != nil {
				t.Fatalf("record attempt: %v", err)
			}
			list, _ := store.ListMutations("")
			if list[0].Attempts != 2 || list[0].LastError != "timeout" {
				t.Fatalf("attempt metadata not recorded: %+v", list[0])
			}
		})
	}
}

func TestMarkRejectedAndReset(t *testing.T) {
	for name, store := range openStores(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			id, err := store.EnqueueMutation(api.MutationRequest{Action: api.ActionUpdate, ResourceType: "task", ResourceID: "3", Payload: []byte(`{"v":1}`)})
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			_ = store.RecordAttempt(id, "boom")
			if err := store.MarkRejected(id, "max attempts"); err != nil {
				t.Fatalf("mark rejected: %v", err)
			}
			list, _ := store.ListMutations("")
			if !list[0].Rejected || list[0].RejectReason != "max attempts" {
				t.Fatalf("rejection not recorded: %+v", list[0])
			}
			if string(list[0].Payload) != `{"v":1}` {
				t.Fatalf("payload lost on rejection: %s", list[0].Payload)
			}
			if err := store.ResetMutation(id); err != nil {
				t.Fatalf("reset: %v", err)
			}
			list, _ = store.ListMutations("")
			if list[0].Rejected || list[0].Attempts != 0 || list[0].LastError != "" {
				t.Fatalf("reset incomplete: %+v", list[0])
			}
		})
	}
}

func TestCapacityExceededSurfaces(t *testing.T) {
	for name, store := range openStores(t, Options{MaxBytes: 256}) {
		t.Run(name, func(t *testing.T) {
			big := make([]byte, 512)
			err := store.Put(CachedResource{Key: "task/big", Payload: big, Strategy: StrategyStatic})
			if !errors.Is(err, ErrCapacityExceeded) {
				t.Fatalf("expected ErrCapacityExceeded, got %v", err)
			}
			if _, err := store.EnqueueMutation(api.MutationRequest{Action: api.ActionCreate, ResourceType: "task", ResourceID: "1", Payload: big}); !errors.Is(err, ErrCapacityExceeded) {
				t.Fatalf("expected ErrCapacityExceeded on enqueue, got %v", err)
			}
			// Small writes still fit.
			if err := store.Put(CachedResource{Key: "task/ok", Payload: []byte("x"), Strategy: StrategyStatic}); err != nil {
				t.Fatalf("small put rejected: %v", err)
			}
		})
	}
}

func TestUsageAccounting(t *testing.T) {
	for name, store := range openStores(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			before, err := store.EstimateUsage()
			if err != nil {
				t.Fatalf("usage: %v", err)
			}
			if err := store.Put(CachedResource{Key: "task/1", Payload: make([]byte, 100), Strategy: StrategyAPI}); err != nil {
				t.Fatalf("put: %v", err)
			}
			id, err := store.EnqueueMutation(api.MutationRequest{Action: api.ActionCreate, ResourceType: "task", ResourceID: "1", Payload: make([]byte, 50)})
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			mid, err := store.EstimateUsage()
			if err != nil {
				t.Fatalf("usage: %v", err)
			}
			if mid <= before {
				t.Fatalf("usage did not grow: before=%d mid=%d", before, mid)
			}
			if err := store.RemoveMutation(id); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if err := store.ClearCache(); err != nil {
				t.Fatalf("clear: %v", err)
			}
			after, _ := store.EstimateUsage()
			if after > mid {
				t.Fatalf("usage did not shrink: mid=%d after=%d", mid, after)
			}
		})
	}
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncd.db")
	store, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := store.EnqueueMutation(api.MutationRequest{Action: api.ActionCreate, ResourceType: "task", ResourceID: "1", Payload: []byte(`{"title":"A"}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.Put(CachedResource{Key: "task/1", Payload: []byte(`{"title":"A"}`), Strategy: StrategyAPI}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	list, err := reopened.ListMutations("")
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(list) != 1 || list[0].MutationID != id {
		t.Fatalf("queue lost across reopen: %+v", list)
	}
	if _, ok, _ := reopened.Get("task/1"); !ok {
		t.Fatalf("cache lost across reopen")
	}
}
