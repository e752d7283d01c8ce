package localstore

import (
	"sync"

	"pkt.systems/pslog"

	"github.com/AmbitiousRealism2025/syncd/api"
	"github.com/AmbitiousRealism2025/syncd/internal/svcfields"
	"github.com/google/uuid"
)

// MemStore is an in-memory Store used by tests and ephemeral engines. It
// honours the same quota and FIFO semantics as BoltStore.
type MemStore struct {
	opts   Options
	logger pslog.Logger

	mu        sync.Mutex
	closed    bool
	cache     map[string]CachedResource
	mutations []PendingMutation
	index     map[string]int // mutation id -> position hint; rebuilt on removal
	seq       uint64
	usage     int64
}

// NewMemory builds an empty in-memory store.
func NewMemory(opts Options) *MemStore {
	opts = opts.normalized()
	return &MemStore{
		opts:   opts,
		logger: svcfields.WithSubsystem(opts.Logger, "client.localstore.mem"),
		cache:  make(map[string]CachedResource),
		index:  make(map[string]int),
	}
}

// Close marks the store closed; subsequent operations fail with ErrClosed.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Get returns the cached resource for key, if present.
func (s *MemStore) Get(key string) (CachedResource, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return CachedResource{}, false, ErrClosed
	}
	res, ok := s.cache[key]
	return res, ok, nil
}

// Put overwrites the cache entry for res.Key, enforcing the byte budget.
func (s *MemStore) Put(res CachedResource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if res.CachedAt == 0 {
		res.CachedAt = s.opts.Now().UnixMilli()
	}
	delta := memCacheSize(res)
	if prev, ok := s.cache[res.Key]; ok {
		delta -= memCacheSize(prev)
	}
	if err := s.grow(delta); err != nil {
		return err
	}
	s.cache[res.Key] = res
	return nil
}

// ClearCache removes all cached resources. Pending mutations are untouched.
func (s *MemStore) ClearCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, res := range s.cache {
		s.usage -= memCacheSize(res)
	}
	s.cache = make(map[string]CachedResource)
	return nil
}

// EnqueueMutation appends the mutation to the FIFO queue and returns its id.
func (s *MemStore) EnqueueMutation(m api.MutationRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if m.MutationID == "" {
		m.MutationID = uuid.NewString()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = s.opts.Now().UnixMilli()
	}
	if err := s.grow(memMutationSize(m)); err != nil {
		return "", err
	}
	s.seq++
	s.mutations = append(s.mutations, PendingMutation{MutationRequest: m, Seq: s.seq})
	s.index[m.MutationID] = len(s.mutations) - 1
	return m.MutationID, nil
}

// ListMutations returns queued mutations in enqueue order, optionally
// filtered by resource type.
func (s *MemStore) ListMutations(resourceType string) ([]PendingMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []PendingMutation
	for _, m := range s.mutations {
		if resourceType != "" && m.ResourceType != resourceType {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// RemoveMutation deletes the mutation with the supplied id.
func (s *MemStore) RemoveMutation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	pos, ok := s.locate(id)
	if !ok {
		return ErrNotFound
	}
	s.usage -= memMutationSize(s.mutations[pos].MutationRequest)
	s.mutations = append(s.mutations[:pos], s.mutations[pos+1:]...)
	delete(s.index, id)
	s.reindex()
	return nil
}

// RecordAttempt increments the attempt counter and stores the last error.
func (s *MemStore) RecordAttempt(id string, lastError string) error {
	return s.updateMutation(id, func(m *PendingMutation) {
		m.Attempts++
		m.LastError = lastError
	})
}

// MarkRejected pulls the mutation out of the automatic replay path while
// keeping its payload for manual resolution.
func (s *MemStore) MarkRejected(id string, reason string) error {
	return s.updateMutation(id, func(m *PendingMutation) {
		m.Rejected = true
		m.RejectReason = reason
	})
}

// ResetMutation returns a rejected mutation to the pending state with a
// fresh attempt budget.
func (s *MemStore) ResetMutation(id string) error {
	return s.updateMutation(id, func(m *PendingMutation) {
		m.Rejected = false
		m.RejectReason = ""
		m.Attempts = 0
		m.LastError = ""
	})
}

func (s *MemStore) updateMutation(id string, mutate func(*PendingMutation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	pos, ok := s.locate(id)
	if !ok {
		return ErrNotFound
	}
	mutate(&s.mutations[pos])
	return nil
}

// EstimateUsage returns the tracked byte usage of cache plus queue.
func (s *MemStore) EstimateUsage() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.usage, nil
}

func (s *MemStore) grow(delta int64) error {
	if delta > 0 && s.opts.MaxBytes > 0 && s.usage+delta > s.opts.MaxBytes {
		s.logger.Warn("syncd.localstore.capacity_exceeded", "max_bytes", s.opts.MaxBytes, "delta", delta)
		return ErrCapacityExceeded
	}
	s.usage += delta
	if s.usage < 0 {
		s.usage = 0
	}
	return nil
}

func (s *MemStore) locate(id string) (int, bool) {
	pos, ok := s.index[id]
	if ok && pos < len(s.mutations) && s.mutations[pos].MutationID == id {
		return pos, true
	}
	for i, m := range s.mutations {
		if m.MutationID == id {
			return i, true
		}
	}
	return 0, false
}

func (s *MemStore) reindex() {
	for i, m := range s.mutations {
		s.index[m.MutationID] = i
	}
}

func memCacheSize(res CachedResource) int64 {
	return int64(len(res.Key)*2 + len(res.Payload) + len(res.Strategy) + 16)
}

func memMutationSize(m api.MutationRequest) int64 {
	return int64(len(m.MutationID) + len(m.ResourceType) + len(m.ResourceID) + len(m.Payload) + len(m.Action) + 24)
}

var _ Store = (*MemStore)(nil)
var _ Store = (*BoltStore)(nil)
