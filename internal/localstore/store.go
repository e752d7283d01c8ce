// Package localstore implements the client-side durable store: a
// transactional key-value cache of server resources plus a FIFO queue of
// pending mutations, persisted in a single bbolt file.
package localstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"pkt.systems/pslog"

	"github.com/AmbitiousRealism2025/syncd/api"
	"github.com/AmbitiousRealism2025/syncd/internal/svcfields"
	"github.com/google/uuid"
)

// Strategy tags a cached resource with the dispatcher strategy that owns it.
type Strategy string

const (
	// StrategyShell marks app-shell entries served stale-while-revalidate.
	StrategyShell Strategy = "shell"
	// StrategyStatic marks static assets served cache-first.
	StrategyStatic Strategy = "static"
	// StrategyAPI marks API reads served network-first.
	StrategyAPI Strategy = "api"
)

var (
	// ErrCapacityExceeded is returned when a write would exceed the store's
	// byte budget. Callers must surface it; the store never drops data.
	ErrCapacityExceeded = errors.New("localstore: capacity exceeded")
	// ErrNotFound is returned when the requested entry does not exist.
	ErrNotFound = errors.New("localstore: not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("localstore: closed")
)

// CachedResource is a read-through copy of a server resource.
type CachedResource struct {
	// Key is the canonical "type/id" resource key.
	Key string `json:"key"`
	// Payload is the cached resource body.
	Payload []byte `json:"payload"`
	// Strategy records which dispatcher strategy owns the entry.
	Strategy Strategy `json:"strategy"`
	// CachedAt is when the entry was last refreshed (Unix ms).
	CachedAt int64 `json:"cached_at_unix_ms"`
}

// PendingMutation is a queued client mutation awaiting server apply.
type PendingMutation struct {
	api.MutationRequest
	// Seq is the monotonic enqueue sequence; drains happen in Seq order.
	Seq uint64 `json:"seq"`
	// Attempts counts replay attempts so far.
	Attempts int `json:"attempts,omitempty"`
	// LastError records the most recent replay failure.
	LastError string `json:"last_error,omitempty"`
	// Rejected marks a mutation pulled out of the automatic replay path; the
	// payload stays intact for manual resolution.
	Rejected bool `json:"rejected,omitempty"`
	// RejectReason names why the mutation was rejected.
	RejectReason string `json:"reject_reason,omitempty"`
}

// Store is the durable local store contract consumed by the engine. All
// operations are transactional per call; concurrent callers see consistent
// snapshots.
type Store interface {
	Get(key string) (CachedResource, bool, error)
	Put(res CachedResource) error
	ClearCache() error
	EnqueueMutation(m api.MutationRequest) (string, error)
	ListMutations(resourceType string) ([]PendingMutation, error)
	RemoveMutation(id string) error
	RecordAttempt(id string, lastError string) error
	MarkRejected(id string, reason string) error
	ResetMutation(id string) error
	EstimateUsage() (int64, error)
	Close() error
}

// Options configures store construction.
type Options struct {
	// MaxBytes bounds the total stored bytes (keys + values); <=0 disables
	// the quota.
	MaxBytes int64
	// Logger receives store diagnostics.
	Logger pslog.Logger
	// Now overrides the timestamp source.
	Now func() time.Time
}

func (o Options) normalized() Options {
	if o.Logger == nil {
		o.Logger = pslog.NoopLogger()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

var (
	bucketCache     = []byte("cache")
	bucketMutations = []byte("mutations")
	bucketMutIndex  = []byte("mutation_index")
	bucketMeta      = []byte("meta")
	keyUsage        = []byte("usage")
)

// BoltStore persists cache and queue in one bbolt file.
type BoltStore struct {
	db     *bolt.DB
	opts   Options
	logger pslog.Logger
}

// Open opens (or creates) a bbolt-backed store at path.
func Open(path string, opts Options) (*BoltStore, error) {
	opts = opts.normalized()
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCache, bucketMutations, bucketMutIndex, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localstore: init buckets: %w", err)
	}
	return &BoltStore{
		db:     db,
		opts:   opts,
		logger: svcfields.WithSubsystem(opts.Logger, "client.localstore"),
	}, nil
}

// Close releases the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Get returns the cached resource for key, if present.
func (s *BoltStore) Get(key string) (CachedResource, bool, error) {
	var res CachedResource
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCache).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("localstore: decode cache entry %s: %w", key, err)
		}
		found = true
		return nil
	})
	return res, found, err
}

// Put overwrites the cache entry for res.Key, enforcing the byte budget.
func (s *BoltStore) Put(res CachedResource) error {
	if res.CachedAt == 0 {
		res.CachedAt = s.opts.Now().UnixMilli()
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	key := []byte(res.Key)
	return s.db.Update(func(tx *bolt.Tx) error {
		cache := tx.Bucket(bucketCache)
		delta := entrySize(key, raw) - entrySize(key, cache.Get(key))
		if err := s.applyUsage(tx, delta); err != nil {
			return err
		}
		return cache.Put(key, raw)
	})
}

// ClearCache removes all cached resources. Pending mutations are untouched.
func (s *BoltStore) ClearCache() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cache := tx.Bucket(bucketCache)
		freed := int64(0)
		cur := cache.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			freed += entrySize(k, v)
		}
		if err := tx.DeleteBucket(bucketCache); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketCache); err != nil {
			return err
		}
		return s.applyUsage(tx, -freed)
	})
}

// EnqueueMutation appends the mutation to the FIFO queue and returns its id.
// A missing MutationID is assigned a fresh UUID.
func (s *BoltStore) EnqueueMutation(m api.MutationRequest) (string, error) {
	if m.MutationID == "" {
		m.MutationID = uuid.NewString()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = s.opts.Now().UnixMilli()
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		mutations := tx.Bucket(bucketMutations)
		seq, err := mutations.NextSequence()
		if err != nil {
			return err
		}
		pending := PendingMutation{MutationRequest: m, Seq: seq}
		raw, err := json.Marshal(pending)
		if err != nil {
			return err
		}
		key := seqKey(seq)
		if err := s.applyUsage(tx, entrySize(key, raw)+entrySize([]byte(m.MutationID), key)); err != nil {
			return err
		}
		if err := mutations.Put(key, raw); err != nil {
			return err
		}
		return tx.Bucket(bucketMutIndex).Put([]byte(m.MutationID), key)
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("syncd.localstore.enqueued", "mutation_id", m.MutationID, "resource", api.ResourceKey(m.ResourceType, m.ResourceID), "action", m.Action)
	return m.MutationID, nil
}

// ListMutations returns queued mutations in enqueue order. When resourceType
// is non-empty only mutations for that type are returned.
func (s *BoltStore) ListMutations(resourceType string) ([]PendingMutation, error) {
	var out []PendingMutation
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketMutations).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var m PendingMutation
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("localstore: decode mutation %x: %w", k, err)
			}
			if resourceType != "" && m.ResourceType != resourceType {
				continue
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// RemoveMutation deletes the mutation with the supplied id.
func (s *BoltStore) RemoveMutation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketMutIndex)
		seq := index.Get([]byte(id))
		if seq == nil {
			return ErrNotFound
		}
		mutations := tx.Bucket(bucketMutations)
		raw := mutations.Get(seq)
		freed := entrySize(seq, raw) + entrySize([]byte(id), seq)
		if err := mutations.Delete(seq); err != nil {
			return err
		}
		if err := index.Delete([]byte(id)); err != nil {
			return err
		}
		return s.applyUsage(tx, -freed)
	})
}

// RecordAttempt increments the attempt counter and stores the last error for
// the mutation with the supplied id.
func (s *BoltStore) RecordAttempt(id string, lastError string) error {
	return s.updateMutation(id, func(m *PendingMutation) {
		m.Attempts++
		m.LastError = lastError
	})
}

// MarkRejected pulls the mutation out of the automatic replay path while
// keeping its payload for manual resolution.
func (s *BoltStore) MarkRejected(id string, reason string) error {
	return s.updateMutation(id, func(m *PendingMutation) {
		m.Rejected = true
		m.RejectReason = reason
	})
}

// ResetMutation returns a rejected mutation to the pending state with a
// fresh attempt budget.
func (s *BoltStore) ResetMutation(id string) error {
	return s.updateMutation(id, func(m *PendingMutation) {
		m.Rejected = false
		m.RejectReason = ""
		m.Attempts = 0
		m.LastError = ""
	})
}

func (s *BoltStore) updateMutation(id string, mutate func(*PendingMutation)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		seq := tx.Bucket(bucketMutIndex).Get([]byte(id))
		if seq == nil {
			return ErrNotFound
		}
		mutations := tx.Bucket(bucketMutations)
		raw := mutations.Get(seq)
		var m PendingMutation
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		mutate(&m)
		next, err := json.Marshal(m)
		if err != nil {
			return err
		}
		// Status metadata is bookkeeping, not user data; it bypasses the
		// quota so a full store can still record failures.
		if err := s.addUsage(tx, int64(len(next)-len(raw))); err != nil {
			return err
		}
		return mutations.Put(seq, next)
	})
}

// EstimateUsage returns the tracked byte usage of cache plus queue.
func (s *BoltStore) EstimateUsage() (int64, error) {
	var usage int64
	err := s.db.View(func(tx *bolt.Tx) error {
		usage = readUsage(tx)
		return nil
	})
	return usage, err
}

// applyUsage enforces the quota for positive deltas, then records the delta.
func (s *BoltStore) applyUsage(tx *bolt.Tx, delta int64) error {
	if delta > 0 && s.opts.MaxBytes > 0 {
		if readUsage(tx)+delta > s.opts.MaxBytes {
			s.logger.Warn("syncd.localstore.capacity_exceeded", "max_bytes", s.opts.MaxBytes, "delta", delta)
			return ErrCapacityExceeded
		}
	}
	return s.addUsage(tx, delta)
}

func (s *BoltStore) addUsage(tx *bolt.Tx, delta int64) error {
	usage := readUsage(tx) + delta
	if usage < 0 {
		usage = 0
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(usage))
	return tx.Bucket(bucketMeta).Put(keyUsage, buf)
}

func readUsage(tx *bolt.Tx) int64 {
	raw := tx.Bucket(bucketMeta).Get(keyUsage)
	if len(raw) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(raw))
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func entrySize(key, value []byte) int64 {
	if value == nil {
		return 0
	}
	return int64(len(key) + len(value))
}
