// Package resourcestore holds the server-side state of synchronised
// resources: last-write-wins payloads, delete tombstones, and the idempotency
// registry that makes mutation replay a no-op.
package resourcestore

import (
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/AmbitiousRealism2025/syncd/api"
	"github.com/AmbitiousRealism2025/syncd/internal/svcfields"
)

var (
	// ErrNotFound is returned for reads of unknown resources.
	ErrNotFound = errors.New("resourcestore: not found")
	// ErrResourceGone is returned for mutations against a tombstoned resource.
	ErrResourceGone = errors.New("resourcestore: resource gone")
	// ErrInvalid is returned for malformed mutations.
	ErrInvalid = errors.New("resourcestore: invalid mutation")
)

// Config tunes the store.
type Config struct {
	// AppliedRetention bounds how many applied mutation ids are remembered
	// for idempotent replay detection.
	AppliedRetention int
	// Logger receives store diagnostics.
	Logger pslog.Logger
}

// Store is an in-memory resource state store safe for concurrent use.
type Store struct {
	cfg    Config
	logger pslog.Logger
	now    func() time.Time

	mu           sync.RWMutex
	resources    map[string]api.Resource
	applied      map[string]api.MutationResult
	appliedOrder []string
}

// New constructs an empty store.
func New(cfg Config) *Store {
	if cfg.AppliedRetention <= 0 {
		cfg.AppliedRetention = 4096
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Store{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(cfg.Logger, "server.resourcestore"),
		now:       time.Now,
		resources: make(map[string]api.Resource),
		applied:   make(map[string]api.MutationResult),
	}
}

// Get returns the live resource for (resourceType, id). Tombstones surface
// as ErrResourceGone, unknown resources as ErrNotFound.
func (s *Store) Get(resourceType, id string) (api.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resources[api.ResourceKey(resourceType, id)]
	if !ok {
		return api.Resource{}, ErrNotFound
	}
	if res.Deleted {
		return api.Resource{}, ErrResourceGone
	}
	return res, nil
}

// Apply executes one mutation with last-write-wins semantics. A replayed
// mutation id returns the originally stored result without re-applying.
// Updates against missing resources are applied as upserts (client intent
// wins); any mutation against a tombstone fails with ErrResourceGone.
func (s *Store) Apply(m api.MutationRequest) (api.MutationResult, error) {
	if m.MutationID == "" || m.ResourceType == "" || m.ResourceID == "" || !m.Action.Valid() {
		return api.MutationResult{}, ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if result, ok := s.applied[m.MutationID]; ok {
		result.Replayed = true
		return result, nil
	}

	key := api.ResourceKey(m.ResourceType, m.ResourceID)
	existing, exists := s.resources[key]
	if exists && existing.Deleted {
		s.logger.Debug("syncd.resourcestore.gone", "key", key, "mutation_id", m.MutationID)
		return api.MutationResult{}, ErrResourceGone
	}

	res := api.Resource{
		Type:      m.ResourceType,
		ID:        m.ResourceID,
		UpdatedAt: s.now().UnixMilli(),
	}
	switch m.Action {
	case api.ActionCreate, api.ActionUpdate:
		res.Payload = m.Payload
	case api.ActionDelete:
		res.Deleted = true
	}
	s.resources[key] = res

	result := api.MutationResult{MutationID: m.MutationID, Resource: res}
	s.remember(m.MutationID, result)
	s.logger.Debug("syncd.resourcestore.applied", "key", key, "action", string(m.Action), "mutation_id", m.MutationID)
	return result, nil
}

// Len returns the number of stored resources including tombstones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources)
}

func (s *Store) remember(id string, result api.MutationResult) {
	s.applied[id] = result
	s.appliedOrder = append(s.appliedOrder, id)
	for len(s.appliedOrder) > s.cfg.AppliedRetention {
		oldest := s.appliedOrder[0]
		s.appliedOrder = s.appliedOrder[1:]
		delete(s.applied, oldest)
	}
}
