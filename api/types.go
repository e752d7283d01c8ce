// Package api defines the wire types exchanged between the syncd client
// engine and the sync server: resource payloads, mutation envelopes, the
// canonical error envelope, and the realtime event envelope.
package api

// Action identifies the kind of mutation applied to a resource.
type Action string

const (
	// ActionCreate creates a resource; fails softly into an upsert on replay.
	ActionCreate Action = "create"
	// ActionUpdate overwrites the resource payload (last-write-wins).
	ActionUpdate Action = "update"
	// ActionDelete tombstones the resource.
	ActionDelete Action = "delete"
)

// Valid reports whether the action is one of the supported kinds.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Resource is the server-side representation of a synchronised resource.
type Resource struct {
	// Type is the resource class (task, session, habit, ...).
	Type string `json:"type"`
	// ID identifies the resource within its type.
	ID string `json:"id"`
	// Payload carries the resource body as raw JSON.
	Payload []byte `json:"payload,omitempty"`
	// UpdatedAt is the last server-side modification as a Unix timestamp in milliseconds.
	UpdatedAt int64 `json:"updated_at_unix_ms"`
	// Deleted marks a tombstoned resource.
	Deleted bool `json:"deleted,omitempty"`
}

// Key returns the stable cache/queue key for the resource.
func (r Resource) Key() string {
	return ResourceKey(r.Type, r.ID)
}

// ResourceKey builds the canonical "type/id" key used by caches and queues.
func ResourceKey(resourceType, id string) string {
	return resourceType + "/" + id
}

// MutationRequest models the JSON payload for POST/PUT/DELETE /v1/resource.
type MutationRequest struct {
	// MutationID is the client-generated idempotency key for the mutation.
	MutationID string `json:"mutation_id"`
	// Action selects create, update or delete semantics.
	Action Action `json:"action"`
	// ResourceType is the resource class being mutated.
	ResourceType string `json:"resource_type"`
	// ResourceID identifies the resource within its type.
	ResourceID string `json:"resource_id"`
	// Payload is the resource body for create/update; empty for delete.
	Payload []byte `json:"payload,omitempty"`
	// CreatedAt records when the client issued the mutation (Unix ms).
	CreatedAt int64 `json:"created_at_unix_ms"`
}

// MutationResult is returned when a mutation was applied (or replayed).
type MutationResult struct {
	// MutationID echoes the idempotency key of the applied mutation.
	MutationID string `json:"mutation_id"`
	// Resource is the post-apply server state of the resource.
	Resource Resource `json:"resource"`
	// Replayed is true when the mutation id was already applied and the
	// stored result was returned without re-applying.
	Replayed bool `json:"replayed,omitempty"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable syncd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// Stable error codes carried in ErrorResponse.ErrorCode.
const (
	// ErrCodeRateLimited accompanies HTTP 429 responses.
	ErrCodeRateLimited = "rate_limited"
	// ErrCodeResourceGone signals a mutation against a server-side tombstone.
	ErrCodeResourceGone = "resource_gone"
	// ErrCodeValidationFailed marks malformed or unacceptable mutation input.
	ErrCodeValidationFailed = "validation_failed"
	// ErrCodeAuthExpired signals that the bearer token is no longer valid.
	ErrCodeAuthExpired = "auth_expired"
	// ErrCodeNotFound marks a read against an unknown resource.
	ErrCodeNotFound = "not_found"
	// ErrCodeInternal marks unexpected server failures.
	ErrCodeInternal = "internal_error"
)
