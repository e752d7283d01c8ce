package api

import "encoding/json"

// EventType identifies a realtime envelope kind.
type EventType string

const (
	// EventSubscribe is sent by clients to join a topic.
	EventSubscribe EventType = "subscribe"
	// EventUnsubscribe is sent by clients to leave a topic.
	EventUnsubscribe EventType = "unsubscribe"
	// EventPong is the server heartbeat reply.
	EventPong EventType = "pong"
	// EventResourceChanged announces a server-applied mutation to topic subscribers.
	EventResourceChanged EventType = "resource_changed"
	// EventSessionUpdate carries live session state (timer ticks, collaborative edits).
	EventSessionUpdate EventType = "session_update"
	// EventContextAlert carries context-health alerts pushed to a user's devices.
	EventContextAlert EventType = "context_alert"
)

// Event is the realtime wire envelope. Topic conventions are "user-{id}",
// "session-{id}", "project-{id}" and "resource-{type}-{id}".
type Event struct {
	// Type identifies the envelope kind.
	Type EventType `json:"type"`
	// Topic names the broadcast channel the event belongs to.
	Topic string `json:"topic,omitempty"`
	// Payload carries the event body as raw JSON.
	Payload json.RawMessage `json:"payload,omitempty"`
	// TS is the server emission time as a Unix timestamp in milliseconds.
	TS int64 `json:"ts,omitempty"`
}

// UserTopic returns the per-user broadcast topic.
func UserTopic(userID string) string {
	return "user-" + userID
}

// ResourceTopic returns the per-resource broadcast topic.
func ResourceTopic(resourceType, id string) string {
	return "resource-" + resourceType + "-" + id
}
