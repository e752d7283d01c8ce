package hub

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/AmbitiousRealism2025/syncd/api"
)

func testSession(h *Hub, userID string) *Session {
	s := NewSession(h, nil, userID)
	h.Register(s)
	h.Subscribe(s, api.UserTopic(userID))
	return s
}

func drain(s *Session) []api.Event {
	var out []api.Event
	for {
		select {
		case ev := <-s.send:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPerTopicOrdering(t *testing.T) {
	h := New(Config{SendQueueSize: 128})
	s := testSession(h, "42")
	h.Subscribe(s, "session-7")

	for i := 0; i < 50; i++ {
		payload, _ := json.Marshal(map[string]int{"seq": i})
		h.Publish(api.Event{Type: api.EventSessionUpdate, Topic: "session-7", Payload: payload})
	}

	events := drain(s)
	if len(events) != 50 {
		t.Fatalf("expected 50 events, got %d", len(events))
	}
	for i, ev := range events {
		var body struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(ev.Payload, &body); err != nil {
			t.Fatalf("decode event %d: %v", i, err)
		}
		if body.Seq != i {
			t.Fatalf("ordering broken: position %d carries seq %d", i, body.Seq)
		}
		if ev.TS == 0 {
			t.Fatalf("event %d missing emission timestamp", i)
		}
	}
}

func TestMultiDeviceBroadcast(t *testing.T) {
	h := New(Config{})
	phone := testSession(h, "42")
	laptop := testSession(h, "42")
	other := testSession(h, "99")

	payload, _ := json.Marshal(map[string]string{"session_id": "s1", "state": "running"})
	h.Publish(api.Event{Type: api.EventSessionUpdate, Topic: api.UserTopic("42"), Payload: payload})

	for name, s := range map[string]*Session{"phone": phone, "laptop": laptop} {
		events := drain(s)
		if len(events) != 1 {
			t.Fatalf("%s: expected 1 event, got %d", name, len(events))
		}
		if string(events[0].Payload) != string(payload) {
			t.Fatalf("%s: payload mismatch: %s", name, events[0].Payload)
		}
	}
	if events := drain(other); len(events) != 0 {
		t.Fatalf("unrelated user received %d events", len(events))
	}
}

func TestSlowSubscriberDisconnected(t *testing.T) {
	h := New(Config{SendQueueSize: 4})
	fast := testSession(h, "42")
	slow := testSession(h, "42")
	_ = fast

	for i := 0; i < 10; i++ {
		if i < 8 {
			// keep the fast session drained so only slow overflows
			drain(fast)
		}
		h.Publish(api.Event{Type: api.EventContextAlert, Topic: api.UserTopic("42"), Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))})
	}

	if h.SessionCount() != 1 {
		t.Fatalf("slow session should be disconnected, %d sessions remain", h.SessionCount())
	}
	select {
	case <-slow.done:
	default:
		t.Fatalf("slow session not closed")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New(Config{})
	s := testSession(h, "42")
	h.Subscribe(s, "project-9")
	h.Publish(api.Event{Type: api.EventResourceChanged, Topic: "project-9"})
	h.Unsubscribe(s, "project-9")
	h.Publish(api.Event{Type: api.EventResourceChanged, Topic: "project-9"})

	if events := drain(s); len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}
}

func TestTopicAuthorization(t *testing.T) {
	h := New(Config{})
	s := NewSession(h, nil, "42")
	if !s.topicAllowed(api.UserTopic("42")) {
		t.Fatalf("own user topic must be allowed")
	}
	if s.topicAllowed(api.UserTopic("43")) {
		t.Fatalf("foreign user topic must be rejected")
	}
	if !s.topicAllowed("session-7") {
		t.Fatalf("session topic must be allowed")
	}
	if s.topicAllowed("") {
		t.Fatalf("empty topic must be rejected")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	h := New(Config{})
	s := testSession(h, "42")
	h.Unregister(s)
	h.Unregister(s)
	if h.SessionCount() != 0 {
		t.Fatalf("expected 0 sessions")
	}
	if s.enqueue(api.Event{Type: api.EventPong}) {
		t.Fatalf("closed session must refuse events")
	}
}
