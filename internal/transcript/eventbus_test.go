package transcript

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventBusPublishSubscribe(t *testing.T) {
	t.Run("subscriber_receives_published_event", func(t *testing.T) {
		eb := NewEventBus(64)
		ch, cancel := eb.Subscribe(EventFilter{})
		defer cancel()

		eb.Publish(EventSegment, "sess-1", map[string]string{"text": "hello"})

		select {
		case evt := <-ch:
			if evt.Type != EventSegment {
				t.Errorf("Type = %q, want segment", evt.Type)
			}
			if evt.SessionID != "sess-1" {
				t.Errorf("SessionID = %q, want sess-1", evt.SessionID)
			}
			if evt.ID == "" {
				t.Error("expected non-empty event ID")
			}
			var payload map[string]string
			if err := json.Unmarshal(evt.Data, &payload); err != nil {
				t.Fatalf("Data is not valid JSON: %v", err)
			}
			if payload["text"] != "hello" {
				t.Errorf("payload text = %q, want hello", payload["text"])
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("filtered_subscriber_misses_non_matching", func(t *testing.T) {
		eb := NewEventBus(64)
		ch, cancel := eb.Subscribe(EventFilter{Types: []string{EventSessionStopped}})
		defer cancel()

		eb.Publish(EventSegment, "sess-1", "x")

		select {
		case evt := <-ch:
			t.Fatalf("should not receive event, got %+v", evt)
		case <-time.After(50 * time.Millisecond):
			// expected
		}
	})

	t.Run("cancel_stops_delivery", func(t *testing.T) {
		eb := NewEventBus(64)
		ch, cancel := eb.Subscribe(EventFilter{})
		cancel()

		eb.Publish(EventSegment, "sess-1", "x")

		select {
		case _, ok := <-ch:
			if ok {
				t.Fatal("should not receive event after cancel")
			}
		case <-time.After(50 * time.Millisecond):
			// expected: channel not closed, just removed from map
		}
	})

	t.Run("session_filter", func(t *testing.T) {
		eb := NewEventBus(64)
		ch, cancel := eb.Subscribe(EventFilter{Sessions: []string{"sess-2"}})
		defer cancel()

		eb.Publish(EventSegment, "sess-1", "a")
		eb.Publish(EventSegment, "sess-2", "b")

		select {
		case evt := <-ch:
			if evt.SessionID != "sess-2" {
				t.Errorf("SessionID = %q, want sess-2", evt.SessionID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for filtered event")
		}
	})
}

func TestEventBusReplaySince(t *testing.T) {
	t.Run("replay_all_when_empty_lastID", func(t *testing.T) {
		eb := NewEventBus(64)
		eb.Publish(EventSessionStarted, "sess-1", "a")
		eb.Publish(EventSegment, "sess-1", "b")

		events := eb.ReplaySince("", EventFilter{})
		if len(events) != 2 {
			t.Fatalf("got %d events, want 2", len(events))
		}
	})

	t.Run("replay_after_specific_id", func(t *testing.T) {
		eb := NewEventBus(64)
		eb.Publish(EventSessionStarted, "sess-1", "a")

		allEvents := eb.ReplaySince("", EventFilter{})
		if len(allEvents) != 1 {
			t.Fatalf("expected 1 event, got %d", len(allEvents))
		}
		firstID := allEvents[0].ID

		eb.Publish(EventSegment, "sess-1", "b")

		events := eb.ReplaySince(firstID, EventFilter{})
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1 (after first)", len(events))
		}
		if events[0].Type != EventSegment {
			t.Errorf("Type = %q, want segment", events[0].Type)
		}
	})

	t.Run("unknown_lastID_replays_nothing", func(t *testing.T) {
		eb := NewEventBus(64)
		eb.Publish(EventSegment, "sess-1", "a")

		// An ID that has fallen out of the ring means the marker is never
		// found, so nothing after it can be identified.
		events := eb.ReplaySince("nonexistent-id", EventFilter{})
		if len(events) != 0 {
			t.Fatalf("got %d events, want 0", len(events))
		}
	})
}
