package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub(16)

	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeMessageCompleted, map[string]any{"message_id": "m1"})

	select {
	case ev := <-ch:
		if ev.Type != TypeMessageCompleted {
			t.Fatalf("type = %q", ev.Type)
		}
		var data map[string]any
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if data["message_id"] != "m1" {
			t.Fatalf("payload = %v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHubSnapshotSince(t *testing.T) {
	h := NewHub(4)

	for i := 0; i < 6; i++ {
		h.Publish(TypeMessageQueued, nil)
	}

	// Ring capacity 4, so the snapshot holds IDs 3..6.
	all := h.SnapshotSince(0)
	if len(all) != 4 {
		t.Fatalf("snapshot len = %d", len(all))
	}
	if all[0].ID != 3 || all[3].ID != 6 {
		t.Fatalf("unexpected window: first=%d last=%d", all[0].ID, all[3].ID)
	}

	later := h.SnapshotSince(5)
	if len(later) != 1 || later[0].ID != 6 {
		t.Fatalf("SnapshotSince(5) = %v", later)
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(8)

	_, cancel := h.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish(TypeMessageQueued, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by slow subscriber")
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}
}
