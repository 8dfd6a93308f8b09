package correlate

import (
	"testing"
	"time"
)

func TestBeginCompleteLifecycle(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	tr := NewTracker(WithClock(func() time.Time { return now }))

	id := tr.NewID()
	tr.Begin(id, "msg-1")

	if tr.Pending() != 1 {
		t.Fatalf("pending = %d", tr.Pending())
	}
	rec, ok := tr.Lookup(id)
	if !ok || rec.MessageID != "msg-1" || rec.Outcome != OutcomePending {
		t.Fatalf("lookup = %#v, %v", rec, ok)
	}

	now = base.Add(250 * time.Millisecond)
	done, ok := tr.Complete(id, OutcomeSuccess)
	if !ok {
		t.Fatal("Complete rejected a live record")
	}
	if done.Outcome != OutcomeSuccess || done.Duration != 250*time.Millisecond {
		t.Fatalf("finalized record: %#v", done)
	}
	if tr.Pending() != 0 {
		t.Fatalf("record not removed, pending = %d", tr.Pending())
	}
}

func TestCompleteRejectsStale(t *testing.T) {
	t.Parallel()
	tr := NewTracker()

	id := tr.NewID()
	tr.Begin(id, "msg-1")

	if _, ok := tr.Complete(id, OutcomeFailure); !ok {
		t.Fatal("first Complete rejected")
	}
	// A slow response racing a timeout-triggered retry lands here.
	if _, ok := tr.Complete(id, OutcomeSuccess); ok {
		t.Fatal("second Complete accepted a finalized id")
	}
	if _, ok := tr.Complete("never-issued", OutcomeSuccess); ok {
		t.Fatal("Complete accepted an unknown id")
	}
}

func TestIDsUnique(t *testing.T) {
	t.Parallel()
	tr := NewTracker()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := tr.NewID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
