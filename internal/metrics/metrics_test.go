package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDispatchOutcomeCounts(t *testing.T) {
	m := New("test")

	m.DispatchOutcome("completed")
	m.DispatchOutcome("completed")
	m.DispatchOutcome("failed")

	if got := testutil.ToFloat64(m.dispatchTotal.WithLabelValues("completed")); got != 2 {
		t.Errorf("completed count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.dispatchTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed count = %v, want 1", got)
	}
}

func TestQueueStatsGauges(t *testing.T) {
	m := New("test")

	m.QueueStats(7, 1)
	if got := testutil.ToFloat64(m.queueDepth); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.queueInflight); got != 1 {
		t.Errorf("queue inflight = %v, want 1", got)
	}

	m.QueueStats(0, 0)
	if got := testutil.ToFloat64(m.queueDepth); got != 0 {
		t.Errorf("queue depth after reset = %v, want 0", got)
	}
}

func TestBreakerStateGauge(t *testing.T) {
	m := New("test")

	cases := []struct {
		state string
		want  float64
	}{
		{"closed", 0},
		{"half_open", 1},
		{"open", 2},
		{"bogus", 0},
	}
	for _, tc := range cases {
		m.BreakerState(tc.state)
		if got := testutil.ToFloat64(m.breakerState); got != tc.want {
			t.Errorf("BreakerState(%q) gauge = %v, want %v", tc.state, got, tc.want)
		}
	}
}

func TestRegistryGathersAllCollectors(t *testing.T) {
	m := New("test")

	m.DispatchOutcome("completed")
	m.DispatchDuration(250 * time.Millisecond)
	m.DispatchRetry()
	m.QueueStats(1, 1)
	m.BreakerState("open")
	m.AgentRestart()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	want := map[string]bool{
		"test_dispatch_total":            false,
		"test_dispatch_duration_seconds": false,
		"test_dispatch_retries_total":    false,
		"test_queue_depth":               false,
		"test_queue_inflight":            false,
		"test_breaker_state":             false,
		"test_agent_restarts_total":      false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric family %s not gathered", name)
		}
	}
}

func TestDefaultNamespace(t *testing.T) {
	m := New("")
	m.DispatchRetry()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "agentlink_dispatch_retries_total" {
			return
		}
	}
	t.Error("expected agentlink namespace on default")
}
