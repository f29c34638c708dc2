package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetStateIsOneHot(t *testing.T) {
	t.Parallel()
	m := New()
	m.SetState("disconnected", "connecting")
	m.SetState("connecting", "connected")

	for _, s := range States {
		want := 0.0
		if s == "connected" {
			want = 1
		}
		if got := testutil.ToFloat64(m.ConnectionState.WithLabelValues(s)); got != want {
			t.Fatalf("state %s = %v, want %v", s, got, want)
		}
	}
	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("connecting", "connected")); got != 1 {
		t.Fatalf("transitions = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.SetState("a", "b")
	m.Reconnect("retry")
	m.Inbound("self")
	m.Unread("live")
	m.HistoryScan("ok")
	m.ObserveThreadFetch(0.1)
}

func TestCountersAccumulate(t *testing.T) {
	t.Parallel()
	m := New()
	m.Inbound("unread")
	m.Inbound("unread")
	m.Unread("history")
	if got := testutil.ToFloat64(m.InboundMessages.WithLabelValues("unread")); got != 2 {
		t.Fatalf("inbound unread = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.UnreadRaises.WithLabelValues("history")); got != 1 {
		t.Fatalf("unread history = %v, want 1", got)
	}
}
