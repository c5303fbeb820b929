package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHubCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHub(reg)

	m.SetConnections(3)
	m.MessageSent(10 * time.Millisecond)
	m.MessageSent(20 * time.Millisecond)
	m.Rejected("capacity")
	m.QRVerified("identity", true)
	m.QRVerified("identity", false)

	if got := testutil.ToFloat64(m.activeConnections); got != 3 {
		t.Fatalf("expected 3 active connections, got %v", got)
	}
	if got := testutil.ToFloat64(m.messagesSent); got != 2 {
		t.Fatalf("expected 2 messages sent, got %v", got)
	}
	if got := testutil.ToFloat64(m.rejected.WithLabelValues("capacity")); got != 1 {
		t.Fatalf("expected 1 capacity rejection, got %v", got)
	}
	if got := testutil.ToFloat64(m.qrVerifications.WithLabelValues("identity", "invalid")); got != 1 {
		t.Fatalf("expected 1 invalid verification, got %v", got)
	}
}

func TestNilHubIsNoop(t *testing.T) {
	var m *Hub
	m.SetConnections(1)
	m.SetOnline(1)
	m.MessageSent(time.Second)
	m.AuthFailed()
	m.Rejected("")
	m.FrameError("")
	m.QRVerified("identity", true)
}
