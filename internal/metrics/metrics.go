package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Hub groups the collectors the realtime hub reports into. A nil *Hub is
// valid and records nothing.
type Hub struct {
	activeConnections prometheus.Gauge
	usersOnline       prometheus.Gauge
	messagesSent      prometheus.Counter
	authFailures      prometheus.Counter
	rejected          *prometheus.CounterVec
	frameErrors       *prometheus.CounterVec
	qrVerifications   *prometheus.CounterVec
	sendLatency       prometheus.Histogram
}

// NewHub registers the hub collectors with reg, or the default registerer
// when reg is nil.
func NewHub(reg prometheus.Registerer) *Hub {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Hub{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Current number of authenticated websocket connections.",
		}),
		usersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_users_online",
			Help: "Current number of users marked online.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages persisted and routed since start.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_auth_failures_total",
			Help: "Websocket authentication attempts that failed.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_connections_rejected_total",
			Help: "Connections refused or dropped, grouped by reason.",
		}, []string{"reason"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_frame_errors_total",
			Help: "Inbound frames answered with an error, grouped by code.",
		}, []string{"code"}),
		qrVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_qr_verifications_total",
			Help: "QR payload verifications grouped by kind and result.",
		}, []string{"kind", "result"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_send_latency_seconds",
			Help:    "Latency from receiving a send intent to routing completion.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.usersOnline,
		m.messagesSent,
		m.authFailures,
		m.rejected,
		m.frameErrors,
		m.qrVerifications,
		m.sendLatency,
	)
	return m
}

func (m *Hub) SetConnections(n int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(n))
}

func (m *Hub) SetOnline(n int) {
	if m == nil {
		return
	}
	m.usersOnline.Set(float64(n))
}

func (m *Hub) MessageSent(dur time.Duration) {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
	m.sendLatency.Observe(dur.Seconds())
}

func (m *Hub) AuthFailed() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *Hub) Rejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Hub) FrameError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *Hub) QRVerified(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if ok {
		result = "valid"
	}
	m.qrVerifications.WithLabelValues(kind, result).Inc()
}
