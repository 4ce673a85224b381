package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/multiedit/multiedit/internal/domain/session"
	"github.com/multiedit/multiedit/internal/p2p/nat"
	"github.com/multiedit/multiedit/internal/p2p/negotiator"
	"github.com/multiedit/multiedit/internal/p2p/protocol"
)

const namespace = "multiedit"

// Metrics owns the process registry and implements the observer interfaces
// of the session, relay, negotiator and nat packages.
type Metrics struct {
	registry *prometheus.Registry

	sessionsCreated     prometheus.Counter
	sessionsClosed      *prometheus.CounterVec
	sessionLifetime     prometheus.Histogram
	participantsRemoved prometheus.Counter

	connectionAttempts *prometheus.CounterVec
	relayBytes         *prometheus.CounterVec
	signalingMessages  *prometheus.CounterVec

	natDetected       *prometheus.CounterVec
	holePunchAttempts *prometheus.CounterVec
	holePunchSuccess  *prometheus.CounterVec
	holePunchDuration prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_total",
			Help: "Total number of sessions created",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_closed_total",
			Help: "Total number of sessions closed",
		}, []string{"reason"}),
		sessionLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "session_lifetime_seconds",
			Help:    "Lifetime of closed sessions",
			Buckets: prometheus.ExponentialBuckets(60, 2, 10),
		}),
		participantsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_participants_removed_total",
			Help: "Participants dropped for missing heartbeats",
		}),
		connectionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Connection attempts by mode and outcome",
		}, []string{"mode", "result"}),
		relayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_bytes_total",
			Help: "Total bytes relayed",
		}, []string{"direction"}),
		signalingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signaling_messages_total",
			Help: "Signaling messages processed by the relay",
		}, []string{"type"}),
		natDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "nat_type_detected_total",
			Help: "NAT types detected",
		}, []string{"nat_type"}),
		holePunchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "hole_punch_attempts_total",
			Help: "Total number of hole punch attempts",
		}, []string{"nat_type"}),
		holePunchSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "hole_punch_success_total",
			Help: "Total number of successful hole punches",
		}, []string{"nat_type"}),
		holePunchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "hole_punch_duration_seconds",
			Help:    "Time spent punching",
			Buckets: prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsCreated,
		m.sessionsClosed,
		m.sessionLifetime,
		m.participantsRemoved,
		m.connectionAttempts,
		m.relayBytes,
		m.signalingMessages,
		m.natDetected,
		m.holePunchAttempts,
		m.holePunchSuccess,
		m.holePunchDuration,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// RegisterGauges exposes live counts read at scrape time.
func (m *Metrics) RegisterGauges(activeSessions, relayConnections func() float64) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Number of currently active sessions",
		}, activeSessions),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "relay_connections_active",
			Help: "Number of active relay connections",
		}, relayConnections),
	)
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionCreated() { m.sessionsCreated.Inc() }

func (m *Metrics) SessionClosed(reason session.CloseReason, lifetime time.Duration) {
	m.sessionsClosed.WithLabelValues(string(reason)).Inc()
	m.sessionLifetime.Observe(lifetime.Seconds())
}

func (m *Metrics) ParticipantsRemoved(n int) { m.participantsRemoved.Add(float64(n)) }

func (m *Metrics) ConnectionAttempt(mode negotiator.ConnectionMode, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.connectionAttempts.WithLabelValues(mode.String(), result).Inc()
}

func (m *Metrics) RelayBytes(direction string, n int) {
	m.relayBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) SignalingMessage(t protocol.MessageType) {
	m.signalingMessages.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) NATDetected(t nat.Type) {
	m.natDetected.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) HolePunch(t nat.Type, success bool, elapsed time.Duration) {
	m.holePunchAttempts.WithLabelValues(string(t)).Inc()
	if success {
		m.holePunchSuccess.WithLabelValues(string(t)).Inc()
	}
	m.holePunchDuration.Observe(elapsed.Seconds())
}

// Middleware records request counts and latency by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
