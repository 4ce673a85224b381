package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiedit/multiedit/internal/domain/session"
	"github.com/multiedit/multiedit/internal/p2p/nat"
	"github.com/multiedit/multiedit/internal/p2p/negotiator"
	"github.com/multiedit/multiedit/internal/p2p/protocol"
)

func TestObservers(t *testing.T) {
	m := New()

	m.SessionCreated()
	m.SessionCreated()
	m.SessionClosed(session.CloseExpired, time.Minute)
	m.ParticipantsRemoved(3)
	m.ConnectionAttempt(negotiator.DirectP2P, false)
	m.ConnectionAttempt(negotiator.BinaryProxy, true)
	m.RelayBytes("in", 100)
	m.RelayBytes("in", 28)
	m.SignalingMessage(protocol.TypeKeepalive)
	m.NATDetected(nat.TypeSymmetric)
	m.HolePunch(nat.TypeFullCone, true, 200*time.Millisecond)
	m.HolePunch(nat.TypeFullCone, false, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsClosed.WithLabelValues("expired")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.participantsRemoved))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionAttempts.WithLabelValues("direct_p2p", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionAttempts.WithLabelValues("binary_proxy", "success")))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.relayBytes.WithLabelValues("in")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signalingMessages.WithLabelValues("keepalive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.natDetected.WithLabelValues("symmetric")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.holePunchAttempts.WithLabelValues("full_cone")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.holePunchSuccess.WithLabelValues("full_cone")))
}

func TestGaugesReadAtScrape(t *testing.T) {
	m := New()
	active := 4.0
	m.RegisterGauges(func() float64 { return active }, func() float64 { return 2 })

	expected := `
# HELP multiedit_sessions_active Number of currently active sessions
# TYPE multiedit_sessions_active gauge
multiedit_sessions_active 4
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "multiedit_sessions_active"))

	active = 5
	expected = strings.Replace(expected, "active 4", "active 5", 1)
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "multiedit_sessions_active"))
}

func TestMiddlewareLabelsRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/v1/sessions/{sessionId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/v1/sessions/{sessionId}", "404")))
}
