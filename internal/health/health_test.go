package health

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySessions(t *testing.T) {
	assert.Equal(t, Healthy, ClassifySessions(79, 100))
	assert.Equal(t, Degraded, ClassifySessions(80, 100))
	assert.Equal(t, Degraded, ClassifySessions(85, 100))
	assert.Equal(t, Unhealthy, ClassifySessions(95, 100))
	assert.Equal(t, Unhealthy, ClassifySessions(96, 100))
	assert.Equal(t, Unhealthy, ClassifySessions(0, 0))
}

func TestClassifyRelay(t *testing.T) {
	assert.Equal(t, Healthy, ClassifyRelay(999))
	assert.Equal(t, Degraded, ClassifyRelay(1000))
	assert.Equal(t, Degraded, ClassifyRelay(4999))
	assert.Equal(t, Unhealthy, ClassifyRelay(5000))
}

func TestOverall(t *testing.T) {
	assert.Equal(t, Healthy, Overall(nil))
	assert.Equal(t, Healthy, Overall([]Check{{Status: Healthy}, {Status: Healthy}}))
	assert.Equal(t, Degraded, Overall([]Check{{Status: Healthy}, {Status: Degraded}}))
	assert.Equal(t, Unhealthy, Overall([]Check{{Status: Degraded}, {Status: Unhealthy}, {Status: Healthy}}))
}

type fakeCounters struct {
	active int
	max    int
	relay  int
	err    error
}

func (f fakeCounters) ActiveSessions(context.Context) (int, error) { return f.active, f.err }
func (f fakeCounters) MaxSessions() int                            { return f.max }
func (f fakeCounters) RelayConnections() int                       { return f.relay }

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

func TestCheckerReport(t *testing.T) {
	c := NewChecker(fakeCounters{active: 85, max: 100, relay: 10}, nil)
	report := c.Check(context.Background())

	assert.Equal(t, Degraded, report.Status)
	require.Len(t, report.Checks, 2)
	assert.Equal(t, "sessions", report.Checks[0].Name)
	assert.Equal(t, "Active sessions: 85/100", *report.Checks[0].Message)
	assert.Equal(t, Healthy, report.Checks[1].Status)

	raw, err := json.Marshal(report)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "degraded", doc["status"])
	assert.Contains(t, doc, "timestamp")
	checks := doc["checks"].([]any)
	assert.Contains(t, checks[0], "duration_ms")
}

func TestCheckerDatabase(t *testing.T) {
	down := NewChecker(fakeCounters{max: 10}, pingFunc(func(context.Context) error { return errors.New("refused") }))
	report := down.Check(context.Background())
	assert.Equal(t, Unhealthy, report.Status)
	assert.Equal(t, "database", report.Checks[0].Name)
	assert.Contains(t, *report.Checks[0].Message, "refused")

	up := NewChecker(fakeCounters{max: 10}, pingFunc(func(context.Context) error { return nil }))
	assert.Equal(t, Healthy, up.Check(context.Background()).Status)
}

func TestCheckerCountFailure(t *testing.T) {
	c := NewChecker(fakeCounters{max: 10, err: errors.New("db down")}, nil)
	report := c.Check(context.Background())
	assert.Equal(t, Unhealthy, report.Status)
	assert.Equal(t, Healthy, c.Liveness().Status)
}
