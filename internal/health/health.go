package health

import (
	"context"
	"fmt"
	"time"
)

type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

const (
	sessionDegradedRatio  = 0.80
	sessionUnhealthyRatio = 0.95

	relayDegradedConnections  = 1000
	relayUnhealthyConnections = 5000
)

// ClassifySessions grades session load against the admission limit:
// below 80% is healthy, below 95% degraded, otherwise unhealthy.
func ClassifySessions(active, maxSessions int) Status {
	if maxSessions <= 0 {
		return Unhealthy
	}
	ratio := float64(active) / float64(maxSessions)
	switch {
	case ratio < sessionDegradedRatio:
		return Healthy
	case ratio < sessionUnhealthyRatio:
		return Degraded
	default:
		return Unhealthy
	}
}

// ClassifyRelay grades the number of open relay connections.
func ClassifyRelay(active int) Status {
	switch {
	case active < relayDegradedConnections:
		return Healthy
	case active < relayUnhealthyConnections:
		return Degraded
	default:
		return Unhealthy
	}
}

// Overall is healthy when every check is, unhealthy when any check is, and
// degraded otherwise.
func Overall(checks []Check) Status {
	out := Healthy
	for _, c := range checks {
		switch c.Status {
		case Unhealthy:
			return Unhealthy
		case Degraded:
			out = Degraded
		}
	}
	return out
}

type Check struct {
	Name       string  `json:"name"`
	Status     Status  `json:"status"`
	Message    *string `json:"message"`
	DurationMS uint64  `json:"duration_ms"`
}

// Report is the health document served to operators and load balancers.
type Report struct {
	Status    Status  `json:"status"`
	Timestamp int64   `json:"timestamp"`
	Checks    []Check `json:"checks"`
}

// Counters supplies the live load figures.
type Counters interface {
	ActiveSessions(ctx context.Context) (int, error)
	MaxSessions() int
	RelayConnections() int
}

// Pinger verifies a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker assembles health reports.
type Checker struct {
	counters Counters
	database Pinger
	now      func() time.Time
}

// NewChecker builds a checker. database may be nil when no database is
// configured.
func NewChecker(counters Counters, database Pinger) *Checker {
	return &Checker{counters: counters, database: database, now: time.Now}
}

func (c *Checker) Check(ctx context.Context) Report {
	checks := make([]Check, 0, 3)
	if c.database != nil {
		checks = append(checks, c.checkDatabase(ctx))
	}
	checks = append(checks, c.checkSessions(ctx), c.checkRelay())
	return Report{
		Status:    Overall(checks),
		Timestamp: c.now().Unix(),
		Checks:    checks,
	}
}

// Liveness reports only that the process is serving.
func (c *Checker) Liveness() Report {
	return Report{Status: Healthy, Timestamp: c.now().Unix(), Checks: []Check{}}
}

func (c *Checker) checkDatabase(ctx context.Context) Check {
	start := c.now()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	check := Check{Name: "database", Status: Healthy, Message: message("Database connection healthy")}
	if err := c.database.Ping(ctx); err != nil {
		check.Status = Unhealthy
		check.Message = message(fmt.Sprintf("Database connection failed: %v", err))
	}
	check.DurationMS = since(start, c.now())
	return check
}

func (c *Checker) checkSessions(ctx context.Context) Check {
	start := c.now()
	limit := c.counters.MaxSessions()
	active, err := c.counters.ActiveSessions(ctx)
	if err != nil {
		return Check{
			Name:       "sessions",
			Status:     Unhealthy,
			Message:    message(fmt.Sprintf("count sessions: %v", err)),
			DurationMS: since(start, c.now()),
		}
	}
	return Check{
		Name:       "sessions",
		Status:     ClassifySessions(active, limit),
		Message:    message(fmt.Sprintf("Active sessions: %d/%d", active, limit)),
		DurationMS: since(start, c.now()),
	}
}

func (c *Checker) checkRelay() Check {
	start := c.now()
	active := c.counters.RelayConnections()
	return Check{
		Name:       "relay",
		Status:     ClassifyRelay(active),
		Message:    message(fmt.Sprintf("Active relay connections: %d", active)),
		DurationMS: since(start, c.now()),
	}
}

func message(s string) *string { return &s }

func since(start, end time.Time) uint64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return uint64(d.Milliseconds())
}
