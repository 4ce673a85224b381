package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/multiedit/multiedit/internal/api/http"
	appCollab "github.com/multiedit/multiedit/internal/application/collab"
	appSession "github.com/multiedit/multiedit/internal/application/session"
	"github.com/multiedit/multiedit/internal/config"
	"github.com/multiedit/multiedit/internal/domain/document"
	domainSession "github.com/multiedit/multiedit/internal/domain/session"
	"github.com/multiedit/multiedit/internal/health"
	"github.com/multiedit/multiedit/internal/infrastructure/boltstore"
	"github.com/multiedit/multiedit/internal/infrastructure/memory"
	"github.com/multiedit/multiedit/internal/infrastructure/postgres"
	"github.com/multiedit/multiedit/internal/infrastructure/redisbus"
	"github.com/multiedit/multiedit/internal/metrics"
	"github.com/multiedit/multiedit/internal/p2p/nat"
	"github.com/multiedit/multiedit/internal/p2p/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// storage
	var (
		sessionRepo domainSession.Repository
		snapshots   document.SnapshotStore
		dbPinger    health.Pinger
	)
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, 20)
		if err != nil {
			log.Fatalf("db error: %v", err)
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool, "internal/migrations"); err != nil {
			log.Fatalf("migration error: %v", err)
		}
		sessionRepo = postgres.NewSessionRepository(pool)
		snapshots = postgres.NewSnapshotRepository(pool)
		dbPinger = postgres.NewPinger(pool)
	} else {
		sessionRepo = memory.NewSessionRepository()
		logger.Warn().Msg("no database configured, sessions are kept in memory")
	}
	if snapshots == nil && cfg.BoltPath != "" {
		store, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			log.Fatalf("snapshot store error: %v", err)
		}
		defer store.Close()
		snapshots = store
	}

	var bus appCollab.Broadcaster
	if cfg.RedisAddr != "" {
		client, err := redisbus.NewClient(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatalf("redis error: %v", err)
		}
		b := redisbus.New(client, logger)
		defer b.Close()
		bus = b
	}

	// services
	traversal := nat.New(nat.Config{
		STUNServers:      cfg.STUNServers,
		ProbeTimeout:     cfg.NATProbeTimeout,
		HolePunchTimeout: cfg.HolePunchTimeout,
	}, logger, m)

	sessionSvc := appSession.NewService(sessionRepo, appSession.Config{
		MaxSessions:        cfg.MaxSessions,
		TTL:                cfg.SessionTTL,
		ParticipantTimeout: cfg.ParticipantTimeout,
	}, logger, m)

	collabSvc := appCollab.NewService(appCollab.Config{
		DialTimeout:    cfg.DialTimeout,
		BandwidthLimit: cfg.RelayBandwidthLimit,
	}, snapshots, bus, traversal, m, logger)

	relaySrv := relay.NewServer(relay.Config{
		BandwidthLimit: cfg.RelayBandwidthLimit,
		AllowedOrigins: cfg.RelayAllowedOrigins,
	}, sessionSvc.PeerAuthority(), m, logger)

	sessionSvc.RegisterReleaser(collabSvc)
	sessionSvc.RegisterReleaser(relaySrv)

	counters := &loadCounters{sessions: sessionSvc, relay: relaySrv}
	m.RegisterGauges(counters.activeSessionsGauge, func() float64 {
		return float64(relaySrv.ActiveConnections())
	})
	checker := health.NewChecker(counters, dbPinger)

	// background loops
	collector := appSession.NewCollector(sessionSvc, cfg.GCInterval, cfg.GCBatchSize, logger)
	go collector.Run(ctx)

	// API server
	apiServer := httpapi.NewServer(sessionSvc, collabSvc, checker, httpapi.Options{
		Metrics:   m,
		Relay:     relaySrv,
		RelayPath: cfg.RelayPath,
	}, logger)

	httpServer := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Int("max_sessions", cfg.MaxSessions).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	relaySrv.Stop()
	if err := collabSvc.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("persist documents on shutdown")
	}
}

// loadCounters feeds health checks and gauges.
type loadCounters struct {
	sessions *appSession.Service
	relay    *relay.Server
}

func (c *loadCounters) ActiveSessions(ctx context.Context) (int, error) { return c.sessions.Count(ctx) }
func (c *loadCounters) MaxSessions() int                                { return c.sessions.MaxSessions() }
func (c *loadCounters) RelayConnections() int                           { return c.relay.ActiveConnections() }

func (c *loadCounters) activeSessionsGauge() float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := c.sessions.Count(ctx)
	if err != nil {
		return 0
	}
	return float64(n)
}
