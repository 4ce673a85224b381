package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultGCInterval  = 60 * time.Second
	DefaultGCBatchSize = 1000
)

// SweepResult summarises one collector pass.
type SweepResult struct {
	Evicted             int
	ParticipantsRemoved int
}

// Collector evicts expired sessions and stale participants.
type Collector struct {
	svc       *Service
	interval  time.Duration
	batchSize int
	logger    zerolog.Logger
}

func NewCollector(svc *Service, interval time.Duration, batchSize int, logger zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultGCBatchSize
	}
	return &Collector{
		svc:       svc,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With().Str("service", "session_gc").Logger(),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx, c.svc.now()); err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("session sweep failed")
			}
		}
	}
}

// Sweep evicts at most batchSize sessions with now - LastActivityAt >= TTL,
// then drops participants whose heartbeat is older than the participant
// timeout.
func (c *Collector) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	expired, err := c.svc.repo.ListExpired(ctx, now, c.batchSize)
	if err != nil {
		return res, err
	}
	for _, sess := range expired {
		evicted, err := c.svc.evict(ctx, sess.ID, now)
		if err != nil {
			c.logger.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("evict failed")
			continue
		}
		if evicted {
			res.Evicted++
		}
	}

	removed, err := c.sweepParticipants(ctx, now)
	res.ParticipantsRemoved = removed
	if res.Evicted > 0 || removed > 0 {
		c.logger.Info().
			Int("evicted", res.Evicted).
			Int("participants_removed", removed).
			Msg("session sweep")
	}
	return res, err
}

func (c *Collector) sweepParticipants(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	for offset := 0; ; offset += c.batchSize {
		page, err := c.svc.repo.List(ctx, c.batchSize, offset)
		if err != nil {
			return removed, err
		}
		for _, sess := range page {
			if len(sess.StaleParticipants(now, c.svc.cfg.ParticipantTimeout)) == 0 {
				continue
			}
			stale, err := c.svc.dropStale(ctx, sess.ID, now)
			if err != nil {
				return removed, err
			}
			for _, peerID := range stale {
				c.logger.Warn().
					Str("session_id", sess.ID.String()).
					Str("peer_id", peerID).
					Msg("removed stale participant")
			}
			removed += len(stale)
		}
		if len(page) < c.batchSize {
			break
		}
	}
	if removed > 0 {
		c.svc.observer.ParticipantsRemoved(removed)
	}
	return removed, nil
}
