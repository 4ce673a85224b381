package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	domainSession "github.com/multiedit/multiedit/internal/domain/session"
)

const (
	DefaultMaxSessions        = 10000
	DefaultTTL                = time.Hour
	DefaultParticipantTimeout = 5 * time.Minute

	sessionLockStripes = 64
	maxUpdateAttempts  = 5
)

type Config struct {
	MaxSessions        int
	TTL                time.Duration
	ParticipantTimeout time.Duration
}

// Releaser frees per-session state held outside the repository.
type Releaser interface {
	Release(ctx context.Context, sessionID string) error
}

// Observer receives session lifecycle events.
type Observer interface {
	SessionCreated()
	SessionClosed(reason domainSession.CloseReason, lifetime time.Duration)
	ParticipantsRemoved(n int)
}

type nopObserver struct{}

func (nopObserver) SessionCreated()                                        {}
func (nopObserver) SessionClosed(domainSession.CloseReason, time.Duration) {}
func (nopObserver) ParticipantsRemoved(int)                                {}

// Service owns session admission and lifecycle.
type Service struct {
	repo     domainSession.Repository
	cfg      Config
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time

	admitMu sync.Mutex
	// Membership changes and closes of one session run under its stripe.
	locks [sessionLockStripes]sync.Mutex

	releaseMu sync.RWMutex
	releasers []Releaser
}

// NewService creates a session service.
func NewService(repo domainSession.Repository, cfg Config, logger zerolog.Logger, observer Observer) *Service {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.ParticipantTimeout <= 0 {
		cfg.ParticipantTimeout = DefaultParticipantTimeout
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Service{
		repo:     repo,
		cfg:      cfg,
		observer: observer,
		logger:   logger.With().Str("service", "session").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterReleaser adds r to the set called whenever a session closes.
func (s *Service) RegisterReleaser(r Releaser) {
	s.releaseMu.Lock()
	defer s.releaseMu.Unlock()
	s.releasers = append(s.releasers, r)
}

// MaxSessions is the admission limit.
func (s *Service) MaxSessions() int { return s.cfg.MaxSessions }

// CreateInput creates a session hosted by HostID.
type CreateInput struct {
	HostID   string
	Metadata json.RawMessage
	TTL      time.Duration
}

// Create admits a new session, or returns ErrCapacityExceeded when the live
// count has reached MaxSessions.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domainSession.Session, error) {
	if strings.TrimSpace(in.HostID) == "" {
		return nil, domainSession.ErrInvalidPeer
	}
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		return nil, fmt.Errorf("metadata must be valid JSON")
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}

	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	count, err := s.repo.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	if count >= s.cfg.MaxSessions {
		s.logger.Warn().Int("active", count).Int("max", s.cfg.MaxSessions).Msg("session rejected at capacity")
		return nil, domainSession.ErrCapacityExceeded
	}

	sess := domainSession.New(in.HostID, ttl, in.Metadata, s.now())
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.observer.SessionCreated()
	s.logger.Info().
		Str("session_id", sess.ID.String()).
		Str("host_id", sess.HostID).
		Msg("session created")
	return sess, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domainSession.Session, error) {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domainSession.ErrNotFound
	}
	return sess, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*domainSession.Session, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// Join adds peerID to a live session.
func (s *Service) Join(ctx context.Context, id uuid.UUID, peerID string, role domainSession.Role) (*domainSession.Session, error) {
	unlock := s.lockSession(id)
	defer unlock()

	sess, err := s.update(ctx, id, func(sess *domainSession.Session) error {
		return sess.AddParticipant(peerID, role, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("session_id", id.String()).
		Str("peer_id", peerID).
		Str("role", string(role)).
		Int("participants", len(sess.Participants)).
		Msg("peer joined session")
	return sess, nil
}

// Leave removes peerID. The session closes when its host is gone or nobody
// remains; closed reports whether that happened.
func (s *Service) Leave(ctx context.Context, id uuid.UUID, peerID string) (closed bool, err error) {
	unlock := s.lockSession(id)
	defer unlock()

	for attempt := 1; ; attempt++ {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if !sess.RemoveParticipant(peerID) {
			return false, domainSession.ErrNotParticipant
		}
		if len(sess.Participants) == 0 || !sess.HostPresent() {
			s.logLeave(id, peerID, len(sess.Participants))
			return true, s.close(ctx, sess, domainSession.CloseHostLeft)
		}
		err = s.repo.Update(ctx, sess)
		if err == nil {
			s.logLeave(id, peerID, len(sess.Participants))
			return false, nil
		}
		if !errors.Is(err, domainSession.ErrVersionConflict) || attempt == maxUpdateAttempts {
			return false, err
		}
	}
}

func (s *Service) logLeave(id uuid.UUID, peerID string, remaining int) {
	s.logger.Info().
		Str("session_id", id.String()).
		Str("peer_id", peerID).
		Int("remaining", remaining).
		Msg("peer left session")
}

// Touch records activity for peerID, keeping the session alive.
func (s *Service) Touch(ctx context.Context, id uuid.UUID, peerID string) error {
	unlock := s.lockSession(id)
	defer unlock()

	_, err := s.update(ctx, id, func(sess *domainSession.Session) error {
		sess.Touch(peerID, s.now())
		return nil
	})
	return err
}

// WithLive runs fn against the live session id. The session cannot be closed
// by this service until fn returns.
func (s *Service) WithLive(ctx context.Context, id uuid.UUID, fn func(*domainSession.Session) error) error {
	unlock := s.lockSession(id)
	defer unlock()

	sess, err := s.live(ctx, id)
	if err != nil {
		return err
	}
	return fn(sess)
}

// Close ends a session for reason and releases its state.
func (s *Service) Close(ctx context.Context, id uuid.UUID, reason domainSession.CloseReason) error {
	unlock := s.lockSession(id)
	defer unlock()

	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.close(ctx, sess, reason)
}

// evict closes id when it is still expired at now.
func (s *Service) evict(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	unlock := s.lockSession(id)
	defer unlock()

	sess, err := s.repo.Get(ctx, id)
	if err != nil || sess == nil || !sess.IsExpired(now) {
		return false, err
	}
	return true, s.close(ctx, sess, domainSession.CloseExpired)
}

// dropStale removes participants of id whose heartbeat is older than the
// participant timeout at now and returns them.
func (s *Service) dropStale(ctx context.Context, id uuid.UUID, now time.Time) ([]string, error) {
	unlock := s.lockSession(id)
	defer unlock()

	for attempt := 1; ; attempt++ {
		sess, err := s.repo.Get(ctx, id)
		if err != nil || sess == nil {
			return nil, err
		}
		stale := sess.StaleParticipants(now, s.cfg.ParticipantTimeout)
		if len(stale) == 0 {
			return nil, nil
		}
		for _, peerID := range stale {
			sess.RemoveParticipant(peerID)
		}
		err = s.repo.Update(ctx, sess)
		if err == nil {
			return stale, nil
		}
		if !errors.Is(err, domainSession.ErrVersionConflict) || attempt == maxUpdateAttempts {
			return nil, err
		}
	}
}

// update applies fn to the live session and stores it, reloading when another
// writer got there first. Callers hold the session lock.
func (s *Service) update(ctx context.Context, id uuid.UUID, fn func(*domainSession.Session) error) (*domainSession.Session, error) {
	for attempt := 1; ; attempt++ {
		sess, err := s.live(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(sess); err != nil {
			return nil, err
		}
		err = s.repo.Update(ctx, sess)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, domainSession.ErrVersionConflict) || attempt == maxUpdateAttempts {
			return nil, err
		}
	}
}

func (s *Service) lockSession(id uuid.UUID) func() {
	mu := &s.locks[binary.BigEndian.Uint64(id[8:])%sessionLockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *Service) live(ctx context.Context, id uuid.UUID) (*domainSession.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.IsExpired(s.now()) {
		return nil, domainSession.ErrExpired
	}
	return sess, nil
}

func (s *Service) close(ctx context.Context, sess *domainSession.Session, reason domainSession.CloseReason) error {
	if err := s.repo.Delete(ctx, sess.ID); err != nil {
		return fmt.Errorf("delete session %s: %w", sess.ID, err)
	}
	s.release(ctx, sess.ID.String())

	lifetime := s.now().Sub(sess.CreatedAt)
	s.observer.SessionClosed(reason, lifetime)
	s.logger.Info().
		Str("session_id", sess.ID.String()).
		Str("reason", string(reason)).
		Dur("lifetime", lifetime).
		Int("participants", len(sess.Participants)).
		Msg("session closed")
	return nil
}

func (s *Service) release(ctx context.Context, sessionID string) {
	s.releaseMu.RLock()
	releasers := append([]Releaser(nil), s.releasers...)
	s.releaseMu.RUnlock()
	for _, r := range releasers {
		if err := r.Release(ctx, sessionID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("release failed")
		}
	}
}
