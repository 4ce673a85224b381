package session

import (
	"context"

	"github.com/google/uuid"

	domainSession "github.com/multiedit/multiedit/internal/domain/session"
)

// PeerAuthority exposes the service to the relay, keyed by wire ids.
type PeerAuthority struct {
	svc *Service
}

func (s *Service) PeerAuthority() PeerAuthority {
	return PeerAuthority{svc: s}
}

// Authorize admits peerID when it participates in a live session.
func (a PeerAuthority) Authorize(ctx context.Context, sessionID, peerID string) error {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return domainSession.ErrNotFound
	}
	sess, err := a.svc.live(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := sess.Participant(peerID); !ok {
		return domainSession.ErrNotParticipant
	}
	return nil
}

func (a PeerAuthority) Touch(ctx context.Context, sessionID, peerID string) error {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return domainSession.ErrNotFound
	}
	return a.svc.Touch(ctx, id, peerID)
}
