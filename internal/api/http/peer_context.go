package httpapi

import (
	"context"

	domainSession "github.com/multiedit/multiedit/internal/domain/session"
)

type peerContextKey string

const peerKey peerContextKey = "peer"

// Peer is the session participant making the request.
type Peer struct {
	SessionID   string
	Participant domainSession.Participant
}

func withPeer(ctx context.Context, p *Peer) context.Context {
	return context.WithValue(ctx, peerKey, p)
}

func peerFromContext(ctx context.Context) *Peer {
	p, _ := ctx.Value(peerKey).(*Peer)
	return p
}
