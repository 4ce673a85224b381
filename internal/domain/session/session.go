package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is a participant's permission level inside a session.
type Role string

const (
	RoleHost   Role = "host"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleHost, RoleEditor, RoleViewer:
		return true
	default:
		return false
	}
}

// CanEdit reports whether the role may submit document operations.
func (r Role) CanEdit() bool {
	return r == RoleHost || r == RoleEditor
}

// CloseReason records why a session ended.
type CloseReason string

const (
	CloseExpired  CloseReason = "expired"
	CloseHostLeft CloseReason = "host_left"
	CloseClosed   CloseReason = "closed"
)

type Participant struct {
	PeerID     string    `json:"peerId"`
	Role       Role      `json:"role"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Session is one collaborative editing session. It is alive while
// now - LastActivityAt < TTL.
type Session struct {
	ID             uuid.UUID       `json:"id"`
	HostID         string          `json:"hostId"`
	Participants   []Participant   `json:"participants"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastActivityAt time.Time       `json:"lastActivityAt"`
	TTL            time.Duration   `json:"-"`

	// Version increments on every repository Update.
	Version int64 `json:"-"`
}

// New creates a session with the host as its first participant.
func New(hostID string, ttl time.Duration, metadata json.RawMessage, now time.Time) *Session {
	now = now.UTC()
	return &Session{
		ID:     uuid.New(),
		HostID: strings.TrimSpace(hostID),
		Participants: []Participant{{
			PeerID:     strings.TrimSpace(hostID),
			Role:       RoleHost,
			JoinedAt:   now,
			LastSeenAt: now,
		}},
		Metadata:       metadata,
		CreatedAt:      now,
		LastActivityAt: now,
		TTL:            ttl,
	}
}

func (s *Session) IsAlive(now time.Time) bool {
	return now.Sub(s.LastActivityAt) < s.TTL
}

func (s *Session) IsExpired(now time.Time) bool {
	return !s.IsAlive(now)
}

func (s *Session) ExpiresAt() time.Time {
	return s.LastActivityAt.Add(s.TTL)
}

// Participant looks up peerID.
func (s *Session) Participant(peerID string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.PeerID == peerID {
			return p, true
		}
	}
	return Participant{}, false
}

// AddParticipant joins peerID with role.
func (s *Session) AddParticipant(peerID string, role Role, now time.Time) error {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return ErrInvalidPeer
	}
	if !role.Valid() || role == RoleHost {
		return ErrInvalidRole
	}
	if _, ok := s.Participant(peerID); ok {
		return ErrAlreadyJoined
	}
	now = now.UTC()
	s.Participants = append(s.Participants, Participant{
		PeerID:     peerID,
		Role:       role,
		JoinedAt:   now,
		LastSeenAt: now,
	})
	s.LastActivityAt = now
	return nil
}

// RemoveParticipant drops peerID and reports whether it was present.
func (s *Session) RemoveParticipant(peerID string) bool {
	for i, p := range s.Participants {
		if p.PeerID == peerID {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// HostPresent reports whether the host is still a participant.
func (s *Session) HostPresent() bool {
	_, ok := s.Participant(s.HostID)
	return ok
}

// Touch records activity, refreshing peerID's heartbeat when it participates.
func (s *Session) Touch(peerID string, now time.Time) {
	now = now.UTC()
	s.LastActivityAt = now
	for i := range s.Participants {
		if s.Participants[i].PeerID == peerID {
			s.Participants[i].LastSeenAt = now
			return
		}
	}
}

// StaleParticipants lists peers whose heartbeat is older than timeout.
func (s *Session) StaleParticipants(now time.Time, timeout time.Duration) []string {
	var out []string
	for _, p := range s.Participants {
		if now.Sub(p.LastSeenAt) > timeout {
			out = append(out, p.PeerID)
		}
	}
	return out
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	out := *s
	out.Participants = append([]Participant(nil), s.Participants...)
	if s.Metadata != nil {
		out.Metadata = append(json.RawMessage(nil), s.Metadata...)
	}
	return &out
}
