package session

import "errors"

var (
	ErrNotFound         = errors.New("session not found")
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	ErrAlreadyJoined    = errors.New("peer already in session")
	ErrNotParticipant   = errors.New("peer is not a participant")
	ErrInvalidPeer      = errors.New("peer id is required")
	ErrInvalidRole      = errors.New("invalid participant role")
	ErrExpired          = errors.New("session expired")
	ErrVersionConflict  = errors.New("session modified concurrently")
)
