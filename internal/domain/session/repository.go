package session

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines persistence for sessions. Get returns nil, nil when the
// session does not exist. Update succeeds only when the stored Version equals
// session.Version, bumping both; otherwise it returns ErrVersionConflict.
type Repository interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	Update(ctx context.Context, session *Session) error
	Delete(ctx context.Context, id uuid.UUID) error
	Count(ctx context.Context) (int, error)
	List(ctx context.Context, limit, offset int) ([]*Session, error)
	// ListExpired returns up to limit sessions with now - LastActivityAt >= TTL,
	// longest expired first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Session, error)
}
