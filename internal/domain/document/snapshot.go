package document

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the persisted full state of a session's shared document.
// Participants holds an OR-Set snapshot and Text an RGA snapshot.
type Snapshot struct {
	SessionID    uuid.UUID       `json:"sessionId"`
	Participants json.RawMessage `json:"participants"`
	Text         json.RawMessage `json:"text"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// SnapshotStore persists snapshots. Load returns nil, nil when none exists.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, sessionID uuid.UUID) (*Snapshot, error)
	Delete(ctx context.Context, sessionID uuid.UUID) error
}
