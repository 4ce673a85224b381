package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multiedit/multiedit/internal/domain/document"
)

// SnapshotRepository implements document.SnapshotStore.
type SnapshotRepository struct {
	pool *pgxpool.Pool
}

func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{pool: pool}
}

func (r *SnapshotRepository) Save(ctx context.Context, snap *document.Snapshot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO document_snapshots (session_id, participants, text_state, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (session_id) DO UPDATE
		SET participants=EXCLUDED.participants, text_state=EXCLUDED.text_state, updated_at=EXCLUDED.updated_at
	`, snap.SessionID, []byte(snap.Participants), []byte(snap.Text), snap.UpdatedAt)
	return err
}

func (r *SnapshotRepository) Load(ctx context.Context, sessionID uuid.UUID) (*document.Snapshot, error) {
	var snap document.Snapshot
	var participants, text []byte
	err := r.pool.QueryRow(ctx, `
		SELECT session_id, participants, text_state, updated_at
		FROM document_snapshots WHERE session_id=$1
	`, sessionID).Scan(&snap.SessionID, &participants, &text, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	snap.Participants = participants
	snap.Text = text
	return &snap, nil
}

func (r *SnapshotRepository) Delete(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM document_snapshots WHERE session_id=$1`, sessionID)
	return err
}
