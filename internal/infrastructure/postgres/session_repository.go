package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multiedit/multiedit/internal/domain/session"
)

// SessionRepository implements session.Repository.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `session_id, host_id, participants, metadata, created_at, last_activity_at, ttl_seconds, version`

func (r *SessionRepository) Create(ctx context.Context, s *session.Session) error {
	participants, err := json.Marshal(s.Participants)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO collab_sessions
		(`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, s.ID, s.HostID, participants, nullJSON(s.Metadata), s.CreatedAt, s.LastActivityAt, int64(s.TTL/time.Second), s.Version)
	return err
}

func (r *SessionRepository) Get(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM collab_sessions WHERE session_id=$1`, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *SessionRepository) Update(ctx context.Context, s *session.Session) error {
	participants, err := json.Marshal(s.Participants)
	if err != nil {
		return err
	}
	res, err := r.pool.Exec(ctx, `
		UPDATE collab_sessions
		SET host_id=$2, participants=$3, metadata=$4, last_activity_at=$5, ttl_seconds=$6, version=version+1
		WHERE session_id=$1 AND version=$7
	`, s.ID, s.HostID, participants, nullJSON(s.Metadata), s.LastActivityAt, int64(s.TTL/time.Second), s.Version)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM collab_sessions WHERE session_id=$1)`, s.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return session.ErrVersionConflict
		}
		return session.ErrNotFound
	}
	s.Version++
	return nil
}

func (r *SessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM collab_sessions WHERE session_id=$1`, id)
	return err
}

func (r *SessionRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM collab_sessions`).Scan(&n)
	return n, err
}

func (r *SessionRepository) List(ctx context.Context, limit, offset int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM collab_sessions
		ORDER BY created_at ASC, session_id ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (r *SessionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM collab_sessions
		WHERE last_activity_at + ttl_seconds * interval '1 second' <= $1
		ORDER BY last_activity_at + ttl_seconds * interval '1 second' ASC
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]*session.Session, error) {
	defer rows.Close()
	out := make([]*session.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*session.Session, error) {
	var s session.Session
	var participants []byte
	var metadata []byte
	var ttlSeconds int64
	if err := row.Scan(&s.ID, &s.HostID, &participants, &metadata, &s.CreatedAt, &s.LastActivityAt, &ttlSeconds, &s.Version); err != nil {
		return nil, err
	}
	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &s.Participants); err != nil {
			return nil, err
		}
	}
	if len(metadata) > 0 {
		s.Metadata = metadata
	}
	s.TTL = time.Duration(ttlSeconds) * time.Second
	return &s, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
