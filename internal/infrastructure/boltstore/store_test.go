package boltstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiedit/multiedit/internal/domain/document"
)

func openTestStore(t *testing.T) *SnapshotStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSnapshotStoreSaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	id := uuid.New()

	missing, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, missing)

	snap := &document.Snapshot{
		SessionID:    id,
		Participants: json.RawMessage(`{"actor_id":"a","counter":1,"elements":[]}`),
		Text:         json.RawMessage(`{"actor_id":"a","counter":2,"nodes":[]}`),
		UpdatedAt:    time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, snap))

	got, err := store.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.SessionID)
	assert.JSONEq(t, string(snap.Text), string(got.Text))
	assert.True(t, snap.UpdatedAt.Equal(got.UpdatedAt))

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.Delete(ctx, id))
	got, err = store.Load(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting an absent key is not an error.
	require.NoError(t, store.Delete(ctx, uuid.New()))
}

func TestSnapshotStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	id := uuid.New()

	require.NoError(t, store.Save(ctx, &document.Snapshot{SessionID: id, Text: json.RawMessage(`1`)}))
	require.NoError(t, store.Save(ctx, &document.Snapshot{SessionID: id, Text: json.RawMessage(`2`)}))

	got, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "2", string(got.Text))
}
