package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/multiedit/multiedit/internal/domain/document"
)

var snapshotsBucket = []byte("snapshots")

// SnapshotStore implements document.SnapshotStore on a local bbolt file.
type SnapshotStore struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*SnapshotStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshots bucket: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

func (s *SnapshotStore) Save(_ context.Context, snap *document.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put(snap.SessionID[:], data)
	})
}

func (s *SnapshotStore) Load(_ context.Context, sessionID uuid.UUID) (*document.Snapshot, error) {
	var snap *document.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(snapshotsBucket).Get(sessionID[:])
		if data == nil {
			return nil
		}
		snap = &document.Snapshot{}
		return json.Unmarshal(data, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *SnapshotStore) Delete(_ context.Context, sessionID uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Delete(sessionID[:])
	})
}

// Count returns the number of stored snapshots.
func (s *SnapshotStore) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(snapshotsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
