// Package storage persists the protection engine's durable state in BoltDB:
// an append-only audit log of state transitions, and last-known position
// snapshots used for crash recovery.
//
// All operations are thread-safe; transitions are stored under
// positionID-prefixed keys for efficient per-position range reads.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"profitguard/internal/position"
)

const (
	transitionsBucket = "transitions" // append-only state transition audit log
	snapshotsBucket   = "snapshots"   // last-known position snapshots
)

// Store provides persistent storage on a BoltDB file.
type Store struct {
	db *bbolt.DB
}

// New opens (creating if needed) the database under dataPath and ensures
// both buckets exist.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "profitguard.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(transitionsBucket)); err != nil {
			return fmt.Errorf("create transitions bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(snapshotsBucket)); err != nil {
			return fmt.Errorf("create snapshots bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// AppendTransition appends one state transition to the audit log. Records
// are never mutated after the append.
func (s *Store) AppendTransition(ev position.TransitionEvent) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(transitionsBucket))

		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal transition: %w", err)
		}

		key := fmt.Sprintf("%s_%d", ev.PositionID, ev.Ts.UnixNano())
		return b.Put([]byte(key), data)
	})
}

// GetTransitions returns the audit trail for one position in append order.
func (s *Store) GetTransitions(positionID string) ([]position.TransitionEvent, error) {
	var events []position.TransitionEvent

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(transitionsBucket))
		c := b.Cursor()

		prefix := []byte(positionID + "_")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ev position.TransitionEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				continue // skip malformed records
			}
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}

// SaveSnapshot writes the last-known state of a position for crash
// recovery, keyed by position id.
func (s *Store) SaveSnapshot(snap position.Snapshot) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(snapshotsBucket))

		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		return b.Put([]byte(snap.ID), data)
	})
}

// LoadSnapshots returns every persisted position snapshot. Called on
// startup before the tracker accepts ticks.
func (s *Store) LoadSnapshots() ([]position.Snapshot, error) {
	var snaps []position.Snapshot

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(snapshotsBucket))
		return b.ForEach(func(_, v []byte) error {
			var snap position.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return nil // skip malformed records
			}
			snaps = append(snaps, snap)
			return nil
		})
	})
	return snaps, err
}

// DeleteSnapshot removes a closed position's snapshot.
func (s *Store) DeleteSnapshot(positionID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(snapshotsBucket)).Delete([]byte(positionID))
	})
}
