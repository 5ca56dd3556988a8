// Package holds persists intents that must not be confirmed again after
// their settlement outcome could not be journaled in the ledger.
package holds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bbolt "go.etcd.io/bbolt"

	"prxswap/native/settlement"
)

var bucketHolds = []byte("intent_holds")

var _ settlement.HoldStore = (*Store)(nil)

// Store keeps holds in a local bbolt file, independent of the ledger
// database whose failure produced them.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

type record struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Open opens or creates the hold database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("holds: path required")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("holds: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketHolds)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("holds: init bucket: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Hold records intentID. The first reason recorded is kept.
func (s *Store) Hold(_ context.Context, intentID, reason string) error {
	key := []byte(strings.TrimSpace(intentID))
	if len(key) == 0 {
		return errors.New("holds: intent id required")
	}
	raw, err := json.Marshal(record{Reason: reason, At: s.now().UTC()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketHolds)
		if bucket.Get(key) != nil {
			return nil
		}
		return bucket.Put(key, raw)
	})
}

// Held reports whether intentID is held.
func (s *Store) Held(_ context.Context, intentID string) (bool, error) {
	key := []byte(strings.TrimSpace(intentID))
	var held bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		held = tx.Bucket(bucketHolds).Get(key) != nil
		return nil
	})
	return held, err
}

// Hold is one persisted intent hold.
type Hold struct {
	IntentID string
	Reason   string
	At       time.Time
}

// List returns every hold ordered by intent id.
func (s *Store) List() ([]Hold, error) {
	var out []Hold
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHolds).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("holds: decode %s: %w", k, err)
			}
			out = append(out, Hold{IntentID: string(k), Reason: rec.Reason, At: rec.At})
			return nil
		})
	})
	return out, err
}
