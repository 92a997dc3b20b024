package attempt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/omnipost/beam/internal/channel"
)

var bucketAttempts = []byte("attempts")

// Outcome is the terminal (or in-flight) state of one delivery attempt.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
)

// Terminal reports whether the outcome is final.
func (o Outcome) Terminal() bool {
	return o == OutcomeSent || o == OutcomeFailed
}

// Attempt is the durable record of sends to one contact for one broadcast.
// Exactly one record exists per (broadcast, contact); retries update it in
// place. It is both the idempotency key and the reporting unit.
type Attempt struct {
	BroadcastID   string          `json:"broadcast_id"`
	ContactID     string          `json:"contact_id"`
	Channel       channel.Channel `json:"channel"`
	PayloadHash   string          `json:"payload_hash"`
	Outcome       Outcome         `json:"outcome"`
	FailureReason string          `json:"failure_reason,omitempty"`
	AttemptCount  int             `json:"attempt_count"`
	LastAttemptAt time.Time       `json:"last_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Totals aggregates terminal outcomes for one broadcast.
type Totals struct {
	Sent    int
	Failed  int
	Pending int
}

// Store persists attempts in BoltDB, keyed broadcastID/contactID so one
// broadcast's attempts are a contiguous key range.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the attempt database.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open attempt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAttempts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create attempts bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func attemptKey(broadcastID, contactID string) []byte {
	return []byte(broadcastID + "/" + contactID)
}

// CreateIfAbsent inserts a pending attempt unless one already exists. The
// returned attempt is the stored record either way; created reports whether
// this call inserted it. The single write transaction is the uniqueness
// guarantee that makes executor re-runs idempotent.
func (s *Store) CreateIfAbsent(a *Attempt) (*Attempt, bool, error) {
	var stored Attempt
	created := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		key := attemptKey(a.BroadcastID, a.ContactID)

		if data := b.Get(key); data != nil {
			return json.Unmarshal(data, &stored)
		}

		a.Outcome = OutcomePending
		a.CreatedAt = time.Now().UTC()
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal attempt: %w", err)
		}
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("failed to store attempt: %w", err)
		}
		stored = *a
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

// Get returns the attempt for (broadcast, contact), or nil if none exists.
func (s *Store) Get(broadcastID, contactID string) (*Attempt, error) {
	var a *Attempt
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAttempts).Get(attemptKey(broadcastID, contactID))
		if data == nil {
			return nil
		}
		a = &Attempt{}
		return json.Unmarshal(data, a)
	})
	return a, err
}

// Update overwrites an existing attempt record.
func (s *Store) Update(a *Attempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal attempt: %w", err)
		}
		return tx.Bucket(bucketAttempts).Put(attemptKey(a.BroadcastID, a.ContactID), data)
	})
}

// ListByBroadcast returns all attempts for one broadcast.
func (s *Store) ListByBroadcast(broadcastID string) ([]*Attempt, error) {
	var out []*Attempt
	prefix := []byte(broadcastID + "/")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAttempts).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			a := &Attempt{}
			if err := json.Unmarshal(v, a); err != nil {
				continue
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// TotalsByBroadcast aggregates outcomes for one broadcast. Computed from
// storage rather than in-memory counters so a resumed run never
// double-counts.
func (s *Store) TotalsByBroadcast(broadcastID string) (Totals, error) {
	var t Totals
	prefix := []byte(broadcastID + "/")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAttempts).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var a Attempt
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}
			switch a.Outcome {
			case OutcomeSent:
				t.Sent++
			case OutcomeFailed:
				t.Failed++
			default:
				t.Pending++
			}
		}
		return nil
	})
	return t, err
}

// CleanupTerminal removes terminal attempts older than maxAge and returns
// how many were deleted.
func (s *Store) CleanupTerminal(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		c := b.Cursor()

		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var a Attempt
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}
			if a.Outcome.Terminal() && a.LastAttemptAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
