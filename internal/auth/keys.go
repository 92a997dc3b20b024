package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Key is an issued API key. The plaintext is only available at creation.
type Key struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// KeyStore manages API keys. Only bcrypt hashes are persisted.
type KeyStore struct {
	db *sql.DB
}

func NewKeyStore(db *sql.DB) *KeyStore {
	return &KeyStore{db: db}
}

// Create issues a new key and returns its plaintext exactly once.
func (s *KeyStore) Create(ctx context.Context, name string) (*Key, string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("failed to generate key: %w", err)
	}
	plaintext := "beam_" + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash key: %w", err)
	}

	k := &Key{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, key_hash, created_at) VALUES (?, ?, ?, ?)`,
		k.ID, k.Name, string(hash), k.CreatedAt,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to store key: %w", err)
	}
	return k, plaintext, nil
}

// Verify reports whether the plaintext matches any issued key.
func (s *KeyStore) Verify(ctx context.Context, plaintext string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_hash FROM api_keys`)
	if err != nil {
		return false, fmt.Errorf("failed to load keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return false, err
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Count returns the number of issued keys. Zero keys means auth is open,
// matching a fresh install before any key has been created.
func (s *KeyStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&n)
	return n, err
}

// Delete revokes a key by id.
func (s *KeyStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("key %s not found", id)
	}
	return nil
}

// List returns issued keys, newest first.
func (s *KeyStore) List(ctx context.Context) ([]*Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var out []*Key
	for rows.Next() {
		k := &Key{}
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
