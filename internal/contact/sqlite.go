package contact

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/omnipost/beam/internal/channel"
)

// SQLiteStore is the reference Store implementation backed by the engine's
// SQLite database. Tag sets, identities, opt-outs and window timestamps are
// stored as JSON columns.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an already-migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const contactColumns = `id, workspace_id, first_name, last_name, email, phone, language, tags, identities, opt_outs, last_inbound, created_at`

func (s *SQLiteStore) Get(ctx context.Context, workspaceID, id string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts WHERE workspace_id = ? AND id = ?`, workspaceID, id)

	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) Stream(ctx context.Context, workspaceID string, fn func(*Contact) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return fmt.Errorf("failed to scan contact: %w", err)
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Upsert inserts or replaces a contact. Used by the seeder and tests; the
// delivery engine itself never writes contacts.
func (s *SQLiteStore) Upsert(ctx context.Context, c *Contact) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return err
	}
	identities, err := json.Marshal(c.Identities)
	if err != nil {
		return err
	}
	optOuts, err := json.Marshal(c.OptedOut)
	if err != nil {
		return err
	}
	lastInbound, err := json.Marshal(c.LastInbound)
	if err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, workspace_id, first_name, last_name, email, phone, language, tags, identities, opt_outs, last_inbound, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			email = excluded.email,
			phone = excluded.phone,
			language = excluded.language,
			tags = excluded.tags,
			identities = excluded.identities,
			opt_outs = excluded.opt_outs,
			last_inbound = excluded.last_inbound`,
		c.ID, c.WorkspaceID, c.FirstName, c.LastName, c.Email, c.Phone, c.Language,
		string(tags), string(identities), string(optOuts), string(lastInbound), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*Contact, error) {
	c := &Contact{}
	var tags, identities, optOuts, lastInbound string

	err := row.Scan(
		&c.ID, &c.WorkspaceID, &c.FirstName, &c.LastName, &c.Email, &c.Phone,
		&c.Language, &tags, &identities, &optOuts, &lastInbound, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return nil, fmt.Errorf("invalid tags for contact %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(identities), &c.Identities); err != nil {
		return nil, fmt.Errorf("invalid identities for contact %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(optOuts), &c.OptedOut); err != nil {
		return nil, fmt.Errorf("invalid opt_outs for contact %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(lastInbound), &c.LastInbound); err != nil {
		return nil, fmt.Errorf("invalid last_inbound for contact %s: %w", c.ID, err)
	}

	if c.Identities == nil {
		c.Identities = map[channel.Channel]string{}
	}
	if c.OptedOut == nil {
		c.OptedOut = map[channel.Channel]bool{}
	}
	if c.LastInbound == nil {
		c.LastInbound = map[channel.Channel]time.Time{}
	}
	return c, nil
}
