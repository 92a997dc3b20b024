package broadcast

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/omnipost/beam/internal/audience"
	"github.com/omnipost/beam/internal/channel"
	"github.com/omnipost/beam/internal/compose"
)

// Repository persists broadcasts in SQLite. Content and filters are stored
// as JSON documents; schedule_at is always an absolute UTC instant paired
// with the authoring zone name.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const broadcastColumns = `id, workspace_id, name, channel, content, filters, is_template, status,
	schedule_at, time_zone, audience_estimate, sent_count, failed_count, skipped_count,
	claimed_at, completed_at, created_at, updated_at`

// Create inserts a new broadcast in draft.
func (r *Repository) Create(ctx context.Context, b *Broadcast) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	b.Status = StatusDraft
	b.CreatedAt = time.Now().UTC()
	b.UpdatedAt = b.CreatedAt

	content, err := json.Marshal(b.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	filters, err := json.Marshal(b.Filters)
	if err != nil {
		return fmt.Errorf("failed to marshal filters: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO broadcasts (id, workspace_id, name, channel, content, filters, is_template, status,
			schedule_at, time_zone, audience_estimate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.WorkspaceID, b.Name, string(b.Channel), string(content), string(filters),
		b.IsTemplate, string(b.Status), b.ScheduleAt, b.TimeZone, b.AudienceEstimate,
		b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create broadcast: %w", err)
	}
	return nil
}

// Get returns one broadcast by id.
func (r *Repository) Get(ctx context.Context, id string) (*Broadcast, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+broadcastColumns+` FROM broadcasts WHERE id = ?`, id)
	b, err := scanBroadcast(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get broadcast: %w", err)
	}
	return b, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	WorkspaceID string
	Status      Status
	Channel     string
}

// List returns broadcasts matching the filter, newest first.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]*Broadcast, error) {
	query := `SELECT ` + broadcastColumns + ` FROM broadcasts WHERE 1=1`
	args := []any{}

	if f.WorkspaceID != "" {
		query += " AND workspace_id = ?"
		args = append(args, f.WorkspaceID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Channel != "" {
		query += " AND channel = ?"
		args = append(args, f.Channel)
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcasts: %w", err)
	}
	defer rows.Close()

	var out []*Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan broadcast: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Update persists editable fields. Only draft and scheduled broadcasts may
// be edited; the caller checks Editable() first, and the WHERE clause
// enforces it against concurrent transitions.
func (r *Repository) Update(ctx context.Context, b *Broadcast) error {
	content, err := json.Marshal(b.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	filters, err := json.Marshal(b.Filters)
	if err != nil {
		return fmt.Errorf("failed to marshal filters: %w", err)
	}
	b.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts
		SET name = ?, content = ?, filters = ?, is_template = ?, schedule_at = ?, time_zone = ?,
			audience_estimate = ?, updated_at = ?
		WHERE id = ? AND status IN ('draft', 'scheduled')`,
		b.Name, string(content), string(filters), b.IsTemplate, b.ScheduleAt, b.TimeZone,
		b.AudienceEstimate, b.UpdatedAt, b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update broadcast: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateStatusCAS transitions status with an observed-state precondition.
// The single UPDATE makes claim races (scheduler fire vs cancel vs manual
// send) resolve to exactly one winner. Returns ErrConflict when the
// precondition fails and ErrInvalidTransition for illegal edges.
func (r *Repository) UpdateStatusCAS(ctx context.Context, id string, from, to Status) error {
	if err := Transition(from, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	var res sql.Result
	var err error

	switch to {
	case StatusSending:
		res, err = r.db.ExecContext(ctx, `
			UPDATE broadcasts SET status = ?, claimed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(to), now, now, id, string(from))
	case StatusSent, StatusFailed:
		res, err = r.db.ExecContext(ctx, `
			UPDATE broadcasts SET status = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(to), now, now, id, string(from))
	default:
		res, err = r.db.ExecContext(ctx, `
			UPDATE broadcasts SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(to), now, id, string(from))
	}
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a lost race from a missing row.
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

// UpdateTotals records delivery accounting without touching status.
func (r *Repository) UpdateTotals(ctx context.Context, id string, t Totals) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts SET sent_count = ?, failed_count = ?, skipped_count = ?, updated_at = ?
		WHERE id = ?`,
		t.Sent, t.Failed, t.Skipped, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update totals: %w", err)
	}
	return nil
}

// Delete removes a broadcast. Broadcasts in flight cannot be deleted.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM broadcasts WHERE id = ? AND status != 'sending'`, id)
	if err != nil {
		return fmt.Errorf("failed to delete broadcast: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

// ListByStatus returns all broadcasts in one status, oldest first. Used by
// scheduler recovery.
func (r *Repository) ListByStatus(ctx context.Context, status Status) ([]*Broadcast, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+broadcastColumns+` FROM broadcasts WHERE status = ? ORDER BY created_at`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list by status: %w", err)
	}
	defer rows.Close()

	var out []*Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListStaleSending returns broadcasts claimed before the cutoff that never
// completed, i.e. runs interrupted by a crash.
func (r *Repository) ListStaleSending(ctx context.Context, cutoff time.Time) ([]*Broadcast, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+broadcastColumns+` FROM broadcasts
		WHERE status = 'sending' AND claimed_at IS NOT NULL AND claimed_at < ?
		ORDER BY claimed_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sending: %w", err)
	}
	defer rows.Close()

	var out []*Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBroadcast(row rowScanner) (*Broadcast, error) {
	b := &Broadcast{}
	var content, filters, ch, status string
	var scheduleAt, claimedAt, completedAt sql.NullTime
	var tz sql.NullString

	err := row.Scan(
		&b.ID, &b.WorkspaceID, &b.Name, &ch, &content, &filters, &b.IsTemplate, &status,
		&scheduleAt, &tz, &b.AudienceEstimate,
		&b.Totals.Sent, &b.Totals.Failed, &b.Totals.Skipped,
		&claimedAt, &completedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.Channel = channel.Channel(ch)
	b.Status = Status(status)
	if scheduleAt.Valid {
		t := scheduleAt.Time.UTC()
		b.ScheduleAt = &t
	}
	if tz.Valid {
		b.TimeZone = tz.String
	}
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		b.ClaimedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		b.CompletedAt = &t
	}

	if err := json.Unmarshal([]byte(content), &b.Content); err != nil {
		return nil, fmt.Errorf("invalid content for broadcast %s: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(filters), &b.Filters); err != nil {
		return nil, fmt.Errorf("invalid filters for broadcast %s: %w", b.ID, err)
	}
	if b.Content == nil {
		b.Content = []compose.Block{}
	}
	if b.Filters == nil {
		b.Filters = []audience.Predicate{}
	}
	return b, nil
}
