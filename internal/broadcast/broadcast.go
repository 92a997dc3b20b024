package broadcast

import (
	"errors"
	"fmt"
	"time"

	"github.com/omnipost/beam/internal/audience"
	"github.com/omnipost/beam/internal/channel"
	"github.com/omnipost/beam/internal/compose"
)

// Status is the broadcast lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus validates a status value from external input.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusDraft, StatusScheduled, StatusSending, StatusSent, StatusFailed, StatusCancelled:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status: %q", s)
}

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Editable reports whether the broadcast may still be modified by authors.
func (s Status) Editable() bool {
	return s == StatusDraft || s == StatusScheduled
}

var (
	// ErrInvalidTransition signals an illegal lifecycle transition. It is
	// returned explicitly so duplicate actions surface as conflicts rather
	// than silent no-ops.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict signals a compare-and-swap precondition failure: the
	// observed status no longer matches.
	ErrConflict = errors.New("broadcast status conflict")

	// ErrNotFound is returned for unknown broadcast ids.
	ErrNotFound = errors.New("broadcast not found")
)

var transitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusSending},
	StatusScheduled: {StatusSending, StatusCancelled},
	StatusSending:   {StatusSent, StatusFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a lifecycle edge.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Totals is the delivery accounting for a completed run.
type Totals struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Attempted is the number of contacts a send was tried for.
func (t Totals) Attempted() int {
	return t.Sent + t.Failed
}

// CompletionStatus maps run totals to the terminal status: any success is
// sent; zero successes (including an evaporated audience) is failed.
func (t Totals) CompletionStatus() Status {
	if t.Sent > 0 {
		return StatusSent
	}
	return StatusFailed
}

// Broadcast is one scheduled, one-time campaign on a single channel.
type Broadcast struct {
	ID          string              `json:"id"`
	WorkspaceID string              `json:"workspace_id"`
	Name        string              `json:"name"`
	Channel     channel.Channel     `json:"channel"`
	Content     []compose.Block     `json:"content"`
	Filters     []audience.Predicate `json:"audience_filter"`
	IsTemplate  bool                `json:"is_template"`
	Status      Status              `json:"status"`

	// ScheduleAt is the absolute fire instant (UTC). Nil means send
	// immediately on activation. TimeZone records the IANA zone the author
	// wrote the schedule in; it never changes the stored instant.
	ScheduleAt *time.Time `json:"schedule_at,omitempty"`
	TimeZone   string     `json:"time_zone,omitempty"`

	// AudienceEstimate is the eligible count snapshot from the last save;
	// advisory only, recomputed at fire time.
	AudienceEstimate int `json:"audience_estimate"`

	Totals      Totals     `json:"totals"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ParseScheduleAt interprets an author-supplied local timestamp in an IANA
// zone and returns the absolute instant. Accepts RFC3339 (zone offset wins
// over tz) or a naive "2006-01-02T15:04" / "2006-01-02 15:04" local time.
func ParseScheduleAt(value, tz string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("schedule_at is empty")
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}

	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid time_zone: %w", err)
		}
		loc = l
	}

	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized schedule_at value: %q", value)
}
