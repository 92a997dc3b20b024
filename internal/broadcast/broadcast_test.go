package broadcast

import (
	"errors"
	"testing"
	"time"
)

func TestTransitions(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusDraft, StatusSending},
		{StatusDraft, StatusScheduled},
		{StatusScheduled, StatusCancelled},
		{StatusScheduled, StatusSending},
		{StatusSending, StatusSent},
		{StatusSending, StatusFailed},
	}
	for _, tr := range legal {
		if err := Transition(tr.from, tr.to); err != nil {
			t.Errorf("Transition(%s, %s): unexpected error %v", tr.from, tr.to, err)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusDraft, StatusCancelled},
		{StatusDraft, StatusSent},
		{StatusScheduled, StatusDraft},
		{StatusSending, StatusCancelled},
		{StatusSending, StatusSending},
		{StatusSent, StatusSending},
		{StatusFailed, StatusSending},
		{StatusCancelled, StatusScheduled},
	}
	for _, tr := range illegal {
		err := Transition(tr.from, tr.to)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Transition(%s, %s): expected ErrInvalidTransition, got %v", tr.from, tr.to, err)
		}
	}
}

func TestTerminalAndEditable(t *testing.T) {
	if !StatusSent.Terminal() || !StatusFailed.Terminal() || !StatusCancelled.Terminal() {
		t.Error("sent/failed/cancelled must be terminal")
	}
	if StatusSending.Terminal() || StatusDraft.Terminal() {
		t.Error("draft/sending are not terminal")
	}
	if !StatusDraft.Editable() || !StatusScheduled.Editable() {
		t.Error("draft/scheduled must be editable")
	}
	if StatusSending.Editable() || StatusSent.Editable() {
		t.Error("sending/sent must not be editable")
	}
}

func TestCompletionStatus(t *testing.T) {
	tests := []struct {
		totals Totals
		want   Status
	}{
		{Totals{Sent: 2, Failed: 1}, StatusSent},
		{Totals{Sent: 0, Failed: 3}, StatusFailed},
		{Totals{}, StatusFailed}, // audience evaporated
		{Totals{Skipped: 5}, StatusFailed},
	}
	for _, tt := range tests {
		if got := tt.totals.CompletionStatus(); got != tt.want {
			t.Errorf("CompletionStatus(%+v) = %s, want %s", tt.totals, got, tt.want)
		}
	}
}

func TestParseScheduleAt(t *testing.T) {
	// Naive local time interpreted in the authoring zone.
	got, err := ParseScheduleAt("2026-07-01T09:30", "America/New_York")
	if err != nil {
		t.Fatalf("ParseScheduleAt: %v", err)
	}
	want := time.Date(2026, 7, 1, 13, 30, 0, 0, time.UTC) // EDT is UTC-4
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// RFC3339 carries its own offset; the zone name is informational.
	got, err = ParseScheduleAt("2026-07-01T09:30:00+02:00", "America/New_York")
	if err != nil {
		t.Fatalf("ParseScheduleAt: %v", err)
	}
	want = time.Date(2026, 7, 1, 7, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := ParseScheduleAt("tomorrow", "UTC"); err == nil {
		t.Error("expected error for unrecognized value")
	}
	if _, err := ParseScheduleAt("2026-07-01T09:30", "Mars/Olympus"); err == nil {
		t.Error("expected error for unknown zone")
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := ParseStatus("sending"); err != nil {
		t.Errorf("ParseStatus(sending): %v", err)
	}
	if _, err := ParseStatus("archived"); err == nil {
		t.Error("expected error for unknown status")
	}
}
