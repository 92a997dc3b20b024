package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/omnipost/beam/internal/attempt"
	"github.com/omnipost/beam/internal/audience"
	"github.com/omnipost/beam/internal/auth"
	"github.com/omnipost/beam/internal/broadcast"
	"github.com/omnipost/beam/internal/channel"
	"github.com/omnipost/beam/internal/compose"
	"github.com/omnipost/beam/internal/config"
	"github.com/omnipost/beam/internal/contact"
	"github.com/omnipost/beam/internal/db"
	"github.com/omnipost/beam/internal/metrics"
	"github.com/omnipost/beam/internal/preflight"
	"github.com/omnipost/beam/internal/scheduler"
)

type nopRunner struct{}

func (nopRunner) Execute(ctx context.Context, b *broadcast.Broadcast) error { return nil }

type testServer struct {
	srv      *Server
	conn     *sql.DB
	repo     *broadcast.Repository
	contacts *contact.MemStore
	attempts *attempt.Store
	keys     *auth.KeyStore
}

func setupServer(t *testing.T) *testServer {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	for _, m := range db.Migrations {
		if _, err := conn.Exec(m); err != nil {
			t.Fatalf("migration failed: %v", err)
		}
	}
	t.Cleanup(func() { conn.Close() })

	attempts, err := attempt.Open(filepath.Join(t.TempDir(), "attempts.db"))
	if err != nil {
		t.Fatalf("failed to open attempt store: %v", err)
	}
	t.Cleanup(func() { attempts.Close() })

	channels, err := channel.NewRegistry(nil)
	if err != nil {
		t.Fatalf("failed to build channel registry: %v", err)
	}

	contacts := contact.NewMemStore()
	repo := broadcast.NewRepository(conn)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	sched := scheduler.New(repo, nopRunner{}, m, 5*time.Minute, logger)
	keys := auth.NewKeyStore(conn)

	srv := NewServer(
		repo,
		preflight.NewChecker(audience.NewEngine(contacts), channels),
		sched,
		attempts,
		keys,
		m,
		&config.APIConfig{ListenAddr: ":0"},
		"test",
		logger,
	)

	return &testServer{
		srv:      srv,
		conn:     conn,
		repo:     repo,
		contacts: contacts,
		attempts: attempts,
		keys:     keys,
	}
}

func (ts *testServer) request(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v\nbody: %s", err, rec.Body.String())
	}
	return v
}

func seedVIPs(ts *testServer) {
	for i, id := range []string{"c1", "c2", "c3"} {
		ts.contacts.Put(&contact.Contact{
			ID:          id,
			WorkspaceID: "ws1",
			FirstName:   "Ada",
			Tags:        []string{"vip"},
			Identities:  map[channel.Channel]string{channel.SMS: "+1555000" + id},
			OptedOut:    map[channel.Channel]bool{channel.SMS: i == 2},
		})
	}
}

func createBody() CreateRequest {
	return CreateRequest{
		WorkspaceID: "ws1",
		Name:        "Flash sale",
		Channel:     "sms",
		Content: []compose.Block{
			{Type: channel.BlockText, Body: "Sale on, reply STOP to opt out"},
		},
		Filters: []audience.Predicate{
			{Field: audience.FieldTags, Op: audience.OpIncludes, Value: "vip"},
		},
	}
}

func TestCreateAndGetBroadcast(t *testing.T) {
	ts := setupServer(t)

	rec := ts.request(t, http.MethodPost, "/api/v1/broadcasts", createBody(), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[BroadcastResponse](t, rec)
	if created.Broadcast.Status != broadcast.StatusDraft {
		t.Errorf("status = %s, want draft", created.Broadcast.Status)
	}

	rec = ts.request(t, http.MethodGet, "/api/v1/broadcasts/"+created.Broadcast.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	got := decode[broadcast.Broadcast](t, rec)
	if got.Name != "Flash sale" || got.Channel != channel.SMS {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestCreateValidation(t *testing.T) {
	ts := setupServer(t)

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"missing workspace", func(r *CreateRequest) { r.WorkspaceID = "" }},
		{"missing name", func(r *CreateRequest) { r.Name = "" }},
		{"unknown channel", func(r *CreateRequest) { r.Channel = "fax" }},
		{"past schedule", func(r *CreateRequest) { r.ScheduleAt = "2001-01-01T00:00:00Z" }},
		{"bad filter", func(r *CreateRequest) {
			r.Filters = []audience.Predicate{{Field: "mood", Op: "is", Value: "happy"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := createBody()
			tt.mutate(&body)
			rec := ts.request(t, http.MethodPost, "/api/v1/broadcasts", body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAudiencePreview(t *testing.T) {
	ts := setupServer(t)
	seedVIPs(ts)

	rec := ts.request(t, http.MethodPost, "/api/v1/broadcasts/audience-preview", PreviewRequest{
		WorkspaceID: "ws1",
		Channel:     "sms",
		Filters: []audience.Predicate{
			{Field: audience.FieldTags, Op: audience.OpIncludes, Value: "vip"},
		},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	got := decode[PreviewResponse](t, rec)
	if got.Total != 3 || got.Eligible != 2 || got.NotEligible != 1 {
		t.Errorf("preview = %+v, want 3 total / 2 eligible / 1 not", got)
	}
	if len(got.Reasons) != 1 || got.Reasons[0].Reason != "opted_out" || got.Reasons[0].Count != 1 {
		t.Errorf("reasons = %+v, want one opted_out bucket", got.Reasons)
	}
}

func TestScheduleOnCreate(t *testing.T) {
	ts := setupServer(t)
	seedVIPs(ts)

	body := createBody()
	body.ScheduleAt = time.Now().UTC().Add(time.Hour).Format(time.RFC3339)

	rec := ts.request(t, http.MethodPost, "/api/v1/broadcasts", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[BroadcastResponse](t, rec)
	if created.Broadcast.Status != broadcast.StatusScheduled {
		t.Errorf("status = %s, want scheduled", created.Broadcast.Status)
	}
	if created.Preflight == nil || created.Preflight.EligibleCount != 2 {
		t.Errorf("preflight = %+v, want eligible 2", created.Preflight)
	}
	if created.Broadcast.AudienceEstimate != 2 {
		t.Errorf("audience_estimate = %d, want 2", created.Broadcast.AudienceEstimate)
	}
}

func TestScheduleFailsPreflightOnEmptyAudience(t *testing.T) {
	ts := setupServer(t) // no contacts

	body := createBody()
	body.ScheduleAt = time.Now().UTC().Add(time.Hour).Format(time.RFC3339)

	rec := ts.request(t, http.MethodPost, "/api/v1/broadcasts", body, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
	got := decode[BroadcastResponse](t, rec)
	if got.Broadcast.Status != broadcast.StatusDraft {
		t.Errorf("status = %s, want draft preserved", got.Broadcast.Status)
	}
}

func TestSendNow(t *testing.T) {
	ts := setupServer(t)
	seedVIPs(ts)

	created := decode[BroadcastResponse](t, ts.request(t, http.MethodPost, "/api/v1/broadcasts", createBody(), nil))

	rec := ts.request(t, http.MethodPost, "/api/v1/broadcasts/"+created.Broadcast.ID+"/send", nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[BroadcastResponse](t, rec)
	if resp.Preflight == nil || resp.Preflight.EligibleCount != 2 {
		t.Errorf("preflight = %+v, want eligible 2", resp.Preflight)
	}

	got, _ := ts.repo.Get(context.Background(), created.Broadcast.ID)
	if got.Status != broadcast.StatusSending {
		t.Errorf("status = %s, want sending", got.Status)
	}

	// Sending twice conflicts.
	rec = ts.request(t, http.MethodPost, "/api/v1/broadcasts/"+created.Broadcast.ID+"/send", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second send status = %d, want 409", rec.Code)
	}
}

func TestSendRejectsFailingPreflight(t *testing.T) {
	ts := setupServer(t) // empty audience

	created := decode[BroadcastResponse](t, ts.request(t, http.MethodPost, "/api/v1/broadcasts", createBody(), nil))
	rec := ts.request(t, http.MethodPost, "/api/v1/broadcasts/"+created.Broadcast.ID+"/send", nil, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	ts := setupServer(t)
	seedVIPs(ts)

	created := decode[BroadcastResponse](t, ts.request(t, http.MethodPost, "/api/v1/broadcasts", createBody(), nil))
	id := created.Broadcast.ID

	name := "Renamed"
	rec := ts.request(t, http.MethodPatch, "/api/v1/broadcasts/"+id, UpdateRequest{Name: &name}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[broadcast.Broadcast](t, rec); got.Name != "Renamed" {
		t.Errorf("name = %q", got.Name)
	}

	// Editing after dispatch conflicts.
	ts.request(t, http.MethodPost, "/api/v1/broadcasts/"+id+"/send", nil, nil)
	rec = ts.request(t, http.MethodPatch, "/api/v1/broadcasts/"+id, UpdateRequest{Name: &name}, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("patch while sending = %d, want 409", rec.Code)
	}
	rec = ts.request(t, http.MethodDelete, "/api/v1/broadcasts/"+id, nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("delete while sending = %d, want 409", rec.Code)
	}
}

func TestPatchScheduleActivatesDraft(t *testing.T) {
	ts := setupServer(t)
	seedVIPs(ts)

	created := decode[BroadcastResponse](t, ts.request(t, http.MethodPost, "/api/v1/broadcasts", createBody(), nil))
	if created.Broadcast.Status != broadcast.StatusDraft {
		t.Fatalf("status = %s, want draft", created.Broadcast.Status)
	}

	at := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	rec := ts.request(t, http.MethodPatch, "/api/v1/broadcasts/"+created.Broadcast.ID,
		UpdateRequest{ScheduleAt: &at}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[BroadcastResponse](t, rec)
	if got.Broadcast.Status != broadcast.StatusScheduled {
		t.Errorf("status = %s, want scheduled", got.Broadcast.Status)
	}
	if got.Preflight == nil || got.Preflight.EligibleCount != 2 {
		t.Errorf("preflight = %+v, want report with 2 eligible", got.Preflight)
	}

	stored, err := ts.repo.Get(context.Background(), created.Broadcast.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != broadcast.StatusScheduled || stored.ScheduleAt == nil {
		t.Errorf("stored = %s scheduleAt=%v, want scheduled with fire time", stored.Status, stored.ScheduleAt)
	}

	// A draft that cannot pass preflight stays draft.
	empty := createBody()
	empty.Filters = []audience.Predicate{
		{Field: audience.FieldTags, Op: audience.OpIncludes, Value: "nobody"},
	}
	draft := decode[BroadcastResponse](t, ts.request(t, http.MethodPost, "/api/v1/broadcasts", empty, nil))
	rec = ts.request(t, http.MethodPatch, "/api/v1/broadcasts/"+draft.Broadcast.ID,
		UpdateRequest{ScheduleAt: &at}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("patch status = %d, want 422", rec.Code)
	}
	stored, err = ts.repo.Get(context.Background(), draft.Broadcast.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != broadcast.StatusDraft {
		t.Errorf("status = %s, want draft preserved after failed preflight", stored.Status)
	}

	// A past fire time is rejected outright.
	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	rec = ts.request(t, http.MethodPatch, "/api/v1/broadcasts/"+draft.Broadcast.ID,
		UpdateRequest{ScheduleAt: &past}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("patch with past schedule = %d, want 400", rec.Code)
	}
}

func TestCancelScheduled(t *testing.T) {
	ts := setupServer(t)
	seedVIPs(ts)

	body := createBody()
	body.ScheduleAt = time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	created := decode[BroadcastResponse](t, ts.request(t, http.MethodPost, "/api/v1/broadcasts", body, nil))

	rec := ts.request(t, http.MethodPost, "/api/v1/broadcasts/"+created.Broadcast.ID+"/cancel", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", rec.Code, rec.Body.String())
	}

	// Cancelling a draft is an invalid transition.
	draft := decode[BroadcastResponse](t, ts.request(t, http.MethodPost, "/api/v1/broadcasts", createBody(), nil))
	rec = ts.request(t, http.MethodPost, "/api/v1/broadcasts/"+draft.Broadcast.ID+"/cancel", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("cancel draft status = %d, want 409", rec.Code)
	}
}

func TestCancelViaPatch(t *testing.T) {
	ts := setupServer(t)
	seedVIPs(ts)

	body := createBody()
	body.ScheduleAt = time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	created := decode[BroadcastResponse](t, ts.request(t, http.MethodPost, "/api/v1/broadcasts", body, nil))

	rec := ts.request(t, http.MethodPatch, "/api/v1/broadcasts/"+created.Broadcast.ID,
		map[string]any{"status": "cancelled"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch cancel status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[broadcast.Broadcast](t, rec)
	if got.Status != broadcast.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// No other status is writable through PATCH.
	draft := decode[BroadcastResponse](t, ts.request(t, http.MethodPost, "/api/v1/broadcasts", createBody(), nil))
	rec = ts.request(t, http.MethodPatch, "/api/v1/broadcasts/"+draft.Broadcast.ID,
		map[string]any{"status": "sending"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("patch status=sending = %d, want 400", rec.Code)
	}
}

func TestWorkspaceScoping(t *testing.T) {
	ts := setupServer(t)

	created := decode[BroadcastResponse](t, ts.request(t, http.MethodPost, "/api/v1/broadcasts", createBody(), nil))

	rec := ts.request(t, http.MethodGet, "/api/v1/broadcasts/"+created.Broadcast.ID, nil,
		map[string]string{"X-Workspace-ID": "ws2"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("cross-workspace get = %d, want 403", rec.Code)
	}

	rec = ts.request(t, http.MethodGet, "/api/v1/broadcasts/"+created.Broadcast.ID, nil,
		map[string]string{"X-Workspace-ID": "ws1"})
	if rec.Code != http.StatusOK {
		t.Errorf("same-workspace get = %d, want 200", rec.Code)
	}
}

func TestNotFound(t *testing.T) {
	ts := setupServer(t)
	rec := ts.request(t, http.MethodGet, "/api/v1/broadcasts/nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAttemptsListing(t *testing.T) {
	ts := setupServer(t)
	created := decode[BroadcastResponse](t, ts.request(t, http.MethodPost, "/api/v1/broadcasts", createBody(), nil))

	ts.attempts.Update(&attempt.Attempt{
		BroadcastID: created.Broadcast.ID,
		ContactID:   "c1",
		Channel:     channel.SMS,
		Outcome:     attempt.OutcomeSent,
	})

	rec := ts.request(t, http.MethodGet, "/api/v1/broadcasts/"+created.Broadcast.ID+"/attempts", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[AttemptsResponse](t, rec)
	if len(got.Attempts) != 1 || got.Attempts[0].ContactID != "c1" {
		t.Errorf("attempts = %+v", got.Attempts)
	}
}

func TestAuthMiddleware(t *testing.T) {
	ts := setupServer(t)

	// No keys issued: open access.
	rec := ts.request(t, http.MethodGet, "/api/v1/broadcasts/", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("open access status = %d", rec.Code)
	}

	_, plaintext, err := ts.keys.Create(context.Background(), "ci")
	if err != nil {
		t.Fatalf("Create key: %v", err)
	}

	rec = ts.request(t, http.MethodGet, "/api/v1/broadcasts/", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key status = %d, want 401", rec.Code)
	}

	rec = ts.request(t, http.MethodGet, "/api/v1/broadcasts/", nil,
		map[string]string{"Authorization": "Bearer " + plaintext})
	if rec.Code != http.StatusOK {
		t.Errorf("bearer key status = %d, want 200", rec.Code)
	}

	rec = ts.request(t, http.MethodGet, "/api/v1/broadcasts/", nil,
		map[string]string{"X-API-Key": plaintext})
	if rec.Code != http.StatusOK {
		t.Errorf("x-api-key status = %d, want 200", rec.Code)
	}

	// Health and metrics stay open.
	rec = ts.request(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	rec = ts.request(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
}
