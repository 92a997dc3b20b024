package contact

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/omnipost/beam/internal/channel"
	"github.com/omnipost/beam/internal/db"
)

func setupTestDB(t *testing.T) *sql.DB {
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
	return conn
}

func TestSQLiteUpsertAndGet(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()

	inbound := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	c := &Contact{
		ID:          "c1",
		WorkspaceID: "ws1",
		FirstName:   "Ada",
		LastName:    "Lovelace",
		Email:       "ada@example.com",
		Phone:       "+15550001",
		Language:    "en",
		Tags:        []string{"vip", "beta"},
		Identities:  map[channel.Channel]string{channel.SMS: "+15550001", channel.Telegram: "12345"},
		OptedOut:    map[channel.Channel]bool{channel.Email: true},
		LastInbound: map[channel.Channel]time.Time{channel.Telegram: inbound},
	}
	if err := store.Upsert(ctx, c); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Get(ctx, "ws1", "c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.FirstName != "Ada" || got.Email != "ada@example.com" {
		t.Errorf("unexpected contact: %+v", got)
	}
	if !got.HasTag("vip") {
		t.Error("expected vip tag to survive the round trip")
	}
	if id, ok := got.Identity(channel.Telegram); !ok || id != "12345" {
		t.Errorf("Identity(telegram) = %q, %v", id, ok)
	}
	if !got.OptedOut[channel.Email] {
		t.Error("expected email opt-out to survive the round trip")
	}
	if !got.LastInbound[channel.Telegram].Equal(inbound) {
		t.Errorf("LastInbound = %v, want %v", got.LastInbound[channel.Telegram], inbound)
	}
}

func TestSQLiteUpsertReplaces(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()

	c := &Contact{ID: "c1", WorkspaceID: "ws1", FirstName: "Ada"}
	if err := store.Upsert(ctx, c); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	c.FirstName = "Grace"
	c.Tags = []string{"vip"}
	if err := store.Upsert(ctx, c); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	got, err := store.Get(ctx, "ws1", "c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.FirstName != "Grace" {
		t.Errorf("FirstName = %q, want Grace", got.FirstName)
	}
	if !got.HasTag("vip") {
		t.Error("expected replaced tags")
	}
}

func TestSQLiteGetScopesWorkspace(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()

	if err := store.Upsert(ctx, &Contact{ID: "c1", WorkspaceID: "ws1"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if _, err := store.Get(ctx, "ws2", "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get with wrong workspace = %v, want ErrNotFound", err)
	}
	if _, err := store.Get(ctx, "ws1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing contact = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStream(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()

	for _, c := range []*Contact{
		{ID: "c1", WorkspaceID: "ws1"},
		{ID: "c2", WorkspaceID: "ws1"},
		{ID: "c3", WorkspaceID: "ws2"},
	} {
		if err := store.Upsert(ctx, c); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	seen := map[string]bool{}
	err := store.Stream(ctx, "ws1", func(c *Contact) error {
		seen[c.ID] = true
		return nil
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(seen) != 2 || !seen["c1"] || !seen["c2"] {
		t.Errorf("Stream saw %v, want c1 and c2 only", seen)
	}
}

func TestSQLiteStreamStopsOnCallbackError(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()

	for _, c := range []*Contact{
		{ID: "c1", WorkspaceID: "ws1"},
		{ID: "c2", WorkspaceID: "ws1"},
	} {
		if err := store.Upsert(ctx, c); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	stop := errors.New("stop")
	calls := 0
	err := store.Stream(ctx, "ws1", func(c *Contact) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("Stream error = %v, want the callback error", err)
	}
	if calls != 1 {
		t.Errorf("callback ran %d times, want 1", calls)
	}
}

func TestMemStoreScopesWorkspace(t *testing.T) {
	store := NewMemStore()
	store.Put(&Contact{ID: "c1", WorkspaceID: "ws1", FirstName: "Ada"})
	store.Put(&Contact{ID: "c2", WorkspaceID: "ws2"})

	got, err := store.Get(context.Background(), "ws1", "c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.FirstName != "Ada" {
		t.Errorf("FirstName = %q, want Ada", got.FirstName)
	}

	if _, err := store.Get(context.Background(), "ws1", "c2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-workspace Get = %v, want ErrNotFound", err)
	}

	var ids []string
	if err := store.Stream(context.Background(), "ws1", func(c *Contact) error {
		ids = append(ids, c.ID)
		return nil
	}); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Errorf("Stream saw %v, want [c1]", ids)
	}
}

func TestMemStoreStreamHonorsContext(t *testing.T) {
	store := NewMemStore()
	store.Put(&Contact{ID: "c1", WorkspaceID: "ws1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Stream(ctx, "ws1", func(c *Contact) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Stream with cancelled ctx = %v, want context.Canceled", err)
	}
}
