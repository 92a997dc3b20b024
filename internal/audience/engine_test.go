package audience

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/omnipost/beam/internal/channel"
	"github.com/omnipost/beam/internal/contact"
)

func seedStore(t *testing.T, now time.Time) *contact.MemStore {
	t.Helper()
	store := contact.NewMemStore()

	store.Put(&contact.Contact{
		ID: "vip-active", WorkspaceID: "ws1", Language: "en",
		Tags:        []string{"vip", "beta"},
		Identities:  map[channel.Channel]string{channel.SMS: "+15550001", channel.WhatsApp: "wa-1"},
		OptedOut:    map[channel.Channel]bool{},
		LastInbound: map[channel.Channel]time.Time{channel.SMS: now.Add(-2 * time.Hour)},
	})
	store.Put(&contact.Contact{
		ID: "vip-optout", WorkspaceID: "ws1", Language: "en",
		Tags:        []string{"vip"},
		Identities:  map[channel.Channel]string{channel.SMS: "+15550002"},
		OptedOut:    map[channel.Channel]bool{channel.SMS: true},
		LastInbound: map[channel.Channel]time.Time{},
	})
	store.Put(&contact.Contact{
		ID: "plain-stale", WorkspaceID: "ws1", Language: "de",
		Tags:        []string{"newsletter"},
		Identities:  map[channel.Channel]string{channel.SMS: "+15550003"},
		OptedOut:    map[channel.Channel]bool{},
		LastInbound: map[channel.Channel]time.Time{channel.SMS: now.Add(-90 * 24 * time.Hour)},
	})
	store.Put(&contact.Contact{
		ID: "no-sms", WorkspaceID: "ws1", Language: "en",
		Tags:        []string{"vip"},
		Identities:  map[channel.Channel]string{channel.Email: "x@example.com"},
		OptedOut:    map[channel.Channel]bool{},
		LastInbound: map[channel.Channel]time.Time{},
	})
	store.Put(&contact.Contact{
		ID: "other-ws", WorkspaceID: "ws2",
		Tags:       []string{"vip"},
		Identities: map[channel.Channel]string{channel.SMS: "+15550009"},
	})
	return store
}

func collectIDs(t *testing.T, e *Engine, ws string, ch channel.Channel, filters []Predicate) []string {
	t.Helper()
	out, errc := e.Candidates(context.Background(), ws, ch, filters)
	var ids []string
	for c := range out {
		ids = append(ids, c.ID)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	sort.Strings(ids)
	return ids
}

func fixedEngine(store contact.Store, now time.Time) *Engine {
	e := NewEngine(store)
	e.now = func() time.Time { return now }
	return e
}

func TestCandidatesEmptyFilterDefaults(t *testing.T) {
	now := time.Now()
	e := fixedEngine(seedStore(t, now), now)

	// Reachable on SMS and not opted out; workspace scoped.
	ids := collectIDs(t, e, "ws1", channel.SMS, nil)
	want := []string{"plain-stale", "vip-active"}
	if len(ids) != len(want) || ids[0] != want[0] || ids[1] != want[1] {
		t.Errorf("ids = %v, want %v", ids, want)
	}
}

func TestCandidatesTagAndRecency(t *testing.T) {
	now := time.Now()
	e := fixedEngine(seedStore(t, now), now)

	tests := []struct {
		name    string
		filters []Predicate
		want    []string
	}{
		{
			"tag includes",
			[]Predicate{{Field: FieldTags, Op: OpIncludes, Value: "vip"}},
			[]string{"no-sms", "vip-active", "vip-optout"},
		},
		{
			"tag excludes",
			[]Predicate{{Field: FieldTags, Op: OpExcludes, Value: "vip"}},
			[]string{"plain-stale"},
		},
		{
			"active within 24h",
			[]Predicate{{Field: FieldLastActive, Op: OpWithin, Value: "24h"}},
			[]string{"vip-active"},
		},
		{
			"not active within 24h",
			[]Predicate{{Field: FieldLastActive, Op: OpNotWithin, Value: "24h"}},
			[]string{"no-sms", "plain-stale", "vip-optout"},
		},
		{
			"has whatsapp identity",
			[]Predicate{{Field: FieldHasChannel, Op: OpHas, Value: "whatsapp"}},
			[]string{"vip-active"},
		},
		{
			"language and opt-in conjunction",
			[]Predicate{
				{Field: FieldLanguage, Op: OpEquals, Value: "en"},
				{Field: FieldOptIn, Op: OpEquals, Value: "true"},
				{Field: FieldTags, Op: OpIncludes, Value: "vip"},
			},
			[]string{"no-sms", "vip-active"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collectIDs(t, e, "ws1", channel.SMS, tt.filters)
			if len(got) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("ids = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestPredicateValidate(t *testing.T) {
	tests := []struct {
		p       Predicate
		wantErr bool
	}{
		{Predicate{Field: FieldTags, Op: OpIncludes, Value: "vip"}, false},
		{Predicate{Field: FieldTags, Op: OpWithin, Value: "vip"}, true},
		{Predicate{Field: FieldLastActive, Op: OpWithin, Value: "72h"}, false},
		{Predicate{Field: FieldLastActive, Op: OpWithin, Value: "three days"}, true},
		{Predicate{Field: FieldHasChannel, Op: OpHas, Value: "whatsapp"}, false},
		{Predicate{Field: FieldHasChannel, Op: OpHas, Value: "fax"}, true},
		{Predicate{Field: FieldOptIn, Op: OpEquals, Value: "true"}, false},
		{Predicate{Field: FieldOptIn, Op: OpEquals, Value: "yes"}, true},
		{Predicate{Field: "age", Op: OpEquals, Value: "30"}, true},
	}

	for _, tt := range tests {
		err := tt.p.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) err = %v, wantErr %v", tt.p, err, tt.wantErr)
		}
	}
}

func TestCandidatesCancellation(t *testing.T) {
	now := time.Now()
	e := fixedEngine(seedStore(t, now), now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, errc := e.Candidates(ctx, "ws1", channel.SMS, nil)
	for range out {
	}
	// Either the stream finished before observing cancellation or it
	// reported the context error; it must not hang.
	select {
	case <-errc:
	case <-time.After(time.Second):
		t.Fatal("candidate stream did not terminate")
	}
}
