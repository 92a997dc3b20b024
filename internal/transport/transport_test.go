package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/omnipost/beam/internal/channel"
	"github.com/omnipost/beam/internal/compose"
)

func testMessage() *Message {
	return &Message{
		BroadcastID: "b1",
		ContactID:   "c1",
		Channel:     channel.SMS,
		To:          "+15551234567",
		Payload: &compose.Payload{
			Blocks: []compose.Block{{Type: channel.BlockText, Body: "Hello Ada"}},
			Text:   "Hello Ada",
		},
	}
}

func TestWebhookSend(t *testing.T) {
	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "secret", time.Second)
	if err := wh.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.To != "+15551234567" || got.Channel != "sms" {
		t.Errorf("gateway saw %+v", got)
	}
}

func TestWebhookClassification(t *testing.T) {
	tests := []struct {
		status        int
		wantTemporary bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewWebhook(srv.URL, "", time.Second).Send(context.Background(), testMessage())
			if err == nil {
				t.Fatal("expected error")
			}
			var de *DeliveryError
			if !errors.As(err, &de) {
				t.Fatalf("expected DeliveryError, got %T", err)
			}
			if de.Temporary != tt.wantTemporary {
				t.Errorf("temporary = %v, want %v", de.Temporary, tt.wantTemporary)
			}
		})
	}
}

func TestWebhookConnectionFailureIsTemporary(t *testing.T) {
	// Port from a closed listener: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewWebhook(url, "", time.Second).Send(context.Background(), testMessage())
	if !IsTemporaryError(err) {
		t.Errorf("connection failure should be temporary, got %v", err)
	}
}

func TestIsTemporaryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"temporary", &DeliveryError{Temporary: true, Message: "temp"}, true},
		{"permanent", &DeliveryError{Temporary: false, Message: "perm"}, false},
		{"wrapped", fmt.Errorf("send: %w", &DeliveryError{Temporary: false}), false},
		{"unknown", errors.New("mystery"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTemporaryError(tt.err); got != tt.want {
				t.Errorf("IsTemporaryError = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	wh := NewWebhook("http://gateway.local", "", time.Second)
	r.Register(channel.SMS, wh)

	got, err := r.For(channel.SMS)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if got != Transport(wh) {
		t.Error("registry returned a different transport")
	}

	if _, err := r.For(channel.Email); err == nil {
		t.Error("expected error for unbound channel")
	}
}
