package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/omnipost/beam/internal/channel"
	"github.com/omnipost/beam/internal/compose"
)

// Message is one rendered send to one recipient.
type Message struct {
	BroadcastID string
	ContactID   string
	Channel     channel.Channel
	To          string
	Subject     string
	Payload     *compose.Payload
}

// Transport delivers a rendered message over one channel.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true // Assume temporary if unknown
}

// Registry maps channels to their configured transports.
type Registry struct {
	transports map[channel.Channel]Transport
}

func NewRegistry() *Registry {
	return &Registry{transports: make(map[channel.Channel]Transport)}
}

// Register binds a transport to a channel, replacing any existing binding.
func (r *Registry) Register(ch channel.Channel, t Transport) {
	r.transports[ch] = t
}

// For returns the transport bound to ch.
func (r *Registry) For(ch channel.Channel) (Transport, error) {
	t, ok := r.transports[ch]
	if !ok {
		return nil, fmt.Errorf("no transport configured for channel %s", ch)
	}
	return t, nil
}
