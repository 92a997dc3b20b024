package contact

import (
	"context"
	"errors"
	"time"

	"github.com/omnipost/beam/internal/channel"
)

// ErrNotFound is returned when a contact does not exist in the store.
var ErrNotFound = errors.New("contact not found")

// Contact is the engine's read model of a contact. The store owns the data;
// the engine never mutates contacts.
type Contact struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone"`
	Language    string    `json:"language"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`

	// Identities maps channel to the external recipient identifier
	// (PSID, phone number, chat ID, email address).
	Identities map[channel.Channel]string `json:"identities"`

	// OptedOut marks channels the contact has unsubscribed from.
	OptedOut map[channel.Channel]bool `json:"opted_out"`

	// LastInbound is the last inbound message per channel, used for
	// messaging-window checks. Zero value means never interacted.
	LastInbound map[channel.Channel]time.Time `json:"last_inbound"`
}

// Identity returns the external identifier for a channel, if linked.
func (c *Contact) Identity(ch channel.Channel) (string, bool) {
	id, ok := c.Identities[ch]
	return id, ok && id != ""
}

// HasTag reports tag membership.
func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Store is the external Contact Store collaborator. Implementations must be
// safe for concurrent use.
type Store interface {
	// Get returns one contact scoped to a workspace.
	Get(ctx context.Context, workspaceID, id string) (*Contact, error)

	// Stream calls fn for every contact in a workspace. It stops and returns
	// the first error fn returns. Iteration order is unspecified.
	Stream(ctx context.Context, workspaceID string, fn func(*Contact) error) error
}
