package audience

import (
	"context"
	"time"

	"github.com/omnipost/beam/internal/channel"
	"github.com/omnipost/beam/internal/contact"
)

// candidateBuffer bounds the producer/consumer channel so a slow sender
// backpressures the contact scan instead of buffering the whole audience.
const candidateBuffer = 64

// Engine evaluates audience filters against the contact store.
type Engine struct {
	store contact.Store
	now   func() time.Time
}

// NewEngine creates a filter engine over a contact store.
func NewEngine(store contact.Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Candidates streams contacts that satisfy every predicate (AND semantics).
// An empty filter list yields every contact with an identity on the channel
// that has not opted out. The error channel receives at most one error after
// the candidate channel closes. Candidate order is unspecified.
func (e *Engine) Candidates(ctx context.Context, workspaceID string, ch channel.Channel, filters []Predicate) (<-chan *contact.Contact, <-chan error) {
	out := make(chan *contact.Contact, candidateBuffer)
	errc := make(chan error, 1)
	now := e.now()

	go func() {
		defer close(out)
		defer close(errc)

		err := e.store.Stream(ctx, workspaceID, func(c *contact.Contact) error {
			if !matchesAll(c, ch, filters, now) {
				return nil
			}
			select {
			case out <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errc <- err
		}
	}()

	return out, errc
}

// Each applies fn to every matching contact synchronously. Used where the
// caller does not need its own worker pool (preview, preflight counting).
func (e *Engine) Each(ctx context.Context, workspaceID string, ch channel.Channel, filters []Predicate, fn func(*contact.Contact) error) error {
	now := e.now()
	return e.store.Stream(ctx, workspaceID, func(c *contact.Contact) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !matchesAll(c, ch, filters, now) {
			return nil
		}
		return fn(c)
	})
}

func matchesAll(c *contact.Contact, ch channel.Channel, filters []Predicate, now time.Time) bool {
	if len(filters) == 0 {
		// Default audience: reachable, not opted out.
		if _, ok := c.Identity(ch); !ok {
			return false
		}
		return !c.OptedOut[ch]
	}
	for _, p := range filters {
		if !p.Matches(c, ch, now) {
			return false
		}
	}
	return true
}
