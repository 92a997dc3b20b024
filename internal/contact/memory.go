package contact

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store, used by tests and single-node deployments
// that load contacts at startup.
type MemStore struct {
	mu       sync.RWMutex
	contacts map[string]*Contact // id -> contact
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{contacts: make(map[string]*Contact)}
}

// Put inserts or replaces a contact.
func (s *MemStore) Put(c *Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
}

func (s *MemStore) Get(ctx context.Context, workspaceID, id string) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[id]
	if !ok || c.WorkspaceID != workspaceID {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemStore) Stream(ctx context.Context, workspaceID string, fn func(*Contact) error) error {
	s.mu.RLock()
	snapshot := make([]*Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		if c.WorkspaceID == workspaceID {
			cp := *c
			snapshot = append(snapshot, &cp)
		}
	}
	s.mu.RUnlock()

	for _, c := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}
