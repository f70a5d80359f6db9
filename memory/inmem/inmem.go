// Package inmem provides an in-memory implementation of memory.Store for
// testing and local development. Data is stored in process memory and is lost
// when the process exits. Production deployments should use a durable backend
// such as memory/redis or memory/mongo.
package inmem

import (
	"context"
	"sync"

	"github.com/genesis-fabric/genesis/memory"
)

// Store implements memory.Store using an in-process map keyed by conversation
// id. It is thread-safe. All operations defensively copy data to prevent
// external mutation.
type Store struct {
	mu            sync.RWMutex
	conversations map[string][]memory.Item
}

// New returns an empty in-memory store, ready to use with no initialization.
func New() *Store {
	return &Store{conversations: make(map[string][]memory.Item)}
}

// Write appends one item to the conversation.
func (s *Store) Write(_ context.Context, conversationID string, item memory.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversationID] = append(s.conversations[conversationID], item)
	return nil
}

// Retrieve returns up to k most recent items, oldest first. An unknown
// conversation yields an empty slice, not an error.
func (s *Store) Retrieve(_ context.Context, conversationID string, k int, _ string) ([]memory.Item, error) {
	if k <= 0 {
		k = memory.DefaultContextWindow
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.conversations[conversationID]
	if len(items) > k {
		items = items[len(items)-k:]
	}
	cloned := make([]memory.Item, len(items))
	copy(cloned, items)
	return cloned, nil
}

// Summarize is not supported by the in-memory store.
func (s *Store) Summarize(context.Context, string) (string, error) {
	return "", memory.ErrSummaryUnavailable
}

// Prune drops all but the keep most recent items.
func (s *Store) Prune(_ context.Context, conversationID string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.conversations[conversationID]
	if len(items) <= keep {
		return nil
	}
	kept := make([]memory.Item, keep)
	copy(kept, items[len(items)-keep:])
	s.conversations[conversationID] = kept
	return nil
}

// Reset clears all conversations. Primarily useful in tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string][]memory.Item)
}
