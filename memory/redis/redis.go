// Package redis implements memory.Store on a Redis list per conversation.
// Items are appended as JSON documents; retrieval reads the tail of the list
// so the window query costs O(k) regardless of conversation length.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/genesis-fabric/genesis/memory"
)

// DefaultKeyPrefix prefixes the per-conversation list keys.
const DefaultKeyPrefix = "genesis:memory:"

type (
	// Options configures the store.
	Options struct {
		// Client is the Redis client, typically shared with the fabric client.
		Client *redis.Client
		// KeyPrefix overrides DefaultKeyPrefix.
		KeyPrefix string
	}

	// Store implements memory.Store backed by Redis lists.
	Store struct {
		rdb    *redis.Client
		prefix string
	}
)

// New validates the options and returns a Redis-backed store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{rdb: opts.Client, prefix: prefix}, nil
}

func (s *Store) key(conversationID string) string {
	return s.prefix + conversationID
}

// Write appends one item to the conversation list.
func (s *Store) Write(ctx context.Context, conversationID string, item memory.Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal memory item: %w", err)
	}
	if err := s.rdb.RPush(ctx, s.key(conversationID), data).Err(); err != nil {
		return fmt.Errorf("append memory item: %w", err)
	}
	return nil
}

// Retrieve returns up to k most recent items, oldest first.
func (s *Store) Retrieve(ctx context.Context, conversationID string, k int, _ string) ([]memory.Item, error) {
	if k <= 0 {
		k = memory.DefaultContextWindow
	}
	raw, err := s.rdb.LRange(ctx, s.key(conversationID), int64(-k), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read memory items: %w", err)
	}
	items := make([]memory.Item, 0, len(raw))
	for _, r := range raw {
		var it memory.Item
		if err := json.Unmarshal([]byte(r), &it); err != nil {
			return nil, fmt.Errorf("decode memory item: %w", err)
		}
		items = append(items, it)
	}
	return items, nil
}

// Summarize is not supported by the Redis store.
func (s *Store) Summarize(context.Context, string) (string, error) {
	return "", memory.ErrSummaryUnavailable
}

// Prune drops all but the keep most recent items.
func (s *Store) Prune(ctx context.Context, conversationID string, keep int) error {
	if keep <= 0 {
		if err := s.rdb.Del(ctx, s.key(conversationID)).Err(); err != nil {
			return fmt.Errorf("prune conversation: %w", err)
		}
		return nil
	}
	if err := s.rdb.LTrim(ctx, s.key(conversationID), int64(-keep), -1).Err(); err != nil {
		return fmt.Errorf("prune conversation: %w", err)
	}
	return nil
}
