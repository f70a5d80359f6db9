// Package mongo implements memory.Store on a MongoDB collection with one
// document per conversation item.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/genesis-fabric/genesis/memory"
)

const (
	// DefaultDatabase is used when Options.Database is empty.
	DefaultDatabase = "genesis"
	// DefaultCollection is used when Options.Collection is empty.
	DefaultCollection = "conversation_items"
	// DefaultTimeout bounds each Mongo operation when the caller context has
	// no deadline.
	DefaultTimeout = 5 * time.Second
)

type (
	// Options configures the store.
	Options struct {
		// Client is a connected Mongo client.
		Client *mongo.Client
		// Database overrides DefaultDatabase.
		Database string
		// Collection overrides DefaultCollection.
		Collection string
		// Timeout overrides DefaultTimeout.
		Timeout time.Duration
	}

	// Store implements memory.Store backed by MongoDB.
	Store struct {
		coll    *mongo.Collection
		timeout time.Duration
	}

	itemDoc struct {
		ConversationID string      `bson:"conversation_id"`
		Role           memory.Role `bson:"role"`
		Content        string      `bson:"content"`
		ToolCallRef    string      `bson:"tool_call_ref,omitempty"`
		Time           time.Time   `bson:"time"`
	}
)

// New validates the options and returns a Mongo-backed store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	db := opts.Database
	if db == "" {
		db = DefaultDatabase
	}
	coll := opts.Collection
	if coll == "" {
		coll = DefaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Store{
		coll:    opts.Client.Database(db).Collection(coll),
		timeout: timeout,
	}, nil
}

// NewFromURI connects a client with the given URI and returns a store on it.
// The caller owns no separate client handle; Close disconnects it.
func NewFromURI(ctx context.Context, uri string, opts Options) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	opts.Client = client
	return New(opts)
}

// EnsureIndexes creates the conversation/time index used by Retrieve. Call it
// once at startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "time", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create memory index: %w", err)
	}
	return nil
}

// Write appends one item to the conversation.
func (s *Store) Write(ctx context.Context, conversationID string, item memory.Item) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if item.Time.IsZero() {
		item.Time = time.Now()
	}
	_, err := s.coll.InsertOne(ctx, itemDoc{
		ConversationID: conversationID,
		Role:           item.Role,
		Content:        item.Content,
		ToolCallRef:    item.ToolCallRef,
		Time:           item.Time,
	})
	if err != nil {
		return fmt.Errorf("insert memory item: %w", err)
	}
	return nil
}

// Retrieve returns up to k most recent items, oldest first.
func (s *Store) Retrieve(ctx context.Context, conversationID string, k int, _ string) ([]memory.Item, error) {
	if k <= 0 {
		k = memory.DefaultContextWindow
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx,
		bson.D{{Key: "conversation_id", Value: conversationID}},
		options.Find().SetSort(bson.D{{Key: "time", Value: -1}}).SetLimit(int64(k)),
	)
	if err != nil {
		return nil, fmt.Errorf("find memory items: %w", err)
	}
	var docs []itemDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode memory items: %w", err)
	}
	items := make([]memory.Item, len(docs))
	for i, d := range docs {
		// Newest first on the wire, oldest first for the caller.
		items[len(docs)-1-i] = memory.Item{
			Role:        d.Role,
			Content:     d.Content,
			ToolCallRef: d.ToolCallRef,
			Time:        d.Time,
		}
	}
	return items, nil
}

// Summarize is not supported by the Mongo store.
func (s *Store) Summarize(context.Context, string) (string, error) {
	return "", memory.ErrSummaryUnavailable
}

// Prune drops all but the keep most recent items.
func (s *Store) Prune(ctx context.Context, conversationID string, keep int) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.D{{Key: "conversation_id", Value: conversationID}}
	if keep <= 0 {
		if _, err := s.coll.DeleteMany(ctx, filter); err != nil {
			return fmt.Errorf("prune conversation: %w", err)
		}
		return nil
	}
	// Find the cutoff: the time of the keep-th most recent item. Everything
	// strictly older goes.
	cur, err := s.coll.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "time", Value: -1}}).SetSkip(int64(keep-1)).SetLimit(1),
	)
	if err != nil {
		return fmt.Errorf("prune conversation: %w", err)
	}
	var boundary []itemDoc
	if err := cur.All(ctx, &boundary); err != nil {
		return fmt.Errorf("prune conversation: %w", err)
	}
	if len(boundary) == 0 {
		return nil
	}
	_, err = s.coll.DeleteMany(ctx, bson.D{
		{Key: "conversation_id", Value: conversationID},
		{Key: "time", Value: bson.D{{Key: "$lt", Value: boundary[0].Time}}},
	})
	if err != nil {
		return fmt.Errorf("prune conversation: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
