// Package memory defines the conversation store used by agents. Items are
// tagged with role metadata; when an agent rebuilds conversation context it
// keeps user and assistant items only, because tool and assistant_tool items
// are meaningful only alongside the tool_calls references of the turn that
// produced them.
package memory

import (
	"context"
	"errors"
	"time"
)

// Role tags a conversation item.
type Role string

const (
	// RoleUser marks input from the requesting party.
	RoleUser Role = "user"
	// RoleAssistant marks terminal assistant text.
	RoleAssistant Role = "assistant"
	// RoleTool marks a tool response produced during a tool-calling turn.
	RoleTool Role = "tool"
	// RoleAssistantTool marks an assistant turn that carried tool calls.
	RoleAssistantTool Role = "assistant_tool"
)

// DefaultContextWindow is the number of recent items kept when rebuilding
// conversation context.
const DefaultContextWindow = 100

// ErrSummaryUnavailable is returned by stores that do not implement
// summarization. The orchestrator does not summarize; it only yields to
// stores that can.
var ErrSummaryUnavailable = errors.New("memory: summarization unavailable")

type (
	// Item is one conversation entry.
	Item struct {
		Role        Role      `json:"role" bson:"role"`
		Content     string    `json:"content" bson:"content"`
		ToolCallRef string    `json:"tool_call_ref,omitempty" bson:"tool_call_ref,omitempty"`
		Time        time.Time `json:"time" bson:"time"`
	}

	// Store is the pluggable conversation store. The orchestrator uses only
	// Write and Retrieve; Summarize and Prune exist for richer backends.
	Store interface {
		// Write appends one item to the conversation.
		Write(ctx context.Context, conversationID string, item Item) error
		// Retrieve returns up to k most recent items, oldest first. A zero k
		// means DefaultContextWindow. The query is advisory; stores without
		// search ignore it.
		Retrieve(ctx context.Context, conversationID string, k int, query string) ([]Item, error)
		// Summarize produces a summary of the conversation, or
		// ErrSummaryUnavailable.
		Summarize(ctx context.Context, conversationID string) (string, error)
		// Prune drops all but the keep most recent items.
		Prune(ctx context.Context, conversationID string, keep int) error
	}
)

// ContextItems applies the context rule: user and assistant items only, at
// most k most recent, order preserved. A non-positive k means
// DefaultContextWindow.
func ContextItems(items []Item, k int) []Item {
	if k <= 0 {
		k = DefaultContextWindow
	}
	filtered := make([]Item, 0, len(items))
	for _, it := range items {
		if it.Role == RoleUser || it.Role == RoleAssistant {
			filtered = append(filtered, it)
		}
	}
	if len(filtered) > k {
		filtered = filtered[len(filtered)-k:]
	}
	return filtered
}
