// Package monitor publishes the runtime topology and activity feed: durable
// node and edge records in a replicated map, and volatile activity events on
// a stream. Observers join the map for a consistent catch-up view and tail
// the stream for live traffic.
package monitor

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// DefaultTopologyMap is the replicated map holding node and edge records.
	DefaultTopologyMap = "genesis:topology"
	// DefaultActivityStream carries volatile activity events.
	DefaultActivityStream = "genesis:monitor:activity"
	// activityEventName is the stream event name for activity records.
	activityEventName = "activity"
)

// NodeState is the lifecycle state of a participant.
type NodeState string

const (
	StateDiscovering NodeState = "DISCOVERING"
	StateReady       NodeState = "READY"
	StateBusy        NodeState = "BUSY"
	StateDegraded    NodeState = "DEGRADED"
	// StateOffline is observer-derived from liveliness loss, never published
	// by the participant itself.
	StateOffline NodeState = "OFFLINE"
)

// NodeKind classifies a topology node.
type NodeKind string

const (
	NodeAgent     NodeKind = "AGENT"
	NodeService   NodeKind = "SERVICE"
	NodeInterface NodeKind = "INTERFACE"
	NodeFunction  NodeKind = "FUNCTION"
)

// EdgeType classifies a topology edge.
type EdgeType string

const (
	EdgeAgentToAgent      EdgeType = "AGENT_AGENT"
	EdgeAgentToService    EdgeType = "AGENT_SERVICE"
	EdgeServiceToFunction EdgeType = "SERVICE_FUNCTION"
	EdgeInterfaceToAgent  EdgeType = "INTERFACE_AGENT"
)

// ActivityType classifies one activity event.
type ActivityType string

const (
	ActivityRequest  ActivityType = "REQUEST"
	ActivityResponse ActivityType = "RESPONSE"
	ActivityError    ActivityType = "ERROR"
	ActivityStart    ActivityType = "START"
	ActivityComplete ActivityType = "COMPLETE"
)

type (
	// Node is one durable topology node record.
	Node struct {
		GUID     string            `json:"guid"`
		Kind     NodeKind          `json:"kind"`
		Name     string            `json:"name,omitempty"`
		State    NodeState         `json:"state"`
		Metadata map[string]string `json:"metadata,omitempty"`
		Time     time.Time         `json:"time"`
	}

	// Edge is one durable topology edge record.
	Edge struct {
		From     string            `json:"from"`
		To       string            `json:"to"`
		Type     EdgeType          `json:"type"`
		Metadata map[string]string `json:"metadata,omitempty"`
		Time     time.Time         `json:"time"`
	}

	// Activity is one volatile activity event.
	Activity struct {
		ChainID    string       `json:"chain_id"`
		Type       ActivityType `json:"activity_type"`
		Source     string       `json:"source"`
		Target     string       `json:"target,omitempty"`
		Operation  string       `json:"operation,omitempty"`
		Status     int          `json:"status"`
		DurationMS int64        `json:"duration_ms,omitempty"`
		Payload    string       `json:"payload,omitempty"`
		Error      string       `json:"error,omitempty"`
		Time       time.Time    `json:"time"`
	}
)

// NodeKey is the topology map key for a node record.
func NodeKey(guid string) string { return "node:" + guid }

// EdgeKey is the topology map key for an edge record. One key per
// (from, to, type) triple, so republishing is idempotent.
func EdgeKey(from, to string, typ EdgeType) string {
	return fmt.Sprintf("edge:%s:%s:%s", from, to, typ)
}

func encodeNode(n Node) (string, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("encode node record: %w", err)
	}
	return string(data), nil
}

func encodeEdge(e Edge) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode edge record: %w", err)
	}
	return string(data), nil
}

// DecodeNode parses a node record from its map value.
func DecodeNode(value string) (Node, error) {
	var n Node
	if err := json.Unmarshal([]byte(value), &n); err != nil {
		return Node{}, fmt.Errorf("decode node record: %w", err)
	}
	return n, nil
}

// DecodeEdge parses an edge record from its map value.
func DecodeEdge(value string) (Edge, error) {
	var e Edge
	if err := json.Unmarshal([]byte(value), &e); err != nil {
		return Edge{}, fmt.Errorf("decode edge record: %w", err)
	}
	return e, nil
}
