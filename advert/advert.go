// Package advert implements the GENESIS advertisement bus: a single durable
// keyed topic carrying tagged announcements of agents and functions. The bus
// is the only source of truth for who is on the network. It is backed by a
// Pulse replicated map, which keeps at most one live value per key, replays
// all live entries to late joiners, and notifies subscribers on every change.
package advert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind tags an advertisement as announcing an agent or a function.
type Kind string

const (
	// KindAgent announces an agent and its agent-to-agent endpoint.
	KindAgent Kind = "AGENT"
	// KindFunction announces a remotely callable function hosted by a service.
	KindFunction Kind = "FUNCTION"
)

// Map key prefixes. Advertisement entries and heartbeat entries share the
// replicated map; prefixes keep the namespaces apart.
const (
	agentKeyPrefix    = "agent:"
	functionKeyPrefix = "function:"
	liveKeyPrefix     = "live:"
)

// ErrBadPayload reports an advertisement value that could not be decoded.
// Bad entries are logged and skipped; they never abort the listener.
var ErrBadPayload = errors.New("advert: malformed advertisement payload")

type (
	// AgentPayload is the payload of an AGENT advertisement.
	AgentPayload struct {
		GUID            string   `json:"guid"`
		Name            string   `json:"name"`
		Endpoint        string   `json:"endpoint"`
		Specializations []string `json:"specializations,omitempty"`
		Capabilities    []string `json:"capabilities,omitempty"`
		Description     string   `json:"description,omitempty"`
	}

	// FunctionPayload is the payload of a FUNCTION advertisement.
	FunctionPayload struct {
		FunctionID      string          `json:"function_id"`
		Name            string          `json:"name"`
		Description     string          `json:"description,omitempty"`
		ParameterSchema json.RawMessage `json:"parameter_schema,omitempty"`
		ProviderGUID    string          `json:"provider_guid"`
		Endpoint        string          `json:"endpoint"`
	}

	// Advertisement is the decoded form of one live bus entry.
	Advertisement struct {
		Kind           Kind
		AdvertiserGUID string
		// Agent is set when Kind is KindAgent.
		Agent *AgentPayload
		// Function is set when Kind is KindFunction.
		Function *FunctionPayload
	}

	// record is the JSON envelope stored as the map value.
	record struct {
		Kind           Kind            `json:"kind"`
		AdvertiserGUID string          `json:"advertiser_guid"`
		Payload        json.RawMessage `json:"payload"`
	}
)

// AgentKey returns the bus key for an agent advertisement.
func AgentKey(guid string) string {
	return agentKeyPrefix + guid
}

// FunctionKey returns the bus key for a function advertisement.
func FunctionKey(guid, functionID string) string {
	return functionKeyPrefix + guid + ":" + functionID
}

// liveKey returns the heartbeat key for a participant.
func liveKey(guid string) string {
	return liveKeyPrefix + guid
}

// LiveKey returns the heartbeat key for a participant. Observers use it to
// check participant liveliness against the shared map.
func LiveKey(guid string) string {
	return liveKey(guid)
}

// HeartbeatFresh reports whether a heartbeat value (nanosecond timestamp) is
// within the staleness window.
func HeartbeatFresh(value string, staleAfter time.Duration) bool {
	ns, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return false
	}
	return time.Since(time.Unix(0, ns)) <= staleAfter
}

// kindOfKey classifies a bus key, returning false for keys that are not
// advertisements (heartbeats, endpoint registrations).
func kindOfKey(key string) (Kind, bool) {
	switch {
	case strings.HasPrefix(key, agentKeyPrefix):
		return KindAgent, true
	case strings.HasPrefix(key, functionKeyPrefix):
		return KindFunction, true
	default:
		return "", false
	}
}

// ownerOfKey extracts the advertiser guid from an advertisement key.
func ownerOfKey(key string) string {
	switch {
	case strings.HasPrefix(key, agentKeyPrefix):
		return strings.TrimPrefix(key, agentKeyPrefix)
	case strings.HasPrefix(key, functionKeyPrefix):
		rest := strings.TrimPrefix(key, functionKeyPrefix)
		if i := strings.IndexByte(rest, ':'); i > 0 {
			return rest[:i]
		}
		return rest
	default:
		return ""
	}
}

// decode parses a raw map value into an Advertisement.
func decode(value string) (Advertisement, error) {
	var rec record
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return Advertisement{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	ad := Advertisement{Kind: rec.Kind, AdvertiserGUID: rec.AdvertiserGUID}
	switch rec.Kind {
	case KindAgent:
		var p AgentPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return Advertisement{}, fmt.Errorf("%w: agent payload: %v", ErrBadPayload, err)
		}
		ad.Agent = &p
	case KindFunction:
		var p FunctionPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return Advertisement{}, fmt.Errorf("%w: function payload: %v", ErrBadPayload, err)
		}
		ad.Function = &p
	default:
		return Advertisement{}, fmt.Errorf("%w: unknown kind %q", ErrBadPayload, rec.Kind)
	}
	return ad, nil
}

// encode renders an Advertisement into the stored map value.
func encode(kind Kind, guid string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	b, err := json.Marshal(record{Kind: kind, AdvertiserGUID: guid, Payload: raw})
	if err != nil {
		return "", fmt.Errorf("marshal %s record: %w", kind, err)
	}
	return string(b), nil
}
