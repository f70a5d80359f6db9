// Package rpc implements reliable request/reply pairs over the fabric. Every
// service endpoint owns two streams, one for requests and one for replies;
// replies are correlated to requests by request id and requester identity.
// Repliers register their endpoint in the shared advertisement map so that
// requesters can wait for a replier to appear instead of polling.
package rpc

import (
	"encoding/json"
	"errors"
)

// Reply status codes. Zero is success; anything else is a provider-defined
// error whose payload carries a human-readable message.
const (
	StatusOK    = 0
	StatusError = 1
)

// Endpoint registration keys live in the advertisement map under this prefix.
const endpointKeyPrefix = "endpoint:"

var (
	// ErrTimeout reports that a call exceeded its deadline before a reply arrived.
	ErrTimeout = errors.New("rpc: call timed out")
	// ErrNoReplier reports that no replier was discovered within the connect timeout.
	ErrNoReplier = errors.New("rpc: no replier for endpoint")
	// ErrEndpointTaken reports that another live replier already serves the endpoint.
	ErrEndpointTaken = errors.New("rpc: endpoint already served")
	// ErrClosed reports use of a closed requester or replier.
	ErrClosed = errors.New("rpc: connection closed")
	// ErrTransport reports a fabric-level send or receive failure.
	ErrTransport = errors.New("rpc: transport failure")
)

type (
	// Request is the wire shape published on an endpoint's request stream.
	Request struct {
		RequestID  string          `json:"request_id"`
		SourceGUID string          `json:"source_guid"`
		Payload    json.RawMessage `json:"payload"`
	}

	// Reply is the wire shape published on an endpoint's reply stream. The
	// TargetGUID names the requester the reply belongs to; other requesters
	// sharing the stream ignore it.
	Reply struct {
		RequestID  string          `json:"request_id"`
		TargetGUID string          `json:"target_guid"`
		Status     int             `json:"status"`
		Payload    json.RawMessage `json:"payload"`
	}
)

// requestStream names the request stream of an endpoint.
func requestStream(endpoint string) string {
	return "genesis:rpc:" + endpoint + ":req"
}

// replyStream names the reply stream of an endpoint.
func replyStream(endpoint string) string {
	return "genesis:rpc:" + endpoint + ":rep"
}

// endpointKey names the advertisement-map key registering a replier.
func endpointKey(endpoint string) string {
	return endpointKeyPrefix + endpoint
}
