// Package envelope implements the wire shapes exchanged with vCD through the
// broker: the inbound [request, context] tuple and the outbound reply
// object. There is no routing metadata carried in these shapes -- the
// broker's own delivery properties already provide it.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// DefaultContentType is used whenever a reply doesn't carry an explicit one.
const DefaultContentType = "application/*+json;version=31.0"

// InboundRequest is the first element of the inbound envelope tuple.
type InboundRequest struct {
	ID          string            `json:"id"`
	Method      string            `json:"method"`
	RequestURI  string            `json:"requestUri"`
	QueryString string            `json:"queryString"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"` // base64-encoded
}

// InboundContext is the second element of the inbound envelope tuple.
// Unknown fields are ignored by the Go json decoder by default.
type InboundContext struct {
	Org    string   `json:"org"`
	User   string   `json:"user"`
	Rights []string `json:"rights"`
}

// Inbound is the decoded [request, context] delivery payload.
type Inbound struct {
	Request InboundRequest
	Context InboundContext
}

// ParseInbound decodes a delivery body into an Inbound. Any failure here is
// a parse error: the caller logs and drops, it never raises past the
// dispatcher.
func ParseInbound(body []byte) (*Inbound, error) {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(body, &tuple); err != nil {
		return nil, fmt.Errorf("envelope: not a two-element JSON array: %w", err)
	}
	var in Inbound
	if err := json.Unmarshal(tuple[0], &in.Request); err != nil {
		return nil, fmt.Errorf("envelope: invalid request object: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &in.Context); err != nil {
		return nil, fmt.Errorf("envelope: invalid context object: %w", err)
	}
	return &in, nil
}

// ReplyHeaders is the headers sub-object of the outbound reply envelope.
type ReplyHeaders struct {
	ContentType   string `json:"Content-Type"`
	ContentLength int    `json:"Content-Length"`
}

// Reply is the outbound reply envelope published back through the broker.
type Reply struct {
	ID         string       `json:"id"`
	Headers    ReplyHeaders `json:"headers"`
	StatusCode int          `json:"statusCode"`
	Body       string       `json:"body"` // base64-encoded
}

// EncodeReply builds the outbound reply envelope JSON for a decoded response
// body. Content-Length is the length of decodedBody itself, not of its
// base64 encoding.
func EncodeReply(id, contentType string, statusCode int, decodedBody []byte) ([]byte, error) {
	if contentType == "" {
		contentType = DefaultContentType
	}
	r := Reply{
		ID: id,
		Headers: ReplyHeaders{
			ContentType:   contentType,
			ContentLength: len(decodedBody),
		},
		StatusCode: statusCode,
		Body:       base64.StdEncoding.EncodeToString(decodedBody),
	}
	return json.Marshal(r)
}

// ReplyProperties carries everything the reply publisher needs besides the
// body: the delivery metadata to address the reply, plus the subset of
// request metadata (id, accept) taken from the request. Only the id is
// echoed into the reply envelope; Accept is carried but not written into it.
type ReplyProperties struct {
	ID              string
	Accept          string
	CorrelationID   string
	ReplyTo         string
	ReplyToExchange string
	StatusCode      int
	ContentType     string
}
