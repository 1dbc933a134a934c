// Package protocol implements the JSON envelope codec for tool invocation.
// Encoding and decoding are pure functions; every envelope is self-describing
// and carries no reference to any prior request.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedRequest indicates the request body could not be decoded into an
// envelope. Unknown methods are not a codec concern and do not trigger it.
var ErrMalformedRequest = errors.New("malformed request")

// Error kinds returned in response envelopes.
const (
	KindMethodNotFound     = "MethodNotFound"
	KindInvalidParams      = "InvalidParams"
	KindUnauthorized       = "Unauthorized"
	KindBackendUnavailable = "BackendUnavailable"
	KindInternal           = "Internal"
)

// Request is the inbound envelope. The ID is an opaque client-assigned
// correlation token preserved byte-for-byte. Extra fields (such as the
// "jsonrpc" marker sent by MCP clients) are tolerated and ignored.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the outbound envelope. Exactly one of Result and Error is set.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the in-band error payload.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Decode parses a request envelope. It fails with ErrMalformedRequest when the
// body is not valid JSON or the method field is missing or empty.
func Decode(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if req.Method == "" {
		return Request{}, fmt.Errorf("%w: method is required", ErrMalformedRequest)
	}
	return req, nil
}

// Encode serializes a response envelope. It is total for well-formed envelopes;
// if the result resists serialization an Internal error envelope is emitted
// instead so the client always receives a response.
func Encode(resp Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		fallback := Response{
			ID:    resp.ID,
			Error: &Error{Kind: KindInternal, Message: "response serialization failed"},
		}
		data, _ = json.Marshal(fallback)
	}
	return data
}

// OK builds a success envelope echoing the request id.
func OK(id json.RawMessage, result any) Response {
	return Response{ID: id, Result: result}
}

// Err builds an error envelope echoing the request id.
func Err(id json.RawMessage, kind, message string) Response {
	return Response{ID: id, Error: &Error{Kind: kind, Message: message}}
}
