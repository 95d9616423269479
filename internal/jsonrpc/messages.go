package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only supported JSON-RPC protocol version.
const Version = "2.0"

// Message is the raw JSON representation of a JSON-RPC message.
type Message []byte

// Request represents a JSON-RPC request (with an id) or notification (without).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore must
// not produce a response.
func (r *Request) IsNotification() bool { return r.ID.IsNil() }

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{
		JSONRPCVersion: Version,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: Version,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// NewNotification builds an outbound notification request (no id).
func NewNotification(method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = b
	}
	return &Request{
		JSONRPCVersion: Version,
		Method:         method,
		Params:         raw,
	}, nil
}

// ErrInvalidEnvelope is produced by Parse for structurally invalid messages.
// The embedded ID preserves the request id when it could be recovered so the
// caller can still address its error response.
type ErrInvalidEnvelope struct {
	Reason string
	ID     *RequestID
}

func (e *ErrInvalidEnvelope) Error() string { return e.Reason }

// Parse decodes one inbound JSON-RPC message and enforces 2.0 envelope
// semantics. Invalid input yields an *ErrInvalidEnvelope carrying whatever id
// could be recovered from the payload.
func Parse(data []byte) (*Request, error) {
	var raw struct {
		JSONRPCVersion string          `json:"jsonrpc"`
		Method         string          `json:"method"`
		Params         json.RawMessage `json:"params"`
		Result         json.RawMessage `json:"result"`
		Error          *Error          `json:"error"`
		ID             *RequestID      `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		// The id is unrecoverable from malformed JSON.
		return nil, &ErrInvalidEnvelope{Reason: "Invalid Request"}
	}
	if raw.JSONRPCVersion != Version {
		return nil, &ErrInvalidEnvelope{Reason: "Invalid Request", ID: raw.ID}
	}
	if raw.Method == "" {
		return nil, &ErrInvalidEnvelope{Reason: "Invalid Request", ID: raw.ID}
	}
	if len(raw.Result) > 0 || raw.Error != nil {
		return nil, &ErrInvalidEnvelope{Reason: "Invalid Request", ID: raw.ID}
	}
	return &Request{
		JSONRPCVersion: raw.JSONRPCVersion,
		Method:         raw.Method,
		Params:         raw.Params,
		ID:             raw.ID,
	}, nil
}
