// Package jsonrpc implements the JSON-RPC 2.0 message shapes used on both
// gateway wire protocols. It is a codec only: framing and dispatch belong to
// the transport owning the connection.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the fixed protocol version tag.
const Version = "2.0"

// Well-known fault codes. The positive 400 code is the authentication fault
// producers receive, kept distinct from the reserved -32xxx range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeUnauthorized   = 400
)

// Error is a typed RPC fault with an explicit code field.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: code %d: %s", e.Code, e.Message)
}

// NewError builds a fault value for the given code with a canonical message
// when none is supplied.
func NewError(code int, message string) *Error {
	if message == "" {
		switch code {
		case CodeParseError:
			message = "Parse error"
		case CodeInvalidRequest:
			message = "Invalid request"
		case CodeMethodNotFound:
			message = "Method not found"
		case CodeInvalidParams:
			message = "Invalid params"
		case CodeInternalError:
			message = "Internal error"
		case CodeUnauthorized:
			message = "Unauthorized"
		default:
			message = "Unknown error"
		}
	}
	return &Error{Code: code, Message: message}
}

// Type classifies a parsed message.
type Type int

const (
	TypeInvalid Type = iota
	TypeRequest
	TypeNotification
	TypeSuccess
	TypeError
)

// Payload is the single wire shape; which fields are set determines the type.
type Payload struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Err     *Error          `json:"error,omitempty"`
}

// IDEquals reports whether the payload's correlation ID matches id. Both a
// numeric and a string echo of the ID are accepted.
func (p *Payload) IDEquals(id uint64) bool {
	if len(p.ID) == 0 {
		return false
	}
	want := strconv.FormatUint(id, 10)
	raw := bytes.TrimSpace(p.ID)
	if string(raw) == want {
		return true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == want
	}
	return false
}

// Parsed is the result of decoding one frame.
type Parsed struct {
	Type    Type
	Payload Payload
}

// Parse decodes a single JSON-RPC frame and classifies it. A frame that is
// not valid JSON or not a JSON-RPC object yields TypeInvalid together with
// the corresponding fault.
func Parse(data []byte) (*Parsed, *Error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return &Parsed{Type: TypeInvalid}, NewError(CodeParseError, "")
	}
	if p.Version != Version {
		return &Parsed{Type: TypeInvalid, Payload: p}, NewError(CodeInvalidRequest, "")
	}
	switch {
	case p.Method != "" && len(p.ID) > 0:
		return &Parsed{Type: TypeRequest, Payload: p}, nil
	case p.Method != "":
		return &Parsed{Type: TypeNotification, Payload: p}, nil
	case p.Err != nil:
		return &Parsed{Type: TypeError, Payload: p}, nil
	case len(p.ID) > 0:
		return &Parsed{Type: TypeSuccess, Payload: p}, nil
	}
	return &Parsed{Type: TypeInvalid, Payload: p}, NewError(CodeInvalidRequest, "")
}

// Request encodes a request frame with a numeric correlation ID.
func Request(id uint64, method string, params any) ([]byte, error) {
	return marshal(rawID(id), method, params, nil, nil)
}

// Notification encodes a request frame without an ID, expecting no response.
func Notification(method string, params any) ([]byte, error) {
	return marshal(nil, method, params, nil, nil)
}

// Success encodes a result frame answering the request carrying id.
func Success(id json.RawMessage, result any) ([]byte, error) {
	return marshal(id, "", nil, result, nil)
}

// ErrorResponse encodes a fault frame answering the request carrying id.
func ErrorResponse(id json.RawMessage, rpcErr *Error) ([]byte, error) {
	return marshal(id, "", nil, nil, rpcErr)
}

func rawID(id uint64) json.RawMessage {
	return json.RawMessage(strconv.FormatUint(id, 10))
}

func marshal(id json.RawMessage, method string, params, result any, rpcErr *Error) ([]byte, error) {
	p := struct {
		Version string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Method  string          `json:"method,omitempty"`
		Params  any             `json:"params,omitempty"`
		Result  any             `json:"result,omitempty"`
		Err     *Error          `json:"error,omitempty"`
	}{Version: Version, ID: id, Method: method, Params: params, Result: result, Err: rpcErr}

	// A success response must carry a result member even when it is null.
	if method == "" && rpcErr == nil && result == nil {
		p.Result = json.RawMessage("null")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonrpc payload: %w", err)
	}
	return data, nil
}
