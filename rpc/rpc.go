// Package rpc defines the JSON-RPC 2.0 shapes the engine speaks: requests,
// responses, server-pushed notifications, and the structured error that
// round-trips code and message byte-for-byte on the wire.
package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const Version = "2.0"

// Error codes. Positive codes belong to the protocol engine; negative
// codes are the JSON-RPC 2.0 reserved range.
const (
	CodeNotLoggedIn     = 1
	CodeAlreadyLoggedIn = 2
	CodeAlreadyJoined   = 3
	CodeNoSuchRoom      = 4
	CodeNotAMember      = 5
	CodeNoSuchUser      = 6

	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Error is a structured call failure. It is terminal for the single call
// and is reported back to the caller only.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	ErrNotLoggedIn     = NewError(CodeNotLoggedIn, "Not logged in")
	ErrAlreadyLoggedIn = NewError(CodeAlreadyLoggedIn, "Already logged in")
	ErrAlreadyJoined   = NewError(CodeAlreadyJoined, "Already joined")
	ErrNoSuchRoom      = NewError(CodeNoSuchRoom, "No such room")
	ErrNotAMember      = NewError(CodeNotAMember, "Not a member")
	ErrNoSuchUser      = NewError(CodeNoSuchUser, "No such user")

	ErrParseError     = NewError(CodeParseError, "Parse error")
	ErrInvalidRequest = NewError(CodeInvalidRequest, "Invalid Request")
	ErrMethodNotFound = NewError(CodeMethodNotFound, "Method not found")
	ErrInvalidParams  = NewError(CodeInvalidParams, "Invalid params")
	ErrInternal       = NewError(CodeInternal, "Internal error")
)

// Wrap maps any error to the structured form that may leave the engine.
// A *Error passes through unchanged; anything else becomes Internal so
// internal details never leak to the wire.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return ErrInternal
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code int) bool {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == code
	}
	return false
}

// Request is an inbound call. ID is kept raw: its presence decides whether
// a response is owed, and it is echoed back untouched.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Valid reports whether the request passes the shape checks that precede
// dispatch. Params may be absent, an array, or an object; null and
// scalars fail here, before any method-specific decoding.
func (r *Request) Valid() bool {
	if r.JSONRPC != Version || r.Method == "" {
		return false
	}
	if r.Params == nil {
		return true
	}
	trimmed := bytes.TrimLeft(r.Params, " \t\r\n")
	return len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{')
}

// Response is the reply to a request that carried an id. Exactly one of
// Result and Err is emitted; a success with no value serializes as
// "result": null.
type Response struct {
	ID     json.RawMessage
	Result any
	Err    *Error
}

func NewResult(id json.RawMessage, result any) Response {
	return Response{ID: id, Result: result}
}

func NewErrorResponse(id json.RawMessage, err *Error) Response {
	return Response{ID: id, Err: err}
}

func (r Response) MarshalJSON() ([]byte, error) {
	id := r.ID
	if id == nil {
		id = json.RawMessage("null")
	}
	if r.Err != nil {
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Error   *Error          `json:"error"`
		}{Version, id, r.Err})
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result"`
	}{Version, id, r.Result})
}

// Notification is a server-pushed call with no id and no reply.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

func NewNotification(method string, params any) Notification {
	return Notification{JSONRPC: Version, Method: method, Params: params}
}
