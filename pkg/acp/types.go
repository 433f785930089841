package acp

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes used on the agent wire.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	HandlerError   = -32000
)

// Outbound methods sent to agents.
const (
	MethodInitialize = "initialize"
	MethodSessionNew = "session/new"
	MethodPrompt     = "session/prompt"
)

// Inbound methods handled from agents.
const (
	MethodRequestPermission = "session/request_permission"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
)

// MessageKind classifies a decoded wire message
type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindCall
	KindResponse
	KindNotification
)

// String returns a human-readable kind name
func (k MessageKind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Message represents a single JSON-RPC 2.0 message on the agent stream.
// ID is kept as raw JSON so both numeric and string ids round-trip
// unchanged when echoed back in responses.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// HasID reports whether the message carries a usable (non-null) id
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// Kind classifies the message as call, response, or notification.
// A non-null id with a method is a call; a non-null id without a method
// is a response to an outstanding call; a method without an id is a
// notification.
func (m *Message) Kind() MessageKind {
	switch {
	case m.HasID() && m.Method != "":
		return KindCall
	case m.HasID():
		return KindResponse
	case m.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// NewCall builds an outbound call message with a numeric id
func NewCall(id int64, method string, params interface{}) (Message, error) {
	rawID, _ := json.Marshal(id)
	msg := Message{JSONRPC: "2.0", ID: rawID, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResult builds a response message echoing the caller's id
func NewResult(id json.RawMessage, result interface{}) (Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return Message{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewError builds an error response message echoing the caller's id
func NewError(id json.RawMessage, code int, message string) Message {
	return Message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// Encode serializes the message as a single newline-terminated line
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(data, '\n'), nil
}
