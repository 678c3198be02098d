// Package protocol defines the wire types for the stdio tool protocol.
//
// The protocol is JSON-RPC 2.0, one message per line. The protocol layer is
// responsible only for message shapes and (de)serialization; spawning,
// framing and correlation live in the transport layer.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version carried by every message.
const Version = "2.0"

// ProtocolVersion is the tool-protocol revision this client speaks. The
// initialize response must report a compatible version.
const ProtocolVersion = "2024-11-05"

// Method names understood by tool backends.
const (
	MethodInitialize = "initialize"
	MethodToolsCall  = "tools/call"
	MethodShutdown   = "shutdown"
)

// Request is a JSON-RPC 2.0 request. Every request carries a unique,
// strictly increasing id used to match its response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request with the given id and method. params may be
// nil for parameterless methods.
func NewRequest(id uint64, method string, params interface{}) (*Request, error) {
	req := &Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// Notification is a JSON-RPC message without an id. The server does not
// respond to notifications; the shutdown notice is sent this way.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewNotification builds an id-less message for the given method.
func NewNotification(method string) *Notification {
	return &Notification{JSONRPC: Version, Method: method}
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is
// set on a well-formed message.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Ok reports whether the response carries a result and no error.
func (r *Response) Ok() bool {
	return r.Error == nil && r.Result != nil
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("[error %d] %s", e.Code, e.Message)
}

// JSON-RPC standard error codes, plus backend-specific extensions.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerError = -32000
	CodeInitFailed  = -32001
	CodeToolFailed  = -32002
	CodeUnknownTool = -32003
)

// -------------------------------------------------------
// Method payloads
// -------------------------------------------------------

// ClientInfo identifies the client during the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// ServerInfo identifies the backend in the initialize response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the payload of a successful initialize response.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// ToolCallParams is the payload of a tools/call request.
type ToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ParseResponse decodes one line of backend output into a Response.
// It rejects messages with the wrong JSON-RPC version and messages that
// carry both a result and an error.
func ParseResponse(line []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if resp.JSONRPC != Version {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", resp.JSONRPC)
	}
	if resp.Result != nil && resp.Error != nil {
		return nil, fmt.Errorf("response %d carries both result and error", resp.ID)
	}
	return &resp, nil
}
