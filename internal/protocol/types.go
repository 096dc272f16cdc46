// ABOUTME: Wire types for the two JSON-RPC dialects the relay speaks.
// ABOUTME: Frames, error codes, close codes, and the provider/consumer message shapes.

package protocol

import (
	"encoding/json"
	"errors"
)

// Version is the JSON-RPC version carried on every frame.
const Version = "2.0"

// MaxFrameSize is the maximum accepted size of a single inbound frame (1MB).
const MaxFrameSize = 1 << 20

// ErrMalformedFrame indicates an inbound message that is not a valid
// JSON-RPC frame. Malformed frames are rejected at the connection layer
// and never reach the router.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a single JSON-RPC 2.0 message: request, notification, or
// response. Both listener endpoints read and write this shape. The error
// field stays raw because the two dialects disagree on its contents: the
// consumer side carries an ErrorObject with a numeric code, the provider
// side a ProviderError with a string code.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// ErrorObject is a consumer-facing JSON-RPC 2.0 error object.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	KindInvalid FrameKind = iota
	KindRequest
	KindNotification
	KindResponse
)

// Kind classifies the frame. A frame with a method and an id is a request,
// a method without an id is a notification, and a result or error with an
// id is a response. Anything else is invalid.
func (f *Frame) Kind() FrameKind {
	if f.JSONRPC != Version {
		return KindInvalid
	}
	hasID := len(f.ID) > 0 && string(f.ID) != "null"
	switch {
	case f.Method != "" && hasID:
		return KindRequest
	case f.Method != "":
		return KindNotification
	case hasID && (f.Result != nil || len(f.Error) > 0):
		return KindResponse
	default:
		return KindInvalid
	}
}

// DecodeFrame parses raw bytes into a Frame, returning ErrMalformedFrame
// for anything that is not a structurally valid JSON-RPC message.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, ErrMalformedFrame
	}
	if f.Kind() == KindInvalid {
		return nil, ErrMalformedFrame
	}
	return &f, nil
}

// Consumer-facing (MCP) error codes. The standard JSON-RPC codes are used
// where they apply; relay-specific conditions use the -32000 range.
const (
	CodeParseError          = -32700
	CodeInvalidRequest      = -32600
	CodeMethodNotFound      = -32601
	CodeInvalidParams       = -32602
	CodeInternalError       = -32603
	CodeSessionNotFound     = -32001
	CodeProviderUnavailable = -32002
	CodeCapabilityDenied    = -32003
	CodeToolNotFound        = -32004
	CodeTimeout             = -32005
	CodeSessionTerminated   = -32006
	CodeResourceExhausted   = -32007
)

// CloseCode is a websocket close status used when the relay terminates a
// connection. Values live in the application range (4000+).
type CloseCode int

const (
	CloseSessionNotFound   CloseCode = 4004
	CloseSessionTerminated CloseCode = 4005
	CloseIdleTimeout       CloseCode = 4008
	ClosePolicyViolation   CloseCode = 4009
)

// Provider-facing method names.
const (
	MethodSessionCreate = "session/create"
	MethodToolsRegister = "tools/register"
	MethodGrant         = "capabilities/grant"
	MethodRevoke        = "capabilities/revoke"
	MethodProviderCall  = "tools/call" // relay -> provider
)

// Consumer-facing (MCP) method names.
const (
	MethodInitialize  = "initialize"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodPing        = "ping"
	MethodListChanged = "notifications/tools/list_changed"
)

// ToolDescriptor is a tool advertised by the provider. Names are unique
// within a session. Capabilities gate visibility and callability.
type ToolDescriptor struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	InputSchema    json.RawMessage `json:"inputSchema"`
	OutputSchema   json.RawMessage `json:"outputSchema,omitempty"`
	Capabilities   []string        `json:"capabilities,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`
}

// SessionCreateResult is the provider's answer to session/create.
type SessionCreateResult struct {
	SessionID string `json:"sessionId"`
}

// RegisterToolsParams carries a full replacement tool list from the provider.
type RegisterToolsParams struct {
	Tools []ToolDescriptor `json:"tools"`
}

// GrantParams carries a capability grant from the provider. When
// ExpandImplied is set the relay expands write-level capabilities to their
// read-level counterparts from the standard taxonomy before granting.
type GrantParams struct {
	Capabilities  []string `json:"capabilities"`
	GrantType     string   `json:"grantType,omitempty"`
	ExpandImplied bool     `json:"expandImplied,omitempty"`
}

// RevokeParams carries a capability revocation from the provider.
type RevokeParams struct {
	Capabilities []string `json:"capabilities"`
}

// ProviderCallParams is the relay->provider tools/call payload. Name and
// arguments pass through from the consumer unchanged.
type ProviderCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ProviderError is the structured error shape the provider returns for a
// failed tool call. Code is a string from the provider error taxonomy.
type ProviderError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolInfo is the consumer-facing (MCP) tool definition.
type ToolInfo struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ListToolsResult is the result for a consumer tools/list request.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// CallToolParams are the params for a consumer tools/call request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the result for a consumer tools/call request.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one content block in a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// InitializeResult is the result for a consumer initialize request.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// ServerInfo identifies the relay to consumers.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
