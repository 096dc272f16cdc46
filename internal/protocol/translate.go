// ABOUTME: Stateless translation between the consumer (MCP) and provider wire dialects.
// ABOUTME: Builds outbound frames and maps provider error codes onto the consumer numeric space.

package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the MCP protocol revision advertised to consumers.
const ProtocolVersion = "2025-03-26"

// providerErrorCodes maps the provider's string error taxonomy onto the
// consumer JSON-RPC numeric space. Unknown codes fall back to internal
// error rather than being dropped.
var providerErrorCodes = map[string]int{
	"tool_not_found":    CodeToolNotFound,
	"invalid_arguments": CodeInvalidParams,
	"permission_denied": CodeCapabilityDenied,
	"timeout":           CodeTimeout,
	"execution_failed":  CodeInternalError,
	"internal":          CodeInternalError,
}

// NewProviderCall builds the relay->provider tools/call request. Name and
// arguments pass through from the consumer untouched; the id carries the
// correlation identifier.
func NewProviderCall(call CallID, name string, args json.RawMessage) (*Frame, error) {
	wireID, err := call.WireID()
	if err != nil {
		return nil, err
	}
	params, err := json.Marshal(ProviderCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("encoding call params: %w", err)
	}
	return &Frame{
		JSONRPC: Version,
		ID:      wireID,
		Method:  MethodProviderCall,
		Params:  params,
	}, nil
}

// NewToolResult wraps a raw provider result into the consumer result
// envelope, addressed to the original request id. The raw payload is
// carried verbatim as a text content block.
func NewToolResult(origin json.RawMessage, result json.RawMessage) (*Frame, error) {
	res, err := json.Marshal(CallToolResult{
		Content: []Content{{Type: "text", Text: string(result)}},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return &Frame{JSONRPC: Version, ID: origin, Result: res}, nil
}

// TranslateProviderError converts a raw provider error payload into a
// consumer error object using the fixed code table. A payload that does
// not match the provider error shape maps to internal error; nothing is
// ever silently dropped.
func TranslateProviderError(raw json.RawMessage) *ErrorObject {
	var perr ProviderError
	if err := json.Unmarshal(raw, &perr); err != nil || perr.Code == "" {
		return &ErrorObject{Code: CodeInternalError, Message: "tool execution failed"}
	}
	code, ok := providerErrorCodes[perr.Code]
	if !ok {
		code = CodeInternalError
	}
	msg := perr.Message
	if msg == "" {
		msg = "tool execution failed"
	}
	return &ErrorObject{Code: code, Message: msg}
}

// NewErrorResponse builds an error response frame for the given request id.
func NewErrorResponse(id json.RawMessage, code int, message string) *Frame {
	data, err := json.Marshal(ErrorObject{Code: code, Message: message})
	if err != nil {
		// ErrorObject with plain fields cannot fail to encode.
		panic(err)
	}
	return &Frame{JSONRPC: Version, ID: id, Error: data}
}

// NewResponse builds a success response frame, encoding the result value.
func NewResponse(id json.RawMessage, result any) (*Frame, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &Frame{JSONRPC: Version, ID: id, Result: data}, nil
}

// ToolsToConsumer converts provider tool descriptors into the consumer
// tools/list result shape. Capability and timeout metadata stay internal.
func ToolsToConsumer(tools []ToolDescriptor) ListToolsResult {
	out := ListToolsResult{Tools: make([]ToolInfo, len(tools))}
	for i, t := range tools {
		out.Tools[i] = ToolInfo{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
		}
	}
	return out
}

// NewListChangedNotification builds the tools/list_changed push sent to
// every consumer of a session when the advertised tool set changes.
func NewListChangedNotification() *Frame {
	return &Frame{JSONRPC: Version, Method: MethodListChanged}
}

// NewInitializeResult builds the consumer initialize response.
func NewInitializeResult(serverName, serverVersion string) InitializeResult {
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		ServerInfo: ServerInfo{Name: serverName, Version: serverVersion},
	}
}
