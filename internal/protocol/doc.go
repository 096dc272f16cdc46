// Package protocol defines the two JSON-RPC dialects the relay translates
// between and the correlation scheme that ties them together.
//
// # Dialects
//
// Consumers speak MCP-shaped JSON-RPC: initialize, tools/list, tools/call,
// ping, and the notifications/tools/list_changed push. Providers speak the
// relay's provider dialect: session/create, tools/register,
// capabilities/grant, capabilities/revoke, and relay-initiated tools/call.
//
// # Correlation
//
// Every call forwarded to the provider carries a CallID: the requesting
// member's identifier plus the request id exactly as that member issued
// it. Internally the pair stays a typed struct; it is flattened to a
// "member:id" JSON string only when a frame crosses the provider wire, and
// parsed back when the response returns. The provider treats the id as
// opaque.
//
// # Error mapping
//
// Provider errors carry string codes ("tool_not_found", "timeout", ...).
// TranslateProviderError maps them onto the consumer's numeric JSON-RPC
// space via a fixed table; unknown codes become internal errors, never
// silently dropped.
//
// All functions in this package are stateless and safe for concurrent use.
package protocol
