// Package server is the connection layer: the two websocket listeners and
// their read loops.
//
// The provider endpoint speaks the provider dialect (session/create,
// tools/register, capabilities/grant, capabilities/revoke) and feeds tool
// call responses back into the router. The consumer endpoint speaks MCP
// (initialize, tools/list, tools/call, ping) and joins the session named in
// the ?session query parameter.
//
// Malformed frames and over-rate traffic are rejected here and never reach
// the router. Each connection gets one reader goroutine and one writer
// goroutine; outbound frames go through a bounded channel so a slow peer
// cannot block routing.
package server
