// Package relay contains the message router, the orchestration core of
// the relay.
//
// Every in-flight call moves through a small state machine: received,
// authorized against the session's capability grants, forwarded to the
// provider with a pending-request entry and an armed deadline, then
// resolved exactly once as completed, timed out, or errored. Removal from
// the session's pending table is the linearization point, so a race
// between a response arriving and a timeout firing always produces one
// outcome.
//
// The router references connections only through the registry, by session
// and member id. Forwarding never blocks the caller: the response returns
// asynchronously through HandleProviderResponse. Per-session circuit
// breakers fail calls fast when a provider stops accepting frames, and a
// periodic sweeper expires idle sessions and backstops lost deadlines.
package relay
