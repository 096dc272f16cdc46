// ABOUTME: Typed correlation identifier linking a provider response to the consumer that asked.
// ABOUTME: Serialized as "member:originalID" only at the wire boundary; opaque to the provider.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrBadCallID indicates a provider response id that does not carry a valid
// correlation identifier.
var ErrBadCallID = errors.New("invalid correlation id")

// CallID identifies one in-flight tool call. Member is the relay-assigned
// member identifier of the requesting consumer; Origin is the request id
// exactly as that consumer issued it.
type CallID struct {
	Member string
	Origin json.RawMessage
}

// Key returns a map key for the pending-request table. Two pending calls
// collide only if both member and original id are equal.
func (c CallID) Key() string {
	return c.Member + ":" + string(c.Origin)
}

// WireID encodes the correlation id as a JSON string usable as the id of
// the relay->provider request. Member ids never contain a colon, so the
// first colon always separates the two halves.
func (c CallID) WireID() (json.RawMessage, error) {
	if c.Member == "" || len(c.Origin) == 0 {
		return nil, ErrBadCallID
	}
	if strings.Contains(c.Member, ":") {
		return nil, fmt.Errorf("%w: member %q contains separator", ErrBadCallID, c.Member)
	}
	return json.Marshal(c.Member + ":" + string(c.Origin))
}

// ParseWireID decodes a provider response id back into a CallID.
func ParseWireID(id json.RawMessage) (CallID, error) {
	var s string
	if err := json.Unmarshal(id, &s); err != nil {
		return CallID{}, ErrBadCallID
	}
	member, origin, ok := strings.Cut(s, ":")
	if !ok || member == "" || origin == "" {
		return CallID{}, ErrBadCallID
	}
	if !json.Valid([]byte(origin)) {
		return CallID{}, ErrBadCallID
	}
	return CallID{Member: member, Origin: json.RawMessage(origin)}, nil
}
