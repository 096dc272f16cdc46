// ABOUTME: Capability gate deciding tool visibility and callability for a session.
// ABOUTME: Pure functions over a capability set; checks literal string membership only.

package capability

import (
	"fmt"
	"sort"
	"strings"

	"github.com/2389/toolbridge/internal/protocol"
)

// DeniedError reports a call blocked by missing capabilities.
type DeniedError struct {
	Tool    string
	Missing []string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("capability denied for tool %q: missing %s", e.Tool, strings.Join(e.Missing, ", "))
}

// Set is a set of granted capability strings.
type Set map[string]struct{}

// NewSet builds a Set from capability strings.
func NewSet(caps ...string) Set {
	s := make(Set, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether the capability is present.
func (s Set) Has(cap string) bool {
	_, ok := s[cap]
	return ok
}

// Missing returns the required capabilities not present in the set, sorted.
func (s Set) Missing(required []string) []string {
	var missing []string
	for _, req := range required {
		if !s.Has(req) {
			missing = append(missing, req)
		}
	}
	sort.Strings(missing)
	return missing
}

// List returns the capabilities in sorted order.
func (s Set) List() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Visible reports whether every capability the tool requires is granted.
// The check is literal string membership; implied capabilities are never
// inferred here (see ExpandImplied).
func Visible(grants Set, tool protocol.ToolDescriptor) bool {
	return len(grants.Missing(tool.Capabilities)) == 0
}

// FilterTools returns the tools visible under the given grants, preserving
// order. Tools with no capability requirements are always visible.
func FilterTools(grants Set, tools []protocol.ToolDescriptor) []protocol.ToolDescriptor {
	out := make([]protocol.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if Visible(grants, t) {
			out = append(out, t)
		}
	}
	return out
}

// Authorize checks callability of a tool under the given grants. Returns a
// DeniedError naming the missing capabilities, or nil.
func Authorize(grants Set, tool protocol.ToolDescriptor) error {
	if missing := grants.Missing(tool.Capabilities); len(missing) > 0 {
		return &DeniedError{Tool: tool.Name, Missing: missing}
	}
	return nil
}

// impliedReads is the standard taxonomy of write-level capabilities and the
// read-level capability each implies.
var impliedReads = map[string]string{
	"dom:write":       "dom:read",
	"storage:write":   "storage:read",
	"cookies:write":   "cookies:read",
	"clipboard:write": "clipboard:read",
	"tabs:write":      "tabs:read",
	"network:send":    "network:read",
}

// ExpandImplied returns the capability list with read-level counterparts of
// any write-level capabilities appended. This is a declaration-time
// convenience for grant issuers; the gate itself never applies it, so a
// grant that relies on inheritance must be expanded before it is stored.
func ExpandImplied(caps []string) []string {
	seen := NewSet(caps...)
	out := make([]string, 0, len(caps)+2)
	out = append(out, caps...)
	for _, c := range caps {
		if implied, ok := impliedReads[c]; ok && !seen.Has(implied) {
			seen[implied] = struct{}{}
			out = append(out, implied)
		}
	}
	return out
}
