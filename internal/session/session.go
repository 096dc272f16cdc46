// ABOUTME: Session record: grants, tools, members, and the pending-request table.
// ABOUTME: All mutations lock the record's own mutex so unrelated sessions never contend.

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/toolbridge/internal/capability"
	"github.com/2389/toolbridge/internal/protocol"
)

// ErrTerminated indicates an operation against a session that has been
// torn down.
var ErrTerminated = errors.New("session terminated")

// ErrTooManyMembers indicates the session member limit has been reached.
var ErrTooManyMembers = errors.New("member limit reached")

// ErrPendingLimit indicates the in-flight request cap has been reached.
// Callers surface this as a resource-exhausted error, never queue.
var ErrPendingLimit = errors.New("pending request limit reached")

// ErrCorrelationCollision indicates two concurrently pending requests with
// the same correlation id. This is a programming invariant violation; the
// router aborts the affected session when it sees it.
var ErrCorrelationCollision = errors.New("correlation id collision")

// ErrDuplicateTool indicates a registration with a repeated tool name.
var ErrDuplicateTool = errors.New("duplicate tool name")

// GrantType describes the scope of a capability grant.
type GrantType string

const (
	GrantSession    GrantType = "session"
	GrantPersistent GrantType = "persistent"
	GrantOnce       GrantType = "once"
)

// Grant is the metadata kept per granted capability.
type Grant struct {
	Type      GrantType
	GrantedAt time.Time
}

// PendingRequest is one forwarded tool call awaiting its provider
// response. Resolve is attached by the router and invoked by whichever
// path removes the entry; removal from the table is the linearization
// point, so exactly one of completion, timeout, or teardown wins.
type PendingRequest struct {
	Call      protocol.CallID
	CreatedAt time.Time
	Deadline  time.Time
	Resolve   func(success bool)
}

// Limits bounds a session's resource usage. Values are stamped onto each
// record at creation from the store configuration.
type Limits struct {
	TTL        time.Duration
	MaxTTL     time.Duration
	MaxPending int
	MaxMembers int
}

// Session is one isolated routing scope: a provider's advertised tools and
// grants, joined consumers, and the in-flight call table.
type Session struct {
	ID        ID
	CreatedAt time.Time

	limits Limits
	logger *slog.Logger

	mu         sync.Mutex
	expiresAt  time.Time
	terminated bool
	tools      []protocol.ToolDescriptor
	grants     map[string]Grant
	members    map[string]time.Time
	pending    map[string]*PendingRequest
}

// Terminated reports whether the session has been torn down.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// ExpiresAt returns the current expiry deadline.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// Touch extends the expiry on activity, bounded by the maximum TTL ceiling
// measured from creation.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	next := now.Add(s.limits.TTL)
	if ceiling := s.CreatedAt.Add(s.limits.MaxTTL); next.After(ceiling) {
		next = ceiling
	}
	if next.After(s.expiresAt) {
		s.expiresAt = next
	}
}

// Expired reports whether the expiry deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.After(s.expiresAt)
}

// Join adds a consumer member. Fails when the member limit is reached or
// the session is gone.
func (s *Session) Join(member string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return ErrTerminated
	}
	if len(s.members) >= s.limits.MaxMembers {
		return ErrTooManyMembers
	}
	s.members[member] = now
	return nil
}

// Leave removes a member. The session and other members are unaffected.
func (s *Session) Leave(member string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, member)
}

// Members returns the current member identifiers.
func (s *Session) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	return out
}

// SetTools replaces the advertised tool list. Tool names must be unique
// within the session. Tools requiring capabilities outside the current
// grant set are accepted but logged; they stay invisible until granted.
func (s *Session) SetTools(tools []protocol.ToolDescriptor) error {
	seen := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return fmt.Errorf("%w: empty tool name", ErrDuplicateTool)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateTool, t.Name)
		}
		seen[t.Name] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return ErrTerminated
	}
	for _, t := range tools {
		for _, cap := range t.Capabilities {
			if _, ok := s.grants[cap]; !ok {
				s.logger.Warn("tool requires ungranted capability",
					"session_id", s.ID,
					"tool", t.Name,
					"capability", cap,
				)
			}
		}
	}
	s.tools = make([]protocol.ToolDescriptor, len(tools))
	copy(s.tools, tools)
	return nil
}

// Tools returns a copy of the advertised tool list.
func (s *Session) Tools() []protocol.ToolDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ToolDescriptor, len(s.tools))
	copy(out, s.tools)
	return out
}

// FindTool returns the descriptor for a tool name.
func (s *Session) FindTool(name string) (protocol.ToolDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tools {
		if t.Name == name {
			return t, true
		}
	}
	return protocol.ToolDescriptor{}, false
}

// AddGrants adds capabilities with set semantics. Re-granting an existing
// capability leaves it untouched. Returns whether the set changed.
func (s *Session) AddGrants(caps []string, typ GrantType, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return false
	}
	changed := false
	for _, c := range caps {
		if _, exists := s.grants[c]; !exists {
			s.grants[c] = Grant{Type: typ, GrantedAt: now}
			changed = true
		}
	}
	return changed
}

// RemoveGrants revokes capabilities. Returns whether the set changed.
func (s *Session) RemoveGrants(caps []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, c := range caps {
		if _, exists := s.grants[c]; exists {
			delete(s.grants, c)
			changed = true
		}
	}
	return changed
}

// Grants returns the granted capability strings as a set.
func (s *Session) Grants() capability.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(capability.Set, len(s.grants))
	for c := range s.grants {
		set[c] = struct{}{}
	}
	return set
}

// grantRecord returns the metadata for one granted capability.
func (s *Session) grantRecord(cap string) (Grant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[cap]
	return g, ok
}

// AddPending inserts an in-flight call. Enforces the pending bound and the
// correlation uniqueness invariant.
func (s *Session) AddPending(req *PendingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return ErrTerminated
	}
	if len(s.pending) >= s.limits.MaxPending {
		return ErrPendingLimit
	}
	key := req.Call.Key()
	if _, exists := s.pending[key]; exists {
		return fmt.Errorf("%w: %s", ErrCorrelationCollision, key)
	}
	s.pending[key] = req
	return nil
}

// RemovePending removes and returns the entry for a correlation id. The
// second return is false when the entry was already resolved by a racing
// path; callers must treat that as "the other outcome won" and do nothing.
func (s *Session) RemovePending(call protocol.CallID) (*PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := call.Key()
	req, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	return req, ok
}

// TakeOverdue removes and returns pending entries whose deadline has
// passed. Backstop for the per-request timers; resolving an entry twice is
// impossible because removal is the tiebreaker.
func (s *Session) TakeOverdue(now time.Time) []*PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PendingRequest
	for key, req := range s.pending {
		if now.After(req.Deadline) {
			out = append(out, req)
			delete(s.pending, key)
		}
	}
	return out
}

// TakeAllPending drains the pending table, returning every still-open
// entry. Used at teardown to resolve them as terminated.
func (s *Session) TakeAllPending() []*PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PendingRequest, 0, len(s.pending))
	for _, req := range s.pending {
		out = append(out, req)
	}
	s.pending = make(map[string]*PendingRequest)
	return out
}

// PendingCount returns the number of in-flight calls.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// markTerminated flips the terminated flag; further mutations fail with
// ErrTerminated. Called only by the store, which owns the arena.
func (s *Session) markTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return false
	}
	s.terminated = true
	return true
}
