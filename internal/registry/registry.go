// ABOUTME: Maps live connections to (session, role, member) and back.
// ABOUTME: Exclusively owns connection references; the router only ever goes through here.

package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/toolbridge/internal/protocol"
	"github.com/2389/toolbridge/internal/session"
)

// ErrAlreadyBound indicates the connection is already bound to a session.
var ErrAlreadyBound = errors.New("connection already bound")

// ErrProviderBound indicates the session already has a provider. A session
// has at most one provider connection at any time.
var ErrProviderBound = errors.New("session already has a provider")

// Role distinguishes the two endpoint kinds.
type Role string

const (
	RoleProvider Role = "provider"
	RoleConsumer Role = "consumer"
)

// Peer is the outbound half of a connection as seen by the routing core.
// The connection layer implements it; everything above references peers
// through the registry so routing logic never holds transport lifetimes.
type Peer interface {
	// ID returns the process-local connection handle.
	ID() string
	// Send enqueues a frame for delivery. It must not block on the
	// network; a send to a dead or saturated peer returns an error.
	Send(frame *protocol.Frame) error
	// CloseWith closes the connection with a close code and reason.
	CloseWith(code protocol.CloseCode, reason string)
}

// Binding records what a connection is bound to.
type Binding struct {
	SessionID session.ID
	Role      Role
	Member    string // empty for providers
}

// Registry is the bidirectional connection index. All methods are safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*entry
	providers map[session.ID]Peer
	consumers map[session.ID]map[string]Peer
	logger    *slog.Logger
}

type entry struct {
	peer    Peer
	binding Binding
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:     make(map[string]*entry),
		providers: make(map[session.ID]Peer),
		consumers: make(map[session.ID]map[string]Peer),
		logger:    logger,
	}
}

// Bind associates a connection with a session under a role. Provider
// bindings are exclusive per session.
func (r *Registry) Bind(peer Peer, sid session.ID, role Role, member string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[peer.ID()]; exists {
		return ErrAlreadyBound
	}

	switch role {
	case RoleProvider:
		if _, exists := r.providers[sid]; exists {
			return ErrProviderBound
		}
		r.providers[sid] = peer
	case RoleConsumer:
		members, ok := r.consumers[sid]
		if !ok {
			members = make(map[string]Peer)
			r.consumers[sid] = members
		}
		members[member] = peer
	}

	r.conns[peer.ID()] = &entry{
		peer:    peer,
		binding: Binding{SessionID: sid, Role: role, Member: member},
	}

	r.logger.Debug("connection bound",
		"conn_id", peer.ID(),
		"session_id", sid,
		"role", role,
		"member_id", member,
	)
	return nil
}

// Unbind removes a connection. Returns the binding it held so the caller
// can cascade: a provider unbind tears down the whole session, a consumer
// unbind removes only that member.
func (r *Registry) Unbind(connID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent, ok := r.conns[connID]
	if !ok {
		return Binding{}, false
	}
	delete(r.conns, connID)

	b := ent.binding
	switch b.Role {
	case RoleProvider:
		// Only clear if this connection still holds the slot.
		if p, exists := r.providers[b.SessionID]; exists && p.ID() == connID {
			delete(r.providers, b.SessionID)
		}
	case RoleConsumer:
		if members, exists := r.consumers[b.SessionID]; exists {
			if p, has := members[b.Member]; has && p.ID() == connID {
				delete(members, b.Member)
			}
			if len(members) == 0 {
				delete(r.consumers, b.SessionID)
			}
		}
	}

	r.logger.Debug("connection unbound",
		"conn_id", connID,
		"session_id", b.SessionID,
		"role", b.Role,
		"member_id", b.Member,
	)
	return b, true
}

// Lookup returns the binding held by a connection.
func (r *Registry) Lookup(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.conns[connID]
	if !ok {
		return Binding{}, false
	}
	return ent.binding, true
}

// Provider returns the provider connection for a session, if bound.
func (r *Registry) Provider(sid session.ID) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[sid]
	return p, ok
}

// Consumer returns the connection for one member of a session.
func (r *Registry) Consumer(sid session.ID, member string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.consumers[sid]
	if !ok {
		return nil, false
	}
	p, ok := members[member]
	return p, ok
}

// Consumers returns a snapshot of all member connections of a session,
// keyed by member id. Used for fan-out and teardown.
func (r *Registry) Consumers(sid session.ID) map[string]Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.consumers[sid]
	if !ok {
		return nil
	}
	out := make(map[string]Peer, len(members))
	for m, p := range members {
		out[m] = p
	}
	return out
}

// Len returns the number of bound connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
