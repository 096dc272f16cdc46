// ABOUTME: The message router: classifies, authorizes, correlates, and dispatches calls.
// ABOUTME: Owns the per-call state machine from Received through Completed/TimedOut/Errored.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/2389/toolbridge/internal/capability"
	"github.com/2389/toolbridge/internal/protocol"
	"github.com/2389/toolbridge/internal/registry"
	"github.com/2389/toolbridge/internal/session"
)

// ErrProviderUnavailable indicates no healthy provider is bound to the
// session when a call arrives. Calls are failed immediately, never queued.
var ErrProviderUnavailable = errors.New("provider unavailable")

// ErrToolNotFound indicates the named tool is not advertised by the session.
var ErrToolNotFound = errors.New("tool not found")

// ErrUnknownGrantType indicates a grant with a type outside the taxonomy.
var ErrUnknownGrantType = errors.New("unknown grant type")

// DefaultTimeout applies to calls with no tool-specific override.
const DefaultTimeout = 30 * time.Second

// breaker settings: five consecutive forwarding failures open the circuit
// for ten seconds, during which calls fail fast as ProviderUnavailable.
const (
	breakerFailures = 5
	breakerCooldown = 10 * time.Second
)

// Config configures a Router.
type Config struct {
	Store    *session.Store
	Registry *registry.Registry
	Logger   *slog.Logger
	Timeout  time.Duration // default call timeout
}

// Router is the orchestration core. It never holds connections directly;
// all sends go through registry lookups by session and member id.
type Router struct {
	store    *session.Store
	registry *registry.Registry
	logger   *slog.Logger
	timeout  time.Duration

	breakerMu sync.Mutex
	breakers  map[session.ID]*gobreaker.TwoStepCircuitBreaker
}

// New creates a Router.
func New(cfg Config) *Router {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:    cfg.Store,
		registry: cfg.Registry,
		logger:   logger,
		timeout:  timeout,
		breakers: make(map[session.ID]*gobreaker.TwoStepCircuitBreaker),
	}
}

// CreateSession allocates a session and binds the calling connection as
// its provider.
func (r *Router) CreateSession(ctx context.Context, peer registry.Peer) (*session.Session, error) {
	sess := r.store.Create(ctx)
	if err := r.registry.Bind(peer, sess.ID, registry.RoleProvider, ""); err != nil {
		r.store.Terminate(ctx, sess.ID, "provider bind failed")
		return nil, fmt.Errorf("binding provider: %w", err)
	}
	return sess, nil
}

// RegisterTools replaces the session's advertised tool list and notifies
// every joined consumer.
func (r *Router) RegisterTools(sid session.ID, tools []protocol.ToolDescriptor) error {
	sess, err := r.store.Get(sid)
	if err != nil {
		return err
	}
	if err := sess.SetTools(tools); err != nil {
		return err
	}
	sess.Touch(time.Now().UTC())
	r.logger.Info("tools registered",
		"session_id", sid,
		"tool_count", len(tools),
	)
	r.broadcastListChanged(sid)
	return nil
}

// Grant adds capabilities to the session's grant set. Expansion of implied
// read-level capabilities happens here, at declaration time, and only when
// the provider asked for it; the gate itself never infers.
func (r *Router) Grant(ctx context.Context, sid session.ID, params protocol.GrantParams) error {
	sess, err := r.store.Get(sid)
	if err != nil {
		return err
	}

	caps := params.Capabilities
	if params.ExpandImplied {
		caps = capability.ExpandImplied(caps)
	}
	typ := session.GrantType(params.GrantType)
	switch typ {
	case session.GrantSession, session.GrantPersistent, session.GrantOnce:
	case "":
		typ = session.GrantSession
	default:
		return fmt.Errorf("%w: %q", ErrUnknownGrantType, params.GrantType)
	}

	now := time.Now().UTC()
	sess.Touch(now)
	if !sess.AddGrants(caps, typ, now) {
		// Set semantics: re-granting is a no-op, no notification.
		return nil
	}

	if err := r.store.Journal().CapabilityChange(ctx, sid, "grant", caps, now); err != nil {
		r.logger.Warn("journal write failed", "session_id", sid, "error", err)
	}
	r.logger.Info("capabilities granted",
		"session_id", sid,
		"capabilities", caps,
		"grant_type", typ,
	)
	r.broadcastListChanged(sid)
	return nil
}

// Revoke removes capabilities from the session's grant set.
func (r *Router) Revoke(ctx context.Context, sid session.ID, caps []string) error {
	sess, err := r.store.Get(sid)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	sess.Touch(now)
	if !sess.RemoveGrants(caps) {
		return nil
	}

	if err := r.store.Journal().CapabilityChange(ctx, sid, "revoke", caps, now); err != nil {
		r.logger.Warn("journal write failed", "session_id", sid, "error", err)
	}
	r.logger.Info("capabilities revoked",
		"session_id", sid,
		"capabilities", caps,
	)
	r.broadcastListChanged(sid)
	return nil
}

// Join adds a consumer member to a session and binds its connection.
func (r *Router) Join(sid session.ID, member string, peer registry.Peer) (*session.Session, error) {
	sess, err := r.store.Get(sid)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := sess.Join(member, now); err != nil {
		return nil, err
	}
	if err := r.registry.Bind(peer, sid, registry.RoleConsumer, member); err != nil {
		sess.Leave(member)
		return nil, fmt.Errorf("binding consumer: %w", err)
	}
	sess.Touch(now)
	r.logger.Info("consumer joined",
		"session_id", sid,
		"member_id", member,
		"members", len(sess.Members()),
	)
	return sess, nil
}

// ListTools returns the tools visible to the session's consumers after
// capability filtering.
func (r *Router) ListTools(sid session.ID) ([]protocol.ToolDescriptor, error) {
	sess, err := r.store.Get(sid)
	if err != nil {
		return nil, err
	}
	sess.Touch(time.Now().UTC())
	return capability.FilterTools(sess.Grants(), sess.Tools()), nil
}

// CallTool runs the forwarding half of the call state machine: authorize,
// insert the pending entry, arm the deadline, translate, and send to the
// provider. A nil return means the response will be delivered to the
// member asynchronously; an error means the call failed before forwarding
// and the caller answers the member immediately.
func (r *Router) CallTool(ctx context.Context, sid session.ID, member string, origin json.RawMessage, params protocol.CallToolParams) error {
	sess, err := r.store.Get(sid)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	sess.Touch(now)

	tool, found := sess.FindTool(params.Name)
	if !found {
		return fmt.Errorf("%w: %q", ErrToolNotFound, params.Name)
	}
	if err := capability.Authorize(sess.Grants(), tool); err != nil {
		return err
	}

	provider, ok := r.registry.Provider(sid)
	if !ok {
		return ErrProviderUnavailable
	}

	done, err := r.breaker(sid).Allow()
	if err != nil {
		r.logger.Warn("provider circuit open, failing fast",
			"session_id", sid,
			"tool", params.Name,
		)
		return ErrProviderUnavailable
	}

	timeout := r.timeout
	if tool.TimeoutSeconds > 0 {
		timeout = time.Duration(tool.TimeoutSeconds) * time.Second
	}

	call := protocol.CallID{Member: member, Origin: origin}
	// Timer is armed before the entry is published so Resolve never sees
	// it half-initialized; the insert below is the memory barrier.
	timer := time.AfterFunc(timeout, func() { r.expireCall(sid, call) })
	req := &session.PendingRequest{
		Call:      call,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		Resolve: func(success bool) {
			timer.Stop()
			done(success)
		},
	}

	if err := sess.AddPending(req); err != nil {
		timer.Stop()
		done(true) // not the provider's fault; don't trip the breaker
		if errors.Is(err, session.ErrCorrelationCollision) {
			// Invariant violation: abort the session, not the process.
			r.logger.Error("correlation id collision, aborting session",
				"session_id", sid,
				"member_id", member,
			)
			r.Terminate(ctx, sid, "correlation id collision")
		}
		return err
	}

	frame, err := protocol.NewProviderCall(call, params.Name, params.Arguments)
	if err != nil {
		if req, ok := sess.RemovePending(call); ok {
			req.Resolve(true)
		}
		return err
	}

	if err := provider.Send(frame); err != nil {
		if req, ok := sess.RemovePending(call); ok {
			req.Resolve(false)
		}
		r.logger.Warn("forward to provider failed",
			"session_id", sid,
			"tool", params.Name,
			"error", err,
		)
		return ErrProviderUnavailable
	}

	r.logger.Debug("call forwarded",
		"session_id", sid,
		"member_id", member,
		"tool", params.Name,
		"deadline", req.Deadline,
	)
	return nil
}

// HandleProviderResponse routes a provider response back to the consumer
// that issued the matching request. Stale responses (timeout already
// fired, consumer gone, session gone) are discarded without error.
func (r *Router) HandleProviderResponse(sid session.ID, frame *protocol.Frame) {
	call, err := protocol.ParseWireID(frame.ID)
	if err != nil {
		r.logger.Warn("provider response with invalid correlation id",
			"session_id", sid,
			"id", string(frame.ID),
		)
		return
	}

	sess, err := r.store.Get(sid)
	if err != nil {
		r.logger.Debug("response for terminated session discarded", "session_id", sid)
		return
	}

	req, ok := sess.RemovePending(call)
	if !ok {
		// Timed out or torn down in the meantime: exactly one outcome.
		r.logger.Debug("stale provider response discarded",
			"session_id", sid,
			"member_id", call.Member,
		)
		return
	}
	req.Resolve(true)
	sess.Touch(time.Now().UTC())

	var out *protocol.Frame
	if len(frame.Error) > 0 {
		obj := protocol.TranslateProviderError(frame.Error)
		out = protocol.NewErrorResponse(call.Origin, obj.Code, obj.Message)
	} else {
		out, err = protocol.NewToolResult(call.Origin, frame.Result)
		if err != nil {
			out = protocol.NewErrorResponse(call.Origin, protocol.CodeInternalError, "failed to encode tool result")
		}
	}

	peer, ok := r.registry.Consumer(sid, call.Member)
	if !ok {
		// The member dropped while the call was in flight; it already
		// abandoned the request.
		r.logger.Debug("response for departed member discarded",
			"session_id", sid,
			"member_id", call.Member,
		)
		return
	}
	if err := peer.Send(out); err != nil {
		r.logger.Debug("response delivery failed",
			"session_id", sid,
			"member_id", call.Member,
			"error", err,
		)
	}
}

// Disconnect handles a connection going away. Provider disconnect cascades
// into full session teardown; consumer disconnect removes only that
// member, leaving its in-flight calls to resolve naturally.
func (r *Router) Disconnect(ctx context.Context, connID string) {
	binding, ok := r.registry.Unbind(connID)
	if !ok {
		return
	}
	switch binding.Role {
	case registry.RoleProvider:
		r.Terminate(ctx, binding.SessionID, "provider disconnected")
	case registry.RoleConsumer:
		if sess, err := r.store.Get(binding.SessionID); err == nil {
			sess.Leave(binding.Member)
			r.logger.Info("consumer left",
				"session_id", binding.SessionID,
				"member_id", binding.Member,
			)
		}
	}
}

// Terminate tears down a session: every still-pending call is resolved as
// terminated, every member connection is closed with a defined reason, and
// the provider connection is released. Idempotent.
func (r *Router) Terminate(ctx context.Context, sid session.ID, reason string) {
	sess, ok := r.store.Terminate(ctx, sid, reason)
	if !ok {
		return
	}

	pending := sess.TakeAllPending()
	consumers := r.registry.Consumers(sid)

	for _, req := range pending {
		if req.Resolve != nil {
			req.Resolve(true)
		}
		if peer, ok := consumers[req.Call.Member]; ok {
			frame := protocol.NewErrorResponse(req.Call.Origin, protocol.CodeSessionTerminated, "session terminated: "+reason)
			if err := peer.Send(frame); err != nil {
				r.logger.Debug("teardown error delivery failed",
					"session_id", sid,
					"member_id", req.Call.Member,
				)
			}
		}
	}

	for member, peer := range consumers {
		peer.CloseWith(protocol.CloseSessionTerminated, reason)
		sess.Leave(member)
	}
	if provider, ok := r.registry.Provider(sid); ok {
		provider.CloseWith(protocol.CloseSessionTerminated, reason)
	}

	r.breakerMu.Lock()
	delete(r.breakers, sid)
	r.breakerMu.Unlock()

	r.logger.Info("session torn down",
		"session_id", sid,
		"reason", reason,
		"pending_resolved", len(pending),
		"members_closed", len(consumers),
	)
}

// RunSweeper periodically expires idle sessions and acts as a backstop for
// pending-call deadlines. Runs until the context is cancelled.
func (r *Router) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx, time.Now().UTC())
		}
	}
}

// sweep runs one pass: terminate expired sessions, then time out any
// overdue pending entries whose timers were lost.
func (r *Router) sweep(ctx context.Context, now time.Time) {
	for _, id := range r.store.SweepExpired(now) {
		r.Terminate(ctx, id, "session expired")
	}
	for _, sess := range r.store.All() {
		for _, req := range sess.TakeOverdue(now) {
			r.resolveTimeout(sess.ID, req)
		}
	}
}

// expireCall fires when a per-request timer elapses. If the response beat
// the timer, the entry is already gone and this is a no-op.
func (r *Router) expireCall(sid session.ID, call protocol.CallID) {
	sess, err := r.store.Get(sid)
	if err != nil {
		return
	}
	req, ok := sess.RemovePending(call)
	if !ok {
		return
	}
	r.resolveTimeout(sid, req)
}

// resolveTimeout finishes a timed-out call: records the failure on the
// breaker and synthesizes a timeout error to the requesting member. The
// provider's late response, if it ever arrives, finds no pending entry and
// is discarded as stale.
func (r *Router) resolveTimeout(sid session.ID, req *session.PendingRequest) {
	if req.Resolve != nil {
		req.Resolve(false)
	}
	r.logger.Warn("tool call timed out",
		"session_id", sid,
		"member_id", req.Call.Member,
		"waited", time.Since(req.CreatedAt),
	)
	if peer, ok := r.registry.Consumer(sid, req.Call.Member); ok {
		frame := protocol.NewErrorResponse(req.Call.Origin, protocol.CodeTimeout, "tool call timed out")
		if err := peer.Send(frame); err != nil {
			r.logger.Debug("timeout delivery failed",
				"session_id", sid,
				"member_id", req.Call.Member,
			)
		}
	}
}

// broadcastListChanged enqueues one notification per current member. The
// member set is enumerated explicitly; there are no subscriber lists.
func (r *Router) broadcastListChanged(sid session.ID) {
	frame := protocol.NewListChangedNotification()
	for member, peer := range r.registry.Consumers(sid) {
		if err := peer.Send(frame); err != nil {
			r.logger.Debug("list_changed delivery failed",
				"session_id", sid,
				"member_id", member,
			)
		}
	}
}

// breaker returns the session's circuit breaker, creating it lazily.
func (r *Router) breaker(sid session.ID) *gobreaker.TwoStepCircuitBreaker {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()
	cb, ok := r.breakers[sid]
	if !ok {
		cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:    "provider:" + string(sid),
			Timeout: breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
		})
		r.breakers[sid] = cb
	}
	return cb
}
