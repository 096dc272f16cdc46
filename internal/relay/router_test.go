// ABOUTME: Tests for the message router's correlation, timeout, and teardown behavior.
// ABOUTME: Exercises concurrent multi-member calls and the grant/revoke visibility scenario.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolbridge/internal/capability"
	"github.com/2389/toolbridge/internal/protocol"
	"github.com/2389/toolbridge/internal/registry"
	"github.com/2389/toolbridge/internal/session"
)

// fakePeer records outbound frames and close calls.
type fakePeer struct {
	id     string
	frames chan *protocol.Frame

	mu        sync.Mutex
	closed    bool
	closeCode protocol.CloseCode
	sendErr   error
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id, frames: make(chan *protocol.Frame, 32)}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(f *protocol.Frame) error {
	p.mu.Lock()
	err := p.sendErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case p.frames <- f:
		return nil
	default:
		return errors.New("frame buffer full")
	}
}

func (p *fakePeer) CloseWith(code protocol.CloseCode, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.closeCode = code
	}
}

func (p *fakePeer) failSends(err error) {
	p.mu.Lock()
	p.sendErr = err
	p.mu.Unlock()
}

func (p *fakePeer) isClosed() (bool, protocol.CloseCode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.closeCode
}

// waitFrame blocks until the peer receives a frame or the test times out.
func waitFrame(t *testing.T, p *fakePeer) *protocol.Frame {
	t.Helper()
	select {
	case f := <-p.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// expectNoFrame asserts the peer stays quiet for a short window.
func expectNoFrame(t *testing.T, p *fakePeer) {
	t.Helper()
	select {
	case f := <-p.frames:
		t.Fatalf("unexpected frame: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

type fixture struct {
	router   *Router
	store    *session.Store
	registry *registry.Registry
	provider *fakePeer
	sess     *session.Session
}

// newFixture stands up a router with a bound provider session.
func newFixture(t *testing.T, timeout time.Duration, limits session.Limits) *fixture {
	t.Helper()
	store := session.NewStore(session.StoreConfig{Limits: limits, Logger: slog.Default()})
	reg := registry.New(slog.Default())
	router := New(Config{Store: store, Registry: reg, Logger: slog.Default(), Timeout: timeout})

	provider := newFakePeer("provider-conn")
	sess, err := router.CreateSession(context.Background(), provider)
	require.NoError(t, err)

	return &fixture{router: router, store: store, registry: reg, provider: provider, sess: sess}
}

func (f *fixture) registerEcho(t *testing.T, caps ...string) {
	t.Helper()
	require.NoError(t, f.router.RegisterTools(f.sess.ID, []protocol.ToolDescriptor{{
		Name:         "echo",
		Description:  "returns its arguments",
		InputSchema:  json.RawMessage(`{"type":"object"}`),
		Capabilities: caps,
	}}))
}

func (f *fixture) join(t *testing.T, member string) *fakePeer {
	t.Helper()
	peer := newFakePeer("conn-" + member)
	_, err := f.router.Join(f.sess.ID, member, peer)
	require.NoError(t, err)
	return peer
}

// echoRespond reads one forwarded call from the provider and feeds the
// arguments back as the result, like a synthetic echo tool.
func echoRespond(t *testing.T, f *fixture) {
	t.Helper()
	fwd := waitFrame(t, f.provider)
	require.Equal(t, protocol.MethodProviderCall, fwd.Method)

	var params protocol.ProviderCallParams
	require.NoError(t, json.Unmarshal(fwd.Params, &params))

	f.router.HandleProviderResponse(f.sess.ID, &protocol.Frame{
		JSONRPC: protocol.Version,
		ID:      fwd.ID,
		Result:  params.Arguments,
	})
}

func TestCreateSessionBindsProvider(t *testing.T) {
	f := newFixture(t, 0, session.Limits{})
	p, ok := f.registry.Provider(f.sess.ID)
	require.True(t, ok)
	assert.Equal(t, "provider-conn", p.ID())
}

func TestEchoCallRoundTrip(t *testing.T) {
	f := newFixture(t, 0, session.Limits{})
	f.registerEcho(t, "dom:read")
	require.NoError(t, f.router.Grant(context.Background(), f.sess.ID, protocol.GrantParams{
		Capabilities: []string{"dom:read"},
	}))

	consumer := f.join(t, "m1")
	// The grant happened before the join, so no notification is queued.

	args := json.RawMessage(`{"x":1}`)
	err := f.router.CallTool(context.Background(), f.sess.ID, "m1", json.RawMessage("1"), protocol.CallToolParams{
		Name:      "echo",
		Arguments: args,
	})
	require.NoError(t, err)

	echoRespond(t, f)

	reply := waitFrame(t, consumer)
	assert.Equal(t, "1", string(reply.ID))

	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, `{"x":1}`, result.Content[0].Text)
}

func TestConcurrentCallsRoutedToIssuer(t *testing.T) {
	f := newFixture(t, 0, session.Limits{})
	f.registerEcho(t)

	c1 := f.join(t, "m1")
	c2 := f.join(t, "m2")

	// Both members call the same tool with their own payloads.
	require.NoError(t, f.router.CallTool(context.Background(), f.sess.ID, "m1", json.RawMessage("10"), protocol.CallToolParams{
		Name: "echo", Arguments: json.RawMessage(`{"from":"m1"}`),
	}))
	require.NoError(t, f.router.CallTool(context.Background(), f.sess.ID, "m2", json.RawMessage("20"), protocol.CallToolParams{
		Name: "echo", Arguments: json.RawMessage(`{"from":"m2"}`),
	}))

	first := waitFrame(t, f.provider)
	second := waitFrame(t, f.provider)

	// Provider answers the second request first.
	var params protocol.ProviderCallParams
	require.NoError(t, json.Unmarshal(second.Params, &params))
	f.router.HandleProviderResponse(f.sess.ID, &protocol.Frame{
		JSONRPC: protocol.Version, ID: second.ID, Result: params.Arguments,
	})
	require.NoError(t, json.Unmarshal(first.Params, &params))
	f.router.HandleProviderResponse(f.sess.ID, &protocol.Frame{
		JSONRPC: protocol.Version, ID: first.ID, Result: params.Arguments,
	})

	r1 := waitFrame(t, c1)
	r2 := waitFrame(t, c2)

	assert.Equal(t, "10", string(r1.ID))
	assert.Equal(t, "20", string(r2.ID))

	var res protocol.CallToolResult
	require.NoError(t, json.Unmarshal(r1.Result, &res))
	assert.Contains(t, res.Content[0].Text, "m1")
	require.NoError(t, json.Unmarshal(r2.Result, &res))
	assert.Contains(t, res.Content[0].Text, "m2")
}

func TestCallFailuresBeforeForwarding(t *testing.T) {
	f := newFixture(t, 0, session.Limits{MaxPending: 1})
	f.registerEcho(t, "dom:read")
	f.join(t, "m1")

	ctx := context.Background()

	t.Run("unknown session", func(t *testing.T) {
		err := f.router.CallTool(ctx, "nope", "m1", json.RawMessage("1"), protocol.CallToolParams{Name: "echo"})
		assert.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("tool not found", func(t *testing.T) {
		err := f.router.CallTool(ctx, f.sess.ID, "m1", json.RawMessage("1"), protocol.CallToolParams{Name: "missing"})
		assert.ErrorIs(t, err, ErrToolNotFound)
	})

	t.Run("capability denied", func(t *testing.T) {
		err := f.router.CallTool(ctx, f.sess.ID, "m1", json.RawMessage("1"), protocol.CallToolParams{Name: "echo"})
		var denied *capability.DeniedError
		require.ErrorAs(t, err, &denied)
		assert.Equal(t, []string{"dom:read"}, denied.Missing)
	})

	t.Run("pending limit", func(t *testing.T) {
		require.NoError(t, f.router.Grant(ctx, f.sess.ID, protocol.GrantParams{Capabilities: []string{"dom:read"}}))
		require.NoError(t, f.router.CallTool(ctx, f.sess.ID, "m1", json.RawMessage("1"), protocol.CallToolParams{Name: "echo"}))

		err := f.router.CallTool(ctx, f.sess.ID, "m1", json.RawMessage("2"), protocol.CallToolParams{Name: "echo"})
		assert.ErrorIs(t, err, session.ErrPendingLimit)
	})
}

func TestCallWithoutProviderFailsFast(t *testing.T) {
	f := newFixture(t, 0, session.Limits{})
	f.registerEcho(t)
	f.join(t, "m1")

	// Provider drops but the session survives long enough for the call.
	f.registry.Unbind(f.provider.ID())

	err := f.router.CallTool(context.Background(), f.sess.ID, "m1", json.RawMessage("1"), protocol.CallToolParams{Name: "echo"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Zero(t, f.sess.PendingCount(), "failed call must not leave a pending entry")
}

func TestTimeoutThenLateResponseDiscarded(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, session.Limits{})
	f.registerEcho(t)
	consumer := f.join(t, "m1")

	require.NoError(t, f.router.CallTool(context.Background(), f.sess.ID, "m1", json.RawMessage("1"), protocol.CallToolParams{
		Name: "echo", Arguments: json.RawMessage(`{}`),
	}))
	fwd := waitFrame(t, f.provider)

	// Provider never answers; the member gets a timeout error.
	reply := waitFrame(t, consumer)
	assert.Equal(t, "1", string(reply.ID))

	var errObj protocol.ErrorObject
	require.NoError(t, json.Unmarshal(reply.Error, &errObj))
	assert.Equal(t, protocol.CodeTimeout, errObj.Code)

	// The response that finally arrives is stale and silently dropped.
	f.router.HandleProviderResponse(f.sess.ID, &protocol.Frame{
		JSONRPC: protocol.Version, ID: fwd.ID, Result: json.RawMessage(`{}`),
	})
	expectNoFrame(t, consumer)
}

func TestProviderErrorTranslated(t *testing.T) {
	f := newFixture(t, 0, session.Limits{})
	f.registerEcho(t)
	consumer := f.join(t, "m1")

	require.NoError(t, f.router.CallTool(context.Background(), f.sess.ID, "m1", json.RawMessage("5"), protocol.CallToolParams{Name: "echo"}))
	fwd := waitFrame(t, f.provider)

	f.router.HandleProviderResponse(f.sess.ID, &protocol.Frame{
		JSONRPC: protocol.Version,
		ID:      fwd.ID,
		Error:   json.RawMessage(`{"code":"execution_failed","message":"worker crashed"}`),
	})

	reply := waitFrame(t, consumer)
	var errObj protocol.ErrorObject
	require.NoError(t, json.Unmarshal(reply.Error, &errObj))
	assert.Equal(t, protocol.CodeInternalError, errObj.Code)
	assert.Equal(t, "worker crashed", errObj.Message)
}

func TestGrantRevokeVisibilityScenario(t *testing.T) {
	f := newFixture(t, 0, session.Limits{})
	f.registerEcho(t, "dom:read")
	ctx := context.Background()

	require.NoError(t, f.router.Grant(ctx, f.sess.ID, protocol.GrantParams{Capabilities: []string{"dom:read"}}))
	consumer := f.join(t, "m1")

	// Tool is visible and callable.
	tools, err := f.router.ListTools(f.sess.ID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	require.NoError(t, f.router.CallTool(ctx, f.sess.ID, "m1", json.RawMessage("1"), protocol.CallToolParams{
		Name: "echo", Arguments: json.RawMessage(`{"x":1}`),
	}))
	echoRespond(t, f)
	reply := waitFrame(t, consumer)
	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.Equal(t, `{"x":1}`, result.Content[0].Text)

	// Revoke: members are notified, the tool disappears, calls are denied.
	require.NoError(t, f.router.Revoke(ctx, f.sess.ID, []string{"dom:read"}))
	note := waitFrame(t, consumer)
	assert.Equal(t, protocol.MethodListChanged, note.Method)

	tools, err = f.router.ListTools(f.sess.ID)
	require.NoError(t, err)
	assert.Empty(t, tools)

	err = f.router.CallTool(ctx, f.sess.ID, "m1", json.RawMessage("2"), protocol.CallToolParams{Name: "echo"})
	var denied *capability.DeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestGrantIdempotence(t *testing.T) {
	f := newFixture(t, 0, session.Limits{})
	ctx := context.Background()
	consumer := f.join(t, "m1")

	require.NoError(t, f.router.Grant(ctx, f.sess.ID, protocol.GrantParams{Capabilities: []string{"dom:read"}}))
	note := waitFrame(t, consumer)
	assert.Equal(t, protocol.MethodListChanged, note.Method)

	// Same grant again: set unchanged, no second notification.
	require.NoError(t, f.router.Grant(ctx, f.sess.ID, protocol.GrantParams{Capabilities: []string{"dom:read"}}))
	expectNoFrame(t, consumer)
	assert.Equal(t, []string{"dom:read"}, f.sess.Grants().List())
}

func TestGrantExpandImplied(t *testing.T) {
	f := newFixture(t, 0, session.Limits{})
	require.NoError(t, f.router.Grant(context.Background(), f.sess.ID, protocol.GrantParams{
		Capabilities:  []string{"dom:write"},
		ExpandImplied: true,
	}))
	assert.Equal(t, []string{"dom:read", "dom:write"}, f.sess.Grants().List())
}

func TestGrantWithoutExpansionStaysLiteral(t *testing.T) {
	f := newFixture(t, 0, session.Limits{})
	require.NoError(t, f.router.Grant(context.Background(), f.sess.ID, protocol.GrantParams{
		Capabilities: []string{"dom:write"},
	}))
	assert.Equal(t, []string{"dom:write"}, f.sess.Grants().List())
}

func TestRegisterToolsNotifiesMembers(t *testing.T) {
	f := newFixture(t, 0, session.Limits{})
	c1 := f.join(t, "m1")
	c2 := f.join(t, "m2")

	f.registerEcho(t)

	for _, c := range []*fakePeer{c1, c2} {
		note := waitFrame(t, c)
		assert.Equal(t, protocol.MethodListChanged, note.Method)
	}
}

func TestTerminateResolvesAllPending(t *testing.T) {
	f := newFixture(t, 0, session.Limits{})
	f.registerEcho(t)

	const members = 3
	consumers := make(map[string]*fakePeer, members)
	for i := 0; i < members; i++ {
		m := fmt.Sprintf("m%d", i)
		consumers[m] = f.join(t, m)
		require.NoError(t, f.router.CallTool(context.Background(), f.sess.ID, m, json.RawMessage(fmt.Sprintf("%d", i)), protocol.CallToolParams{
			Name: "echo", Arguments: json.RawMessage(`{}`),
		}))
	}
	require.Equal(t, members, f.sess.PendingCount())

	f.router.Terminate(context.Background(), f.sess.ID, "test teardown")

	for m, c := range consumers {
		reply := waitFrame(t, c)
		var errObj protocol.ErrorObject
		require.NoError(t, json.Unmarshal(reply.Error, &errObj), "member %s", m)
		assert.Equal(t, protocol.CodeSessionTerminated, errObj.Code)

		closed, code := c.isClosed()
		assert.True(t, closed, "member %s connection must be closed", m)
		assert.Equal(t, protocol.CloseSessionTerminated, code)

		// Exactly once: no duplicate resolution.
		expectNoFrame(t, c)
	}

	_, err := f.store.Get(f.sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	// Terminating again is a no-op.
	f.router.Terminate(context.Background(), f.sess.ID, "again")
}

func TestProviderDisconnectCascades(t *testing.T) {
	f := newFixture(t, 0, session.Limits{})
	consumer := f.join(t, "m1")

	f.router.Disconnect(context.Background(), f.provider.ID())

	closed, code := consumer.isClosed()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseSessionTerminated, code)

	_, err := f.store.Get(f.sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestConsumerDisconnectLeavesSessionIntact(t *testing.T) {
	f := newFixture(t, 0, session.Limits{})
	f.registerEcho(t)
	c1 := f.join(t, "m1")
	f.join(t, "m2")

	// m1 has a call in flight when it drops.
	require.NoError(t, f.router.CallTool(context.Background(), f.sess.ID, "m1", json.RawMessage("1"), protocol.CallToolParams{
		Name: "echo", Arguments: json.RawMessage(`{}`),
	}))
	fwd := waitFrame(t, f.provider)

	f.router.Disconnect(context.Background(), c1.ID())

	_, err := f.store.Get(f.sess.ID)
	assert.NoError(t, err, "session survives consumer disconnect")
	assert.Equal(t, []string{"m2"}, f.sess.Members())

	// The in-flight response resolves naturally and is discarded.
	f.router.HandleProviderResponse(f.sess.ID, &protocol.Frame{
		JSONRPC: protocol.Version, ID: fwd.ID, Result: json.RawMessage(`{}`),
	})
	expectNoFrame(t, c1)
	assert.Zero(t, f.sess.PendingCount())
}

func TestBreakerOpensAfterRepeatedSendFailures(t *testing.T) {
	f := newFixture(t, 0, session.Limits{})
	f.registerEcho(t)
	f.join(t, "m1")

	f.provider.failSends(errors.New("connection wedged"))

	ctx := context.Background()
	for i := 0; i < breakerFailures; i++ {
		err := f.router.CallTool(ctx, f.sess.ID, "m1", json.RawMessage(fmt.Sprintf("%d", i)), protocol.CallToolParams{
			Name: "echo", Arguments: json.RawMessage(`{}`),
		})
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	}

	// Circuit is open: the next call fails fast without touching the peer.
	f.provider.failSends(nil)
	err := f.router.CallTool(ctx, f.sess.ID, "m1", json.RawMessage("99"), protocol.CallToolParams{
		Name: "echo", Arguments: json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	expectNoFrame(t, f.provider)
}

func TestSweepTerminatesExpiredSessions(t *testing.T) {
	f := newFixture(t, 0, session.Limits{TTL: time.Minute, MaxTTL: time.Hour})
	consumer := f.join(t, "m1")

	f.router.sweep(context.Background(), time.Now().UTC().Add(2*time.Minute))

	_, err := f.store.Get(f.sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
	closed, _ := consumer.isClosed()
	assert.True(t, closed)
}

func TestSweepBackstopsOverdueCalls(t *testing.T) {
	f := newFixture(t, time.Minute, session.Limits{})
	f.registerEcho(t)
	consumer := f.join(t, "m1")

	require.NoError(t, f.router.CallTool(context.Background(), f.sess.ID, "m1", json.RawMessage("1"), protocol.CallToolParams{
		Name: "echo", Arguments: json.RawMessage(`{}`),
	}))
	waitFrame(t, f.provider)

	// A sweep far past the deadline resolves the call even if its timer
	// were lost.
	f.router.sweep(context.Background(), time.Now().UTC().Add(2*time.Minute))

	reply := waitFrame(t, consumer)
	var errObj protocol.ErrorObject
	require.NoError(t, json.Unmarshal(reply.Error, &errObj))
	assert.Equal(t, protocol.CodeTimeout, errObj.Code)
}
