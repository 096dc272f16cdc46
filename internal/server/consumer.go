// ABOUTME: Consumer-side read loop: the MCP surface (initialize, tools/list, tools/call, ping).
// ABOUTME: Joins the session named in the query string and enforces the idle timeout.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/2389/toolbridge/internal/protocol"
	"github.com/2389/toolbridge/internal/session"
)

func (s *Server) handleConsumer(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("consumer websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	ctx := r.Context()
	peer := newPeer(conn, s.logger)
	go peer.writeLoop(ctx)

	sidStr := r.URL.Query().Get("session")
	if sidStr == "" {
		peer.CloseWith(protocol.CloseSessionNotFound, "missing session parameter")
		return
	}
	sid := session.ID(sidStr)
	member := uuid.NewString()

	if _, err := s.router.Join(sid, member, peer); err != nil {
		switch {
		case errors.Is(err, session.ErrTooManyMembers):
			peer.CloseWith(protocol.ClosePolicyViolation, "member limit reached")
		default:
			peer.CloseWith(protocol.CloseSessionNotFound, "unknown session")
		}
		return
	}
	defer func() {
		s.router.Disconnect(ctx, peer.ID())
		peer.closeNow()
	}()

	s.logger.Info("consumer connected",
		"conn_id", peer.ID(),
		"session_id", sid,
		"member_id", member,
	)

	limiter := s.newLimiter()

	// Watchdog: closing the connection from the timer makes the pending
	// Read fail, so the loop below needs no read deadline of its own.
	var idleTimer *time.Timer
	if s.cfg.IdleTimeout > 0 {
		idleTimer = time.AfterFunc(s.cfg.IdleTimeout, func() {
			s.logger.Info("consumer idle timeout",
				"conn_id", peer.ID(),
				"member_id", member,
			)
			peer.CloseWith(protocol.CloseIdleTimeout, "idle timeout")
		})
		defer idleTimer.Stop()
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.logger.Info("consumer disconnected", "conn_id", peer.ID(), "member_id", member)
			return
		}
		if idleTimer != nil {
			idleTimer.Reset(s.cfg.IdleTimeout)
		}
		if !limiter.Allow() {
			s.rejectRate(peer, data)
			continue
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			_ = peer.Send(protocol.NewErrorResponse(nullID, protocol.CodeParseError, "malformed frame"))
			continue
		}

		switch frame.Kind() {
		case protocol.KindRequest:
			s.handleConsumerRequest(ctx, peer, sid, member, frame)
		case protocol.KindNotification:
			// notifications/initialized and friends need no action.
			s.logger.Debug("consumer notification ignored",
				"member_id", member,
				"method", frame.Method,
			)
		case protocol.KindResponse:
			s.logger.Debug("unexpected consumer response ignored", "member_id", member)
		}
	}
}

func (s *Server) handleConsumerRequest(ctx context.Context, peer *wsPeer, sid session.ID, member string, frame *protocol.Frame) {
	switch frame.Method {
	case protocol.MethodInitialize:
		s.reply(peer, frame.ID, protocol.NewInitializeResult(ServerName, s.version))

	case protocol.MethodToolsList:
		tools, err := s.router.ListTools(sid)
		if err != nil {
			s.replyError(peer, frame.ID, errorCode(err), err.Error())
			return
		}
		s.reply(peer, frame.ID, protocol.ToolsToConsumer(tools))

	case protocol.MethodToolsCall:
		var params protocol.CallToolParams
		if err := json.Unmarshal(frame.Params, &params); err != nil || params.Name == "" {
			s.replyError(peer, frame.ID, protocol.CodeInvalidParams, "invalid tools/call params")
			return
		}
		// A nil error means the call was forwarded; the response arrives
		// asynchronously through the router.
		if err := s.router.CallTool(ctx, sid, member, frame.ID, params); err != nil {
			s.replyError(peer, frame.ID, errorCode(err), err.Error())
		}

	case protocol.MethodPing:
		s.reply(peer, frame.ID, struct{}{})

	default:
		s.replyError(peer, frame.ID, protocol.CodeMethodNotFound, "unknown method: "+frame.Method)
	}
}
