// ABOUTME: Provider-side read loop: session/create, tools/register, grant/revoke, ping.
// ABOUTME: Response frames coming back from the provider are handed to the router for correlation.

package server

import (
	"context"
	"encoding/json"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/2389/toolbridge/internal/protocol"
	"github.com/2389/toolbridge/internal/session"
)

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("provider websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	ctx := r.Context()
	peer := newPeer(conn, s.logger)
	go peer.writeLoop(ctx)
	defer func() {
		s.router.Disconnect(ctx, peer.ID())
		peer.closeNow()
	}()

	s.logger.Info("provider connected", "conn_id", peer.ID())

	limiter := s.newLimiter()
	var sid session.ID

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.logger.Info("provider disconnected", "conn_id", peer.ID())
			return
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
		case protocol.KindResponse:
			if sid == "" {
				continue
			}
			s.router.HandleProviderResponse(sid, frame)
		case protocol.KindRequest:
			s.handleProviderRequest(ctx, peer, &sid, frame)
		case protocol.KindNotification:
			s.logger.Debug("provider notification ignored",
				"conn_id", peer.ID(),
				"method", frame.Method,
			)
		}
	}
}

// handleProviderRequest dispatches one provider request. The session is
// created once per connection; every other method requires it.
func (s *Server) handleProviderRequest(ctx context.Context, peer *wsPeer, sid *session.ID, frame *protocol.Frame) {
	switch frame.Method {
	case protocol.MethodSessionCreate:
		if *sid != "" {
			s.replyError(peer, frame.ID, protocol.CodeInvalidRequest, "session already created on this connection")
			return
		}
		sess, err := s.router.CreateSession(ctx, peer)
		if err != nil {
			s.replyError(peer, frame.ID, protocol.CodeInternalError, "session creation failed")
			return
		}
		*sid = sess.ID
		s.reply(peer, frame.ID, protocol.SessionCreateResult{SessionID: string(sess.ID)})

	case protocol.MethodToolsRegister:
		if *sid == "" {
			s.replyError(peer, frame.ID, protocol.CodeInvalidRequest, "no session; call session/create first")
			return
		}
		var params protocol.RegisterToolsParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			s.replyError(peer, frame.ID, protocol.CodeInvalidParams, "invalid tools/register params")
			return
		}
		if err := s.router.RegisterTools(*sid, params.Tools); err != nil {
			s.replyError(peer, frame.ID, errorCode(err), err.Error())
			return
		}
		s.reply(peer, frame.ID, struct{}{})

	case protocol.MethodGrant:
		if *sid == "" {
			s.replyError(peer, frame.ID, protocol.CodeInvalidRequest, "no session; call session/create first")
			return
		}
		var params protocol.GrantParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			s.replyError(peer, frame.ID, protocol.CodeInvalidParams, "invalid capabilities/grant params")
			return
		}
		if err := s.router.Grant(ctx, *sid, params); err != nil {
			s.replyError(peer, frame.ID, errorCode(err), err.Error())
			return
		}
		s.reply(peer, frame.ID, struct{}{})

	case protocol.MethodRevoke:
		if *sid == "" {
			s.replyError(peer, frame.ID, protocol.CodeInvalidRequest, "no session; call session/create first")
			return
		}
		var params protocol.RevokeParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			s.replyError(peer, frame.ID, protocol.CodeInvalidParams, "invalid capabilities/revoke params")
			return
		}
		if err := s.router.Revoke(ctx, *sid, params.Capabilities); err != nil {
			s.replyError(peer, frame.ID, errorCode(err), err.Error())
			return
		}
		s.reply(peer, frame.ID, struct{}{})

	case protocol.MethodPing:
		s.reply(peer, frame.ID, struct{}{})

	default:
		s.replyError(peer, frame.ID, protocol.CodeMethodNotFound, "unknown method: "+frame.Method)
	}
}
