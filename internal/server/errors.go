// ABOUTME: Boundary error mapping: internal sentinels onto JSON-RPC error codes.
// ABOUTME: Shared reply helpers for both read loops.

package server

import (
	"encoding/json"
	"errors"

	"github.com/2389/toolbridge/internal/capability"
	"github.com/2389/toolbridge/internal/protocol"
	"github.com/2389/toolbridge/internal/relay"
	"github.com/2389/toolbridge/internal/session"
)

// nullID is the response id for frames whose request id is unusable.
var nullID = json.RawMessage("null")

// errorCode maps internal errors onto the consumer JSON-RPC code space.
// Unknown errors map to internal error so nothing leaks.
func errorCode(err error) int {
	var denied *capability.DeniedError
	switch {
	case errors.Is(err, session.ErrNotFound):
		return protocol.CodeSessionNotFound
	case errors.Is(err, session.ErrTerminated):
		return protocol.CodeSessionTerminated
	case errors.Is(err, relay.ErrToolNotFound):
		return protocol.CodeToolNotFound
	case errors.Is(err, relay.ErrProviderUnavailable):
		return protocol.CodeProviderUnavailable
	case errors.Is(err, session.ErrPendingLimit),
		errors.Is(err, session.ErrTooManyMembers):
		return protocol.CodeResourceExhausted
	case errors.Is(err, session.ErrDuplicateTool),
		errors.Is(err, relay.ErrUnknownGrantType):
		return protocol.CodeInvalidParams
	case errors.As(err, &denied):
		return protocol.CodeCapabilityDenied
	default:
		return protocol.CodeInternalError
	}
}

// reply sends a success response, logging delivery failures.
func (s *Server) reply(peer *wsPeer, id json.RawMessage, result any) {
	frame, err := protocol.NewResponse(id, result)
	if err != nil {
		s.logger.Error("response encode failed", "conn_id", peer.ID(), "error", err)
		frame = protocol.NewErrorResponse(id, protocol.CodeInternalError, "failed to encode response")
	}
	if err := peer.Send(frame); err != nil {
		s.logger.Debug("response delivery failed", "conn_id", peer.ID(), "error", err)
	}
}

// replyError sends an error response.
func (s *Server) replyError(peer *wsPeer, id json.RawMessage, code int, message string) {
	if err := peer.Send(protocol.NewErrorResponse(id, code, message)); err != nil {
		s.logger.Debug("error delivery failed", "conn_id", peer.ID(), "error", err)
	}
}

// rejectRate answers an over-limit inbound frame. Requests get a
// ResourceExhausted error addressed to their id; anything else is dropped.
func (s *Server) rejectRate(peer *wsPeer, data []byte) {
	id := nullID
	if frame, err := protocol.DecodeFrame(data); err == nil && frame.Kind() == protocol.KindRequest {
		id = frame.ID
	}
	s.replyError(peer, id, protocol.CodeResourceExhausted, "message rate exceeded")
}
