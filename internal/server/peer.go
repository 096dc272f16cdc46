// ABOUTME: Websocket peer: the outbound half of a connection.
// ABOUTME: Buffered send channel with a single writer goroutine; sends never block the router.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/2389/toolbridge/internal/protocol"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// errSendBufferFull indicates a peer that is not draining its frames.
var errSendBufferFull = errors.New("send buffer full")

// errPeerClosed indicates a send to an already closed connection.
var errPeerClosed = errors.New("connection closed")

// wsPeer implements registry.Peer over a websocket connection. All writes
// funnel through the send channel into writeLoop; Send never touches the
// network. Closing is two-phase: CloseWith records the close code and
// signals the loop, and the loop flushes whatever is already queued before
// starting the close handshake. Frames enqueued before CloseWith reach the
// wire ahead of the close frame.
type wsPeer struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	send      chan *protocol.Frame
	closing   chan struct{}
	closeOnce sync.Once

	closeCode   websocket.StatusCode
	closeReason string
}

func newPeer(conn *websocket.Conn, logger *slog.Logger) *wsPeer {
	return &wsPeer{
		id:      uuid.NewString(),
		conn:    conn,
		logger:  logger,
		send:    make(chan *protocol.Frame, sendBuffer),
		closing: make(chan struct{}),
	}
}

// ID returns the process-local connection handle.
func (p *wsPeer) ID() string { return p.id }

// Send enqueues a frame. A closed or saturated peer returns an error
// immediately; the caller decides whether that matters.
func (p *wsPeer) Send(frame *protocol.Frame) error {
	select {
	case <-p.closing:
		return errPeerClosed
	default:
	}
	select {
	case p.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

// CloseWith closes the connection with a close code. Idempotent. The
// actual close happens on the writer goroutine after it drains any frames
// queued before this call.
func (p *wsPeer) CloseWith(code protocol.CloseCode, reason string) {
	p.signalClose(websocket.StatusCode(code), reason)
}

// closeNow tears the connection down without a meaningful status, for paths
// where the transport already failed or the remote side is gone.
func (p *wsPeer) closeNow() {
	p.signalClose(websocket.StatusNormalClosure, "")
}

func (p *wsPeer) signalClose(code websocket.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		p.closeCode = code
		p.closeReason = reason
		close(p.closing)
	})
}

// writeLoop drains the send channel onto the wire. It owns the close
// handshake: once a close is signalled it flushes the remaining queue and
// closes the connection with the recorded status.
func (p *wsPeer) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// A close signalled just before the handler returned still wins:
			// the recorded status must reach the client, not a generic 1001.
			select {
			case <-p.closing:
				_ = p.conn.Close(p.closeCode, p.closeReason)
			default:
				_ = p.conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			return
		case <-p.closing:
			p.flush(ctx)
			if err := p.conn.Close(p.closeCode, p.closeReason); err != nil {
				p.logger.Debug("websocket close failed", "conn_id", p.id, "error", err)
			}
			return
		case frame := <-p.send:
			if !p.write(ctx, frame) {
				p.signalClose(websocket.StatusNormalClosure, "")
				_ = p.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

// flush writes whatever is already buffered. Stops at the first transport
// error; late sends racing the close are dropped.
func (p *wsPeer) flush(ctx context.Context) {
	for {
		select {
		case frame := <-p.send:
			if !p.write(ctx, frame) {
				return
			}
		default:
			return
		}
	}
}

func (p *wsPeer) write(ctx context.Context, frame *protocol.Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		p.logger.Error("frame encode failed", "conn_id", p.id, "error", err)
		return true
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err = p.conn.Write(wctx, websocket.MessageText, data)
	cancel()
	if err != nil {
		p.logger.Debug("websocket write failed", "conn_id", p.id, "error", err)
		return false
	}
	return true
}
