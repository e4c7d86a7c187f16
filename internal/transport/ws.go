package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/park285/cheese-match-server/internal/domain"
	"github.com/park285/cheese-match-server/internal/protocol"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ShutdownReason is the close reason sent to clients when the server stops.
const ShutdownReason = "server shutting down"

// wsConn is the hub's view of one socket. Frames go through a bounded queue
// drained by a single writer goroutine.
type wsConn struct {
	id   string
	who  domain.Identity
	send chan protocol.Envelope

	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func (c *wsConn) ID() string                { return c.id }
func (c *wsConn) Identity() domain.Identity { return c.who }

func (c *wsConn) Send(env protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	who, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.AllowedOrigins})
	if err != nil {
		s.log.Info("ws_accept_failed", zap.String("user_id", who.ID), zap.Error(err))
		return
	}
	ws.SetReadLimit(s.opts.ReadLimit)

	conn := &wsConn{
		id:   uuid.NewString(),
		who:  who,
		send: make(chan protocol.Envelope, s.opts.SendBuffer),
		done: make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.log.Info("ws_connect", zap.String("conn_id", conn.id), zap.String("user_id", who.ID))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx, ws, conn)
		cancel()
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			break
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			s.hub.Malformed(conn)
			continue
		}
		s.hub.Handle(ctx, conn, env)
	}

	s.hub.Detach(conn)
	conn.Close("closed")
	wg.Wait()
	s.log.Info("ws_disconnect", zap.String("conn_id", conn.id), zap.String("user_id", who.ID), zap.String("reason", conn.reason))
}

func (s *Server) writeLoop(ctx context.Context, ws *websocket.Conn, conn *wsConn) {
	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case env := <-conn.send:
			if err := s.write(ctx, ws, env); err != nil {
				conn.Close("write failed")
				_ = ws.CloseNow()
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				conn.Close("ping failed")
				_ = ws.CloseNow()
				return
			}
		case <-conn.done:
			s.flush(ctx, ws, conn)
			status := websocket.StatusPolicyViolation
			switch conn.reason {
			case "closed":
				status = websocket.StatusNormalClosure
			case ShutdownReason:
				status = websocket.StatusGoingAway
			}
			_ = ws.Close(status, conn.reason)
			return
		case <-ctx.Done():
			_ = ws.CloseNow()
			return
		}
	}
}

// flush writes what is already queued so a client sees the frames that
// preceded a server-side close.
func (s *Server) flush(ctx context.Context, ws *websocket.Conn, conn *wsConn) {
	for {
		select {
		case env := <-conn.send:
			if err := s.write(ctx, ws, env); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) write(ctx context.Context, ws *websocket.Conn, env protocol.Envelope) error {
	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	err := wsjson.Write(wctx, ws, env)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("ws_write_error", zap.Error(err))
	}
	return err
}
