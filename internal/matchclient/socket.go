package matchclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/park285/cheese-match-server/internal/protocol"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("matchclient: socket closed")

// Socket is a match websocket. Frames are buffered and read with Next. When
// the connection drops and reconnects are enabled, the socket redials with
// backoff and joins the last match again, which yields a fresh matchState.
type Socket struct {
	wsURL string
	token string

	maxReconnectAttempts int
	onState              func(State)

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	lastCode string

	frames   chan protocol.Envelope
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type SocketOption func(*Socket)

// WithReconnect enables redialing up to n times after a drop.
func WithReconnect(n int) SocketOption {
	return func(s *Socket) { s.maxReconnectAttempts = n }
}

func WithStateCallback(cb func(State)) SocketOption {
	return func(s *Socket) { s.onState = cb }
}

// Dial connects to wsURL authenticating with token.
func Dial(ctx context.Context, wsURL, token string, opts ...SocketOption) (*Socket, error) {
	s := &Socket{
		wsURL:  wsURL,
		token:  token,
		state:  StateDisconnected,
		frames: make(chan protocol.Envelope, 256),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setState(StateConnecting)
	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateFailed)
		return nil, err
	}
	s.attach(conn)
	return s, nil
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	hdr := http.Header{}
	if s.token != "" {
		hdr.Set("Authorization", "Bearer "+s.token)
	}
	conn, resp, err := websocket.Dial(dialCtx, s.wsURL, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status=%d: %w", s.wsURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", s.wsURL, err)
	}
	return conn, nil
}

func (s *Socket) attach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.stopping() {
		s.mu.Unlock()
		_ = conn.CloseNow()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	s.setState(StateConnected)
	s.wg.Add(1)
	go s.listen(conn)
}

func (s *Socket) listen(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		var env protocol.Envelope
		if err := wsjson.Read(context.Background(), conn, &env); err != nil {
			if s.stopping() {
				return
			}
			s.setState(StateDisconnected)
			_ = conn.Close(websocket.StatusGoingAway, "reconnect")
			s.scheduleReconnect()
			return
		}
		select {
		case s.frames <- env:
		case <-s.stopCh:
			return
		}
	}
}

func (s *Socket) scheduleReconnect() {
	if s.maxReconnectAttempts <= 0 {
		s.setState(StateFailed)
		return
	}
	s.setState(StateReconnecting)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for attempt := 1; attempt <= s.maxReconnectAttempts; attempt++ {
			select {
			case <-s.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}
			conn, err := s.dial(context.Background())
			if err != nil {
				continue
			}
			s.attach(conn)
			s.mu.Lock()
			code := s.lastCode
			s.mu.Unlock()
			if code != "" {
				_ = s.Send(context.Background(), protocol.TypeJoin, protocol.MatchRef{MatchCode: code})
			}
			return
		}
		s.setState(StateFailed)
	}()
}

// Send writes one frame.
func (s *Socket) Send(ctx context.Context, t protocol.Type, payload any) error {
	env, err := protocol.New(t, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	return wsjson.Write(ctx, conn, env)
}

func (s *Socket) Join(ctx context.Context, code string) error {
	s.mu.Lock()
	s.lastCode = code
	s.mu.Unlock()
	return s.Send(ctx, protocol.TypeJoin, protocol.MatchRef{MatchCode: code})
}

func (s *Socket) Move(ctx context.Context, code, move string) error {
	return s.Send(ctx, protocol.TypeMove, map[string]string{"matchCode": code, "move": move})
}

func (s *Socket) Resign(ctx context.Context, code string) error {
	return s.Send(ctx, protocol.TypeResign, protocol.MatchRef{MatchCode: code})
}

func (s *Socket) OfferDraw(ctx context.Context, code string) error {
	return s.Send(ctx, protocol.TypeOfferDraw, protocol.MatchRef{MatchCode: code})
}

func (s *Socket) AcceptDraw(ctx context.Context, code string) error {
	return s.Send(ctx, protocol.TypeAcceptDraw, protocol.MatchRef{MatchCode: code})
}

// Next returns the next buffered frame.
func (s *Socket) Next(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-s.frames:
		return env, nil
	case <-s.stopCh:
		return protocol.Envelope{}, ErrClosed
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// Await skips frames until one of type t arrives and decodes it into v.
func (s *Socket) Await(ctx context.Context, t protocol.Type, v any) error {
	for {
		env, err := s.Next(ctx)
		if err != nil {
			return fmt.Errorf("await %s: %w", t, err)
		}
		if env.Type != t {
			continue
		}
		if v == nil {
			return nil
		}
		return env.Decode(v)
	}
}

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Drop closes the underlying connection as if the network failed. With
// reconnects enabled the socket comes back on its own.
func (s *Socket) Drop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.CloseNow()
	}
}

func (s *Socket) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	s.wg.Wait()
	s.setState(StateDisconnected)
	return err
}

func (s *Socket) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Socket) setState(state State) {
	s.mu.Lock()
	s.state = state
	cb := s.onState
	s.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}
