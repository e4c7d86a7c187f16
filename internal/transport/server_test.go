package transport

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/park285/cheese-match-server/internal/domain"
	"github.com/park285/cheese-match-server/internal/hub"
	"github.com/park285/cheese-match-server/internal/identity"
	"github.com/park285/cheese-match-server/internal/matchclient"
	"github.com/park285/cheese-match-server/internal/protocol"
	"github.com/park285/cheese-match-server/internal/session"
	"github.com/park285/cheese-match-server/internal/store"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"
)

type fixture struct {
	srv   *httptest.Server
	mgr   *session.Manager
	wsURL string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewRedis(rdb, time.Hour)

	mgr := session.NewManager(st, session.NewRegistry(st))
	h := hub.New(mgr, nil, nil)
	mgr.SetPublisher(h)
	verifier := identity.NewStatic(map[string]domain.Identity{
		"tok-alice": {ID: "alice", Name: "Alice"},
		"tok-bob":   {ID: "bob", Name: "Bob"},
	})
	s := New(mgr, h, verifier, nil, Options{Health: st.Ping}, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		h.CloseAll(ShutdownReason)
		srv.Close()
		mgr.Wait()
	})
	return &fixture{srv: srv, mgr: mgr, wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (f *fixture) client(token string) *matchclient.Client {
	return matchclient.NewClient(f.srv.URL, token, matchclient.WithRetry(1))
}

func (f *fixture) socket(t *testing.T, token string, opts ...matchclient.SocketOption) *matchclient.Socket {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := matchclient.Dial(ctx, f.wsURL, token, opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func await[T any](t *testing.T, s *matchclient.Socket, typ protocol.Type) T {
	t.Helper()
	var v T
	if err := s.Await(waitCtx(t), typ, &v); err != nil {
		t.Fatalf("%v", err)
	}
	return v
}

func next(t *testing.T, s *matchclient.Socket) protocol.Envelope {
	t.Helper()
	env, err := s.Next(waitCtx(t))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return env
}

// startMatch creates a match over REST and attaches both players.
func startMatch(t *testing.T, f *fixture, bobOpts ...matchclient.SocketOption) (string, *matchclient.Socket, *matchclient.Socket) {
	t.Helper()
	ctx := waitCtx(t)
	created, err := f.client("tok-alice").Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != "waiting" || created.White == nil || created.White.ID != "alice" || len(created.Code) != store.CodeLength {
		t.Fatalf("unexpected created match %+v", created)
	}
	a := f.socket(t, "tok-alice")
	if err := a.Join(ctx, created.Code); err != nil {
		t.Fatalf("join: %v", err)
	}
	if st := await[protocol.MatchState](t, a, protocol.TypeMatchState); st.Slot != "white" || st.Match.Status != "waiting" {
		t.Fatalf("unexpected state %+v", st)
	}
	b := f.socket(t, "tok-bob", bobOpts...)
	if err := b.Join(ctx, created.Code); err != nil {
		t.Fatalf("join: %v", err)
	}
	if st := await[protocol.MatchState](t, b, protocol.TypeMatchState); st.Slot != "black" {
		t.Fatalf("unexpected state %+v", st)
	}
	for _, s := range []*matchclient.Socket{a, b} {
		started := await[protocol.MatchStarted](t, s, protocol.TypeMatchStarted)
		if started.MatchCode != created.Code || started.Black.ID != "bob" {
			t.Fatalf("unexpected matchStarted %+v", started)
		}
	}
	if joined := await[protocol.PresencePayload](t, a, protocol.TypeOpponentJoined); joined.Identity.ID != "bob" {
		t.Fatalf("unexpected opponentJoined %+v", joined)
	}
	return created.Code, a, b
}

func TestRESTRequiresIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	if _, err := f.client("").Create(ctx); !matchclient.IsCode(err, "unauthenticated") {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, err := f.client("forged").List(ctx); !matchclient.IsCode(err, "unauthenticated") {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, err := f.client("tok-alice").Get(ctx, "NOPE42"); !matchclient.IsCode(err, "not_found") {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestWebsocketRejectsBeforeUpgrade(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	_, resp, err := websocket.Dial(ctx, f.wsURL, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v %v", resp, err)
	}
	hdr := http.Header{}
	hdr.Set("Origin", "http://evil.example")
	_, resp, err = websocket.Dial(ctx, f.wsURL+"?token=tok-alice", &websocket.DialOptions{HTTPHeader: hdr})
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, got %v %v", resp, err)
	}
}

func TestMatchOverSockets(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	code, a, b := startMatch(t, f)

	if err := a.Move(ctx, code, "e2e4"); err != nil {
		t.Fatalf("move: %v", err)
	}
	for _, s := range []*matchclient.Socket{a, b} {
		mv := await[protocol.MoveApplied](t, s, protocol.TypeMoveApplied)
		if mv.Move.UCI != "e2e4" || mv.Ply != 1 || mv.SideToMove != "black" {
			t.Fatalf("unexpected moveApplied %+v", mv)
		}
	}

	if err := b.Move(ctx, code, "e7e4"); err != nil {
		t.Fatalf("move: %v", err)
	}
	rej := await[protocol.MoveRejected](t, b, protocol.TypeMoveRejected)
	if rej.Code != "illegal_move" {
		t.Fatalf("unexpected rejection %+v", rej)
	}
	if err := b.Move(ctx, code, "e5"); err != nil {
		t.Fatalf("move: %v", err)
	}
	// alice never sees the rejection: her next frame is the second move
	env := next(t, a)
	if env.Type != protocol.TypeMoveApplied {
		t.Fatalf("expected moveApplied, got %s", env.Type)
	}
	var mv protocol.MoveApplied
	if err := env.Decode(&mv); err != nil || mv.Ply != 2 || mv.Move.SAN != "e5" {
		t.Fatalf("unexpected second move %+v %v", mv, err)
	}
	await[protocol.MoveApplied](t, b, protocol.TypeMoveApplied)

	snap, err := f.client("tok-bob").Get(ctx, strings.ToLower(code))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Status != "active" || len(snap.MoveLog) != 2 || snap.SideToMove != "white" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	list, err := f.client("tok-bob").List(ctx)
	if err != nil || len(list) != 1 || list[0].Code != code {
		t.Fatalf("list: %+v %v", list, err)
	}
	png, err := f.client("tok-alice").Board(ctx, code, true)
	if err != nil || !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatalf("board: %d bytes %v", len(png), err)
	}
}

func TestCheckmateEndsMatchForEveryone(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	code, a, b := startMatch(t, f)

	moves := []struct {
		s    *matchclient.Socket
		move string
	}{{a, "f2f3"}, {b, "e7e5"}, {a, "g2g4"}, {b, "d8h4"}}
	for _, m := range moves {
		if err := m.s.Move(ctx, code, m.move); err != nil {
			t.Fatalf("move %s: %v", m.move, err)
		}
		for _, s := range []*matchclient.Socket{a, b} {
			await[protocol.MoveApplied](t, s, protocol.TypeMoveApplied)
		}
	}
	for _, s := range []*matchclient.Socket{a, b} {
		ended := await[protocol.MatchEnded](t, s, protocol.TypeMatchEnded)
		if ended.Result != "black" || ended.Reason != "checkmate" || ended.WinnerIdentity == nil || ended.WinnerIdentity.ID != "bob" {
			t.Fatalf("unexpected matchEnded %+v", ended)
		}
	}

	snap, err := f.client("tok-alice").Get(ctx, code)
	if err != nil || snap.Status != "finished" || snap.Outcome == nil {
		t.Fatalf("finished snapshot: %+v %v", snap, err)
	}
	if err := a.Join(ctx, code); err != nil {
		t.Fatalf("join: %v", err)
	}
	if e := await[protocol.ErrorPayload](t, a, protocol.TypeError); e.Code != "not_found" {
		t.Fatalf("join after end: %+v", e)
	}
}

func TestReconnectRestoresSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	code, a, b := startMatch(t, f, matchclient.WithReconnect(10))

	if err := a.Move(ctx, code, "d2d4"); err != nil {
		t.Fatalf("move: %v", err)
	}
	await[protocol.MoveApplied](t, b, protocol.TypeMoveApplied)

	b.Drop()
	if p := await[protocol.PresencePayload](t, a, protocol.TypeOpponentDisconnected); p.Slot != "black" {
		t.Fatalf("unexpected opponentDisconnected %+v", p)
	}
	st := await[protocol.MatchState](t, b, protocol.TypeMatchState)
	if st.Match.Status != "active" || len(st.Match.MoveLog) != 1 || st.Match.SideToMove != "black" {
		t.Fatalf("unexpected snapshot after reconnect %+v", st.Match)
	}
	if p := await[protocol.PresencePayload](t, a, protocol.TypeOpponentReconnected); p.Identity.ID != "bob" {
		t.Fatalf("unexpected opponentReconnected %+v", p)
	}

	if err := b.Move(ctx, code, "Nf6"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if mv := await[protocol.MoveApplied](t, a, protocol.TypeMoveApplied); mv.Move.UCI != "g8f6" {
		t.Fatalf("unexpected move %+v", mv)
	}
}

func TestDrawOfferAndAccept(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	code, a, b := startMatch(t, f)

	if err := b.OfferDraw(ctx, code); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if d := await[protocol.DrawOffered](t, a, protocol.TypeDrawOffered); d.By != "black" {
		t.Fatalf("unexpected drawOffered %+v", d)
	}
	if err := a.AcceptDraw(ctx, code); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for _, s := range []*matchclient.Socket{a, b} {
		if e := await[protocol.MatchEnded](t, s, protocol.TypeMatchEnded); e.Result != "draw" || e.Reason != "agreement" {
			t.Fatalf("unexpected matchEnded %+v", e)
		}
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
