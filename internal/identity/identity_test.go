package identity

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/park285/cheese-match-server/internal/domain"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func TestStaticFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	body := "tokens:\n  tok-a: {id: alice, name: Alice}\n  tok-b: {id: bob}\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := LoadStatic(path)
	if err != nil {
		t.Fatalf("LoadStatic: %v", err)
	}
	id, err := s.Verify(context.Background(), "tok-a")
	if err != nil || id.ID != "alice" || id.Name != "Alice" {
		t.Fatalf("verify tok-a: %+v %v", id, err)
	}
	if _, err := s.Verify(context.Background(), "nope"); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, err := s.Verify(context.Background(), " "); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated for empty token, got %v", err)
	}

	if err := os.WriteFile(path, []byte("tokens:\n  tok-c: {name: NoID}\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadStatic(path); err == nil {
		t.Fatalf("entry without id should be rejected")
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	if got := TokenFromRequest(r); got != "q" {
		t.Fatalf("query token: %q", got)
	}
	r.Header.Set("Authorization", "Bearer  h ")
	if got := TokenFromRequest(r); got != "h" {
		t.Fatalf("header token: %q", got)
	}
	r.Header.Set("Authorization", "Basic xyz")
	if got := TokenFromRequest(r); got != "" {
		t.Fatalf("non-bearer header should yield no token, got %q", got)
	}
}

func serveIdentity(t *testing.T, handler fasthttp.RequestHandler) *fasthttputil.InmemoryListener {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, handler) }()
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func TestRemoteVerify(t *testing.T) {
	var calls atomic.Int32
	ln := serveIdentity(t, func(ctx *fasthttp.RequestCtx) {
		n := calls.Add(1)
		if string(ctx.Path()) != "/verify" {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		switch string(ctx.Request.Header.Peek("Authorization")) {
		case "Bearer good":
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"id":"alice","name":"Alice"}`)
		case "Bearer flaky":
			if n%2 == 1 {
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
				return
			}
			ctx.SetBodyString(`{"id":"bob"}`)
		case "Bearer broken":
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
		default:
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		}
	})
	r := NewRemote("http://identity.local", WithDial(func(string) (net.Conn, error) { return ln.Dial() }))
	ctx := context.Background()

	id, err := r.Verify(ctx, "good")
	if err != nil || id.ID != "alice" {
		t.Fatalf("verify good: %+v %v", id, err)
	}
	if _, err := r.Verify(ctx, "bad"); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	calls.Store(0)
	id, err = r.Verify(ctx, "flaky")
	if err != nil || id.ID != "bob" {
		t.Fatalf("verify flaky: %+v %v", id, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}

	_, err = r.Verify(ctx, "broken")
	if err == nil || errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("service failure should not look like a bad token: %v", err)
	}
}
