// Package transport serves the REST endpoints and the match websocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/park285/cheese-match-server/internal/domain"
	"github.com/park285/cheese-match-server/internal/hub"
	"github.com/park285/cheese-match-server/internal/identity"
	"github.com/park285/cheese-match-server/internal/msgcat"
	"github.com/park285/cheese-match-server/internal/obslog"
	"go.uber.org/zap"
)

// Service is what the REST handlers need from session.Manager.
type Service interface {
	Create(ctx context.Context, who domain.Identity) (*domain.Match, error)
	Snapshot(ctx context.Context, code string) (*domain.Match, error)
	List(ctx context.Context, who domain.Identity) ([]*domain.Match, error)
	Board(ctx context.Context, code string, flip bool) ([]byte, error)
}

type Options struct {
	// AllowedOrigins are host patterns accepted on the websocket upgrade in
	// addition to same-origin requests.
	AllowedOrigins []string
	SendBuffer     int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	// Health reports backing store reachability for /healthz.
	Health func(context.Context) error
}

type Server struct {
	svc      Service
	hub      *hub.Hub
	verifier identity.Verifier
	cat      *msgcat.Catalog
	opts     Options
	log      *zap.Logger
}

func New(svc Service, h *hub.Hub, v identity.Verifier, cat *msgcat.Catalog, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = obslog.L()
	}
	if cat == nil {
		cat = msgcat.MustDefault()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 16 << 10
	}
	return &Server{svc: svc, hub: h, verifier: v, cat: cat, opts: opts, log: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/matches", s.handleCreate)
	mux.HandleFunc("GET /api/matches", s.handleList)
	mux.HandleFunc("GET /api/matches/{code}", s.handleSnapshot)
	mux.HandleFunc("GET /api/matches/{code}/board.png", s.handleBoard)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	return mux
}

// authenticate resolves the caller or writes a 401.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	who, err := s.verifier.Verify(r.Context(), identity.TokenFromRequest(r))
	if err == nil {
		return who, true
	}
	if !errors.Is(err, domain.ErrUnauthenticated) {
		s.log.Warn("identity_verify_error", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "internal", "")
		return domain.Identity{}, false
	}
	s.writeError(w, http.StatusUnauthorized, domain.ErrUnauthenticated.Code, "")
	return domain.Identity{}, false
}

func (s *Server) fail(w http.ResponseWriter, code string, err error) {
	wire := domain.CodeOf(err)
	status := statusFor(wire)
	if status >= 500 {
		s.log.Warn("http_error", zap.String("code", code), zap.String("err_code", wire), zap.Error(err))
	}
	s.writeError(w, status, wire, code)
}

func (s *Server) writeError(w http.ResponseWriter, status int, wire, code string) {
	msg := s.cat.Text("error."+wire, map[string]any{"Code": code, "Move": ""}, http.StatusText(status))
	writeJSON(w, status, map[string]string{"error": msg, "code": wire})
}

func statusFor(wire string) int {
	switch wire {
	case "not_found":
		return http.StatusNotFound
	case "unauthenticated":
		return http.StatusUnauthorized
	case "not_active", "invalid_state":
		return http.StatusConflict
	case "not_your_turn", "illegal_move":
		return http.StatusUnprocessableEntity
	case "persistence_failure", "code_unavailable":
		return http.StatusServiceUnavailable
	case "bad_request":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
