package transport

import (
	"net/http"
	"strconv"

	"github.com/park285/cheese-match-server/internal/protocol"
	"github.com/park285/cheese-match-server/internal/store"
	"go.uber.org/zap"
)

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	who, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	m, err := s.svc.Create(r.Context(), who)
	if err != nil {
		s.fail(w, "", err)
		return
	}
	w.Header().Set("Location", "/api/matches/"+m.Code)
	writeJSON(w, http.StatusCreated, protocol.View(m))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	code := store.NormalizeCode(r.PathValue("code"))
	m, err := s.svc.Snapshot(r.Context(), code)
	if err != nil {
		s.fail(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.View(m))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	who, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	list, err := s.svc.List(r.Context(), who)
	if err != nil {
		s.fail(w, "", err)
		return
	}
	views := make([]protocol.MatchView, 0, len(list))
	for _, m := range list {
		views = append(views, protocol.View(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": views})
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	code := store.NormalizeCode(r.PathValue("code"))
	flip, _ := strconv.ParseBool(r.URL.Query().Get("flip"))
	png, err := s.svc.Board(r.Context(), code, flip)
	if err != nil {
		s.fail(w, code, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(r.Context()); err != nil {
			s.log.Warn("health_check_failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
