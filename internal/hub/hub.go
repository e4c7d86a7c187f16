// Package hub tracks which connections are attached to which match, routes
// client messages to the session manager and fans committed events out.
package hub

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/park285/cheese-match-server/internal/domain"
	"github.com/park285/cheese-match-server/internal/msgcat"
	"github.com/park285/cheese-match-server/internal/obslog"
	"github.com/park285/cheese-match-server/internal/protocol"
	"github.com/park285/cheese-match-server/internal/session"
	"github.com/park285/cheese-match-server/internal/store"
	"go.uber.org/zap"
)

// Conn is one authenticated client connection.
type Conn interface {
	ID() string
	Identity() domain.Identity
	// Send queues a frame without blocking. It returns false when the
	// connection is closed or its queue is full.
	Send(protocol.Envelope) bool
	Close(reason string)
}

// Service is the part of session.Manager the hub drives.
type Service interface {
	Join(ctx context.Context, code string, who domain.Identity, attach func(*domain.Match, domain.Slot)) (*domain.Match, error)
	SubmitMove(ctx context.Context, code string, who domain.Identity, move string) (*session.MoveOutcome, error)
	Resign(ctx context.Context, code string, who domain.Identity) (*domain.Match, error)
	OfferDraw(ctx context.Context, code string, who domain.Identity) error
	AcceptDraw(ctx context.Context, code string, who domain.Identity) (*domain.Match, error)
	Leave(ctx context.Context, code string, who domain.Identity)
}

type member struct {
	conn Conn
	code string
	slot domain.Slot
}

type Hub struct {
	svc      Service
	cat      *msgcat.Catalog
	log      *zap.Logger
	presence *Presence

	mu     sync.RWMutex
	rooms  map[string]map[string]*member
	byConn map[string]*member
}

func New(svc Service, cat *msgcat.Catalog, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = obslog.L()
	}
	if cat == nil {
		cat = msgcat.MustDefault()
	}
	return &Hub{
		svc:      svc,
		cat:      cat,
		log:      logger,
		presence: NewPresence(),
		rooms:    make(map[string]map[string]*member),
		byConn:   make(map[string]*member),
	}
}

func (h *Hub) Presence() *Presence { return h.presence }

// Handle processes one client frame.
func (h *Hub) Handle(ctx context.Context, c Conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeJoin:
		var p protocol.MatchRef
		if err := env.Decode(&p); err != nil || strings.TrimSpace(p.MatchCode) == "" {
			h.badRequest(c, p.MatchCode)
			return
		}
		h.join(ctx, c, store.NormalizeCode(p.MatchCode))
	case protocol.TypeMove:
		var p protocol.MovePayload
		if err := env.Decode(&p); err != nil {
			h.badRequest(c, "")
			return
		}
		h.move(ctx, c, p)
	case protocol.TypeResign, protocol.TypeOfferDraw, protocol.TypeAcceptDraw:
		var p protocol.MatchRef
		if err := env.Decode(&p); err != nil {
			h.badRequest(c, "")
			return
		}
		code, ok := h.attachedTo(c, p.MatchCode)
		if !ok {
			h.sendError(c, code, domain.ErrInvalidState)
			return
		}
		who := c.Identity()
		var err error
		switch env.Type {
		case protocol.TypeResign:
			_, err = h.svc.Resign(ctx, code, who)
		case protocol.TypeOfferDraw:
			err = h.svc.OfferDraw(ctx, code, who)
		default:
			_, err = h.svc.AcceptDraw(ctx, code, who)
		}
		if err != nil {
			h.sendError(c, code, err)
		}
	default:
		h.badRequest(c, "")
	}
}

func (h *Hub) join(ctx context.Context, c Conn, code string) {
	if cur := h.memberOf(c); cur != nil && cur.code != code {
		h.Detach(c)
	}
	who := c.Identity()
	_, err := h.svc.Join(ctx, code, who, func(m *domain.Match, slot domain.Slot) {
		h.attach(c, m, slot)
	})
	if err != nil {
		h.log.Info("ws_join_rejected", zap.String("code", code), zap.String("user_id", who.ID), zap.String("err_code", domain.CodeOf(err)))
		h.sendError(c, code, err)
	}
}

// attach runs on the session worker, so the snapshot is queued before any
// later event of the code.
func (h *Hub) attach(c Conn, m *domain.Match, slot domain.Slot) {
	h.mu.Lock()
	_, again := h.byConn[c.ID()]
	if !again {
		mem := &member{conn: c, code: m.Code, slot: slot}
		h.byConn[c.ID()] = mem
		room := h.rooms[m.Code]
		if room == nil {
			room = make(map[string]*member)
			h.rooms[m.Code] = room
		}
		room[c.ID()] = mem
	}
	h.mu.Unlock()

	h.deliver(c, protocol.Must(protocol.TypeMatchState, protocol.MatchState{Match: protocol.View(m), Slot: string(slot)}))
	if again || slot == domain.SlotNone {
		return
	}
	first, reconnected := h.presence.Attach(m.Code, slot)
	h.log.Info("ws_attach", zap.String("code", m.Code), zap.String("conn_id", c.ID()), zap.String("slot", string(slot)), zap.Bool("first", first))
	if reconnected {
		h.notifyOthers(m.Code, c.Identity().ID, protocol.Must(protocol.TypeOpponentReconnected, protocol.PresencePayload{
			MatchCode: m.Code,
			Identity:  player(c.Identity()),
			Slot:      string(slot),
		}))
	}
}

func (h *Hub) move(ctx context.Context, c Conn, p protocol.MovePayload) {
	code, ok := h.attachedTo(c, p.MatchCode)
	text := p.Move.Text()
	if !ok {
		h.reject(c, code, text, domain.ErrInvalidState)
		return
	}
	if text == "" {
		h.reject(c, code, text, domain.ErrIllegalMove)
		return
	}
	if _, err := h.svc.SubmitMove(ctx, code, c.Identity(), text); err != nil {
		h.reject(c, code, text, err)
	}
}

// Detach removes a connection. When it was the last one of its slot the rest
// of the match is told and any draw offer from that player is withdrawn.
func (h *Hub) Detach(c Conn) {
	h.mu.Lock()
	m := h.byConn[c.ID()]
	if m == nil {
		h.mu.Unlock()
		return
	}
	delete(h.byConn, c.ID())
	if room := h.rooms[m.code]; room != nil {
		delete(room, c.ID())
		if len(room) == 0 {
			delete(h.rooms, m.code)
		}
	}
	h.mu.Unlock()

	if m.slot == domain.SlotNone {
		return
	}
	if !h.presence.Detach(m.code, m.slot) {
		return
	}
	who := c.Identity()
	h.log.Info("ws_detach_last", zap.String("code", m.code), zap.String("user_id", who.ID), zap.String("slot", string(m.slot)))
	h.notifyOthers(m.code, who.ID, protocol.Must(protocol.TypeOpponentDisconnected, protocol.PresencePayload{
		MatchCode: m.code,
		Identity:  player(who),
		Slot:      string(m.slot),
	}))
	h.svc.Leave(context.Background(), m.code, who)
}

// Publish implements session.Publisher. It is called on the session worker
// in commit order and never blocks.
func (h *Hub) Publish(code string, ev session.Event) {
	m := ev.Match
	if m == nil {
		return
	}
	switch ev.Kind {
	case session.EventMatchStarted:
		h.presence.ClearDrops(code)
		white, black := player(deref(m.White)), player(deref(m.Black))
		h.broadcast(code, protocol.Must(protocol.TypeMatchStarted, protocol.MatchStarted{
			MatchCode:  code,
			Position:   m.FEN,
			SideToMove: string(m.Turn()),
			White:      white,
			Black:      black,
		}))
		if joiner := m.Occupant(ev.By); joiner != nil {
			h.notifyOthers(code, joiner.ID, protocol.Must(protocol.TypeOpponentJoined, protocol.PresencePayload{
				MatchCode: code,
				Identity:  player(*joiner),
				Slot:      string(ev.By),
			}))
		}
	case session.EventMoveApplied:
		if ev.Move == nil {
			return
		}
		h.broadcast(code, protocol.Must(protocol.TypeMoveApplied, protocol.MoveApplied{
			MatchCode: code,
			Position:  m.FEN,
			Move: protocol.MoveView{
				UCI:       ev.Move.UCI,
				SAN:       ev.Move.SAN,
				From:      ev.Move.From,
				To:        ev.Move.To,
				Promotion: ev.Move.Promotion,
			},
			SideToMove: string(m.Turn()),
			Ply:        len(m.MoveLog),
			Check:      ev.Move.Check,
			Opening:    m.Opening,
		}))
	case session.EventMatchEnded:
		view := protocol.View(m)
		ended := protocol.MatchEnded{MatchCode: code, Position: m.FEN, Summary: h.summary(m)}
		if view.Outcome != nil {
			ended.Result = view.Outcome.Result
			ended.Reason = view.Outcome.Reason
			ended.WinnerIdentity = view.Outcome.WinnerIdentity
		}
		h.broadcast(code, protocol.Must(protocol.TypeMatchEnded, ended))
		h.presence.Forget(code)
	case session.EventDrawOffered:
		offerer := m.Occupant(ev.By)
		if offerer == nil {
			return
		}
		h.notifyOthers(code, offerer.ID, protocol.Must(protocol.TypeDrawOffered, protocol.DrawOffered{
			MatchCode: code,
			By:        string(ev.By),
			Identity:  player(*offerer),
		}))
	}
}

// Attached is the number of connections on code.
func (h *Hub) Attached(code string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[store.NormalizeCode(code)])
}

// CloseAll closes every attached connection, used on shutdown.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.byConn))
	for _, m := range h.byConn {
		conns = append(conns, m.conn)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close(reason)
	}
}

func (h *Hub) broadcast(code string, env protocol.Envelope) {
	for _, c := range h.members(code, "") {
		h.deliver(c, env)
	}
}

func (h *Hub) notifyOthers(code, exceptID string, env protocol.Envelope) {
	for _, c := range h.members(code, exceptID) {
		h.deliver(c, env)
	}
}

func (h *Hub) members(code, exceptID string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[code]
	out := make([]Conn, 0, len(room))
	for _, m := range room {
		if exceptID != "" && m.conn.Identity().ID == exceptID {
			continue
		}
		out = append(out, m.conn)
	}
	return out
}

// deliver drops a connection whose queue overflowed rather than skipping a
// frame, so every attached connection sees the same ordered stream.
func (h *Hub) deliver(c Conn, env protocol.Envelope) {
	if c.Send(env) {
		return
	}
	h.log.Warn("ws_slow_consumer", zap.String("conn_id", c.ID()), zap.String("type", string(env.Type)))
	c.Close("send queue overflow")
}

func (h *Hub) memberOf(c Conn) *member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byConn[c.ID()]
}

// attachedTo resolves the code an action targets. An empty code means the
// connection's current match.
func (h *Hub) attachedTo(c Conn, code string) (string, bool) {
	code = store.NormalizeCode(code)
	m := h.memberOf(c)
	if m == nil {
		return code, false
	}
	if code == "" {
		return m.code, true
	}
	return code, code == m.code
}

func (h *Hub) reject(c Conn, code, move string, err error) {
	h.deliver(c, protocol.Must(protocol.TypeMoveRejected, protocol.MoveRejected{
		MatchCode: code,
		Move:      move,
		Reason:    h.errorText(code, move, err),
		Code:      domain.CodeOf(err),
	}))
}

func (h *Hub) sendError(c Conn, code string, err error) {
	h.deliver(c, protocol.Must(protocol.TypeError, protocol.ErrorPayload{
		MatchCode: code,
		Message:   h.errorText(code, "", err),
		Code:      domain.CodeOf(err),
		Retryable: domain.IsRetryable(err),
	}))
}

// Malformed answers a frame that could not be parsed.
func (h *Hub) Malformed(c Conn) { h.badRequest(c, "") }

func (h *Hub) badRequest(c Conn, code string) {
	h.deliver(c, protocol.Must(protocol.TypeError, protocol.ErrorPayload{
		MatchCode: store.NormalizeCode(code),
		Message:   h.cat.Text("error.bad_request", nil, "malformed message"),
		Code:      "bad_request",
	}))
}

func (h *Hub) errorText(code, move string, err error) string {
	key := domain.CodeOf(err)
	fallback := "request failed"
	var de *domain.Error
	if errors.As(err, &de) {
		fallback = de.Error()
	}
	return h.cat.Text("error."+key, map[string]any{"Code": code, "Move": move}, fallback)
}

func (h *Hub) summary(m *domain.Match) string {
	if m.Outcome == nil {
		return ""
	}
	data := map[string]any{"Winner": "", "Loser": ""}
	if m.Outcome.Result != domain.ResultDraw {
		win := domain.SlotWhite
		if m.Outcome.Result == domain.ResultBlack {
			win = domain.SlotBlack
		}
		data["Winner"] = displayName(m.Occupant(win), string(win))
		data["Loser"] = displayName(m.Occupant(win.Opponent()), string(win.Opponent()))
	}
	return h.cat.Text("ended."+string(m.Outcome.Reason), data, "")
}

func displayName(id *domain.Identity, fallback string) string {
	if id == nil {
		return fallback
	}
	if strings.TrimSpace(id.Name) != "" {
		return id.Name
	}
	return id.ID
}

func player(id domain.Identity) protocol.Player {
	return protocol.Player{ID: id.ID, Name: id.Name}
}

func deref(id *domain.Identity) domain.Identity {
	if id == nil {
		return domain.Identity{}
	}
	return *id
}
