package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/park285/cheese-match-server/internal/chess"
	"github.com/park285/cheese-match-server/internal/domain"
	"github.com/park285/cheese-match-server/internal/obslog"
	"github.com/park285/cheese-match-server/internal/store"
	"go.uber.org/zap"
)

const archiveTimeout = 10 * time.Second

// Manager is the move orchestrator. Every mutation runs on the registry
// worker of its code: checkpoint, mutate, persist, then publish. A failed
// write rolls the session back and nothing is published.
type Manager struct {
	store   store.Store
	reg     *Registry
	archive Archiver
	log     *zap.Logger
	now     func() time.Time
	newCode func() (string, error)
	retries int

	pubMu sync.RWMutex
	pub   Publisher

	archiveWG sync.WaitGroup
}

type Option func(*Manager)

func WithArchive(a Archiver) Option { return func(m *Manager) { m.archive = a } }

// WithCodeRetryLimit bounds how many generated codes Create tries.
func WithCodeRetryLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retries = n
		}
	}
}

func WithCodeGenerator(gen func() (string, error)) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newCode = gen
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func NewManager(st store.Store, reg *Registry, opts ...Option) *Manager {
	m := &Manager{
		store:   st,
		reg:     reg,
		log:     obslog.L(),
		now:     func() time.Time { return time.Now().UTC() },
		newCode: store.NewCode,
		retries: 5,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetPublisher wires the connection hub. It may be called once after both
// sides are constructed.
func (m *Manager) SetPublisher(p Publisher) {
	m.pubMu.Lock()
	m.pub = p
	m.pubMu.Unlock()
}

func (m *Manager) publish(ev Event) {
	m.pubMu.RLock()
	p := m.pub
	m.pubMu.RUnlock()
	if p != nil {
		p.Publish(ev.Code, ev)
	}
}

// Create allocates a fresh code and stores a waiting match with the caller
// as white.
func (m *Manager) Create(ctx context.Context, who domain.Identity) (*domain.Match, error) {
	if !who.Valid() {
		return nil, domain.ErrUnauthenticated
	}
	for attempt := 1; attempt <= m.retries; attempt++ {
		code, err := m.newCode()
		if err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
		now := m.now()
		white := who
		match := &domain.Match{
			Code:      store.NormalizeCode(code),
			White:     &white,
			FEN:       chess.StartFEN,
			MoveLog:   []string{},
			MovesSAN:  []string{},
			Status:    domain.StatusWaiting,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = m.store.Create(ctx, match)
		if errors.Is(err, store.ErrCodeTaken) {
			m.log.Debug("match_code_collision", zap.String("code", match.Code), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			m.log.Warn("match_persist_error", zap.String("op", "create"), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		}
		m.log.Info("match_create", zap.String("code", match.Code), zap.String("white_id", who.ID))
		return match, nil
	}
	m.log.Warn("match_code_exhausted", zap.Int("attempts", m.retries))
	return nil, domain.ErrCodeExhausted
}

// Snapshot reads the durable record, so finished matches stay readable.
func (m *Manager) Snapshot(ctx context.Context, code string) (*domain.Match, error) {
	match, err := m.store.Load(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return match, nil
}

// List returns the caller's matches, most recent first.
func (m *Manager) List(ctx context.Context, who domain.Identity) ([]*domain.Match, error) {
	if !who.Valid() {
		return nil, domain.ErrUnauthenticated
	}
	list, err := m.store.ListByIdentity(ctx, who.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return list, nil
}

// Board renders the current position of a match as PNG.
func (m *Manager) Board(ctx context.Context, code string, flip bool) ([]byte, error) {
	match, err := m.Snapshot(ctx, code)
	if err != nil {
		return nil, err
	}
	game, err := chess.Replay(match.MoveLog)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", match.Code, err)
	}
	return chess.RenderPNG(ctx, game, chess.RenderOptions{Flip: flip, Header: boardHeader(match)})
}

func boardHeader(match *domain.Match) string {
	name := func(id *domain.Identity) string {
		if id == nil {
			return "?"
		}
		if strings.TrimSpace(id.Name) != "" {
			return id.Name
		}
		return id.ID
	}
	return name(match.White) + " vs " + name(match.Black)
}

// Join attaches who to a match. When who fills the empty slot the match
// becomes active and matchStarted is published. attach runs on the worker
// before any later event for the code, with the snapshot the caller should
// see first.
func (m *Manager) Join(ctx context.Context, code string, who domain.Identity, attach func(*domain.Match, domain.Slot)) (*domain.Match, error) {
	if !who.Valid() {
		return nil, domain.ErrUnauthenticated
	}
	var snap *domain.Match
	err := m.reg.Do(ctx, code, func(s *Session) error {
		cp := s.save()
		slot, started, err := s.join(who, m.now())
		if err != nil {
			return err
		}
		if started {
			if err := m.persist(ctx, s, cp, "join"); err != nil {
				return err
			}
			m.log.Info("match_join", zap.String("code", s.Code()), zap.String("user_id", who.ID), zap.String("slot", string(slot)))
		}
		snap = s.Snapshot()
		if attach != nil {
			attach(snap.Clone(), slot)
		}
		if started {
			m.publish(Event{Kind: EventMatchStarted, Code: s.Code(), Match: snap.Clone(), By: slot})
		}
		return nil
	})
	if errors.Is(err, ErrFinished) {
		return nil, fmt.Errorf("%w: match already finished", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// SubmitMove validates and applies a move for who. Turn ownership comes from
// the position, never from the client.
func (m *Manager) SubmitMove(ctx context.Context, code string, who domain.Identity, move string) (*MoveOutcome, error) {
	if !who.Valid() {
		return nil, domain.ErrUnauthenticated
	}
	var out *MoveOutcome
	err := m.reg.Do(ctx, code, func(s *Session) error {
		cp := s.save()
		applied, term, err := s.applyMove(who, move, m.now())
		if err != nil {
			return err
		}
		if err := m.persist(ctx, s, cp, "move"); err != nil {
			return err
		}
		snap := s.Snapshot()
		out = &MoveOutcome{Match: snap, Move: applied, Ended: term.Over()}
		m.log.Info("match_move",
			zap.String("code", s.Code()),
			zap.String("user_id", who.ID),
			zap.String("uci", applied.UCI),
			zap.Int("ply", len(snap.MoveLog)),
		)
		mv := applied
		m.publish(Event{Kind: EventMoveApplied, Code: s.Code(), Match: snap.Clone(), Move: &mv})
		if term.Over() {
			m.ended(s, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Resign awards the match to the opponent.
func (m *Manager) Resign(ctx context.Context, code string, who domain.Identity) (*domain.Match, error) {
	return m.finishBy(ctx, code, who, "resign", func(s *Session) error { return s.resign(who, m.now()) })
}

// AcceptDraw ends the match as a draw when the opponent has a live offer.
func (m *Manager) AcceptDraw(ctx context.Context, code string, who domain.Identity) (*domain.Match, error) {
	return m.finishBy(ctx, code, who, "accept_draw", func(s *Session) error { return s.acceptDraw(who, m.now()) })
}

func (m *Manager) finishBy(ctx context.Context, code string, who domain.Identity, op string, fn func(*Session) error) (*domain.Match, error) {
	if !who.Valid() {
		return nil, domain.ErrUnauthenticated
	}
	var snap *domain.Match
	err := m.reg.Do(ctx, code, func(s *Session) error {
		cp := s.save()
		if err := fn(s); err != nil {
			return err
		}
		if err := m.persist(ctx, s, cp, op); err != nil {
			return err
		}
		snap = s.Snapshot()
		m.ended(s, snap)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// OfferDraw records an ephemeral offer from who and notifies the match.
func (m *Manager) OfferDraw(ctx context.Context, code string, who domain.Identity) error {
	if !who.Valid() {
		return domain.ErrUnauthenticated
	}
	return m.reg.Do(ctx, code, func(s *Session) error {
		slot, err := s.offerDraw(who)
		if err != nil {
			return err
		}
		m.log.Info("match_draw_offer", zap.String("code", s.Code()), zap.String("slot", string(slot)))
		m.publish(Event{Kind: EventDrawOffered, Code: s.Code(), Match: s.Snapshot(), By: slot})
		return nil
	})
}

// Leave is called when who has no connection left on the match. A pending
// draw offer from who is withdrawn. The match status never changes.
func (m *Manager) Leave(ctx context.Context, code string, who domain.Identity) {
	_, err := m.reg.DoResident(ctx, code, func(s *Session) error {
		if s.withdrawOffer(who) {
			m.log.Info("match_draw_withdrawn", zap.String("code", s.Code()), zap.String("user_id", who.ID))
		}
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, ErrFinished) {
		m.log.Debug("match_leave_error", zap.String("code", code), zap.Error(err))
	}
}

// DrawOffer reports the slot with a pending offer on a resident session.
func (m *Manager) DrawOffer(ctx context.Context, code string) domain.Slot {
	offer := domain.SlotNone
	_, _ = m.reg.DoResident(ctx, code, func(s *Session) error {
		offer = s.DrawOffer()
		return nil
	})
	return offer
}

func (m *Manager) persist(ctx context.Context, s *Session, cp checkpoint, op string) error {
	if err := m.store.Save(ctx, s.match); err != nil {
		s.rollback(cp)
		m.log.Warn("match_persist_error", zap.String("code", s.Code()), zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (m *Manager) ended(s *Session, snap *domain.Match) {
	out := snap.Outcome
	fields := []zap.Field{zap.String("code", s.Code())}
	if out != nil {
		fields = append(fields, zap.String("result", string(out.Result)), zap.String("reason", string(out.Reason)))
	}
	m.log.Info("match_end", fields...)
	m.publish(Event{Kind: EventMatchEnded, Code: s.Code(), Match: snap.Clone()})
	m.record(snap)
}

func (m *Manager) record(snap *domain.Match) {
	if m.archive == nil {
		return
	}
	m.archiveWG.Add(1)
	go func() {
		defer m.archiveWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := m.archive.Record(ctx, snap); err != nil {
			m.log.Warn("match_archive_error", zap.String("code", snap.Code), zap.Error(err))
		}
	}()
}

// Wait blocks until pending archive writes finish.
func (m *Manager) Wait() { m.archiveWG.Wait() }
