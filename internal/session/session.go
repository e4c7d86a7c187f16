// Package session owns live matches: the per-code state machine, the registry
// that serializes work on each code, and the manager that orchestrates moves,
// persistence and event fan-out.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-match-server/internal/chess"
	"github.com/park285/cheese-match-server/internal/domain"
)

// Session is the in-memory authority for one match. It is only touched from
// the registry worker of its code.
type Session struct {
	match     *domain.Match
	game      *chess.Game
	drawOffer domain.Slot
}

type checkpoint struct {
	match     *domain.Match
	game      *chess.Game
	drawOffer domain.Slot
}

// restore rebuilds a Session from a durable record by replaying its move log.
func restore(m *domain.Match) (*Session, bool, error) {
	game, err := chess.Replay(m.MoveLog)
	if err != nil {
		return nil, false, fmt.Errorf("replay %s: %w", m.Code, err)
	}
	consistent := m.FEN == "" || m.FEN == game.FEN()
	cp := m.Clone()
	cp.FEN = game.FEN()
	return &Session{match: cp, game: game}, consistent, nil
}

// Snapshot returns a copy of the match safe to share.
func (s *Session) Snapshot() *domain.Match { return s.match.Clone() }

func (s *Session) Code() string { return s.match.Code }

func (s *Session) Status() domain.Status { return s.match.Status }

func (s *Session) Finished() bool { return s.match.Status == domain.StatusFinished }

// DrawOffer is the slot with a pending draw offer, or SlotNone.
func (s *Session) DrawOffer() domain.Slot { return s.drawOffer }

func (s *Session) save() checkpoint {
	return checkpoint{match: s.match.Clone(), game: s.game.Clone(), drawOffer: s.drawOffer}
}

func (s *Session) rollback(cp checkpoint) {
	s.match = cp.match
	s.game = cp.game
	s.drawOffer = cp.drawOffer
}

// join fills the empty slot of a waiting match. A participant joining again
// is a no-op that reports its slot.
func (s *Session) join(who domain.Identity, now time.Time) (domain.Slot, bool, error) {
	if slot := s.match.SlotOf(who.ID); slot != domain.SlotNone {
		return slot, false, nil
	}
	if s.match.Status != domain.StatusWaiting {
		return domain.SlotNone, false, fmt.Errorf("%w: match already has two players", domain.ErrInvalidState)
	}
	id := who
	slot := domain.SlotBlack
	if s.match.White == nil {
		slot = domain.SlotWhite
		s.match.White = &id
	} else {
		s.match.Black = &id
	}
	s.match.Status = domain.StatusActive
	s.match.UpdatedAt = now
	return slot, true, nil
}

// participant returns the caller's slot in an active match.
func (s *Session) participant(who domain.Identity) (domain.Slot, error) {
	if s.match.Status != domain.StatusActive {
		return domain.SlotNone, fmt.Errorf("%w: status is %s", domain.ErrNotActive, s.match.Status)
	}
	slot := s.match.SlotOf(who.ID)
	if slot == domain.SlotNone {
		return domain.SlotNone, fmt.Errorf("%w: not a participant", domain.ErrInvalidState)
	}
	return slot, nil
}

// applyMove validates turn ownership, plays the move and finishes the match
// when the resulting position is terminal.
func (s *Session) applyMove(who domain.Identity, text string, now time.Time) (chess.Applied, chess.Terminal, error) {
	if s.match.Status != domain.StatusActive {
		return chess.Applied{}, chess.Terminal{}, fmt.Errorf("%w: status is %s", domain.ErrNotActive, s.match.Status)
	}
	slot := s.match.SlotOf(who.ID)
	if slot == domain.SlotNone || slot != s.game.Turn() {
		return chess.Applied{}, chess.Terminal{}, fmt.Errorf("%w: %s to move", domain.ErrNotYourTurn, s.game.Turn())
	}
	applied, err := s.game.Apply(text)
	if err != nil {
		return chess.Applied{}, chess.Terminal{}, err
	}

	s.match.FEN = s.game.FEN()
	s.match.MoveLog = append(s.match.MoveLog, applied.UCI)
	s.match.MovesSAN = append(s.match.MovesSAN, applied.SAN)
	if code, title := s.game.Opening(); code != "" {
		s.match.Opening = strings.TrimSpace(code + " " + title)
	}
	s.match.UpdatedAt = now
	s.drawOffer = domain.SlotNone

	term := s.game.Terminal()
	switch term.Kind {
	case chess.Checkmate:
		s.finish(domain.ResultFor(slot), term.Reason, now)
	case chess.Stalemate, chess.DrawByRule:
		s.finish(domain.ResultDraw, term.Reason, now)
	}
	return applied, term, nil
}

func (s *Session) resign(who domain.Identity, now time.Time) error {
	slot, err := s.participant(who)
	if err != nil {
		return err
	}
	s.finish(domain.ResultFor(slot.Opponent()), domain.ReasonResignation, now)
	return nil
}

func (s *Session) offerDraw(who domain.Identity) (domain.Slot, error) {
	slot, err := s.participant(who)
	if err != nil {
		return domain.SlotNone, err
	}
	if s.drawOffer == slot.Opponent() {
		return domain.SlotNone, fmt.Errorf("%w: opponent already offered a draw, accept it instead", domain.ErrInvalidState)
	}
	s.drawOffer = slot
	return slot, nil
}

func (s *Session) acceptDraw(who domain.Identity, now time.Time) error {
	slot, err := s.participant(who)
	if err != nil {
		return err
	}
	if s.drawOffer != slot.Opponent() {
		return fmt.Errorf("%w: no draw offer to accept", domain.ErrInvalidState)
	}
	s.finish(domain.ResultDraw, domain.ReasonAgreement, now)
	return nil
}

// withdrawOffer clears a pending offer made by who. It reports whether an
// offer was cleared.
func (s *Session) withdrawOffer(who domain.Identity) bool {
	slot := s.match.SlotOf(who.ID)
	if slot == domain.SlotNone || s.drawOffer != slot {
		return false
	}
	s.drawOffer = domain.SlotNone
	return true
}

func (s *Session) finish(result domain.Result, reason domain.Reason, now time.Time) {
	out := &domain.Outcome{Result: result, Reason: reason}
	switch result {
	case domain.ResultWhite:
		if s.match.White != nil {
			out.WinnerID = s.match.White.ID
		}
	case domain.ResultBlack:
		if s.match.Black != nil {
			out.WinnerID = s.match.Black.ID
		}
	}
	s.match.Status = domain.StatusFinished
	s.match.Outcome = out
	s.match.UpdatedAt = now
	s.drawOffer = domain.SlotNone
}
