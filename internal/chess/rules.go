// Package chess adapts github.com/corentings/chess/v2 into the rules engine
// used by match sessions: legality, side to move, terminal classification.
package chess

import (
	"fmt"
	"strings"
	"sync"

	nchess "github.com/corentings/chess/v2"
	"github.com/corentings/chess/v2/opening"
	"github.com/park285/cheese-match-server/internal/domain"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// TerminalKind classifies how a position ended the game.
type TerminalKind int

const (
	NotTerminal TerminalKind = iota
	Checkmate
	Stalemate
	DrawByRule
)

// Terminal is the rules engine verdict on the current position.
type Terminal struct {
	Kind   TerminalKind
	Reason domain.Reason
}

func (t Terminal) Over() bool { return t.Kind != NotTerminal }

// Applied describes a move the engine accepted.
type Applied struct {
	UCI       string `json:"uci"`
	SAN       string `json:"san"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	Check     bool   `json:"check,omitempty"`
}

// Game is a live position plus the moves that produced it.
type Game struct {
	g *nchess.Game
}

func NewGame() *Game { return &Game{g: nchess.NewGame()} }

// Replay rebuilds a game from a UCI move log. The log is the source of truth;
// a stored FEN is only ever compared against the replayed one.
func Replay(moves []string) (*Game, error) {
	game := nchess.NewGame()
	for i, mv := range moves {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay move %d (%s): %w", i+1, mv, err)
		}
	}
	return &Game{g: game}, nil
}

// Apply plays a move given in UCI (e2e4, e7e8q) or SAN (Nf3). The position is
// unchanged when the move is refused.
func (g *Game) Apply(text string) (Applied, error) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return Applied{}, fmt.Errorf("%w: empty move", domain.ErrIllegalMove)
	}
	pos := g.g.Position()
	if err := g.g.PushNotationMove(strings.ToLower(raw), nchess.UCINotation{}, nil); err != nil {
		if sanErr := g.g.PushNotationMove(raw, nchess.AlgebraicNotation{}, nil); sanErr != nil {
			return Applied{}, fmt.Errorf("%w: %s", domain.ErrIllegalMove, raw)
		}
	}
	last := g.lastMove()
	if last == nil {
		return Applied{}, fmt.Errorf("%w: %s", domain.ErrIllegalMove, raw)
	}
	uci := strings.ToLower(last.String())
	applied := Applied{
		UCI:   uci,
		SAN:   nchess.AlgebraicNotation{}.Encode(pos, last),
		From:  last.S1().String(),
		To:    last.S2().String(),
		Check: last.HasTag(nchess.Check),
	}
	if len(uci) == 5 {
		applied.Promotion = uci[4:]
	}
	return applied, nil
}

// Turn reports whose move it is, derived from the position alone.
func (g *Game) Turn() domain.Slot {
	if g.g.Position().Turn() == nchess.White {
		return domain.SlotWhite
	}
	return domain.SlotBlack
}

func (g *Game) FEN() string { return g.g.FEN() }

// MoveCount is the number of half-moves played.
func (g *Game) MoveCount() int { return len(g.g.Moves()) }

// Terminal classifies checkmate, stalemate and the draw rules. Threefold
// repetition and the fifty-move rule are claimed on the game as soon as they
// become eligible, so a position that qualifies ends the match.
func (g *Game) Terminal() Terminal {
	if g.g.Outcome() == nchess.NoOutcome {
		g.claimDraw()
	}
	if g.g.Outcome() == nchess.NoOutcome {
		return Terminal{Kind: NotTerminal}
	}
	switch g.g.Method() {
	case nchess.Checkmate:
		return Terminal{Kind: Checkmate, Reason: domain.ReasonCheckmate}
	case nchess.Stalemate:
		return Terminal{Kind: Stalemate, Reason: domain.ReasonStalemate}
	case nchess.InsufficientMaterial:
		return Terminal{Kind: DrawByRule, Reason: domain.ReasonInsufficientMaterial}
	case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
		return Terminal{Kind: DrawByRule, Reason: domain.ReasonRepetition}
	case nchess.FiftyMoveRule, nchess.SeventyFiveMoveRule:
		return Terminal{Kind: DrawByRule, Reason: domain.ReasonMoveRule}
	default:
		return Terminal{Kind: DrawByRule, Reason: domain.ReasonDraw}
	}
}

func (g *Game) claimDraw() {
	for _, method := range g.g.EligibleDraws() {
		switch method {
		case nchess.ThreefoldRepetition, nchess.FiftyMoveRule:
			if err := g.g.Draw(method); err == nil {
				return
			}
		}
	}
}

// LastMove returns the squares of the most recent move, if any.
func (g *Game) LastMove() (from, to string, ok bool) {
	last := g.lastMove()
	if last == nil {
		return "", "", false
	}
	return last.S1().String(), last.S2().String(), true
}

// Clone returns an independent copy for checkpointing.
func (g *Game) Clone() *Game { return &Game{g: g.g.Clone()} }

var (
	ecoOnce sync.Once
	ecoBook *opening.BookECO
)

// Opening returns the ECO code and title of the deepest known opening the
// current move sequence belongs to.
func (g *Game) Opening() (code, title string) {
	ecoOnce.Do(func() { ecoBook = opening.NewBookECO() })
	if ecoBook == nil || len(g.g.Moves()) == 0 {
		return "", ""
	}
	if o := ecoBook.Find(g.g.Moves()); o != nil {
		return o.Code(), o.Title()
	}
	return "", ""
}

func (g *Game) board() *nchess.Board { return g.g.Position().Board() }

func (g *Game) lastMove() *nchess.Move {
	moves := g.g.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}
