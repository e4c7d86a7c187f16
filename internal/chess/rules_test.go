package chess

import (
	"errors"
	"testing"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/cheese-match-server/internal/domain"
)

func TestApplyUCIAndSAN(t *testing.T) {
	g := NewGame()
	if g.Turn() != domain.SlotWhite {
		t.Fatalf("expected white to move first, got %q", g.Turn())
	}
	a, err := g.Apply("e2e4")
	if err != nil {
		t.Fatalf("Apply e2e4: %v", err)
	}
	if a.UCI != "e2e4" || a.SAN != "e4" || a.From != "e2" || a.To != "e4" {
		t.Fatalf("unexpected applied move: %+v", a)
	}
	if g.Turn() != domain.SlotBlack {
		t.Fatalf("expected black to move, got %q", g.Turn())
	}
	b, err := g.Apply("Nc6")
	if err != nil {
		t.Fatalf("Apply Nc6: %v", err)
	}
	if b.UCI != "b8c6" {
		t.Fatalf("expected SAN to resolve to b8c6, got %q", b.UCI)
	}
	if g.MoveCount() != 2 {
		t.Fatalf("expected 2 plies, got %d", g.MoveCount())
	}
}

func TestApplyRejectsOpponentPiece(t *testing.T) {
	g := NewGame()
	if _, err := g.Apply("e2e4"); err != nil {
		t.Fatalf("Apply e2e4: %v", err)
	}
	before := g.FEN()
	_, err := g.Apply("d2d4")
	if !errors.Is(err, domain.ErrIllegalMove) {
		t.Fatalf("expected illegal move, got %v", err)
	}
	if g.FEN() != before {
		t.Fatalf("position changed after rejected move: %s", g.FEN())
	}
	if _, err := g.Apply("   "); !errors.Is(err, domain.ErrIllegalMove) {
		t.Fatalf("expected illegal move for blank input, got %v", err)
	}
}

func TestFoolsMateIsCheckmate(t *testing.T) {
	g := NewGame()
	for _, mv := range []string{"f2f3", "e7e5", "g2g4"} {
		if _, err := g.Apply(mv); err != nil {
			t.Fatalf("Apply %s: %v", mv, err)
		}
		if g.Terminal().Over() {
			t.Fatalf("game ended early after %s", mv)
		}
	}
	a, err := g.Apply("d8h4")
	if err != nil {
		t.Fatalf("Apply d8h4: %v", err)
	}
	if !a.Check {
		t.Fatalf("expected mating move to carry check flag")
	}
	term := g.Terminal()
	if term.Kind != Checkmate || term.Reason != domain.ReasonCheckmate {
		t.Fatalf("expected checkmate, got %+v", term)
	}
}

func TestReplayMatchesLivePosition(t *testing.T) {
	live := NewGame()
	log := []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1b5"}
	for _, mv := range log {
		if _, err := live.Apply(mv); err != nil {
			t.Fatalf("Apply %s: %v", mv, err)
		}
	}
	replayed, err := Replay(log)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replayed.FEN() != live.FEN() {
		t.Fatalf("fen mismatch: %s vs %s", replayed.FEN(), live.FEN())
	}
	if from, to, ok := replayed.LastMove(); !ok || from != "f1" || to != "b5" {
		t.Fatalf("unexpected last move %s-%s ok=%v", from, to, ok)
	}
	if code, _ := replayed.Opening(); code == "" {
		t.Fatalf("expected an ECO code for the Ruy Lopez")
	}
	if _, err := Replay([]string{"e2e5"}); err == nil {
		t.Fatalf("expected replay of illegal log to fail")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	g := NewGame()
	c := g.Clone()
	if _, err := c.Apply("e2e4"); err != nil {
		t.Fatalf("Apply on clone: %v", err)
	}
	if g.FEN() != StartFEN {
		t.Fatalf("original changed: %s", g.FEN())
	}
}

func playAll(t *testing.T, g *Game, moves []string) {
	t.Helper()
	for i, mv := range moves {
		if _, err := g.Apply(mv); err != nil {
			t.Fatalf("Apply %s: %v", mv, err)
		}
		if i < len(moves)-1 && g.Terminal().Over() {
			t.Fatalf("game ended early after ply %d (%s)", i+1, mv)
		}
	}
}

func TestLoydStalemate(t *testing.T) {
	g := NewGame()
	playAll(t, g, []string{
		"e2e3", "a7a5", "d1h5", "a8a6", "h5a5", "h7h5", "h2h4", "a6h6", "a5c7", "f7f6",
		"c7d7", "e8f7", "d7b7", "d8d3", "b7b8", "d3h7", "b8c8", "f7g6", "c8e6",
	})
	term := g.Terminal()
	if term.Kind != Stalemate || term.Reason != domain.ReasonStalemate {
		t.Fatalf("expected stalemate, got %+v", term)
	}
}

func TestThreefoldRepetitionEndsGame(t *testing.T) {
	g := NewGame()
	shuffle := []string{"g1f3", "g8f6", "f3g1", "f6g8"}
	playAll(t, g, append(append([]string{}, shuffle...), shuffle...))
	if g.MoveCount() != 8 {
		t.Fatalf("expected 8 plies, got %d", g.MoveCount())
	}
	term := g.Terminal()
	if term.Kind != DrawByRule || term.Reason != domain.ReasonRepetition {
		t.Fatalf("expected draw by repetition, got %+v", term)
	}
	if !g.Terminal().Over() {
		t.Fatalf("claimed draw should stick")
	}
}

func TestFiftyMoveRuleEndsGame(t *testing.T) {
	fen, err := nchess.FEN("2r3k1/1q1nbppp/r3p3/3pP3/pPpP4/P1Q2N2/2RN1PPP/2R4K b - - 99 60")
	if err != nil {
		t.Fatalf("FEN: %v", err)
	}
	g := &Game{g: nchess.NewGame(fen)}
	if g.Terminal().Over() {
		t.Fatalf("clock at 99 should not end the game")
	}
	if _, err := g.Apply("g8f8"); err != nil {
		t.Fatalf("Apply g8f8: %v", err)
	}
	term := g.Terminal()
	if term.Kind != DrawByRule || term.Reason != domain.ReasonMoveRule {
		t.Fatalf("expected fifty-move draw, got %+v", term)
	}
}
