package session

import (
	"context"

	"github.com/park285/cheese-match-server/internal/chess"
	"github.com/park285/cheese-match-server/internal/domain"
)

type EventKind string

const (
	EventMatchStarted EventKind = "matchStarted"
	EventMoveApplied  EventKind = "moveApplied"
	EventMatchEnded   EventKind = "matchEnded"
	EventDrawOffered  EventKind = "drawOffered"
)

// Event is a committed transition. Match is the state after it.
type Event struct {
	Kind  EventKind
	Code  string
	Match *domain.Match
	Move  *chess.Applied
	// By is the acting slot for draw offers.
	By domain.Slot
}

// Publisher fans committed events out to attached connections. Publish is
// called from the code's worker in commit order and must not block.
type Publisher interface {
	Publish(code string, ev Event)
}

// Archiver records finished matches for history.
type Archiver interface {
	Record(ctx context.Context, m *domain.Match) error
}

// MoveOutcome is the result of an accepted move.
type MoveOutcome struct {
	Match *domain.Match
	Move  chess.Applied
	Ended bool
}
