package domain

import (
	"strings"
	"time"
)

// Status is the lifecycle of a match. It only moves forward.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// Rank orders statuses so stores can refuse regressions.
func (s Status) Rank() int {
	switch s {
	case StatusWaiting:
		return 1
	case StatusActive:
		return 2
	case StatusFinished:
		return 3
	default:
		return 0
	}
}

// Slot identifies a side of the board.
type Slot string

const (
	SlotNone  Slot = ""
	SlotWhite Slot = "white"
	SlotBlack Slot = "black"
)

func (s Slot) Opponent() Slot {
	switch s {
	case SlotWhite:
		return SlotBlack
	case SlotBlack:
		return SlotWhite
	default:
		return SlotNone
	}
}

// Result is the winning side of a finished match, or draw.
type Result string

const (
	ResultWhite Result = "white"
	ResultBlack Result = "black"
	ResultDraw  Result = "draw"
)

// ResultFor converts a winning slot into a Result.
func ResultFor(s Slot) Result {
	if s == SlotBlack {
		return ResultBlack
	}
	return ResultWhite
}

// Reason explains how a match finished.
type Reason string

const (
	ReasonCheckmate            Reason = "checkmate"
	ReasonStalemate            Reason = "stalemate"
	ReasonInsufficientMaterial Reason = "insufficient_material"
	ReasonRepetition           Reason = "repetition"
	ReasonMoveRule             Reason = "move_rule"
	ReasonDraw                 Reason = "draw"
	ReasonResignation          Reason = "resignation"
	ReasonAgreement            Reason = "agreement"
)

// Identity is a verified user as reported by the identity provider.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (i Identity) Valid() bool { return strings.TrimSpace(i.ID) != "" }

// Outcome is set exactly once, when a match finishes.
type Outcome struct {
	Result   Result `json:"result"`
	Reason   Reason `json:"reason"`
	WinnerID string `json:"winner_id,omitempty"`
}

// Match is the durable record of one game, keyed by its room code.
type Match struct {
	Code      string    `json:"code"`
	White     *Identity `json:"white,omitempty"`
	Black     *Identity `json:"black,omitempty"`
	FEN       string    `json:"fen"`
	MoveLog   []string  `json:"move_log"`
	MovesSAN  []string  `json:"moves_san"`
	Opening   string    `json:"opening,omitempty"`
	Status    Status    `json:"status"`
	Outcome   *Outcome  `json:"outcome,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Turn reads the side to move from the FEN active color field.
func (m *Match) Turn() Slot {
	if m == nil {
		return SlotNone
	}
	fields := strings.Fields(m.FEN)
	if len(fields) < 2 {
		return SlotWhite
	}
	if fields[1] == "b" {
		return SlotBlack
	}
	return SlotWhite
}

// SlotOf returns the slot occupied by the identity, or SlotNone.
func (m *Match) SlotOf(id string) Slot {
	if m == nil || strings.TrimSpace(id) == "" {
		return SlotNone
	}
	if m.White != nil && m.White.ID == id {
		return SlotWhite
	}
	if m.Black != nil && m.Black.ID == id {
		return SlotBlack
	}
	return SlotNone
}

// Occupant returns the identity in the given slot, if any.
func (m *Match) Occupant(s Slot) *Identity {
	if m == nil {
		return nil
	}
	switch s {
	case SlotWhite:
		return m.White
	case SlotBlack:
		return m.Black
	default:
		return nil
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (m *Match) Clone() *Match {
	if m == nil {
		return nil
	}
	c := *m
	if m.White != nil {
		w := *m.White
		c.White = &w
	}
	if m.Black != nil {
		b := *m.Black
		c.Black = &b
	}
	if m.Outcome != nil {
		o := *m.Outcome
		c.Outcome = &o
	}
	c.MoveLog = append([]string(nil), m.MoveLog...)
	c.MovesSAN = append([]string(nil), m.MovesSAN...)
	return &c
}
