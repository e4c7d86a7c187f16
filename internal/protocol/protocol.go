// Package protocol defines the JSON messages exchanged over the match socket
// and the REST snapshot shape.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-match-server/internal/domain"
)

type Type string

// client -> server
const (
	TypeJoin       Type = "join"
	TypeMove       Type = "move"
	TypeResign     Type = "resign"
	TypeOfferDraw  Type = "offerDraw"
	TypeAcceptDraw Type = "acceptDraw"
)

// server -> client
const (
	TypeMatchState           Type = "matchState"
	TypeMatchStarted         Type = "matchStarted"
	TypeOpponentJoined       Type = "opponentJoined"
	TypeMoveApplied          Type = "moveApplied"
	TypeMoveRejected         Type = "moveRejected"
	TypeMatchEnded           Type = "matchEnded"
	TypeDrawOffered          Type = "drawOffered"
	TypeOpponentDisconnected Type = "opponentDisconnected"
	TypeOpponentReconnected  Type = "opponentReconnected"
	TypeError                Type = "error"
)

// Envelope is one socket frame.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New marshals payload into an envelope.
func New(t Type, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Must is New for payload types that always marshal.
func Must(t Type, payload any) Envelope {
	env, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	return nil
}

// MatchRef is the payload of join, resign, offerDraw and acceptDraw.
type MatchRef struct {
	MatchCode string `json:"matchCode"`
}

// MovePayload accepts "move" as a UCI/SAN string or as {from, to, promotion}.
type MovePayload struct {
	MatchCode string    `json:"matchCode"`
	Move      MoveInput `json:"move"`
}

type MoveInput struct {
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Promotion string `json:"promotion,omitempty"`
	Notation  string `json:"notation,omitempty"`
}

func (m *MoveInput) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*m = MoveInput{Notation: s}
		return nil
	}
	type plain MoveInput
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*m = MoveInput(p)
	return nil
}

// Text is the move as handed to the rules engine.
func (m MoveInput) Text() string {
	if n := strings.TrimSpace(m.Notation); n != "" {
		return n
	}
	if m.From == "" && m.To == "" {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(m.From) + strings.TrimSpace(m.To) + strings.TrimSpace(m.Promotion))
}

type Player struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func PlayerOf(id *domain.Identity) *Player {
	if id == nil {
		return nil
	}
	return &Player{ID: id.ID, Name: id.Name}
}

type OutcomeView struct {
	Result         string  `json:"result"`
	Reason         string  `json:"reason"`
	WinnerIdentity *Player `json:"winnerIdentity"`
}

// MatchView is the snapshot served on REST fetch and in matchState.
type MatchView struct {
	Code       string       `json:"code"`
	Position   string       `json:"position"`
	Status     string       `json:"status"`
	SideToMove string       `json:"sideToMove"`
	White      *Player      `json:"white"`
	Black      *Player      `json:"black"`
	MoveLog    []string     `json:"moveLog"`
	SAN        []string     `json:"san"`
	Opening    string       `json:"opening,omitempty"`
	Outcome    *OutcomeView `json:"outcome"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

func View(m *domain.Match) MatchView {
	v := MatchView{
		Code:       m.Code,
		Position:   m.FEN,
		Status:     string(m.Status),
		SideToMove: string(m.Turn()),
		White:      PlayerOf(m.White),
		Black:      PlayerOf(m.Black),
		MoveLog:    append([]string{}, m.MoveLog...),
		SAN:        append([]string{}, m.MovesSAN...),
		Opening:    m.Opening,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if m.Outcome != nil {
		v.Outcome = &OutcomeView{
			Result:         string(m.Outcome.Result),
			Reason:         string(m.Outcome.Reason),
			WinnerIdentity: winner(m),
		}
	}
	return v
}

func winner(m *domain.Match) *Player {
	if m.Outcome == nil || m.Outcome.WinnerID == "" {
		return nil
	}
	slot := m.SlotOf(m.Outcome.WinnerID)
	if p := PlayerOf(m.Occupant(slot)); p != nil {
		return p
	}
	return &Player{ID: m.Outcome.WinnerID}
}

// MatchState is sent to a connection right after it joins.
type MatchState struct {
	Match MatchView `json:"match"`
	// Slot is the receiver's side, empty for non-participants.
	Slot string `json:"slot,omitempty"`
}

type MatchStarted struct {
	MatchCode  string `json:"matchCode"`
	Position   string `json:"position"`
	SideToMove string `json:"sideToMove"`
	White      Player `json:"white"`
	Black      Player `json:"black"`
}

// PresencePayload carries opponentJoined, opponentDisconnected and
// opponentReconnected.
type PresencePayload struct {
	MatchCode string `json:"matchCode"`
	Identity  Player `json:"identity"`
	Slot      string `json:"slot"`
}

type MoveView struct {
	UCI       string `json:"uci"`
	SAN       string `json:"san"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

type MoveApplied struct {
	MatchCode  string   `json:"matchCode"`
	Position   string   `json:"position"`
	Move       MoveView `json:"move"`
	SideToMove string   `json:"sideToMove"`
	Ply        int      `json:"ply"`
	Check      bool     `json:"check,omitempty"`
	Opening    string   `json:"opening,omitempty"`
}

type MoveRejected struct {
	MatchCode string `json:"matchCode"`
	Move      string `json:"move,omitempty"`
	Reason    string `json:"reason"`
	Code      string `json:"code"`
}

type MatchEnded struct {
	MatchCode      string  `json:"matchCode"`
	Result         string  `json:"result"`
	Reason         string  `json:"reason"`
	WinnerIdentity *Player `json:"winnerIdentity"`
	Position       string  `json:"position"`
	Summary        string  `json:"summary,omitempty"`
}

type DrawOffered struct {
	MatchCode string `json:"matchCode"`
	By        string `json:"by"`
	Identity  Player `json:"identity"`
}

type ErrorPayload struct {
	MatchCode string `json:"matchCode,omitempty"`
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}
