package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-match-server/internal/domain"

	_ "github.com/lib/pq"
)

// Archive upserts finished matches into Postgres with a PGN rendering.
type Archive struct {
	db *sql.DB
}

func NewArchive(ctx context.Context, databaseURL string) (*Archive, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

const upsertArchive = `INSERT INTO match_archive (
    code, white_id, white_name, black_id, black_name,
    result, reason, winner_id, moves_uci, moves_san, pgn, final_fen,
    created_at, ended_at, duration_ms
  ) VALUES (
    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
  ) ON CONFLICT (code) DO UPDATE SET
    result=EXCLUDED.result,
    reason=EXCLUDED.reason,
    winner_id=EXCLUDED.winner_id,
    moves_uci=EXCLUDED.moves_uci,
    moves_san=EXCLUDED.moves_san,
    pgn=EXCLUDED.pgn,
    final_fen=EXCLUDED.final_fen,
    ended_at=EXCLUDED.ended_at,
    duration_ms=EXCLUDED.duration_ms`

// Record stores a finished match. Unfinished matches are ignored.
func (a *Archive) Record(ctx context.Context, m *domain.Match) error {
	if a == nil || a.db == nil || m == nil || m.Status != domain.StatusFinished || m.Outcome == nil {
		return nil
	}
	movesUCI, err := json.Marshal(nonNil(m.MoveLog))
	if err != nil {
		return err
	}
	movesSAN, err := json.Marshal(nonNil(m.MovesSAN))
	if err != nil {
		return err
	}
	duration := m.UpdatedAt.Sub(m.CreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	whiteID, whiteName := identityFields(m.White)
	blackID, blackName := identityFields(m.Black)

	_, err = a.db.ExecContext(ctx, upsertArchive,
		m.Code,
		whiteID, whiteName,
		blackID, blackName,
		string(m.Outcome.Result), string(m.Outcome.Reason), m.Outcome.WinnerID,
		string(movesUCI), string(movesSAN), BuildPGN(m), m.FEN,
		m.CreatedAt, m.UpdatedAt, duration,
	)
	return err
}

func identityFields(id *domain.Identity) (string, string) {
	if id == nil {
		return "", ""
	}
	return id.ID, id.Name
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func pgnResult(o *domain.Outcome) string {
	if o == nil {
		return "*"
	}
	switch o.Result {
	case domain.ResultWhite:
		return "1-0"
	case domain.ResultBlack:
		return "0-1"
	case domain.ResultDraw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

// BuildPGN renders the SAN move list with the standard seven tag roster.
func BuildPGN(m *domain.Match) string {
	if m == nil {
		return ""
	}
	result := pgnResult(m.Outcome)
	date := m.UpdatedAt
	if date.IsZero() {
		date = time.Now()
	}
	whiteID, whiteName := identityFields(m.White)
	blackID, blackName := identityFields(m.Black)
	if whiteName == "" {
		whiteName = whiteID
	}
	if blackName == "" {
		blackName = blackID
	}

	var b strings.Builder
	b.WriteString("[Event \"Casual match\"]\n")
	fmt.Fprintf(&b, "[Site \"%s\"]\n", sanitizePGN(m.Code))
	fmt.Fprintf(&b, "[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day())
	b.WriteString("[Round \"-\"]\n")
	fmt.Fprintf(&b, "[White \"%s\"]\n", sanitizePGN(whiteName))
	fmt.Fprintf(&b, "[Black \"%s\"]\n", sanitizePGN(blackName))
	fmt.Fprintf(&b, "[Result \"%s\"]\n", result)
	if m.Outcome != nil && m.Outcome.Reason != "" {
		fmt.Fprintf(&b, "[Termination \"%s\"]\n", sanitizePGN(string(m.Outcome.Reason)))
	}
	b.WriteString("\n")

	for i := 0; i < len(m.MovesSAN); i += 2 {
		fmt.Fprintf(&b, "%d. %s", i/2+1, strings.TrimSpace(m.MovesSAN[i]))
		if i+1 < len(m.MovesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(m.MovesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
