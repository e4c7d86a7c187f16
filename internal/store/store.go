// Package store keeps the durable Match record, one per room code.
package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/park285/cheese-match-server/internal/domain"
)

var (
	ErrNotFound  = fmt.Errorf("store: %w", domain.ErrNotFound)
	ErrCodeTaken = errors.New("store: match code already taken")
	// ErrConflict is returned when a save would move a record backwards.
	ErrConflict = errors.New("store: stale match record")
)

// Store is the key-value record of matches keyed by code.
type Store interface {
	// Create inserts a new record and fails with ErrCodeTaken if the code exists.
	Create(ctx context.Context, m *domain.Match) error
	Load(ctx context.Context, code string) (*domain.Match, error)
	// Save replaces the record atomically. Status may only move forward and the
	// move log may only grow.
	Save(ctx context.Context, m *domain.Match) error
	ListByIdentity(ctx context.Context, id string) ([]*domain.Match, error)
	Ping(ctx context.Context) error
	Close() error
}

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	CodeLength   = 6
)

// NewCode returns a random 6 character upper alphanumeric room code.
func NewCode() (string, error) {
	b := make([]byte, CodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b), nil
}

// NormalizeCode upper-cases and trims user supplied codes.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func checkForward(current, next *domain.Match) error {
	if next.Status.Rank() < current.Status.Rank() {
		return fmt.Errorf("%w: status %s -> %s", ErrConflict, current.Status, next.Status)
	}
	if len(next.MoveLog) < len(current.MoveLog) {
		return fmt.Errorf("%w: move log %d -> %d", ErrConflict, len(current.MoveLog), len(next.MoveLog))
	}
	if current.Status == domain.StatusFinished {
		return fmt.Errorf("%w: match already finished", ErrConflict)
	}
	return nil
}

func participants(m *domain.Match) []string {
	var ids []string
	if m.White != nil && m.White.Valid() {
		ids = append(ids, m.White.ID)
	}
	if m.Black != nil && m.Black.Valid() {
		ids = append(ids, m.Black.ID)
	}
	return ids
}
