package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/park285/cheese-match-server/internal/domain"
)

// Memory is a development-only Store used when no REDIS_URL is configured.
type Memory struct {
	mu      sync.RWMutex
	matches map[string]*domain.Match
	byUser  map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		matches: make(map[string]*domain.Match),
		byUser:  make(map[string]map[string]struct{}),
	}
}

func (s *Memory) Create(ctx context.Context, m *domain.Match) error {
	if m == nil || NormalizeCode(m.Code) == "" {
		return fmt.Errorf("store: match code required")
	}
	code := NormalizeCode(m.Code)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.matches[code]; exists {
		return ErrCodeTaken
	}
	s.matches[code] = m.Clone()
	s.indexLocked(m)
	return nil
}

func (s *Memory) Load(ctx context.Context, code string) (*domain.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[NormalizeCode(code)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Memory) Save(ctx context.Context, m *domain.Match) error {
	if m == nil {
		return fmt.Errorf("store: nil match")
	}
	code := NormalizeCode(m.Code)

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.matches[code]
	if !ok {
		return ErrNotFound
	}
	if err := checkForward(current, m); err != nil {
		return err
	}
	s.matches[code] = m.Clone()
	s.indexLocked(m)
	return nil
}

func (s *Memory) ListByIdentity(ctx context.Context, id string) ([]*domain.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	codes := s.byUser[strings.TrimSpace(id)]
	out := make([]*domain.Match, 0, len(codes))
	for code := range codes {
		if m, ok := s.matches[code]; ok {
			out = append(out, m.Clone())
		}
	}
	sortRecent(out)
	return out, nil
}

func (s *Memory) Ping(ctx context.Context) error { return nil }

func (s *Memory) Close() error { return nil }

func (s *Memory) indexLocked(m *domain.Match) {
	code := NormalizeCode(m.Code)
	for _, id := range participants(m) {
		set, ok := s.byUser[id]
		if !ok {
			set = make(map[string]struct{})
			s.byUser[id] = set
		}
		set[code] = struct{}{}
	}
}
