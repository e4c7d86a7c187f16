package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/park285/cheese-match-server/internal/chess"
	"github.com/park285/cheese-match-server/internal/domain"
	"github.com/park285/cheese-match-server/internal/store"
)

func seed(t *testing.T, st store.Store, code string, moves ...string) *domain.Match {
	t.Helper()
	game, err := chess.Replay(moves)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	now := time.Now().UTC()
	m := &domain.Match{
		Code:      code,
		White:     &alice,
		Black:     &bob,
		FEN:       game.FEN(),
		MoveLog:   append([]string{}, moves...),
		Status:    domain.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.Create(context.Background(), m); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m
}

func TestRegistryNotFound(t *testing.T) {
	reg := NewRegistry(store.NewMemory())
	err := reg.Do(context.Background(), "NOPE00", func(*Session) error { return nil })
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if reg.Resident() != 0 {
		t.Fatalf("missing code must not stay resident")
	}
}

func TestRegistryFinishedIsNotLive(t *testing.T) {
	st := store.NewMemory()
	m := seed(t, st, "DONE01")
	m.Status = domain.StatusFinished
	m.Outcome = &domain.Outcome{Result: domain.ResultDraw, Reason: domain.ReasonAgreement}
	if err := st.Save(context.Background(), m); err != nil {
		t.Fatalf("Save: %v", err)
	}
	reg := NewRegistry(st)
	ran := false
	err := reg.Do(context.Background(), "DONE01", func(*Session) error { ran = true; return nil })
	if !errors.Is(err, ErrFinished) || ran {
		t.Fatalf("expected ErrFinished without running, got %v ran=%v", err, ran)
	}
}

func TestRegistryFIFOPerCode(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "FIFO01")
	reg := NewRegistry(st)
	ctx := context.Background()

	gate := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = reg.Do(ctx, "FIFO01", func(*Session) error {
			close(started)
			<-gate
			return nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = reg.Do(ctx, "FIFO01", func(*Session) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// let each caller queue before the next one arrives
		time.Sleep(5 * time.Millisecond)
	}
	close(gate)
	wg.Wait()
	for i, v := range order {
		if v != i {
			t.Fatalf("jobs ran out of arrival order: %v", order)
		}
	}
}

func TestRegistryEvictionIsLossless(t *testing.T) {
	st := store.NewMemory()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	reg := NewRegistry(st, WithIdleTimeout(time.Minute), WithRegistryClock(clock))
	m := NewManager(st, reg)
	ctx := context.Background()
	seed(t, st, "EVICT1", "e2e4", "e7e5", "g1f3")

	var before string
	if err := reg.Do(ctx, "EVICT1", func(s *Session) error { before = s.game.FEN(); return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if n := reg.Sweep(now.Add(30 * time.Second)); n != 0 || reg.Resident() != 1 {
		t.Fatalf("fresh session evicted: n=%d", n)
	}
	if n := reg.Sweep(now.Add(2 * time.Minute)); n != 1 || reg.Resident() != 0 {
		t.Fatalf("idle session not evicted: n=%d resident=%d", n, reg.Resident())
	}

	var after string
	if err := reg.Do(ctx, "EVICT1", func(s *Session) error { after = s.game.FEN(); return nil }); err != nil {
		t.Fatalf("Do after eviction: %v", err)
	}
	if before != after {
		t.Fatalf("reconstruction changed the position: %s vs %s", before, after)
	}
	if _, err := m.SubmitMove(ctx, "EVICT1", bob, "b8c6"); err != nil {
		t.Fatalf("move after reconstruction: %v", err)
	}
}

func TestRegistryCapacitySweep(t *testing.T) {
	st := store.NewMemory()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := base
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	reg := NewRegistry(st, WithIdleTimeout(0), WithMaxResident(2), WithRegistryClock(clock))
	ctx := context.Background()

	for i, code := range []string{"CAP001", "CAP002", "CAP003"} {
		seed(t, st, code)
		mu.Lock()
		now = base.Add(time.Duration(i) * time.Second)
		mu.Unlock()
		if err := reg.Do(ctx, code, func(*Session) error { return nil }); err != nil {
			t.Fatalf("Do %s: %v", code, err)
		}
	}
	if n := reg.Sweep(base.Add(time.Hour)); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}
	// the least recently used code went first
	if _, err := reg.DoResident(ctx, "CAP001", func(*Session) error { return nil }); err != nil {
		t.Fatalf("DoResident: %v", err)
	}
	ran, _ := reg.DoResident(ctx, "CAP003", func(*Session) error { return nil })
	if !ran {
		t.Fatalf("most recent session should still be resident")
	}
}

func TestRegistryRelease(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "REL001")
	reg := NewRegistry(st)
	if err := reg.Do(context.Background(), "REL001", func(*Session) error { return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	reg.Release("rel001")
	if reg.Resident() != 0 {
		t.Fatalf("release should evict an idle session")
	}
}

func TestRegistryRestoreRepairsFEN(t *testing.T) {
	st := store.NewMemory()
	m := seed(t, st, "FEN001", "d2d4")
	m.FEN = chess.StartFEN
	if err := st.Save(context.Background(), m); err != nil {
		t.Fatalf("Save: %v", err)
	}
	reg := NewRegistry(st)
	var turn domain.Slot
	if err := reg.Do(context.Background(), "FEN001", func(s *Session) error { turn = s.game.Turn(); return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if turn != domain.SlotBlack {
		t.Fatalf("move log must win over a stale FEN, turn=%s", turn)
	}
}
