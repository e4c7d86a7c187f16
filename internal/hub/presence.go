package hub

import (
	"sync"

	"github.com/park285/cheese-match-server/internal/domain"
)

type slotKey struct {
	code string
	slot domain.Slot
}

// Presence counts attached connections per (code, slot). It is derived from
// hub attach/detach calls only and starts empty after a restart.
type Presence struct {
	mu      sync.Mutex
	counts  map[slotKey]int
	dropped map[slotKey]bool
}

func NewPresence() *Presence {
	return &Presence{counts: make(map[slotKey]int), dropped: make(map[slotKey]bool)}
}

// Attach records a connection. reconnected is true when the slot goes from
// zero to one connection after having lost all of them earlier.
func (p *Presence) Attach(code string, slot domain.Slot) (first, reconnected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := slotKey{code, slot}
	p.counts[k]++
	if p.counts[k] != 1 {
		return false, false
	}
	reconnected = p.dropped[k]
	delete(p.dropped, k)
	return true, reconnected
}

// Detach removes a connection and reports whether the slot is now empty.
func (p *Presence) Detach(code string, slot domain.Slot) (last bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := slotKey{code, slot}
	n := p.counts[k]
	if n == 0 {
		return false
	}
	if n == 1 {
		delete(p.counts, k)
		p.dropped[k] = true
		return true
	}
	p.counts[k] = n - 1
	return false
}

// Connected reports whether the slot has at least one connection.
func (p *Presence) Connected(code string, slot domain.Slot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[slotKey{code, slot}] > 0
}

// Disconnected lists the slots of code with no attached connection.
func (p *Presence) Disconnected(code string) []domain.Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Slot
	for _, s := range []domain.Slot{domain.SlotWhite, domain.SlotBlack} {
		if p.counts[slotKey{code, s}] == 0 {
			out = append(out, s)
		}
	}
	return out
}

// ClearDrops resets the dropped flags of code. A slot that dropped before the
// opponent arrived then comes back without an opponentReconnected, matching
// the opponentDisconnected nobody received.
func (p *Presence) ClearDrops(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range []domain.Slot{domain.SlotWhite, domain.SlotBlack} {
		delete(p.dropped, slotKey{code, s})
	}
}

// Forget drops all bookkeeping for a finished match. Later detaches of
// its connections are silent.
func (p *Presence) Forget(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range []domain.Slot{domain.SlotWhite, domain.SlotBlack} {
		delete(p.dropped, slotKey{code, s})
		delete(p.counts, slotKey{code, s})
	}
}
