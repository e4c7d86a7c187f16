package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/park285/cheese-match-server/internal/domain"
	"github.com/park285/cheese-match-server/internal/obslog"
	"github.com/park285/cheese-match-server/internal/store"
	"go.uber.org/zap"
)

// ErrFinished is returned for work against a match that has already ended.
var ErrFinished = fmt.Errorf("%w: match finished", domain.ErrNotActive)

const queueSize = 32

// Registry maps live match codes to sessions. Each resident code has exactly
// one worker goroutine that runs submitted work in arrival order, so the
// read-validate-mutate-persist cycle of a code never interleaves.
type Registry struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time

	idle        time.Duration
	maxResident int

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	code string
	jobs chan job

	// guarded by Registry.mu
	refs     int
	lastUsed time.Time
	evict    bool

	// owned by the worker
	sess    *Session
	deadErr error
}

type job struct {
	ctx  context.Context
	fn   func(*Session) error
	done chan error
}

type RegistryOption func(*Registry)

// WithIdleTimeout sets how long an untouched session stays resident.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.idle = d }
}

// WithMaxResident caps the number of resident sessions kept by Sweep.
func WithMaxResident(n int) RegistryOption {
	return func(r *Registry) { r.maxResident = n }
}

func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(st store.Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:       st,
		log:         obslog.L(),
		now:         time.Now,
		idle:        30 * time.Minute,
		maxResident: 10000,
		entries:     make(map[string]*entry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Do acquires the session for code, loading it from the store on a miss, and
// runs fn on the code's worker. Calls for the same code run one at a time in
// the order they were queued; calls for different codes run in parallel.
func (r *Registry) Do(ctx context.Context, code string, fn func(*Session) error) error {
	return r.do(ctx, store.NormalizeCode(code), fn, true)
}

// DoResident runs fn only if the session is already resident. It reports
// whether fn ran.
func (r *Registry) DoResident(ctx context.Context, code string, fn func(*Session) error) (bool, error) {
	ran := false
	err := r.do(ctx, store.NormalizeCode(code), func(s *Session) error {
		ran = true
		return fn(s)
	}, false)
	return ran, err
}

func (r *Registry) do(ctx context.Context, code string, fn func(*Session) error, load bool) error {
	if code == "" {
		return domain.ErrNotFound
	}
	e := r.acquire(code, load)
	if e == nil {
		return nil
	}
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case e.jobs <- j:
	case <-ctx.Done():
		r.drop(e)
		return ctx.Err()
	}
	return <-j.done
}

func (r *Registry) acquire(code string, create bool) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[code]
	if !ok {
		if !create {
			return nil
		}
		e = &entry{code: code, jobs: make(chan job, queueSize), lastUsed: r.now()}
		r.entries[code] = e
		go r.work(e)
	}
	e.refs++
	return e
}

func (r *Registry) work(e *entry) {
	for j := range e.jobs {
		err := r.run(e, j)
		r.finish(e)
		j.done <- err
	}
}

func (r *Registry) run(e *entry, j job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("session_job_panic", zap.String("code", e.code), zap.Any("panic", p))
			err = fmt.Errorf("session %s: internal error", e.code)
		}
	}()
	if e.deadErr != nil {
		return e.deadErr
	}
	if e.sess == nil {
		if err := r.load(j.ctx, e); err != nil {
			return err
		}
	}
	err = j.fn(e.sess)
	if e.sess.Finished() {
		e.deadErr = ErrFinished
	}
	return err
}

func (r *Registry) load(ctx context.Context, e *entry) error {
	m, err := r.store.Load(ctx, e.code)
	if errors.Is(err, domain.ErrNotFound) {
		e.deadErr = domain.ErrNotFound
		return e.deadErr
	}
	if err != nil {
		r.log.Warn("session_load_error", zap.String("code", e.code), zap.Error(err))
		return fmt.Errorf("%w: load match: %v", domain.ErrPersistence, err)
	}
	if m.Status == domain.StatusFinished {
		e.deadErr = ErrFinished
		return e.deadErr
	}
	sess, consistent, err := restore(m)
	if err != nil {
		r.log.Error("session_restore_error", zap.String("code", e.code), zap.Error(err))
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if !consistent {
		r.log.Warn("session_restore_fen_mismatch",
			zap.String("code", e.code),
			zap.String("stored_fen", m.FEN),
			zap.String("replayed_fen", sess.match.FEN),
		)
	}
	e.sess = sess
	r.log.Debug("session_load", zap.String("code", e.code), zap.Int("moves", len(m.MoveLog)))
	return nil
}

// finish drops a reference and retires the entry once nothing is queued and
// it is finished, gone, or marked for eviction.
func (r *Registry) finish(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	e.lastUsed = r.now()
	if e.refs > 0 {
		return
	}
	if e.deadErr != nil || e.evict {
		r.removeLocked(e, "released")
	}
}

// drop releases a reference that never reached the worker.
func (r *Registry) drop(e *entry) {
	r.mu.Lock()
	e.refs--
	r.mu.Unlock()
}

// Release evicts the session for code as soon as its queue drains.
func (r *Registry) Release(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[store.NormalizeCode(code)]
	if !ok {
		return
	}
	if e.refs == 0 {
		r.removeLocked(e, "released")
		return
	}
	e.evict = true
}

// Sweep evicts sessions idle for longer than the idle timeout, then the least
// recently used idle sessions beyond the resident cap. Durable state is never
// touched; the next Do reloads from the store.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	var idle []*entry
	for _, e := range r.entries {
		if e.refs > 0 {
			continue
		}
		if r.idle > 0 && now.Sub(e.lastUsed) >= r.idle {
			r.removeLocked(e, "idle")
			evicted++
			continue
		}
		idle = append(idle, e)
	}
	if r.maxResident > 0 && len(r.entries) > r.maxResident {
		sort.Slice(idle, func(i, j int) bool { return idle[i].lastUsed.Before(idle[j].lastUsed) })
		for _, e := range idle {
			if len(r.entries) <= r.maxResident {
				break
			}
			r.removeLocked(e, "capacity")
			evicted++
		}
	}
	return evicted
}

// Resident is the number of codes currently held in memory.
func (r *Registry) Resident() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run sweeps on every tick until ctx is done.
func (r *Registry) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := r.Sweep(now); n > 0 {
				r.log.Info("session_sweep", zap.Int("evicted", n), zap.Int("resident", r.Resident()))
			}
		}
	}
}

func (r *Registry) removeLocked(e *entry, reason string) {
	if cur, ok := r.entries[e.code]; !ok || cur != e {
		return
	}
	delete(r.entries, e.code)
	close(e.jobs)
	r.log.Debug("session_evict", zap.String("code", e.code), zap.String("reason", reason))
}
