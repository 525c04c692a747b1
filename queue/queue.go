package queue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config limits one named queue.
type Config struct {
	// Name matches job.Job.Queue.
	Name string

	// MaxConcurrency caps jobs of this queue running in the local pool.
	// Zero leaves only the pool-wide limit.
	MaxConcurrency int

	// RateLimit is the sustained number of jobs per second the queue may
	// start. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the token bucket size. Defaults to 1.
	RateBurst int
}

type gate struct {
	cfg     Config
	limiter *rate.Limiter
	active  int
}

func newGate(cfg Config) *gate {
	g := &gate{cfg: cfg}
	if cfg.RateLimit > 0 {
		burst := max(cfg.RateBurst, 1)
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return g
}

// Manager admits jobs according to their queue's Config. Queues without a
// Config are always admitted. It is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	gates map[string]*gate
	now   func() time.Time
}

// NewManager creates a Manager for the given queues.
func NewManager(configs ...Config) *Manager {
	m := &Manager{gates: make(map[string]*gate, len(configs)), now: time.Now}
	for _, cfg := range configs {
		m.gates[cfg.Name] = newGate(cfg)
	}
	return m
}

// Acquire admits one job of queue. When it returns true the caller owns a
// slot and must call Release. When it returns false, retryAfter hints how
// long to wait before the queue can admit again.
func (m *Manager) Acquire(queue string) (ok bool, retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.gates[queue]
	if g == nil {
		return true, 0
	}
	if g.cfg.MaxConcurrency > 0 && g.active >= g.cfg.MaxConcurrency {
		return false, 0
	}
	if g.limiter != nil {
		now := m.now()
		r := g.limiter.ReserveN(now, 1)
		if d := r.DelayFrom(now); d > 0 {
			r.CancelAt(now)
			return false, d
		}
	}
	g.active++
	return true, 0
}

// Release frees a slot taken by Acquire.
func (m *Manager) Release(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g := m.gates[queue]; g != nil && g.active > 0 {
		g.active--
	}
}

// SetQueueConfig adds or replaces the configuration of a queue. Running
// jobs keep their slots.
func (m *Manager) SetQueueConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := newGate(cfg)
	if old := m.gates[cfg.Name]; old != nil {
		g.active = old.active
	}
	m.gates[cfg.Name] = g
}

// ActiveCount returns the number of admitted, unreleased jobs of queue.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g := m.gates[queue]; g != nil {
		return g.active
	}
	return 0
}
