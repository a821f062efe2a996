package breaker

import (
	"sync"
	"time"
)

// MemoryOptions configures the manager's idle-breaker eviction timer
// (spec.md §4.6: "an optional memory-management timer evicts idle breakers
// after IdleEvictionAfter").
type MemoryOptions struct {
	IdleEvictionAfter time.Duration `validate:"omitempty,gt=0"`
	SweepInterval     time.Duration `validate:"omitempty,gt=0"`
}

// Manager holds one CircuitBreaker per node id, created on demand under a
// lock, mirroring how pipeline.go populates executionState.nodeStates once
// per run.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*entry
	defaults Options
	mem      MemoryOptions
	stop     chan struct{}
	stopOnce sync.Once
}

type entry struct {
	breaker    *CircuitBreaker
	lastTouch  time.Time
}

// NewManager creates a Manager using defaults for any node without an
// explicit per-node override.
func NewManager(defaults Options, mem MemoryOptions) *Manager {
	m := &Manager{
		breakers: make(map[string]*entry),
		defaults: defaults,
		mem:      mem,
	}
	if mem.IdleEvictionAfter > 0 {
		m.stop = make(chan struct{})
		go m.sweepLoop()
	}
	return m
}

// Get returns the breaker for nodeId, creating it with opts (or the
// manager's defaults, if opts is nil) on first use.
func (m *Manager) Get(nodeID string, opts *Options) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.breakers[nodeID]; ok {
		e.lastTouch = time.Now()
		return e.breaker
	}

	effective := m.defaults
	if opts != nil {
		effective = *opts
	}
	b := New(effective)
	m.breakers[nodeID] = &entry{breaker: b, lastTouch: time.Now()}
	return b
}

func (m *Manager) sweepInterval() time.Duration {
	if m.mem.SweepInterval > 0 {
		return m.mem.SweepInterval
	}
	return m.mem.IdleEvictionAfter
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *Manager) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.mem.IdleEvictionAfter)
	for id, e := range m.breakers {
		if e.lastTouch.Before(cutoff) {
			delete(m.breakers, id)
		}
	}
}

// Close stops the idle-eviction sweep, if one was started.
func (m *Manager) Close() {
	if m.stop == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stop) })
}
