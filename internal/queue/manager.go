package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"newscast/internal/eventbus"
	logx "newscast/pkg/logx"
)

// Manager owns the set of named queues. Queues are added before Start; the
// set is fixed for the manager's lifetime.
type Manager struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	queues  map[string]*Queue
	started bool
}

func NewManager(log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		log:    log,
		bus:    bus,
		queues: map[string]*Queue{},
	}
}

// Add creates a queue under name. Adding after Start or re-adding an
// existing name is a programming error.
func (m *Manager) Add(name string, cfg Config) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil, fmt.Errorf("queue manager already started")
	}
	if _, ok := m.queues[name]; ok {
		return nil, fmt.Errorf("queue %q already exists", name)
	}
	q := newQueue(name, cfg, m.log, m.bus)
	m.queues[name] = q
	return q, nil
}

// Queue returns the named queue or ErrUnknownQueue.
func (m *Manager) Queue(name string) (*Queue, error) {
	m.mu.Lock()
	q, ok := m.queues[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return q, nil
}

func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	qs := m.all()
	m.mu.Unlock()

	for _, q := range qs {
		q.start(ctx)
	}
	m.log.Info("queue manager started", logx.Int("queues", len(qs)))
}

// Shutdown stops all queues and waits for in-flight jobs, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	qs := m.all()
	m.mu.Unlock()

	for _, q := range qs {
		q.stop(ctx)
	}
	m.log.Info("queue manager stopped")
	return ctx.Err()
}

// Prune applies retention to finished-job history on every queue.
func (m *Manager) Prune(now time.Time) {
	m.mu.Lock()
	qs := m.all()
	m.mu.Unlock()

	for _, q := range qs {
		q.Prune(now)
	}
}

// Snapshot returns per-queue diagnostics keyed by queue name.
func (m *Manager) Snapshot() map[string]Snapshot {
	m.mu.Lock()
	qs := m.all()
	m.mu.Unlock()

	out := make(map[string]Snapshot, len(qs))
	for _, q := range qs {
		out[q.Name()] = q.Snapshot()
	}
	return out
}

// all returns queues in stable name order; callers hold m.mu.
func (m *Manager) all() []*Queue {
	names := make([]string, 0, len(m.queues))
	for n := range m.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Queue, 0, len(names))
	for _, n := range names {
		out = append(out, m.queues[n])
	}
	return out
}
