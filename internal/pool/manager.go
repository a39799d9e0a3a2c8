package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"perpspread-core/internal/exchange"
	"perpspread-core/internal/worker"
)

// Spec describes one exchange's pool: its adapter, shard count and the
// static symbol list used when REST discovery fails.
type Spec struct {
	Adapter       exchange.Adapter
	ShardCount    int
	StaticSymbols []string
	Factory       WorkerFactory
}

// Manager is the admin facade over the worker arena. It discovers the
// symbol universe, builds one pool per exchange and runs the monitor.
type Manager struct {
	specs []Spec

	mu      sync.RWMutex
	pools   []*Pool
	monitor *Monitor
	running bool
}

// NewManager creates a stopped manager.
func NewManager(specs []Spec) *Manager {
	return &Manager{specs: specs}
}

// Start discovers symbols, starts every pool and launches the monitor.
// Discovery failures fall back to the static symbol list; an empty
// universe still starts the pool so the monitor can keep it alive.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("pool manager already running")
	}

	pools := make([]*Pool, 0, len(m.specs))
	for _, spec := range m.specs {
		symbols := m.resolveSymbols(ctx, spec)
		p := New(spec.Adapter, spec.ShardCount, spec.Factory)
		if err := p.Start(ctx, symbols); err != nil {
			for _, started := range pools {
				started.Stop()
			}
			return fmt.Errorf("start %s pool: %w", spec.Adapter.ID(), err)
		}
		pools = append(pools, p)
	}

	m.pools = pools
	m.monitor = NewMonitor(pools)
	m.monitor.Start(ctx)
	m.running = true

	log.Info().Int("pools", len(pools)).Msg("Pool manager started")
	return nil
}

// Stop shuts down the monitor first, then every pool.
func (m *Manager) Stop() {
	m.mu.Lock()
	monitor := m.monitor
	pools := m.pools
	m.monitor = nil
	m.pools = nil
	m.running = false
	m.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	for _, p := range pools {
		p.Stop()
	}
}

// Running reports whether the manager has started.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Status returns the introspection projection of every pool.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	pools := m.pools
	m.mu.RUnlock()

	out := make([]Status, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Status())
	}
	return out
}

// Healthy reports whether every shard of every pool has a healthy data
// worker. The monitor repairs unhealthy shards; this is the external view.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	pools := m.pools
	running := m.running
	m.mu.RUnlock()

	if !running {
		return false
	}
	for _, p := range pools {
		for i := 0; i < p.ShardCount(); i++ {
			dw := p.DataWorker(i)
			if dw == nil || !dw.Healthy() {
				return false
			}
		}
	}
	return true
}

func (m *Manager) resolveSymbols(ctx context.Context, spec Spec) []string {
	symbols, err := spec.Adapter.DiscoverSymbols(ctx)
	if err != nil {
		log.Warn().Err(err).
			Str("exchange", string(spec.Adapter.ID())).
			Int("static", len(spec.StaticSymbols)).
			Msg("Symbol discovery failed, using static list")
		return append([]string(nil), spec.StaticSymbols...)
	}
	log.Info().
		Str("exchange", string(spec.Adapter.ID())).
		Int("symbols", len(symbols)).
		Msg("Discovered symbol universe")
	return symbols
}

// DefaultFactory builds the production worker factory for an adapter. The
// callback receives market data and the connection_status transitions; the
// store routes each to its own map.
func DefaultFactory(adapter exchange.Adapter, callback worker.DataCallback) WorkerFactory {
	return func(role worker.Role, logicalID string) *worker.Worker {
		return worker.New(worker.Config{
			Adapter:        adapter,
			Role:           role,
			LogicalID:      logicalID,
			Callback:       callback,
			StatusCallback: callback,
		})
	}
}
