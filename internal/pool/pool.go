// Package pool owns the worker arena: per-exchange data/backup worker
// pairs, the monitor that executes the failover protocol, and the admin
// facade that ties pools, monitor and symbol discovery together.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"perpspread-core/internal/exchange"
	"perpspread-core/internal/worker"
)

// WorkerFactory builds a worker for a slot. The pool names workers after
// their slot; worker IDs stay ephemeral.
type WorkerFactory func(role worker.Role, logicalID string) *worker.Worker

// Status is the introspection projection of one pool.
type Status struct {
	Exchange string        `json:"exchange"`
	Shards   []ShardStatus `json:"shards"`
}

// ShardStatus projects one data/backup pair.
type ShardStatus struct {
	Index         int            `json:"index"`
	Symbols       int            `json:"symbols"`
	Data          *worker.Status `json:"data,omitempty"`
	Backup        *worker.Status `json:"backup,omitempty"`
	CooldownUntil string         `json:"cooldown_until,omitempty"`
}

// Pool holds one data worker and one backup worker per shard of an
// exchange. Slot identity (exchange, role, index) is stable; the workers
// placed into the slots are replaced on failure, never revived.
type Pool struct {
	adapter    exchange.Adapter
	shardCount int
	factory    WorkerFactory

	mu       sync.RWMutex
	shards   [][]string
	data     []*worker.Worker
	backup   []*worker.Worker
	cooldown []time.Time
}

// New creates a pool with a fixed shard count.
func New(adapter exchange.Adapter, shardCount int, factory WorkerFactory) *Pool {
	if shardCount < 1 {
		shardCount = 1
	}
	return &Pool{
		adapter:    adapter,
		shardCount: shardCount,
		factory:    factory,
		shards:     make([][]string, shardCount),
		data:       make([]*worker.Worker, shardCount),
		backup:     make([]*worker.Worker, shardCount),
		cooldown:   make([]time.Time, shardCount),
	}
}

// Start partitions the symbol universe across the shards and starts one
// data worker and one backup worker per shard. Shard symbol sets stay
// fixed for the life of the process.
func (p *Pool) Start(ctx context.Context, symbols []string) error {
	p.mu.Lock()
	p.shards = Partition(symbols, p.shardCount)
	p.mu.Unlock()

	for i := 0; i < p.shardCount; i++ {
		dataID := p.slotID(worker.RoleData, i)
		dw := p.factory(worker.RoleData, dataID)
		if err := dw.Start(ctx, p.Shard(i)); err != nil {
			return fmt.Errorf("start %s: %w", dataID, err)
		}

		backupID := p.slotID(worker.RoleBackup, i)
		bw := p.factory(worker.RoleBackup, backupID)
		if err := bw.Start(ctx, nil); err != nil {
			dw.Stop()
			return fmt.Errorf("start %s: %w", backupID, err)
		}

		p.mu.Lock()
		p.data[i] = dw
		p.backup[i] = bw
		p.mu.Unlock()

		log.Info().
			Str("exchange", string(p.adapter.ID())).
			Int("shard", i).
			Int("symbols", len(p.Shard(i))).
			Msg("Shard workers started")
	}
	return nil
}

// Stop stops every worker in the pool.
func (p *Pool) Stop() {
	p.mu.RLock()
	workers := make([]*worker.Worker, 0, 2*p.shardCount)
	for i := 0; i < p.shardCount; i++ {
		if p.data[i] != nil {
			workers = append(workers, p.data[i])
		}
		if p.backup[i] != nil {
			workers = append(workers, p.backup[i])
		}
	}
	p.mu.RUnlock()

	for _, w := range workers {
		w.Stop()
	}
}

// Exchange returns the pool's adapter.
func (p *Pool) Exchange() exchange.Adapter { return p.adapter }

// ShardCount returns the fixed number of shards.
func (p *Pool) ShardCount() int { return p.shardCount }

// Shard returns the symbol set assigned to shard i.
func (p *Pool) Shard(i int) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.shards[i]...)
}

// DataWorker returns the worker in the data slot of shard i.
func (p *Pool) DataWorker(i int) *worker.Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.data[i]
}

// BackupWorker returns the worker in the backup slot of shard i.
func (p *Pool) BackupWorker(i int) *worker.Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backup[i]
}

// SetDataWorker places a worker into the data slot of shard i.
func (p *Pool) SetDataWorker(i int, w *worker.Worker) {
	p.mu.Lock()
	p.data[i] = w
	p.mu.Unlock()
}

// SetBackupWorker places a worker into the backup slot of shard i.
func (p *Pool) SetBackupWorker(i int, w *worker.Worker) {
	p.mu.Lock()
	p.backup[i] = w
	p.mu.Unlock()
}

// CooldownUntil returns the end of shard i's failover cooldown.
func (p *Pool) CooldownUntil(i int) time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cooldown[i]
}

// SetCooldown blocks further failovers on shard i until the deadline.
func (p *Pool) SetCooldown(i int, until time.Time) {
	p.mu.Lock()
	p.cooldown[i] = until
	p.mu.Unlock()
}

// NewWorker builds a fresh worker for a slot of this pool.
func (p *Pool) NewWorker(role worker.Role, shard int) *worker.Worker {
	return p.factory(role, p.slotID(role, shard))
}

// SlotID returns the stable logical name of a slot.
func (p *Pool) SlotID(role worker.Role, shard int) string {
	return p.slotID(role, shard)
}

func (p *Pool) slotID(role worker.Role, shard int) string {
	suffix := "data"
	if role == worker.RoleBackup {
		suffix = "backup"
	}
	return fmt.Sprintf("%s-%s-%d", p.adapter.ID(), suffix, shard)
}

// Status returns the introspection projection.
func (p *Pool) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Status{Exchange: string(p.adapter.ID())}
	for i := 0; i < p.shardCount; i++ {
		shard := ShardStatus{Index: i, Symbols: len(p.shards[i])}
		if p.data[i] != nil {
			ws := p.data[i].Status()
			shard.Data = &ws
		}
		if p.backup[i] != nil {
			ws := p.backup[i].Status()
			shard.Backup = &ws
		}
		if until := p.cooldown[i]; time.Now().Before(until) {
			shard.CooldownUntil = until.Format(time.RFC3339)
		}
		st.Shards = append(st.Shards, shard)
	}
	return st
}

// Partition splits symbols into count contiguous chunks as evenly as
// possible. Order within a shard is irrelevant.
func Partition(symbols []string, count int) [][]string {
	shards := make([][]string, count)
	if count < 1 {
		return shards
	}

	base := len(symbols) / count
	extra := len(symbols) % count
	idx := 0
	for i := 0; i < count; i++ {
		size := base
		if i < extra {
			size++
		}
		shards[i] = append([]string(nil), symbols[idx:idx+size]...)
		idx += size
	}
	return shards
}
