package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"perpspread-core/internal/metrics"
	"perpspread-core/internal/worker"
)

const (
	defaultTick     = 3 * time.Second
	defaultCooldown = 30 * time.Second
)

// Monitor is the process-wide supervisor. It is the sole mutator of
// worker slots: it detects dead data workers, promotes ready backups and
// rebuilds failed backups. Recovery is always by replacement.
type Monitor struct {
	pools    []*Pool
	tick     time.Duration
	cooldown time.Duration

	failoverMu sync.Mutex
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewMonitor creates a monitor over the given pools.
func NewMonitor(pools []*Pool) *Monitor {
	return &Monitor{
		pools:    pools,
		tick:     defaultTick,
		cooldown: defaultCooldown,
	}
}

// Start launches the supervision loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop cancels the supervision loop and waits for it to drain.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs one supervision pass over every shard of every pool.
func (m *Monitor) CheckOnce(ctx context.Context) {
	for _, p := range m.pools {
		for i := 0; i < p.ShardCount(); i++ {
			data := p.DataWorker(i)
			if data == nil || !data.Healthy() {
				m.failover(ctx, p, i)
				continue
			}

			backup := p.BackupWorker(i)
			if backup == nil || !backup.IsConnected() {
				m.replaceBackup(ctx, p, i)
			}
		}
	}
}

// failover executes the failover protocol for shard i of pool p under the
// process-wide failover mutex. The failed data worker is never revived.
func (m *Monitor) failover(ctx context.Context, p *Pool, i int) {
	m.failoverMu.Lock()
	defer m.failoverMu.Unlock()

	// Re-check: a concurrent pass may already have repaired the slot.
	data := p.DataWorker(i)
	if data != nil && data.Healthy() {
		return
	}

	shard := fmt.Sprintf("%d", i)
	if time.Now().Before(p.CooldownUntil(i)) {
		metrics.RecordFailover(string(p.Exchange().ID()), shard, "cooldown")
		return
	}
	defer p.SetCooldown(i, time.Now().Add(m.cooldown))

	log.Warn().
		Str("exchange", string(p.Exchange().ID())).
		Int("shard", i).
		Msg("Data worker down, starting failover")

	backup := p.BackupWorker(i)
	if backup == nil || !backup.ReadyForTakeover() {
		metrics.RecordFailover(string(p.Exchange().ID()), shard, "backup_not_ready")
		m.rebuildBackup(ctx, p, i, backup)
		return
	}

	if err := backup.Takeover(ctx, p.Shard(i)); err != nil {
		log.Error().Err(err).
			Str("exchange", string(p.Exchange().ID())).
			Int("shard", i).
			Msg("Takeover failed, rebuilding backup")
		metrics.RecordFailover(string(p.Exchange().ID()), shard, "takeover_failed")
		backup.Stop()
		m.rebuildBackup(ctx, p, i, nil)
		return
	}

	// Promote: the backup moves into the data slot and inherits its
	// logical identity; the failed worker is destroyed.
	backup.SetLogicalID(p.SlotID(worker.RoleData, i))
	p.SetDataWorker(i, backup)
	p.SetBackupWorker(i, nil)
	if data != nil {
		data.Stop()
	}
	metrics.RecordFailover(string(p.Exchange().ID()), shard, "promoted")

	m.rebuildBackup(ctx, p, i, nil)

	log.Info().
		Str("exchange", string(p.Exchange().ID())).
		Int("shard", i).
		Str("worker", backup.ID()).
		Msg("Failover complete")
}

// replaceBackup rebuilds a dead backup while the data worker is healthy.
func (m *Monitor) replaceBackup(ctx context.Context, p *Pool, i int) {
	m.failoverMu.Lock()
	defer m.failoverMu.Unlock()

	backup := p.BackupWorker(i)
	if backup != nil && backup.IsConnected() {
		return
	}
	m.rebuildBackup(ctx, p, i, backup)
}

// rebuildBackup stops old (if any) and places a fresh backup into the
// backup slot of shard i.
func (m *Monitor) rebuildBackup(ctx context.Context, p *Pool, i int, old *worker.Worker) {
	if old == nil {
		old = p.BackupWorker(i)
	}
	if old != nil {
		old.Stop()
	}

	fresh := p.NewWorker(worker.RoleBackup, i)
	if err := fresh.Start(ctx, nil); err != nil {
		log.Error().Err(err).
			Str("exchange", string(p.Exchange().ID())).
			Int("shard", i).
			Msg("Failed to start replacement backup, will retry next cycle")
		p.SetBackupWorker(i, nil)
		return
	}

	p.SetBackupWorker(i, fresh)
	metrics.BackupReplacements.WithLabelValues(string(p.Exchange().ID()), fmt.Sprintf("%d", i)).Inc()
}
