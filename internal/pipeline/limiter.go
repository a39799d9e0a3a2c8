package pipeline

import (
	"sync"

	"perpspread-core/internal/market"
	"perpspread-core/internal/metrics"
)

// DefaultSettlementLimit is the number of batches carrying historical
// settlement rows the pipeline accepts before blocking further ones.
const DefaultSettlementLimit = 10

// Limiter is Stage 0. Historical funding settlements arrive in bursts and
// must not dominate the pipeline, so the limiter counts batches that carry
// at least one Binance funding_settlement row. Once the count reaches the
// limit all further such rows are filtered; other data types always pass.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	used    int
	blocked bool
}

// NewLimiter creates a limiter. A non-positive limit selects the default.
func NewLimiter(limit int) *Limiter {
	if limit <= 0 {
		limit = DefaultSettlementLimit
	}
	return &Limiter{limit: limit}
}

// Apply passes a batch through the limiter, filtering settlement rows when
// blocked. Batches without settlement rows never touch the counter.
func (l *Limiter) Apply(batch []*market.Observation) []*market.Observation {
	if !containsSettlement(batch) {
		return batch
	}

	l.mu.Lock()
	blocked := l.blocked
	if !blocked {
		l.used++
		if l.used >= l.limit {
			l.blocked = true
		}
	}
	l.mu.Unlock()

	if !blocked {
		return batch
	}

	out := batch[:0:0]
	for _, obs := range batch {
		if isSettlement(obs) {
			metrics.SettlementRowsBlocked.Inc()
			metrics.RecordStageDrop("limiter", "blocked")
			continue
		}
		out = append(out, obs)
	}
	return out
}

// SetLimit reconfigures the limit. Lowering it below the already-used
// count moves the limiter to blocked immediately.
func (l *Limiter) SetLimit(limit int) {
	l.mu.Lock()
	l.limit = limit
	l.blocked = l.used >= limit
	l.mu.Unlock()
}

// Reset clears the counter and unblocks.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.used = 0
	l.blocked = false
	l.mu.Unlock()
}

// Status returns the current counter, limit and blocked flag.
func (l *Limiter) Status() (used, limit int, blocked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used, l.limit, l.blocked
}

func containsSettlement(batch []*market.Observation) bool {
	for _, obs := range batch {
		if isSettlement(obs) {
			return true
		}
	}
	return false
}

func isSettlement(obs *market.Observation) bool {
	return obs != nil && obs.Exchange == market.Binance && obs.Type == market.TypeFundingSettlement
}
