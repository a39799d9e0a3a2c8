package pipeline

import (
	"time"

	"perpspread-core/internal/market"
	"perpspread-core/internal/metrics"
)

// fuseIdleTTL is how long a half-populated fuse state may sit before the
// eviction sweep removes it.
const fuseIdleTTL = 30 * time.Second

type fuseKey struct {
	exchange market.Exchange
	symbol   string
}

// fuseState pairs the two halves of a fusion. lastSettlementMs survives
// emission: a historical settlement enriches every later fusion for the
// key until the state is evicted.
type fuseState struct {
	ticker           *market.Extracted
	funding          *market.Extracted
	lastSettlementMs *int64
	lastUpdate       time.Time
}

// Fuser is Stage 2. For each (exchange, symbol) it waits for one
// price-bearing and one funding-bearing record, emits a Fused combining
// them, then clears both slots.
type Fuser struct {
	states map[fuseKey]*fuseState
	now    func() time.Time
}

// NewFuser creates an empty fuser.
func NewFuser(now func() time.Time) *Fuser {
	if now == nil {
		now = time.Now
	}
	return &Fuser{
		states: make(map[fuseKey]*fuseState),
		now:    now,
	}
}

// Apply consumes one Extracted and returns a Fused when the pair
// completed, nil otherwise.
func (f *Fuser) Apply(e *market.Extracted) *market.Fused {
	key := fuseKey{e.Exchange, e.Symbol}
	st, ok := f.states[key]
	if !ok {
		st = &fuseState{}
		f.states[key] = st
	}
	st.lastUpdate = f.now()

	switch e.Type {
	case market.TypeTicker:
		st.ticker = e
	case market.TypeFundingRate, market.TypeMarkPrice:
		st.funding = e
	case market.TypeFundingSettlement:
		// Retained enrichment only; never triggers emission by itself.
		st.lastSettlementMs = e.LastSettlementMs
		return nil
	default:
		metrics.RecordStageDrop("fuse", "unexpected_type")
		return nil
	}

	if st.ticker == nil || st.funding == nil || st.ticker.Price == nil {
		return nil
	}

	fused := &market.Fused{
		Exchange:            e.Exchange,
		Symbol:              e.Symbol,
		Contract:            st.ticker.Contract,
		Price:               *st.ticker.Price,
		FundingRate:         st.funding.FundingRate,
		LastSettlementMs:    st.funding.LastSettlementMs,
		CurrentSettlementMs: st.funding.CurrentSettlementMs,
		NextSettlementMs:    st.funding.NextSettlementMs,
	}
	if fused.LastSettlementMs == nil {
		fused.LastSettlementMs = st.lastSettlementMs
	}

	// Clear before the next record for this key can be processed.
	st.ticker = nil
	st.funding = nil

	return fused
}

// Evict removes states idle beyond the TTL.
func (f *Fuser) Evict() {
	cutoff := f.now().Add(-fuseIdleTTL)
	for key, st := range f.states {
		if st.lastUpdate.Before(cutoff) {
			delete(f.states, key)
		}
	}
	metrics.StageStateSize.WithLabelValues("fuse").Set(float64(len(f.states)))
}

// Len returns the number of live states.
func (f *Fuser) Len() int { return len(f.states) }
