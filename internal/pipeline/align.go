package pipeline

import (
	"time"

	"perpspread-core/internal/market"
	"perpspread-core/internal/metrics"
)

// alignIdleTTL is the eviction threshold for one-sided align states.
const alignIdleTTL = 10 * time.Second

type alignState struct {
	binance    *market.Fused
	okx        *market.Fused
	lastUpdate time.Time
}

// Aligner is Stage 3. It holds up to one Fused per exchange per symbol and
// emits an Aligned pair as soon as both exchanges are present.
type Aligner struct {
	states map[string]*alignState
	now    func() time.Time
}

// NewAligner creates an empty aligner.
func NewAligner(now func() time.Time) *Aligner {
	if now == nil {
		now = time.Now
	}
	return &Aligner{
		states: make(map[string]*alignState),
		now:    now,
	}
}

// Apply consumes one Fused and returns an Aligned when both sides are
// present, nil otherwise. Emission clears the state.
func (a *Aligner) Apply(f *market.Fused) *market.Aligned {
	st, ok := a.states[f.Symbol]
	if !ok {
		st = &alignState{}
		a.states[f.Symbol] = st
	}
	st.lastUpdate = a.now()

	switch f.Exchange {
	case market.Binance:
		st.binance = f
	case market.OKX:
		st.okx = f
	default:
		metrics.RecordStageDrop("align", "unknown_exchange")
		return nil
	}

	if st.binance == nil || st.okx == nil {
		return nil
	}

	out := &market.Aligned{
		Symbol:  f.Symbol,
		Binance: sideFrom(st.binance),
		OKX:     sideFrom(st.okx),
	}
	delete(a.states, f.Symbol)
	return out
}

// sideFrom copies a Fused into the Aligned side shape, rendering each
// millisecond timestamp next to its UTC+8 string form.
func sideFrom(f *market.Fused) market.Side {
	s := market.Side{
		Contract:            f.Contract,
		Price:               f.Price,
		FundingRate:         f.FundingRate,
		LastSettlementMs:    f.LastSettlementMs,
		CurrentSettlementMs: f.CurrentSettlementMs,
		NextSettlementMs:    f.NextSettlementMs,
	}
	if f.LastSettlementMs != nil {
		s.LastSettlement = market.FormatSettlement(*f.LastSettlementMs)
	}
	if f.CurrentSettlementMs != nil {
		s.CurrentSettlement = market.FormatSettlement(*f.CurrentSettlementMs)
	}
	if f.NextSettlementMs != nil {
		s.NextSettlement = market.FormatSettlement(*f.NextSettlementMs)
	}
	return s
}

// Evict removes states idle beyond the TTL.
func (a *Aligner) Evict() {
	cutoff := a.now().Add(-alignIdleTTL)
	for symbol, st := range a.states {
		if st.lastUpdate.Before(cutoff) {
			delete(a.states, symbol)
		}
	}
	metrics.StageStateSize.WithLabelValues("align").Set(float64(len(a.states)))
}

// Len returns the number of live states.
func (a *Aligner) Len() int { return len(a.states) }
