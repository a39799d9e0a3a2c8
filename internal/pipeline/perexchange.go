package pipeline

import (
	"time"

	"perpspread-core/internal/market"
	"perpspread-core/internal/metrics"
)

// Computer is Stage 4, the only stage with a persistent cache. It merges
// each incoming Aligned into the cache (rolling the Binance settlement
// cycle forward when the current settlement changes) and then derives the
// funding-cycle metrics from the cached values.
type Computer struct {
	cache map[string]map[market.Exchange]*market.Side
	now   func() time.Time
}

// NewComputer creates a computer with an empty cache.
func NewComputer(now func() time.Time) *Computer {
	if now == nil {
		now = time.Now
	}
	return &Computer{
		cache: make(map[string]map[market.Exchange]*market.Side),
		now:   now,
	}
}

// Apply updates the cache from one Aligned and emits both exchange sides
// with derived metrics. Cache update happens before computation.
func (c *Computer) Apply(al *market.Aligned) (binance, okx market.PerExchange) {
	byExchange, ok := c.cache[al.Symbol]
	if !ok {
		byExchange = make(map[market.Exchange]*market.Side)
		c.cache[al.Symbol] = byExchange
	}

	c.merge(byExchange, market.Binance, al.Binance)
	c.merge(byExchange, market.OKX, al.OKX)

	binance = c.compute(market.Binance, al.Symbol, byExchange[market.Binance])
	okx = c.compute(market.OKX, al.Symbol, byExchange[market.OKX])
	metrics.StageProcessed.WithLabelValues("per_exchange").Inc()
	return binance, okx
}

// merge overwrites the cached side with the incoming fields. A changed
// Binance current settlement first promotes the old current to last, which
// is how Binance funding cycles are derived from mark-price snapshots
// alone. Incoming nil fields never erase cached values.
func (c *Computer) merge(byExchange map[market.Exchange]*market.Side, exchange market.Exchange, in market.Side) {
	cached, ok := byExchange[exchange]
	if !ok {
		side := in
		byExchange[exchange] = &side
		return
	}

	if exchange == market.Binance &&
		cached.CurrentSettlementMs != nil && in.CurrentSettlementMs != nil &&
		*cached.CurrentSettlementMs != *in.CurrentSettlementMs {
		cached.LastSettlementMs = cached.CurrentSettlementMs
		cached.LastSettlement = cached.CurrentSettlement
	}

	cached.Contract = in.Contract
	cached.Price = in.Price
	if in.FundingRate != nil {
		cached.FundingRate = in.FundingRate
	}
	if in.LastSettlementMs != nil {
		cached.LastSettlementMs = in.LastSettlementMs
		cached.LastSettlement = in.LastSettlement
	}
	if in.CurrentSettlementMs != nil {
		cached.CurrentSettlementMs = in.CurrentSettlementMs
		cached.CurrentSettlement = in.CurrentSettlement
	}
	if in.NextSettlementMs != nil {
		cached.NextSettlementMs = in.NextSettlementMs
		cached.NextSettlement = in.NextSettlement
	}
}

func (c *Computer) compute(exchange market.Exchange, symbol string, side *market.Side) market.PerExchange {
	out := market.PerExchange{
		Exchange:            exchange,
		Symbol:              symbol,
		Contract:            side.Contract,
		Price:               side.Price,
		FundingRate:         side.FundingRate,
		LastSettlementMs:    side.LastSettlementMs,
		LastSettlement:      side.LastSettlement,
		CurrentSettlementMs: side.CurrentSettlementMs,
		CurrentSettlement:   side.CurrentSettlement,
		NextSettlementMs:    side.NextSettlementMs,
		NextSettlement:      side.NextSettlement,
	}

	switch exchange {
	case market.OKX:
		if side.CurrentSettlementMs != nil && side.NextSettlementMs != nil {
			period := float64(*side.NextSettlementMs-*side.CurrentSettlementMs) / 1000
			out.PeriodSeconds = &period
		}
	case market.Binance:
		if side.CurrentSettlementMs != nil && side.LastSettlementMs != nil {
			period := float64(*side.CurrentSettlementMs-*side.LastSettlementMs) / 1000
			out.PeriodSeconds = &period
		}
	}

	if side.CurrentSettlementMs != nil {
		countdown := float64(*side.CurrentSettlementMs-c.now().UnixMilli()) / 1000
		if countdown < 0 {
			countdown = 0
		}
		out.CountdownSeconds = countdown
	}
	return out
}

// Cached returns the cached side for tests and debug projections.
func (c *Computer) Cached(symbol string, exchange market.Exchange) *market.Side {
	return c.cache[symbol][exchange]
}

// Len returns the number of cached symbols.
func (c *Computer) Len() int { return len(c.cache) }
