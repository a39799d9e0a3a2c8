package pipeline

import (
	"math"
	"time"

	"perpspread-core/internal/market"
	"perpspread-core/internal/metrics"
)

// Cross is Stage 5: fold both exchange sides of one symbol into the
// terminal record. No business filtering happens here; invalid prices are
// tolerated and flagged, not judged.
func Cross(binance, okx market.PerExchange, now time.Time) *market.CrossPlatform {
	out := &market.CrossPlatform{
		Symbol:       binance.Symbol,
		PriceDiff:    math.Abs(binance.Price - okx.Price),
		Binance:      binance,
		OKX:          okx,
		ComputedAtMs: now.UnixMilli(),
	}

	if binance.Price > 0 && okx.Price > 0 {
		out.PriceDiffPercent = out.PriceDiff / math.Min(binance.Price, okx.Price) * 100
	} else {
		out.PriceInvalid = true
		metrics.PriceInvalid.Inc()
	}

	var rateA, rateB float64
	if binance.FundingRate != nil {
		rateA = *binance.FundingRate
	}
	if okx.FundingRate != nil {
		rateB = *okx.FundingRate
	}
	out.RateDiff = math.Abs(rateA - rateB)

	metrics.CrossRecords.Inc()
	return out
}
