package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpspread-core/internal/market"
)

func fakeClock(start time.Time) (func() time.Time, func(d time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func extracted(exchange market.Exchange, symbol string, dataType market.DataType) *market.Extracted {
	return &market.Extracted{Exchange: exchange, Symbol: symbol, Type: dataType}
}

func TestFuserPairsTickerAndFunding(t *testing.T) {
	f := NewFuser(nil)

	price := 101.0
	ticker := extracted(market.OKX, "BTCUSDT", market.TypeTicker)
	ticker.Price = &price
	ticker.Contract = "BTC-USDT-SWAP"
	assert.Nil(t, f.Apply(ticker))

	rate := 0.00005
	current := int64(1700000000000)
	next := int64(1700028800000)
	funding := extracted(market.OKX, "BTCUSDT", market.TypeFundingRate)
	funding.FundingRate = &rate
	funding.CurrentSettlementMs = &current
	funding.NextSettlementMs = &next

	fused := f.Apply(funding)
	require.NotNil(t, fused)
	assert.Equal(t, "BTCUSDT", fused.Symbol)
	assert.Equal(t, "BTC-USDT-SWAP", fused.Contract)
	assert.Equal(t, 101.0, fused.Price)
	require.NotNil(t, fused.FundingRate)
	assert.Equal(t, 0.00005, *fused.FundingRate)
	require.NotNil(t, fused.NextSettlementMs)
	assert.Equal(t, next, *fused.NextSettlementMs)
}

func TestFuserToleratesEitherArrivalOrder(t *testing.T) {
	f := NewFuser(nil)

	rate := 0.0001
	funding := extracted(market.Binance, "ETHUSDT", market.TypeMarkPrice)
	funding.FundingRate = &rate
	assert.Nil(t, f.Apply(funding))

	price := 2000.0
	ticker := extracted(market.Binance, "ETHUSDT", market.TypeTicker)
	ticker.Price = &price

	fused := f.Apply(ticker)
	require.NotNil(t, fused)
	assert.Equal(t, 2000.0, fused.Price)
}

func TestFuserClearsStateOnEmission(t *testing.T) {
	f := NewFuser(nil)

	price := 100.0
	ticker := extracted(market.Binance, "BTCUSDT", market.TypeTicker)
	ticker.Price = &price

	rate := 0.0001
	funding := extracted(market.Binance, "BTCUSDT", market.TypeMarkPrice)
	funding.FundingRate = &rate

	f.Apply(ticker)
	require.NotNil(t, f.Apply(funding))

	// Both slots are cleared: a lone repeat of either half must not emit.
	assert.Nil(t, f.Apply(ticker))
}

func TestFuserSettlementEnrichesNextFusion(t *testing.T) {
	f := NewFuser(nil)

	last := int64(1699971200000)
	settlement := extracted(market.Binance, "BTCUSDT", market.TypeFundingSettlement)
	settlement.LastSettlementMs = &last

	// A solitary settlement never emits.
	assert.Nil(t, f.Apply(settlement))

	price := 100.0
	ticker := extracted(market.Binance, "BTCUSDT", market.TypeTicker)
	ticker.Price = &price
	assert.Nil(t, f.Apply(ticker))

	rate := 0.0001
	current := int64(1700000000000)
	mark := extracted(market.Binance, "BTCUSDT", market.TypeMarkPrice)
	mark.FundingRate = &rate
	mark.CurrentSettlementMs = &current

	fused := f.Apply(mark)
	require.NotNil(t, fused)
	require.NotNil(t, fused.LastSettlementMs)
	assert.Equal(t, last, *fused.LastSettlementMs)

	// The enrichment survives emission for the following fusion too.
	f.Apply(ticker)
	second := f.Apply(mark)
	require.NotNil(t, second)
	require.NotNil(t, second.LastSettlementMs)
	assert.Equal(t, last, *second.LastSettlementMs)
}

func TestFuserKeysByExchange(t *testing.T) {
	f := NewFuser(nil)

	price := 100.0
	binanceTicker := extracted(market.Binance, "BTCUSDT", market.TypeTicker)
	binanceTicker.Price = &price
	f.Apply(binanceTicker)

	rate := 0.00005
	okxFunding := extracted(market.OKX, "BTCUSDT", market.TypeFundingRate)
	okxFunding.FundingRate = &rate

	// Same symbol, different exchange: no cross-exchange fusion.
	assert.Nil(t, f.Apply(okxFunding))
	assert.Equal(t, 2, f.Len())
}

func TestFuserEvictsIdleStates(t *testing.T) {
	now, advance := fakeClock(time.Unix(1700000000, 0))
	f := NewFuser(now)

	price := 15.0
	ticker := extracted(market.Binance, "LINKUSDT", market.TypeTicker)
	ticker.Price = &price
	assert.Nil(t, f.Apply(ticker))
	assert.Equal(t, 1, f.Len())

	advance(31 * time.Second)
	f.Evict()
	assert.Equal(t, 0, f.Len())
}
