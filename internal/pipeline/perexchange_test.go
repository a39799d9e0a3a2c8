package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpspread-core/internal/market"
)

func alignedWith(symbol string, binance, okx market.Side) *market.Aligned {
	return &market.Aligned{Symbol: symbol, Binance: binance, OKX: okx}
}

func sideWithCurrent(price float64, currentMs int64) market.Side {
	return market.Side{Price: price, CurrentSettlementMs: &currentMs, CurrentSettlement: market.FormatSettlement(currentMs)}
}

func TestComputerOKXPeriod(t *testing.T) {
	c := NewComputer(func() time.Time { return time.UnixMilli(1699990000000) })

	current := int64(1700000000000)
	next := int64(1700028800000)
	okx := market.Side{Price: 101, CurrentSettlementMs: &current, NextSettlementMs: &next}

	_, out := c.Apply(alignedWith("BTCUSDT", market.Side{Price: 100}, okx))
	require.NotNil(t, out.PeriodSeconds)
	assert.Equal(t, 28800.0, *out.PeriodSeconds)
	assert.Equal(t, 10000.0, out.CountdownSeconds)
}

func TestComputerBinancePeriodNeedsTwoSettlements(t *testing.T) {
	c := NewComputer(func() time.Time { return time.UnixMilli(1699990000000) })

	// First sighting: a lone current settlement yields no period.
	out, _ := c.Apply(alignedWith("ETHUSDT",
		sideWithCurrent(2000, 1700000000000),
		market.Side{Price: 2001}))
	assert.Nil(t, out.PeriodSeconds)
}

func TestComputerBinanceRollingUpdate(t *testing.T) {
	c := NewComputer(func() time.Time { return time.UnixMilli(1700000000000) })
	okx := market.Side{Price: 2001}

	c.Apply(alignedWith("ETHUSDT", sideWithCurrent(2000, 1700000000000), okx))

	// A changed current settlement promotes the old current to last.
	out, _ := c.Apply(alignedWith("ETHUSDT", sideWithCurrent(2000, 1700028800000), okx))
	require.NotNil(t, out.PeriodSeconds)
	assert.Equal(t, 28800.0, *out.PeriodSeconds)
	require.NotNil(t, out.LastSettlementMs)
	assert.Equal(t, int64(1700000000000), *out.LastSettlementMs)

	cached := c.Cached("ETHUSDT", market.Binance)
	require.NotNil(t, cached)
	assert.Equal(t, int64(1700000000000), *cached.LastSettlementMs)
	assert.Equal(t, int64(1700028800000), *cached.CurrentSettlementMs)
}

func TestComputerIdenticalSettlementNoRoll(t *testing.T) {
	c := NewComputer(func() time.Time { return time.UnixMilli(1700000000000) })
	okx := market.Side{Price: 2001}

	c.Apply(alignedWith("ETHUSDT", sideWithCurrent(2000, 1700000000000), okx))
	out, _ := c.Apply(alignedWith("ETHUSDT", sideWithCurrent(2000, 1700000000000), okx))

	assert.Nil(t, out.LastSettlementMs)
	assert.Nil(t, out.PeriodSeconds)
}

func TestComputerCountdownClampsAtZero(t *testing.T) {
	c := NewComputer(func() time.Time { return time.UnixMilli(1700028800001) })

	out, _ := c.Apply(alignedWith("BTCUSDT",
		sideWithCurrent(100, 1700000000000),
		market.Side{Price: 101}))
	assert.Equal(t, 0.0, out.CountdownSeconds)
}

func TestComputerNilFieldsNeverEraseCache(t *testing.T) {
	c := NewComputer(func() time.Time { return time.UnixMilli(1700000000000) })
	rate := 0.0001

	first := sideWithCurrent(100, 1700000000000)
	first.FundingRate = &rate
	c.Apply(alignedWith("BTCUSDT", first, market.Side{Price: 101}))

	// Incoming side carries only a price; the cached funding fields stay.
	out, _ := c.Apply(alignedWith("BTCUSDT", market.Side{Price: 102}, market.Side{Price: 101}))
	assert.Equal(t, 102.0, out.Price)
	require.NotNil(t, out.FundingRate)
	assert.Equal(t, rate, *out.FundingRate)
	require.NotNil(t, out.CurrentSettlementMs)
}

func TestComputerSidesAreIndependent(t *testing.T) {
	c := NewComputer(func() time.Time { return time.UnixMilli(1699990000000) })

	binance, okx := c.Apply(alignedWith("BTCUSDT",
		market.Side{Price: 100},
		sideWithCurrent(101, 1700000000000)))

	assert.Equal(t, market.Binance, binance.Exchange)
	assert.Equal(t, market.OKX, okx.Exchange)
	assert.Nil(t, binance.CurrentSettlementMs)
	require.NotNil(t, okx.CurrentSettlementMs)
}
