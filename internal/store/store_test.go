package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpspread-core/internal/market"
)

func obs(exchange market.Exchange, symbol string, dataType market.DataType, payload string) *market.Observation {
	return &market.Observation{
		Exchange: exchange,
		Symbol:   symbol,
		Type:     dataType,
		Payload:  json.RawMessage(payload),
	}
}

func TestFlowFor(t *testing.T) {
	tests := []struct {
		dataType market.DataType
		expected Destination
	}{
		{market.TypeTicker, FlowPipeline},
		{market.TypeFundingRate, FlowPipeline},
		{market.TypeMarkPrice, FlowPipeline},
		{market.TypeFundingSettlement, FlowPipeline},
		{market.TypeAccountUpdate, FlowBrain},
		{market.TypeOrderUpdate, FlowBrain},
		{market.TypeConnectionStatus, FlowNone},
		{market.DataType("bogus"), FlowNone},
	}

	for _, tt := range tests {
		t.Run(string(tt.dataType), func(t *testing.T) {
			assert.Equal(t, tt.expected, FlowFor(tt.dataType))
		})
	}
}

func TestPutLastWriteWins(t *testing.T) {
	s := New(nil, nil)

	s.Put(obs(market.Binance, "BTCUSDT", market.TypeTicker, `{"c":"100"}`))
	s.Put(obs(market.Binance, "BTCUSDT", market.TypeTicker, `{"c":"101"}`))

	got := s.Get(market.Binance, "BTCUSDT", market.TypeTicker)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"c":"101"}`, string(got.Payload))
}

func TestPutRoutesToPipeline(t *testing.T) {
	var batches [][]*market.Observation
	s := New(func(batch []*market.Observation) { batches = append(batches, batch) }, nil)

	s.Put(obs(market.Binance, "BTCUSDT", market.TypeTicker, `{}`))
	s.Put(obs(market.Binance, "BTCUSDT", market.TypeConnectionStatus, `{}`))

	require.Len(t, batches, 1)
	assert.Equal(t, market.TypeTicker, batches[0][0].Type)
}

func TestConnectionStatusStored(t *testing.T) {
	s := New(nil, nil)

	s.Put(obs(market.OKX, "okx-data-0", market.TypeConnectionStatus, `{"connected":true}`))
	s.Put(obs(market.OKX, "okx-data-0", market.TypeConnectionStatus, `{"connected":false}`))

	statuses := s.ConnectionStatus()
	require.Contains(t, statuses, market.OKX)
	assert.JSONEq(t, `{"connected":false}`, string(statuses[market.OKX].Payload))

	// Status rows never land in the market-data maps.
	assert.Nil(t, s.Get(market.OKX, "okx-data-0", market.TypeConnectionStatus))
}

func TestPutRoutesToBrain(t *testing.T) {
	var brainObs []*market.Observation
	s := New(nil, func(o *market.Observation) { brainObs = append(brainObs, o) })

	s.Put(obs(market.Binance, "BTCUSDT", market.TypeAccountUpdate, `{}`))
	s.Put(obs(market.Binance, "BTCUSDT", market.TypeTicker, `{}`))

	require.Len(t, brainObs, 1)
	assert.Equal(t, market.TypeAccountUpdate, brainObs[0].Type)
}

func TestPutBatchForwardsOneBatch(t *testing.T) {
	var batches [][]*market.Observation
	s := New(func(batch []*market.Observation) { batches = append(batches, batch) }, nil)

	s.PutBatch([]*market.Observation{
		obs(market.Binance, "BTCUSDT", market.TypeFundingSettlement, `{}`),
		obs(market.Binance, "ETHUSDT", market.TypeFundingSettlement, `{}`),
		obs(market.Binance, "SOLUSDT", market.TypeFundingSettlement, `{}`),
	})

	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 3)
	assert.NotNil(t, s.Get(market.Binance, "ETHUSDT", market.TypeFundingSettlement))
}

func TestLatestTracksMostRecentType(t *testing.T) {
	s := New(nil, nil)

	s.Put(obs(market.Binance, "BTCUSDT", market.TypeTicker, `{"c":"100"}`))
	s.Put(obs(market.Binance, "BTCUSDT", market.TypeMarkPrice, `{"p":"100.5"}`))

	got := s.Latest(market.Binance, "BTCUSDT")
	require.NotNil(t, got)
	assert.Equal(t, market.TypeMarkPrice, got.Type)
}

func TestSnapshotFiltersByType(t *testing.T) {
	s := New(nil, nil)

	s.Put(obs(market.Binance, "BTCUSDT", market.TypeFundingSettlement, `{}`))
	s.Put(obs(market.Binance, "ETHUSDT", market.TypeFundingSettlement, `{}`))
	s.Put(obs(market.Binance, "SOLUSDT", market.TypeTicker, `{}`))
	s.Put(obs(market.OKX, "BTCUSDT", market.TypeFundingRate, `{}`))

	snap := s.Snapshot(market.Binance, market.TypeFundingSettlement)
	assert.Len(t, snap, 2)
	assert.Contains(t, snap, "BTCUSDT")
	assert.Contains(t, snap, "ETHUSDT")
}

func TestCounts(t *testing.T) {
	s := New(nil, nil)

	s.Put(obs(market.Binance, "BTCUSDT", market.TypeTicker, `{}`))
	s.Put(obs(market.Binance, "BTCUSDT", market.TypeMarkPrice, `{}`))
	s.Put(obs(market.OKX, "BTCUSDT", market.TypeTicker, `{}`))

	counts := s.Counts()
	assert.Equal(t, 1, counts["binance"]["ticker"])
	assert.Equal(t, 1, counts["binance"]["mark_price"])
	assert.Equal(t, 1, counts["okx"]["ticker"])

	assert.Equal(t, 1, s.SymbolCount(market.Binance))
	assert.Equal(t, 1, s.SymbolCount(market.OKX))
}

func TestHTTPReadyFlag(t *testing.T) {
	s := New(nil, nil)
	assert.False(t, s.HTTPReady())
	s.SetHTTPReady(true)
	assert.True(t, s.HTTPReady())
}
