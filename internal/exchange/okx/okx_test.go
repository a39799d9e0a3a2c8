package okx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpspread-core/internal/market"
)

func TestNative(t *testing.T) {
	a := New("", "")

	tests := []struct {
		input    string
		expected string
	}{
		{input: "BTCUSDT", expected: "BTC-USDT-SWAP"},
		{input: "ethusdt", expected: "ETH-USDT-SWAP"},
		{input: "BTC-USDT-SWAP", expected: "BTC-USDT-SWAP"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, a.Native(tt.input))
	}
}

func TestParse(t *testing.T) {
	a := New("", "")

	tests := []struct {
		name     string
		frame    string
		dataType market.DataType
		control  bool
		wantErr  bool
	}{
		{
			name:     "ticker row",
			frame:    `{"arg":{"channel":"tickers","instId":"BTC-USDT-SWAP"},"data":[{"instId":"BTC-USDT-SWAP","last":"101"}]}`,
			dataType: market.TypeTicker,
		},
		{
			name:     "funding rate row",
			frame:    `{"arg":{"channel":"funding-rate","instId":"BTC-USDT-SWAP"},"data":[{"instId":"BTC-USDT-SWAP","fundingRate":"0.00005"}]}`,
			dataType: market.TypeFundingRate,
		},
		{
			name:    "text pong",
			frame:   `pong`,
			control: true,
		},
		{
			name:    "subscribe ack",
			frame:   `{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT-SWAP"}}`,
			control: true,
		},
		{
			name:    "unknown channel",
			frame:   `{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},"data":[{}]}`,
			control: true,
		},
		{
			name:    "error event",
			frame:   `{"event":"error","code":"60012","msg":"Invalid request"}`,
			wantErr: true,
		},
		{
			name:    "update without data",
			frame:   `{"arg":{"channel":"tickers","instId":"BTC-USDT-SWAP"},"data":[]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, err := a.Parse([]byte(tt.frame))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.control {
				assert.Nil(t, obs)
				return
			}
			require.NotNil(t, obs)
			assert.Equal(t, market.OKX, obs.Exchange)
			assert.Equal(t, "BTCUSDT", obs.Symbol)
			assert.Equal(t, tt.dataType, obs.Type)
		})
	}
}

func TestSubscribeFramesChunking(t *testing.T) {
	a := New("", "")

	// 30 instruments produce 60 args: two frames of at most 50.
	native := make([]string, 30)
	for i := range native {
		native[i] = "BTC-USDT-SWAP"
	}

	frames := a.SubscribeFrames(native)
	require.Len(t, frames, 2)
	assert.Contains(t, frames[0], `"op":"subscribe"`)
	assert.Contains(t, frames[0], `"channel":"tickers"`)
	assert.Contains(t, frames[0], `"channel":"funding-rate"`)

	unsub := a.UnsubscribeFrames([]string{"BTC-USDT-SWAP"})
	require.Len(t, unsub, 1)
	assert.Contains(t, unsub[0], `"op":"unsubscribe"`)
}

func TestDiscoverSymbols(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/public/instruments", r.URL.Path)
		assert.Equal(t, "SWAP", r.URL.Query().Get("instType"))
		w.Write([]byte(`{"code":"0","msg":"","data":[
			{"instId":"BTC-USDT-SWAP","state":"live"},
			{"instId":"ETH-USDT-SWAP","state":"live"},
			{"instId":"BTC-USD-SWAP","state":"live"},
			{"instId":"DOGE-USDT-SWAP","state":"suspend"}]}`))
	}))
	defer server.Close()

	a := New("", server.URL)
	symbols, err := a.DiscoverSymbols(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, symbols)
}

func TestDiscoverSymbolsAPIErrorCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"50011","msg":"rate limit","data":[]}`))
	}))
	defer server.Close()

	a := New("", server.URL)
	_, err := a.DiscoverSymbols(context.Background())
	assert.Error(t, err)
}
