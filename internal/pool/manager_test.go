package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpspread-core/internal/exchange/okx"
)

func instrumentsServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestManagerDiscoversSymbols(t *testing.T) {
	server := instrumentsServer(t, http.StatusOK,
		`{"code":"0","msg":"","data":[
			{"instId":"BTC-USDT-SWAP","state":"live"},
			{"instId":"ETH-USDT-SWAP","state":"live"},
			{"instId":"BTC-USD-SWAP","state":"live"},
			{"instId":"DOGE-USDT-SWAP","state":"suspend"}]}`)
	defer server.Close()

	h := &harness{}
	adapter := okx.New("", server.URL)
	m := NewManager([]Spec{{
		Adapter:       adapter,
		ShardCount:    1,
		StaticSymbols: []string{"SOLUSDT"},
		Factory:       h.factory(adapter),
	}})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.True(t, m.Running())
	status := m.Status()
	require.Len(t, status, 1)
	require.Len(t, status[0].Shards, 1)
	assert.Equal(t, 2, status[0].Shards[0].Symbols, "only live USDT swaps survive discovery")
}

func TestManagerFallsBackToStaticSymbols(t *testing.T) {
	server := instrumentsServer(t, http.StatusInternalServerError, `boom`)
	defer server.Close()

	h := &harness{}
	adapter := okx.New("", server.URL)
	m := NewManager([]Spec{{
		Adapter:       adapter,
		ShardCount:    1,
		StaticSymbols: []string{"BTCUSDT", "ETHUSDT"},
		Factory:       h.factory(adapter),
	}})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	status := m.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 2, status[0].Shards[0].Symbols)
}

func TestManagerLifecycle(t *testing.T) {
	server := instrumentsServer(t, http.StatusOK, `{"code":"0","msg":"","data":[]}`)
	defer server.Close()

	h := &harness{}
	adapter := okx.New("", server.URL)
	m := NewManager([]Spec{{
		Adapter:    adapter,
		ShardCount: 1,
		Factory:    h.factory(adapter),
	}})

	assert.False(t, m.Running())
	assert.False(t, m.Healthy())

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())
	assert.True(t, m.Healthy())
	assert.Error(t, m.Start(context.Background()), "double start is rejected")

	m.Stop()
	assert.False(t, m.Running())
	assert.Empty(t, m.Status())
}
