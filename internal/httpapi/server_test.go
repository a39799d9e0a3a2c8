package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpspread-core/internal/exchange/binance"
	"perpspread-core/internal/fetcher"
	"perpspread-core/internal/market"
	"perpspread-core/internal/pipeline"
	"perpspread-core/internal/pool"
	"perpspread-core/internal/store"
)

type fakeFundingClient struct {
	rows []binance.FundingRateRow
	err  error
}

func (f *fakeFundingClient) FetchFundingRates(ctx context.Context, limit int) (*binance.FundingRateResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &binance.FundingRateResponse{Rows: f.rows, WeightUsed: 5}, nil
}

func newTestServer(t *testing.T) (*Server, *store.DataStore) {
	t.Helper()

	st := store.New(nil, nil)
	f := fetcher.New(fetcher.Config{
		Client:     &fakeFundingClient{rows: []binance.FundingRateRow{{Symbol: "BTCUSDT", FundingRate: "0.0001", FundingTime: 1700000000000}}},
		Store:      st,
		StartDelay: -1,
	})
	s := New(Config{
		Addr:     ":0",
		Store:    st,
		Fetcher:  f,
		Pipeline: pipeline.New(pipeline.Config{}),
		Manager:  pool.NewManager(nil),
	})
	return s, st
}

func doRequest(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr, body
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rr, body := doRequest(t, s, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestSettlementPublicSnapshot(t *testing.T) {
	s, st := newTestServer(t)

	payload, _ := json.Marshal(market.FundingSettlementPayload{
		Symbol:          "BTCUSDT",
		FundingRate:     "0.0001",
		FundingTime:     1700000000000,
		NextFundingTime: 1700028800000,
	})
	st.Put(&market.Observation{
		Exchange:    market.Binance,
		Symbol:      "BTCUSDT",
		Type:        market.TypeFundingSettlement,
		Payload:     payload,
		IngressTime: time.Now(),
	})

	rr, body := doRequest(t, s, http.MethodGet, "/api/funding/settlement/public")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["count"])

	rows := body["data"].([]interface{})
	require.Len(t, rows, 1)
	row := rows[0].(map[string]interface{})
	assert.Equal(t, "binance", row["exchange"])
	assert.Equal(t, "BTCUSDT", row["symbol"])
	assert.Equal(t, "funding_settlement", row["data_type"])
	assert.Equal(t, "0.0001", row["funding_rate"])
	assert.Equal(t, float64(1700000000000), row["funding_time"])
}

func TestSettlementStatus(t *testing.T) {
	s, _ := newTestServer(t)
	rr, body := doRequest(t, s, http.MethodGet, "/api/funding/settlement/status")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])
	status := body["status"].(map[string]interface{})
	assert.Equal(t, "0/3", status["manual_fetch_count"])
}

func TestManualFetchTrigger(t *testing.T) {
	s, st := newTestServer(t)

	rr, body := doRequest(t, s, http.MethodPost, "/api/funding/settlement/fetch")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "manual", body["triggered_by"])
	assert.Equal(t, float64(1), body["contract_count"])

	assert.NotNil(t, st.Get(market.Binance, "BTCUSDT", market.TypeFundingSettlement))
}

func TestManualFetchCapReturns429(t *testing.T) {
	s, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		rr, _ := doRequest(t, s, http.MethodPost, "/api/funding/settlement/fetch")
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr, body := doRequest(t, s, http.MethodPost, "/api/funding/settlement/fetch")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])
}

func TestDebugEndpoints(t *testing.T) {
	s, st := newTestServer(t)
	st.Put(&market.Observation{
		Exchange: market.OKX,
		Symbol:   "BTCUSDT",
		Type:     market.TypeTicker,
		Payload:  json.RawMessage(`{}`),
	})

	rr, body := doRequest(t, s, http.MethodGet, "/api/debug/store")
	assert.Equal(t, http.StatusOK, rr.Code)
	counts := body["counts"].(map[string]interface{})
	assert.Contains(t, counts, "okx")

	rr, body = doRequest(t, s, http.MethodGet, "/api/debug/workers")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, body["running"])

	rr, body = doRequest(t, s, http.MethodGet, "/api/debug/pipeline")
	assert.Equal(t, http.StatusOK, rr.Code)
	limiter := body["limiter"].(map[string]interface{})
	assert.Equal(t, float64(10), limiter["limit"])
	assert.Equal(t, false, limiter["blocked"])
}

func TestMonitorHealth(t *testing.T) {
	s, st := newTestServer(t)
	st.Put(&market.Observation{
		Exchange: market.OKX,
		Symbol:   "okx-data-0",
		Type:     market.TypeConnectionStatus,
		Payload:  json.RawMessage(`{"worker":"okx-data-0","connected":true}`),
	})

	rr, body := doRequest(t, s, http.MethodGet, "/api/monitor/health")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["workers_healthy"])

	connections := body["connections"].(map[string]interface{})
	require.Contains(t, connections, "okx")
	status := connections["okx"].(map[string]interface{})
	assert.Equal(t, true, status["connected"])
}

func TestMethodRestrictions(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/funding/settlement/fetch", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
