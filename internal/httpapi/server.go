// Package httpapi serves the read-only introspection surface plus the one
// manual trigger: fetcher endpoints, debug projections and health.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"perpspread-core/internal/fetcher"
	"perpspread-core/internal/market"
	"perpspread-core/internal/pipeline"
	"perpspread-core/internal/pool"
	"perpspread-core/internal/store"
)

// Server wires the HTTP surface over the running components. Every
// handler is a reader; only the manual fetch trigger mutates anything,
// and that mutation lives in the fetcher.
type Server struct {
	store    *store.DataStore
	fetcher  *fetcher.Fetcher
	pipeline *pipeline.Pipeline
	manager  *pool.Manager
	server   *http.Server
}

// Config holds the collaborators the surface projects.
type Config struct {
	Addr     string
	Store    *store.DataStore
	Fetcher  *fetcher.Fetcher
	Pipeline *pipeline.Pipeline
	Manager  *pool.Manager
}

// New builds the router and a stopped server.
func New(cfg Config) *Server {
	s := &Server{
		store:    cfg.Store,
		fetcher:  cfg.Fetcher,
		pipeline: cfg.Pipeline,
		manager:  cfg.Manager,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/funding/settlement/public", s.handleSettlementPublic).Methods(http.MethodGet)
	r.HandleFunc("/api/funding/settlement/status", s.handleSettlementStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/funding/settlement/fetch", s.handleSettlementFetch).Methods(http.MethodPost)
	r.HandleFunc("/api/debug/store", s.handleDebugStore).Methods(http.MethodGet)
	r.HandleFunc("/api/debug/workers", s.handleDebugWorkers).Methods(http.MethodGet)
	r.HandleFunc("/api/debug/pipeline", s.handleDebugPipeline).Methods(http.MethodGet)
	r.HandleFunc("/api/monitor/health", s.handleMonitorHealth).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.server.Handler }

// Start serves in the background and flips the store readiness flag.
func (s *Server) Start() {
	if s.store != nil {
		s.store.SetHTTPReady(true)
	}
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.store != nil {
		s.store.SetHTTPReady(false)
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("Failed to encode HTTP response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// settlementEntry is one row of the public settlement snapshot.
type settlementEntry struct {
	Exchange        string `json:"exchange"`
	Symbol          string `json:"symbol"`
	DataType        string `json:"data_type"`
	FundingRate     string `json:"funding_rate"`
	FundingTime     int64  `json:"funding_time"`
	NextFundingTime int64  `json:"next_funding_time,omitempty"`
	Timestamp       string `json:"timestamp"`
}

func (s *Server) handleSettlementPublic(w http.ResponseWriter, r *http.Request) {
	snapshot := s.store.Snapshot(market.Binance, market.TypeFundingSettlement)

	entries := make([]settlementEntry, 0, len(snapshot))
	for symbol, obs := range snapshot {
		var payload market.FundingSettlementPayload
		if err := json.Unmarshal(obs.Payload, &payload); err != nil {
			continue
		}
		entries = append(entries, settlementEntry{
			Exchange:        string(obs.Exchange),
			Symbol:          symbol,
			DataType:        string(obs.Type),
			FundingRate:     payload.FundingRate,
			FundingTime:     payload.FundingTime,
			NextFundingTime: payload.NextFundingTime,
			Timestamp:       obs.IngressTime.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(entries),
		"data":    entries,
	})
}

func (s *Server) handleSettlementStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  s.fetcher.Status(),
	})
}

func (s *Server) handleSettlementFetch(w http.ResponseWriter, r *http.Request) {
	result, err := s.fetcher.TriggerManual(r.Context())
	switch {
	case errors.Is(err, fetcher.ErrManualCap):
		writeJSON(w, http.StatusTooManyRequests, result)
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleDebugStore(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"counts":     s.store.Counts(),
		"http_ready": s.store.HTTPReady(),
	})
}

func (s *Server) handleDebugWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"running": s.manager.Running(),
		"pools":   s.manager.Status(),
	})
}

func (s *Server) handleDebugPipeline(w http.ResponseWriter, r *http.Request) {
	used, limit, blocked := s.pipeline.Limiter().Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"limiter": map[string]interface{}{
			"used":    used,
			"limit":   limit,
			"blocked": blocked,
		},
		"state_sizes": s.pipeline.StateSizes(),
	})
}

func (s *Server) handleMonitorHealth(w http.ResponseWriter, r *http.Request) {
	connections := make(map[string]json.RawMessage)
	for exchange, obs := range s.store.ConnectionStatus() {
		connections[string(exchange)] = obs.Payload
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"workers_healthy": s.manager.Healthy(),
		"binance_symbols": s.store.SymbolCount(market.Binance),
		"okx_symbols":     s.store.SymbolCount(market.OKX),
		"connections":     connections,
		"fetcher":         s.fetcher.Status(),
	})
}
