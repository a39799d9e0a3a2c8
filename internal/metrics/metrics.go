package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics for the market-data and arbitrage-signal engine
var (
	// Ingress metrics
	ObservationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_observations_total",
			Help: "Total number of normalized observations received",
		},
		[]string{"exchange", "data_type"},
	)

	ParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_parse_errors_total",
			Help: "Total number of malformed frames dropped",
		},
		[]string{"exchange"},
	)

	// Connection metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_connection_status",
			Help: "WebSocket connection status per worker (1=connected, 0=disconnected)",
		},
		[]string{"exchange", "worker"},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_connection_errors_total",
			Help: "Total number of connection errors",
		},
		[]string{"exchange", "error_type"},
	)

	// Failover metrics
	Failovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_failovers_total",
			Help: "Total number of executed failovers",
		},
		[]string{"exchange", "shard", "outcome"},
	)

	BackupReplacements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_backup_replacements_total",
			Help: "Total number of backup workers rebuilt",
		},
		[]string{"exchange", "shard"},
	)

	// Pipeline metrics
	StageProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_stage_processed_total",
			Help: "Total number of records a pipeline stage consumed",
		},
		[]string{"stage"},
	)

	StageDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_stage_dropped_total",
			Help: "Total number of records a pipeline stage dropped",
		},
		[]string{"stage", "reason"},
	)

	StageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_stage_errors_total",
			Help: "Total number of recovered per-stage failures",
		},
		[]string{"stage"},
	)

	StageStateSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_stage_state_size",
			Help: "Number of live per-key states held by a stateful stage",
		},
		[]string{"stage"},
	)

	SettlementRowsBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "md_settlement_rows_blocked_total",
			Help: "Historical settlement rows dropped by the Stage-0 limiter",
		},
	)

	PriceInvalid = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "md_price_invalid_total",
			Help: "Cross-platform records computed with a non-positive price",
		},
	)

	CrossRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "md_cross_records_total",
			Help: "Total number of terminal cross-platform records emitted",
		},
	)

	IngestDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "md_ingest_dropped_total",
			Help: "Observations dropped because pipeline ingest timed out",
		},
	)

	AsyncPushFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "md_async_push_fallbacks_total",
			Help: "Downstream pushes executed synchronously because the pool was full",
		},
	)

	// Publish metrics
	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "md_publish_duration_seconds",
			Help:    "Time to publish a record downstream",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"channel"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_publish_errors_total",
			Help: "Total number of downstream publish errors",
		},
		[]string{"channel"},
	)

	// Historical fetcher metrics
	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "md_funding_fetch_duration_seconds",
			Help:    "Time to fetch historical funding settlements",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_funding_fetch_errors_total",
			Help: "Total number of historical fetch failures",
		},
		[]string{"reason"},
	)

	FetchRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "md_funding_fetch_rows_total",
			Help: "Historical settlement rows written into the store",
		},
	)
)

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordObservation records one normalized inbound observation
func RecordObservation(exchange, dataType string) {
	ObservationsIngested.WithLabelValues(exchange, dataType).Inc()
}

// RecordParseError records a malformed frame
func RecordParseError(exchange string) {
	ParseErrors.WithLabelValues(exchange).Inc()
}

// RecordConnectionStatus records connection status for one worker
func RecordConnectionStatus(exchange, worker string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(exchange, worker).Set(status)
}

// RecordConnectionError records a connection error
func RecordConnectionError(exchange, errorType string) {
	ConnectionErrors.WithLabelValues(exchange, errorType).Inc()
}

// RecordFailover records a failover attempt on a shard
func RecordFailover(exchange, shard, outcome string) {
	Failovers.WithLabelValues(exchange, shard, outcome).Inc()
}

// RecordStageDrop records a record dropped inside a stage
func RecordStageDrop(stage, reason string) {
	StageDropped.WithLabelValues(stage, reason).Inc()
}

// RecordStageError records a recovered stage failure
func RecordStageError(stage string) {
	StageErrors.WithLabelValues(stage).Inc()
}

// Server starts the Prometheus metrics HTTP server
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a new metrics server
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	return s.server.ListenAndServe()
}

// Stop stops the metrics server gracefully
func (s *Server) Stop() error {
	return s.server.Close()
}
