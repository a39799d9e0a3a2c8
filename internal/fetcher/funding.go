// Package fetcher periodically pulls settled funding records from the
// Binance REST API and writes them into the data store as
// funding_settlement observations.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog/log"

	"perpspread-core/internal/exchange/binance"
	"perpspread-core/internal/market"
	"perpspread-core/internal/metrics"
	"perpspread-core/internal/store"
)

const (
	// startDelay lets the WebSocket subscriptions warm up before the
	// first historical fetch.
	startDelay = 3 * time.Minute

	defaultInterval = time.Hour
	defaultRowLimit = 1000

	// manualCap bounds manual triggers per wall-clock hour.
	manualCap = 3

	retryBackoffMin = time.Second
	retryBackoffMax = 30 * time.Second
	maxRetries      = 3
)

// ErrManualCap is returned when the hourly manual-trigger budget is spent.
var ErrManualCap = errors.New("manual fetch limit reached for this hour")

// Client is the REST surface the fetcher drives.
type Client interface {
	FetchFundingRates(ctx context.Context, limit int) (*binance.FundingRateResponse, error)
}

// Config holds fetcher construction parameters.
type Config struct {
	Client Client
	Store  *store.DataStore

	// Interval between automatic fetches. Zero selects one hour.
	Interval time.Duration

	// RowLimit is the per-request row cap. Zero selects 1000.
	RowLimit int

	// StartDelay overrides the warm-up delay. Zero selects the default;
	// tests pass a negative value for an immediate first fetch.
	StartDelay time.Duration

	// Now is injectable for tests. Nil selects time.Now.
	Now func() time.Time
}

// Result is the outcome of one fetch, also the manual-trigger response.
type Result struct {
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	ContractCount int    `json:"contract_count,omitempty"`
	FilteredCount int    `json:"filtered_count,omitempty"`
	WeightUsed    int    `json:"weight_used,omitempty"`
	TriggeredBy   string `json:"triggered_by"`
}

// Status is the introspection projection of the fetcher.
type Status struct {
	LastFetchTime    string `json:"last_fetch_time"`
	IsAutoFetched    bool   `json:"is_auto_fetched"`
	ManualFetchCount string `json:"manual_fetch_count"`
	Stopped          bool   `json:"stopped,omitempty"`
	StopReason       string `json:"stop_reason,omitempty"`
}

// Fetcher runs the periodic fetch loop and serves manual triggers.
type Fetcher struct {
	client   Client
	store    *store.DataStore
	interval time.Duration
	rowLimit int
	delay    time.Duration
	now      func() time.Time
	retry    retrypolicy.RetryPolicy[*binance.FundingRateResponse]

	mu          sync.Mutex
	lastFetch   time.Time
	lastAuto    bool
	manualHour  time.Time
	manualCount int
	stopped     bool
	stopReason  string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped fetcher.
func New(cfg Config) *Fetcher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	rowLimit := cfg.RowLimit
	if rowLimit <= 0 {
		rowLimit = defaultRowLimit
	}
	delay := cfg.StartDelay
	if delay == 0 {
		delay = startDelay
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	retry := retrypolicy.NewBuilder[*binance.FundingRateResponse]().
		HandleIf(func(resp *binance.FundingRateResponse, err error) bool {
			if err == nil {
				return false
			}
			var apiErr *binance.APIError
			if errors.As(err, &apiErr) {
				// 5xx is transient; 418/401/429 are handled elsewhere.
				return apiErr.StatusCode >= 500
			}
			return true
		}).
		WithBackoff(retryBackoffMin, retryBackoffMax).
		WithMaxRetries(maxRetries).
		Build()

	return &Fetcher{
		client:   cfg.Client,
		store:    cfg.Store,
		interval: interval,
		rowLimit: rowLimit,
		delay:    delay,
		now:      now,
		retry:    retry,
	}
}

// Start launches the fetch loop: one fetch after the warm-up delay, then
// one per interval.
func (f *Fetcher) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.run(ctx)
}

// Stop cancels the fetch loop.
func (f *Fetcher) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

func (f *Fetcher) run(ctx context.Context) {
	defer f.wg.Done()

	delay := f.delay
	if delay < 0 {
		delay = 0
	}
	warmup := time.NewTimer(delay)
	defer warmup.Stop()

	select {
	case <-ctx.Done():
		return
	case <-warmup.C:
	}
	f.Fetch(ctx, "auto")

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Fetch(ctx, "auto")
		}
	}
}

// TriggerManual runs one fetch on behalf of the HTTP surface, subject to
// the hourly cap. A capped call returns ErrManualCap with a Result the
// caller can serialize.
func (f *Fetcher) TriggerManual(ctx context.Context) (*Result, error) {
	f.mu.Lock()
	if f.stopped {
		reason := f.stopReason
		f.mu.Unlock()
		return &Result{Success: false, Error: reason, TriggeredBy: "manual"}, nil
	}

	hour := f.now().Truncate(time.Hour)
	if !f.manualHour.Equal(hour) {
		f.manualHour = hour
		f.manualCount = 0
	}
	if f.manualCount >= manualCap {
		f.mu.Unlock()
		return &Result{
			Success:     false,
			Error:       ErrManualCap.Error(),
			TriggeredBy: "manual",
		}, ErrManualCap
	}
	f.manualCount++
	f.mu.Unlock()

	return f.Fetch(ctx, "manual"), nil
}

// Fetch runs one fetch end to end and records the outcome.
func (f *Fetcher) Fetch(ctx context.Context, triggeredBy string) *Result {
	f.mu.Lock()
	if f.stopped {
		reason := f.stopReason
		f.mu.Unlock()
		return &Result{Success: false, Error: reason, TriggeredBy: triggeredBy}
	}
	f.mu.Unlock()

	start := time.Now()
	resp, err := f.fetchWithRetry(ctx)
	metrics.FetchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		reason := f.classify(err)
		metrics.FetchErrors.WithLabelValues(reason).Inc()
		log.Error().Err(err).
			Str("triggered_by", triggeredBy).
			Str("reason", reason).
			Msg("Historical funding fetch failed")
		return &Result{Success: false, Error: err.Error(), TriggeredBy: triggeredBy}
	}

	kept := f.writeRows(resp.Rows)
	metrics.FetchRows.Add(float64(kept))

	f.mu.Lock()
	f.lastFetch = f.now()
	f.lastAuto = triggeredBy == "auto"
	f.mu.Unlock()

	log.Info().
		Str("triggered_by", triggeredBy).
		Int("contracts", len(resp.Rows)).
		Int("kept", kept).
		Int("weight_used", resp.WeightUsed).
		Msg("Historical funding fetch complete")

	return &Result{
		Success:       true,
		ContractCount: len(resp.Rows),
		FilteredCount: len(resp.Rows) - kept,
		WeightUsed:    resp.WeightUsed,
		TriggeredBy:   triggeredBy,
	}
}

// fetchWithRetry wraps the REST call in the retry policy. HTTP 429 is
// honored inline via Retry-After and never spends retry budget.
func (f *Fetcher) fetchWithRetry(ctx context.Context) (*binance.FundingRateResponse, error) {
	return failsafe.With[*binance.FundingRateResponse](f.retry).
		WithContext(ctx).
		Get(func() (*binance.FundingRateResponse, error) {
			for attempt := 0; ; attempt++ {
				resp, err := f.client.FetchFundingRates(ctx, f.rowLimit)
				var apiErr *binance.APIError
				if err == nil || !errors.As(err, &apiErr) || apiErr.StatusCode != 429 || attempt >= 2 {
					return resp, err
				}

				wait := apiErr.RetryAfter
				if wait <= 0 {
					wait = 5 * time.Second
				}
				log.Warn().Dur("retry_after", wait).Msg("Rate limited by funding endpoint, waiting")
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(wait):
				}
			}
		})
}

// classify maps an error to a metrics reason and applies the permanent
// stop rule for IP bans and credential failures.
func (f *Fetcher) classify(err error) string {
	var apiErr *binance.APIError
	if !errors.As(err, &apiErr) {
		return "network"
	}
	switch apiErr.StatusCode {
	case 418:
		f.stop("fetcher stopped: IP banned (HTTP 418)")
		return "ip_banned"
	case 401:
		f.stop("fetcher stopped: unauthorized (HTTP 401)")
		return "unauthorized"
	case 429:
		return "rate_limited"
	default:
		return fmt.Sprintf("http_%d", apiErr.StatusCode)
	}
}

func (f *Fetcher) stop(reason string) {
	f.mu.Lock()
	f.stopped = true
	f.stopReason = reason
	f.mu.Unlock()
	log.Error().Str("reason", reason).Msg("Historical funding fetcher permanently stopped")
}

// writeRows filters the response and writes the surviving rows into the
// store as one batch. Kept rows are USDT-quoted, not "1000"-prefixed and
// carry no ":" contract suffix.
func (f *Fetcher) writeRows(rows []binance.FundingRateRow) int {
	batch := make([]*market.Observation, 0, len(rows))
	ingress := f.now()
	for _, row := range rows {
		if !keepRow(row.Symbol) {
			continue
		}
		payload, err := json.Marshal(market.FundingSettlementPayload{
			Symbol:          row.Symbol,
			FundingRate:     row.FundingRate,
			FundingTime:     row.FundingTime,
			NextFundingTime: row.NextFundingTime,
		})
		if err != nil {
			continue
		}
		batch = append(batch, &market.Observation{
			Exchange:    market.Binance,
			Symbol:      market.NormalizeSymbol(row.Symbol),
			Type:        market.TypeFundingSettlement,
			Payload:     payload,
			IngressTime: ingress,
		})
	}

	if f.store != nil && len(batch) > 0 {
		f.store.PutBatch(batch)
	}
	return len(batch)
}

func keepRow(symbol string) bool {
	return strings.HasSuffix(symbol, "USDT") &&
		!strings.HasPrefix(symbol, "1000") &&
		!strings.Contains(symbol, ":")
}

// Status returns the introspection projection.
func (f *Fetcher) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := f.manualCount
	if !f.manualHour.Equal(f.now().Truncate(time.Hour)) {
		count = 0
	}

	st := Status{
		IsAutoFetched:    f.lastAuto,
		ManualFetchCount: fmt.Sprintf("%d/%d", count, manualCap),
		Stopped:          f.stopped,
		StopReason:       f.stopReason,
	}
	if !f.lastFetch.IsZero() {
		st.LastFetchTime = f.lastFetch.Format(time.RFC3339)
	}
	return st
}
