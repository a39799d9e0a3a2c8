package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// APIError carries the HTTP status so callers can distinguish rate limits
// and fatal remote errors from transient failures.
type APIError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error: status=%d body=%s", e.StatusCode, e.Body)
}

// RestClient handles the Binance futures REST endpoints the core needs.
type RestClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewRestClient creates a REST client. An empty baseURL selects production.
func NewRestClient(baseURL string) *RestClient {
	if baseURL == "" {
		baseURL = DefaultRestURL
	}
	return &RestClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
	}
}

// ExchangeInfoResponse is the subset of /fapi/v1/exchangeInfo the core reads.
type ExchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo describes one listed contract.
type SymbolInfo struct {
	Symbol       string `json:"symbol"`
	ContractType string `json:"contractType"`
	QuoteAsset   string `json:"quoteAsset"`
	Status       string `json:"status"`
}

// FundingRateRow is one settled funding record from /fapi/v1/fundingRate.
type FundingRateRow struct {
	Symbol          string `json:"symbol"`
	FundingRate     string `json:"fundingRate"`
	FundingTime     int64  `json:"fundingTime"`
	NextFundingTime int64  `json:"nextFundingTime,omitempty"`
}

// FundingRateResponse bundles the rows with the request weight the
// exchange reported for the call.
type FundingRateResponse struct {
	Rows       []FundingRateRow
	WeightUsed int
}

// FetchExchangeInfo fetches all trading symbols and their rules.
func (c *RestClient) FetchExchangeInfo(ctx context.Context) (*ExchangeInfoResponse, error) {
	body, _, err := c.get(ctx, "/fapi/v1/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("fetch exchange info: %w", err)
	}

	var result ExchangeInfoResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	return &result, nil
}

// FetchFundingRates fetches recently settled funding records across all
// symbols.
func (c *RestClient) FetchFundingRates(ctx context.Context, limit int) (*FundingRateResponse, error) {
	path := "/fapi/v1/fundingRate"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}

	body, header, err := c.get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("fetch funding rates: %w", err)
	}

	var rows []FundingRateRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode funding rates: %w", err)
	}

	weight, _ := strconv.Atoi(header.Get("X-Mbx-Used-Weight-1m"))
	return &FundingRateResponse{Rows: rows, WeightUsed: weight}, nil
}

func (c *RestClient) get(ctx context.Context, path string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return nil, resp.Header, apiErr
	}

	return body, resp.Header, nil
}
