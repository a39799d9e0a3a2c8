package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RestClient handles the OKX v5 REST endpoints the core needs.
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

// Instrument describes one listed OKX contract.
type Instrument struct {
	InstID string `json:"instId"`
	State  string `json:"state"`
}

type instrumentsResponse struct {
	Code string       `json:"code"`
	Msg  string       `json:"msg"`
	Data []Instrument `json:"data"`
}

// FetchInstruments fetches all SWAP instruments.
func (c *RestClient) FetchInstruments(ctx context.Context) ([]Instrument, error) {
	url := c.baseURL + "/api/v5/public/instruments?instType=SWAP"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch instruments: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read instruments: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch instruments: status %d: %s", resp.StatusCode, body)
	}

	var result instrumentsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}
	if result.Code != "0" {
		return nil, fmt.Errorf("fetch instruments: code %s: %s", result.Code, result.Msg)
	}

	return result.Data, nil
}
