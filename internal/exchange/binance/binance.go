// Package binance adapts the Binance USDT-M futures endpoints: the public
// market WebSocket (miniTicker + markPrice streams) and the REST surface
// used for symbol discovery and historical funding rates.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"perpspread-core/internal/exchange"
	"perpspread-core/internal/market"
)

const (
	DefaultWSURL   = "wss://fstream.binance.com/ws"
	DefaultRestURL = "https://fapi.binance.com"

	streamTicker    = "@miniTicker"
	streamMarkPrice = "@markPrice@1s"

	eventMiniTicker = "24hrMiniTicker"
	eventMarkPrice  = "markPriceUpdate"
)

// Adapter implements exchange.Adapter for Binance.
type Adapter struct {
	wsURL string
	rest  *RestClient
	reqID atomic.Int64
}

// New creates a Binance adapter. Empty URLs select the production
// endpoints.
func New(wsURL, restURL string) *Adapter {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &Adapter{
		wsURL: wsURL,
		rest:  NewRestClient(restURL),
	}
}

// Rest exposes the REST client so the historical fetcher can share it.
func (a *Adapter) Rest() *RestClient { return a.rest }

func (a *Adapter) ID() market.Exchange    { return market.Binance }
func (a *Adapter) WSURL() string          { return a.wsURL }
func (a *Adapter) TextPing() string       { return "" }
func (a *Adapter) HeartbeatSymbol() string { return "BTCUSDT" }

// Native is the identity for Binance; canonical symbols are already in
// Binance form.
func (a *Adapter) Native(symbol string) string { return strings.ToUpper(symbol) }

type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (a *Adapter) frames(method string, native []string) []string {
	streams := make([]string, 0, 2*len(native))
	for _, s := range native {
		lower := strings.ToLower(s)
		streams = append(streams, lower+streamTicker, lower+streamMarkPrice)
	}

	var out []string
	for _, group := range exchange.Chunk(streams, exchange.SubscribeBatch) {
		frame, err := json.Marshal(wsRequest{
			Method: method,
			Params: group,
			ID:     a.reqID.Add(1),
		})
		if err != nil {
			continue
		}
		out = append(out, string(frame))
	}
	return out
}

func (a *Adapter) SubscribeFrames(native []string) []string {
	return a.frames("SUBSCRIBE", native)
}

func (a *Adapter) UnsubscribeFrames(native []string) []string {
	return a.frames("UNSUBSCRIBE", native)
}

type wsEvent struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
}

// Parse normalizes one raw frame. Subscribe acks ({"result":null,"id":n})
// and unknown event types come back as (nil, nil).
func (a *Adapter) Parse(msg []byte) (*market.Observation, error) {
	var event wsEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		return nil, fmt.Errorf("binance: unmarshal frame: %w", err)
	}

	var dt market.DataType
	switch event.Event {
	case eventMiniTicker:
		dt = market.TypeTicker
	case eventMarkPrice:
		dt = market.TypeMarkPrice
	default:
		return nil, nil
	}

	if event.Symbol == "" {
		return nil, fmt.Errorf("binance: %s event without symbol", event.Event)
	}

	return &market.Observation{
		Exchange: market.Binance,
		Symbol:   strings.ToUpper(event.Symbol),
		Type:     dt,
		Payload:  json.RawMessage(msg),
	}, nil
}

// DiscoverSymbols returns all trading USDT perpetuals in canonical form.
func (a *Adapter) DiscoverSymbols(ctx context.Context) ([]string, error) {
	info, err := a.rest.FetchExchangeInfo(ctx)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.ContractType != "PERPETUAL" || s.QuoteAsset != "USDT" || s.Status != "TRADING" {
			continue
		}
		symbols = append(symbols, strings.ToUpper(s.Symbol))
	}
	return symbols, nil
}
