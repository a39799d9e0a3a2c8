// Package okx adapts the OKX v5 endpoints: the public WebSocket (tickers +
// funding-rate channels) and the instruments REST endpoint for symbol
// discovery.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"perpspread-core/internal/exchange"
	"perpspread-core/internal/market"
)

const (
	DefaultWSURL   = "wss://ws.okx.com:8443/ws/v5/public"
	DefaultRestURL = "https://www.okx.com"

	ChannelTickers     = "tickers"
	ChannelFundingRate = "funding-rate"
)

// Adapter implements exchange.Adapter for OKX.
type Adapter struct {
	wsURL string
	rest  *RestClient
}

// New creates an OKX adapter. Empty URLs select the production endpoints.
func New(wsURL, restURL string) *Adapter {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &Adapter{
		wsURL: wsURL,
		rest:  NewRestClient(restURL),
	}
}

func (a *Adapter) ID() market.Exchange     { return market.OKX }
func (a *Adapter) WSURL() string           { return a.wsURL }
func (a *Adapter) TextPing() string        { return "ping" }
func (a *Adapter) HeartbeatSymbol() string { return "BTC-USDT-SWAP" }

// Native converts a canonical symbol to the OKX instrument ID
// (BTCUSDT -> BTC-USDT-SWAP).
func (a *Adapter) Native(symbol string) string {
	upper := strings.ToUpper(symbol)
	if strings.HasSuffix(upper, "-SWAP") {
		return upper
	}
	if base, ok := strings.CutSuffix(upper, "USDT"); ok {
		return base + "-USDT-SWAP"
	}
	return upper + "-USDT-SWAP"
}

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsOp struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

func frames(op string, native []string) []string {
	args := make([]wsArg, 0, 2*len(native))
	for _, id := range native {
		args = append(args,
			wsArg{Channel: ChannelTickers, InstID: id},
			wsArg{Channel: ChannelFundingRate, InstID: id},
		)
	}

	var out []string
	for start := 0; start < len(args); start += exchange.SubscribeBatch {
		end := start + exchange.SubscribeBatch
		if end > len(args) {
			end = len(args)
		}
		frame, err := json.Marshal(wsOp{Op: op, Args: args[start:end]})
		if err != nil {
			continue
		}
		out = append(out, string(frame))
	}
	return out
}

func (a *Adapter) SubscribeFrames(native []string) []string {
	return frames("subscribe", native)
}

func (a *Adapter) UnsubscribeFrames(native []string) []string {
	return frames("unsubscribe", native)
}

type wsResponse struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   wsArg           `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

// Parse normalizes one raw frame. Pongs and subscribe acks come back as
// (nil, nil); error events are surfaced as errors.
func (a *Adapter) Parse(msg []byte) (*market.Observation, error) {
	if string(msg) == "pong" {
		return nil, nil
	}

	var resp wsResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, fmt.Errorf("okx: unmarshal frame: %w", err)
	}

	if resp.Event != "" {
		if resp.Event == "error" {
			return nil, fmt.Errorf("okx: websocket error %s: %s", resp.Code, resp.Msg)
		}
		return nil, nil
	}

	var dt market.DataType
	switch resp.Arg.Channel {
	case ChannelTickers:
		dt = market.TypeTicker
	case ChannelFundingRate:
		dt = market.TypeFundingRate
	default:
		return nil, nil
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(resp.Data, &rows); err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("okx: %s update without data", resp.Arg.Channel)
	}

	return &market.Observation{
		Exchange: market.OKX,
		Symbol:   market.NormalizeSymbol(resp.Arg.InstID),
		Type:     dt,
		Payload:  rows[0],
	}, nil
}

// DiscoverSymbols returns all live USDT swaps in canonical form.
func (a *Adapter) DiscoverSymbols(ctx context.Context) ([]string, error) {
	instruments, err := a.rest.FetchInstruments(ctx)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		if inst.State != "live" || !strings.HasSuffix(inst.InstID, "-USDT-SWAP") {
			continue
		}
		symbols = append(symbols, market.NormalizeSymbol(inst.InstID))
	}
	return symbols, nil
}
