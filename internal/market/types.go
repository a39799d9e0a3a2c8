// Package market defines the exchange-agnostic data model shared by the
// workers, the data store and the fusion pipeline.
package market

import (
	"encoding/json"
	"strings"
	"time"
)

// Exchange identifies a supported exchange.
type Exchange string

const (
	Binance Exchange = "binance"
	OKX     Exchange = "okx"
)

// DataType classifies an observation.
type DataType string

const (
	TypeTicker            DataType = "ticker"
	TypeFundingRate       DataType = "funding_rate"
	TypeMarkPrice         DataType = "mark_price"
	TypeFundingSettlement DataType = "funding_settlement"

	// Private-side and status events pass through the store but never the
	// pipeline. The core does not generate them.
	TypeAccountUpdate    DataType = "account_update"
	TypeOrderUpdate      DataType = "order_update"
	TypeConnectionStatus DataType = "connection_status"
)

// Observation is one normalized inbound event. Payload keeps the
// exchange-native JSON so that extraction stays a pure table lookup.
type Observation struct {
	Exchange    Exchange        `json:"exchange"`
	Symbol      string          `json:"symbol"`
	Type        DataType        `json:"data_type"`
	Payload     json.RawMessage `json:"payload"`
	IngressTime time.Time       `json:"ingress_time"`
}

// FundingSettlementPayload is the wire shape of funding_settlement
// observations written by the historical fetcher.
type FundingSettlementPayload struct {
	Symbol          string `json:"symbol"`
	FundingRate     string `json:"fundingRate"`
	FundingTime     int64  `json:"fundingTime"`
	NextFundingTime int64  `json:"nextFundingTime,omitempty"`
}

// Extracted is the normalized output of Stage 1. Optional fields are nil
// when the source event does not carry them.
type Extracted struct {
	Exchange            Exchange
	Symbol              string
	Type                DataType
	Contract            string
	Price               *float64
	FundingRate         *float64
	LastSettlementMs    *int64
	CurrentSettlementMs *int64
	NextSettlementMs    *int64
}

// Fused combines a price-bearing and a funding-bearing observation for one
// (exchange, symbol). Output of Stage 2.
type Fused struct {
	Exchange            Exchange
	Symbol              string
	Contract            string
	Price               float64
	FundingRate         *float64
	LastSettlementMs    *int64
	CurrentSettlementMs *int64
	NextSettlementMs    *int64
}

// Side is the per-exchange half of an Aligned record. Millisecond
// timestamps are preserved next to their human-readable UTC+8 form.
type Side struct {
	Contract            string   `json:"contract_name"`
	Price               float64  `json:"latest_price"`
	FundingRate         *float64 `json:"funding_rate,omitempty"`
	LastSettlementMs    *int64   `json:"last_settlement_ts,omitempty"`
	LastSettlement      string   `json:"last_settlement,omitempty"`
	CurrentSettlementMs *int64   `json:"current_settlement_ts,omitempty"`
	CurrentSettlement   string   `json:"current_settlement,omitempty"`
	NextSettlementMs    *int64   `json:"next_settlement_ts,omitempty"`
	NextSettlement      string   `json:"next_settlement,omitempty"`
}

// Aligned pairs the Fused records of both exchanges for one symbol.
// Output of Stage 3.
type Aligned struct {
	Symbol  string `json:"symbol"`
	Binance Side   `json:"binance"`
	OKX     Side   `json:"okx"`
}

// PerExchange is one exchange side with the derived funding-cycle metrics.
// Output of Stage 4.
type PerExchange struct {
	Exchange            Exchange `json:"exchange"`
	Symbol              string   `json:"symbol"`
	Contract            string   `json:"contract_name"`
	Price               float64  `json:"latest_price"`
	FundingRate         *float64 `json:"funding_rate,omitempty"`
	LastSettlementMs    *int64   `json:"last_settlement_ts,omitempty"`
	LastSettlement      string   `json:"last_settlement,omitempty"`
	CurrentSettlementMs *int64   `json:"current_settlement_ts,omitempty"`
	CurrentSettlement   string   `json:"current_settlement,omitempty"`
	NextSettlementMs    *int64   `json:"next_settlement_ts,omitempty"`
	NextSettlement      string   `json:"next_settlement,omitempty"`
	PeriodSeconds       *float64 `json:"period_seconds,omitempty"`
	CountdownSeconds    float64  `json:"countdown_seconds"`
}

// CrossPlatform is the terminal pipeline record. Both PerExchange sides
// are inlined so downstream consumers need nothing else.
type CrossPlatform struct {
	Symbol           string      `json:"symbol"`
	PriceDiff        float64     `json:"price_diff"`
	PriceDiffPercent float64     `json:"price_diff_percent"`
	RateDiff         float64     `json:"rate_diff"`
	PriceInvalid     bool        `json:"price_invalid,omitempty"`
	Binance          PerExchange `json:"binance"`
	OKX              PerExchange `json:"okx"`
	ComputedAtMs     int64       `json:"computed_at"`
}

// settlementZone is the display zone for settlement timestamps.
var settlementZone = time.FixedZone("UTC+8", 8*3600)

// FormatSettlement renders a millisecond timestamp as
// "YYYY-MM-DD HH:MM:SS" in UTC+8.
func FormatSettlement(ms int64) string {
	return time.UnixMilli(ms).In(settlementZone).Format("2006-01-02 15:04:05")
}

// NormalizeSymbol maps an exchange-native contract name to the canonical
// uppercase join key (BTC-USDT-SWAP -> BTCUSDT). Idempotent.
func NormalizeSymbol(native string) string {
	s := strings.ToUpper(native)
	s = strings.TrimSuffix(s, "-SWAP")
	return strings.ReplaceAll(s, "-", "")
}
