package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"perpspread-core/internal/market"
	"perpspread-core/internal/metrics"
)

// flexNumber decodes a JSON field that exchanges send either as a number
// or as a quoted string.
type flexNumber string

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	*n = flexNumber(strings.Trim(string(b), `"`))
	return nil
}

func (n flexNumber) Float() (float64, error) {
	return strconv.ParseFloat(string(n), 64)
}

func (n flexNumber) Int64() (int64, error) {
	return strconv.ParseInt(string(n), 10, 64)
}

func (n flexNumber) Empty() bool { return n == "" }

type extractKey struct {
	exchange market.Exchange
	dataType market.DataType
}

type extractor func(obs *market.Observation) (*market.Extracted, error)

// extractors is the Stage-1 table: the five recognized (exchange,
// data_type) pairs map to a pure payload-to-record function. Anything
// outside the table is dropped with a warning.
var extractors = map[extractKey]extractor{
	{market.Binance, market.TypeTicker}:            extractBinanceTicker,
	{market.Binance, market.TypeMarkPrice}:         extractBinanceMarkPrice,
	{market.Binance, market.TypeFundingSettlement}: extractBinanceSettlement,
	{market.OKX, market.TypeTicker}:                extractOKXTicker,
	{market.OKX, market.TypeFundingRate}:           extractOKXFundingRate,
}

// Extract is Stage 1: normalize one observation into the fixed optional
// field set the fusion stages operate on. Returns nil for dropped input.
func Extract(obs *market.Observation) *market.Extracted {
	fn, ok := extractors[extractKey{obs.Exchange, obs.Type}]
	if !ok {
		metrics.RecordStageDrop("extract", "unknown_type")
		log.Warn().
			Str("exchange", string(obs.Exchange)).
			Str("data_type", string(obs.Type)).
			Msg("No extractor for observation, dropping")
		return nil
	}

	out, err := fn(obs)
	if err != nil {
		metrics.RecordStageDrop("extract", "malformed")
		log.Warn().Err(err).
			Str("exchange", string(obs.Exchange)).
			Str("data_type", string(obs.Type)).
			Str("symbol", obs.Symbol).
			Msg("Extractor rejected payload")
		return nil
	}
	return out
}

func extractBinanceTicker(obs *market.Observation) (*market.Extracted, error) {
	var p struct {
		Symbol string     `json:"s"`
		Close  flexNumber `json:"c"`
	}
	if err := json.Unmarshal(obs.Payload, &p); err != nil {
		return nil, err
	}
	price, err := p.Close.Float()
	if err != nil {
		return nil, fmt.Errorf("ticker close price: %w", err)
	}

	return &market.Extracted{
		Exchange: market.Binance,
		Symbol:   obs.Symbol,
		Type:     obs.Type,
		Contract: p.Symbol,
		Price:    &price,
	}, nil
}

func extractBinanceMarkPrice(obs *market.Observation) (*market.Extracted, error) {
	var p struct {
		Symbol          string     `json:"s"`
		FundingRate     flexNumber `json:"r"`
		NextFundingTime flexNumber `json:"T"`
	}
	if err := json.Unmarshal(obs.Payload, &p); err != nil {
		return nil, err
	}

	out := &market.Extracted{
		Exchange: market.Binance,
		Symbol:   obs.Symbol,
		Type:     obs.Type,
		Contract: p.Symbol,
	}
	if !p.FundingRate.Empty() {
		rate, err := p.FundingRate.Float()
		if err != nil {
			return nil, fmt.Errorf("mark price funding rate: %w", err)
		}
		out.FundingRate = &rate
	}
	if !p.NextFundingTime.Empty() {
		ts, err := p.NextFundingTime.Int64()
		if err != nil {
			return nil, fmt.Errorf("mark price funding time: %w", err)
		}
		out.CurrentSettlementMs = &ts
	}
	return out, nil
}

func extractBinanceSettlement(obs *market.Observation) (*market.Extracted, error) {
	var p market.FundingSettlementPayload
	if err := json.Unmarshal(obs.Payload, &p); err != nil {
		return nil, err
	}
	if p.FundingTime == 0 {
		return nil, fmt.Errorf("settlement without fundingTime")
	}

	last := p.FundingTime
	return &market.Extracted{
		Exchange:         market.Binance,
		Symbol:           obs.Symbol,
		Type:             obs.Type,
		Contract:         p.Symbol,
		LastSettlementMs: &last,
	}, nil
}

func extractOKXTicker(obs *market.Observation) (*market.Extracted, error) {
	var p struct {
		InstID string     `json:"instId"`
		Last   flexNumber `json:"last"`
	}
	if err := json.Unmarshal(obs.Payload, &p); err != nil {
		return nil, err
	}
	price, err := p.Last.Float()
	if err != nil {
		return nil, fmt.Errorf("ticker last price: %w", err)
	}

	return &market.Extracted{
		Exchange: market.OKX,
		Symbol:   obs.Symbol,
		Type:     obs.Type,
		Contract: p.InstID,
		Price:    &price,
	}, nil
}

func extractOKXFundingRate(obs *market.Observation) (*market.Extracted, error) {
	var p struct {
		InstID          string     `json:"instId"`
		FundingRate     flexNumber `json:"fundingRate"`
		FundingTime     flexNumber `json:"fundingTime"`
		NextFundingTime flexNumber `json:"nextFundingTime"`
	}
	if err := json.Unmarshal(obs.Payload, &p); err != nil {
		return nil, err
	}
	rate, err := p.FundingRate.Float()
	if err != nil {
		return nil, fmt.Errorf("funding rate: %w", err)
	}

	out := &market.Extracted{
		Exchange:    market.OKX,
		Symbol:      obs.Symbol,
		Type:        obs.Type,
		Contract:    p.InstID,
		FundingRate: &rate,
	}
	if !p.FundingTime.Empty() {
		ts, err := p.FundingTime.Int64()
		if err != nil {
			return nil, fmt.Errorf("funding time: %w", err)
		}
		out.CurrentSettlementMs = &ts
	}
	if !p.NextFundingTime.Empty() {
		ts, err := p.NextFundingTime.Int64()
		if err != nil {
			return nil, fmt.Errorf("next funding time: %w", err)
		}
		out.NextSettlementMs = &ts
	}
	return out, nil
}
