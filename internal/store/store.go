// Package store holds the most-recent observation per (exchange, symbol,
// data_type) and routes every write to its next hop.
package store

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"perpspread-core/internal/market"
)

// Destination is the routing decision for one write.
type Destination int

const (
	// FlowNone keeps the observation in the store with no egress.
	FlowNone Destination = iota
	// FlowPipeline hands the observation to the fusion pipeline.
	FlowPipeline
	// FlowBrain hands the observation to the strategy callback.
	FlowBrain
)

// FlowFor is the flow-instruction table. It is pure: market data types go
// to the pipeline, private account data to the brain, status nowhere.
func FlowFor(dataType market.DataType) Destination {
	switch dataType {
	case market.TypeTicker, market.TypeFundingRate, market.TypeMarkPrice, market.TypeFundingSettlement:
		return FlowPipeline
	case market.TypeAccountUpdate, market.TypeOrderUpdate:
		return FlowBrain
	default:
		return FlowNone
	}
}

// Sink receives observations routed out of the store.
type Sink func(obs *market.Observation)

// BatchSink receives pipeline-bound observations. Writes through Put
// arrive as singleton batches; PutBatch forwards all its pipeline-bound
// rows as one batch.
type BatchSink func(batch []*market.Observation)

// DataStore is the in-memory most-recent-per-key store. Its four top-level
// maps carry independent mutexes; there are no cross-map invariants.
type DataStore struct {
	pipeline BatchSink
	brain    Sink

	marketMu   sync.RWMutex
	marketData map[market.Exchange]map[string]map[market.DataType]*market.Observation

	latestMu sync.RWMutex
	latest   map[string]market.DataType

	accountMu sync.RWMutex
	account   map[market.Exchange]map[market.DataType]*market.Observation

	statusMu sync.RWMutex
	status   map[market.Exchange]*market.Observation

	readyMu   sync.RWMutex
	httpReady bool
}

// New creates an empty store. Either sink may be nil.
func New(pipeline BatchSink, brain Sink) *DataStore {
	return &DataStore{
		pipeline:   pipeline,
		brain:      brain,
		marketData: make(map[market.Exchange]map[string]map[market.DataType]*market.Observation),
		latest:     make(map[string]market.DataType),
		account:    make(map[market.Exchange]map[market.DataType]*market.Observation),
		status:     make(map[market.Exchange]*market.Observation),
	}
}

// Put stores the observation as the current value for its key and routes
// it per the flow table. New writes overwrite; entries live until exit.
func (s *DataStore) Put(obs *market.Observation) {
	if obs == nil {
		return
	}

	switch FlowFor(obs.Type) {
	case FlowPipeline:
		s.putMarket(obs)
		if s.pipeline != nil {
			s.pipeline([]*market.Observation{obs})
		}
	case FlowBrain:
		s.putAccount(obs)
		if s.brain != nil {
			s.brain(obs)
		}
	default:
		if obs.Type == market.TypeConnectionStatus {
			s.putStatus(obs)
			return
		}
		log.Warn().
			Str("exchange", string(obs.Exchange)).
			Str("data_type", string(obs.Type)).
			Msg("Observation with no storage class dropped")
	}
}

func (s *DataStore) putMarket(obs *market.Observation) {
	s.marketMu.Lock()
	bySymbol, ok := s.marketData[obs.Exchange]
	if !ok {
		bySymbol = make(map[string]map[market.DataType]*market.Observation)
		s.marketData[obs.Exchange] = bySymbol
	}
	byType, ok := bySymbol[obs.Symbol]
	if !ok {
		byType = make(map[market.DataType]*market.Observation)
		bySymbol[obs.Symbol] = byType
	}
	byType[obs.Type] = obs
	s.marketMu.Unlock()

	s.latestMu.Lock()
	s.latest[obs.Symbol] = obs.Type
	s.latestMu.Unlock()
}

func (s *DataStore) putAccount(obs *market.Observation) {
	s.accountMu.Lock()
	byType, ok := s.account[obs.Exchange]
	if !ok {
		byType = make(map[market.DataType]*market.Observation)
		s.account[obs.Exchange] = byType
	}
	byType[obs.Type] = obs
	s.accountMu.Unlock()
}

func (s *DataStore) putStatus(obs *market.Observation) {
	s.statusMu.Lock()
	s.status[obs.Exchange] = obs
	s.statusMu.Unlock()
}

// PutBatch stores every observation and forwards the pipeline-bound ones
// downstream as a single batch. Non-pipeline rows route individually.
func (s *DataStore) PutBatch(batch []*market.Observation) {
	pipelineBound := make([]*market.Observation, 0, len(batch))
	for _, obs := range batch {
		if obs == nil {
			continue
		}
		if FlowFor(obs.Type) == FlowPipeline {
			s.putMarket(obs)
			pipelineBound = append(pipelineBound, obs)
			continue
		}
		s.Put(obs)
	}

	if len(pipelineBound) > 0 && s.pipeline != nil {
		s.pipeline(pipelineBound)
	}
}

// Get returns the current observation for a key, or nil.
func (s *DataStore) Get(exchange market.Exchange, symbol string, dataType market.DataType) *market.Observation {
	s.marketMu.RLock()
	defer s.marketMu.RUnlock()
	return s.marketData[exchange][symbol][dataType]
}

// Latest returns the most recently written observation for a symbol on the
// given exchange, or nil.
func (s *DataStore) Latest(exchange market.Exchange, symbol string) *market.Observation {
	s.latestMu.RLock()
	dataType, ok := s.latest[symbol]
	s.latestMu.RUnlock()
	if !ok {
		return nil
	}
	return s.Get(exchange, symbol, dataType)
}

// Snapshot returns every current observation of one data type on one
// exchange, keyed by symbol.
func (s *DataStore) Snapshot(exchange market.Exchange, dataType market.DataType) map[string]*market.Observation {
	s.marketMu.RLock()
	defer s.marketMu.RUnlock()

	out := make(map[string]*market.Observation)
	for symbol, byType := range s.marketData[exchange] {
		if obs, ok := byType[dataType]; ok {
			out[symbol] = obs
		}
	}
	return out
}

// Counts returns the number of stored market observations per exchange and
// data type, for the debug surface.
func (s *DataStore) Counts() map[string]map[string]int {
	s.marketMu.RLock()
	defer s.marketMu.RUnlock()

	out := make(map[string]map[string]int)
	for exchange, bySymbol := range s.marketData {
		counts := make(map[string]int)
		for _, byType := range bySymbol {
			for dataType := range byType {
				counts[string(dataType)]++
			}
		}
		out[string(exchange)] = counts
	}
	return out
}

// SymbolCount returns the number of symbols with at least one observation
// on the given exchange.
func (s *DataStore) SymbolCount(exchange market.Exchange) int {
	s.marketMu.RLock()
	defer s.marketMu.RUnlock()
	return len(s.marketData[exchange])
}

// ConnectionStatus returns the last status observation per exchange.
func (s *DataStore) ConnectionStatus() map[market.Exchange]*market.Observation {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	out := make(map[market.Exchange]*market.Observation, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out
}

// SetHTTPReady flips the readiness flag once the HTTP surface is serving.
func (s *DataStore) SetHTTPReady(ready bool) {
	s.readyMu.Lock()
	s.httpReady = ready
	s.readyMu.Unlock()
}

// HTTPReady reports whether the HTTP surface is serving.
func (s *DataStore) HTTPReady() bool {
	s.readyMu.RLock()
	defer s.readyMu.RUnlock()
	return s.httpReady
}

// Age returns how stale an observation is, or zero for nil.
func Age(obs *market.Observation) time.Duration {
	if obs == nil {
		return 0
	}
	return time.Since(obs.IngressTime)
}
