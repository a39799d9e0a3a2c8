// Package pipeline implements the streaming fusion pipeline: a Stage-0
// settlement limiter in front of extract, fuse, align, per-exchange and
// cross-platform compute. Stages 1-5 run on a single goroutine so stage
// state needs no locking and records are handled strictly in arrival
// order.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"
	"github.com/rs/zerolog/log"

	"perpspread-core/internal/market"
	"perpspread-core/internal/metrics"
)

const (
	// ingestTimeout bounds how long an ingest waits for the processing
	// goroutine before dropping the batch.
	ingestTimeout = 30 * time.Second

	evictInterval = 5 * time.Second

	// asyncPushBound caps concurrent downstream pushes; submissions beyond
	// it run synchronously, which is the backpressure.
	asyncPushBound = 10
)

// Consumer receives every terminal record.
type Consumer func(rec *market.CrossPlatform)

// Config holds pipeline construction parameters.
type Config struct {
	// SettlementLimit is the Stage-0 batch limit. Zero selects the default.
	SettlementLimit int

	// Consumer receives terminal records. Nil discards them.
	Consumer Consumer

	// AsyncPush delivers records on a bounded worker pool instead of the
	// processing goroutine.
	AsyncPush bool

	// Now is injectable for tests. Nil selects time.Now.
	Now func() time.Time
}

// Pipeline owns the stages and the single processing goroutine.
type Pipeline struct {
	limiter  *Limiter
	fuser    *Fuser
	aligner  *Aligner
	computer *Computer

	consumer  Consumer
	asyncPush bool
	pushPool  *pond.WorkerPool
	now       func() time.Time

	in     chan []*market.Observation
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State counts mirrored by the processing goroutine; the debug surface
	// reads these, never the stage maps.
	fuseLen  atomic.Int64
	alignLen atomic.Int64
	cacheLen atomic.Int64
}

// New creates a stopped pipeline.
func New(cfg Config) *Pipeline {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Pipeline{
		limiter:   NewLimiter(cfg.SettlementLimit),
		fuser:     NewFuser(now),
		aligner:   NewAligner(now),
		computer:  NewComputer(now),
		consumer:  cfg.Consumer,
		asyncPush: cfg.AsyncPush,
		pushPool:  pond.New(asyncPushBound, asyncPushBound),
		now:       now,
		in:        make(chan []*market.Observation, 1),
	}
}

// Start launches the processing goroutine.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop drains the processing goroutine and any in-flight pushes.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.pushPool.StopAndWait()
}

// Ingest hands one observation to the pipeline. It blocks until the
// processing goroutine accepts it or the timeout expires; a timed-out
// observation is dropped, never queued.
func (p *Pipeline) Ingest(obs *market.Observation) {
	p.IngestBatch([]*market.Observation{obs})
}

// IngestBatch hands a batch of observations to the pipeline under the same
// timeout rule.
func (p *Pipeline) IngestBatch(batch []*market.Observation) {
	if len(batch) == 0 {
		return
	}

	timer := time.NewTimer(ingestTimeout)
	defer timer.Stop()

	select {
	case p.in <- batch:
	case <-timer.C:
		metrics.IngestDropped.Add(float64(len(batch)))
		log.Error().Int("batch", len(batch)).Msg("Pipeline ingest timed out, dropping batch")
	}
}

// Limiter exposes the Stage-0 limiter for runtime control.
func (p *Pipeline) Limiter() *Limiter { return p.limiter }

// StateSizes reports per-stage state counts for the debug surface. The
// counts are mirrors the processing goroutine refreshes after every batch
// and eviction pass, so callers never touch stage state.
func (p *Pipeline) StateSizes() map[string]int {
	return map[string]int{
		"fuse":         int(p.fuseLen.Load()),
		"align":        int(p.alignLen.Load()),
		"per_exchange": int(p.cacheLen.Load()),
	}
}

func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()

	evict := time.NewTicker(evictInterval)
	defer evict.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-p.in:
			p.processBatch(batch)
			p.mirrorStateSizes()
		case <-evict.C:
			p.fuser.Evict()
			p.aligner.Evict()
			p.mirrorStateSizes()
		}
	}
}

// processBatch runs one batch through stages 0-5. A panicking stage drops
// the record in flight and is counted under the stage that was executing;
// nothing propagates to the ingester.
func (p *Pipeline) processBatch(batch []*market.Observation) {
	batch = p.applyLimiter(batch)
	for _, obs := range batch {
		p.processOne(obs)
	}
}

func (p *Pipeline) applyLimiter(batch []*market.Observation) (out []*market.Observation) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordStageError("limiter")
			log.Error().Interface("panic", r).Msg("Limiter panicked, batch dropped")
		}
	}()
	return p.limiter.Apply(batch)
}

func (p *Pipeline) processOne(obs *market.Observation) {
	stage := "extract"
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordStageError(stage)
			log.Error().
				Interface("panic", r).
				Str("stage", stage).
				Msg("Stage panicked, record dropped")
		}
	}()

	extracted := Extract(obs)
	if extracted == nil {
		return
	}
	metrics.StageProcessed.WithLabelValues("extract").Inc()

	stage = "fuse"
	fused := p.fuser.Apply(extracted)
	if fused == nil {
		return
	}
	metrics.StageProcessed.WithLabelValues("fuse").Inc()

	stage = "align"
	aligned := p.aligner.Apply(fused)
	if aligned == nil {
		return
	}
	metrics.StageProcessed.WithLabelValues("align").Inc()

	stage = "per_exchange"
	binance, okx := p.computer.Apply(aligned)

	stage = "cross"
	rec := Cross(binance, okx, p.now())

	stage = "deliver"
	p.deliver(rec)
}

func (p *Pipeline) mirrorStateSizes() {
	p.fuseLen.Store(int64(p.fuser.Len()))
	p.alignLen.Store(int64(p.aligner.Len()))
	p.cacheLen.Store(int64(p.computer.Len()))
}

func (p *Pipeline) deliver(rec *market.CrossPlatform) {
	if p.consumer == nil {
		return
	}
	if p.asyncPush {
		if p.pushPool.TrySubmit(func() { p.consumer(rec) }) {
			return
		}
		metrics.AsyncPushFallbacks.Inc()
	}
	p.consumer(rec)
}
