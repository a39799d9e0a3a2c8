package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"perpspread-core/internal/config"
	"perpspread-core/internal/exchange/binance"
	"perpspread-core/internal/exchange/okx"
	"perpspread-core/internal/fetcher"
	"perpspread-core/internal/httpapi"
	"perpspread-core/internal/market"
	"perpspread-core/internal/metrics"
	"perpspread-core/internal/pipeline"
	"perpspread-core/internal/pool"
	"perpspread-core/internal/publisher"
	"perpspread-core/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().
		Int("port", cfg.Port).
		Int("metrics_port", cfg.MetricsPort).
		Str("redis", cfg.RedisAddr).
		Int("binance_shards", cfg.BinanceShards).
		Int("okx_shards", cfg.OKXShards).
		Msg("Starting perpspread engine")

	// Metrics server
	var metricsServer *metrics.Server
	if cfg.MetricsPort > 0 {
		metricsServer = metrics.NewServer(fmt.Sprintf(":%d", cfg.MetricsPort))
		go func() {
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Metrics server error")
			}
		}()
	}

	// Downstream consumer: Redis when configured, log sink otherwise.
	var consumer pipeline.Consumer
	var pub *publisher.RedisPublisher
	if cfg.RedisAddr != "" {
		pub, err = publisher.New(cfg.RedisAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Redis publisher")
		}
		defer pub.Close()
		consumer = pub.Consumer()
	} else {
		consumer = func(rec *market.CrossPlatform) {
			log.Debug().
				Str("symbol", rec.Symbol).
				Float64("price_diff", rec.PriceDiff).
				Float64("rate_diff", rec.RateDiff).
				Msg("Cross-platform record")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipe := pipeline.New(pipeline.Config{
		SettlementLimit: cfg.SettlementLimit,
		Consumer:        consumer,
		AsyncPush:       cfg.AsyncPush,
	})
	pipe.Start(ctx)

	dataStore := store.New(pipe.IngestBatch, nil)

	binanceAdapter := binance.New(cfg.BinanceWSURL, cfg.BinanceRestURL)
	okxAdapter := okx.New(cfg.OKXWSURL, cfg.OKXRestURL)

	manager := pool.NewManager([]pool.Spec{
		{
			Adapter:       binanceAdapter,
			ShardCount:    cfg.BinanceShards,
			StaticSymbols: cfg.BinanceSymbols,
			Factory:       pool.DefaultFactory(binanceAdapter, dataStore.Put),
		},
		{
			Adapter:       okxAdapter,
			ShardCount:    cfg.OKXShards,
			StaticSymbols: cfg.OKXSymbols,
			Factory:       pool.DefaultFactory(okxAdapter, dataStore.Put),
		},
	})
	if err := manager.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start worker pools")
	}

	fundingFetcher := fetcher.New(fetcher.Config{
		Client:     binanceAdapter.Rest(),
		Store:      dataStore,
		Interval:   cfg.FetchInterval.Std(),
		RowLimit:   cfg.FetchRowLimit,
		StartDelay: cfg.FetchStartDelay.Std(),
	})
	fundingFetcher.Start(ctx)

	httpServer := httpapi.New(httpapi.Config{
		Addr:     fmt.Sprintf(":%d", cfg.Port),
		Store:    dataStore,
		Fetcher:  fundingFetcher,
		Pipeline: pipe,
		Manager:  manager,
	})
	httpServer.Start()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping HTTP server")
	}
	fundingFetcher.Stop()
	manager.Stop()
	cancel()
	pipe.Stop()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	log.Info().Msg("Shutdown complete")
}
