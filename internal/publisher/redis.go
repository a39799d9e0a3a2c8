// Package publisher ships terminal cross-platform records to Redis for
// downstream consumers: a capped Stream per symbol for replay plus a
// Pub/Sub fanout for live subscribers.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"perpspread-core/internal/market"
	"perpspread-core/internal/metrics"
	"perpspread-core/internal/pipeline"
)

const streamMaxLen = 1000

// RedisPublisher publishes cross-platform records to Redis. A circuit
// breaker sheds publishes while Redis is down so the pipeline never
// stalls on the downstream.
type RedisPublisher struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
}

// New creates a publisher and verifies connectivity.
func New(addr string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-publish",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Publish circuit breaker state changed")
		},
	})

	return &RedisPublisher{client: client, breaker: breaker}, nil
}

// Client returns the underlying Redis client.
func (p *RedisPublisher) Client() *redis.Client {
	return p.client
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// PublishCross publishes one record to the symbol's stream and Pub/Sub
// channel crossplatform:{symbol}.
func (p *RedisPublisher) PublishCross(ctx context.Context, rec *market.CrossPlatform) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	channel := fmt.Sprintf("crossplatform:%s", rec.Symbol)

	timer := metrics.NewTimer()
	_, err = p.breaker.Execute(func() (interface{}, error) {
		if err := p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: channel,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"data": string(data),
			},
		}).Err(); err != nil {
			return nil, err
		}
		return nil, p.client.Publish(ctx, channel, string(data)).Err()
	})
	timer.ObserveDuration(metrics.PublishDuration, "crossplatform")

	if err != nil {
		metrics.PublishErrors.WithLabelValues("crossplatform").Inc()
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Consumer adapts the publisher into the pipeline's terminal callback.
// Publish failures are logged and dropped; the stream must keep moving.
func (p *RedisPublisher) Consumer() pipeline.Consumer {
	return func(rec *market.CrossPlatform) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.PublishCross(ctx, rec); err != nil {
			log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("Dropping unpublished record")
		}
	}
}
