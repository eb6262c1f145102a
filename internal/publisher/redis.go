// Package publisher writes normalized market data to Redis. Order book
// events are dual-written: a capped Stream entry for replay plus a
// Pub/Sub publish for live consumers. Trade events are written to their
// capped Stream only.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"marketfeed/internal/event"
)

// RedisPublisher publishes normalized orderbook and trade events to
// Redis.
type RedisPublisher struct {
	client          *redis.Client
	log             zerolog.Logger
	orderbookMaxLen int64
	tradeMaxLen     int64
}

// Config parameterizes NewRedisPublisher independent of internal/config
// so the publisher package stays importable without it.
type Config struct {
	Addr            string
	OrderbookMaxLen int64
	TradeMaxLen     int64
}

func NewRedisPublisher(cfg Config, log zerolog.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	orderbookMaxLen := cfg.OrderbookMaxLen
	if orderbookMaxLen <= 0 {
		orderbookMaxLen = 1000
	}
	tradeMaxLen := cfg.TradeMaxLen
	if tradeMaxLen <= 0 {
		tradeMaxLen = 10000
	}

	return &RedisPublisher{
		client:          client,
		log:             log,
		orderbookMaxLen: orderbookMaxLen,
		tradeMaxLen:     tradeMaxLen,
	}, nil
}

// Client returns the underlying Redis client.
func (p *RedisPublisher) Client() *redis.Client {
	return p.client
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// PublishOrderbook writes ob to its capped stream and publishes it on
// the matching Pub/Sub channel.
func (p *RedisPublisher) PublishOrderbook(ctx context.Context, ob event.OrderbookEvent) error {
	data, err := json.Marshal(ob)
	if err != nil {
		return fmt.Errorf("marshal orderbook event: %w", err)
	}

	streamKey := fmt.Sprintf("orderbook:%s:%s", ob.ExchName, ob.Symbol)

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: p.orderbookMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", streamKey, err)
	}

	if err := p.client.Publish(ctx, streamKey, string(data)).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", streamKey, err)
	}

	p.log.Debug().Str("stream", streamKey).Int("bids", len(ob.Bids)).Int("asks", len(ob.Asks)).Msg("published orderbook")
	return nil
}

// PublishTrade writes a trade event to its capped stream.
func (p *RedisPublisher) PublishTrade(ctx context.Context, trade event.TradeEvent) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("marshal trade event: %w", err)
	}

	streamKey := fmt.Sprintf("trades:%s:%s", trade.ExchName, trade.Symbol)

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: p.tradeMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", streamKey, err)
	}

	return nil
}

// Publish publishes a raw message to a Redis Pub/Sub channel.
func (p *RedisPublisher) Publish(ctx context.Context, channel, message string) error {
	return p.client.Publish(ctx, channel, message).Err()
}
