package publisher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/event"
)

func newTestPublisher() (*RedisPublisher, redismock.ClientMock) {
	client, mock := redismock.NewClientMock()
	pub := &RedisPublisher{
		client:          client,
		log:             zerolog.Nop(),
		orderbookMaxLen: 1000,
		tradeMaxLen:     10000,
	}
	return pub, mock
}

func TestPublishOrderbook_WritesStreamAndChannel(t *testing.T) {
	pub, mock := newTestPublisher()
	ctx := context.Background()

	ob := event.OrderbookEvent{
		ExchName: "binance",
		Symbol:   "BTC-USDT",
		Kind:     event.Snapshot,
		Bids:     []event.Level{{Price: decimal.NewFromInt(30000), Qty: decimal.NewFromInt(1)}},
	}
	data, err := json.Marshal(ob)
	require.NoError(t, err)

	streamKey := "orderbook:binance:BTC-USDT"
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: streamKey,
		MaxLen: pub.orderbookMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).SetVal("1-0")
	mock.ExpectPublish(streamKey, string(data)).SetVal(1)

	require.NoError(t, pub.PublishOrderbook(ctx, ob))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishTrade_WritesStream(t *testing.T) {
	pub, mock := newTestPublisher()
	ctx := context.Background()

	tr := event.TradeEvent{
		ExchName: "kraken",
		Symbol:   "XBT-USDT",
		Trades:   []event.Trade{{Price: decimal.NewFromInt(30000), Qty: decimal.NewFromInt(1), Side: event.Buy}},
	}
	data, err := json.Marshal(tr)
	require.NoError(t, err)

	streamKey := "trades:kraken:XBT-USDT"
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: streamKey,
		MaxLen: pub.tradeMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).SetVal("1-0")

	require.NoError(t, pub.PublishTrade(ctx, tr))
	require.NoError(t, mock.ExpectationsWereMet())
}
