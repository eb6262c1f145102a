package multiplexer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/codec"
	"marketfeed/internal/event"
	"marketfeed/internal/transport"
)

type fakeConn struct {
	frames chan []byte
	done   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 8), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		return nil, context.Canceled
	}
}
func (c *fakeConn) WriteMessage(data []byte) error { return nil }
func (c *fakeConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

type fakeDialer struct{ conn *fakeConn }

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	return d.conn, nil
}

type fakeFetcher struct{}

func (fakeFetcher) Get(ctx context.Context, url string) ([]byte, error) { return nil, nil }

type fakeCodec struct{}

var _ codec.WireCodec = fakeCodec{}

func (fakeCodec) Venue() string { return "fake" }
func (fakeCodec) EncodeSubscribe(stream event.StreamKind, wsSymbols []string) ([]byte, error) {
	return []byte(`{}`), nil
}
func (fakeCodec) Classify(frame []byte) (codec.FrameKind, error) {
	var f struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(frame, &f); err != nil {
		return codec.Other, err
	}
	if f.Kind == "trade" {
		return codec.Trade, nil
	}
	return codec.Other, nil
}
func (fakeCodec) DecodeBook(frame []byte, symbol string) (event.OrderbookEvent, error) {
	return event.OrderbookEvent{Symbol: symbol}, nil
}
func (fakeCodec) DecodeTrade(frame []byte, symbol string) (event.TradeEvent, error) {
	return event.TradeEvent{Symbol: symbol}, nil
}

func TestMultiplexer_TagsEventsWithTheirSubscription(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conn: conn}

	mux := New(dialer, fakeFetcher{}, zerolog.Nop(), 16)

	sub := Subscription{
		Venue: "fake", CanonicalSymbol: "BTC-USDT", WSSymbol: "BTCUSDT",
		Stream: event.Trades, WSURL: "ws://fake", Codec: fakeCodec{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, mux.Connect(ctx, []Subscription{sub}))

	conn.frames <- []byte(`{"kind":"trade"}`)

	recvCtx, recvCancel := context.WithTimeout(context.Background(), time.Second)
	defer recvCancel()

	tagged, err := mux.Recv(recvCtx)
	require.NoError(t, err)
	assert.Equal(t, "fake", tagged.Subscription.Venue)
	assert.Equal(t, "BTC-USDT", tagged.Subscription.CanonicalSymbol)

	tr, ok := tagged.Event.(*event.TradeEvent)
	require.True(t, ok)
	assert.Equal(t, "BTC-USDT", tr.Symbol)

	assert.NoError(t, mux.Close())
}

func TestMultiplexer_CloseWithNoSubscriptionsIsSafe(t *testing.T) {
	mux := New(&fakeDialer{conn: newFakeConn()}, fakeFetcher{}, zerolog.Nop(), 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, mux.Connect(ctx, nil))
	assert.NoError(t, mux.Close())
}
