package streamclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/codec"
	"marketfeed/internal/event"
	"marketfeed/internal/transport"
)

// fakeConn feeds a caller-supplied sequence of frames to ReadMessage
// and records every frame written to it.
type fakeConn struct {
	mu       sync.Mutex
	frames   chan []byte
	written  [][]byte
	closed   bool
	closedCh chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 32), closedCh: make(chan struct{})}
}

func (c *fakeConn) push(frame []byte) { c.frames <- frame }

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closedCh:
		return nil, context.Canceled
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type fakeFetcher struct {
	body []byte
	err  error
}

func (f *fakeFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	return f.body, f.err
}

// fakeCodec is a minimal WireCodec + SnapshotDecoder over a trivial
// line protocol so tests don't depend on a real venue's wire format:
// {"kind":"book","first":n,"last":n} / {"kind":"trade"} /
// {"kind":"other"}.
type fakeCodec struct{}

type fakeFrame struct {
	Kind  string `json:"kind"`
	First uint64 `json:"first"`
	Last  uint64 `json:"last"`
}

var _ codec.WireCodec = (*fakeCodec)(nil)
var _ codec.SnapshotDecoder = (*fakeCodec)(nil)

func (fakeCodec) Venue() string { return "fake" }

func (fakeCodec) EncodeSubscribe(stream event.StreamKind, wsSymbols []string) ([]byte, error) {
	return []byte(`{"kind":"subscribe"}`), nil
}

func (fakeCodec) Classify(frame []byte) (codec.FrameKind, error) {
	var f fakeFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return codec.Other, err
	}
	switch f.Kind {
	case "book":
		return codec.Book, nil
	case "trade":
		return codec.Trade, nil
	default:
		return codec.Other, nil
	}
}

func (fakeCodec) DecodeBook(frame []byte, symbol string) (event.OrderbookEvent, error) {
	var f fakeFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return event.OrderbookEvent{}, err
	}
	return event.OrderbookEvent{
		Symbol: symbol,
		Kind:   event.Update,
		Cursor: event.Cursor{Valid: true, FirstUpdateID: f.First, LastUpdateID: f.Last},
	}, nil
}

func (fakeCodec) DecodeTrade(frame []byte, symbol string) (event.TradeEvent, error) {
	return event.TradeEvent{Symbol: symbol}, nil
}

func (fakeCodec) DecodeSnapshot(body []byte, symbol string, tsExchangeNs int64) (event.OrderbookEvent, error) {
	return event.OrderbookEvent{
		Symbol: symbol,
		Kind:   event.Snapshot,
		Cursor: event.Cursor{Valid: true, LastUpdateID: 100},
	}, nil
}

func bookFrame(first, last uint64) []byte {
	b, _ := json.Marshal(fakeFrame{Kind: "book", First: first, Last: last})
	return b
}

func TestClient_StreamsTradesWithoutResync(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conn: conn}
	log := zerolog.Nop()

	client := New(Config{Venue: "fake", WSURL: "ws://fake", Stream: event.Trades, WSSymbol: "BTCUSDT", CanonicalSymbol: "BTC-USDT"}, fakeCodec{}, dialer, nil, log)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	conn.push([]byte(`{"kind":"trade"}`))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := client.Recv(ctx)
	require.NoError(t, err)
	tr, ok := ev.(*event.TradeEvent)
	require.True(t, ok)
	assert.Equal(t, "BTC-USDT", tr.Symbol)
}

func TestClient_ResyncBuffersThenReconciles(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conn: conn}
	fetcher := &fakeFetcher{body: []byte(`{}`)}
	log := zerolog.Nop()

	client := New(Config{
		Venue: "fake", WSURL: "ws://fake", Stream: event.Book,
		WSSymbol: "BTCUSDT", CanonicalSymbol: "BTC-USDT",
		SnapshotURL: "http://fake/snapshot", MaxBuffer: 10,
	}, fakeCodec{}, dialer, fetcher, log)

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	// Pre-snapshot delta that should extend the eventual snapshot
	// (lastUpdateId=100) gap-free.
	conn.push(bookFrame(101, 103))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	first, err := client.Recv(ctx)
	require.NoError(t, err)
	snap, ok := first.(*event.OrderbookEvent)
	require.True(t, ok)
	assert.Equal(t, event.Snapshot, snap.Kind)

	second, err := client.Recv(ctx)
	require.NoError(t, err)
	delta, ok := second.(*event.OrderbookEvent)
	require.True(t, ok)
	assert.Equal(t, uint64(101), delta.Cursor.FirstUpdateID)
}

func TestClient_TransportFailureFaultsAndClosesOut(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conn: conn}
	log := zerolog.Nop()

	client := New(Config{Venue: "fake", WSURL: "ws://fake", Stream: event.Trades, WSSymbol: "BTCUSDT", CanonicalSymbol: "BTC-USDT"}, fakeCodec{}, dialer, nil, log)
	require.NoError(t, client.Connect(context.Background()))

	conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Recv(ctx)
	require.Error(t, err)
	assert.Equal(t, Faulted, client.State())

	client.Close()
}

func TestJitteredBackoff_NeverExceedsMax(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := JitteredBackoff(10*time.Second, 15*time.Second)
		assert.LessOrEqual(t, d, 15*time.Second)
	}
}
