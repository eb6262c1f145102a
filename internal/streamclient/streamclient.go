// Package streamclient manages one venue connection: subscribing,
// decoding, and — for venues that need it — resynchronizing a single
// stream of book and trade events.
package streamclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"marketfeed/internal/codec"
	"marketfeed/internal/event"
	"marketfeed/internal/metrics"
	"marketfeed/internal/resync"
	"marketfeed/internal/transport"
	"marketfeed/internal/xerrors"
)

// State is one point in the Idle -> Connecting -> Subscribed ->
// Streaming -> (Closing | Faulted) -> Idle machine.
type State string

const (
	Idle       State = "idle"
	Connecting State = "connecting"
	Subscribed State = "subscribed"
	Streaming  State = "streaming"
	Closing    State = "closing"
	Faulted    State = "faulted"
)

// Event is the union type emitted by recv: either an
// *event.OrderbookEvent or an *event.TradeEvent.
type Event any

// Config parameterizes one Client instance.
type Config struct {
	Venue           string
	WSURL           string
	Stream          event.StreamKind
	WSSymbol        string // venue-spelled symbol used in the subscribe frame
	CanonicalSymbol string

	QueueSize   int           // outgoing queue bound; default 256
	RecvTimeout time.Duration // Recv's wait before it logs and retries; default 10s

	// SnapshotURL, when non-empty, triggers Binance-style resync: a
	// REST snapshot is fetched once after subscribing and reconciled
	// against buffered deltas via internal/resync.
	SnapshotURL string
	MaxBuffer   int
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RecvTimeout <= 0 {
		c.RecvTimeout = 10 * time.Second
	}
}

// Client manages one (venue, stream kind, symbol) connection.
type Client struct {
	cfg     Config
	codec   codec.WireCodec
	dialer  transport.Dialer
	fetcher transport.HTTPFetcher
	log     zerolog.Logger
	breaker *gobreaker.CircuitBreaker

	mu    sync.Mutex
	state State
	conn  transport.Conn

	out     chan Event
	rawBook chan event.OrderbookEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Client. dialer and fetcher may be fakes in tests;
// fetcher is unused unless cfg.SnapshotURL is set.
func New(cfg Config, c codec.WireCodec, dialer transport.Dialer, fetcher transport.HTTPFetcher, log zerolog.Logger) *Client {
	cfg.setDefaults()

	breakerSettings := gobreaker.Settings{
		Name:        fmt.Sprintf("%s/%s/%s", cfg.Venue, cfg.Stream, cfg.CanonicalSymbol),
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
	}

	return &Client{
		cfg:     cfg,
		codec:   c,
		dialer:  dialer,
		fetcher: fetcher,
		log:     log.With().Str("venue", cfg.Venue).Str("symbol", cfg.CanonicalSymbol).Str("stream", string(cfg.Stream)).Logger(),
		breaker: gobreaker.NewCircuitBreaker(breakerSettings),
		state:   Idle,
		out:     make(chan Event, cfg.QueueSize),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect opens the transport, subscribes, and starts the background
// receive loop. Idempotent while Streaming.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() == Streaming {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	conn, err := c.connectWithBreaker(runCtx)
	if err != nil {
		c.setState(Faulted)
		return err
	}
	c.conn = conn

	frame, err := c.codec.EncodeSubscribe(c.cfg.Stream, []string{c.cfg.WSSymbol})
	if err != nil {
		c.setState(Faulted)
		return err
	}
	if err := conn.WriteMessage(frame); err != nil {
		c.setState(Faulted)
		return &xerrors.TransportError{Venue: c.cfg.Venue, Cause: err}
	}
	c.setState(Subscribed)

	if c.cfg.SnapshotURL != "" {
		c.rawBook = make(chan event.OrderbookEvent, c.cfg.QueueSize)
	}

	c.wg.Add(1)
	go c.readLoop(runCtx)

	if c.cfg.SnapshotURL != "" {
		c.wg.Add(1)
		go c.runResync(runCtx)
	}

	return nil
}

func (c *Client) connectWithBreaker(ctx context.Context) (transport.Conn, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		c.setState(Connecting)
		return c.dialer.Dial(ctx, c.cfg.WSURL)
	})
	if err != nil {
		return nil, &xerrors.TransportError{Venue: c.cfg.Venue, Cause: err}
	}
	return result.(transport.Conn), nil
}

// readLoop reads frames until a terminal transport error or cancel.
// Trade events and, for venues without resync, book events are
// enqueued directly. Book events for resync venues are handed to
// runResync over rawBook.
func (c *Client) readLoop(ctx context.Context) {
	defer c.wg.Done()

	rawBook := c.rawBook

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := c.conn.ReadMessage()
		if err != nil {
			c.setState(Faulted)
			c.deliver(ctx, &xerrors.TransportError{Venue: c.cfg.Venue, Cause: err})
			return
		}
		c.setState(Streaming)

		kind, err := c.codec.Classify(frame)
		if err != nil {
			metrics.RecordFrameDropped(c.cfg.Venue, "unclassifiable")
			c.log.Warn().Err(err).Msg("dropping unclassifiable frame")
			continue
		}

		switch kind {
		case codec.Book:
			ob, err := c.codec.DecodeBook(frame, c.cfg.CanonicalSymbol)
			if err != nil {
				metrics.RecordFrameDropped(c.cfg.Venue, "book")
				c.log.Warn().Err(err).Msg("dropping malformed book frame")
				continue
			}
			metrics.RecordFrameDecoded(c.cfg.Venue, "book")
			if rawBook != nil {
				select {
				case rawBook <- ob:
				case <-ctx.Done():
					return
				}
			} else {
				select {
				case c.out <- &ob:
				case <-ctx.Done():
					return
				}
			}
		case codec.Trade:
			tr, err := c.codec.DecodeTrade(frame, c.cfg.CanonicalSymbol)
			if err != nil {
				metrics.RecordFrameDropped(c.cfg.Venue, "trade")
				c.log.Warn().Err(err).Msg("dropping malformed trade frame")
				continue
			}
			metrics.RecordFrameDecoded(c.cfg.Venue, "trade")
			select {
			case c.out <- &tr:
			case <-ctx.Done():
				return
			}
		case codec.Heartbeat, codec.Other:
			// dropped
		}
	}
}

// runResync owns the resync.Buffer exclusively: it fetches the
// snapshot, then merges it with whatever deltas readLoop staged on
// rawBook, emitting a gap-free sequence onto out. On a gap it resets
// the buffer and fetches a fresh snapshot.
func (c *Client) runResync(ctx context.Context) {
	defer c.wg.Done()

	rawBook := c.rawBook
	buf := resync.NewBuffer(c.cfg.Venue, c.cfg.CanonicalSymbol, c.cfg.MaxBuffer)

	snapshotDecoder, ok := c.codec.(codec.SnapshotDecoder)
	if !ok {
		c.log.Error().Msg("resync configured but codec does not decode snapshots")
		return
	}

	snapshotCh := make(chan event.OrderbookEvent, 1)
	errCh := make(chan error, 1)
	go c.fetchSnapshot(ctx, snapshotDecoder, snapshotCh, errCh)

	synced := false
	for {
		select {
		case <-ctx.Done():
			return

		case err := <-errCh:
			c.log.Error().Err(err).Msg("snapshot fetch failed")
			return

		case snap := <-snapshotCh:
			if !c.emit(ctx, &snap) {
				return
			}
			for _, ev := range buf.FlushToQueue(snap) {
				ev := ev
				if !c.emit(ctx, &ev) {
					return
				}
			}
			synced = true

		case ob := <-rawBook:
			if !synced {
				if err := buf.BufferEvent(ob); err != nil {
					metrics.RecordResyncOverflow(c.cfg.Venue, c.cfg.CanonicalSymbol)
					c.log.Error().Err(err).Msg("resync buffer overflow")
					c.setState(Faulted)
					return
				}
				continue
			}

			if buf.IsEventValid(ob) {
				if !c.emit(ctx, &ob) {
					return
				}
				continue
			}

			gap := &xerrors.ResyncGap{
				Venue:    c.cfg.Venue,
				Symbol:   c.cfg.CanonicalSymbol,
				Expected: buf.Expected(),
				Got:      ob.Cursor.FirstUpdateID,
			}
			metrics.RecordResyncGap(c.cfg.Venue, c.cfg.CanonicalSymbol)
			c.log.Warn().Err(gap).Msg("resync gap detected, re-arming snapshot fetch")
			buf.Reset()
			synced = false
			go c.fetchSnapshot(ctx, snapshotDecoder, snapshotCh, errCh)
		}
	}
}

// fetchSnapshot wraps resync.FetchSnapshot with REST fetch metrics and
// delivers the result on snapshotCh/errCh.
func (c *Client) fetchSnapshot(ctx context.Context, dec codec.SnapshotDecoder, snapshotCh chan<- event.OrderbookEvent, errCh chan<- error) {
	timer := metrics.NewTimer()
	snap, err := resync.FetchSnapshot(ctx, c.fetcher, dec, c.cfg.SnapshotURL, c.cfg.CanonicalSymbol, time.Now)
	timer.ObserveDuration(metrics.RestFetchDuration, c.cfg.Venue, "snapshot")
	if err != nil {
		metrics.RestFetchErrors.WithLabelValues(c.cfg.Venue, "snapshot").Inc()
		errCh <- err
		return
	}
	snapshotCh <- snap
}

func (c *Client) emit(ctx context.Context, ob *event.OrderbookEvent) bool {
	select {
	case c.out <- ob:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) deliver(ctx context.Context, err error) {
	select {
	case c.out <- err:
	case <-ctx.Done():
	}
}

// Recv returns the next event, or an error when the receive loop
// delivered a terminal transport failure or the client was closed. It carries its own
// per-call timeout (cfg.RecvTimeout): on expiry it logs and retries
// rather than returning, so a caller only sees a Timeout surface by
// way of the caller's own ctx expiring first.
func (c *Client) Recv(ctx context.Context) (Event, error) {
	for {
		timer := time.NewTimer(c.cfg.RecvTimeout)
		select {
		case ev, ok := <-c.out:
			timer.Stop()
			if !ok {
				return nil, &xerrors.TransportError{Venue: c.cfg.Venue, Cause: errors.New("client closed")}
			}
			if err, isErr := ev.(error); isErr {
				return nil, err
			}
			return ev, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			c.log.Debug().Err(&xerrors.Timeout{Op: "recv"}).Msg("recv timed out, retrying")
		}
	}
}

// Close cancels the receive loop and closes the transport. Safe to
// call multiple times.
func (c *Client) Close() error {
	c.setState(Closing)
	if c.cancel != nil {
		c.cancel()
	}

	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	c.wg.Wait()
	close(c.out)
	c.setState(Idle)
	return err
}

// WithClient runs fn with a connected Client, guaranteeing Close on
// every exit path.
func WithClient(ctx context.Context, cfg Config, c codec.WireCodec, dialer transport.Dialer, fetcher transport.HTTPFetcher, log zerolog.Logger, fn func(*Client) error) error {
	client := New(cfg, c, dialer, fetcher, log)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

// JitteredBackoff returns current plus up to current/2 of random
// jitter, capped at max. The multiplexer uses it to space out
// reconnect attempts for a faulted client.
func JitteredBackoff(current, max time.Duration) time.Duration {
	if current > max {
		current = max
	}
	jitter := time.Duration(rand.Int63n(int64(current)/2 + 1))
	if current+jitter > max {
		return max
	}
	return current + jitter
}

// Config returns a copy of the client's configuration, used by the
// multiplexer to rebuild a fresh client after a fault.
func (c *Client) Config() Config { return c.cfg }
