// Package multiplexer fans many streamclient.Clients into one typed,
// arrival-ordered event stream, and supervises reconnection for
// clients that fault.
package multiplexer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketfeed/internal/codec"
	"marketfeed/internal/event"
	"marketfeed/internal/metrics"
	"marketfeed/internal/streamclient"
	"marketfeed/internal/transport"
)

// Subscription names one (venue, symbol, stream) the multiplexer
// should maintain a client for.
type Subscription struct {
	Venue           string
	CanonicalSymbol string
	WSSymbol        string
	Stream          event.StreamKind
	WSURL           string
	SnapshotURL     string // non-empty only for resync venues
	MaxBuffer       int
	Codec           codec.WireCodec

	InitialBackoff time.Duration // reconnect backoff floor; default 1s
	MaxBackoff     time.Duration // reconnect backoff ceiling; default 30s
}

// TaggedEvent carries one client's event plus the subscription it
// came from, so the consumer can route it without re-deriving venue
// and symbol from the event payload.
type TaggedEvent struct {
	Subscription Subscription
	Event        streamclient.Event
}

// Multiplexer owns a fixed set of StreamClients for the lifetime of
// one Connect/Close cycle.
type Multiplexer struct {
	dialer    transport.Dialer
	fetcher   transport.HTTPFetcher
	log       zerolog.Logger
	queueSize int

	out chan TaggedEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(dialer transport.Dialer, fetcher transport.HTTPFetcher, log zerolog.Logger, queueSize int) *Multiplexer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Multiplexer{
		dialer:    dialer,
		fetcher:   fetcher,
		log:       log,
		queueSize: queueSize,
		out:       make(chan TaggedEvent, queueSize),
	}
}

// Connect starts one supervised goroutine per subscription. Each
// goroutine owns its StreamClient's full lifecycle, including
// reconnects, until ctx is cancelled or Close is called.
func (m *Multiplexer) Connect(ctx context.Context, subs []Subscription) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, sub := range subs {
		sub := sub
		m.wg.Add(1)
		go m.supervise(runCtx, sub)
	}
	return nil
}

// supervise owns one subscription's client for the multiplexer's
// lifetime: on any terminal error it closes the client, waits a
// jittered backoff, and reconnects from scratch (a fresh client means
// a fresh resync.Buffer, matching the "re-arm from scratch" recovery
// policy).
func (m *Multiplexer) supervise(ctx context.Context, sub Subscription) {
	defer m.wg.Done()

	cfg := streamclient.Config{
		Venue:           sub.Venue,
		WSURL:           sub.WSURL,
		Stream:          sub.Stream,
		WSSymbol:        sub.WSSymbol,
		CanonicalSymbol: sub.CanonicalSymbol,
		QueueSize:       m.queueSize,
		SnapshotURL:     sub.SnapshotURL,
		MaxBuffer:       sub.MaxBuffer,
	}

	initialBackoff := sub.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}
	maxBackoff := sub.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		client := streamclient.New(cfg, sub.Codec, m.dialer, m.fetcher, m.log)
		if err := client.Connect(ctx); err != nil {
			metrics.RecordConnectionError(sub.Venue, "connect_failed")
			m.log.Error().Err(err).Str("venue", sub.Venue).Str("symbol", sub.CanonicalSymbol).Msg("connect failed, backing off")
			if !m.sleep(ctx, streamclient.JitteredBackoff(backoff, maxBackoff)) {
				return
			}
			backoff = streamclient.JitteredBackoff(backoff, maxBackoff) * 2
			continue
		}
		backoff = initialBackoff
		metrics.RecordConnectionStatus(sub.Venue, true)

		faulted := m.drain(ctx, sub, client)
		client.Close()
		metrics.RecordConnectionStatus(sub.Venue, false)
		if !faulted {
			return // ctx cancelled, clean shutdown
		}
		metrics.RecordReconnect(sub.Venue)

		if !m.sleep(ctx, streamclient.JitteredBackoff(backoff, maxBackoff)) {
			return
		}
	}
}

// drain forwards events from client to the shared output queue until
// ctx is cancelled (returns false) or the client faults (returns
// true, so the caller reconnects).
func (m *Multiplexer) drain(ctx context.Context, sub Subscription, client *streamclient.Client) bool {
	for {
		ev, err := client.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			m.log.Warn().Err(err).Str("venue", sub.Venue).Str("symbol", sub.CanonicalSymbol).Msg("client faulted")
			return true
		}

		select {
		case m.out <- TaggedEvent{Subscription: sub, Event: ev}:
		case <-ctx.Done():
			return false
		}
	}
}

func (m *Multiplexer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// Recv returns the next event from any subscribed client, in arrival
// order across the whole set.
func (m *Multiplexer) Recv(ctx context.Context) (TaggedEvent, error) {
	select {
	case ev := <-m.out:
		return ev, nil
	case <-ctx.Done():
		return TaggedEvent{}, ctx.Err()
	}
}

// Close cancels every supervised client and waits for them to finish
// draining.
func (m *Multiplexer) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}
