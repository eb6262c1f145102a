// Package resync implements Binance-style order book
// resynchronization: buffering live deltas until a REST snapshot
// arrives, then replaying only the deltas that extend it gap-free.
package resync

import (
	"context"
	"time"

	"marketfeed/internal/codec"
	"marketfeed/internal/event"
	"marketfeed/internal/transport"
	"marketfeed/internal/xerrors"
)

// DefaultMaxBuffer is the pending-queue bound above which an overflow
// is raised. 100 matches the upstream default.
const DefaultMaxBuffer = 100

// PreSnapshotDelay is the wait before the first REST snapshot request,
// giving the socket buffer time to start filling. Correctness depends
// only on the buffer retaining every delta with u >= L+1, not on this
// exact duration; it is kept as a literal constant for fidelity to the
// system this algorithm was modeled on rather than because a shorter
// value is known to be unsafe.
const PreSnapshotDelay = 1 * time.Second

// Buffer reconciles a Binance depth delta stream with a REST
// snapshot. It is not safe for concurrent use; one Buffer belongs to
// one StreamClient.
type Buffer struct {
	venue  string
	symbol string

	maxBuffer int
	pending   []event.OrderbookEvent

	lastUpdateID      uint64
	handledFirstEvent bool
}

func NewBuffer(venue, symbol string, maxBuffer int) *Buffer {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &Buffer{venue: venue, symbol: symbol, maxBuffer: maxBuffer}
}

// BufferEvent appends a pre-snapshot delta to the pending queue. It
// returns ResyncOverflow once the queue has grown past maxBuffer,
// which the caller treats as fatal for the owning StreamClient.
func (b *Buffer) BufferEvent(ev event.OrderbookEvent) error {
	if len(b.pending) >= b.maxBuffer {
		return &xerrors.ResyncOverflow{Venue: b.venue, Symbol: b.symbol, MaxBuffer: b.maxBuffer}
	}
	b.pending = append(b.pending, ev)
	return nil
}

// Expected reports the update id a delta must carry as its first_update_id
// to be considered contiguous right now. Used for diagnostics on gap.
func (b *Buffer) Expected() uint64 {
	return b.lastUpdateID + 1
}

func (b *Buffer) isFirstEventValid(fid, lid uint64) bool {
	if fid <= b.lastUpdateID+1 && lid >= b.lastUpdateID+1 {
		b.handledFirstEvent = true
		return true
	}
	return false
}

func (b *Buffer) isEventValid(fid, lid uint64) bool {
	if !b.handledFirstEvent {
		return b.isFirstEventValid(fid, lid)
	}
	return fid == b.lastUpdateID+1
}

// IsEventValid reports whether ev logically follows the last accepted
// event, advancing the cursor as a side effect when it does. Callers
// must enqueue ev downstream immediately when this returns true.
func (b *Buffer) IsEventValid(ev event.OrderbookEvent) bool {
	fid, lid := ev.Cursor.FirstUpdateID, ev.Cursor.LastUpdateID
	if b.isEventValid(fid, lid) {
		b.lastUpdateID = lid
		return true
	}
	return false
}

// FlushToQueue reconciles the pending buffer against a freshly
// arrived snapshot, returning, in emission order, the subset of
// pending deltas that extend the snapshot gap-free. The snapshot
// itself is not included; callers emit it first per the ordering
// spec.md requires.
func (b *Buffer) FlushToQueue(snapshot event.OrderbookEvent) []event.OrderbookEvent {
	b.lastUpdateID = snapshot.Cursor.LastUpdateID
	b.handledFirstEvent = false

	var toEmit []event.OrderbookEvent
	for _, ev := range b.pending {
		fid, lid := ev.Cursor.FirstUpdateID, ev.Cursor.LastUpdateID
		if b.isEventValid(fid, lid) {
			toEmit = append(toEmit, ev)
			b.lastUpdateID = lid
		}
	}
	b.pending = nil
	return toEmit
}

// Reset clears all resync state, forcing the next snapshot to
// reinitialize the cursor from scratch. Called on ResyncGap.
func (b *Buffer) Reset() {
	b.pending = nil
	b.lastUpdateID = 0
	b.handledFirstEvent = false
}

// FetchSnapshot performs the one-shot REST snapshot request that
// seeds resynchronization: wait PreSnapshotDelay, then GET and decode
// the venue's snapshot endpoint. tsExchangeNs is derived as the
// midpoint of the request's round trip since the REST response
// carries no exchange-side timestamp of its own.
func FetchSnapshot(ctx context.Context, fetcher transport.HTTPFetcher, dec codec.SnapshotDecoder, url, symbol string, clock func() time.Time) (event.OrderbookEvent, error) {
	select {
	case <-time.After(PreSnapshotDelay):
	case <-ctx.Done():
		return event.OrderbookEvent{}, ctx.Err()
	}

	before := clock()
	body, err := fetcher.Get(ctx, url)
	if err != nil {
		return event.OrderbookEvent{}, err
	}
	after := clock()

	tsExchangeNs := before.Add(after.Sub(before) / 2).UnixNano()
	return dec.DecodeSnapshot(body, symbol, tsExchangeNs)
}
