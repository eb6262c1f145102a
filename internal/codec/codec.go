// Package codec defines the venue-agnostic wire contract: encoding
// subscription frames and decoding book/trade frames into the shared
// event schema. Each venue ships its own implementation under a
// subpackage (codec/binance, codec/kraken); StreamClient holds a
// WireCodec value and never branches on venue itself.
package codec

import "marketfeed/internal/event"

// FrameKind is the result of classifying one inbound text frame
// before it is decoded.
type FrameKind int

const (
	Other FrameKind = iota
	Heartbeat
	Book
	Trade
)

func (k FrameKind) String() string {
	switch k {
	case Heartbeat:
		return "heartbeat"
	case Book:
		return "book"
	case Trade:
		return "trade"
	default:
		return "other"
	}
}

// WireCodec translates between one venue's byte-level protocol and
// the normalized event types. Implementations hold no connection
// state; they are pure translators plus a monotonic subscription-id
// counter.
type WireCodec interface {
	// Venue returns the lowercase venue tag used in error messages and
	// event.OrderbookEvent.ExchName / event.TradeEvent.ExchName.
	Venue() string

	// EncodeSubscribe builds the subscription frame for one stream
	// kind over the given venue-spelled symbols.
	EncodeSubscribe(stream event.StreamKind, wsSymbols []string) ([]byte, error)

	// Classify inspects a raw inbound frame without fully decoding it.
	Classify(frame []byte) (FrameKind, error)

	// DecodeBook turns a frame already classified as Book into an
	// OrderbookEvent for the given canonical symbol.
	DecodeBook(frame []byte, symbol string) (event.OrderbookEvent, error)

	// DecodeTrade turns a frame already classified as Trade into a
	// TradeEvent for the given canonical symbol.
	DecodeTrade(frame []byte, symbol string) (event.TradeEvent, error)
}

// SnapshotDecoder is implemented by codecs whose venue requires a
// REST snapshot to seed resynchronization (Binance). Venues that
// carry snapshots inline in the book stream (Kraken) don't implement
// it; callers type-assert before using it.
type SnapshotDecoder interface {
	DecodeSnapshot(body []byte, symbol string, tsExchangeNs int64) (event.OrderbookEvent, error)
}
