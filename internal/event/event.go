// Package event holds the normalized market data schema shared by every
// venue codec, the resync buffer, the order book, and the multiplexer.
package event

import (
	"github.com/shopspring/decimal"
)

// OBEventKind distinguishes a full book replacement from an incremental
// delta.
type OBEventKind string

const (
	Snapshot OBEventKind = "snapshot"
	Update   OBEventKind = "update"
)

// TradeSide is the aggressor side of a trade.
type TradeSide string

const (
	Buy  TradeSide = "buy"
	Sell TradeSide = "sell"
)

// StreamKind selects which channel a StreamClient subscribes to.
type StreamKind string

const (
	Book   StreamKind = "book"
	Trades StreamKind = "trades"
)

// Level is a single price/quantity aggregation. A Qty of zero is a
// delete marker in Update events; it never appears in a materialized
// book.
type Level struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// IsDelete reports whether this level represents a removal.
func (l Level) IsDelete() bool {
	return l.Qty.Sign() <= 0
}

// Cursor carries Binance-style resync metadata. Valid is false for
// venues (e.g. Kraken) that don't need update-id reconciliation.
type Cursor struct {
	Valid         bool
	FirstUpdateID uint64
	LastUpdateID  uint64
}

// OrderbookEvent is a normalized book snapshot or delta from one venue.
type OrderbookEvent struct {
	ExchName     string
	Symbol       string
	Kind         OBEventKind
	Bids         []Level // descending by price
	Asks         []Level // ascending by price
	TsExchangeNs int64
	TsRecordedNs int64
	Cursor       Cursor
}

// Trade is a single executed trade.
type Trade struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
	Side  TradeSide
}

// TradeEvent is a normalized batch of trades from one venue frame.
type TradeEvent struct {
	ExchName     string
	Symbol       string
	TsExchangeNs int64
	TsRecordedNs int64
	Trades       []Trade
}
