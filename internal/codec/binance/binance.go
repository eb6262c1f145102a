// Package binance implements codec.WireCodec for Binance's combined
// depth/aggTrade WebSocket stream plus its REST order book snapshot
// response.
package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"marketfeed/internal/codec"
	"marketfeed/internal/event"
	"marketfeed/internal/xerrors"
)

// Codec is Binance's codec.WireCodec implementation. The zero value
// is ready to use.
type Codec struct {
	reqID uint64
}

var _ codec.WireCodec = (*Codec)(nil)
var _ codec.SnapshotDecoder = (*Codec)(nil)

func New() *Codec { return &Codec{} }

func (c *Codec) Venue() string { return "binance" }

type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

// EncodeSubscribe builds {"method":"SUBSCRIBE","params":[...],"id":n}.
// The id is unique per Codec instance, matching the one-codec-per-client
// lifetime StreamClient assigns.
func (c *Codec) EncodeSubscribe(stream event.StreamKind, wsSymbols []string) ([]byte, error) {
	var suffix string
	switch stream {
	case event.Book:
		suffix = "@depth@100ms"
	case event.Trades:
		suffix = "@aggTrade"
	default:
		return nil, &xerrors.ConfigError{Reason: fmt.Sprintf("binance: unsupported stream kind %q", stream)}
	}

	params := make([]string, len(wsSymbols))
	for i, s := range wsSymbols {
		params[i] = strings.ToLower(s) + suffix
	}

	frame := subscribeFrame{
		Method: "SUBSCRIBE",
		Params: params,
		ID:     atomic.AddUint64(&c.reqID, 1),
	}
	return json.Marshal(frame)
}

type eventTypeFrame struct {
	EventType string `json:"e"`
}

// Classify dispatches on the "e" field. Subscription acks and other
// control frames have no "e" field and classify as Other.
func (c *Codec) Classify(frame []byte) (codec.FrameKind, error) {
	var et eventTypeFrame
	if err := json.Unmarshal(frame, &et); err != nil {
		return codec.Other, &xerrors.DecodeError{Venue: c.Venue(), Reason: "frame is not a JSON object", Cause: err}
	}

	switch et.EventType {
	case "depthUpdate":
		return codec.Book, nil
	case "aggTrade":
		return codec.Trade, nil
	default:
		return codec.Other, nil
	}
}

type rawLevel [2]string

func (l rawLevel) decode(venue string) (event.Level, error) {
	price, err := decimal.NewFromString(l[0])
	if err != nil {
		return event.Level{}, &xerrors.DecodeError{Venue: venue, Reason: "invalid level price", Cause: err}
	}
	qty, err := decimal.NewFromString(l[1])
	if err != nil {
		return event.Level{}, &xerrors.DecodeError{Venue: venue, Reason: "invalid level qty", Cause: err}
	}
	return event.Level{Price: price, Qty: qty}, nil
}

func decodeLevels(venue string, raw []rawLevel) ([]event.Level, error) {
	levels := make([]event.Level, 0, len(raw))
	for _, r := range raw {
		lvl, err := r.decode(venue)
		if err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

type depthUpdateFrame struct {
	EventTimeMs   int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID uint64     `json:"U"`
	FinalUpdateID uint64     `json:"u"`
	Bids          []rawLevel `json:"b"`
	Asks          []rawLevel `json:"a"`
}

// DecodeBook decodes a depthUpdate frame. Binance deltas are always
// Update; Binance never emits a snapshot over the WebSocket.
func (c *Codec) DecodeBook(frame []byte, symbol string) (event.OrderbookEvent, error) {
	var d depthUpdateFrame
	if err := json.Unmarshal(frame, &d); err != nil {
		return event.OrderbookEvent{}, &xerrors.DecodeError{Venue: c.Venue(), Reason: "malformed depthUpdate frame", Cause: err}
	}

	bids, err := decodeLevels(c.Venue(), d.Bids)
	if err != nil {
		return event.OrderbookEvent{}, err
	}
	asks, err := decodeLevels(c.Venue(), d.Asks)
	if err != nil {
		return event.OrderbookEvent{}, err
	}

	return event.OrderbookEvent{
		ExchName:     c.Venue(),
		Symbol:       symbol,
		Kind:         event.Update,
		Bids:         bids,
		Asks:         asks,
		TsExchangeNs: d.EventTimeMs * int64(time.Millisecond),
		TsRecordedNs: time.Now().UnixNano(),
		Cursor: event.Cursor{
			Valid:         true,
			FirstUpdateID: d.FirstUpdateID,
			LastUpdateID:  d.FinalUpdateID,
		},
	}, nil
}

type aggTradeFrame struct {
	TradeTimeMs  int64  `json:"T"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	IsBuyerMaker bool   `json:"m"`
}

// DecodeTrade decodes an aggTrade frame. Binance's "m" flag is true
// when the buyer is the maker, which makes the trade a sell from the
// taker's perspective.
func (c *Codec) DecodeTrade(frame []byte, symbol string) (event.TradeEvent, error) {
	var t aggTradeFrame
	if err := json.Unmarshal(frame, &t); err != nil {
		return event.TradeEvent{}, &xerrors.DecodeError{Venue: c.Venue(), Reason: "malformed aggTrade frame", Cause: err}
	}

	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return event.TradeEvent{}, &xerrors.DecodeError{Venue: c.Venue(), Reason: "invalid trade price", Cause: err}
	}
	qty, err := decimal.NewFromString(t.Qty)
	if err != nil {
		return event.TradeEvent{}, &xerrors.DecodeError{Venue: c.Venue(), Reason: "invalid trade qty", Cause: err}
	}

	side := event.Buy
	if t.IsBuyerMaker {
		side = event.Sell
	}

	return event.TradeEvent{
		ExchName:     c.Venue(),
		Symbol:       symbol,
		TsExchangeNs: t.TradeTimeMs * int64(time.Millisecond),
		TsRecordedNs: time.Now().UnixNano(),
		Trades: []event.Trade{{
			Price: price,
			Qty:   qty,
			Side:  side,
		}},
	}, nil
}

type snapshotBody struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         []rawLevel `json:"bids"`
	Asks         []rawLevel `json:"asks"`
}

// DecodeSnapshot decodes the REST depth-endpoint response. tsExchangeNs
// is supplied by the caller since the REST response carries no
// exchange-side timestamp; ResyncBuffer derives it as the midpoint of
// the request's round trip.
func (c *Codec) DecodeSnapshot(body []byte, symbol string, tsExchangeNs int64) (event.OrderbookEvent, error) {
	var s snapshotBody
	if err := json.Unmarshal(body, &s); err != nil {
		return event.OrderbookEvent{}, &xerrors.DecodeError{Venue: c.Venue(), Reason: "malformed snapshot response", Cause: err}
	}

	bids, err := decodeLevels(c.Venue(), s.Bids)
	if err != nil {
		return event.OrderbookEvent{}, err
	}
	asks, err := decodeLevels(c.Venue(), s.Asks)
	if err != nil {
		return event.OrderbookEvent{}, err
	}

	return event.OrderbookEvent{
		ExchName:     c.Venue(),
		Symbol:       symbol,
		Kind:         event.Snapshot,
		Bids:         bids,
		Asks:         asks,
		TsExchangeNs: tsExchangeNs,
		TsRecordedNs: time.Now().UnixNano(),
		Cursor: event.Cursor{
			Valid:        true,
			LastUpdateID: s.LastUpdateID,
		},
	}, nil
}
