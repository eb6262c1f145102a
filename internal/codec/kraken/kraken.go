// Package kraken implements codec.WireCodec for Kraken's WebSocket
// book and trade channels. Kraken frames a message as either a JSON
// object (heartbeats, subscription events) or a JSON array (book and
// trade payloads); Classify and the decoders branch on that shape.
package kraken

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"marketfeed/internal/codec"
	"marketfeed/internal/event"
	"marketfeed/internal/xerrors"
)

// Codec is Kraken's codec.WireCodec implementation. The zero value is
// ready to use; Kraken has no per-message subscription id, so there
// is no mutable state to hold.
type Codec struct{}

var _ codec.WireCodec = (*Codec)(nil)

func New() *Codec { return &Codec{} }

func (c *Codec) Venue() string { return "kraken" }

type subscription struct {
	Name string `json:"name"`
}

type subscribeFrame struct {
	Event        string       `json:"event"`
	Pair         []string     `json:"pair"`
	Subscription subscription `json:"subscription"`
}

// EncodeSubscribe builds {"event":"subscribe","pair":[...],"subscription":{"name":"book"|"trade"}}.
func (c *Codec) EncodeSubscribe(stream event.StreamKind, wsSymbols []string) ([]byte, error) {
	var name string
	switch stream {
	case event.Book:
		name = "book"
	case event.Trades:
		name = "trade"
	default:
		return nil, &xerrors.ConfigError{Reason: fmt.Sprintf("kraken: unsupported stream kind %q", stream)}
	}

	frame := subscribeFrame{
		Event:        "subscribe",
		Pair:         wsSymbols,
		Subscription: subscription{Name: name},
	}
	return json.Marshal(frame)
}

type eventFrame struct {
	Event string `json:"event"`
}

// Classify distinguishes object frames (heartbeat/other) from array
// frames (book/trade), matching the "isinstance(data, dict)" dispatch
// of the system this codec was modeled on.
func (c *Codec) Classify(frame []byte) (codec.FrameKind, error) {
	trimmed := skipLeadingSpace(frame)
	if len(trimmed) == 0 {
		return codec.Other, &xerrors.DecodeError{Venue: c.Venue(), Reason: "empty frame"}
	}

	if trimmed[0] == '{' {
		var ef eventFrame
		if err := json.Unmarshal(frame, &ef); err != nil {
			return codec.Other, &xerrors.DecodeError{Venue: c.Venue(), Reason: "malformed object frame", Cause: err}
		}
		if ef.Event == "heartbeat" {
			return codec.Heartbeat, nil
		}
		return codec.Other, nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(frame, &arr); err != nil {
		return codec.Other, &xerrors.DecodeError{Venue: c.Venue(), Reason: "malformed array frame", Cause: err}
	}
	if len(arr) < 2 {
		return codec.Other, nil
	}

	var channelName string
	if len(arr) >= 2 {
		_ = json.Unmarshal(arr[len(arr)-2], &channelName)
	}

	switch {
	case containsSubstr(channelName, "book"):
		return codec.Book, nil
	case containsSubstr(channelName, "trade"):
		return codec.Trade, nil
	default:
		return codec.Other, nil
	}
}

func containsSubstr(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func skipLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}

type rawLevel []string

func (l rawLevel) decode(venue string) (event.Level, error) {
	if len(l) < 2 {
		return event.Level{}, &xerrors.DecodeError{Venue: venue, Reason: "level has fewer than 2 fields"}
	}
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

func (l rawLevel) timestamp() (float64, bool) {
	if len(l) < 3 {
		return 0, false
	}
	ts, err := strconv.ParseFloat(l[2], 64)
	if err != nil {
		return 0, false
	}
	return ts, true
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

type bookPayload struct {
	AsSnapshot []rawLevel `json:"as"`
	BsSnapshot []rawLevel `json:"bs"`
	AUpdate    []rawLevel `json:"a"`
	BUpdate    []rawLevel `json:"b"`
}

// DecodeBook decodes a Kraken book array frame: [channelID, payload,
// channelName, pair]. Presence of "as"/"bs" marks a snapshot; "a"/"b"
// marks an incremental update.
func (c *Codec) DecodeBook(frame []byte, symbol string) (event.OrderbookEvent, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(frame, &arr); err != nil {
		return event.OrderbookEvent{}, &xerrors.DecodeError{Venue: c.Venue(), Reason: "malformed book frame", Cause: err}
	}
	if len(arr) < 2 {
		return event.OrderbookEvent{}, &xerrors.DecodeError{Venue: c.Venue(), Reason: "book frame has too few elements"}
	}

	var payload bookPayload
	if err := json.Unmarshal(arr[1], &payload); err != nil {
		return event.OrderbookEvent{}, &xerrors.DecodeError{Venue: c.Venue(), Reason: "malformed book payload", Cause: err}
	}

	kind := event.Update
	rawAsks, rawBids := payload.AUpdate, payload.BUpdate
	if len(payload.AsSnapshot) > 0 || len(payload.BsSnapshot) > 0 {
		kind = event.Snapshot
		rawAsks, rawBids = payload.AsSnapshot, payload.BsSnapshot
	}

	asks, err := decodeLevels(c.Venue(), rawAsks)
	if err != nil {
		return event.OrderbookEvent{}, err
	}
	bids, err := decodeLevels(c.Venue(), rawBids)
	if err != nil {
		return event.OrderbookEvent{}, err
	}

	var maxTs float64
	found := false
	for _, l := range rawAsks {
		if ts, ok := l.timestamp(); ok && (!found || ts > maxTs) {
			maxTs, found = ts, true
		}
	}
	for _, l := range rawBids {
		if ts, ok := l.timestamp(); ok && (!found || ts > maxTs) {
			maxTs, found = ts, true
		}
	}
	if !found {
		return event.OrderbookEvent{}, &xerrors.DecodeError{Venue: c.Venue(), Reason: "no timestamps found in orderbook levels"}
	}

	return event.OrderbookEvent{
		ExchName:     c.Venue(),
		Symbol:       symbol,
		Kind:         kind,
		Bids:         bids,
		Asks:         asks,
		TsExchangeNs: int64(maxTs * float64(time.Second)),
		TsRecordedNs: time.Now().UnixNano(),
	}, nil
}

// DecodeTrade decodes a Kraken trade array frame: [channelID,
// [[price, qty, time, side, orderType, misc], ...], channelName, pair].
func (c *Codec) DecodeTrade(frame []byte, symbol string) (event.TradeEvent, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(frame, &arr); err != nil {
		return event.TradeEvent{}, &xerrors.DecodeError{Venue: c.Venue(), Reason: "malformed trade frame", Cause: err}
	}
	if len(arr) < 2 {
		return event.TradeEvent{}, &xerrors.DecodeError{Venue: c.Venue(), Reason: "trade frame has too few elements"}
	}

	var rawTrades [][]string
	if err := json.Unmarshal(arr[1], &rawTrades); err != nil {
		return event.TradeEvent{}, &xerrors.DecodeError{Venue: c.Venue(), Reason: "malformed trade payload", Cause: err}
	}

	trades := make([]event.Trade, 0, len(rawTrades))
	var maxTsNs int64
	for i, t := range rawTrades {
		if len(t) < 4 {
			return event.TradeEvent{}, &xerrors.DecodeError{Venue: c.Venue(), Reason: "trade entry has too few fields"}
		}
		price, err := decimal.NewFromString(t[0])
		if err != nil {
			return event.TradeEvent{}, &xerrors.DecodeError{Venue: c.Venue(), Reason: "invalid trade price", Cause: err}
		}
		qty, err := decimal.NewFromString(t[1])
		if err != nil {
			return event.TradeEvent{}, &xerrors.DecodeError{Venue: c.Venue(), Reason: "invalid trade qty", Cause: err}
		}
		ts, err := strconv.ParseFloat(t[2], 64)
		if err != nil {
			return event.TradeEvent{}, &xerrors.DecodeError{Venue: c.Venue(), Reason: "invalid trade timestamp", Cause: err}
		}
		tsNs := int64(ts * float64(time.Second))
		if i == 0 || tsNs > maxTsNs {
			maxTsNs = tsNs
		}

		side := event.Buy
		if t[3] == "s" {
			side = event.Sell
		}
		trades = append(trades, event.Trade{Price: price, Qty: qty, Side: side})
	}

	return event.TradeEvent{
		ExchName:     c.Venue(),
		Symbol:       symbol,
		TsExchangeNs: maxTsNs,
		TsRecordedNs: time.Now().UnixNano(),
		Trades:       trades,
	}, nil
}
