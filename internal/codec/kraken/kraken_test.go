package kraken

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/codec"
	"marketfeed/internal/event"
	"marketfeed/internal/orderbook"
)

func TestCodec_SnapshotThenUpdate(t *testing.T) {
	c := New()

	snapshotFrame := []byte(`[0, {"bs":[["30000.0","1.0","1700000000.1"]], "as":[["30010.0","2.0","1700000000.2"]]}, "book-10", "XBT/USDT"]`)
	updateFrame := []byte(`[0, {"b":[["30000.0","0","1700000000.3"]]}, "book-10", "XBT/USDT"]`)

	kind, err := c.Classify(snapshotFrame)
	require.NoError(t, err)
	assert.Equal(t, codec.Book, kind)

	snap, err := c.DecodeBook(snapshotFrame, "XBT/USDT")
	require.NoError(t, err)
	assert.Equal(t, event.Snapshot, snap.Kind)

	kind, err = c.Classify(updateFrame)
	require.NoError(t, err)
	assert.Equal(t, codec.Book, kind)

	upd, err := c.DecodeBook(updateFrame, "XBT/USDT")
	require.NoError(t, err)
	assert.Equal(t, event.Update, upd.Kind)

	ob := orderbook.New("kraken", "XBT/USDT", 10)
	ob.Apply(snap)
	ob.Apply(upd)

	final := ob.Snapshot(0)
	assert.Empty(t, final.Bids)
	require.Len(t, final.Asks, 1)
	assert.Equal(t, "30010", final.Asks[0].Price.String())
	assert.Equal(t, "2", final.Asks[0].Qty.String())
}

func TestCodec_DecodeBook_MissingTimestampsIsError(t *testing.T) {
	c := New()
	frame := []byte(`[0, {"b":[["30000.0","1.0"]]}, "book-10", "XBT/USDT"]`)

	_, err := c.DecodeBook(frame, "XBT/USDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no timestamps found in orderbook levels")
}

func TestCodec_DecodeTrade(t *testing.T) {
	c := New()
	frame := []byte(`[0, [["30000.0","0.5","1700000000.1","b","l",""],["30001.0","0.2","1700000000.2","s","m",""]], "trade", "XBT/USDT"]`)

	tr, err := c.DecodeTrade(frame, "XBT/USDT")
	require.NoError(t, err)
	require.Len(t, tr.Trades, 2)
	assert.Equal(t, event.Buy, tr.Trades[0].Side)
	assert.Equal(t, event.Sell, tr.Trades[1].Side)
}

func TestCodec_EncodeSubscribe_ThenClassifyIsOther(t *testing.T) {
	c := New()

	frame, err := c.EncodeSubscribe(event.Book, []string{"XBT/USDT"})
	require.NoError(t, err)

	kind, err := c.Classify(frame)
	require.NoError(t, err)
	assert.Equal(t, codec.Other, kind)
}

func TestCodec_Classify_Heartbeat(t *testing.T) {
	c := New()
	kind, err := c.Classify([]byte(`{"event":"heartbeat"}`))
	require.NoError(t, err)
	assert.Equal(t, codec.Heartbeat, kind)
}
