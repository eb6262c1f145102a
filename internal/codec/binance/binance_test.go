package binance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/codec"
	"marketfeed/internal/event"
)

func TestCodec_EncodeSubscribe_MonotonicID(t *testing.T) {
	c := New()

	first, err := c.EncodeSubscribe(event.Book, []string{"BTCUSDT"})
	require.NoError(t, err)
	second, err := c.EncodeSubscribe(event.Trades, []string{"BTCUSDT"})
	require.NoError(t, err)

	assert.Contains(t, string(first), `"btcusdt@depth@100ms"`)
	assert.Contains(t, string(second), `"btcusdt@aggTrade"`)
	assert.NotEqual(t, string(first), string(second))
}

func TestCodec_EncodeSubscribe_ThenClassifyIsOther(t *testing.T) {
	c := New()

	frame, err := c.EncodeSubscribe(event.Book, []string{"BTCUSDT"})
	require.NoError(t, err)

	kind, err := c.Classify(frame)
	require.NoError(t, err)
	assert.Equal(t, codec.Other, kind)
}

func TestCodec_DecodeBook(t *testing.T) {
	c := New()
	frame := []byte(`{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":100,"u":105,"b":[["30000.00","1.5"]],"a":[["30010.00","2.5"]]}`)

	kind, err := c.Classify(frame)
	require.NoError(t, err)
	assert.Equal(t, codec.Book, kind)

	ob, err := c.DecodeBook(frame, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, event.Update, ob.Kind)
	assert.Equal(t, uint64(100), ob.Cursor.FirstUpdateID)
	assert.Equal(t, uint64(105), ob.Cursor.LastUpdateID)
	require.Len(t, ob.Bids, 1)
	assert.Equal(t, "30000", ob.Bids[0].Price.String())
}

func TestCodec_DecodeTrade(t *testing.T) {
	c := New()
	frame := []byte(`{"e":"aggTrade","T":1700000000000,"s":"BTCUSDT","p":"30000.5","q":"0.1","m":true}`)

	kind, err := c.Classify(frame)
	require.NoError(t, err)
	assert.Equal(t, codec.Trade, kind)

	tr, err := c.DecodeTrade(frame, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, tr.Trades, 1)
	assert.Equal(t, event.Sell, tr.Trades[0].Side)

	frame2 := []byte(`{"e":"aggTrade","T":1700000000000,"s":"BTCUSDT","p":"30000.5","q":"0.1","m":false}`)
	tr2, err := c.DecodeTrade(frame2, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, event.Buy, tr2.Trades[0].Side)
}

func TestCodec_DecodeSnapshot(t *testing.T) {
	c := New()
	body := []byte(`{"lastUpdateId":158,"bids":[["30000.0","1.0"]],"asks":[["30010.0","2.0"]]}`)

	snap, err := c.DecodeSnapshot(body, "BTCUSDT", 12345)
	require.NoError(t, err)
	assert.Equal(t, event.Snapshot, snap.Kind)
	assert.Equal(t, uint64(158), snap.Cursor.LastUpdateID)
	assert.Equal(t, int64(12345), snap.TsExchangeNs)
}
