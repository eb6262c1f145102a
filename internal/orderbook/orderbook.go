// Package orderbook maintains one venue/symbol's local order book as
// a price-indexed associative structure with sorted iteration on
// read, per the map-based representation preferred at realistic
// depths over a linear-scan sorted list.
package orderbook

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"marketfeed/internal/event"
)

// side maps a price (keyed by its canonical decimal string so equal
// prices always collide regardless of string formatting) to the
// decimal price and current quantity at that price.
type side map[string]priceQty

type priceQty struct {
	price decimal.Decimal
	qty   decimal.Decimal
}

func priceKey(p decimal.Decimal) string {
	return p.String()
}

// applyLevel inserts, replaces, or deletes one level per the rules:
// qty>0 inserts/replaces; qty<=0 deletes if present, else is a no-op.
func applyLevel(s side, l event.Level) {
	key := priceKey(l.Price)
	if l.IsDelete() {
		delete(s, key)
		return
	}
	s[key] = priceQty{price: l.Price, qty: l.Qty}
}

// trim discards every level beyond depth, keeping the best (highest
// for bids, lowest for asks) and dropping the far side.
func trim(s side, depth int, descending bool) {
	if len(s) <= depth {
		return
	}
	sorted := sortedKeys(s, descending)
	for _, k := range sorted[depth:] {
		delete(s, k)
	}
}

func sortedKeys(s side, descending bool) []string {
	entries := make([]priceQty, 0, len(s))
	for _, pq := range s {
		entries = append(entries, pq)
	}
	sort.Slice(entries, func(i, j int) bool {
		if descending {
			return entries[i].price.GreaterThan(entries[j].price)
		}
		return entries[i].price.LessThan(entries[j].price)
	})
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = priceKey(e.price)
	}
	return keys
}

func sortedLevels(s side, depth int, descending bool) []event.Level {
	entries := make([]priceQty, 0, len(s))
	for _, pq := range s {
		entries = append(entries, pq)
	}
	sort.Slice(entries, func(i, j int) bool {
		if descending {
			return entries[i].price.GreaterThan(entries[j].price)
		}
		return entries[i].price.LessThan(entries[j].price)
	})
	if depth > 0 && depth < len(entries) {
		entries = entries[:depth]
	}
	levels := make([]event.Level, len(entries))
	for i, e := range entries {
		levels[i] = event.Level{Price: e.price, Qty: e.qty}
	}
	return levels
}

// OrderBook holds the synchronized state for one (venue, symbol)
// pair. All access goes through Apply and Snapshot, both of which
// take the same exclusive lock: the target throughput does not
// warrant a reader/writer split, and keeping apply/snapshot
// non-suspending means the lock is never held across an I/O wait.
type OrderBook struct {
	mu sync.Mutex

	exchName string
	symbol   string
	depth    int

	bids side
	asks side

	tsExchangeNs int64
	tsRecordedNs int64
}

func New(exchName, symbol string, depth int) *OrderBook {
	return &OrderBook{
		exchName: exchName,
		symbol:   symbol,
		depth:    depth,
		bids:     make(side),
		asks:     make(side),
	}
}

// Apply applies one event under the book's lock. A Snapshot event
// wholesale-replaces both sides; an Update event applies each level
// then trims the far side of each book to depth.
func (ob *OrderBook) Apply(ev event.OrderbookEvent) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.tsExchangeNs = ev.TsExchangeNs
	ob.tsRecordedNs = ev.TsRecordedNs

	if ev.Kind == event.Snapshot {
		ob.bids = make(side, len(ev.Bids))
		ob.asks = make(side, len(ev.Asks))
		for _, l := range ev.Bids {
			if !l.IsDelete() {
				ob.bids[priceKey(l.Price)] = priceQty{price: l.Price, qty: l.Qty}
			}
		}
		for _, l := range ev.Asks {
			if !l.IsDelete() {
				ob.asks[priceKey(l.Price)] = priceQty{price: l.Price, qty: l.Qty}
			}
		}
		return
	}

	for _, l := range ev.Bids {
		applyLevel(ob.bids, l)
	}
	for _, l := range ev.Asks {
		applyLevel(ob.asks, l)
	}

	trim(ob.asks, ob.depth, false)
	trim(ob.bids, ob.depth, true)
}

// Snapshot returns a deep, immutable copy of the top min(depth,
// ob.depth) levels on each side. depth<=0 means "use the book's
// configured depth".
func (ob *OrderBook) Snapshot(depth int) event.OrderbookEvent {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	effectiveDepth := ob.depth
	if depth > 0 && depth < ob.depth {
		effectiveDepth = depth
	}

	return event.OrderbookEvent{
		ExchName:     ob.exchName,
		Symbol:       ob.symbol,
		Kind:         event.Snapshot,
		Bids:         sortedLevels(ob.bids, effectiveDepth, true),
		Asks:         sortedLevels(ob.asks, effectiveDepth, false),
		TsExchangeNs: ob.tsExchangeNs,
		TsRecordedNs: ob.tsRecordedNs,
	}
}
