// Package book maintains an L2 order book per EventInfo, built from
// the snapshot/delta OrderbookEvent stream the engine and the storage
// layer both produce.
package book

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/someapps/scalpy/pkg/scalpy"
)

// PriceLevel is one aggregated price level.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook is an L2 order book for a single EventInfo, safe for
// concurrent reads and writes.
type OrderBook struct {
	Info      scalpy.EventInfo
	Timestamp float64

	mu   sync.RWMutex
	bids []PriceLevel // sorted by price descending (best bid first)
	asks []PriceLevel // sorted by price ascending (best ask first)
}

func New(info scalpy.EventInfo) *OrderBook {
	return &OrderBook{Info: info}
}

// Snapshot is a point-in-time copy of the book.
type Snapshot struct {
	Info      scalpy.EventInfo
	Timestamp float64
	Bids      []PriceLevel
	Asks      []PriceLevel
}

func (ob *OrderBook) GetSnapshot() Snapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bids := make([]PriceLevel, len(ob.bids))
	copy(bids, ob.bids)
	asks := make([]PriceLevel, len(ob.asks))
	copy(asks, ob.asks)

	return Snapshot{Info: ob.Info, Timestamp: ob.Timestamp, Bids: bids, Asks: asks}
}

func (ob *OrderBook) BestBid() (price, size decimal.Decimal) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.bids) == 0 {
		return decimal.Zero, decimal.Zero
	}
	return ob.bids[0].Price, ob.bids[0].Size
}

func (ob *OrderBook) BestAsk() (price, size decimal.Decimal) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.asks) == 0 {
		return decimal.Zero, decimal.Zero
	}
	return ob.asks[0].Price, ob.asks[0].Size
}

func (ob *OrderBook) Midpoint() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.bids) == 0 || len(ob.asks) == 0 {
		return decimal.Zero
	}
	return ob.bids[0].Price.Add(ob.asks[0].Price).Div(decimal.NewFromInt(2))
}

func (ob *OrderBook) Spread() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.bids) == 0 || len(ob.asks) == 0 {
		return decimal.Zero
	}
	return ob.asks[0].Price.Sub(ob.bids[0].Price)
}

func (ob *OrderBook) SpreadBps() decimal.Decimal {
	mid := ob.Midpoint()
	if mid.IsZero() {
		return decimal.Zero
	}
	return ob.Spread().Div(mid).Mul(decimal.NewFromInt(10000))
}

func (ob *OrderBook) Bids() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	bids := make([]PriceLevel, len(ob.bids))
	copy(bids, ob.bids)
	return bids
}

func (ob *OrderBook) Asks() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	asks := make([]PriceLevel, len(ob.asks))
	copy(asks, ob.asks)
	return asks
}

// VolumeWeightedPrice returns the average fill price for size on the
// given side: true buys from asks, false sells into bids.
func (ob *OrderBook) VolumeWeightedPrice(buy bool, size decimal.Decimal) (decimal.Decimal, error) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	levels := ob.bids
	if buy {
		levels = ob.asks
	}
	if len(levels) == 0 {
		return decimal.Zero, fmt.Errorf("book: no liquidity for %s", ob.Info.Symbol)
	}

	remaining := size
	totalCost := decimal.Zero
	for _, level := range levels {
		if remaining.IsZero() {
			break
		}
		fillSize := level.Size
		if fillSize.GreaterThan(remaining) {
			fillSize = remaining
		}
		totalCost = totalCost.Add(level.Price.Mul(fillSize))
		remaining = remaining.Sub(fillSize)
	}
	if remaining.GreaterThan(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("book: insufficient liquidity for %s: missing %s", ob.Info.Symbol, remaining)
	}
	return totalCost.Div(size), nil
}

// ApplySnapshot replaces both sides of the book wholesale.
func (ob *OrderBook) ApplySnapshot(ev scalpy.OrderbookEvent) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.bids = toLevels(ev.Bids)
	ob.asks = toLevels(ev.Asks)
	sort.Slice(ob.bids, func(i, j int) bool { return ob.bids[i].Price.GreaterThan(ob.bids[j].Price) })
	sort.Slice(ob.asks, func(i, j int) bool { return ob.asks[i].Price.LessThan(ob.asks[j].Price) })
	ob.Timestamp = ev.Timestamp
}

// ApplyDelta merges incremental level updates; a zero or negative
// volume removes the level.
func (ob *OrderBook) ApplyDelta(ev scalpy.OrderbookEvent) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	for _, pv := range ev.Asks {
		ob.asks = updateLevel(ob.asks, pv, true)
	}
	for _, pv := range ev.Bids {
		ob.bids = updateLevel(ob.bids, pv, false)
	}
	ob.Timestamp = ev.Timestamp
}

func toLevels(pvs []scalpy.PriceVolume) []PriceLevel {
	levels := make([]PriceLevel, len(pvs))
	for i, pv := range pvs {
		levels[i] = PriceLevel{Price: decimal.NewFromFloat(pv.Price), Size: decimal.NewFromFloat(pv.Volume)}
	}
	return levels
}

func updateLevel(levels []PriceLevel, pv scalpy.PriceVolume, ascending bool) []PriceLevel {
	price := decimal.NewFromFloat(pv.Price)
	size := decimal.NewFromFloat(pv.Volume)

	idx := -1
	for i, l := range levels {
		if l.Price.Equal(price) {
			idx = i
			break
		}
	}

	if size.LessThanOrEqual(decimal.Zero) {
		if idx >= 0 {
			levels = append(levels[:idx], levels[idx+1:]...)
		}
		return levels
	}

	if idx >= 0 {
		levels[idx].Size = size
		return levels
	}

	var insertIdx int
	if ascending {
		insertIdx = sort.Search(len(levels), func(i int) bool { return levels[i].Price.GreaterThan(price) })
	} else {
		insertIdx = sort.Search(len(levels), func(i int) bool { return levels[i].Price.LessThan(price) })
	}
	levels = append(levels, PriceLevel{})
	copy(levels[insertIdx+1:], levels[insertIdx:])
	levels[insertIdx] = PriceLevel{Price: price, Size: size}
	return levels
}

// Registry keeps one OrderBook per EventInfo, created on first use.
type Registry struct {
	mu    sync.Mutex
	books map[scalpy.EventInfo]*OrderBook
}

func NewRegistry() *Registry {
	return &Registry{books: make(map[scalpy.EventInfo]*OrderBook)}
}

func (r *Registry) Get(info scalpy.EventInfo) *OrderBook {
	r.mu.Lock()
	defer r.mu.Unlock()
	ob, ok := r.books[info]
	if !ok {
		ob = New(info)
		r.books[info] = ob
	}
	return ob
}

// Apply routes an Event carrying an OrderbookEvent to the right book.
func (r *Registry) Apply(ev scalpy.Event) {
	obEvent, ok := ev.Data.(scalpy.OrderbookEvent)
	if !ok {
		return
	}
	ob := r.Get(ev.Info)
	switch obEvent.Type {
	case scalpy.MessageTypeSnapshot:
		ob.ApplySnapshot(obEvent)
	case scalpy.MessageTypeDelta:
		ob.ApplyDelta(obEvent)
	}
}
