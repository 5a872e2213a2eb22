package book

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/someapps/scalpy/pkg/scalpy"
)

func testInfo() scalpy.EventInfo {
	return scalpy.EventInfo{Symbol: "BTCUSDT", Type: scalpy.DataTypeOrderbook}
}

func TestApplySnapshotOrdersLevels(t *testing.T) {
	ob := New(testInfo())
	ob.ApplySnapshot(scalpy.OrderbookEvent{
		Timestamp: 1,
		Asks:      []scalpy.PriceVolume{{Price: 102, Volume: 1}, {Price: 101, Volume: 1}},
		Bids:      []scalpy.PriceVolume{{Price: 98, Volume: 1}, {Price: 99, Volume: 1}},
	})

	bestAsk, _ := ob.BestAsk()
	bestBid, _ := ob.BestBid()
	if !bestAsk.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("BestAsk = %s, want 101", bestAsk)
	}
	if !bestBid.Equal(decimal.NewFromInt(99)) {
		t.Fatalf("BestBid = %s, want 99", bestBid)
	}
}

func TestApplyDeltaUpdatesAndRemovesLevels(t *testing.T) {
	ob := New(testInfo())
	ob.ApplySnapshot(scalpy.OrderbookEvent{
		Asks: []scalpy.PriceVolume{{Price: 101, Volume: 1}},
		Bids: []scalpy.PriceVolume{{Price: 99, Volume: 1}},
	})

	ob.ApplyDelta(scalpy.OrderbookEvent{
		Asks: []scalpy.PriceVolume{{Price: 101, Volume: 0}, {Price: 103, Volume: 2}},
		Bids: []scalpy.PriceVolume{{Price: 99, Volume: 5}},
	})

	asks := ob.Asks()
	if len(asks) != 1 || !asks[0].Price.Equal(decimal.NewFromInt(103)) {
		t.Fatalf("unexpected asks after delta: %+v", asks)
	}

	_, bidSize := ob.BestBid()
	if !bidSize.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected bid size updated to 5, got %s", bidSize)
	}
}

func TestMidpointAndSpread(t *testing.T) {
	ob := New(testInfo())
	ob.ApplySnapshot(scalpy.OrderbookEvent{
		Asks: []scalpy.PriceVolume{{Price: 102, Volume: 1}},
		Bids: []scalpy.PriceVolume{{Price: 98, Volume: 1}},
	})

	if !ob.Midpoint().Equal(decimal.NewFromInt(100)) {
		t.Fatalf("Midpoint = %s, want 100", ob.Midpoint())
	}
	if !ob.Spread().Equal(decimal.NewFromInt(4)) {
		t.Fatalf("Spread = %s, want 4", ob.Spread())
	}
}

func TestVolumeWeightedPriceInsufficientLiquidity(t *testing.T) {
	ob := New(testInfo())
	ob.ApplySnapshot(scalpy.OrderbookEvent{
		Asks: []scalpy.PriceVolume{{Price: 100, Volume: 1}},
	})

	if _, err := ob.VolumeWeightedPrice(true, decimal.NewFromInt(5)); err == nil {
		t.Fatal("expected an error for insufficient liquidity")
	}
}

func TestRegistryAppliesEventsToTheRightBook(t *testing.T) {
	reg := NewRegistry()
	info := testInfo()
	reg.Apply(scalpy.Event{
		Info: info,
		Data: scalpy.OrderbookEvent{
			Type: scalpy.MessageTypeSnapshot,
			Asks: []scalpy.PriceVolume{{Price: 50, Volume: 1}},
		},
	})

	ob := reg.Get(info)
	bestAsk, _ := ob.BestAsk()
	if !bestAsk.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("BestAsk = %s, want 50", bestAsk)
	}
}
