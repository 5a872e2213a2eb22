package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/someapps/scalpy/pkg/scalpy"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scalpy.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDownloadedRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	info := scalpy.EventInfo{Symbol: "BTCUSDT", Type: scalpy.DataTypeTrade}
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ok, err := s.IsDownloaded(ctx, info, day)
	if err != nil {
		t.Fatalf("IsDownloaded: %v", err)
	}
	if ok {
		t.Fatal("expected not downloaded yet")
	}

	if err := s.SetDownloaded(ctx, info, day, true); err != nil {
		t.Fatalf("SetDownloaded: %v", err)
	}
	ok, err = s.IsDownloaded(ctx, info, day)
	if err != nil {
		t.Fatalf("IsDownloaded: %v", err)
	}
	if !ok {
		t.Fatal("expected downloaded after SetDownloaded(true)")
	}

	if err := s.SetDownloaded(ctx, info, day, false); err != nil {
		t.Fatalf("SetDownloaded(false): %v", err)
	}
	ok, _ = s.IsDownloaded(ctx, info, day)
	if ok {
		t.Fatal("expected not downloaded after SetDownloaded(false)")
	}
}

func TestTradeSaveAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	info := scalpy.EventInfo{Symbol: "BTC.USDT", Type: scalpy.DataTypeTrade}

	base := float64(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	items := []scalpy.StreamItem{
		scalpy.Trade{Timestamp: base, IsBuy: true, Size: 1, Price: 100, TradeID: "a"},
		scalpy.Trade{Timestamp: base + 1000, IsBuy: false, Size: 2, Price: 101, TradeID: "b"},
	}
	if err := s.Save(ctx, info, items); err != nil {
		t.Fatalf("Save: %v", err)
	}

	start := time.UnixMilli(int64(base))
	end := time.UnixMilli(int64(base) + 2000)
	out, errCh := s.Get(ctx, info, start, end)

	var got []scalpy.Trade
	for it := range out {
		trade, ok := it.(scalpy.Trade)
		if !ok {
			t.Fatalf("expected a Trade, got %T", it)
		}
		got = append(got, trade)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(got))
	}
	if got[0].TradeID != "a" || got[1].TradeID != "b" {
		t.Fatalf("unexpected trade order/ids: %+v", got)
	}
}

func TestKlineSaveAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	info := scalpy.EventInfo{Symbol: "ETHUSDT", Type: scalpy.DataTypeKline, Period: 60}

	startMs := float64(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	candle := scalpy.OHLC{Timestamp: startMs + 60_000, StartTimestamp: startMs, Open: 10, High: 12, Low: 9, Close: 11, Volume: 5}
	if err := s.Save(ctx, info, []scalpy.StreamItem{candle}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	start := time.UnixMilli(int64(startMs) - 1000)
	end := time.UnixMilli(int64(startMs) + 120_000)
	out, errCh := s.Get(ctx, info, start, end)

	var got []scalpy.OHLC
	for it := range out {
		c, ok := it.(scalpy.OHLC)
		if !ok {
			t.Fatalf("expected OHLC, got %T", it)
		}
		got = append(got, c)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 1 || got[0].Close != 11 {
		t.Fatalf("unexpected candles: %+v", got)
	}
}

func TestOrderbookReconstructsSnapshotThenDeltas(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	info := scalpy.EventInfo{Symbol: "BTCUSDT", Type: scalpy.DataTypeOrderbook}

	t0 := float64(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	snapshot := scalpy.OrderbookEvent{
		Timestamp: t0,
		Type:      scalpy.MessageTypeSnapshot,
		Asks:      []scalpy.PriceVolume{{Price: 101, Volume: 1}},
		Bids:      []scalpy.PriceVolume{{Price: 99, Volume: 1}},
	}
	delta1 := scalpy.OrderbookEvent{
		Timestamp: t0 + 1000,
		Type:      scalpy.MessageTypeDelta,
		Asks:      []scalpy.PriceVolume{{Price: 101, Volume: 0}}, // removes the 101 ask
		Bids:      []scalpy.PriceVolume{{Price: 98, Volume: 2}},  // adds a new bid level
	}
	delta2 := scalpy.OrderbookEvent{
		Timestamp: t0 + 5000,
		Type:      scalpy.MessageTypeDelta,
		Asks:      []scalpy.PriceVolume{{Price: 102, Volume: 3}},
	}

	if err := s.Save(ctx, info, []scalpy.StreamItem{snapshot}); err != nil {
		t.Fatalf("Save snapshot: %v", err)
	}
	if err := s.Save(ctx, info, []scalpy.StreamItem{delta1, delta2}); err != nil {
		t.Fatalf("Save deltas: %v", err)
	}

	start := time.UnixMilli(int64(t0) + 2000) // between delta1 and delta2
	end := time.UnixMilli(int64(t0) + 6000)
	out, errCh := s.Get(ctx, info, start, end)

	var events []scalpy.OrderbookEvent
	for it := range out {
		ev, ok := it.(scalpy.OrderbookEvent)
		if !ok {
			t.Fatalf("expected OrderbookEvent, got %T", it)
		}
		events = append(events, ev)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected at least the reconstructed snapshot")
	}
	if events[0].Type != scalpy.MessageTypeSnapshot {
		t.Fatalf("expected the first emitted event to be a reconstructed snapshot, got %v", events[0].Type)
	}

	foundBid98, found101Removed := false, true
	for _, b := range events[0].Bids {
		if b.Price == 98 {
			foundBid98 = true
		}
	}
	for _, a := range events[0].Asks {
		if a.Price == 101 {
			found101Removed = false
		}
	}
	if !foundBid98 {
		t.Fatalf("expected delta1's new bid at 98 to be folded into the reconstructed snapshot: %+v", events[0])
	}
	if !found101Removed {
		t.Fatalf("expected delta1's removal of the 101 ask to be applied: %+v", events[0])
	}

	var sawDelta2 bool
	for _, ev := range events[1:] {
		if ev.Type == scalpy.MessageTypeDelta {
			for _, a := range ev.Asks {
				if a.Price == 102 {
					sawDelta2 = true
				}
			}
		}
	}
	if !sawDelta2 {
		t.Fatalf("expected delta2 (ask at 102) to stream after the reconstructed snapshot: %+v", events)
	}
}

func TestGetRejectsInvertedRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	info := scalpy.EventInfo{Symbol: "BTCUSDT", Type: scalpy.DataTypeTrade}

	start := time.Now()
	end := start.Add(-time.Hour)
	out, errCh := s.Get(ctx, info, start, end)
	for range out {
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected a validation error for an inverted range")
	}
}
