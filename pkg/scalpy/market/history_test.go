package market

import (
	"context"
	"testing"
	"time"

	"github.com/someapps/scalpy/pkg/scalpy"
)

type fakeStorage struct {
	downloaded map[string]bool
	saved      []scalpy.StreamItem
	items      []scalpy.StreamItem
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{downloaded: map[string]bool{}}
}

func dayKey(info scalpy.EventInfo, day time.Time) string {
	return info.Symbol + "|" + day.Format("2006-01-02")
}

func (s *fakeStorage) IsDownloaded(ctx context.Context, info scalpy.EventInfo, day time.Time) (bool, error) {
	return s.downloaded[dayKey(info, day)], nil
}

func (s *fakeStorage) SetDownloaded(ctx context.Context, info scalpy.EventInfo, day time.Time, v bool) error {
	s.downloaded[dayKey(info, day)] = v
	return nil
}

func (s *fakeStorage) Save(ctx context.Context, info scalpy.EventInfo, items []scalpy.StreamItem) error {
	s.saved = append(s.saved, items...)
	s.items = append(s.items, items...)
	return nil
}

func (s *fakeStorage) Get(ctx context.Context, info scalpy.EventInfo, start, end time.Time) (<-chan scalpy.StreamItem, <-chan error) {
	out := make(chan scalpy.StreamItem)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for _, it := range s.items {
			out <- it
		}
	}()
	return out, errCh
}

type fakeConnector struct {
	batch      bool
	dayCalls   []time.Time
	rangeCalls []dayInterval
}

func (c *fakeConnector) CanBatchDownload(t scalpy.DataType) bool { return c.batch }

func (c *fakeConnector) GetDay(ctx context.Context, info scalpy.EventInfo, day time.Time) (<-chan scalpy.StreamItem, <-chan error) {
	c.dayCalls = append(c.dayCalls, day)
	out := make(chan scalpy.StreamItem)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		out <- scalpy.Trade{Timestamp: float64(day.UnixMilli()), Size: 1, Price: 1, TradeID: day.Format("2006-01-02")}
	}()
	return out, errCh
}

func (c *fakeConnector) GetDays(ctx context.Context, info scalpy.EventInfo, start, end time.Time) (<-chan scalpy.OHLC, <-chan error) {
	c.rangeCalls = append(c.rangeCalls, dayInterval{start: start, end: end})
	out := make(chan scalpy.OHLC)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		out <- scalpy.OHLC{Timestamp: float64(start.UnixMilli())}
	}()
	return out, errCh
}

func TestHistoryDayByDayOnlyFetchesMissingDays(t *testing.T) {
	storage := newFakeStorage()
	info := scalpy.EventInfo{Symbol: "BTCUSDT", Type: scalpy.DataTypeTrade}
	d0 := startOfDay(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	storage.downloaded[dayKey(info, d0.AddDate(0, 0, 1))] = true // day 2 already downloaded

	connector := &fakeConnector{batch: false}
	h := NewHistoryProvider(connector, storage)

	out, errs := h.Get(context.Background(), info, d0, d0.AddDate(0, 0, 2))
	for range out {
	}
	if err := <-errs; err != nil {
		t.Fatalf("Get: %v", err)
	}

	if len(connector.dayCalls) != 2 {
		t.Fatalf("expected GetDay to be called for the 2 missing days, got %d calls", len(connector.dayCalls))
	}
}

func TestHistoryBatchedCoalescesMissingDayRuns(t *testing.T) {
	storage := newFakeStorage()
	info := scalpy.EventInfo{Symbol: "BTCUSDT", Type: scalpy.DataTypeKline, Period: 60}
	d1 := startOfDay(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	// D1..D7, D2 and D5 already downloaded -> expect runs [D1,D1] [D3,D4] [D6,D7]
	storage.downloaded[dayKey(info, d1.AddDate(0, 0, 1))] = true
	storage.downloaded[dayKey(info, d1.AddDate(0, 0, 4))] = true

	connector := &fakeConnector{batch: true}
	h := NewHistoryProvider(connector, storage)

	out, errs := h.Get(context.Background(), info, d1, d1.AddDate(0, 0, 6))
	for range out {
	}
	if err := <-errs; err != nil {
		t.Fatalf("Get: %v", err)
	}

	if len(connector.rangeCalls) != 3 {
		t.Fatalf("expected 3 coalesced runs, got %d: %+v", len(connector.rangeCalls), connector.rangeCalls)
	}

	wantStarts := []time.Time{d1, d1.AddDate(0, 0, 2), d1.AddDate(0, 0, 5)}
	for i, want := range wantStarts {
		if !connector.rangeCalls[i].start.Equal(want) {
			t.Fatalf("run %d start = %v, want %v", i, connector.rangeCalls[i].start, want)
		}
	}
}

func TestHistoryEmitsEventsWrappingStoredItems(t *testing.T) {
	storage := newFakeStorage()
	info := scalpy.EventInfo{Symbol: "BTCUSDT", Type: scalpy.DataTypeTrade}
	storage.downloaded[dayKey(info, startOfDay(time.Now()))] = true
	storage.items = []scalpy.StreamItem{scalpy.Trade{Timestamp: 123, TradeID: "x"}}

	connector := &fakeConnector{batch: false}
	h := NewHistoryProvider(connector, storage)

	out, errs := h.Get(context.Background(), info, time.Now(), time.Now())
	var events []scalpy.Event
	for ev := range out {
		events = append(events, ev)
	}
	if err := <-errs; err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(events) != 1 || events[0].Info != info || events[0].Timestamp != 123 {
		t.Fatalf("unexpected events: %+v", events)
	}
}
