package core

import (
	"context"
	"testing"
	"time"

	"github.com/someapps/scalpy/pkg/scalpy"
)

type fakeHistory struct {
	events map[scalpy.EventInfo][]scalpy.Event
}

func (f *fakeHistory) Get(ctx context.Context, info scalpy.EventInfo, start, end time.Time) (<-chan scalpy.Event, <-chan error) {
	ch := make(chan scalpy.Event, len(f.events[info]))
	errCh := make(chan error, 1)
	for _, ev := range f.events[info] {
		ch <- ev
	}
	close(ch)
	errCh <- nil
	return ch, errCh
}

func TestHandlerDispatchEmitsOrderPerEvent(t *testing.T) {
	info := scalpy.EventInfo{Symbol: "BTCUSDT", Type: scalpy.DataTypeTrade}

	events := []scalpy.Event{
		scalpy.NewEvent(1000, 0, info, scalpy.Trade{IsBuy: true, Size: 1, Price: 100, TradeID: "1"}),
		scalpy.NewEvent(2000, 0, info, scalpy.Trade{IsBuy: true, Size: 1, Price: 101, TradeID: "2"}),
		scalpy.NewEvent(3000, 0, info, scalpy.Trade{IsBuy: true, Size: 1, Price: 102, TradeID: "3"}),
	}

	history := &fakeHistory{events: map[scalpy.EventInfo][]scalpy.Event{info: events}}
	stream := NewStreamIterator(history, time.Unix(0, 0), time.Unix(0, 0))
	preload := NewPreloader(history, time.Unix(0, 0))

	handler := &scalpy.Handler{
		Requests: []scalpy.MarketRequest{{Info: info, Stream: true}},
		OnTrade: func(ctx context.Context, ev scalpy.Event) ([]scalpy.Event, error) {
			return nil, nil
		},
		OnEvent: func(ctx context.Context, ev scalpy.Event) ([]scalpy.Signal, error) {
			return []scalpy.Signal{{}}, nil
		},
	}
	signalHandler := &scalpy.Handler{
		Requests: []scalpy.MarketRequest{{Info: info, Stream: true}},
		OnSignal: func(ctx context.Context, sig scalpy.Signal) ([]scalpy.StreamItem, error) {
			return []scalpy.StreamItem{scalpy.Order{}}, nil
		},
	}

	e := NewEngine(preload, stream, []*scalpy.Handler{handler, signalHandler})

	var orders []scalpy.Order
	e.OnOrder = func(o scalpy.Order) { orders = append(orders, o) }

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("got %d orders, want 3", len(orders))
	}
}

func TestEventHandlersAccumulateAsList(t *testing.T) {
	info := scalpy.EventInfo{Symbol: "BTCUSDT", Type: scalpy.DataTypeTrade}
	history := &fakeHistory{}
	stream := NewStreamIterator(history, time.Unix(0, 0), time.Unix(0, 0))
	preload := NewPreloader(history, time.Unix(0, 0))

	var calls []int
	mk := func(n int) *scalpy.Handler {
		return &scalpy.Handler{
			Requests: []scalpy.MarketRequest{{Info: info, Stream: true}},
			OnEvent: func(ctx context.Context, ev scalpy.Event) ([]scalpy.Signal, error) {
				calls = append(calls, n)
				return nil, nil
			},
		}
	}

	e := NewEngine(preload, stream, []*scalpy.Handler{mk(1), mk(2)})
	if len(e.eventHandlers[info]) != 2 {
		t.Fatalf("expected both handlers registered under the same EventInfo, got %d", len(e.eventHandlers[info]))
	}
}
