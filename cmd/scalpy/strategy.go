package main

import (
	"context"
	"sync"
	"time"

	"github.com/someapps/scalpy/pkg/scalpy"
	"github.com/someapps/scalpy/pkg/scalpy/book"
	"github.com/someapps/scalpy/pkg/scalpy/metrics"
	"github.com/someapps/scalpy/pkg/scalpy/streaming"
)

// smaCrossoverHandler is a minimal demo strategy: it keeps a simple
// moving average of candle closes and emits a buy/sell Signal when
// the latest close crosses it, then turns every Signal directly into
// an Order (no position sizing or risk checks — this is a wiring
// demo, not a strategy to trade with). It reads the live order book
// for the same symbol when a signal fires, so the order it emits
// carries a book-informed mid price alongside the candle close.
type smaCrossoverHandler struct {
	period   int
	m        *metrics.Metrics
	hub      *streaming.Hub
	books    *book.Registry
	bookInfo scalpy.EventInfo

	mu      sync.Mutex
	closes  []float64
	aboveMA bool
	haveMA  bool

	candlesSeen    int
	signalsEmitted int
	ordersEmitted  int
}

func newSMACrossoverHandler(period int, info scalpy.EventInfo, m *metrics.Metrics, hub *streaming.Hub, books *book.Registry, bookInfo scalpy.EventInfo) *smaCrossoverHandler {
	return &smaCrossoverHandler{period: period, m: m, hub: hub, books: books, bookInfo: bookInfo}
}

type smaSignal struct {
	Symbol string
	Side   string // "buy" or "sell"
	Close  float64
	MA     float64
}

type smaOrder struct {
	Symbol   string
	Side     string
	Close    float64
	MA       float64
	MidPrice float64
}

func (s *smaCrossoverHandler) onEvent(ctx context.Context, ev scalpy.Event) ([]scalpy.Signal, error) {
	candle, ok := ev.Data.(scalpy.OHLC)
	if !ok {
		return nil, nil
	}

	s.mu.Lock()
	s.candlesSeen++
	s.closes = append(s.closes, candle.Close)
	if len(s.closes) > s.period {
		s.closes = s.closes[len(s.closes)-s.period:]
	}
	if len(s.closes) < s.period {
		s.mu.Unlock()
		return nil, nil
	}

	var sum float64
	for _, c := range s.closes {
		sum += c
	}
	ma := sum / float64(len(s.closes))
	nowAbove := candle.Close > ma

	var signals []scalpy.Signal
	if s.haveMA && nowAbove != s.aboveMA {
		side := "sell"
		if nowAbove {
			side = "buy"
		}
		s.signalsEmitted++
		signals = append(signals, scalpy.Signal{
			Timestamp:  ev.Timestamp,
			ProducerID: ev.Info.Period,
			Data:       smaSignal{Symbol: ev.Info.Symbol, Side: side, Close: candle.Close, MA: ma},
		})
	}
	s.aboveMA = nowAbove
	s.haveMA = true
	s.mu.Unlock()

	for _, signal := range signals {
		if s.m != nil {
			s.m.RecordSignal(ev.Info.Symbol)
		}
		if s.hub != nil {
			s.hub.BroadcastSignal(ev.Info, signal.Data)
		}
	}
	return signals, nil
}

func (s *smaCrossoverHandler) onSignal(ctx context.Context, signal scalpy.Signal) ([]scalpy.StreamItem, error) {
	sig, ok := signal.Data.(smaSignal)
	if !ok {
		return nil, nil
	}

	mid := sig.Close
	if s.books != nil {
		if m := s.books.Get(s.bookInfo).Midpoint(); !m.IsZero() {
			mid, _ = m.Float64()
		}
	}

	s.mu.Lock()
	s.ordersEmitted++
	s.mu.Unlock()

	return []scalpy.StreamItem{scalpy.Order{
		Timestamp:  signal.Timestamp,
		ProducerID: signal.ProducerID,
		Data:       smaOrder{Symbol: sig.Symbol, Side: sig.Side, Close: sig.Close, MA: sig.MA, MidPrice: mid},
	}}, nil
}

func (s *smaCrossoverHandler) asHandler(info scalpy.EventInfo, preload time.Duration) *scalpy.Handler {
	return &scalpy.Handler{
		Requests: []scalpy.MarketRequest{{Info: info, Preload: preload, Stream: true}},
		OnEvent:  s.onEvent,
		OnSignal: s.onSignal,
	}
}
