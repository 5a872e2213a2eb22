// Package core implements the backtest Engine: the handler analyzer
// that builds dispatch tables from a tree of capability-tagged
// handlers, and the run loop that drives the preload and stream
// phases.
package core

import (
	"context"
	"log"
	"time"

	"github.com/someapps/scalpy/pkg/scalpy"
	"github.com/someapps/scalpy/pkg/scalpy/book"
	"github.com/someapps/scalpy/pkg/scalpy/metrics"
)

// Engine owns a preloader, a stream iterator and the handler tree, and
// drives events through trade conversion, event handling, signal
// handling and advise handling down to emitted orders.
type Engine struct {
	preloader scalpy.MarketIterator
	iterator  scalpy.MarketIterator
	handlers  []*scalpy.Handler

	preloadTradeConverters map[scalpy.EventInfo]scalpy.PreloadTradeConverterFunc
	preloadEventHandlers   map[scalpy.EventInfo]scalpy.PreloadEventHandlerFunc
	preloadSignalHandlers  []scalpy.PreloadSignalHandlerFunc

	tradeConverters map[scalpy.EventInfo]scalpy.TradeConverterFunc
	eventHandlers   map[scalpy.EventInfo][]scalpy.EventHandlerFunc
	signalHandlers  []scalpy.SignalHandlerFunc
	adviseHandlers  []scalpy.AdviseHandlerFunc

	// Books tracks a live L2 order book per EventInfo, rebuilt from
	// every OrderbookEvent the stream phase dispatches. Exposed so
	// strategies and the streaming hub can read best-bid/ask and VWAP.
	Books *book.Registry

	// Metrics, if set, records dispatch counts and handler latency.
	// Nil-safe: a nil Metrics simply means nothing is recorded.
	Metrics *metrics.Metrics

	// OnOrder receives every emitted Order. Defaults to logging it.
	OnOrder func(scalpy.Order)

	// OnOrderbook, if set, receives the updated book after every
	// OrderbookEvent the stream phase applies.
	OnOrderbook func(scalpy.EventInfo, *book.OrderBook)
}

// NewEngine analyzes handlers (recursively, via their Children) and
// builds the engine's dispatch tables and iterator subscriptions.
func NewEngine(preloader, iterator scalpy.MarketIterator, handlers []*scalpy.Handler) *Engine {
	e := &Engine{
		preloader:              preloader,
		iterator:               iterator,
		handlers:               handlers,
		preloadTradeConverters: make(map[scalpy.EventInfo]scalpy.PreloadTradeConverterFunc),
		preloadEventHandlers:   make(map[scalpy.EventInfo]scalpy.PreloadEventHandlerFunc),
		tradeConverters:        make(map[scalpy.EventInfo]scalpy.TradeConverterFunc),
		eventHandlers:          make(map[scalpy.EventInfo][]scalpy.EventHandlerFunc),
		Books:                  book.NewRegistry(),
	}
	e.OnOrder = func(o scalpy.Order) { log.Printf("[Engine] order: %+v", o) }
	e.analyzeHandlers(handlers)
	return e
}

// analyzeHandlers walks handlers and their MarketRequests in the exact
// order spec'd: for each request, stream-subscription checks run
// before preload-subscription checks, and within the stream branch
// capabilities are tested TradeConverter -> EventHandler ->
// SignalHandler -> AdviseHandler. Recursion into a handler's Children
// only happens through an active SignalHandler or AdviseHandler
// capability.
func (e *Engine) analyzeHandlers(handlers []*scalpy.Handler) {
	for _, h := range handlers {
		for _, req := range h.Requests {
			if req.Stream {
				e.iterator.Subscribe(req)

				if h.OnTrade != nil {
					e.tradeConverters[req.Info] = h.OnTrade
				}
				if h.OnEvent != nil {
					e.eventHandlers[req.Info] = append(e.eventHandlers[req.Info], h.OnEvent)
				}
				if h.OnSignal != nil {
					e.signalHandlers = append(e.signalHandlers, h.OnSignal)
					e.analyzeHandlers(h.Children)
				}
				if h.OnAdvise != nil {
					e.adviseHandlers = append(e.adviseHandlers, h.OnAdvise)
					e.analyzeHandlers(h.Children)
				}
			}

			if req.Preload > 0 {
				e.preloader.Subscribe(req)

				if h.OnPreloadTrade != nil {
					e.preloadTradeConverters[req.Info] = h.OnPreloadTrade
				}
				if h.OnPreloadEvent != nil {
					e.preloadEventHandlers[req.Info] = h.OnPreloadEvent
				}
				if h.OnPreloadSignal != nil {
					e.preloadSignalHandlers = append(e.preloadSignalHandlers, h.OnPreloadSignal)
					e.analyzeHandlers(h.Children)
				}
			}
		}
	}
}

// Run materializes both iterators, drains the preload phase, then
// drives the stream phase to completion, emitting every produced Order
// to OnOrder.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.preloader.Run(ctx); err != nil {
		return err
	}
	if err := e.iterator.Run(ctx); err != nil {
		return err
	}

	if err := e.runPreloadPhase(ctx); err != nil {
		return err
	}
	return e.runStreamPhase(ctx)
}

func (e *Engine) runPreloadPhase(ctx context.Context) error {
	byInfo := make(map[scalpy.EventInfo][]scalpy.Event)
	for {
		ev, ok, err := e.preloader.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		byInfo[ev.Info] = append(byInfo[ev.Info], ev)
	}

	// Known deviation from the original: the reference implementation
	// iterates this map's values() but unpacks them as (info, handle)
	// pairs, which only makes sense for items(). This port iterates
	// key/value pairs directly, the evidently intended behavior.
	for info, handle := range e.preloadTradeConverters {
		derived, err := handle(ctx, byInfo[info])
		if err != nil {
			return err
		}
		for _, ev := range derived {
			byInfo[ev.Info] = append(byInfo[ev.Info], ev)
		}
	}

	var signals []scalpy.Signal
	for info, handle := range e.preloadEventHandlers {
		produced, err := handle(ctx, byInfo[info])
		if err != nil {
			return err
		}
		signals = append(signals, produced...)
	}

	for _, signal := range signals {
		for _, handle := range e.preloadSignalHandlers {
			// Outputs are discarded; the call still happens so any
			// lazy, state-accumulating side effect materializes.
			if _, err := handle(ctx, signal); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) runStreamPhase(ctx context.Context) error {
	for {
		ev, ok, err := e.iterator.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		e.Books.Apply(ev)
		if _, ok := ev.Data.(scalpy.OrderbookEvent); ok && e.OnOrderbook != nil {
			e.OnOrderbook(ev.Info, e.Books.Get(ev.Info))
		}

		orders, err := e.dispatch(ctx, ev)
		if err != nil {
			return err
		}
		for _, order := range orders {
			e.OnOrder(order)
		}
	}
}

// dispatch runs one market event through trade conversion, event
// handling, signal handling and advise handling, returning every Order
// it produced.
func (e *Engine) dispatch(ctx context.Context, marketEvent scalpy.Event) ([]scalpy.Order, error) {
	if e.Metrics != nil {
		e.Metrics.RecordDispatch(marketEvent.Info.Symbol, marketEvent.Info.Type.String())
	}

	events := []scalpy.Event{marketEvent}
	if convert, ok := e.tradeConverters[marketEvent.Info]; ok {
		derived, err := convert(ctx, marketEvent)
		if err != nil {
			return nil, err
		}
		events = append(events, derived...)
	}

	var orders []scalpy.Order
	for _, ev := range events {
		handlers, ok := e.eventHandlers[ev.Info]
		if !ok {
			continue
		}
		for _, handle := range handlers {
			start := time.Now()
			signals, err := handle(ctx, ev)
			if e.Metrics != nil {
				e.Metrics.RecordHandler("event", time.Since(start).Seconds())
			}
			if err != nil {
				return nil, err
			}
			for _, signal := range signals {
				produced, err := e.dispatchSignal(ctx, signal)
				if err != nil {
					return nil, err
				}
				orders = append(orders, produced...)
			}
		}
	}
	return orders, nil
}

func (e *Engine) dispatchSignal(ctx context.Context, signal scalpy.Signal) ([]scalpy.Order, error) {
	var orders []scalpy.Order
	for _, handle := range e.signalHandlers {
		start := time.Now()
		items, err := handle(ctx, signal)
		if e.Metrics != nil {
			e.Metrics.RecordHandler("signal", time.Since(start).Seconds())
		}
		if err != nil {
			return nil, err
		}
		for _, out := range items {
			if order, ok := out.(scalpy.Order); ok {
				orders = append(orders, order)
				continue
			}
			advise, ok := out.(scalpy.Advise)
			if !ok {
				continue
			}
			for _, adviseHandle := range e.adviseHandlers {
				adviseOrders, err := adviseHandle(ctx, advise)
				if err != nil {
					return nil, err
				}
				orders = append(orders, adviseOrders...)
			}
		}
	}
	return orders, nil
}
