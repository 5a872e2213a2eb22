package scalpy

import (
	"context"
	"time"
)

// TradeConverterFunc derives zero or more additional Events from one
// incoming Event (typically a Trade), during the stream phase.
type TradeConverterFunc func(ctx context.Context, event Event) ([]Event, error)

// PreloadTradeConverterFunc is the bulk-phase counterpart of
// TradeConverterFunc, given the whole bucket of preloaded events for
// one EventInfo at once.
type PreloadTradeConverterFunc func(ctx context.Context, events []Event) ([]Event, error)

// EventHandlerFunc turns one Event into zero or more Signals, during
// the stream phase. The return type is Signal, not StreamItem: every
// event-handler output is fed to the signal handlers, so the compiler
// enforces that invariant instead of a runtime type filter silently
// discarding whatever doesn't fit.
type EventHandlerFunc func(ctx context.Context, event Event) ([]Signal, error)

// PreloadEventHandlerFunc is the bulk-phase counterpart of
// EventHandlerFunc.
type PreloadEventHandlerFunc func(ctx context.Context, events []Event) ([]Signal, error)

// SignalHandlerFunc turns one Signal into zero or more Advises or
// Orders.
type SignalHandlerFunc func(ctx context.Context, signal Signal) ([]StreamItem, error)

// PreloadSignalHandlerFunc is the bulk-phase counterpart of
// SignalHandlerFunc. Its output is discarded; only side effects (state
// accumulated on the handler) matter during preload.
type PreloadSignalHandlerFunc func(ctx context.Context, signal Signal) ([]StreamItem, error)

// AdviseHandlerFunc turns one Advise into zero or more Orders.
type AdviseHandlerFunc func(ctx context.Context, advise Advise) ([]Order, error)

// Handler is a capability-tagged record: a handler carries whichever
// optional callback fields its role needs, and the analyzer tests
// presence (non-nil), never a type hierarchy. A handler may combine
// several capabilities at once (e.g. be both an EventHandler and a
// SignalHandler).
type Handler struct {
	Requests []MarketRequest

	OnTrade        TradeConverterFunc
	OnPreloadTrade PreloadTradeConverterFunc

	OnEvent        EventHandlerFunc
	OnPreloadEvent PreloadEventHandlerFunc

	OnSignal        SignalHandlerFunc
	OnPreloadSignal PreloadSignalHandlerFunc

	OnAdvise AdviseHandlerFunc

	// Children holds nested handlers reachable only through a
	// SignalHandler or AdviseHandler capability; the analyzer
	// recurses into it when OnSignal or OnAdvise is set on a stream
	// request, or OnPreloadSignal on a preload request.
	Children []*Handler
}

func (h *Handler) isTradeConverter() bool { return h.OnTrade != nil || h.OnPreloadTrade != nil }
func (h *Handler) isEventHandler() bool   { return h.OnEvent != nil || h.OnPreloadEvent != nil }
func (h *Handler) isSignalHandler() bool  { return h.OnSignal != nil || h.OnPreloadSignal != nil }
func (h *Handler) isAdviseHandler() bool  { return h.OnAdvise != nil }

// History hydrates a closed time interval of market data for one
// EventInfo, from whatever backing store a History implementation
// wraps (see pkg/scalpy/market for the connector-backed provider).
type History interface {
	Get(ctx context.Context, info EventInfo, start, end time.Time) (<-chan Event, <-chan error)
}

// MarketIterator is satisfied by the Preloader, Stream and Replay
// iterators: it accumulates MarketRequest subscriptions, then
// materializes and yields Events in canonical sorted order.
type MarketIterator interface {
	Subscribe(req MarketRequest)
	Run(ctx context.Context) error
	Next(ctx context.Context) (Event, bool, error)
}

// Connector is the narrow surface a market-data source must expose;
// see pkg/scalpy/connectors/bybit for a concrete implementation.
type Connector interface {
	CanBatchDownload(t DataType) bool
	GetDay(ctx context.Context, info EventInfo, day time.Time) (<-chan StreamItem, <-chan error)
	GetDays(ctx context.Context, info EventInfo, start, end time.Time) (<-chan OHLC, <-chan error)
}

// Storage is the narrow surface the history provider and engine use
// for persistence; see pkg/scalpy/storage for a sqlite-backed
// implementation.
type Storage interface {
	IsDownloaded(ctx context.Context, info EventInfo, day time.Time) (bool, error)
	SetDownloaded(ctx context.Context, info EventInfo, day time.Time, v bool) error
	Save(ctx context.Context, info EventInfo, items []StreamItem) error
	Get(ctx context.Context, info EventInfo, start, end time.Time) (<-chan StreamItem, <-chan error)
}
