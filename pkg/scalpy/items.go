package scalpy

import "time"

// EventInfo is the routing key for every piece of market data: a
// symbol, the kind of data, and (for KLINE data) a candle period in
// minutes. It is comparable and usable as a map key. Period is zero for
// non-KLINE types.
type EventInfo struct {
	Symbol string
	Type   DataType
	Period int
}

// StreamItem is the sum type flowing through the engine: every market
// payload and every handler output implements it.
type StreamItem interface {
	streamItem()
}

// Event wraps a payload (Trade, OHLC, OrderbookEvent, ...) together
// with the EventInfo it was produced for. It is the item type the
// preloader, stream and replay iterators all emit.
type Event struct {
	Timestamp  float64 // milliseconds
	ProducerID int
	Info       EventInfo
	Data       StreamItem
}

func (Event) streamItem() {}

// Signal is the output of an EventHandler, passed on to SignalHandlers.
type Signal struct {
	Timestamp  float64
	ProducerID int
	Data       any
}

func (Signal) streamItem() {}

// Advise is the output of a SignalHandler, passed on to AdviseHandlers.
type Advise struct {
	Timestamp  float64
	ProducerID int
	Data       any
}

func (Advise) streamItem() {}

// Order is the terminal item emitted to the outside world.
type Order struct {
	Timestamp  float64
	ProducerID int
	Data       any
}

func (Order) streamItem() {}

// Trade is a single executed trade.
type Trade struct {
	Timestamp  float64
	ProducerID int
	IsBuy      bool
	Size       float64
	Price      float64
	TradeID    string
}

func (Trade) streamItem() {}

// Side renders the trade's direction the way the connector CSV does.
func (t Trade) Side() string {
	if t.IsBuy {
		return "Buy"
	}
	return "Sell"
}

// OHLC is one candle. Timestamp is the candle's close time;
// StartTimestamp is its open time.
type OHLC struct {
	Timestamp      float64
	ProducerID     int
	StartTimestamp float64
	Open           float64
	High           float64
	Low            float64
	Close          float64
	Volume         float64
	Turnover       float64
}

func (OHLC) streamItem() {}

// PriceVolume is one price level of an order book side.
type PriceVolume struct {
	Price  float64
	Volume float64
}

// OrderbookEvent is a snapshot or delta update to an order book.
type OrderbookEvent struct {
	Timestamp  float64
	ProducerID int
	Type       MessageType
	Asks       []PriceVolume
	Bids       []PriceVolume
}

func (OrderbookEvent) streamItem() {}

// NewEvent builds an Event with the given timestamp (milliseconds).
func NewEvent(ts float64, producerID int, info EventInfo, data StreamItem) Event {
	return Event{Timestamp: ts, ProducerID: producerID, Info: info, Data: data}
}

// MarketRequest declares a handler's interest in an EventInfo, either
// for bulk preload over a fixed lookback, or for the live stream, or
// both.
type MarketRequest struct {
	Info    EventInfo
	Preload time.Duration // zero means "not requested"
	Stream  bool
}

// Validate enforces the invariant that at least one of Preload or
// Stream must be set.
func (r MarketRequest) Validate() error {
	if r.Preload <= 0 && !r.Stream {
		return &ValidationError{Msg: "MarketRequest must set Preload or Stream"}
	}
	return nil
}
