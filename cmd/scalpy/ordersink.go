package main

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/someapps/scalpy/pkg/scalpy"
	"github.com/someapps/scalpy/pkg/scalpy/metrics"
	"github.com/someapps/scalpy/pkg/scalpy/streaming"
)

// paperOrderSink is the terminal consumer of engine.OnOrder: it mints
// an order ID the way a real execution venue would hand one back,
// records metrics, and broadcasts the fill to connected monitors. It
// does not simulate balances or positions — just order identity and
// visibility.
type paperOrderSink struct {
	info scalpy.EventInfo
	m    *metrics.Metrics
	hub  *streaming.Hub

	mu     sync.Mutex
	orders []paperOrder
}

type paperOrder struct {
	ID    string
	Order scalpy.Order
}

func newPaperOrderSink(info scalpy.EventInfo, m *metrics.Metrics, hub *streaming.Hub) *paperOrderSink {
	return &paperOrderSink{info: info, m: m, hub: hub}
}

func (s *paperOrderSink) onOrder(o scalpy.Order) {
	record := paperOrder{ID: uuid.New().String(), Order: o}

	s.mu.Lock()
	s.orders = append(s.orders, record)
	s.mu.Unlock()

	if s.m != nil {
		s.m.RecordOrder(s.info.Symbol)
	}
	if s.hub != nil {
		s.hub.BroadcastOrder(s.info, record)
	}
	log.Printf("[scalpy] order %s: %+v", record.ID, o)
}

func (s *paperOrderSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}
