package core

import (
	"context"
	"sort"
	"time"

	"github.com/someapps/scalpy/pkg/scalpy"
)

// eventBuffer materializes a collection of Events, sorted into the
// canonical order (timestamp ascending, then info.Period ascending so
// finer-grained candles are delivered before coarser ones at an equal
// timestamp), and iterates them with restart-on-exhaustion semantics.
type eventBuffer struct {
	events []scalpy.Event
	pos    int
}

func (b *eventBuffer) load(events []scalpy.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].Info.Period < events[j].Info.Period
	})
	b.events = events
	b.pos = 0
}

func (b *eventBuffer) next() (scalpy.Event, bool) {
	if b.pos >= len(b.events) {
		b.pos = 0
		return scalpy.Event{}, false
	}
	ev := b.events[b.pos]
	b.pos++
	return ev, true
}

func collect(ctx context.Context, history scalpy.History, info scalpy.EventInfo, start, end time.Time) ([]scalpy.Event, error) {
	ch, errCh := history.Get(ctx, info, start, end)
	var out []scalpy.Event
	for ev := range ch {
		out = append(out, ev)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return out, nil
}

// Preloader is the bulk-phase MarketIterator: for each subscribed
// request, it hydrates the closed interval [asOf-Preload, asOf] from history
// once Run is called, then yields events in canonical order.
type Preloader struct {
	history  scalpy.History
	asOf     time.Time
	requests []scalpy.MarketRequest
	buf      eventBuffer
}

// NewPreloader creates a Preloader anchored at asOf: every subscribed
// request's lookback window is [asOf-req.Preload, asOf], both ends
// included.
func NewPreloader(history scalpy.History, asOf time.Time) *Preloader {
	return &Preloader{history: history, asOf: asOf}
}

func (p *Preloader) Subscribe(req scalpy.MarketRequest) {
	p.requests = append(p.requests, req)
}

func (p *Preloader) Run(ctx context.Context) error {
	var all []scalpy.Event
	for _, req := range p.requests {
		if req.Preload <= 0 {
			continue
		}
		start := p.asOf.Add(-req.Preload)
		events, err := collect(ctx, p.history, req.Info, start, p.asOf)
		if err != nil {
			return err
		}
		all = append(all, events...)
	}
	p.buf.load(all)
	return nil
}

func (p *Preloader) Next(ctx context.Context) (scalpy.Event, bool, error) {
	select {
	case <-ctx.Done():
		return scalpy.Event{}, false, ctx.Err()
	default:
	}
	ev, ok := p.buf.next()
	return ev, ok, nil
}

// StreamIterator is the live-phase MarketIterator: for each subscribed
// EventInfo requested with Stream set, it hydrates the full closed
// [start, end] interval
// from history once Run is called, then yields events in canonical
// order, restarting from the beginning on exhaustion.
type StreamIterator struct {
	history    scalpy.History
	start, end time.Time
	requests   []scalpy.MarketRequest
	buf        eventBuffer
}

func NewStreamIterator(history scalpy.History, start, end time.Time) *StreamIterator {
	return &StreamIterator{history: history, start: start, end: end}
}

func (s *StreamIterator) Subscribe(req scalpy.MarketRequest) {
	if !req.Stream {
		return
	}
	// Several handlers may request the same EventInfo; load it once so
	// each event is delivered once.
	for _, existing := range s.requests {
		if existing.Info == req.Info {
			return
		}
	}
	s.requests = append(s.requests, req)
}

func (s *StreamIterator) Run(ctx context.Context) error {
	var all []scalpy.Event
	for _, req := range s.requests {
		events, err := collect(ctx, s.history, req.Info, s.start, s.end)
		if err != nil {
			return err
		}
		all = append(all, events...)
	}
	s.buf.load(all)
	return nil
}

func (s *StreamIterator) Next(ctx context.Context) (scalpy.Event, bool, error) {
	select {
	case <-ctx.Done():
		return scalpy.Event{}, false, ctx.Err()
	default:
	}
	ev, ok := s.buf.next()
	return ev, ok, nil
}

// ReplayIterator wraps a StreamIterator and paces emission against
// wall-clock time: on the first event of a run it computes
// time_shift = now - event.Timestamp once, then for each event waits
// until wall-clock reaches event.Timestamp+time_shift. A negative wait
// is clamped to zero. time_shift is cleared on exhaustion so a fresh
// run recomputes it against the new wall-clock start.
type ReplayIterator struct {
	*StreamIterator
	timeShift float64
	haveShift bool
}

func NewReplayIterator(history scalpy.History, start, end time.Time) *ReplayIterator {
	return &ReplayIterator{StreamIterator: NewStreamIterator(history, start, end)}
}

func (r *ReplayIterator) Next(ctx context.Context) (scalpy.Event, bool, error) {
	ev, ok, err := r.StreamIterator.Next(ctx)
	if err != nil || !ok {
		r.haveShift = false
		return ev, ok, err
	}

	nowMs := float64(time.Now().UnixMilli())
	if !r.haveShift {
		r.timeShift = nowMs - ev.Timestamp
		r.haveShift = true
	}

	target := ev.Timestamp + r.timeShift
	delayMs := target - nowMs
	if delayMs > 0 {
		select {
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
		case <-ctx.Done():
			return scalpy.Event{}, false, ctx.Err()
		}
	}
	return ev, true, nil
}
