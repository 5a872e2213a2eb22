// Package market implements scalpy.History: it hydrates local storage
// from a connector on demand, then reads everything asked for back out
// of storage, so a backtest never pays a network round trip twice for
// the same day.
package market

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/someapps/scalpy/pkg/scalpy"
)

// HistoryProvider is a scalpy.History backed by a Connector (for
// fetching data not yet on disk) and a Storage (for the on-disk cache
// and for answering range queries).
type HistoryProvider struct {
	connector scalpy.Connector
	storage   scalpy.Storage
}

func NewHistoryProvider(connector scalpy.Connector, storage scalpy.Storage) *HistoryProvider {
	return &HistoryProvider{connector: connector, storage: storage}
}

// Get hydrates storage for every day from the day containing start
// through the day containing end that is not already downloaded, then
// streams the full range back out of storage.
func (h *HistoryProvider) Get(ctx context.Context, info scalpy.EventInfo, start, end time.Time) (<-chan scalpy.Event, <-chan error) {
	out := make(chan scalpy.Event)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		var err error
		if h.connector.CanBatchDownload(info.Type) {
			err = h.hydrateBatched(ctx, info, start, end)
		} else {
			err = h.hydrateDayByDay(ctx, info, start, end)
		}
		if err != nil {
			errCh <- err
			return
		}

		items, storageErrs := h.storage.Get(ctx, info, start, end)
		for item := range items {
			select {
			case out <- toEvent(info, item):
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := <-storageErrs; err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func toEvent(info scalpy.EventInfo, item scalpy.StreamItem) scalpy.Event {
	var ts float64
	switch v := item.(type) {
	case scalpy.Trade:
		ts = v.Timestamp
	case scalpy.OHLC:
		ts = v.Timestamp
	case scalpy.OrderbookEvent:
		ts = v.Timestamp
	}
	return scalpy.Event{Timestamp: ts, Info: info, Data: item}
}

// hydrateDayByDay downloads one missing day at a time, for connectors
// that can't batch (DataTypeTrade, DataTypeOrderbook in the bybit
// connector).
func (h *HistoryProvider) hydrateDayByDay(ctx context.Context, info scalpy.EventInfo, start, end time.Time) error {
	for _, day := range daysBetween(start, end) {
		downloaded, err := h.storage.IsDownloaded(ctx, info, day)
		if err != nil {
			return err
		}
		if downloaded {
			continue
		}

		items, errs := h.connector.GetDay(ctx, info, day)
		var batch []scalpy.StreamItem
		for item := range items {
			batch = append(batch, item)
		}
		if err := <-errs; err != nil {
			return fmt.Errorf("market: GetDay %s %s: %w", info.Symbol, day.Format("2006-01-02"), err)
		}

		if err := h.storage.Save(ctx, info, batch); err != nil {
			return err
		}
		if err := h.storage.SetDownloaded(ctx, info, day, true); err != nil {
			return err
		}
		log.Printf("[History] hydrated %s %s for %s", info.Symbol, info.Type, day.Format("2006-01-02"))
	}
	return nil
}

// hydrateBatched downloads whole runs of consecutive missing days at
// once, for connectors that support it (DataTypeKline in the bybit
// connector). A run is broken by any day that's already downloaded.
func (h *HistoryProvider) hydrateBatched(ctx context.Context, info scalpy.EventInfo, start, end time.Time) error {
	runs, err := h.intervalsForDownload(ctx, info, start, end)
	if err != nil {
		return err
	}

	for _, run := range runs {
		items, errs := h.connector.GetDays(ctx, info, run.start, run.end)
		var batch []scalpy.StreamItem
		for candle := range items {
			batch = append(batch, candle)
		}
		if err := <-errs; err != nil {
			return fmt.Errorf("market: GetDays %s [%s, %s): %w", info.Symbol, run.start, run.end, err)
		}

		if err := h.storage.Save(ctx, info, batch); err != nil {
			return err
		}
		for _, day := range daysBetween(run.start, run.end) {
			if err := h.storage.SetDownloaded(ctx, info, day, true); err != nil {
				return err
			}
		}
		log.Printf("[History] hydrated %s %s batch [%s, %s)", info.Symbol, info.Type, run.start, run.end)
	}
	return nil
}

type dayInterval struct {
	start, end time.Time
}

// intervalsForDownload coalesces the missing days touched by
// [start, end] (see daysBetween) into
// maximal consecutive runs: a run begins at the first missing day
// after a downloaded (or initial) boundary, and ends at the last
// missing day before the next downloaded day or the end of the range.
// e.g. days D1..D7 with {D2, D5} already downloaded yields
// [D1,D1], [D3,D4], [D6,D7].
func (h *HistoryProvider) intervalsForDownload(ctx context.Context, info scalpy.EventInfo, start, end time.Time) ([]dayInterval, error) {
	var runs []dayInterval
	var row []time.Time
	skipped := false

	flush := func() {
		if len(row) == 0 {
			return
		}
		runStart := startOfDay(row[0])
		runEnd := startOfDay(row[len(row)-1]).AddDate(0, 0, 1)
		runs = append(runs, dayInterval{start: runStart, end: runEnd})
		row = nil
	}

	for _, day := range daysBetween(start, end) {
		downloaded, err := h.storage.IsDownloaded(ctx, info, day)
		if err != nil {
			return nil, err
		}
		if downloaded {
			skipped = true
			continue
		}
		if skipped {
			flush()
			skipped = false
		}
		row = append(row, day)
	}
	flush()

	return runs, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// daysBetween returns the midnight of every day from the day
// containing start through the day containing end, both included; an
// end that falls exactly on a midnight still adds that day.
func daysBetween(start, end time.Time) []time.Time {
	var days []time.Time
	cur := startOfDay(start)
	last := startOfDay(end)
	for !cur.After(last) {
		days = append(days, cur)
		cur = cur.AddDate(0, 0, 1)
	}
	return days
}
