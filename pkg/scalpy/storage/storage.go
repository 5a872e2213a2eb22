// Package storage persists and reconstructs market data in a sqlite
// database, ported from the Python original's database/ package (which
// used SQLAlchemy against MySQL) one-for-one in table naming and
// reconstruction semantics, against modernc.org/sqlite
// (a pure-Go driver, so the whole module stays cgo-free).
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/someapps/scalpy/pkg/scalpy"
)

// Time multipliers for persistence (spec.md §6.4): TRADE and
// ORDERBOOK store their millisecond timestamps multiplied by 1e6 (so
// the stored unit is nanoseconds); KLINE stores them multiplied by
// 1e-3 (seconds). Retrieval divides back.
const (
	tradeOrderbookMultiplier = 1_000_000.0
	klineMultiplier          = 0.001
)

// Store is a sqlite-backed scalpy.Storage.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) the sqlite database at path and ensures the
// downloaded-days registry table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	s := &Store{db: db}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS downloaded (
		symbol TEXT NOT NULL,
		type   INTEGER NOT NULL,
		period INTEGER NOT NULL DEFAULT 0,
		day    TEXT NOT NULL,
		PRIMARY KEY (symbol, type, period, day)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create downloaded table: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func tableName(info scalpy.EventInfo, ext string) (string, error) {
	symbol := strings.ReplaceAll(strings.ToLower(info.Symbol), ".", "_")

	switch info.Type {
	case scalpy.DataTypeKline:
		return fmt.Sprintf("kline_%d_%s", info.Period, symbol), nil
	case scalpy.DataTypeTrade:
		return fmt.Sprintf("trade_%s", symbol), nil
	case scalpy.DataTypeOrderbook:
		if ext == "" {
			return "", &scalpy.ValidationError{Msg: "ext is required for an orderbook table name"}
		}
		return fmt.Sprintf("orderbook_%s_%s", ext, symbol), nil
	default:
		return "", &scalpy.NotImplementedError{Op: "tableName", Type: info.Type}
	}
}

func (s *Store) ensureTable(ctx context.Context, info scalpy.EventInfo, ext string) (string, error) {
	name, err := tableName(info, ext)
	if err != nil {
		return "", err
	}

	var ddl string
	switch info.Type {
	case scalpy.DataTypeKline:
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			time INTEGER PRIMARY KEY,
			start_time INTEGER,
			open DOUBLE NOT NULL,
			high DOUBLE NOT NULL,
			low DOUBLE NOT NULL,
			close DOUBLE NOT NULL,
			volume DOUBLE,
			turnover DOUBLE
		)`, name)
	case scalpy.DataTypeTrade:
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			time DOUBLE NOT NULL,
			side BOOLEAN NOT NULL,
			size DOUBLE NOT NULL,
			price DOUBLE NOT NULL,
			id TEXT PRIMARY KEY
		)`, name)
	case scalpy.DataTypeOrderbook:
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			time DOUBLE NOT NULL,
			price DOUBLE NOT NULL,
			side BOOLEAN NOT NULL,
			volume DOUBLE NOT NULL,
			seq INTEGER,
			PRIMARY KEY (time, price, side)
		)`, name)
	default:
		return "", &scalpy.NotImplementedError{Op: "ensureTable", Type: info.Type}
	}

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return "", fmt.Errorf("storage: create table %s: %w", name, err)
	}
	return name, nil
}

func (s *Store) IsDownloaded(ctx context.Context, info scalpy.EventInfo, day time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM downloaded WHERE symbol=? AND type=? AND period=? AND day=?`,
		info.Symbol, int(info.Type), info.Period, day.Format("2006-01-02"),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage: IsDownloaded: %w", err)
	}
	return n > 0, nil
}

func (s *Store) SetDownloaded(ctx context.Context, info scalpy.EventInfo, day time.Time, v bool) error {
	dayStr := day.Format("2006-01-02")
	if v {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO downloaded (symbol, type, period, day) VALUES (?, ?, ?, ?)`,
			info.Symbol, int(info.Type), info.Period, dayStr,
		)
		if err != nil {
			return fmt.Errorf("storage: SetDownloaded: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM downloaded WHERE symbol=? AND type=? AND period=? AND day=?`,
		info.Symbol, int(info.Type), info.Period, dayStr,
	)
	if err != nil {
		return fmt.Errorf("storage: SetDownloaded delete: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, info scalpy.EventInfo, items []scalpy.StreamItem) error {
	log.Printf("[Storage] saving %d %s items for %s", len(items), info.Type, info.Symbol)

	switch info.Type {
	case scalpy.DataTypeKline:
		return s.saveKlines(ctx, info, items)
	case scalpy.DataTypeTrade:
		return s.saveTrades(ctx, info, items)
	case scalpy.DataTypeOrderbook:
		return s.saveOrderbook(ctx, info, items)
	default:
		return &scalpy.NotImplementedError{Op: "Save", Type: info.Type}
	}
}

const chunkSize = 1000

func (s *Store) saveKlines(ctx context.Context, info scalpy.EventInfo, items []scalpy.StreamItem) error {
	table, err := s.ensureTable(ctx, info, "")
	if err != nil {
		return err
	}

	for _, chunk := range chunkItems(items) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`INSERT OR IGNORE INTO %s (time, start_time, open, high, low, close, volume, turnover) VALUES (?,?,?,?,?,?,?,?)`, table))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("storage: prepare kline insert: %w", err)
		}
		for _, it := range chunk {
			candle, ok := it.(scalpy.OHLC)
			if !ok {
				continue
			}
			storedTime := int64(candle.Timestamp * klineMultiplier)
			storedStart := int64(candle.StartTimestamp * klineMultiplier)
			if _, err := stmt.ExecContext(ctx, storedTime, storedStart, candle.Open, candle.High, candle.Low, candle.Close, candle.Volume, candle.Turnover); err != nil {
				stmt.Close()
				tx.Rollback()
				return fmt.Errorf("storage: insert kline: %w", err)
			}
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit kline chunk: %w", err)
		}
	}
	return nil
}

func (s *Store) saveTrades(ctx context.Context, info scalpy.EventInfo, items []scalpy.StreamItem) error {
	table, err := s.ensureTable(ctx, info, "")
	if err != nil {
		return err
	}

	for _, chunk := range chunkItems(items) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`INSERT OR IGNORE INTO %s (time, side, size, price, id) VALUES (?,?,?,?,?)`, table))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("storage: prepare trade insert: %w", err)
		}
		for _, it := range chunk {
			trade, ok := it.(scalpy.Trade)
			if !ok {
				continue
			}
			storedTime := int64(trade.Timestamp * tradeOrderbookMultiplier)
			if _, err := stmt.ExecContext(ctx, storedTime, trade.IsBuy, trade.Size, trade.Price, trade.TradeID); err != nil {
				stmt.Close()
				tx.Rollback()
				return fmt.Errorf("storage: insert trade: %w", err)
			}
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit trade chunk: %w", err)
		}
	}
	return nil
}

func (s *Store) saveOrderbook(ctx context.Context, info scalpy.EventInfo, items []scalpy.StreamItem) error {
	var snapshots, deltas []scalpy.OrderbookEvent
	for _, it := range items {
		ob, ok := it.(scalpy.OrderbookEvent)
		if !ok {
			continue
		}
		switch ob.Type {
		case scalpy.MessageTypeSnapshot:
			snapshots = append(snapshots, ob)
		case scalpy.MessageTypeDelta:
			deltas = append(deltas, ob)
		default:
			return &scalpy.NotImplementedError{Op: "saveOrderbook", Type: info.Type}
		}
	}

	for _, group := range []struct {
		ext    string
		events []scalpy.OrderbookEvent
	}{{"snapshot", snapshots}, {"delta", deltas}} {
		table, err := s.ensureTable(ctx, info, group.ext)
		if err != nil {
			return err
		}
		if err := s.insertOrderbookRows(ctx, table, group.events); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertOrderbookRows(ctx context.Context, table string, events []scalpy.OrderbookEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT OR IGNORE INTO %s (time, price, side, volume, seq) VALUES (?,?,?,?,?)`, table))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("storage: prepare orderbook insert: %w", err)
	}
	defer stmt.Close()

	storedTimeOf := func(ts float64) int64 { return int64(ts * tradeOrderbookMultiplier) }

	for _, ev := range events {
		storedTime := storedTimeOf(ev.Timestamp)
		for i, ask := range ev.Asks {
			if _, err := stmt.ExecContext(ctx, storedTime, ask.Price, true, ask.Volume, i+1); err != nil {
				tx.Rollback()
				return fmt.Errorf("storage: insert orderbook ask: %w", err)
			}
		}
		for i, bid := range ev.Bids {
			if _, err := stmt.ExecContext(ctx, storedTime, bid.Price, false, bid.Volume, -(i + 1)); err != nil {
				tx.Rollback()
				return fmt.Errorf("storage: insert orderbook bid: %w", err)
			}
		}
	}
	return tx.Commit()
}

func chunkItems(items []scalpy.StreamItem) [][]scalpy.StreamItem {
	var chunks [][]scalpy.StreamItem
	for i := 0; i < len(items); i += chunkSize {
		end := i + chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}

func (s *Store) Get(ctx context.Context, info scalpy.EventInfo, start, end time.Time) (<-chan scalpy.StreamItem, <-chan error) {
	out := make(chan scalpy.StreamItem)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		if start.After(end) {
			errCh <- &scalpy.ValidationError{Msg: "start must not be after end"}
			return
		}

		var err error
		switch info.Type {
		case scalpy.DataTypeOrderbook:
			err = s.getOrderbook(ctx, info, start, end, out)
		case scalpy.DataTypeKline:
			err = s.getKlines(ctx, info, start, end, out)
		case scalpy.DataTypeTrade:
			err = s.getTrades(ctx, info, start, end, out)
		default:
			err = &scalpy.NotImplementedError{Op: "Get", Type: info.Type}
		}
		if err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func (s *Store) getKlines(ctx context.Context, info scalpy.EventInfo, start, end time.Time, out chan<- scalpy.StreamItem) error {
	table, err := tableName(info, "")
	if err != nil {
		return err
	}
	if !s.tableExists(ctx, table) {
		return nil
	}

	startStored := int64(float64(start.UnixMilli()) * klineMultiplier)
	endStored := int64(float64(end.UnixMilli()) * klineMultiplier)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT time, start_time, open, high, low, close, volume, turnover FROM %s WHERE start_time >= ? AND start_time <= ?`, table),
		startStored, endStored)
	if err != nil {
		return fmt.Errorf("storage: query klines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var storedTime, storedStart int64
		var open, high, low, cls, volume, turnover sql.NullFloat64
		if err := rows.Scan(&storedTime, &storedStart, &open, &high, &low, &cls, &volume, &turnover); err != nil {
			return fmt.Errorf("storage: scan kline: %w", err)
		}
		candle := scalpy.OHLC{
			Timestamp:      float64(storedTime) / klineMultiplier,
			StartTimestamp: float64(storedStart) / klineMultiplier,
			Open:           open.Float64,
			High:           high.Float64,
			Low:            low.Float64,
			Close:          cls.Float64,
			Volume:         volume.Float64,
			Turnover:       turnover.Float64,
		}
		select {
		case out <- candle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return rows.Err()
}

func (s *Store) getTrades(ctx context.Context, info scalpy.EventInfo, start, end time.Time, out chan<- scalpy.StreamItem) error {
	table, err := tableName(info, "")
	if err != nil {
		return err
	}
	if !s.tableExists(ctx, table) {
		return nil
	}

	startStored := int64(float64(start.UnixMilli()) * tradeOrderbookMultiplier)
	endStored := int64(float64(end.UnixMilli()) * tradeOrderbookMultiplier)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT time, side, size, price, id FROM %s WHERE time >= ? AND time <= ?`, table),
		startStored, endStored)
	if err != nil {
		return fmt.Errorf("storage: query trades: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var storedTime float64
		var isBuy bool
		var size, price float64
		var id string
		if err := rows.Scan(&storedTime, &isBuy, &size, &price, &id); err != nil {
			return fmt.Errorf("storage: scan trade: %w", err)
		}
		trade := scalpy.Trade{
			Timestamp: storedTime / tradeOrderbookMultiplier,
			IsBuy:     isBuy,
			Size:      size,
			Price:     price,
			TradeID:   id,
		}
		select {
		case out <- trade:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return rows.Err()
}

// getOrderbook reconstructs the book from the closest snapshot at or
// before start, applies deltas up to start, emits that reconstructed
// state as a synthetic snapshot, then streams the remaining deltas
// through end.
func (s *Store) getOrderbook(ctx context.Context, info scalpy.EventInfo, start, end time.Time, out chan<- scalpy.StreamItem) error {
	snapTable, err := tableName(info, "snapshot")
	if err != nil {
		return err
	}
	deltaTable, err := tableName(info, "delta")
	if err != nil {
		return err
	}

	startStored := int64(float64(start.UnixMilli()) * tradeOrderbookMultiplier)
	endStored := int64(float64(end.UnixMilli()) * tradeOrderbookMultiplier)

	snapTime, err := s.closestSnapshotTime(ctx, snapTable, startStored)
	if err != nil {
		return err
	}

	levels := make(map[string]level) // key: price as string, to use as a map key for float
	if err := s.fillSnapshot(ctx, snapTable, levels, snapTime, false, 0); err != nil {
		return err
	}
	if err := s.fillSnapshot(ctx, deltaTable, levels, snapTime, true, startStored); err != nil {
		return err
	}

	snapshot := scalpy.OrderbookEvent{Timestamp: float64(snapTime) / tradeOrderbookMultiplier, Type: scalpy.MessageTypeSnapshot}
	for _, l := range levels {
		pv := scalpy.PriceVolume{Price: l.price, Volume: l.volume}
		if l.isAsk {
			snapshot.Asks = append(snapshot.Asks, pv)
		} else {
			snapshot.Bids = append(snapshot.Bids, pv)
		}
	}
	select {
	case out <- snapshot:
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.streamOrderbookDeltas(ctx, deltaTable, startStored, endStored, out)
}

type level struct {
	price  float64
	volume float64
	isAsk  bool
}

func (s *Store) closestSnapshotTime(ctx context.Context, table string, atOrBefore int64) (int64, error) {
	if !s.tableExists(ctx, table) {
		return 0, &scalpy.ValidationError{Msg: fmt.Sprintf("no snapshot table %s", table)}
	}
	var t sql.NullInt64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT time FROM %s WHERE time <= ? ORDER BY time DESC LIMIT 1`, table), atOrBefore).Scan(&t)
	if err == sql.ErrNoRows || !t.Valid {
		return 0, &scalpy.ValidationError{Msg: "no snapshot found at or before the requested start"}
	}
	if err != nil {
		return 0, fmt.Errorf("storage: closest snapshot time: %w", err)
	}
	return t.Int64, nil
}

// fillSnapshot reads rows from table into levels. When fromDelta is
// false it reads the exact snapshot row set (time == snapTime).
// Otherwise it reads delta rows strictly between snapTime and
// until, applying them on top of the existing levels (a non-positive
// volume removes the level).
func (s *Store) fillSnapshot(ctx context.Context, table string, levels map[string]level, snapTime int64, fromDelta bool, until int64) error {
	if !s.tableExists(ctx, table) {
		return nil
	}

	var rows *sql.Rows
	var err error
	if !fromDelta {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT price, side, volume FROM %s WHERE time = ?`, table), snapTime)
	} else {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT price, side, volume FROM %s WHERE time > ? AND time < ?`, table), snapTime, until)
	}
	if err != nil {
		return fmt.Errorf("storage: query snapshot fill: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var price, volume float64
		var isAsk bool
		if err := rows.Scan(&price, &isAsk, &volume); err != nil {
			return fmt.Errorf("storage: scan snapshot fill: %w", err)
		}
		key := strconv.FormatFloat(price, 'g', -1, 64)
		if volume <= 0 {
			delete(levels, key)
			continue
		}
		levels[key] = level{price: price, volume: volume, isAsk: isAsk}
	}
	return rows.Err()
}

func (s *Store) streamOrderbookDeltas(ctx context.Context, table string, start, end int64, out chan<- scalpy.StreamItem) error {
	if !s.tableExists(ctx, table) {
		return nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT time, price, side, volume FROM %s WHERE time >= ? AND time <= ? ORDER BY time ASC`, table), start, end)
	if err != nil {
		return fmt.Errorf("storage: query orderbook deltas: %w", err)
	}
	defer rows.Close()

	var asks, bids []scalpy.PriceVolume
	var curTime int64
	haveTime := false

	flush := func() error {
		if !haveTime || (len(asks) == 0 && len(bids) == 0) {
			return nil
		}
		ev := scalpy.OrderbookEvent{
			Timestamp: float64(curTime) / tradeOrderbookMultiplier,
			Type:      scalpy.MessageTypeDelta,
			Asks:      asks,
			Bids:      bids,
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	for rows.Next() {
		var t int64
		var price, volume float64
		var isAsk bool
		if err := rows.Scan(&t, &price, &isAsk, &volume); err != nil {
			return fmt.Errorf("storage: scan orderbook delta: %w", err)
		}

		if haveTime && t != curTime {
			if err := flush(); err != nil {
				return err
			}
			asks, bids = nil, nil
		}
		curTime = t
		haveTime = true

		pv := scalpy.PriceVolume{Price: price, Volume: volume}
		if isAsk {
			asks = append(asks, pv)
		} else {
			bids = append(bids, pv)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return flush()
}

func (s *Store) tableExists(ctx context.Context, name string) bool {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	return err == nil && n > 0
}
