// scalpy runs a backtest over historical kline data from Bybit,
// streaming the run's orders and signals to connected WebSocket
// clients and exposing Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/someapps/scalpy/pkg/scalpy"
	"github.com/someapps/scalpy/pkg/scalpy/book"
	"github.com/someapps/scalpy/pkg/scalpy/connectors/bybit"
	"github.com/someapps/scalpy/pkg/scalpy/core"
	"github.com/someapps/scalpy/pkg/scalpy/market"
	"github.com/someapps/scalpy/pkg/scalpy/metrics"
	"github.com/someapps/scalpy/pkg/scalpy/storage"
	"github.com/someapps/scalpy/pkg/scalpy/streaming"
)

var (
	symbol       = flag.String("symbol", "BTCUSDT", "Trading symbol")
	period       = flag.Int("period", 60, "Kline period in minutes")
	lookbackDays = flag.Int("lookback-days", 3, "Days of preload history before the stream window")
	streamDays   = flag.Int("stream-days", 1, "Days of stream window to backtest")
	dbPath       = flag.String("db", "scalpy.db", "Path to the sqlite data cache")
	downloadsDir = flag.String("downloads", "downloads", "Directory for raw downloaded archives")
	maPeriod     = flag.Int("ma-period", 10, "Simple moving average period, in candles")
	httpAddr     = flag.String("http", "", "If set, serve /ws and /metrics on this address (e.g. :8090)")
)

func main() {
	flag.Parse()

	store, err := storage.Open(*dbPath)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer store.Close()

	connector := bybit.New(http.DefaultClient, *downloadsDir)
	history := market.NewHistoryProvider(connector, store)
	m := metrics.New()
	hub := streaming.NewHub()

	info := scalpy.EventInfo{Symbol: *symbol, Type: scalpy.DataTypeKline, Period: *period}
	bookInfo := scalpy.EventInfo{Symbol: *symbol, Type: scalpy.DataTypeOrderbook}

	now := time.Now().UTC()
	streamEnd := now
	streamStart := streamEnd.AddDate(0, 0, -*streamDays)
	preloadWindow := time.Duration(*lookbackDays) * 24 * time.Hour

	preloader := core.NewPreloader(history, streamStart)
	iterator := core.NewStreamIterator(history, streamStart, streamEnd)

	strategy := newSMACrossoverHandler(*maPeriod, info, m, hub, nil, bookInfo)

	// A second, callback-less handler whose only job is to subscribe
	// the stream iterator to the order book feed: the engine applies
	// every OrderbookEvent to its book registry regardless of whether
	// any handler consumes it directly.
	bookFeed := &scalpy.Handler{Requests: []scalpy.MarketRequest{{Info: bookInfo, Stream: true}}}

	engine := core.NewEngine(preloader, iterator, []*scalpy.Handler{strategy.asHandler(info, preloadWindow), bookFeed})
	strategy.books = engine.Books
	engine.Metrics = m
	engine.OnOrderbook = func(bi scalpy.EventInfo, ob *book.OrderBook) {
		hub.BroadcastOrderbook(bi, ob.GetSnapshot())
	}

	sink := newPaperOrderSink(info, m, hub)
	engine.OnOrder = sink.onOrder

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *httpAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.ServeWS)
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
		go hub.Run(ctx)
		go func() {
			log.Printf("[scalpy] serving /ws and /metrics on %s", *httpAddr)
			if err := http.ListenAndServe(*httpAddr, mux); err != nil {
				log.Printf("[scalpy] http server stopped: %v", err)
			}
		}()
	}

	log.Printf("[scalpy] backtesting %s kline(%d) from %s to %s", *symbol, *period, streamStart.Format(time.RFC3339), streamEnd.Format(time.RFC3339))

	if err := engine.Run(ctx); err != nil {
		log.Fatalf("backtest failed: %v", err)
	}

	printSummary(strategy, sink)
}

func printSummary(s *smaCrossoverHandler, sink *paperOrderSink) {
	fmt.Println()
	fmt.Println("==================== BACKTEST SUMMARY ====================")
	fmt.Printf("  Candles seen:      %d\n", s.candlesSeen)
	fmt.Printf("  Signals emitted:   %d\n", s.signalsEmitted)
	fmt.Printf("  Orders emitted:    %d\n", s.ordersEmitted)
	fmt.Printf("  Orders minted IDs: %d\n", sink.count())
	fmt.Println("============================================================")
}
