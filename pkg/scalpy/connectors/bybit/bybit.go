// Package bybit implements the bybit-flavored Connector: period
// mapping, the public downloadable-archive URL template, and the
// trade-CSV / orderbook-JSONL line formats, ported from the Python
// original's connectors/bybit.py for bit-exact compatibility.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/someapps/scalpy/pkg/scalpy"
	"github.com/someapps/scalpy/pkg/scalpy/archive"
)

const periodToMS = 60_000

// downloadListURL is the bybit public archive index endpoint.
const downloadListURL = "https://api2.bybit.com/quote/public/support/download/list-files" +
	"?bizType=contract&interval=daily&periods=&productId=%s&symbols=%s&startDay=%s&endDay=%s"

// klineURL is bybit's v5 market kline endpoint.
const klineURL = "https://api.bybit.com/v5/market/kline?category=linear&symbol=%s&interval=%s&limit=1000&start=%d&end=%d"

// HTTPDoer is satisfied by *http.Client; injecting it keeps the
// connector unit-testable without network access.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Connector implements scalpy.Connector against bybit's public
// download-archive and kline HTTP endpoints.
type Connector struct {
	http      HTTPDoer
	limiter   *rate.Limiter
	Downloads string // local directory archives are cached under
}

// New builds a Connector rate-limited to 5 requests/second, the way
// the teacher's clob client rate-limits its HTTP calls.
func New(doer HTTPDoer, downloads string) *Connector {
	return &Connector{
		http:      doer,
		limiter:   rate.NewLimiter(rate.Limit(5), 5),
		Downloads: downloads,
	}
}

func (c *Connector) CanBatchDownload(t scalpy.DataType) bool {
	return t == scalpy.DataTypeKline
}

func (c *Connector) GetDay(ctx context.Context, info scalpy.EventInfo, day time.Time) (<-chan scalpy.StreamItem, <-chan error) {
	out := make(chan scalpy.StreamItem)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		log.Printf("[Bybit] downloading %s %s for %s...", info.Symbol, info.Type, day.Format("2006-01-02"))

		var productID string
		var skipTitle bool
		var parse func(string) (scalpy.StreamItem, error)

		switch info.Type {
		case scalpy.DataTypeTrade:
			productID, skipTitle, parse = "trade", true, c.parseTrade
		case scalpy.DataTypeOrderbook:
			productID, skipTitle, parse = "orderbook", false, c.parseOrderbook
		default:
			errCh <- &scalpy.NotImplementedError{Op: "GetDay", Type: info.Type}
			return
		}

		lines, err := c.download(ctx, info.Symbol, productID, day, skipTitle)
		if err != nil {
			errCh <- err
			return
		}

		for _, line := range lines {
			item, err := parse(line)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case out <- item:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		log.Printf("[Bybit] downloaded %s %s for %s", info.Symbol, info.Type, day.Format("2006-01-02"))
	}()

	return out, errCh
}

func (c *Connector) GetDays(ctx context.Context, info scalpy.EventInfo, start, end time.Time) (<-chan scalpy.OHLC, <-chan error) {
	out := make(chan scalpy.OHLC)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		if info.Type != scalpy.DataTypeKline {
			errCh <- &scalpy.NotImplementedError{Op: "GetDays", Type: info.Type}
			return
		}

		bybitPeriod, err := ConvertPeriod(info.Period)
		if err != nil {
			errCh <- err
			return
		}

		startMs := start.UnixMilli()
		endMs := end.UnixMilli() - 1

		for startMs <= endMs {
			candles, err := c.getKline(ctx, info.Symbol, info.Period, bybitPeriod, startMs, endMs)
			if err != nil {
				errCh <- err
				return
			}
			if len(candles) == 0 {
				return
			}
			for _, candle := range candles {
				select {
				case out <- candle:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
			endMs = int64(candles[len(candles)-1].StartTimestamp) - 1
		}
	}()

	return out, errCh
}

// ConvertPeriod maps a candle period in minutes to bybit's interval
// code. Only the set the original supports is accepted; anything else
// is a ValidationError.
func ConvertPeriod(period int) (string, error) {
	switch period {
	case 1, 3, 5, 15, 30, 60, 120, 240, 360, 720:
		return strconv.Itoa(period), nil
	case 1440:
		return "D", nil
	case 10080:
		return "W", nil
	case 43200:
		return "M", nil
	default:
		return "", &scalpy.ValidationError{Msg: fmt.Sprintf("unsupported period %d", period)}
	}
}

func (c *Connector) getKline(ctx context.Context, symbol string, period int, bybitPeriod string, start, end int64) ([]scalpy.OHLC, error) {
	url := fmt.Sprintf(klineURL, symbol, bybitPeriod, start, end)

	var body struct {
		Result struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := c.getJSON(ctx, url, &body); err != nil {
		return nil, err
	}

	candles := make([]scalpy.OHLC, 0, len(body.Result.List))
	for _, item := range body.Result.List {
		if len(item) < 6 {
			continue
		}
		openTS, _ := strconv.ParseFloat(item[0], 64)
		open, _ := strconv.ParseFloat(item[1], 64)
		high, _ := strconv.ParseFloat(item[2], 64)
		low, _ := strconv.ParseFloat(item[3], 64)
		cls, _ := strconv.ParseFloat(item[4], 64)
		volume, _ := strconv.ParseFloat(item[5], 64)
		var turnover float64
		if len(item) > 6 {
			turnover, _ = strconv.ParseFloat(item[6], 64)
		}

		candles = append(candles, scalpy.OHLC{
			StartTimestamp: openTS,
			Open:           open,
			High:           high,
			Low:            low,
			Close:          cls,
			Volume:         volume,
			Turnover:       turnover,
		})
		candles[len(candles)-1].Timestamp = openTS + float64(period*periodToMS)
	}
	return candles, nil
}

func (c *Connector) download(ctx context.Context, symbol, productID string, day time.Time, skipTitle bool) ([]string, error) {
	dayStr := day.Format("2006-01-02")
	url := fmt.Sprintf(downloadListURL, productID, symbol, dayStr, dayStr)

	var listing struct {
		Result struct {
			List []struct {
				Filename string `json:"filename"`
				URL      string `json:"url"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := c.getJSON(ctx, url, &listing); err != nil {
		return nil, err
	}
	if len(listing.Result.List) == 0 {
		return nil, &scalpy.TransportError{URL: url, Err: fmt.Errorf("empty file listing")}
	}
	fileInfo := listing.Result.List[0]

	dir := filepath.Join(c.Downloads, productID, symbol)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bybit: create download dir: %w", err)
	}
	filename := filepath.Join(dir, fileInfo.Filename)

	if _, err := os.Stat(filename); err != nil {
		if err := c.downloadFile(ctx, fileInfo.URL, filename); err != nil {
			return nil, err
		}
	} else {
		log.Printf("[Bybit] %s already downloaded, skipping", filename)
	}

	return archive.ExtractLines(filename, skipTitle)
}

func (c *Connector) downloadFile(ctx context.Context, url, filename string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("bybit: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &scalpy.TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &scalpy.TransportError{URL: url, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("bybit: create %s: %w", filename, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("bybit: write %s: %w", filename, err)
	}
	return nil
}

func (c *Connector) getJSON(ctx context.Context, url string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("bybit: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &scalpy.TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &scalpy.TransportError{URL: url, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &scalpy.TransportError{URL: url, Err: err}
	}
	return nil
}

// ParseTrade parses one bybit trade-CSV row:
// ts,symbol,side,size,price,tick_dir,trade_id,...
func ParseTrade(line string) (scalpy.Trade, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 7 {
		return scalpy.Trade{}, &scalpy.CorruptInputError{Msg: fmt.Sprintf("malformed trade row: %q", line)}
	}

	ts, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return scalpy.Trade{}, &scalpy.CorruptInputError{Msg: fmt.Sprintf("malformed trade timestamp: %q", line)}
	}
	size, _ := strconv.ParseFloat(fields[3], 64)
	price, _ := strconv.ParseFloat(fields[4], 64)

	return scalpy.Trade{
		Timestamp: ts * 1000,
		IsBuy:     strings.HasPrefix(fields[2], "B"),
		Size:      size,
		Price:     price,
		TradeID:   fields[6],
	}, nil
}

func (c *Connector) parseTrade(line string) (scalpy.StreamItem, error) {
	trade, err := ParseTrade(line)
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// ParseOrderbook parses one bybit orderbook JSONL line:
// {"cts":..., "type": "snapshot"|"delta", "data": {"a": [...], "b": [...]}}
func ParseOrderbook(line string) (scalpy.OrderbookEvent, error) {
	var data struct {
		CTS  float64 `json:"cts"`
		Type string  `json:"type"`
		Data struct {
			Asks [][2]string `json:"a"`
			Bids [][2]string `json:"b"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return scalpy.OrderbookEvent{}, &scalpy.CorruptInputError{Msg: fmt.Sprintf("malformed orderbook row: %v", err)}
	}

	var msgType scalpy.MessageType
	switch strings.ToUpper(data.Type) {
	case "SNAPSHOT":
		msgType = scalpy.MessageTypeSnapshot
	case "DELTA":
		msgType = scalpy.MessageTypeDelta
	default:
		return scalpy.OrderbookEvent{}, &scalpy.ValidationError{Msg: fmt.Sprintf("unknown orderbook message type %q", data.Type)}
	}

	toPV := func(pairs [][2]string) []scalpy.PriceVolume {
		out := make([]scalpy.PriceVolume, 0, len(pairs))
		for _, pair := range pairs {
			price, _ := strconv.ParseFloat(pair[0], 64)
			volume, _ := strconv.ParseFloat(pair[1], 64)
			out = append(out, scalpy.PriceVolume{Price: price, Volume: volume})
		}
		return out
	}

	return scalpy.OrderbookEvent{
		Timestamp: data.CTS,
		Type:      msgType,
		Asks:      toPV(data.Data.Asks),
		Bids:      toPV(data.Data.Bids),
	}, nil
}

func (c *Connector) parseOrderbook(line string) (scalpy.StreamItem, error) {
	ob, err := ParseOrderbook(line)
	if err != nil {
		return nil, err
	}
	return ob, nil
}
