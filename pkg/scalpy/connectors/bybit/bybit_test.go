package bybit

import (
	"testing"

	"github.com/someapps/scalpy/pkg/scalpy"
)

func TestConvertPeriod(t *testing.T) {
	cases := []struct {
		period int
		want   string
		ok     bool
	}{
		{1, "1", true},
		{720, "720", true},
		{1440, "D", true},
		{10080, "W", true},
		{43200, "M", true},
		{2, "", false},
		{90, "", false},
	}

	for _, tc := range cases {
		got, err := ConvertPeriod(tc.period)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("ConvertPeriod(%d) = %q, %v; want %q, nil", tc.period, got, err, tc.want)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("ConvertPeriod(%d) = %q, nil; want ValidationError", tc.period, got)
			}
			if _, ok := err.(*scalpy.ValidationError); !ok {
				t.Errorf("ConvertPeriod(%d) error = %T; want *scalpy.ValidationError", tc.period, err)
			}
		}
	}
}

func TestParseTrade(t *testing.T) {
	trade, err := ParseTrade("1700000000.123,BTCUSDT,Buy,0.5,65000.1,PlusTick,abc123,extra")
	if err != nil {
		t.Fatalf("ParseTrade: %v", err)
	}
	if !trade.IsBuy || trade.Size != 0.5 || trade.Price != 65000.1 || trade.TradeID != "abc123" {
		t.Fatalf("unexpected trade: %+v", trade)
	}
	if trade.Timestamp != 1700000000.123*1000 {
		t.Fatalf("expected timestamp in ms, got %v", trade.Timestamp)
	}
}

func TestParseTradeSellSide(t *testing.T) {
	trade, err := ParseTrade("1700000000,BTCUSDT,Sell,1,1,MinusTick,x")
	if err != nil {
		t.Fatalf("ParseTrade: %v", err)
	}
	if trade.IsBuy {
		t.Fatal("expected a sell trade")
	}
	if trade.Side() != "Sell" {
		t.Fatalf("Side() = %q, want Sell", trade.Side())
	}
}

func TestParseTradeMalformedRow(t *testing.T) {
	if _, err := ParseTrade("too,few,fields"); err == nil {
		t.Fatal("expected an error for a malformed trade row")
	}
}

func TestParseOrderbook(t *testing.T) {
	line := `{"cts":1700000000000,"type":"snapshot","data":{"a":[["65001.0","1.5"]],"b":[["64999.0","2.0"]]}}`
	ob, err := ParseOrderbook(line)
	if err != nil {
		t.Fatalf("ParseOrderbook: %v", err)
	}
	if ob.Type != scalpy.MessageTypeSnapshot {
		t.Fatalf("expected SNAPSHOT, got %v", ob.Type)
	}
	if len(ob.Asks) != 1 || ob.Asks[0].Price != 65001.0 || ob.Asks[0].Volume != 1.5 {
		t.Fatalf("unexpected asks: %+v", ob.Asks)
	}
	if len(ob.Bids) != 1 || ob.Bids[0].Price != 64999.0 {
		t.Fatalf("unexpected bids: %+v", ob.Bids)
	}
}

func TestParseOrderbookDelta(t *testing.T) {
	line := `{"cts":1,"type":"delta","data":{"a":[],"b":[]}}`
	ob, err := ParseOrderbook(line)
	if err != nil {
		t.Fatalf("ParseOrderbook: %v", err)
	}
	if ob.Type != scalpy.MessageTypeDelta {
		t.Fatalf("expected DELTA, got %v", ob.Type)
	}
}

func TestParseOrderbookUnknownType(t *testing.T) {
	line := `{"cts":1,"type":"bogus","data":{"a":[],"b":[]}}`
	if _, err := ParseOrderbook(line); err == nil {
		t.Fatal("expected an error for an unknown orderbook message type")
	}
}

func TestCanBatchDownload(t *testing.T) {
	c := New(nil, t.TempDir())
	if !c.CanBatchDownload(scalpy.DataTypeKline) {
		t.Fatal("KLINE should support batch download")
	}
	if c.CanBatchDownload(scalpy.DataTypeTrade) {
		t.Fatal("TRADE should not support batch download")
	}
}
