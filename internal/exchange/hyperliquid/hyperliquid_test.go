package hyperliquid

import (
	"testing"

	"github.com/marketfeed/hub/internal/exchange"
	"github.com/marketfeed/hub/internal/model"
)

func TestCoinFromSymbolStripsQuoteSuffix(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT": "BTC",
		"ETHUSDC": "ETH",
		"ethusdt": "eth",
		"SOL":     "SOL",
	}
	for in, want := range cases {
		if got := coinFromSymbol(in); got != want {
			t.Errorf("coinFromSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandleAllMidsEmitsTickerPerCoin(t *testing.T) {
	a := New()
	var events []string
	b := exchange.NewBase(a, 0, func(ev model.Event) {
		events = append(events, "event")
	}, nil)

	raw := []byte(`{"channel":"allMids","data":{"mids":{"BTC":"65000.5","ETH":"3200.1"}}}`)
	if err := a.HandleMessage(b, raw); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 ticker events (one per coin), got %d", len(events))
	}
}

func TestHandleActiveAssetCtxEmitsTickerFundingAndOI(t *testing.T) {
	a := New()
	var events []model.Event
	b := exchange.NewBase(a, 0, func(ev model.Event) {
		events = append(events, ev)
	}, nil)

	raw := []byte(`{"channel":"activeAssetCtx","data":{"coin":"BTC","ctx":{"markPx":"65001","midPx":"65000","oraclePx":"64999","funding":"0.0001","openInterest":"1234.5","prevDayPx":"64000"}}}`)
	if err := a.HandleMessage(b, raw); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected ticker+funding+openInterest events, got %d", len(events))
	}
}

func TestIsPongDetectsPongChannel(t *testing.T) {
	a := New()
	if !a.IsPong([]byte(`{"channel":"pong"}`)) {
		t.Fatal("expected pong frame to be recognized")
	}
	if a.IsPong([]byte(`{"channel":"allMids","data":{}}`)) {
		t.Fatal("did not expect a data frame to be treated as pong")
	}
}
