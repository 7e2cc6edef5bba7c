package binance

import (
	"testing"

	"github.com/marketfeed/hub/internal/exchange"
	"github.com/marketfeed/hub/internal/model"
)

func TestHandleLiquidationMapsSideBuySellsALong(t *testing.T) {
	a := New()
	var got model.Event
	b := exchange.NewBase(a, 0, func(ev model.Event) { got = ev }, nil)

	// SELL order forcibly closed a long position.
	raw := []byte(`{"stream":"!forceOrder@arr","data":{"e":"forceOrder","o":{"s":"BTCUSDT","S":"SELL","p":"64000","q":"0.5","T":1700000000000}}}`)
	if err := a.HandleMessage(b, raw); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	liq, ok := got.Data.(model.Liquidation)
	if !ok {
		t.Fatalf("expected model.Liquidation payload, got %T", got.Data)
	}
	if liq.Side != model.SideBuy {
		t.Fatalf("SELL order side should map to SideBuy (a long was liquidated), got %v", liq.Side)
	}

	raw = []byte(`{"stream":"!forceOrder@arr","data":{"e":"forceOrder","o":{"s":"BTCUSDT","S":"BUY","p":"64000","q":"0.5","T":1700000000000}}}`)
	if err := a.HandleMessage(b, raw); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	liq, _ = got.Data.(model.Liquidation)
	if liq.Side != model.SideSell {
		t.Fatalf("BUY order side should map to SideSell (a short was liquidated), got %v", liq.Side)
	}
}

func TestLiquidationsSubscriptionKeyMarkedOnce(t *testing.T) {
	a := New()
	b := exchange.NewBase(a, 0, nil, nil)

	if !b.MarkSubscribed("liquidations:" + model.AllSymbol) {
		t.Fatal("expected first mark to succeed")
	}
	if b.MarkSubscribed("liquidations:" + model.AllSymbol) {
		t.Fatal("expected second mark for the same key to be a no-op")
	}
}

func TestMarkPriceUpdateEmitsTickerAndFunding(t *testing.T) {
	a := New()
	var channels []model.Channel
	b := exchange.NewBase(a, 0, func(ev model.Event) { channels = append(channels, ev.Channel) }, nil)

	raw := []byte(`{"stream":"btcusdt@markPrice","data":{"e":"markPriceUpdate","s":"BTCUSDT","p":"64010","i":"64005","r":"0.0001","T":1700000000000}}`)
	if err := a.HandleMessage(b, raw); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(channels) != 2 || channels[0] != model.ChannelTickers || channels[1] != model.ChannelFunding {
		t.Fatalf("expected [tickers funding] events, got %v", channels)
	}
}
