package demand

import (
	"sync"
	"testing"
	"time"

	"github.com/marketfeed/hub/internal/model"
)

type fakeAdapter struct {
	mu            sync.Mutex
	subscribed    []string
	unsubscribed  []string
	klineSubs     []string
	klineUnsubs   []string
	liqSubscribes int
}

func (f *fakeAdapter) SubscribeSymbol(symbol string, channels []model.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, symbol)
	return nil
}

func (f *fakeAdapter) UnsubscribeSymbol(symbol string, channels []model.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, symbol)
	return nil
}

func (f *fakeAdapter) SubscribeKline(symbol, interval string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.klineSubs = append(f.klineSubs, symbol+":"+interval)
	return nil
}

func (f *fakeAdapter) UnsubscribeKline(symbol, interval string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.klineUnsubs = append(f.klineUnsubs, symbol+":"+interval)
	return nil
}

func (f *fakeAdapter) SubscribeLiquidations() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liqSubscribes++
	return nil
}

func (f *fakeAdapter) counts() (sub, unsub int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribed), len(f.unsubscribed)
}

func TestSubscribeIssuesUpstreamOnlyOnFirstClient(t *testing.T) {
	a := &fakeAdapter{}
	tr := New(map[string]Adapter{"bybit": a}, time.Minute)

	issued := tr.Subscribe("bybit", "BTCUSDT", model.ChannelTrades, "")
	if !issued {
		t.Fatal("expected first subscribe to issue upstream request")
	}
	issued = tr.Subscribe("bybit", "BTCUSDT", model.ChannelTrades, "")
	if issued {
		t.Fatal("expected second subscribe (refcount 1->2) not to reissue upstream request")
	}

	sub, _ := a.counts()
	if sub != 1 {
		t.Fatalf("expected exactly one upstream subscribe, got %d", sub)
	}
}

func TestUnsubscribeToZeroSchedulesDelayedCleanup(t *testing.T) {
	a := &fakeAdapter{}
	tr := New(map[string]Adapter{"bybit": a}, 20*time.Millisecond)
	defer tr.Stop()

	tr.Subscribe("bybit", "BTCUSDT", model.ChannelTrades, "")
	tr.Unsubscribe("bybit", "BTCUSDT", model.ChannelTrades, "")

	_, unsub := a.counts()
	if unsub != 0 {
		t.Fatal("expected no immediate upstream unsubscribe")
	}

	time.Sleep(60 * time.Millisecond)
	_, unsub = a.counts()
	if unsub != 1 {
		t.Fatalf("expected upstream unsubscribe after cleanup delay, got %d", unsub)
	}
}

func TestResubscribeDuringCleanupWindowCancelsTeardown(t *testing.T) {
	a := &fakeAdapter{}
	tr := New(map[string]Adapter{"bybit": a}, 30*time.Millisecond)
	defer tr.Stop()

	tr.Subscribe("bybit", "BTCUSDT", model.ChannelTrades, "")
	tr.Unsubscribe("bybit", "BTCUSDT", model.ChannelTrades, "")
	tr.Subscribe("bybit", "BTCUSDT", model.ChannelTrades, "")

	time.Sleep(60 * time.Millisecond)
	_, unsub := a.counts()
	if unsub != 0 {
		t.Fatalf("expected resubscribe to cancel pending cleanup, got %d unsubscribes", unsub)
	}
}

func TestHotSymbolPinsSubscriptionAgainstTeardown(t *testing.T) {
	a := &fakeAdapter{}
	tr := New(map[string]Adapter{"bybit": a}, 20*time.Millisecond)
	defer tr.Stop()

	tr.SetHotSymbols("bybit", []string{"BTCUSDT"})
	tr.Subscribe("bybit", "BTCUSDT", model.ChannelTrades, "")
	tr.Unsubscribe("bybit", "BTCUSDT", model.ChannelTrades, "")

	time.Sleep(60 * time.Millisecond)
	_, unsub := a.counts()
	if unsub != 0 {
		t.Fatalf("expected hot symbol to stay pinned, got %d unsubscribes", unsub)
	}
}

func TestHotSymbolPinningExcludesKlines(t *testing.T) {
	a := &fakeAdapter{}
	tr := New(map[string]Adapter{"bybit": a}, 20*time.Millisecond)
	defer tr.Stop()

	tr.SetHotSymbols("bybit", []string{"BTCUSDT"})
	tr.Subscribe("bybit", "BTCUSDT", model.ChannelKlines, "1m")
	tr.Unsubscribe("bybit", "BTCUSDT", model.ChannelKlines, "1m")

	time.Sleep(60 * time.Millisecond)
	a.mu.Lock()
	gotUnsubs := len(a.klineUnsubs)
	a.mu.Unlock()
	if gotUnsubs != 1 {
		t.Fatalf("expected kline subscription to tear down despite hot symbol, got %d unsubscribes", gotUnsubs)
	}
}

func TestLiquidationsNeverUnsubscribed(t *testing.T) {
	a := &fakeAdapter{}
	tr := New(map[string]Adapter{"bybit": a}, 10*time.Millisecond)
	defer tr.Stop()

	tr.Subscribe("bybit", "BTCUSDT", model.ChannelLiquidations, "")
	tr.Unsubscribe("bybit", "BTCUSDT", model.ChannelLiquidations, "")

	time.Sleep(40 * time.Millisecond)
	_, unsub := a.counts()
	if unsub != 0 {
		t.Fatalf("expected no UnsubscribeSymbol calls for liquidations, got %d", unsub)
	}
	a.mu.Lock()
	liq := a.liqSubscribes
	a.mu.Unlock()
	if liq != 1 {
		t.Fatalf("expected exactly one SubscribeLiquidations call, got %d", liq)
	}
}

func TestStatsReportsTotalsAndPendingCleanups(t *testing.T) {
	a := &fakeAdapter{}
	tr := New(map[string]Adapter{"bybit": a}, time.Minute)
	defer tr.Stop()

	tr.Subscribe("bybit", "BTCUSDT", model.ChannelTrades, "")
	tr.Subscribe("bybit", "ETHUSDT", model.ChannelOrderbook, "")
	tr.Unsubscribe("bybit", "ETHUSDT", model.ChannelOrderbook, "")

	stats := tr.Stats()
	if stats.TotalSubscriptions != 2 {
		t.Fatalf("expected 2 total subscriptions, got %d", stats.TotalSubscriptions)
	}
	if stats.PendingCleanups != 1 {
		t.Fatalf("expected 1 pending cleanup timer, got %d", stats.PendingCleanups)
	}
	if stats.PerExchange["bybit"] != 2 {
		t.Fatalf("expected per-exchange count 2, got %d", stats.PerExchange["bybit"])
	}
}

func TestKeyComposesExchangeSymbolInterval(t *testing.T) {
	if got := Key("bybit", "BTCUSDT", ""); got != "bybit:BTCUSDT" {
		t.Fatalf("unexpected key: %s", got)
	}
	if got := Key("bybit", "BTCUSDT", "1m"); got != "bybit:BTCUSDT:1m" {
		t.Fatalf("unexpected kline key: %s", got)
	}
}
