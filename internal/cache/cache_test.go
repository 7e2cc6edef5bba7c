package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketfeed/hub/internal/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestTickerMergeKeepsPreviouslyPopulatedFields(t *testing.T) {
	c := New(time.Minute)
	c.SetTicker("bybit", "BTCUSDT", model.Ticker{LastPrice: dec("50000"), Volume24h: dec("100")})
	c.SetTicker("bybit", "BTCUSDT", model.Ticker{MarkPrice: dec("50010")})

	ticker, stale := c.GetTicker("bybit", "BTCUSDT")
	if stale {
		t.Fatal("expected fresh ticker")
	}
	if !ticker.LastPrice.Equal(dec("50000")) {
		t.Fatalf("expected LastPrice to survive merge, got %s", ticker.LastPrice)
	}
	if !ticker.MarkPrice.Equal(dec("50010")) {
		t.Fatalf("expected MarkPrice from second write, got %s", ticker.MarkPrice)
	}
	if !ticker.Volume24h.Equal(dec("100")) {
		t.Fatalf("expected Volume24h to survive merge, got %s", ticker.Volume24h)
	}
}

func TestOrderbookSnapshotThenDelta(t *testing.T) {
	c := New(time.Minute)
	c.UpdateOrderbook("bybit", "BTCUSDT",
		[]model.PriceLevel{{Price: dec("100"), Size: dec("1")}, {Price: dec("99"), Size: dec("2")}},
		[]model.PriceLevel{{Price: dec("101"), Size: dec("1")}, {Price: dec("102"), Size: dec("2")}},
		true, 1, 1, 1000)

	ob, _ := c.GetOrderbook("bybit", "BTCUSDT")
	if len(ob.Bids) != 2 || !ob.Bids[0].Price.Equal(dec("100")) {
		t.Fatalf("expected bids descending starting at 100, got %+v", ob.Bids)
	}
	if len(ob.Asks) != 2 || !ob.Asks[0].Price.Equal(dec("101")) {
		t.Fatalf("expected asks ascending starting at 101, got %+v", ob.Asks)
	}

	// delta: remove bid at 99, upsert bid at 100.5
	c.UpdateOrderbook("bybit", "BTCUSDT",
		[]model.PriceLevel{{Price: dec("99"), Size: dec("0")}, {Price: dec("100.5"), Size: dec("3")}},
		nil, false, 2, 2, 2000)

	ob, _ = c.GetOrderbook("bybit", "BTCUSDT")
	if len(ob.Bids) != 2 {
		t.Fatalf("expected 2 bids after delta, got %d: %+v", len(ob.Bids), ob.Bids)
	}
	if !ob.Bids[0].Price.Equal(dec("100.5")) {
		t.Fatalf("expected best bid 100.5, got %s", ob.Bids[0].Price)
	}
}

func TestSubscribeDeliversSnapshotThenUpdates(t *testing.T) {
	c := New(time.Minute)
	c.SetTicker("bybit", "BTCUSDT", model.Ticker{LastPrice: dec("1")})

	var mu sync.Mutex
	var received []model.Ticker
	unsub := c.Subscribe(model.ChannelTickers, "bybit", "BTCUSDT", func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, n.Data.(model.Ticker))
	})
	defer unsub()

	c.SetTicker("bybit", "BTCUSDT", model.Ticker{LastPrice: dec("2")})
	c.SetTicker("bybit", "BTCUSDT", model.Ticker{LastPrice: dec("3")})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 {
		t.Fatalf("expected snapshot + 2 updates, got %d deliveries", len(received))
	}
	if !received[0].LastPrice.Equal(dec("1")) {
		t.Fatalf("expected first delivery to be the pre-subscribe snapshot (1), got %s", received[0].LastPrice)
	}
	if !received[1].LastPrice.Equal(dec("2")) || !received[2].LastPrice.Equal(dec("3")) {
		t.Fatalf("expected updates in source order, got %v %v", received[1].LastPrice, received[2].LastPrice)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c := New(time.Minute)
	var count int
	unsub := c.Subscribe(model.ChannelTickers, "bybit", "ETHUSDT", func(n Notification) {
		count++
	})
	unsub()
	c.SetTicker("bybit", "ETHUSDT", model.Ticker{LastPrice: dec("5")})
	if count != 1 {
		t.Fatalf("expected only the initial snapshot delivery, got %d", count)
	}
}

func TestAddTradesDedupByTradeID(t *testing.T) {
	c := New(time.Minute)
	c.AddTrades("bybit", "BTCUSDT", []model.Trade{
		{TradeID: "1", Price: dec("100"), Size: dec("1"), Timestamp: 1},
		{TradeID: "1", Price: dec("100"), Size: dec("1"), Timestamp: 1},
	})
	trades := c.GetTrades("bybit", "BTCUSDT", 0)
	if len(trades) != 1 {
		t.Fatalf("expected dedup within batch, got %d trades", len(trades))
	}

	c.AddTrades("bybit", "BTCUSDT", []model.Trade{
		{TradeID: "1", Price: dec("100"), Size: dec("1"), Timestamp: 1},
	})
	trades = c.GetTrades("bybit", "BTCUSDT", 0)
	if len(trades) != 1 {
		t.Fatalf("expected dedup against existing ring, got %d trades", len(trades))
	}
}

func TestAddTradesDedupByComposite(t *testing.T) {
	c := New(time.Minute)
	c.AddTrades("bybit", "BTCUSDT", []model.Trade{
		{Price: dec("100"), Size: dec("1"), Timestamp: 1000},
		{Price: dec("100"), Size: dec("1"), Timestamp: 1000},
		{Price: dec("101"), Size: dec("1"), Timestamp: 1000},
	})
	trades := c.GetTrades("bybit", "BTCUSDT", 0)
	if len(trades) != 2 {
		t.Fatalf("expected composite dedup to leave 2 trades, got %d", len(trades))
	}
}

func TestTradeRingCappedAt100(t *testing.T) {
	c := New(time.Minute)
	batch := make([]model.Trade, 0, 150)
	for i := 0; i < 150; i++ {
		batch = append(batch, model.Trade{TradeID: string(rune(i)), Price: dec("1"), Size: dec("1"), Timestamp: int64(i)})
	}
	c.AddTrades("bybit", "BTCUSDT", batch)
	trades := c.GetTrades("bybit", "BTCUSDT", 0)
	if len(trades) != tradeRingCap {
		t.Fatalf("expected ring capped at %d, got %d", tradeRingCap, len(trades))
	}
}

func TestLiquidationMirroredToAll(t *testing.T) {
	c := New(time.Minute)
	c.AddLiquidation("bybit", "BTCUSDT", model.Liquidation{ID: "1", Price: dec("100"), Size: dec("1"), Side: model.SideBuy, Timestamp: 1})

	perSymbol := c.GetLiquidations("bybit", "BTCUSDT", 0)
	all := c.GetLiquidations("bybit", model.AllSymbol, 0)
	if len(perSymbol) != 1 || len(all) != 1 {
		t.Fatalf("expected 1 entry in both rings, got %d and %d", len(perSymbol), len(all))
	}
	if all[0].Symbol != "BTCUSDT" {
		t.Fatalf("expected ALL ring entry to carry the originating symbol, got %s", all[0].Symbol)
	}
}

func TestKlineMergeDedupSortTruncate(t *testing.T) {
	c := New(time.Minute)
	c.MergeKlines("bybit", "BTCUSDT", "1m", []model.Candle{
		{T: 300, C: dec("3")},
		{T: 100, C: dec("1")},
		{T: 200, C: dec("2")},
	})
	c.MergeKlines("bybit", "BTCUSDT", "1m", []model.Candle{
		{T: 200, C: dec("2.5")},
		{T: 400, C: dec("4")},
	})

	candles := c.GetKlines("bybit", "BTCUSDT", "1m", 0)
	if len(candles) != 4 {
		t.Fatalf("expected 4 deduped candles, got %d", len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].T <= candles[i-1].T {
			t.Fatalf("expected ascending order, got %v", candles)
		}
	}
	if !candles[1].C.Equal(dec("2.5")) {
		t.Fatalf("expected t=200 candle overwritten by second merge, got %s", candles[1].C)
	}
}

func TestIsStaleAfterThreshold(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.SetTicker("bybit", "BTCUSDT", model.Ticker{LastPrice: dec("1")})
	if _, stale := c.GetTicker("bybit", "BTCUSDT"); stale {
		t.Fatal("expected fresh entry immediately after write")
	}
	time.Sleep(30 * time.Millisecond)
	if _, stale := c.GetTicker("bybit", "BTCUSDT"); !stale {
		t.Fatal("expected entry to be stale after threshold elapses")
	}
}

func TestStaleSweeperDropsExpiredEntries(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.SetTicker("bybit", "BTCUSDT", model.Ticker{LastPrice: dec("1")})
	stop := c.StartStaleSweeper(10 * time.Millisecond)
	defer stop()

	time.Sleep(80 * time.Millisecond)
	ticker, _ := c.GetTicker("bybit", "BTCUSDT")
	if !ticker.LastPrice.IsZero() {
		t.Fatalf("expected sweeper to drop the expired ticker, still have %s", ticker.LastPrice)
	}
}

func TestSubscribePanicInCallbackIsSwallowed(t *testing.T) {
	c := New(time.Minute)
	unsub := c.Subscribe(model.ChannelTickers, "bybit", "BTCUSDT", func(n Notification) {
		panic("boom")
	})
	defer unsub()
	// Must not panic the caller.
	c.SetTicker("bybit", "BTCUSDT", model.Ticker{LastPrice: dec("1")})
}
