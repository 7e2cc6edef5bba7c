// Package bybit implements the Bybit v5 linear (USDT perpetual) public
// WebSocket variant of the shared exchange adapter.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/marketfeed/hub/internal/exchange"
	"github.com/marketfeed/hub/internal/model"
)

const (
	wsURL   = "wss://stream.bybit.com/v5/public/linear"
	restURL = "https://api.bybit.com/v5/market/instruments-info?category=linear"

	liquidationCap   = 50
	subscribeBatch   = 10
	batchStagger     = 100 * time.Millisecond
	orderbookDepth   = "50"
)

// Adapter is Bybit's exchange.Variant.
type Adapter struct {
	httpClient *http.Client
}

// New returns a ready Bybit variant.
func New() *Adapter {
	return &Adapter{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (a *Adapter) Name() string  { return "bybit" }
func (a *Adapter) WSURL() string { return wsURL }

type instrumentsResp struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			Symbol    string `json:"symbol"`
			QuoteCoin string `json:"quoteCoin"`
			Status    string `json:"status"`
		} `json:"list"`
	} `json:"result"`
}

// FetchSymbols returns tradable USDT linear perpetual symbols.
func (a *Adapter) FetchSymbols(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, restURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed instrumentsResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("bybit: decode instruments: %w", err)
	}
	if parsed.RetCode != 0 {
		return nil, fmt.Errorf("bybit: instruments error: %s", parsed.RetMsg)
	}
	symbols := make([]string, 0, len(parsed.Result.List))
	for _, ins := range parsed.Result.List {
		if ins.Status == "Trading" && ins.QuoteCoin == "USDT" {
			symbols = append(symbols, ins.Symbol)
		}
	}
	return symbols, nil
}

// OnOpen re-subscribes pinned hot symbols and kicks off the staggered
// top-50 liquidations subscription.
func (a *Adapter) OnOpen(b *exchange.Base) error {
	for _, sym := range b.HotSymbols() {
		if err := b.SubscribeSymbol(sym, []model.Channel{model.ChannelTickers, model.ChannelOrderbook, model.ChannelTrades}); err != nil {
			return err
		}
	}
	return a.SubscribeLiquidations(b)
}

// SubscribeLiquidations subscribes the top liquidationCap symbols to
// allLiquidation in batches of subscribeBatch with batchStagger offsets.
func (a *Adapter) SubscribeLiquidations(b *exchange.Base) error {
	symbols := b.Symbols()
	if len(symbols) > liquidationCap {
		symbols = symbols[:liquidationCap]
	}

	for i := 0; i < len(symbols); i += subscribeBatch {
		end := i + subscribeBatch
		if end > len(symbols) {
			end = len(symbols)
		}
		batch := symbols[i:end]
		args := make([]string, len(batch))
		for j, sym := range batch {
			args[j] = "allLiquidation." + sym
		}
		if i > 0 {
			time.Sleep(batchStagger)
		}
		if err := sendSubscribe(b, args); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) IsPong(raw []byte) bool {
	return strings.Contains(string(raw), `"op":"pong"`) || strings.Contains(string(raw), `"ret_msg":"pong"`)
}

func (a *Adapter) PingFrame() (int, []byte) {
	return websocket.TextMessage, []byte(`{"op":"ping"}`)
}

type wsEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
	Op    string          `json:"op"`
	Success *bool         `json:"success"`
}

func (a *Adapter) HandleMessage(b *exchange.Base, raw []byte) error {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("bybit: decode frame: %w", err)
	}
	if env.Op != "" {
		// subscription ack or error ack; nothing to parse further.
		return nil
	}
	switch {
	case strings.HasPrefix(env.Topic, "tickers."):
		return a.handleTicker(b, env)
	case strings.HasPrefix(env.Topic, "orderbook."):
		return a.handleOrderbook(b, env)
	case strings.HasPrefix(env.Topic, "publicTrade."):
		return a.handleTrade(b, env)
	case strings.HasPrefix(env.Topic, "kline."):
		return a.handleKline(b, env)
	case strings.HasPrefix(env.Topic, "allLiquidation."):
		return a.handleLiquidation(b, env)
	}
	return nil
}

func (a *Adapter) handleTicker(b *exchange.Base, env wsEnvelope) error {
	var d struct {
		Symbol          string          `json:"symbol"`
		LastPrice       decimal.Decimal `json:"lastPrice"`
		MarkPrice       decimal.Decimal `json:"markPrice"`
		IndexPrice      decimal.Decimal `json:"indexPrice"`
		Bid1Price       decimal.Decimal `json:"bid1Price"`
		Ask1Price       decimal.Decimal `json:"ask1Price"`
		HighPrice24h    decimal.Decimal `json:"highPrice24h"`
		LowPrice24h     decimal.Decimal `json:"lowPrice24h"`
		PrevPrice24h    decimal.Decimal `json:"prevPrice24h"`
		Volume24h       decimal.Decimal `json:"volume24h"`
		Turnover24h     decimal.Decimal `json:"turnover24h"`
		Price24hPcnt    decimal.Decimal `json:"price24hPcnt"`
		FundingRate     decimal.Decimal `json:"fundingRate"`
		NextFundingTime string          `json:"nextFundingTime"`
		OpenInterest    decimal.Decimal `json:"openInterest"`
	}
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return err
	}
	if d.Symbol == "" {
		return nil
	}
	var nextFunding int64
	if d.NextFundingTime != "" {
		fmt.Sscanf(d.NextFundingTime, "%d", &nextFunding)
	}
	t := model.Ticker{
		LastPrice: d.LastPrice, MarkPrice: d.MarkPrice, IndexPrice: d.IndexPrice,
		Bid1Price: d.Bid1Price, Ask1Price: d.Ask1Price,
		High24h: d.HighPrice24h, Low24h: d.LowPrice24h, Open24h: d.PrevPrice24h,
		Volume24h: d.Volume24h, Turnover24h: d.Turnover24h, Price24hPcnt: d.Price24hPcnt,
		FundingRate: d.FundingRate, NextFundingTime: nextFunding, OpenInterest: d.OpenInterest,
	}
	b.EmitData(model.Event{Channel: model.ChannelTickers, Symbol: d.Symbol, Data: t})
	return nil
}

func (a *Adapter) handleOrderbook(b *exchange.Base, env wsEnvelope) error {
	var d struct {
		Symbol string             `json:"s"`
		Bids   [][2]decimal.Decimal `json:"b"`
		Asks   [][2]decimal.Decimal `json:"a"`
		Seq    int64              `json:"seq"`
		UpdateID int64            `json:"u"`
	}
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return err
	}
	toLevels := func(rows [][2]decimal.Decimal) []model.PriceLevel {
		out := make([]model.PriceLevel, len(rows))
		for i, r := range rows {
			out[i] = model.PriceLevel{Price: r[0], Size: r[1]}
		}
		return out
	}
	ob := model.Orderbook{
		Symbol: d.Symbol, Bids: toLevels(d.Bids), Asks: toLevels(d.Asks),
		UpdateID: d.UpdateID, CrossSeq: d.Seq, Timestamp: env.TS,
	}
	b.EmitData(model.Event{Channel: model.ChannelOrderbook, Symbol: d.Symbol, Data: orderbookDelta{ob: ob, snapshot: env.Type == "snapshot"}})
	return nil
}

// orderbookDelta carries whether the book payload should replace or merge;
// internal/hub's dispatch type-asserts this before calling cache.UpdateOrderbook.
type orderbookDelta struct {
	ob       model.Orderbook
	snapshot bool
}

func (o orderbookDelta) Orderbook() model.Orderbook { return o.ob }
func (o orderbookDelta) IsSnapshot() bool           { return o.snapshot }

func (a *Adapter) handleTrade(b *exchange.Base, env wsEnvelope) error {
	var rows []struct {
		Symbol string          `json:"s"`
		Price  decimal.Decimal `json:"p"`
		Size   decimal.Decimal `json:"v"`
		Side   string          `json:"S"`
		Time   int64           `json:"T"`
		ID     string          `json:"i"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	trades := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		side := model.SideBuy
		if strings.EqualFold(r.Side, "Sell") {
			side = model.SideSell
		}
		trades = append(trades, model.Trade{Price: r.Price, Size: r.Size, Side: side, Timestamp: r.Time, TradeID: r.ID})
	}
	b.EmitData(model.Event{Channel: model.ChannelTrades, Symbol: rows[0].Symbol, Data: trades})
	return nil
}

func (a *Adapter) handleKline(b *exchange.Base, env wsEnvelope) error {
	parts := strings.Split(env.Topic, ".")
	if len(parts) != 3 {
		return nil
	}
	interval, symbol := parts[1], parts[2]

	var rows []struct {
		Start   int64           `json:"start"`
		Open    decimal.Decimal `json:"open"`
		High    decimal.Decimal `json:"high"`
		Low     decimal.Decimal `json:"low"`
		Close   decimal.Decimal `json:"close"`
		Volume  decimal.Decimal `json:"volume"`
		Confirm bool            `json:"confirm"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return err
	}
	for _, r := range rows {
		candle := model.Candle{T: r.Start, O: r.Open, H: r.High, L: r.Low, C: r.Close, V: r.Volume, Closed: r.Confirm}
		b.EmitData(model.Event{Channel: model.ChannelKlines, Symbol: symbol, Interval: interval, Data: candle})
	}
	return nil
}

func (a *Adapter) handleLiquidation(b *exchange.Base, env wsEnvelope) error {
	var d struct {
		Symbol string          `json:"symbol"`
		Side   string          `json:"side"`
		Price  decimal.Decimal `json:"price"`
		Size   decimal.Decimal `json:"size"`
		Time   int64           `json:"updatedTime"`
	}
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return err
	}
	side := model.SideBuy
	if strings.EqualFold(d.Side, "Sell") {
		side = model.SideSell
	}
	liq := model.Liquidation{Symbol: d.Symbol, Price: d.Price, Size: d.Size, Side: side, Timestamp: d.Time}
	b.EmitData(model.Event{Channel: model.ChannelLiquidations, Symbol: d.Symbol, Data: liq})
	return nil
}

func sendSubscribe(b *exchange.Base, args []string) error {
	payload, err := json.Marshal(map[string]interface{}{"op": "subscribe", "args": args})
	if err != nil {
		return err
	}
	return b.Send(websocket.TextMessage, payload)
}

func sendUnsubscribe(b *exchange.Base, args []string) error {
	payload, err := json.Marshal(map[string]interface{}{"op": "unsubscribe", "args": args})
	if err != nil {
		return err
	}
	return b.Send(websocket.TextMessage, payload)
}

func channelTopic(channel model.Channel, symbol string) string {
	switch channel {
	case model.ChannelTickers:
		return "tickers." + symbol
	case model.ChannelOrderbook:
		return "orderbook." + orderbookDepth + "." + symbol
	case model.ChannelTrades:
		return "publicTrade." + symbol
	}
	return ""
}

func (a *Adapter) SubscribeSymbol(b *exchange.Base, symbol string, channels []model.Channel) error {
	var args []string
	for _, ch := range channels {
		topic := channelTopic(ch, symbol)
		if topic == "" {
			continue
		}
		key := string(ch) + ":" + symbol
		if !b.MarkSubscribed(key) {
			continue
		}
		args = append(args, topic)
	}
	if len(args) == 0 {
		return nil
	}
	return sendSubscribe(b, args)
}

func (a *Adapter) UnsubscribeSymbol(b *exchange.Base, symbol string, channels []model.Channel) error {
	var args []string
	for _, ch := range channels {
		topic := channelTopic(ch, symbol)
		if topic == "" {
			continue
		}
		key := string(ch) + ":" + symbol
		if !b.MarkUnsubscribed(key) {
			continue
		}
		args = append(args, topic)
	}
	if len(args) == 0 {
		return nil
	}
	return sendUnsubscribe(b, args)
}

func (a *Adapter) SubscribeKline(b *exchange.Base, symbol, interval string) error {
	key := "kline:" + symbol + ":" + interval
	if !b.MarkSubscribed(key) {
		return nil
	}
	return sendSubscribe(b, []string{"kline." + interval + "." + symbol})
}

func (a *Adapter) UnsubscribeKline(b *exchange.Base, symbol, interval string) error {
	key := "kline:" + symbol + ":" + interval
	if !b.MarkUnsubscribed(key) {
		return nil
	}
	return sendUnsubscribe(b, []string{"kline." + interval + "." + symbol})
}
