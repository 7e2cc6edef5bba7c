// Package bitunix implements the Bitunix futures public WebSocket
// variant, including its hard 300-active-topic subscription cap.
package bitunix

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
	wsURL   = "wss://fapi.bitunix.com/public/"
	restURL = "https://fapi.bitunix.com/api/v1/futures/market/trading_pairs"

	// SubLimit is the hard cap on active topic subscriptions per socket.
	SubLimit       = 300
	subscribeBatch = 10
)

var intervalNames = map[string]string{
	"1m": "1min", "3m": "3min", "5m": "5min", "15m": "15min", "30m": "30min",
	"1h": "60min", "2h": "2h", "4h": "4h", "6h": "6h", "12h": "12h",
	"1d": "1day", "1w": "1week", "1M": "1month",
}

var intervalMs = map[string]int64{
	"1m": 60_000, "3m": 180_000, "5m": 300_000, "15m": 900_000, "30m": 1_800_000,
	"1h": 3_600_000, "2h": 7_200_000, "4h": 14_400_000, "6h": 21_600_000, "12h": 43_200_000,
	"1d": 86_400_000, "1w": 604_800_000,
}

func roundOpenTime(ms, interval string) int64 {
	step, ok := intervalMs[interval]
	if !ok || step <= 0 {
		return 0
	}
	return (mustParseInt(ms) / step) * step
}

func mustParseInt(s string) int64 {
	var v int64
	fmt.Sscanf(s, "%d", &v)
	return v
}

// Adapter is Bitunix's exchange.Variant.
type Adapter struct {
	httpClient *http.Client
}

func New() *Adapter {
	return &Adapter{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (a *Adapter) Name() string  { return "bitunix" }
func (a *Adapter) WSURL() string { return wsURL }

type pairsResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		Symbol string `json:"symbol"`
		Status string `json:"status"`
	} `json:"data"`
}

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
	var parsed pairsResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("bitunix: decode trading pairs: %w", err)
	}
	if parsed.Code != 0 {
		return nil, fmt.Errorf("bitunix: trading pairs error: %s", parsed.Msg)
	}
	symbols := make([]string, 0, len(parsed.Data))
	for _, p := range parsed.Data {
		if p.Status == "" || strings.EqualFold(p.Status, "trading") {
			symbols = append(symbols, p.Symbol)
		}
	}
	return symbols, nil
}

func (a *Adapter) OnOpen(b *exchange.Base) error {
	for _, sym := range b.HotSymbols() {
		if err := b.SubscribeSymbol(sym, []model.Channel{model.ChannelTickers, model.ChannelOrderbook, model.ChannelTrades}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) IsPong(raw []byte) bool {
	return strings.Contains(string(raw), `"op":"pong"`)
}

func (a *Adapter) PingFrame() (int, []byte) {
	return websocket.TextMessage, []byte(`{"op":"ping"}`)
}

type topicArg struct {
	Symbol string `json:"symbol"`
	Ch     string `json:"ch"`
}

type wsFrame struct {
	Op   string          `json:"op"`
	Ch   string          `json:"ch"`
	Symbol string        `json:"symbol"`
	Data json.RawMessage `json:"data"`
}

func (a *Adapter) HandleMessage(b *exchange.Base, raw []byte) error {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("bitunix: decode frame: %w", err)
	}
	if frame.Op != "" {
		return nil
	}

	switch {
	case frame.Ch == "ticker":
		return a.handleTicker(b, frame)
	case frame.Ch == "depth_book50":
		return a.handleOrderbook(b, frame)
	case frame.Ch == "trade":
		return a.handleTrade(b, frame)
	case strings.HasPrefix(frame.Ch, "market_kline_"):
		return a.handleKline(b, frame)
	}
	return nil
}

func (a *Adapter) handleTicker(b *exchange.Base, frame wsFrame) error {
	var d struct {
		Last      decimal.Decimal `json:"last"`
		MarkPrice decimal.Decimal `json:"markPrice"`
		High      decimal.Decimal `json:"high"`
		Low       decimal.Decimal `json:"low"`
		Open      decimal.Decimal `json:"open"`
		Volume    decimal.Decimal `json:"baseVol"`
		Turnover  decimal.Decimal `json:"quoteVol"`
	}
	if err := json.Unmarshal(frame.Data, &d); err != nil {
		return err
	}
	t := model.Ticker{
		LastPrice: d.Last, MarkPrice: d.MarkPrice, High24h: d.High, Low24h: d.Low, Open24h: d.Open,
		Volume24h: d.Volume, Turnover24h: d.Turnover,
	}
	b.EmitData(model.Event{Channel: model.ChannelTickers, Symbol: frame.Symbol, Data: t})
	return nil
}

func (a *Adapter) handleOrderbook(b *exchange.Base, frame wsFrame) error {
	var d struct {
		Bids [][2]decimal.Decimal `json:"b"`
		Asks [][2]decimal.Decimal `json:"a"`
		TS   int64                `json:"ts"`
	}
	if err := json.Unmarshal(frame.Data, &d); err != nil {
		return err
	}
	toLevels := func(in [][2]decimal.Decimal) []model.PriceLevel {
		out := make([]model.PriceLevel, len(in))
		for i, r := range in {
			out[i] = model.PriceLevel{Price: r[0], Size: r[1]}
		}
		return out
	}
	ob := model.Orderbook{Symbol: frame.Symbol, Bids: toLevels(d.Bids), Asks: toLevels(d.Asks), Timestamp: d.TS}
	b.EmitData(model.Event{Channel: model.ChannelOrderbook, Symbol: frame.Symbol, Data: ob})
	return nil
}

func (a *Adapter) handleTrade(b *exchange.Base, frame wsFrame) error {
	var rows []struct {
		Price decimal.Decimal `json:"p"`
		Size  decimal.Decimal `json:"v"`
		Side  string          `json:"s"`
		TS    int64           `json:"t"`
	}
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	trades := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		side := model.SideBuy
		if strings.EqualFold(r.Side, "sell") {
			side = model.SideSell
		}
		trades = append(trades, model.Trade{Price: r.Price, Size: r.Size, Side: side, Timestamp: r.TS})
	}
	b.EmitData(model.Event{Channel: model.ChannelTrades, Symbol: frame.Symbol, Data: trades})
	return nil
}

func (a *Adapter) handleKline(b *exchange.Base, frame wsFrame) error {
	internalInterval := ""
	for k, v := range intervalNames {
		if "market_kline_"+v == frame.Ch {
			internalInterval = k
			break
		}
	}
	if internalInterval == "" {
		return nil
	}
	var d struct {
		Open   decimal.Decimal `json:"o"`
		High   decimal.Decimal `json:"h"`
		Low    decimal.Decimal `json:"l"`
		Close  decimal.Decimal `json:"c"`
		Volume decimal.Decimal `json:"v"`
		Time   string          `json:"t"`
	}
	if err := json.Unmarshal(frame.Data, &d); err != nil {
		return err
	}
	candle := model.Candle{
		T: roundOpenTime(d.Time, internalInterval),
		O: d.Open, H: d.High, L: d.Low, C: d.Close, V: d.Volume,
	}
	b.EmitData(model.Event{Channel: model.ChannelKlines, Symbol: frame.Symbol, Interval: internalInterval, Data: candle})
	return nil
}

func sendBatched(b *exchange.Base, op string, topics []topicArg) error {
	for i := 0; i < len(topics); i += subscribeBatch {
		end := i + subscribeBatch
		if end > len(topics) {
			end = len(topics)
		}
		payload, err := json.Marshal(map[string]interface{}{"op": op, "args": topics[i:end]})
		if err != nil {
			return err
		}
		if err := b.Send(websocket.TextMessage, payload); err != nil {
			return err
		}
	}
	return nil
}

func channelFor(channel model.Channel) string {
	switch channel {
	case model.ChannelTickers:
		return "ticker"
	case model.ChannelOrderbook:
		return "depth_book50"
	case model.ChannelTrades:
		return "trade"
	}
	return ""
}

// ErrSubscriptionLimit is returned when a subscribe would exceed SubLimit.
type ErrSubscriptionLimit struct{}

func (ErrSubscriptionLimit) Error() string {
	return fmt.Sprintf("bitunix: subscription limit of %d active topics reached", SubLimit)
}

func (a *Adapter) SubscribeSymbol(b *exchange.Base, symbol string, channels []model.Channel) error {
	var topics []topicArg
	for _, ch := range channels {
		name := channelFor(ch)
		if name == "" {
			continue
		}
		key := string(ch) + ":" + symbol
		if b.ActiveSubscriptionCount() >= SubLimit {
			return ErrSubscriptionLimit{}
		}
		if !b.MarkSubscribed(key) {
			continue
		}
		topics = append(topics, topicArg{Symbol: symbol, Ch: name})
	}
	if len(topics) == 0 {
		return nil
	}
	return sendBatched(b, "subscribe", topics)
}

func (a *Adapter) UnsubscribeSymbol(b *exchange.Base, symbol string, channels []model.Channel) error {
	var topics []topicArg
	for _, ch := range channels {
		name := channelFor(ch)
		if name == "" {
			continue
		}
		key := string(ch) + ":" + symbol
		if !b.MarkUnsubscribed(key) {
			continue
		}
		topics = append(topics, topicArg{Symbol: symbol, Ch: name})
	}
	if len(topics) == 0 {
		return nil
	}
	return sendBatched(b, "unsubscribe", topics)
}

func (a *Adapter) SubscribeKline(b *exchange.Base, symbol, interval string) error {
	name, ok := intervalNames[interval]
	if !ok {
		return fmt.Errorf("bitunix: unsupported interval %q", interval)
	}
	key := "kline:" + symbol + ":" + interval
	if b.ActiveSubscriptionCount() >= SubLimit {
		return ErrSubscriptionLimit{}
	}
	if !b.MarkSubscribed(key) {
		return nil
	}
	return sendBatched(b, "subscribe", []topicArg{{Symbol: symbol, Ch: "market_kline_" + name}})
}

func (a *Adapter) UnsubscribeKline(b *exchange.Base, symbol, interval string) error {
	name, ok := intervalNames[interval]
	if !ok {
		return nil
	}
	key := "kline:" + symbol + ":" + interval
	if !b.MarkUnsubscribed(key) {
		return nil
	}
	return sendBatched(b, "unsubscribe", []topicArg{{Symbol: symbol, Ch: "market_kline_" + name}})
}
