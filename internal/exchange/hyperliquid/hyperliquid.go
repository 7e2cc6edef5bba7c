// Package hyperliquid implements the Hyperliquid public WebSocket
// variant: single subscribe-per-topic, symbol-strip coin naming, and the
// mandatory allMids/activeAssetCtx streams.
package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/marketfeed/hub/internal/exchange"
	"github.com/marketfeed/hub/internal/model"
)

const (
	wsURL   = "wss://api.hyperliquid.xyz/ws"
	restURL = "https://api.hyperliquid.xyz/info"
)

var symbolStrip = regexp.MustCompile(`(?i)(USDT|USDC)$`)

// coinFromSymbol applies Hyperliquid's symbol-strip rule: drop a
// trailing USDT/USDC (case-insensitive) to get the venue's "coin" name.
func coinFromSymbol(symbol string) string {
	return symbolStrip.ReplaceAllString(symbol, "")
}

// Adapter is Hyperliquid's exchange.Variant.
type Adapter struct {
	httpClient *http.Client
}

func New() *Adapter {
	return &Adapter{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (a *Adapter) Name() string  { return "hyperliquid" }
func (a *Adapter) WSURL() string { return wsURL }

type metaResp struct {
	Universe []struct {
		Name string `json:"name"`
	} `json:"universe"`
}

func (a *Adapter) FetchSymbols(ctx context.Context) ([]string, error) {
	body, _ := json.Marshal(map[string]string{"type": "meta"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, restURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed metaResp
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("hyperliquid: decode meta: %w", err)
	}
	symbols := make([]string, 0, len(parsed.Universe))
	for _, u := range parsed.Universe {
		symbols = append(symbols, u.Name+"USDT")
	}
	return symbols, nil
}

// OnOpen subscribes the mandatory allMids and per-hot-symbol
// activeAssetCtx streams.
func (a *Adapter) OnOpen(b *exchange.Base) error {
	if err := sendSubscription(b, map[string]interface{}{"type": "allMids"}); err != nil {
		return err
	}
	for _, sym := range b.HotSymbols() {
		if err := a.SubscribeSymbol(b, sym, []model.Channel{model.ChannelTickers, model.ChannelOrderbook, model.ChannelTrades}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) IsPong(raw []byte) bool {
	return strings.Contains(string(raw), `"channel":"pong"`)
}

func (a *Adapter) PingFrame() (int, []byte) {
	payload, _ := json.Marshal(map[string]string{"method": "ping"})
	return websocket.TextMessage, payload
}

type wsMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func (a *Adapter) HandleMessage(b *exchange.Base, raw []byte) error {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("hyperliquid: decode message: %w", err)
	}
	switch msg.Channel {
	case "allMids":
		return a.handleAllMids(b, msg)
	case "activeAssetCtx":
		return a.handleActiveAssetCtx(b, msg)
	case "l2Book":
		return a.handleL2Book(b, msg)
	case "trades":
		return a.handleTrades(b, msg)
	case "subscriptionResponse", "error":
		return nil
	}
	return nil
}

func (a *Adapter) handleAllMids(b *exchange.Base, msg wsMessage) error {
	var d struct {
		Mids map[string]string `json:"mids"`
	}
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		return err
	}
	for coin, priceStr := range d.Mids {
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		symbol := coin + "USDT"
		b.EmitData(model.Event{Channel: model.ChannelTickers, Symbol: symbol, Data: model.Ticker{LastPrice: price, MarkPrice: price}})
	}
	return nil
}

func (a *Adapter) handleActiveAssetCtx(b *exchange.Base, msg wsMessage) error {
	var d struct {
		Coin string `json:"coin"`
		Ctx  struct {
			MarkPx      decimal.Decimal `json:"markPx"`
			MidPx       decimal.Decimal `json:"midPx"`
			OraclePx    decimal.Decimal `json:"oraclePx"`
			Funding     decimal.Decimal `json:"funding"`
			OpenInterest decimal.Decimal `json:"openInterest"`
			PrevDayPx   decimal.Decimal `json:"prevDayPx"`
		} `json:"ctx"`
	}
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		return err
	}
	symbol := d.Coin + "USDT"
	t := model.Ticker{
		MarkPrice: d.Ctx.MarkPx, LastPrice: d.Ctx.MidPx, IndexPrice: d.Ctx.OraclePx,
		FundingRate: d.Ctx.Funding, OpenInterest: d.Ctx.OpenInterest, Open24h: d.Ctx.PrevDayPx,
	}
	b.EmitData(model.Event{Channel: model.ChannelTickers, Symbol: symbol, Data: t})
	b.EmitData(model.Event{Channel: model.ChannelFunding, Symbol: symbol, Data: model.Funding{FundingRate: d.Ctx.Funding}})
	b.EmitData(model.Event{Channel: model.ChannelOpenInterest, Symbol: symbol, Data: model.OpenInterest{OpenInterest: d.Ctx.OpenInterest}})
	return nil
}

func (a *Adapter) handleL2Book(b *exchange.Base, msg wsMessage) error {
	var d struct {
		Coin   string              `json:"coin"`
		Levels [][]decimalLevel    `json:"levels"`
		Time   int64               `json:"time"`
	}
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		return err
	}
	if len(d.Levels) != 2 {
		return nil
	}
	toLevels := func(rows []decimalLevel) []model.PriceLevel {
		out := make([]model.PriceLevel, len(rows))
		for i, r := range rows {
			out[i] = model.PriceLevel{Price: r.Px, Size: r.Sz}
		}
		return out
	}
	symbol := d.Coin + "USDT"
	ob := model.Orderbook{Symbol: symbol, Bids: toLevels(d.Levels[0]), Asks: toLevels(d.Levels[1]), Timestamp: d.Time}
	b.EmitData(model.Event{Channel: model.ChannelOrderbook, Symbol: symbol, Data: ob})
	return nil
}

type decimalLevel struct {
	Px decimal.Decimal `json:"px"`
	Sz decimal.Decimal `json:"sz"`
}

func (a *Adapter) handleTrades(b *exchange.Base, msg wsMessage) error {
	var rows []struct {
		Coin string          `json:"coin"`
		Side string          `json:"side"`
		Px   decimal.Decimal `json:"px"`
		Sz   decimal.Decimal `json:"sz"`
		Time int64           `json:"time"`
		Tid  int64           `json:"tid"`
	}
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	trades := make([]model.Trade, 0, len(rows))
	symbol := rows[0].Coin + "USDT"
	for _, r := range rows {
		side := model.SideBuy
		if r.Side == "A" {
			side = model.SideSell
		}
		trades = append(trades, model.Trade{Price: r.Px, Size: r.Sz, Side: side, Timestamp: r.Time, TradeID: fmt.Sprintf("%d", r.Tid)})
	}
	b.EmitData(model.Event{Channel: model.ChannelTrades, Symbol: symbol, Data: trades})
	return nil
}

func sendSubscription(b *exchange.Base, subscription map[string]interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{"method": "subscribe", "subscription": subscription})
	if err != nil {
		return err
	}
	return b.Send(websocket.TextMessage, payload)
}

func sendUnsubscription(b *exchange.Base, subscription map[string]interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{"method": "unsubscribe", "subscription": subscription})
	if err != nil {
		return err
	}
	return b.Send(websocket.TextMessage, payload)
}

func (a *Adapter) SubscribeSymbol(b *exchange.Base, symbol string, channels []model.Channel) error {
	coin := coinFromSymbol(symbol)
	for _, ch := range channels {
		var subType string
		switch ch {
		case model.ChannelOrderbook:
			subType = "l2Book"
		case model.ChannelTrades:
			subType = "trades"
		case model.ChannelTickers:
			subType = "activeAssetCtx"
		default:
			continue
		}
		key := string(ch) + ":" + symbol
		if !b.MarkSubscribed(key) {
			continue
		}
		if err := sendSubscription(b, map[string]interface{}{"type": subType, "coin": coin}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) UnsubscribeSymbol(b *exchange.Base, symbol string, channels []model.Channel) error {
	coin := coinFromSymbol(symbol)
	for _, ch := range channels {
		var subType string
		switch ch {
		case model.ChannelOrderbook:
			subType = "l2Book"
		case model.ChannelTrades:
			subType = "trades"
		case model.ChannelTickers:
			subType = "activeAssetCtx"
		default:
			continue
		}
		key := string(ch) + ":" + symbol
		if !b.MarkUnsubscribed(key) {
			continue
		}
		if err := sendUnsubscription(b, map[string]interface{}{"type": subType, "coin": coin}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) SubscribeKline(b *exchange.Base, symbol, interval string) error {
	coin := coinFromSymbol(symbol)
	key := "kline:" + symbol + ":" + interval
	if !b.MarkSubscribed(key) {
		return nil
	}
	return sendSubscription(b, map[string]interface{}{"type": "candle", "coin": coin, "interval": interval})
}

func (a *Adapter) UnsubscribeKline(b *exchange.Base, symbol, interval string) error {
	coin := coinFromSymbol(symbol)
	key := "kline:" + symbol + ":" + interval
	if !b.MarkUnsubscribed(key) {
		return nil
	}
	return sendUnsubscription(b, map[string]interface{}{"type": "candle", "coin": coin, "interval": interval})
}
