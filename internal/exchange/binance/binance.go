// Package binance implements the Binance USDⓈ-M futures public WebSocket
// variant, including the exchange-wide forced-liquidation order stream.
package binance

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
	wsURL       = "wss://fstream.binance.com/stream"
	restURL     = "https://fapi.binance.com/fapi/v1/exchangeInfo"
	liquidationStream = "!forceOrder@arr"
)

// Adapter is Binance's exchange.Variant.
type Adapter struct {
	httpClient *http.Client
}

func New() *Adapter {
	return &Adapter{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (a *Adapter) Name() string  { return "binance" }
func (a *Adapter) WSURL() string { return wsURL }

type exchangeInfoResp struct {
	Symbols []struct {
		Symbol string `json:"symbol"`
		Status string `json:"status"`
	} `json:"symbols"`
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
	var parsed exchangeInfoResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("binance: decode exchangeInfo: %w", err)
	}
	symbols := make([]string, 0, len(parsed.Symbols))
	for _, s := range parsed.Symbols {
		if s.Status == "TRADING" {
			symbols = append(symbols, s.Symbol)
		}
	}
	return symbols, nil
}

// OnOpen resubscribes hot symbols and the exchange-wide liquidation stream.
func (a *Adapter) OnOpen(b *exchange.Base) error {
	for _, sym := range b.HotSymbols() {
		if err := b.SubscribeSymbol(sym, []model.Channel{model.ChannelTickers, model.ChannelOrderbook, model.ChannelTrades}); err != nil {
			return err
		}
	}
	return a.SubscribeLiquidations(b)
}

// SubscribeLiquidations subscribes the single, exchange-wide forced-order
// stream that covers every symbol at once — there is no per-symbol
// liquidation topic on Binance.
func (a *Adapter) SubscribeLiquidations(b *exchange.Base) error {
	key := "liquidations:" + model.AllSymbol
	if !b.MarkSubscribed(key) {
		return nil
	}
	return sendOp(b, "SUBSCRIBE", []string{liquidationStream})
}

func (a *Adapter) IsPong(raw []byte) bool {
	// Binance combined-stream connections reply to control-frame pings at
	// the protocol level; gorilla/websocket handles those automatically.
	// No application-level pong text is ever sent on this stream.
	return false
}

func (a *Adapter) PingFrame() (int, []byte) {
	return websocket.PingMessage, nil
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type eventEnvelope struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
}

func (a *Adapter) HandleMessage(b *exchange.Base, raw []byte) error {
	var frame combinedFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("binance: decode frame: %w", err)
	}
	if frame.Data == nil {
		return nil
	}
	var env eventEnvelope
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		return err
	}
	switch env.EventType {
	case "24hrTicker", "markPriceUpdate":
		return a.handleTicker(b, env.EventType, frame.Data)
	case "depthUpdate":
		return a.handleOrderbook(b, frame.Data)
	case "aggTrade":
		return a.handleTrade(b, frame.Data)
	case "kline":
		return a.handleKline(b, frame.Data)
	case "forceOrder":
		return a.handleLiquidation(b, frame.Data)
	}
	return nil
}

func (a *Adapter) handleTicker(b *exchange.Base, eventType string, data json.RawMessage) error {
	switch eventType {
	case "24hrTicker":
		var d struct {
			Symbol      string          `json:"s"`
			LastPrice   decimal.Decimal `json:"c"`
			High        decimal.Decimal `json:"h"`
			Low         decimal.Decimal `json:"l"`
			Open        decimal.Decimal `json:"o"`
			Volume      decimal.Decimal `json:"v"`
			Turnover    decimal.Decimal `json:"q"`
			PriceChgPct decimal.Decimal `json:"P"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		t := model.Ticker{
			LastPrice: d.LastPrice, High24h: d.High, Low24h: d.Low, Open24h: d.Open,
			Volume24h: d.Volume, Turnover24h: d.Turnover, Price24hPcnt: d.PriceChgPct,
		}
		b.EmitData(model.Event{Channel: model.ChannelTickers, Symbol: d.Symbol, Data: t})
	case "markPriceUpdate":
		var d struct {
			Symbol          string          `json:"s"`
			MarkPrice       decimal.Decimal `json:"p"`
			IndexPrice      decimal.Decimal `json:"i"`
			FundingRate     decimal.Decimal `json:"r"`
			NextFundingTime int64           `json:"T"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		t := model.Ticker{MarkPrice: d.MarkPrice, IndexPrice: d.IndexPrice, FundingRate: d.FundingRate, NextFundingTime: d.NextFundingTime}
		b.EmitData(model.Event{Channel: model.ChannelTickers, Symbol: d.Symbol, Data: t})
		b.EmitData(model.Event{Channel: model.ChannelFunding, Symbol: d.Symbol, Data: model.Funding{FundingRate: d.FundingRate, NextFundingTime: d.NextFundingTime}})
	}
	return nil
}

func (a *Adapter) handleOrderbook(b *exchange.Base, data json.RawMessage) error {
	var d struct {
		Symbol string                `json:"s"`
		Bids   [][2]decimal.Decimal  `json:"b"`
		Asks   [][2]decimal.Decimal  `json:"a"`
		FinalUpdateID int64          `json:"u"`
		EventTime     int64          `json:"E"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	toLevels := func(in [][2]decimal.Decimal) []model.PriceLevel {
		out := make([]model.PriceLevel, len(in))
		for i, r := range in {
			out[i] = model.PriceLevel{Price: r[0], Size: r[1]}
		}
		return out
	}
	ob := model.Orderbook{Symbol: d.Symbol, Bids: toLevels(d.Bids), Asks: toLevels(d.Asks), UpdateID: d.FinalUpdateID, Timestamp: d.EventTime}
	b.EmitData(model.Event{Channel: model.ChannelOrderbook, Symbol: d.Symbol, Data: ob})
	return nil
}

func (a *Adapter) handleTrade(b *exchange.Base, data json.RawMessage) error {
	var d struct {
		Symbol    string          `json:"s"`
		Price     decimal.Decimal `json:"p"`
		Quantity  decimal.Decimal `json:"q"`
		TradeTime int64           `json:"T"`
		BuyerMaker bool           `json:"m"`
		AggID     int64           `json:"a"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	side := model.SideBuy
	if d.BuyerMaker {
		side = model.SideSell
	}
	trade := model.Trade{Price: d.Price, Size: d.Quantity, Side: side, Timestamp: d.TradeTime, TradeID: fmt.Sprintf("%d", d.AggID)}
	b.EmitData(model.Event{Channel: model.ChannelTrades, Symbol: d.Symbol, Data: []model.Trade{trade}})
	return nil
}

func (a *Adapter) handleKline(b *exchange.Base, data json.RawMessage) error {
	var d struct {
		Symbol string `json:"s"`
		K      struct {
			Open     decimal.Decimal `json:"o"`
			High     decimal.Decimal `json:"h"`
			Low      decimal.Decimal `json:"l"`
			Close    decimal.Decimal `json:"c"`
			Volume   decimal.Decimal `json:"v"`
			StartTime int64          `json:"t"`
			Interval  string         `json:"i"`
			IsClosed  bool           `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	candle := model.Candle{T: d.K.StartTime, O: d.K.Open, H: d.K.High, L: d.K.Low, C: d.K.Close, V: d.K.Volume, Closed: d.K.IsClosed}
	b.EmitData(model.Event{Channel: model.ChannelKlines, Symbol: d.Symbol, Interval: d.K.Interval, Data: candle})
	return nil
}

// handleLiquidation parses a forceOrder event. Binance's side field is the
// side of the order that forcibly closed the position: SELL means a long
// was liquidated, BUY means a short was liquidated.
func (a *Adapter) handleLiquidation(b *exchange.Base, data json.RawMessage) error {
	var d struct {
		Order struct {
			Symbol    string          `json:"s"`
			Side      string          `json:"S"`
			Price     decimal.Decimal `json:"p"`
			Quantity  decimal.Decimal `json:"q"`
			TradeTime int64           `json:"T"`
		} `json:"o"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	side := model.SideBuy
	if strings.EqualFold(d.Order.Side, "BUY") {
		side = model.SideSell
	}
	liq := model.Liquidation{
		Symbol: d.Order.Symbol, Price: d.Order.Price, Size: d.Order.Quantity,
		Side: side, Timestamp: d.Order.TradeTime,
	}
	b.EmitData(model.Event{Channel: model.ChannelLiquidations, Symbol: d.Order.Symbol, Data: liq})
	return nil
}

func sendOp(b *exchange.Base, method string, params []string) error {
	payload, err := json.Marshal(map[string]interface{}{"method": method, "params": params, "id": time.Now().UnixNano()})
	if err != nil {
		return err
	}
	return b.Send(websocket.TextMessage, payload)
}

func streamName(symbol string, channel model.Channel) string {
	lower := strings.ToLower(symbol)
	switch channel {
	case model.ChannelTickers:
		return lower + "@ticker"
	case model.ChannelOrderbook:
		return lower + "@depth20@100ms"
	case model.ChannelTrades:
		return lower + "@aggTrade"
	}
	return ""
}

func (a *Adapter) SubscribeSymbol(b *exchange.Base, symbol string, channels []model.Channel) error {
	var streams []string
	for _, ch := range channels {
		name := streamName(symbol, ch)
		if name == "" {
			continue
		}
		key := string(ch) + ":" + symbol
		if !b.MarkSubscribed(key) {
			continue
		}
		streams = append(streams, name)
	}
	if ch := "funding:" + symbol; b.MarkSubscribed(ch) {
		streams = append(streams, strings.ToLower(symbol)+"@markPrice")
	}
	if len(streams) == 0 {
		return nil
	}
	return sendOp(b, "SUBSCRIBE", streams)
}

func (a *Adapter) UnsubscribeSymbol(b *exchange.Base, symbol string, channels []model.Channel) error {
	var streams []string
	for _, ch := range channels {
		name := streamName(symbol, ch)
		if name == "" {
			continue
		}
		key := string(ch) + ":" + symbol
		if !b.MarkUnsubscribed(key) {
			continue
		}
		streams = append(streams, name)
	}
	if ch := "funding:" + symbol; b.MarkUnsubscribed(ch) {
		streams = append(streams, strings.ToLower(symbol)+"@markPrice")
	}
	if len(streams) == 0 {
		return nil
	}
	return sendOp(b, "UNSUBSCRIBE", streams)
}

func (a *Adapter) SubscribeKline(b *exchange.Base, symbol, interval string) error {
	key := "kline:" + symbol + ":" + interval
	if !b.MarkSubscribed(key) {
		return nil
	}
	stream := strings.ToLower(symbol) + "@kline_" + interval
	return sendOp(b, "SUBSCRIBE", []string{stream})
}

func (a *Adapter) UnsubscribeKline(b *exchange.Base, symbol, interval string) error {
	key := "kline:" + symbol + ":" + interval
	if !b.MarkUnsubscribed(key) {
		return nil
	}
	stream := strings.ToLower(symbol) + "@kline_" + interval
	return sendOp(b, "UNSUBSCRIBE", []string{stream})
}
