// Package blofin implements the Blofin public WebSocket variant.
package blofin

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
	wsURL   = "wss://openapi.blofin.com/ws/public"
	restURL = "https://openapi.blofin.com/api/v1/market/instruments?instType=SWAP"
)

// Adapter is Blofin's exchange.Variant.
type Adapter struct {
	httpClient *http.Client
}

func New() *Adapter {
	return &Adapter{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (a *Adapter) Name() string  { return "blofin" }
func (a *Adapter) WSURL() string { return wsURL }

type instrumentsResp struct {
	Code string `json:"code"`
	Data []struct {
		InstID string `json:"instId"`
		State  string `json:"state"`
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
	var parsed instrumentsResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("blofin: decode instruments: %w", err)
	}
	if parsed.Code != "0" {
		return nil, fmt.Errorf("blofin: instruments error code %s", parsed.Code)
	}
	symbols := make([]string, 0, len(parsed.Data))
	for _, ins := range parsed.Data {
		if ins.State == "live" {
			symbols = append(symbols, ins.InstID)
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
	return string(raw) == "pong"
}

func (a *Adapter) PingFrame() (int, []byte) {
	return websocket.TextMessage, []byte("ping")
}

type arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId,omitempty"`
}

type wsFrame struct {
	Event string          `json:"event,omitempty"`
	Code  string          `json:"code,omitempty"`
	Arg   arg             `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

func (a *Adapter) HandleMessage(b *exchange.Base, raw []byte) error {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("blofin: decode frame: %w", err)
	}
	if frame.Event != "" {
		// subscribe/unsubscribe ack; code "0" means success, nothing more to do.
		return nil
	}

	switch {
	case frame.Arg.Channel == "tickers":
		return a.handleTicker(b, frame)
	case frame.Arg.Channel == "books50":
		return a.handleOrderbook(b, frame)
	case frame.Arg.Channel == "trades":
		return a.handleTrade(b, frame)
	case strings.HasPrefix(frame.Arg.Channel, "candle"):
		return a.handleKline(b, frame)
	}
	return nil
}

func (a *Adapter) handleTicker(b *exchange.Base, frame wsFrame) error {
	var rows []struct {
		InstID    string          `json:"instId"`
		Last      decimal.Decimal `json:"last"`
		High24h   decimal.Decimal `json:"high24h"`
		Low24h    decimal.Decimal `json:"low24h"`
		Open24h   decimal.Decimal `json:"open24h"`
		Vol24h    decimal.Decimal `json:"vol24h"`
		VolCcy24h decimal.Decimal `json:"volCcy24h"`
		BidPrice  decimal.Decimal `json:"bidPrice"`
		AskPrice  decimal.Decimal `json:"askPrice"`
	}
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return err
	}
	for _, r := range rows {
		t := model.Ticker{
			LastPrice: r.Last, High24h: r.High24h, Low24h: r.Low24h, Open24h: r.Open24h,
			Volume24h: r.Vol24h, Turnover24h: r.VolCcy24h, Bid1Price: r.BidPrice, Ask1Price: r.AskPrice,
		}
		b.EmitData(model.Event{Channel: model.ChannelTickers, Symbol: r.InstID, Data: t})
	}
	return nil
}

func (a *Adapter) handleOrderbook(b *exchange.Base, frame wsFrame) error {
	var d struct {
		Bids [][2]decimal.Decimal `json:"bids"`
		Asks [][2]decimal.Decimal `json:"asks"`
		TS   string               `json:"ts"`
	}
	// Blofin wraps books50 payloads as a single-element array.
	var rows []json.RawMessage
	if err := json.Unmarshal(frame.Data, &rows); err != nil || len(rows) == 0 {
		return err
	}
	if err := json.Unmarshal(rows[0], &d); err != nil {
		return err
	}
	toLevels := func(in [][2]decimal.Decimal) []model.PriceLevel {
		out := make([]model.PriceLevel, len(in))
		for i, r := range in {
			out[i] = model.PriceLevel{Price: r[0], Size: r[1]}
		}
		return out
	}
	var ts int64
	fmt.Sscanf(d.TS, "%d", &ts)
	ob := model.Orderbook{Symbol: frame.Arg.InstID, Bids: toLevels(d.Bids), Asks: toLevels(d.Asks), Timestamp: ts}
	b.EmitData(model.Event{Channel: model.ChannelOrderbook, Symbol: frame.Arg.InstID, Data: ob})
	return nil
}

func (a *Adapter) handleTrade(b *exchange.Base, frame wsFrame) error {
	var rows []struct {
		InstID string          `json:"instId"`
		Price  decimal.Decimal `json:"price"`
		Size   decimal.Decimal `json:"size"`
		Side   string          `json:"side"`
		TS     int64           `json:"ts,string"`
		TradeID string         `json:"tradeId"`
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
		trades = append(trades, model.Trade{Price: r.Price, Size: r.Size, Side: side, Timestamp: r.TS, TradeID: r.TradeID})
	}
	b.EmitData(model.Event{Channel: model.ChannelTrades, Symbol: rows[0].InstID, Data: trades})
	return nil
}

func (a *Adapter) handleKline(b *exchange.Base, frame wsFrame) error {
	interval := strings.TrimPrefix(frame.Arg.Channel, "candle")
	var rows [][]string
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return err
	}
	for _, r := range rows {
		if len(r) < 6 {
			continue
		}
		candle := model.Candle{
			T: parseInt(r[0]), O: parseDec(r[1]), H: parseDec(r[2]), L: parseDec(r[3]),
			C: parseDec(r[4]), V: parseDec(r[5]),
		}
		b.EmitData(model.Event{Channel: model.ChannelKlines, Symbol: frame.Arg.InstID, Interval: interval, Data: candle})
	}
	return nil
}

func parseInt(s string) int64 {
	var v int64
	fmt.Sscanf(s, "%d", &v)
	return v
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func sendOp(b *exchange.Base, event string, args []arg) error {
	payload, err := json.Marshal(map[string]interface{}{"op": event, "args": args})
	if err != nil {
		return err
	}
	return b.Send(websocket.TextMessage, payload)
}

func channelFor(channel model.Channel) string {
	switch channel {
	case model.ChannelTickers:
		return "tickers"
	case model.ChannelOrderbook:
		return "books50"
	case model.ChannelTrades:
		return "trades"
	}
	return ""
}

func (a *Adapter) SubscribeSymbol(b *exchange.Base, symbol string, channels []model.Channel) error {
	var args []arg
	for _, ch := range channels {
		name := channelFor(ch)
		if name == "" {
			continue
		}
		key := string(ch) + ":" + symbol
		if !b.MarkSubscribed(key) {
			continue
		}
		args = append(args, arg{Channel: name, InstID: symbol})
	}
	if len(args) == 0 {
		return nil
	}
	return sendOp(b, "subscribe", args)
}

func (a *Adapter) UnsubscribeSymbol(b *exchange.Base, symbol string, channels []model.Channel) error {
	var args []arg
	for _, ch := range channels {
		name := channelFor(ch)
		if name == "" {
			continue
		}
		key := string(ch) + ":" + symbol
		if !b.MarkUnsubscribed(key) {
			continue
		}
		args = append(args, arg{Channel: name, InstID: symbol})
	}
	if len(args) == 0 {
		return nil
	}
	return sendOp(b, "unsubscribe", args)
}

func (a *Adapter) SubscribeKline(b *exchange.Base, symbol, interval string) error {
	key := "kline:" + symbol + ":" + interval
	if !b.MarkSubscribed(key) {
		return nil
	}
	return sendOp(b, "subscribe", []arg{{Channel: "candle" + interval, InstID: symbol}})
}

func (a *Adapter) UnsubscribeKline(b *exchange.Base, symbol, interval string) error {
	key := "kline:" + symbol + ":" + interval
	if !b.MarkUnsubscribed(key) {
		return nil
	}
	return sendOp(b, "unsubscribe", []arg{{Channel: "candle" + interval, InstID: symbol}})
}
