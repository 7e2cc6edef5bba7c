package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/marketfeed/hub/internal/model"
)

const (
	tickers24hURL = "https://fapi.binance.com/fapi/v1/ticker/24hr"
	premiumURL    = "https://fapi.binance.com/fapi/v1/premiumIndex"
	oiURL         = "https://fapi.binance.com/fapi/v1/openInterest"
	klinesURL     = "https://fapi.binance.com/fapi/v1/klines"
)

var klineIntervalMs = map[string]int64{
	"1m": 60_000, "3m": 180_000, "5m": 300_000, "15m": 900_000, "30m": 1_800_000,
	"1h": 3_600_000, "2h": 7_200_000, "4h": 14_400_000, "6h": 21_600_000, "8h": 28_800_000, "12h": 43_200_000,
	"1d": 86_400_000, "3d": 259_200_000, "1w": 604_800_000, "1M": 2_592_000_000,
}

func (a *Adapter) IntervalMs(interval string) (int64, bool) {
	ms, ok := klineIntervalMs[interval]
	return ms, ok
}

func (a *Adapter) InstrumentsRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, restURL, nil)
}

func (a *Adapter) ParseInstruments(body []byte) ([]model.Instrument, error) {
	var env struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Status     string `json:"status"`
			Filters    []struct {
				FilterType  string          `json:"filterType"`
				TickSize    decimal.Decimal `json:"tickSize"`
				StepSize    decimal.Decimal `json:"stepSize"`
				MinQty      decimal.Decimal `json:"minQty"`
				MaxQty      decimal.Decimal `json:"maxQty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("binance: decode exchangeInfo: %w", err)
	}
	out := make([]model.Instrument, 0, len(env.Symbols))
	for _, s := range env.Symbols {
		ins := model.Instrument{Symbol: s.Symbol, BaseCoin: s.BaseAsset, QuoteCoin: s.QuoteAsset, Status: s.Status}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				ins.TickSize = f.TickSize
			case "LOT_SIZE":
				ins.LotSize = f.StepSize
				ins.MinOrderQty = f.MinQty
				ins.MaxOrderQty = f.MaxQty
			}
		}
		out = append(out, ins)
	}
	return out, nil
}

func (a *Adapter) TickersRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, tickers24hURL, nil)
}

func (a *Adapter) ParseTickers(body []byte) ([]model.Ticker, error) {
	var rows []struct {
		Symbol             string          `json:"symbol"`
		LastPrice          decimal.Decimal `json:"lastPrice"`
		HighPrice          decimal.Decimal `json:"highPrice"`
		LowPrice           decimal.Decimal `json:"lowPrice"`
		OpenPrice          decimal.Decimal `json:"openPrice"`
		Volume             decimal.Decimal `json:"volume"`
		QuoteVolume        decimal.Decimal `json:"quoteVolume"`
		PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("binance: decode 24hr tickers: %w", err)
	}
	out := make([]model.Ticker, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Ticker{
			Symbol: r.Symbol, LastPrice: r.LastPrice, High24h: r.HighPrice, Low24h: r.LowPrice,
			Open24h: r.OpenPrice, Volume24h: r.Volume, Turnover24h: r.QuoteVolume,
			Price24hPcnt: r.PriceChangePercent.Div(decimal.NewFromInt(100)),
		})
	}
	return out, nil
}

func (a *Adapter) FundingRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, premiumURL, nil)
}

func (a *Adapter) ParseFunding(body []byte) ([]model.Funding, error) {
	var rows []struct {
		Symbol          string          `json:"symbol"`
		MarkPrice       decimal.Decimal `json:"markPrice"`
		LastFundingRate decimal.Decimal `json:"lastFundingRate"`
		NextFundingTime int64           `json:"nextFundingTime"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("binance: decode premiumIndex: %w", err)
	}
	out := make([]model.Funding, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Funding{Symbol: r.Symbol, FundingRate: r.LastFundingRate, NextFundingTime: r.NextFundingTime})
	}
	return out, nil
}

// OpenInterestRequest queries Binance's per-symbol open-interest endpoint
// for BTCUSDT only; Binance has no bulk OI listing, and the WS streams this
// adapter subscribes carry no open-interest field, so no other Binance
// symbol gets an open-interest record.
func (a *Adapter) OpenInterestRequest(ctx context.Context) (*http.Request, error) {
	q := url.Values{}
	q.Set("symbol", "BTCUSDT")
	return http.NewRequestWithContext(ctx, http.MethodGet, oiURL+"?"+q.Encode(), nil)
}

func (a *Adapter) ParseOpenInterest(body []byte) ([]model.OpenInterest, error) {
	var row struct {
		Symbol       string          `json:"symbol"`
		OpenInterest decimal.Decimal `json:"openInterest"`
	}
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, fmt.Errorf("binance: decode openInterest: %w", err)
	}
	if row.Symbol == "" {
		return nil, nil
	}
	return []model.OpenInterest{{Symbol: row.Symbol, OpenInterest: row.OpenInterest}}, nil
}

func (a *Adapter) KlinesRequest(ctx context.Context, symbol, interval string, limit int, before int64) (*http.Request, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	if before > 0 {
		q.Set("endTime", strconv.FormatInt(before, 10))
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, klinesURL+"?"+q.Encode(), nil)
}

func (a *Adapter) ParseKlines(body []byte) ([]model.Candle, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("binance: decode klines: %w", err)
	}
	out := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		t, _ := row[0].(float64)
		o, _ := decimal.NewFromString(fmt.Sprint(row[1]))
		h, _ := decimal.NewFromString(fmt.Sprint(row[2]))
		l, _ := decimal.NewFromString(fmt.Sprint(row[3]))
		c, _ := decimal.NewFromString(fmt.Sprint(row[4]))
		v, _ := decimal.NewFromString(fmt.Sprint(row[5]))
		out = append(out, model.Candle{T: int64(t), O: o, H: h, L: l, C: c, V: v, Closed: true})
	}
	return out, nil
}
