package bybit

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
	tickersURL  = "https://api.bybit.com/v5/market/tickers?category=linear"
	fundingURL  = tickersURL // Bybit's ticker envelope already carries fundingRate/nextFundingTime
	oiURL       = tickersURL // and openInterest, so funding/OI reuse the same endpoint/parse.
	klinesURL   = "https://api.bybit.com/v5/market/kline"
)

var klineIntervalMs = map[string]int64{
	"1": 60_000, "3": 180_000, "5": 300_000, "15": 900_000, "30": 1_800_000,
	"60": 3_600_000, "120": 7_200_000, "240": 14_400_000, "360": 21_600_000, "720": 43_200_000,
	"D": 86_400_000, "W": 604_800_000, "M": 2_592_000_000,
}

func (a *Adapter) IntervalMs(interval string) (int64, bool) {
	ms, ok := klineIntervalMs[interval]
	return ms, ok
}

func (a *Adapter) InstrumentsRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, restURL, nil)
}

type bybitInstrumentsEnvelope struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			Symbol        string `json:"symbol"`
			BaseCoin      string `json:"baseCoin"`
			QuoteCoin     string `json:"quoteCoin"`
			Status        string `json:"status"`
			LeverageFilter struct {
				MinLeverage decimal.Decimal `json:"minLeverage"`
				MaxLeverage decimal.Decimal `json:"maxLeverage"`
			} `json:"leverageFilter"`
			LotSizeFilter struct {
				MinOrderQty decimal.Decimal `json:"minOrderQty"`
				MaxOrderQty decimal.Decimal `json:"maxOrderQty"`
				QtyStep     decimal.Decimal `json:"qtyStep"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize decimal.Decimal `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	} `json:"result"`
}

func (a *Adapter) ParseInstruments(body []byte) ([]model.Instrument, error) {
	var env bybitInstrumentsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bybit: decode instruments: %w", err)
	}
	if env.RetCode != 0 {
		return nil, fmt.Errorf("bybit: instruments error: %s", env.RetMsg)
	}
	out := make([]model.Instrument, 0, len(env.Result.List))
	for _, i := range env.Result.List {
		out = append(out, model.Instrument{
			Symbol: i.Symbol, BaseCoin: i.BaseCoin, QuoteCoin: i.QuoteCoin, Status: i.Status,
			TickSize: i.PriceFilter.TickSize, LotSize: i.LotSizeFilter.QtyStep,
			MinOrderQty: i.LotSizeFilter.MinOrderQty, MaxOrderQty: i.LotSizeFilter.MaxOrderQty,
			MinLeverage: i.LeverageFilter.MinLeverage, MaxLeverage: i.LeverageFilter.MaxLeverage,
		})
	}
	return out, nil
}

func (a *Adapter) TickersRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, tickersURL, nil)
}

type bybitTickersEnvelope struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []bybitTickerRow `json:"list"`
	} `json:"result"`
}

type bybitTickerRow struct {
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

func parseBybitTickersEnvelope(body []byte) (bybitTickersEnvelope, error) {
	var env bybitTickersEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("bybit: decode tickers: %w", err)
	}
	if env.RetCode != 0 {
		return env, fmt.Errorf("bybit: tickers error: %s", env.RetMsg)
	}
	return env, nil
}

func (a *Adapter) ParseTickers(body []byte) ([]model.Ticker, error) {
	env, err := parseBybitTickersEnvelope(body)
	if err != nil {
		return nil, err
	}
	out := make([]model.Ticker, 0, len(env.Result.List))
	for _, r := range env.Result.List {
		nft, _ := strconv.ParseInt(r.NextFundingTime, 10, 64)
		out = append(out, model.Ticker{
			Symbol: r.Symbol, LastPrice: r.LastPrice, MarkPrice: r.MarkPrice, IndexPrice: r.IndexPrice,
			Bid1Price: r.Bid1Price, Ask1Price: r.Ask1Price, High24h: r.HighPrice24h, Low24h: r.LowPrice24h,
			Open24h: r.PrevPrice24h, Volume24h: r.Volume24h, Turnover24h: r.Turnover24h,
			Price24hPcnt: r.Price24hPcnt, FundingRate: r.FundingRate, NextFundingTime: nft,
			OpenInterest: r.OpenInterest,
		})
	}
	return out, nil
}

func (a *Adapter) FundingRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, fundingURL, nil)
}

func (a *Adapter) ParseFunding(body []byte) ([]model.Funding, error) {
	env, err := parseBybitTickersEnvelope(body)
	if err != nil {
		return nil, err
	}
	out := make([]model.Funding, 0, len(env.Result.List))
	for _, r := range env.Result.List {
		nft, _ := strconv.ParseInt(r.NextFundingTime, 10, 64)
		out = append(out, model.Funding{Symbol: r.Symbol, FundingRate: r.FundingRate, NextFundingTime: nft})
	}
	return out, nil
}

func (a *Adapter) OpenInterestRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, oiURL, nil)
}

func (a *Adapter) ParseOpenInterest(body []byte) ([]model.OpenInterest, error) {
	env, err := parseBybitTickersEnvelope(body)
	if err != nil {
		return nil, err
	}
	out := make([]model.OpenInterest, 0, len(env.Result.List))
	for _, r := range env.Result.List {
		out = append(out, model.OpenInterest{Symbol: r.Symbol, OpenInterest: r.OpenInterest})
	}
	return out, nil
}

func (a *Adapter) KlinesRequest(ctx context.Context, symbol, interval string, limit int, before int64) (*http.Request, error) {
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	if before > 0 {
		q.Set("end", strconv.FormatInt(before, 10))
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, klinesURL+"?"+q.Encode(), nil)
}

type bybitKlineEnvelope struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List [][]string `json:"list"`
	} `json:"result"`
}

func (a *Adapter) ParseKlines(body []byte) ([]model.Candle, error) {
	var env bybitKlineEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bybit: decode klines: %w", err)
	}
	if env.RetCode != 0 {
		return nil, fmt.Errorf("bybit: klines error: %s", env.RetMsg)
	}
	out := make([]model.Candle, 0, len(env.Result.List))
	for _, row := range env.Result.List {
		if len(row) < 6 {
			continue
		}
		t, _ := strconv.ParseInt(row[0], 10, 64)
		o, _ := decimal.NewFromString(row[1])
		h, _ := decimal.NewFromString(row[2])
		l, _ := decimal.NewFromString(row[3])
		cl, _ := decimal.NewFromString(row[4])
		v, _ := decimal.NewFromString(row[5])
		out = append(out, model.Candle{T: t, O: o, H: h, L: l, C: cl, V: v, Closed: true})
	}
	return out, nil
}
