package bitunix

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
	tickersURL = "https://fapi.bitunix.com/api/v1/futures/market/tickers"
	fundingURL = "https://fapi.bitunix.com/api/v1/futures/market/funding_rate"
	oiURL      = "https://fapi.bitunix.com/api/v1/futures/market/open_interest"
	klinesURL  = "https://fapi.bitunix.com/api/v1/futures/market/kline"
)

func (a *Adapter) IntervalMs(interval string) (int64, bool) {
	ms, ok := intervalMs[interval]
	return ms, ok
}

func (a *Adapter) InstrumentsRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, restURL, nil)
}

func (a *Adapter) ParseInstruments(body []byte) ([]model.Instrument, error) {
	var env struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			Symbol      string          `json:"symbol"`
			Base        string          `json:"base"`
			Quote       string          `json:"quote"`
			Status      string          `json:"status"`
			TickSize    decimal.Decimal `json:"tickSize"`
			MinQty      decimal.Decimal `json:"minTradeVolume"`
			MaxLeverage decimal.Decimal `json:"maxLeverage"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bitunix: decode instruments: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("bitunix: instruments error: %s", env.Msg)
	}
	out := make([]model.Instrument, 0, len(env.Data))
	for _, r := range env.Data {
		out = append(out, model.Instrument{
			Symbol: r.Symbol, BaseCoin: r.Base, QuoteCoin: r.Quote, Status: r.Status,
			TickSize: r.TickSize, MinOrderQty: r.MinQty, MaxLeverage: r.MaxLeverage,
		})
	}
	return out, nil
}

func (a *Adapter) TickersRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, tickersURL, nil)
}

type bitunixTickerRow struct {
	Symbol      string          `json:"symbol"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	MarkPrice   decimal.Decimal `json:"markPrice"`
	IndexPrice  decimal.Decimal `json:"indexPrice"`
	High24h     decimal.Decimal `json:"high24h"`
	Low24h      decimal.Decimal `json:"low24h"`
	Open24h     decimal.Decimal `json:"open24h"`
	BaseVol     decimal.Decimal `json:"baseVol"`
	QuoteVol    decimal.Decimal `json:"quoteVol"`
}

func parseBitunixTickers(body []byte) ([]bitunixTickerRow, error) {
	var env struct {
		Code int                `json:"code"`
		Msg  string             `json:"msg"`
		Data []bitunixTickerRow `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bitunix: decode tickers: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("bitunix: tickers error: %s", env.Msg)
	}
	return env.Data, nil
}

func (a *Adapter) ParseTickers(body []byte) ([]model.Ticker, error) {
	rows, err := parseBitunixTickers(body)
	if err != nil {
		return nil, err
	}
	out := make([]model.Ticker, 0, len(rows))
	for _, r := range rows {
		pcnt := decimal.Zero
		if r.Open24h.IsPositive() {
			pcnt = r.LastPrice.Sub(r.Open24h).Div(r.Open24h)
		}
		out = append(out, model.Ticker{
			Symbol: r.Symbol, LastPrice: r.LastPrice, MarkPrice: r.MarkPrice, IndexPrice: r.IndexPrice,
			High24h: r.High24h, Low24h: r.Low24h, Open24h: r.Open24h, Volume24h: r.BaseVol,
			Turnover24h: r.QuoteVol, Price24hPcnt: pcnt,
		})
	}
	return out, nil
}

func (a *Adapter) FundingRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, fundingURL, nil)
}

func (a *Adapter) ParseFunding(body []byte) ([]model.Funding, error) {
	var env struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			Symbol          string          `json:"symbol"`
			FundingRate     decimal.Decimal `json:"fundingRate"`
			NextFundingTime int64           `json:"nextFundingTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bitunix: decode funding: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("bitunix: funding error: %s", env.Msg)
	}
	out := make([]model.Funding, 0, len(env.Data))
	for _, r := range env.Data {
		out = append(out, model.Funding{Symbol: r.Symbol, FundingRate: r.FundingRate, NextFundingTime: r.NextFundingTime})
	}
	return out, nil
}

func (a *Adapter) OpenInterestRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, oiURL, nil)
}

func (a *Adapter) ParseOpenInterest(body []byte) ([]model.OpenInterest, error) {
	var env struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			Symbol       string          `json:"symbol"`
			OpenInterest decimal.Decimal `json:"openInterest"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bitunix: decode open interest: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("bitunix: open interest error: %s", env.Msg)
	}
	out := make([]model.OpenInterest, 0, len(env.Data))
	for _, r := range env.Data {
		out = append(out, model.OpenInterest{Symbol: r.Symbol, OpenInterest: r.OpenInterest})
	}
	return out, nil
}

func (a *Adapter) KlinesRequest(ctx context.Context, symbol, interval string, limit int, before int64) (*http.Request, error) {
	wireInterval, ok := intervalNames[interval]
	if !ok {
		wireInterval = interval
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", wireInterval)
	q.Set("limit", strconv.Itoa(limit))
	if before > 0 {
		q.Set("endTime", strconv.FormatInt(before, 10))
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, klinesURL+"?"+q.Encode(), nil)
}

func (a *Adapter) ParseKlines(body []byte) ([]model.Candle, error) {
	var env struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			Time  int64           `json:"time"`
			Open  decimal.Decimal `json:"open"`
			High  decimal.Decimal `json:"high"`
			Low   decimal.Decimal `json:"low"`
			Close decimal.Decimal `json:"close"`
			Vol   decimal.Decimal `json:"baseVol"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bitunix: decode klines: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("bitunix: klines error: %s", env.Msg)
	}
	out := make([]model.Candle, 0, len(env.Data))
	for _, r := range env.Data {
		out = append(out, model.Candle{T: r.Time, O: r.Open, H: r.High, L: r.Low, C: r.Close, V: r.Vol, Closed: true})
	}
	return out, nil
}
