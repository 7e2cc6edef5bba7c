package blofin

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
	tickersURL = "https://openapi.blofin.com/api/v1/market/tickers?instType=SWAP"
	fundingURL = "https://openapi.blofin.com/api/v1/market/funding-rate"
	oiURL      = "https://openapi.blofin.com/api/v1/market/open-interest"
	klinesURL  = "https://openapi.blofin.com/api/v1/market/candles"
)

var klineIntervalMs = map[string]int64{
	"1m": 60_000, "3m": 180_000, "5m": 300_000, "15m": 900_000, "30m": 1_800_000,
	"1H": 3_600_000, "2H": 7_200_000, "4H": 14_400_000,
	"1D": 86_400_000, "1W": 604_800_000,
}

func (a *Adapter) IntervalMs(interval string) (int64, bool) {
	ms, ok := klineIntervalMs[interval]
	return ms, ok
}

func (a *Adapter) InstrumentsRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, restURL, nil)
}

type blofinInstrumentRow struct {
	InstID      string          `json:"instId"`
	BaseCurrency string         `json:"baseCurrency"`
	QuoteCurrency string        `json:"quoteCurrency"`
	State       string          `json:"state"`
	TickSize    decimal.Decimal `json:"tickSize"`
	LotSize     decimal.Decimal `json:"lotSize"`
	MinSize     decimal.Decimal `json:"minSize"`
	MaxLeverage decimal.Decimal `json:"maxLeverage"`
	ContractValue decimal.Decimal `json:"contractValue"`
}

func (a *Adapter) ParseInstruments(body []byte) ([]model.Instrument, error) {
	var env struct {
		Code string                `json:"code"`
		Data []blofinInstrumentRow `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("blofin: decode instruments: %w", err)
	}
	if env.Code != "0" {
		return nil, fmt.Errorf("blofin: instruments error code %s", env.Code)
	}
	out := make([]model.Instrument, 0, len(env.Data))
	for _, r := range env.Data {
		out = append(out, model.Instrument{
			Symbol: r.InstID, BaseCoin: r.BaseCurrency, QuoteCoin: r.QuoteCurrency, Status: r.State,
			TickSize: r.TickSize, LotSize: r.LotSize, MinOrderQty: r.MinSize, MaxLeverage: r.MaxLeverage,
			ContractVal: r.ContractValue,
		})
	}
	return out, nil
}

func (a *Adapter) TickersRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, tickersURL, nil)
}

type blofinTickerRow struct {
	InstID       string          `json:"instId"`
	Last         decimal.Decimal `json:"last"`
	BidPrice     decimal.Decimal `json:"bidPrice"`
	AskPrice     decimal.Decimal `json:"askPrice"`
	High24h      decimal.Decimal `json:"high24h"`
	Low24h       decimal.Decimal `json:"low24h"`
	Open24h      decimal.Decimal `json:"open24h"`
	Vol24h       decimal.Decimal `json:"vol24h"`
	VolCcy24h    decimal.Decimal `json:"volCurrency24h"`
}

func parseBlofinTickers(body []byte) ([]blofinTickerRow, error) {
	var env struct {
		Code string            `json:"code"`
		Data []blofinTickerRow `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("blofin: decode tickers: %w", err)
	}
	if env.Code != "0" {
		return nil, fmt.Errorf("blofin: tickers error code %s", env.Code)
	}
	return env.Data, nil
}

func (a *Adapter) ParseTickers(body []byte) ([]model.Ticker, error) {
	rows, err := parseBlofinTickers(body)
	if err != nil {
		return nil, err
	}
	out := make([]model.Ticker, 0, len(rows))
	for _, r := range rows {
		pcnt := decimal.Zero
		if r.Open24h.IsPositive() {
			pcnt = r.Last.Sub(r.Open24h).Div(r.Open24h)
		}
		out = append(out, model.Ticker{
			Symbol: r.InstID, LastPrice: r.Last, Bid1Price: r.BidPrice, Ask1Price: r.AskPrice,
			High24h: r.High24h, Low24h: r.Low24h, Open24h: r.Open24h, Volume24h: r.Vol24h,
			Turnover24h: r.VolCcy24h, Price24hPcnt: pcnt,
		})
	}
	return out, nil
}

func (a *Adapter) FundingRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, fundingURL, nil)
}

func (a *Adapter) ParseFunding(body []byte) ([]model.Funding, error) {
	var env struct {
		Code string `json:"code"`
		Data []struct {
			InstID          string          `json:"instId"`
			FundingRate     decimal.Decimal `json:"fundingRate"`
			NextFundingTime string          `json:"nextFundingTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("blofin: decode funding: %w", err)
	}
	if env.Code != "0" {
		return nil, fmt.Errorf("blofin: funding error code %s", env.Code)
	}
	out := make([]model.Funding, 0, len(env.Data))
	for _, r := range env.Data {
		nft, _ := strconv.ParseInt(r.NextFundingTime, 10, 64)
		out = append(out, model.Funding{Symbol: r.InstID, FundingRate: r.FundingRate, NextFundingTime: nft})
	}
	return out, nil
}

func (a *Adapter) OpenInterestRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, oiURL, nil)
}

func (a *Adapter) ParseOpenInterest(body []byte) ([]model.OpenInterest, error) {
	var env struct {
		Code string `json:"code"`
		Data []struct {
			InstID string          `json:"instId"`
			Oi     decimal.Decimal `json:"oi"`
			OiCcy  decimal.Decimal `json:"oiCcy"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("blofin: decode open interest: %w", err)
	}
	if env.Code != "0" {
		return nil, fmt.Errorf("blofin: open interest error code %s", env.Code)
	}
	out := make([]model.OpenInterest, 0, len(env.Data))
	for _, r := range env.Data {
		out = append(out, model.OpenInterest{Symbol: r.InstID, OpenInterest: r.Oi, OpenInterestValue: r.OiCcy})
	}
	return out, nil
}

func (a *Adapter) KlinesRequest(ctx context.Context, symbol, interval string, limit int, before int64) (*http.Request, error) {
	q := url.Values{}
	q.Set("instId", symbol)
	q.Set("bar", interval)
	q.Set("limit", strconv.Itoa(limit))
	if before > 0 {
		q.Set("after", strconv.FormatInt(before, 10))
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, klinesURL+"?"+q.Encode(), nil)
}

func (a *Adapter) ParseKlines(body []byte) ([]model.Candle, error) {
	var env struct {
		Code string     `json:"code"`
		Data [][]string `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("blofin: decode klines: %w", err)
	}
	if env.Code != "0" {
		return nil, fmt.Errorf("blofin: klines error code %s", env.Code)
	}
	out := make([]model.Candle, 0, len(env.Data))
	for _, row := range env.Data {
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
