package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketfeed/hub/internal/model"
)

var klineIntervalMs = map[string]int64{
	"1m": 60_000, "3m": 180_000, "5m": 300_000, "15m": 900_000, "30m": 1_800_000,
	"1h": 3_600_000, "2h": 7_200_000, "4h": 14_400_000, "8h": 28_800_000, "12h": 43_200_000,
	"1d": 86_400_000, "3d": 259_200_000, "1w": 604_800_000, "1M": 2_592_000_000,
}

func (a *Adapter) IntervalMs(interval string) (int64, bool) {
	ms, ok := klineIntervalMs[interval]
	return ms, ok
}

func postInfo(ctx context.Context, body interface{}) (*http.Request, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, restURL, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Hyperliquid's meta+assetCtxs envelope is [universeMeta, []assetCtx] and
// backs instruments, tickers, funding and open interest all at once; each
// Request builds the same body and each Parse* extracts its own slice.
func metaAndAssetCtxsRequest(ctx context.Context) (*http.Request, error) {
	return postInfo(ctx, map[string]string{"type": "metaAndAssetCtxs"})
}

func (a *Adapter) InstrumentsRequest(ctx context.Context) (*http.Request, error) {
	return metaAndAssetCtxsRequest(ctx)
}

type hlAssetCtx struct {
	Funding      decimal.Decimal `json:"funding"`
	OpenInterest decimal.Decimal `json:"openInterest"`
	MarkPx       decimal.Decimal `json:"markPx"`
	MidPx        decimal.Decimal `json:"midPx"`
	OraclePx     decimal.Decimal `json:"oraclePx"`
	PrevDayPx    decimal.Decimal `json:"prevDayPx"`
	DayBaseVlm   decimal.Decimal `json:"dayBaseVlm"`
	DayNtlVlm    decimal.Decimal `json:"dayNtlVlm"`
}

type hlMetaAndAssetCtxs struct {
	meta struct {
		Universe []struct {
			Name         string `json:"name"`
			SzDecimals   int    `json:"szDecimals"`
			MaxLeverage  int    `json:"maxLeverage"`
		} `json:"universe"`
	}
	ctxs []hlAssetCtx
}

func parseMetaAndAssetCtxs(body []byte) (hlMetaAndAssetCtxs, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || len(raw) != 2 {
		return hlMetaAndAssetCtxs{}, fmt.Errorf("hyperliquid: decode metaAndAssetCtxs: %w", err)
	}
	var out hlMetaAndAssetCtxs
	if err := json.Unmarshal(raw[0], &out.meta); err != nil {
		return out, fmt.Errorf("hyperliquid: decode meta: %w", err)
	}
	if err := json.Unmarshal(raw[1], &out.ctxs); err != nil {
		return out, fmt.Errorf("hyperliquid: decode assetCtxs: %w", err)
	}
	return out, nil
}

func (a *Adapter) ParseInstruments(body []byte) ([]model.Instrument, error) {
	parsed, err := parseMetaAndAssetCtxs(body)
	if err != nil {
		return nil, err
	}
	out := make([]model.Instrument, 0, len(parsed.meta.Universe))
	for i, u := range parsed.meta.Universe {
		symbol := u.Name + "USDT"
		ins := model.Instrument{
			Symbol: symbol, BaseCoin: u.Name, QuoteCoin: "USDC", Status: "Trading",
			MaxLeverage: decimal.NewFromInt(int64(u.MaxLeverage)), AssetIndex: i,
		}
		out = append(out, ins)
	}
	return out, nil
}

func (a *Adapter) TickersRequest(ctx context.Context) (*http.Request, error) {
	return metaAndAssetCtxsRequest(ctx)
}

func (a *Adapter) ParseTickers(body []byte) ([]model.Ticker, error) {
	parsed, err := parseMetaAndAssetCtxs(body)
	if err != nil {
		return nil, err
	}
	n := len(parsed.meta.Universe)
	if len(parsed.ctxs) < n {
		n = len(parsed.ctxs)
	}
	out := make([]model.Ticker, 0, n)
	for i := 0; i < n; i++ {
		u, c := parsed.meta.Universe[i], parsed.ctxs[i]
		symbol := u.Name + "USDT"
		pcnt := decimal.Zero
		if c.PrevDayPx.IsPositive() {
			pcnt = c.MarkPx.Sub(c.PrevDayPx).Div(c.PrevDayPx)
		}
		out = append(out, model.Ticker{
			Symbol: symbol, LastPrice: c.MidPx, MarkPrice: c.MarkPx, IndexPrice: c.OraclePx,
			Open24h: c.PrevDayPx, Volume24h: c.DayBaseVlm, Turnover24h: c.DayNtlVlm,
			Price24hPcnt: pcnt, FundingRate: c.Funding, OpenInterest: c.OpenInterest,
		})
	}
	return out, nil
}

func (a *Adapter) FundingRequest(ctx context.Context) (*http.Request, error) {
	return metaAndAssetCtxsRequest(ctx)
}

func (a *Adapter) ParseFunding(body []byte) ([]model.Funding, error) {
	parsed, err := parseMetaAndAssetCtxs(body)
	if err != nil {
		return nil, err
	}
	n := len(parsed.meta.Universe)
	if len(parsed.ctxs) < n {
		n = len(parsed.ctxs)
	}
	out := make([]model.Funding, 0, n)
	for i := 0; i < n; i++ {
		symbol := parsed.meta.Universe[i].Name + "USDT"
		out = append(out, model.Funding{Symbol: symbol, FundingRate: parsed.ctxs[i].Funding})
	}
	return out, nil
}

func (a *Adapter) OpenInterestRequest(ctx context.Context) (*http.Request, error) {
	return metaAndAssetCtxsRequest(ctx)
}

func (a *Adapter) ParseOpenInterest(body []byte) ([]model.OpenInterest, error) {
	parsed, err := parseMetaAndAssetCtxs(body)
	if err != nil {
		return nil, err
	}
	n := len(parsed.meta.Universe)
	if len(parsed.ctxs) < n {
		n = len(parsed.ctxs)
	}
	out := make([]model.OpenInterest, 0, n)
	for i := 0; i < n; i++ {
		symbol := parsed.meta.Universe[i].Name + "USDT"
		out = append(out, model.OpenInterest{Symbol: symbol, OpenInterest: parsed.ctxs[i].OpenInterest})
	}
	return out, nil
}

// KlinesRequest builds the candleSnapshot POST body; startTime/endTime are
// computed from limit*intervalMs since Hyperliquid takes a time window,
// not a row-count limit.
func (a *Adapter) KlinesRequest(ctx context.Context, symbol, interval string, limit int, before int64) (*http.Request, error) {
	ms, ok := a.IntervalMs(interval)
	if !ok {
		return nil, fmt.Errorf("hyperliquid: unknown interval %q", interval)
	}
	endTime := before
	if endTime <= 0 {
		endTime = time.Now().UnixMilli()
	}
	startTime := endTime - int64(limit)*ms

	body := map[string]interface{}{
		"type": "candleSnapshot",
		"req": map[string]interface{}{
			"coin":      coinFromSymbol(symbol),
			"interval":  interval,
			"startTime": startTime,
			"endTime":   endTime,
		},
	}
	return postInfo(ctx, body)
}

func (a *Adapter) ParseKlines(body []byte) ([]model.Candle, error) {
	var rows []struct {
		T int64           `json:"t"`
		O decimal.Decimal `json:"o"`
		H decimal.Decimal `json:"h"`
		L decimal.Decimal `json:"l"`
		C decimal.Decimal `json:"c"`
		V decimal.Decimal `json:"v"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("hyperliquid: decode klines: %w", err)
	}
	out := make([]model.Candle, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Candle{T: r.T, O: r.O, H: r.H, L: r.L, C: r.C, V: r.V, Closed: true})
	}
	return out, nil
}
