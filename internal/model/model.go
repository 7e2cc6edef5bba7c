// Package model holds the canonical, exchange-agnostic shapes the hub
// caches and fans out to downstream clients. Every adapter normalizes its
// wire format into these types before handing an event to the hub.
package model

import (
	"github.com/shopspring/decimal"
)

// Channel identifies a stream kind a client can subscribe to.
type Channel string

const (
	ChannelTickers      Channel = "tickers"
	ChannelOrderbook    Channel = "orderbook"
	ChannelTrades       Channel = "trades"
	ChannelKlines       Channel = "klines"
	ChannelLiquidations Channel = "liquidations"
	ChannelFunding      Channel = "funding"
	ChannelOpenInterest Channel = "openInterest"
)

// Side is a trade or liquidation direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// AllSymbol is the pseudo-symbol every liquidation is mirrored under.
const AllSymbol = "ALL"

// Ticker holds per (exchange,symbol) 24h statistics. Writes merge into the
// existing record field-by-field; zero-value fields in an incoming write do
// not overwrite an already-populated field (see Ticker.Merge).
type Ticker struct {
	Exchange        string          `json:"exchange"`
	Symbol          string          `json:"symbol"`
	LastPrice       decimal.Decimal `json:"lastPrice"`
	MarkPrice       decimal.Decimal `json:"markPrice"`
	IndexPrice      decimal.Decimal `json:"indexPrice"`
	Bid1Price       decimal.Decimal `json:"bid1Price"`
	Ask1Price       decimal.Decimal `json:"ask1Price"`
	High24h         decimal.Decimal `json:"high24h"`
	Low24h          decimal.Decimal `json:"low24h"`
	Open24h         decimal.Decimal `json:"open24h"`
	Volume24h       decimal.Decimal `json:"volume24h"`
	Turnover24h     decimal.Decimal `json:"turnover24h"`
	Price24hPcnt    decimal.Decimal `json:"price24hPcnt"`
	FundingRate     decimal.Decimal `json:"fundingRate"`
	NextFundingTime int64           `json:"nextFundingTime"`
	OpenInterest    decimal.Decimal `json:"openInterest"`
}

// Merge overlays non-zero fields of patch onto t, returning the result.
// A decimal.Decimal zero value and an empty Decimal{} are indistinguishable,
// so callers that mean "field not present in this frame" must pass the
// IsZero() sentinel; present-but-actually-zero values are rare enough
// upstream (price/volume) that this tradeoff matches the teacher's own
// "last write wins per populated field" merge style.
func (t Ticker) Merge(patch Ticker) Ticker {
	merged := t
	merged.Exchange = patch.Exchange
	if patch.Symbol != "" {
		merged.Symbol = patch.Symbol
	}
	if !patch.LastPrice.IsZero() {
		merged.LastPrice = patch.LastPrice
	}
	if !patch.MarkPrice.IsZero() {
		merged.MarkPrice = patch.MarkPrice
	}
	if !patch.IndexPrice.IsZero() {
		merged.IndexPrice = patch.IndexPrice
	}
	if !patch.Bid1Price.IsZero() {
		merged.Bid1Price = patch.Bid1Price
	}
	if !patch.Ask1Price.IsZero() {
		merged.Ask1Price = patch.Ask1Price
	}
	if !patch.High24h.IsZero() {
		merged.High24h = patch.High24h
	}
	if !patch.Low24h.IsZero() {
		merged.Low24h = patch.Low24h
	}
	if !patch.Open24h.IsZero() {
		merged.Open24h = patch.Open24h
	}
	if !patch.Volume24h.IsZero() {
		merged.Volume24h = patch.Volume24h
	}
	if !patch.Turnover24h.IsZero() {
		merged.Turnover24h = patch.Turnover24h
	}
	if !patch.Price24hPcnt.IsZero() {
		merged.Price24hPcnt = patch.Price24hPcnt
	}
	if !patch.FundingRate.IsZero() {
		merged.FundingRate = patch.FundingRate
	}
	if patch.NextFundingTime != 0 {
		merged.NextFundingTime = patch.NextFundingTime
	}
	if !patch.OpenInterest.IsZero() {
		merged.OpenInterest = patch.OpenInterest
	}
	return merged
}

// PriceLevel is one (price,size) row of an orderbook side.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Orderbook holds ordered bid/ask levels for one (exchange,symbol).
type Orderbook struct {
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	UpdateID  int64        `json:"updateId"`
	CrossSeq  int64        `json:"crossSeq"`
	Timestamp int64        `json:"timestamp"`
}

// Trade is one executed print.
type Trade struct {
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      Side            `json:"side"`
	Timestamp int64           `json:"timestamp"`
	TradeID   string          `json:"tradeId,omitempty"`
}

// Liquidation is one forced-close print. Side is the side of the
// liquidated position: buy for a long, sell for a short.
type Liquidation struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      Side            `json:"side"`
	Timestamp int64           `json:"timestamp"`
}

// Instrument is a static per-symbol descriptor.
type Instrument struct {
	Exchange     string          `json:"exchange"`
	Symbol       string          `json:"symbol"`
	BaseCoin     string          `json:"baseCoin"`
	QuoteCoin    string          `json:"quoteCoin"`
	Status       string          `json:"status"`
	TickSize     decimal.Decimal `json:"tickSize"`
	LotSize      decimal.Decimal `json:"lotSize"`
	MinOrderQty  decimal.Decimal `json:"minOrderQty"`
	MaxOrderQty  decimal.Decimal `json:"maxOrderQty"`
	MinLeverage  decimal.Decimal `json:"minLeverage"`
	MaxLeverage  decimal.Decimal `json:"maxLeverage"`
	ContractVal  decimal.Decimal `json:"contractValue,omitempty"`
	AssetIndex   int             `json:"assetIndex,omitempty"`
}

// Funding is per (exchange,symbol) funding-rate state.
type Funding struct {
	Symbol          string          `json:"symbol"`
	FundingRate     decimal.Decimal `json:"fundingRate"`
	NextFundingTime int64           `json:"nextFundingTime"`
	FundingTime     int64           `json:"fundingTime,omitempty"`
}

// OpenInterest is per (exchange,symbol) open-interest state.
type OpenInterest struct {
	Symbol            string          `json:"symbol"`
	OpenInterest      decimal.Decimal `json:"openInterest"`
	OpenInterestValue decimal.Decimal `json:"openInterestValue,omitempty"`
}

// Candle is one kline/bar.
type Candle struct {
	T      int64           `json:"t"`
	O      decimal.Decimal `json:"o"`
	H      decimal.Decimal `json:"h"`
	L      decimal.Decimal `json:"l"`
	C      decimal.Decimal `json:"c"`
	V      decimal.Decimal `json:"v"`
	Closed bool            `json:"closed,omitempty"`
}

// Event is the canonical tuple an adapter emits and the hub dispatches into
// the cache.
type Event struct {
	Exchange string      `json:"exchange"`
	Channel  Channel     `json:"channel"`
	Symbol   string      `json:"symbol"`
	Interval string      `json:"interval,omitempty"`
	Data     interface{} `json:"data"`
}
