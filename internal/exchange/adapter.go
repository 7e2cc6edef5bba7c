// Package exchange provides the shared upstream adapter lifecycle — state
// machine, WebSocket connect/reconnect, ping/pong keep-alive — that every
// per-exchange variant (bybit, blofin, bitunix, hyperliquid, binance)
// embeds and customizes through the Variant interface.
package exchange

import (
	"context"
	"time"

	"github.com/marketfeed/hub/internal/model"
)

// State is one of the adapter's lifecycle states.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// StatusUpdate is emitted on every connect/disconnect transition.
type StatusUpdate struct {
	Exchange  string
	Connected bool
	Symbols   int
}

// ConnectionStats is surfaced through the hub's health endpoint.
type ConnectionStats struct {
	MessagesReceived int64
	BytesRead        int64
	ErrorCount       int64
	LastError        string
	ReconnectCount   int64
	ConnectedSince   time.Time
}

// DataCallback receives every normalized event an adapter parses off the
// wire.
type DataCallback func(model.Event)

// StatusCallback receives connect/disconnect transitions.
type StatusCallback func(StatusUpdate)

// Variant supplies everything specific to one exchange's wire protocol;
// Base drives the shared connect/reconnect/ping state machine against it.
type Variant interface {
	// Name is the exchange's canonical lowercase identifier, e.g. "bybit".
	Name() string
	// WSURL is the base WebSocket endpoint to dial.
	WSURL() string
	// FetchSymbols returns the exchange's current list of tradable
	// perpetual symbols via REST.
	FetchSymbols(ctx context.Context) ([]string, error)
	// OnOpen runs once the socket is Open and before status{connected:true}
	// is emitted; it re-subscribes hot symbols and sends any mandatory
	// per-adapter streams (Hyperliquid allMids, Bybit/Binance liquidations).
	OnOpen(a *Base) error
	// IsPong reports whether the raw frame is a keep-alive reply that
	// should be discarded without further parsing.
	IsPong(raw []byte) bool
	// PingFrame returns the message type and payload used to ping this
	// exchange (e.g. gorilla's PingMessage, or a text frame for Blofin's
	// literal "ping").
	PingFrame() (messageType int, payload []byte)
	// HandleMessage parses one non-pong, non-ack frame into zero or more
	// canonical events and hands each to a.EmitData.
	HandleMessage(a *Base, raw []byte) error
	// SubscribeSymbol sends the upstream subscribe frame(s) for symbol on
	// the given channels.
	SubscribeSymbol(a *Base, symbol string, channels []model.Channel) error
	// UnsubscribeSymbol sends the upstream unsubscribe frame(s).
	UnsubscribeSymbol(a *Base, symbol string, channels []model.Channel) error
	// SubscribeKline sends the upstream kline subscribe frame.
	SubscribeKline(a *Base, symbol, interval string) error
	// UnsubscribeKline sends the upstream kline unsubscribe frame.
	UnsubscribeKline(a *Base, symbol, interval string) error
}

// LiquidationSubscriber is implemented by variants with a real (or
// effectively global) liquidations stream: Bybit subscribes per top-50
// symbol in batches, Binance subscribes once to the global forceOrder
// stream. Both expose it as "subscribe" even though the upstream stream
// is never unsubscribed per-symbol.
type LiquidationSubscriber interface {
	SubscribeLiquidations(a *Base) error
}
