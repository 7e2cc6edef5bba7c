package exchange

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/marketfeed/hub/internal/model"
)

const (
	// DefaultPingInterval matches spec.md's per-adapter keep-alive cadence.
	DefaultPingInterval = 20 * time.Second
	handshakeTimeout    = 10 * time.Second
	reconnectCap        = 30 * time.Second
	readDeadlineFactor  = 3
)

// Base drives the shared connect/reconnect/ping state machine for one
// exchange connection; Variant supplies the exchange-specific wire
// behavior.
type Base struct {
	variant      Variant
	pingInterval time.Duration
	onData       DataCallback
	onStatus     StatusCallback

	state        int32 // State, accessed atomically
	lastUpdateTs int64 // unix ms, accessed atomically

	mu     sync.Mutex
	conn   *websocket.Conn
	dialer *websocket.Dialer
	stopCh chan struct{}

	hotMu      sync.Mutex
	symbols    []string
	hotSymbols map[string]struct{}

	subsMu  sync.Mutex
	subKeys map[string]struct{}

	backoffMu sync.Mutex
	bo        backoff.BackOff

	statsMu sync.Mutex
	stats   ConnectionStats
}

// NewBase constructs a Base bound to variant. pingInterval<=0 uses
// DefaultPingInterval.
func NewBase(variant Variant, pingInterval time.Duration, onData DataCallback, onStatus StatusCallback) *Base {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.Multiplier = 2
	eb.MaxInterval = reconnectCap
	eb.MaxElapsedTime = 0
	eb.RandomizationFactor = 0

	return &Base{
		variant:      variant,
		pingInterval: pingInterval,
		onData:       onData,
		onStatus:     onStatus,
		dialer:       &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		hotSymbols:   make(map[string]struct{}),
		subKeys:      make(map[string]struct{}),
		bo:           eb,
	}
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	return State(atomic.LoadInt32(&b.state))
}

func (b *Base) setState(s State) {
	atomic.StoreInt32(&b.state, int32(s))
}

// Name returns the bound variant's exchange name.
func (b *Base) Name() string { return b.variant.Name() }

// Symbols returns the most recently discovered tradable symbol list.
func (b *Base) Symbols() []string {
	b.hotMu.Lock()
	defer b.hotMu.Unlock()
	out := make([]string, len(b.symbols))
	copy(out, b.symbols)
	return out
}

// Stats returns a copy of the adapter's connection statistics.
func (b *Base) Stats() ConnectionStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

// Connect is idempotent while already Open or Connecting. It discovers
// symbols, dials the socket, and on success starts the ping and read
// loops before invoking the variant's OnOpen hook.
func (b *Base) Connect(ctx context.Context) error {
	switch b.State() {
	case StateOpen, StateConnecting:
		return nil
	}
	b.setState(StateConnecting)

	symbols, err := b.variant.FetchSymbols(ctx)
	if err != nil {
		b.recordError(err)
		b.scheduleReconnect()
		return fmt.Errorf("%s: fetch symbols: %w", b.Name(), err)
	}
	b.hotMu.Lock()
	b.symbols = symbols
	b.hotMu.Unlock()

	conn, _, err := b.dialer.DialContext(ctx, b.variant.WSURL(), http.Header{})
	if err != nil {
		b.recordError(err)
		b.scheduleReconnect()
		return fmt.Errorf("%s: dial: %w", b.Name(), err)
	}

	b.mu.Lock()
	b.conn = conn
	b.stopCh = make(chan struct{})
	stop := b.stopCh
	b.mu.Unlock()

	b.setState(StateOpen)
	b.backoffMu.Lock()
	b.bo.Reset()
	b.backoffMu.Unlock()
	b.statsMu.Lock()
	b.stats.ConnectedSince = time.Now()
	b.statsMu.Unlock()

	conn.SetReadDeadline(time.Now().Add(b.pingInterval * readDeadlineFactor))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(b.pingInterval * readDeadlineFactor))
		return nil
	})

	go b.pingLoop(stop)
	go b.readLoop(stop)

	if err := b.variant.OnOpen(b); err != nil {
		b.recordError(err)
	}

	b.emitStatus(true)
	return nil
}

// Stop closes the connection and halts reconnect attempts.
func (b *Base) Stop() {
	b.setState(StateClosing)
	b.mu.Lock()
	if b.stopCh != nil {
		close(b.stopCh)
		b.stopCh = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()
	b.setState(StateDisconnected)
}

func (b *Base) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			msgType, payload := b.variant.PingFrame()
			if err := b.Send(msgType, payload); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (b *Base) readLoop(stop chan struct{}) {
	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			b.recordError(err)
			b.handleDisconnect()
			return
		}

		conn.SetReadDeadline(time.Now().Add(b.pingInterval * readDeadlineFactor))

		if b.variant.IsPong(msg) {
			continue
		}

		atomic.StoreInt64(&b.lastUpdateTs, time.Now().UnixMilli())
		b.statsMu.Lock()
		b.stats.MessagesReceived++
		b.stats.BytesRead += int64(len(msg))
		b.statsMu.Unlock()

		if err := b.variant.HandleMessage(b, msg); err != nil {
			b.recordError(err)
		}
	}
}

func (b *Base) handleDisconnect() {
	b.setState(StateDisconnected)
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()
	b.emitStatus(false)
	b.scheduleReconnect()
}

// scheduleReconnect waits for the next exponential-backoff interval
// (capped at reconnectCap) then attempts Connect again in a new
// goroutine, incrementing the reconnect counter.
func (b *Base) scheduleReconnect() {
	b.backoffMu.Lock()
	delay := b.bo.NextBackOff()
	b.backoffMu.Unlock()
	if delay == backoff.Stop {
		delay = reconnectCap
	}

	b.statsMu.Lock()
	b.stats.ReconnectCount++
	b.statsMu.Unlock()

	go func() {
		time.Sleep(delay)
		if b.State() == StateClosing {
			return
		}
		_ = b.Connect(context.Background())
	}()
}

func (b *Base) recordError(err error) {
	b.statsMu.Lock()
	b.stats.ErrorCount++
	b.stats.LastError = err.Error()
	b.statsMu.Unlock()
}

func (b *Base) emitStatus(connected bool) {
	if b.onStatus == nil {
		return
	}
	b.onStatus(StatusUpdate{Exchange: b.Name(), Connected: connected, Symbols: len(b.Symbols())})
}

// EmitData hands a normalized event to the hub's dispatch callback.
func (b *Base) EmitData(evt model.Event) {
	if b.onData == nil {
		return
	}
	evt.Exchange = b.Name()
	b.onData(evt)
}

// Send serializes a frame write; gorilla/websocket connections do not
// support concurrent writers.
func (b *Base) Send(messageType int, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return fmt.Errorf("%s: not connected", b.Name())
	}
	return b.conn.WriteMessage(messageType, payload)
}

// MarkSubscribed records a channel-key as active. Returns false if it was
// already present (subscribe is idempotent by key).
func (b *Base) MarkSubscribed(key string) bool {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if _, ok := b.subKeys[key]; ok {
		return false
	}
	b.subKeys[key] = struct{}{}
	return true
}

// MarkUnsubscribed removes a channel-key. Returns false if it was not
// present.
func (b *Base) MarkUnsubscribed(key string) bool {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if _, ok := b.subKeys[key]; !ok {
		return false
	}
	delete(b.subKeys, key)
	return true
}

// ActiveSubscriptionCount returns how many channel-keys are currently
// marked subscribed; Bitunix uses this to enforce its 300-topic cap.
func (b *Base) ActiveSubscriptionCount() int {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	return len(b.subKeys)
}

// SetHotSymbols replaces the adapter's pinned hot-symbol set, used on
// reconnect to know which symbols to re-subscribe in OnOpen.
func (b *Base) SetHotSymbols(symbols []string) {
	b.hotMu.Lock()
	defer b.hotMu.Unlock()
	b.hotSymbols = make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		b.hotSymbols[s] = struct{}{}
	}
}

// HotSymbols returns the currently pinned hot symbols.
func (b *Base) HotSymbols() []string {
	b.hotMu.Lock()
	defer b.hotMu.Unlock()
	out := make([]string, 0, len(b.hotSymbols))
	for s := range b.hotSymbols {
		out = append(out, s)
	}
	return out
}

// SubscribeSymbol delegates to the variant and tracks the resulting
// channel-keys.
func (b *Base) SubscribeSymbol(symbol string, channels []model.Channel) error {
	return b.variant.SubscribeSymbol(b, symbol, channels)
}

// UnsubscribeSymbol delegates to the variant.
func (b *Base) UnsubscribeSymbol(symbol string, channels []model.Channel) error {
	return b.variant.UnsubscribeSymbol(b, symbol, channels)
}

// SubscribeKline delegates to the variant.
func (b *Base) SubscribeKline(symbol, interval string) error {
	return b.variant.SubscribeKline(b, symbol, interval)
}

// UnsubscribeKline delegates to the variant.
func (b *Base) UnsubscribeKline(symbol, interval string) error {
	return b.variant.UnsubscribeKline(b, symbol, interval)
}

// ErrLiquidationsUnsupported is returned by SubscribeLiquidations when the
// bound variant does not implement LiquidationSubscriber.
var ErrLiquidationsUnsupported = fmt.Errorf("exchange does not support liquidation subscriptions")

// SubscribeLiquidations delegates to the variant when it implements
// LiquidationSubscriber (Bybit, Binance); it refuses otherwise.
func (b *Base) SubscribeLiquidations() error {
	if ls, ok := b.variant.(LiquidationSubscriber); ok {
		return ls.SubscribeLiquidations(b)
	}
	return ErrLiquidationsUnsupported
}

// LastUpdate returns the unix-millisecond timestamp of the last frame
// received, 0 if none yet.
func (b *Base) LastUpdate() int64 {
	return atomic.LoadInt64(&b.lastUpdateTs)
}
