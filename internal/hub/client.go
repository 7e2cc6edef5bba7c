package hub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marketfeed/hub/internal/cache"
	"github.com/marketfeed/hub/internal/exchange"
	"github.com/marketfeed/hub/internal/model"
	"github.com/marketfeed/hub/pkg/observability"
)

// clientOutboundCap bounds each client's pending-message queue; a slow
// reader drops its oldest queued frame rather than stalling the cache's
// notify path (spec.md §5, "lossy-on-backpressure is explicitly
// sanctioned").
const clientOutboundCap = 256

// clientMessage is the client→server downstream protocol envelope.
type clientMessage struct {
	Action   string `json:"action"`
	Exchange string `json:"exchange"`
	Channel  string `json:"channel"`
	Symbol   string `json:"symbol"`
}

type clientSub struct {
	unsubscribe func()
	exchange    string
	channel     model.Channel
	symbol      string
	interval    string
}

// Client is one downstream WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *observability.Logger

	sendMu sync.Mutex
	sendCh chan []byte

	subsMu sync.Mutex
	subs   map[string]*clientSub

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, logger *observability.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		logger: logger,
		sendCh: make(chan []byte, clientOutboundCap),
		subs:   make(map[string]*clientSub),
		closed: make(chan struct{}),
	}
}

// enqueue marshals msg and pushes it onto the client's outbound queue,
// dropping the oldest queued frame on overflow.
func (c *Client) enqueue(msg interface{}) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	select {
	case c.sendCh <- raw:
		return
	default:
	}
	select {
	case <-c.sendCh:
		if c.hub.metrics != nil {
			c.hub.metrics.RecordDroppedFrame(context.Background())
		}
	default:
	}
	select {
	case c.sendCh <- raw:
	default:
	}
}

// drainLoop is the client's single outbound consumer goroutine.
func (c *Client) drainLoop() {
	for {
		select {
		case raw := <-c.sendCh:
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readLoop blocks reading client frames until the socket closes, then
// tells the hub to clean up every subscription this client held.
func (c *Client) readLoop() {
	defer c.hub.cleanupClient(c)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.enqueue(map[string]interface{}{"type": "error", "message": "invalid message"})
			continue
		}
		c.hub.handleClientMessage(c, msg)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func clientSubKey(channel model.Channel, exchange, symbol string) string {
	return string(channel) + ":" + exchange + ":" + symbol
}

// splitKlineSymbol splits a client-supplied compound "<SYMBOL>:<interval>"
// kline symbol into its parts.
func splitKlineSymbol(symbol string) (sym, interval string) {
	idx := strings.LastIndexByte(symbol, ':')
	if idx < 0 {
		return symbol, ""
	}
	return symbol[:idx], symbol[idx+1:]
}

// addClient registers conn as a new downstream client and sends the
// mandatory first frame describing current hub/exchange state.
func (h *Hub) addClient(conn *websocket.Conn) *Client {
	c := newClient(h, conn, h.logger)

	h.clientsMu.Lock()
	h.clients[c] = struct{}{}
	h.clientsMu.Unlock()

	exchanges := make([]map[string]interface{}, 0, len(h.adapters))
	for name, base := range h.adapters {
		exchanges = append(exchanges, map[string]interface{}{
			"name":      name,
			"connected": base.State() == exchange.StateOpen,
			"symbols":   len(base.Symbols()),
		})
	}
	c.enqueue(map[string]interface{}{
		"type":     "connected",
		"hubReady": h.Ready(),
		"exchanges": exchanges,
		"ts":       time.Now().UnixMilli(),
	})

	go c.drainLoop()
	return c
}

// handleClientMessage dispatches one parsed downstream frame.
func (h *Hub) handleClientMessage(c *Client, msg clientMessage) {
	switch msg.Action {
	case "ping":
		c.enqueue(map[string]interface{}{"type": "pong", "ts": time.Now().UnixMilli()})
	case "subscribe":
		h.subscribeClient(c, msg)
	case "unsubscribe":
		h.unsubscribeClient(c, msg)
	default:
		c.enqueue(map[string]interface{}{"type": "error", "message": "unknown action"})
	}
}

// subscribeClient registers a cache callback for (channel,exchange,
// symbol) and drives the Demand Tracker's subscribe path. Duplicate
// subscribes (same key already held by this client) are a no-op.
func (h *Hub) subscribeClient(c *Client, msg clientMessage) {
	channel := model.Channel(msg.Channel)
	key := clientSubKey(channel, msg.Exchange, msg.Symbol)

	c.subsMu.Lock()
	if _, exists := c.subs[key]; exists {
		c.subsMu.Unlock()
		return
	}
	c.subsMu.Unlock()

	demandSymbol, interval := msg.Symbol, ""
	if channel == model.ChannelKlines {
		demandSymbol, interval = splitKlineSymbol(msg.Symbol)
	}

	unsub := h.cache.Subscribe(channel, msg.Exchange, msg.Symbol, func(n cache.Notification) {
		c.enqueue(map[string]interface{}{
			"type":     n.Type,
			"exchange": n.Exchange,
			"channel":  n.Channel,
			"symbol":   msg.Symbol,
			"data":     n.Data,
		})
		if h.metrics != nil {
			h.metrics.RecordSubscriberNotify(context.Background(), string(channel))
		}
	})

	h.demand.Subscribe(msg.Exchange, demandSymbol, channel, interval)

	c.subsMu.Lock()
	c.subs[key] = &clientSub{unsubscribe: unsub, exchange: msg.Exchange, channel: channel, symbol: demandSymbol, interval: interval}
	c.subsMu.Unlock()
}

func (h *Hub) unsubscribeClient(c *Client, msg clientMessage) {
	channel := model.Channel(msg.Channel)
	key := clientSubKey(channel, msg.Exchange, msg.Symbol)

	c.subsMu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	c.subsMu.Unlock()
	if !ok {
		return
	}

	sub.unsubscribe()
	h.demand.Unsubscribe(sub.exchange, sub.symbol, sub.channel, sub.interval)
}

// cleanupClient unregisters c and unwinds every subscription it held,
// decrementing the Demand Tracker and dropping cache callbacks.
func (h *Hub) cleanupClient(c *Client) {
	h.clientsMu.Lock()
	delete(h.clients, c)
	h.clientsMu.Unlock()

	c.subsMu.Lock()
	subs := make([]*clientSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[string]*clientSub)
	c.subsMu.Unlock()

	for _, s := range subs {
		s.unsubscribe()
		h.demand.Unsubscribe(s.exchange, s.symbol, s.channel, s.interval)
	}
	c.close()
}
