package hub

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// minKlineRingForCache is the ring depth below which klines/{ex}/{sym}/
// {interval} falls back to a forced REST fetch instead of serving the
// (too-thin) cached ring (spec.md §4.7 "cache-with-fallback").
const minKlineRingForCache = 50

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Router builds the hub's HTTP handler: the downstream WebSocket
// endpoint, the REST read surface, and /hub/health.
func (h *Hub) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", h.handleWebSocket).Methods("GET")
	r.HandleFunc("/hub/health", h.healthHandler).Methods("GET")

	r.HandleFunc("/tickers/{ex}", h.handleTickers).Methods("GET")
	r.HandleFunc("/ticker/{ex}/{sym}", h.handleTicker).Methods("GET")
	r.HandleFunc("/orderbook/{ex}/{sym}", h.handleOrderbook).Methods("GET")
	r.HandleFunc("/trades/{ex}/{sym}", h.handleTrades).Methods("GET")
	r.HandleFunc("/instruments/{ex}", h.handleInstruments).Methods("GET")
	r.HandleFunc("/funding/{ex}", h.handleFunding).Methods("GET")
	r.HandleFunc("/oi/{ex}/{sym}", h.handleOpenInterest).Methods("GET")
	r.HandleFunc("/klines/{ex}/{sym}/{interval}/history", h.handleKlinesHistory).Methods("GET")
	r.HandleFunc("/klines/{ex}/{sym}/{interval}", h.handleKlines).Methods("GET")
	r.HandleFunc("/liquidations/{ex}/{sym}", h.handleLiquidations).Methods("GET")

	return r
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error(r.Context(), "websocket upgrade failed", err)
		return
	}
	c := h.addClient(conn)
	c.readLoop()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func limitParam(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// handleTickers returns cached tickers for an exchange; if the cache is
// empty and the hub is ready, it triggers one best-effort poll before
// returning whatever is then present.
func (h *Hub) handleTickers(w http.ResponseWriter, r *http.Request) {
	ex := mux.Vars(r)["ex"]
	tickers := h.cache.GetAllTickers(ex)
	if len(tickers) == 0 && h.Ready() {
		_ = h.poller.PollExchange(r.Context(), ex)
		tickers = h.cache.GetAllTickers(ex)
	}
	writeJSON(w, tickers)
}

func (h *Hub) handleTicker(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, _ := h.cache.GetTicker(vars["ex"], vars["sym"])
	if t.Symbol == "" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, t)
}

func (h *Hub) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ob, _ := h.cache.GetOrderbook(vars["ex"], vars["sym"])
	if len(ob.Bids) == 0 && len(ob.Asks) == 0 {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, ob)
}

func (h *Hub) handleTrades(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit := limitParam(r, 100)
	writeJSON(w, h.cache.GetTrades(vars["ex"], vars["sym"], limit))
}

func (h *Hub) handleInstruments(w http.ResponseWriter, r *http.Request) {
	ex := mux.Vars(r)["ex"]
	writeJSON(w, h.cache.GetInstruments(ex))
}

func (h *Hub) handleFunding(w http.ResponseWriter, r *http.Request) {
	ex := mux.Vars(r)["ex"]
	writeJSON(w, h.cache.GetAllFunding(ex))
}

func (h *Hub) handleOpenInterest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	oi, _ := h.cache.GetOpenInterest(vars["ex"], vars["sym"])
	if oi.Symbol == "" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, oi)
}

// handleKlines serves the cache's kline ring when it holds at least
// minKlineRingForCache candles; otherwise it forces a REST fetch through
// the poller (deduped and rate-limit-gated) and returns that batch.
func (h *Hub) handleKlines(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ex, sym, interval := vars["ex"], vars["sym"], vars["interval"]
	limit := limitParam(r, 200)

	if h.cache.KlineCount(ex, sym, interval) >= minKlineRingForCache {
		writeJSON(w, h.cache.GetKlines(ex, sym, interval, limit))
		return
	}

	candles, err := h.poller.FetchKlines(r.Context(), ex, sym, interval, limit, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, candles)
}

// handleKlinesHistory always performs a forced fetch, honoring an
// optional ?before= cursor for paging further into the past.
func (h *Hub) handleKlinesHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ex, sym, interval := vars["ex"], vars["sym"], vars["interval"]
	limit := limitParam(r, 200)

	var before int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		before, _ = strconv.ParseInt(raw, 10, 64)
	}

	candles, err := h.poller.FetchKlines(r.Context(), ex, sym, interval, limit, before)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, candles)
}

func (h *Hub) handleLiquidations(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit := limitParam(r, 100)
	writeJSON(w, h.cache.GetLiquidations(vars["ex"], vars["sym"], limit))
}
