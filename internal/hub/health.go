package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/marketfeed/hub/internal/exchange"
	"github.com/marketfeed/hub/internal/poller"
)

// healthStatus returns "healthy" when every configured exchange is
// connected, "degraded" when at least one but not all are, and "down"
// when none are.
func (h *Hub) healthStatus(connected, total int) string {
	switch {
	case total == 0 || connected == 0:
		return "down"
	case connected == total:
		return "healthy"
	default:
		return "degraded"
	}
}

type exchangeHealth struct {
	Connected  bool                     `json:"connected"`
	Symbols    int                      `json:"symbols"`
	LastUpdate int64                    `json:"lastUpdate"`
	Cache      map[string]int           `json:"cache"`
	Stats      exchange.ConnectionStats `json:"stats"`
	Latency    poller.LatencyStats      `json:"latency"`
}

// healthHandler serves /hub/health with the exact shape spec.md §6
// mandates: status, readiness, uptime, per-exchange connection and cache
// summaries, client count, demand-tracker stats and a timestamp.
func (h *Hub) healthHandler(w http.ResponseWriter, r *http.Request) {
	exchanges := make(map[string]exchangeHealth, len(h.adapters))
	connected := 0
	for name, base := range h.adapters {
		isOpen := base.State() == exchange.StateOpen
		if isOpen {
			connected++
		}
		exchanges[name] = exchangeHealth{
			Connected:  isOpen,
			Symbols:    len(base.Symbols()),
			LastUpdate: base.LastUpdate(),
			Cache: map[string]int{
				"tickers":     len(h.cache.GetAllTickers(name)),
				"instruments": len(h.cache.GetInstruments(name)),
			},
			Stats:   base.Stats(),
			Latency: h.poller.Latency(name),
		}
	}

	h.clientsMu.RLock()
	clientCount := len(h.clients)
	h.clientsMu.RUnlock()

	status := h.healthStatus(connected, len(h.adapters))

	resp := map[string]interface{}{
		"status":        status,
		"ready":         h.Ready(),
		"uptime":        time.Since(h.startedAt).String(),
		"exchanges":     exchanges,
		"clients":       clientCount,
		"cache":         h.cacheCounts(),
		"demandTracker": h.demand.Stats(),
		"timestamp":     time.Now(),
	}

	statusCode := http.StatusOK
	if status == "down" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func (h *Hub) cacheCounts() map[string]int {
	counts := map[string]int{}
	for name := range h.adapters {
		counts["tickers_"+name] = len(h.cache.GetAllTickers(name))
		counts["instruments_"+name] = len(h.cache.GetInstruments(name))
		counts["funding_"+name] = len(h.cache.GetAllFunding(name))
	}
	return counts
}
