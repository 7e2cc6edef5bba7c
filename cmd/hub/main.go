package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marketfeed/hub/internal/config"
	"github.com/marketfeed/hub/internal/exchange/binance"
	"github.com/marketfeed/hub/internal/exchange/bitunix"
	"github.com/marketfeed/hub/internal/exchange/blofin"
	"github.com/marketfeed/hub/internal/exchange/bybit"
	"github.com/marketfeed/hub/internal/exchange/hyperliquid"
	"github.com/marketfeed/hub/internal/hub"
	"github.com/marketfeed/hub/pkg/middleware"
	"github.com/marketfeed/hub/pkg/observability"
)

// availableSources is every exchange package this binary knows how to
// wire, keyed by the name used in HUB_EXCHANGES.
func availableSources() map[string]hub.Source {
	return map[string]hub.Source{
		"bybit":       bybit.New(),
		"blofin":      blofin.New(),
		"bitunix":     bitunix.New(),
		"hyperliquid": hyperliquid.New(),
		"binance":     binance.New(),
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	obsConfig := observability.GetDefaultSimpleConfig()
	obsConfig.ServiceName = cfg.Observability.ServiceName
	obsConfig.LogLevel = cfg.Observability.LogLevel
	obsConfig.LogFormat = cfg.Observability.LogFormat
	obsProvider, err := observability.NewSimpleObservabilityProvider(obsConfig)
	if err != nil {
		log.Fatalf("failed to initialize observability: %v", err)
	}
	logger := obsProvider.Logger

	metrics, err := observability.NewMetricsProvider(observability.MetricsConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: "1.0.0",
		Namespace:      "marketfeed",
		Port:           9090,
		Enabled:        true,
	})
	if err != nil {
		log.Fatalf("failed to initialize metrics: %v", err)
	}
	go func() {
		if err := metrics.StartMetricsServer(9090); err != nil {
			logger.Warn(context.Background(), "metrics server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	tracing, err := observability.NewTracingProvider(cfg.Observability)
	if err != nil {
		logger.Warn(context.Background(), "tracing disabled", map[string]interface{}{"error": err.Error()})
		tracing = nil
	}

	all := availableSources()
	sources := make(map[string]hub.Source, len(cfg.Hub.Exchanges))
	for _, name := range cfg.Hub.Exchanges {
		src, ok := all[name]
		if !ok {
			logger.Warn(context.Background(), "unknown exchange in HUB_EXCHANGES, skipping", map[string]interface{}{"exchange": name})
			continue
		}
		sources[name] = src
	}
	if len(sources) == 0 {
		log.Fatalf("no recognized exchanges in HUB_EXCHANGES: %v", cfg.Hub.Exchanges)
	}

	h := hub.New(cfg.Hub, sources, logger, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h.Start(ctx)

	handler := middleware.Recovery(logger)(
		middleware.Logging(logger)(
			middleware.Tracing(cfg.Observability.ServiceName)(
				middleware.CORS([]string{"*"})(
					h.Router(),
				),
			),
		),
	)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info(context.Background(), "starting marketfeed hub", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down marketfeed hub")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "server forced to shutdown", err)
	}

	h.Stop()

	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "metrics shutdown failed", err)
	}
	if tracing != nil {
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "tracing shutdown failed", err)
		}
	}

	logger.Info(context.Background(), "marketfeed hub stopped")
}
