package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the hub.
type Config struct {
	Server        ServerConfig
	Hub           HubConfig
	Observability ObservabilityConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// HubConfig holds the scheduling and sizing constants that tune the
// aggregation pipeline: polling cadence, cache staleness, demand-tracker
// cleanup delay, ring caps, per-exchange protocol limits, and the
// connect-time budgets used at startup.
type HubConfig struct {
	Exchanges            []string
	PollInterval         time.Duration
	StaleThreshold        time.Duration
	CleanupDelay         time.Duration
	HotSetSize           int
	HotKlineWarmupSize   int
	TradeRing            int
	KlineRing            int
	LiquidationRing      int
	BitunixSubLimit      int
	BybitLiquidationsCap int
	PingInterval         time.Duration
	ReconnectCap         time.Duration
	RateLimitWindow      time.Duration
	RateLimitBackoff     time.Duration
	StartupBudget        time.Duration
	AdapterConnectBudget time.Duration
}

type ObservabilityConfig struct {
	JaegerEndpoint string
	ServiceName    string
	LogLevel       string
	LogFormat      string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			ReadTimeout:  getDurationEnv("READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
		},
		Hub: HubConfig{
			Exchanges:            getSliceEnv("HUB_EXCHANGES", []string{"bybit", "blofin", "bitunix", "hyperliquid", "binance"}),
			PollInterval:         getDurationEnv("HUB_POLL_INTERVAL", 30*time.Second),
			StaleThreshold:        getDurationEnv("HUB_STALE_THRESHOLD", 5*time.Minute),
			CleanupDelay:         getDurationEnv("HUB_CLEANUP_DELAY", 60*time.Second),
			HotSetSize:           getIntEnv("HUB_HOT_SET_SIZE", 30),
			HotKlineWarmupSize:   getIntEnv("HUB_HOT_KLINE_WARMUP_SIZE", 3),
			TradeRing:            getIntEnv("HUB_TRADE_RING", 100),
			KlineRing:            getIntEnv("HUB_KLINE_RING", 500),
			LiquidationRing:      getIntEnv("HUB_LIQUIDATION_RING", 100),
			BitunixSubLimit:      getIntEnv("HUB_BITUNIX_SUB_LIMIT", 300),
			BybitLiquidationsCap: getIntEnv("HUB_BYBIT_LIQUIDATIONS_CAP", 50),
			PingInterval:         getDurationEnv("HUB_PING_INTERVAL", 20*time.Second),
			ReconnectCap:         getDurationEnv("HUB_RECONNECT_CAP", 30*time.Second),
			RateLimitWindow:      getDurationEnv("HUB_RATE_LIMIT_WINDOW", 60*time.Second),
			RateLimitBackoff:     getDurationEnv("HUB_RATE_LIMIT_BACKOFF", 30*time.Second),
			StartupBudget:        getDurationEnv("HUB_STARTUP_BUDGET", 15*time.Second),
			AdapterConnectBudget: getDurationEnv("HUB_ADAPTER_CONNECT_BUDGET", 10*time.Second),
		},
		Observability: ObservabilityConfig{
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "marketfeed-hub"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Hub.Exchanges) == 0 {
		return fmt.Errorf("HUB_EXCHANGES must name at least one exchange")
	}
	if c.Hub.PollInterval <= 0 {
		return fmt.Errorf("HUB_POLL_INTERVAL must be positive")
	}
	return nil
}

// Helper functions for environment variable parsing.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				result = append(result, p)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
