package observability

import (
	"os"

	"github.com/marketfeed/hub/internal/config"
)

// SimpleObservabilityProvider wraps the hub's Logger construction behind
// the same two-step (config, provider) shape the rest of this package's
// providers (MetricsProvider, TracingProvider) use, so cmd/hub builds all
// three the same way.
type SimpleObservabilityProvider struct {
	Logger *Logger
}

// SimpleObservabilityConfig is the subset of observability config the hub
// actually varies at startup: service identity and log shape.
type SimpleObservabilityConfig struct {
	ServiceName string
	LogLevel    string
	LogFormat   string
}

// NewSimpleObservabilityProvider builds the hub's structured logger.
func NewSimpleObservabilityProvider(cfg *SimpleObservabilityConfig) (*SimpleObservabilityProvider, error) {
	if cfg == nil {
		cfg = GetDefaultSimpleConfig()
	}
	return &SimpleObservabilityProvider{
		Logger: NewLogger(config.ObservabilityConfig{
			ServiceName: cfg.ServiceName,
			LogLevel:    cfg.LogLevel,
			LogFormat:   cfg.LogFormat,
		}),
	}, nil
}

// GetDefaultSimpleConfig reads service identity and log shape from the
// environment, falling back to the hub's own defaults.
func GetDefaultSimpleConfig() *SimpleObservabilityConfig {
	return &SimpleObservabilityConfig{
		ServiceName: getEnv("SERVICE_NAME", "marketfeed-hub"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
