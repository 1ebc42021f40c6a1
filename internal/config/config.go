package config

import (
	"fmt"
	"time"
)

// WrappedSOLMint is the base asset every agent trades against.
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	bias := 0.5
	return Config{
		Gateway: GatewayConfig{
			Port:                18790,
			Bind:                "loopback",
			PushIntervalSeconds: 5,
			Auth: GatewayAuth{
				Mode: "token",
			},
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Fleet: FleetConfig{
			InitialCount:   10,
			PollIntervalMs: 1000,
			DegradedAfter:  5,
			BackoffMinMs:   500,
			BackoffMaxMs:   30000,
			BaseMint:       WrappedSOLMint,
			Defaults: AgentDefaults{
				AvgIntervalSeconds: 15,
				VolumeMean:         1.0,
				VolumeStdDev:       0.5,
				BuyBias:            &bias,
			},
		},
		Quote: QuoteConfig{
			Mode:               "paper",
			TimeoutMs:          10000,
			RateLimitPerMinute: 600,
			SlippageBps:        50,
		},
		Summary: SummaryConfig{
			Cache:      "none",
			TTLSeconds: 30,
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			ServiceName: "tradesim",
		},
	}
}

// PollInterval is how long a suspended agent sleeps before re-reading its config.
func (f FleetConfig) PollInterval() time.Duration {
	return time.Duration(f.PollIntervalMs) * time.Millisecond
}

// BackoffMin is the first retry delay after a failed cycle.
func (f FleetConfig) BackoffMin() time.Duration {
	return time.Duration(f.BackoffMinMs) * time.Millisecond
}

// BackoffMax caps the retry delay after repeated failures.
func (f FleetConfig) BackoffMax() time.Duration {
	return time.Duration(f.BackoffMaxMs) * time.Millisecond
}

// BuyBiasOrDefault returns the configured default buy bias, 0.5 when unset.
func (d AgentDefaults) BuyBiasOrDefault() float64 {
	if d.BuyBias == nil {
		return 0.5
	}
	return *d.BuyBias
}

// Timeout returns the per-request deadline for the HTTP quote source.
func (q QuoteConfig) Timeout() time.Duration {
	return time.Duration(q.TimeoutMs) * time.Millisecond
}

// TTL returns how long a cached summary stays valid.
func (s SummaryConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}
