package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func paths(issues []ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Path)
	}
	return out
}

func TestValidate_ValidDefaults(t *testing.T) {
	cfg := validConfig()
	assert.Empty(t, Validate(&cfg))
}

func TestValidate_MissingTradedMint(t *testing.T) {
	cfg := Defaults()
	assert.Contains(t, paths(Validate(&cfg)), "fleet.tradedMint")
}

func TestValidate_TradedMintEqualsBase(t *testing.T) {
	cfg := validConfig()
	cfg.Fleet.TradedMint = cfg.Fleet.BaseMint
	assert.Contains(t, paths(Validate(&cfg)), "fleet.tradedMint")
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.Port = -1
	assert.Contains(t, paths(Validate(&cfg)), "gateway.port")

	cfg.Gateway.Port = 70000
	assert.NotEmpty(t, Validate(&cfg))
}

func TestValidate_InvalidBind(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.Bind = "tailnet"
	assert.Contains(t, paths(Validate(&cfg)), "gateway.bind")
}

func TestValidate_CustomBindRequiresHost(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.Bind = "custom"
	assert.Contains(t, paths(Validate(&cfg)), "gateway.customBindHost")

	cfg.Gateway.CustomBindHost = "10.0.0.5"
	assert.Empty(t, Validate(&cfg))
}

func TestValidate_LogLevels(t *testing.T) {
	for _, lvl := range []string{"silent", "fatal", "error", "warn", "info", "debug", "trace", ""} {
		cfg := validConfig()
		cfg.Logging.Level = lvl
		assert.Empty(t, Validate(&cfg), "level %q should be valid", lvl)
	}

	cfg := validConfig()
	cfg.Logging.Level = "verbose"
	assert.Contains(t, paths(Validate(&cfg)), "logging.level")
}

func TestValidate_StoreDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "mysql"
	assert.Contains(t, paths(Validate(&cfg)), "store.driver")

	cfg.Store.Driver = "postgres"
	assert.Contains(t, paths(Validate(&cfg)), "store.dsn")

	cfg.Store.DSN = "postgres://localhost/sim"
	assert.Empty(t, Validate(&cfg))
}

func TestValidate_AgentDefaults(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{"zero interval", func(c *Config) { c.Fleet.Defaults.AvgIntervalSeconds = 0 }, "fleet.defaults.avgIntervalSeconds"},
		{"negative volume", func(c *Config) { c.Fleet.Defaults.VolumeMean = -1 }, "fleet.defaults.volumeMean"},
		{"negative stddev", func(c *Config) { c.Fleet.Defaults.VolumeStdDev = -0.1 }, "fleet.defaults.volumeStdDev"},
		{"bias above one", func(c *Config) { b := 1.5; c.Fleet.Defaults.BuyBias = &b }, "fleet.defaults.buyBias"},
		{"bias below zero", func(c *Config) { b := -0.1; c.Fleet.Defaults.BuyBias = &b }, "fleet.defaults.buyBias"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.Contains(t, paths(Validate(&cfg)), tt.path)
		})
	}
}

func TestValidate_MaxAgents(t *testing.T) {
	cfg := validConfig()
	cfg.Fleet.MaxAgents = 5
	cfg.Fleet.InitialCount = 6
	assert.Contains(t, paths(Validate(&cfg)), "fleet.initialCount")

	cfg.Fleet.InitialCount = 5
	assert.Empty(t, Validate(&cfg))

	cfg.Fleet.MaxAgents = -1
	assert.Contains(t, paths(Validate(&cfg)), "fleet.maxAgents")
}

func TestValidate_Backoff(t *testing.T) {
	cfg := validConfig()
	cfg.Fleet.BackoffMinMs = 1000
	cfg.Fleet.BackoffMaxMs = 10
	assert.Contains(t, paths(Validate(&cfg)), "fleet.backoffMinMs")
}

func TestValidate_QuoteMode(t *testing.T) {
	cfg := validConfig()
	cfg.Quote.Mode = "http"
	assert.Contains(t, paths(Validate(&cfg)), "quote.baseUrl")

	cfg.Quote.BaseURL = "https://quote.example.com"
	assert.Empty(t, Validate(&cfg))

	cfg.Quote.Mode = "grpc"
	assert.Contains(t, paths(Validate(&cfg)), "quote.mode")
}

func TestValidate_QuoteDecimals(t *testing.T) {
	cfg := validConfig()
	cfg.Quote.Decimals = map[string]int{"MintA": 40}
	assert.Contains(t, paths(Validate(&cfg)), "quote.decimals.MintA")
}

func TestValidate_SummaryCache(t *testing.T) {
	cfg := validConfig()
	cfg.Summary.Cache = "redis"
	assert.Contains(t, paths(Validate(&cfg)), "summary.redisUrl")

	cfg.Summary.Cache = "memcached"
	assert.Contains(t, paths(Validate(&cfg)), "summary.cache")

	cfg.Summary.Cache = "none"
	cfg.Summary.TTLSeconds = 0
	assert.Empty(t, Validate(&cfg))
}

func TestValidate_Telegram(t *testing.T) {
	cfg := validConfig()
	cfg.Notify.Telegram = &TelegramConfig{}
	got := paths(Validate(&cfg))
	assert.Contains(t, got, "notify.telegram.token")
	assert.Contains(t, got, "notify.telegram.chatId")
}

func TestValidate_TracingExporter(t *testing.T) {
	cfg := validConfig()
	cfg.Tracing.Exporter = "jaeger"
	assert.Contains(t, paths(Validate(&cfg)), "tracing.exporter")
}

func TestValidationIssue_String(t *testing.T) {
	issue := ValidationIssue{Path: "fleet.maxAgents", Message: "must not be negative"}
	assert.Equal(t, "fleet.maxAgents: must not be negative", issue.String())
}
