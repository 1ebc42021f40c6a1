package config

import (
	"fmt"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	// Gateway
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}
	validBinds := []string{"auto", "lan", "loopback", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		add("gateway.bind", "must be one of %v, got %q", validBinds, cfg.Gateway.Bind)
	}
	if cfg.Gateway.Bind == "custom" && cfg.Gateway.CustomBindHost == "" {
		add("gateway.customBindHost", "required when bind is custom")
	}
	validAuthModes := []string{"token", "password"}
	if cfg.Gateway.Auth.Mode != "" && !slices.Contains(validAuthModes, cfg.Gateway.Auth.Mode) {
		add("gateway.auth.mode", "must be one of %v, got %q", validAuthModes, cfg.Gateway.Auth.Mode)
	}
	if cfg.Gateway.PushIntervalSeconds < 0 {
		add("gateway.pushIntervalSeconds", "must not be negative, got %d", cfg.Gateway.PushIntervalSeconds)
	}
	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		add("gateway.tls", "certPath and keyPath are required when TLS is enabled")
	}

	// Logging
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		add("logging.level", "must be one of %v, got %q", validLogLevels, cfg.Logging.Level)
	}
	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		add("logging.consoleStyle", "must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle)
	}

	// Store
	validDrivers := []string{"sqlite", "postgres"}
	if !slices.Contains(validDrivers, cfg.Store.Driver) {
		add("store.driver", "must be one of %v, got %q", validDrivers, cfg.Store.Driver)
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		add("store.dsn", "required when driver is postgres")
	}

	// Fleet
	f := cfg.Fleet
	if f.InitialCount < 0 {
		add("fleet.initialCount", "must not be negative, got %d", f.InitialCount)
	}
	if f.MaxAgents < 0 {
		add("fleet.maxAgents", "must not be negative, got %d", f.MaxAgents)
	}
	if f.MaxAgents > 0 && f.InitialCount > f.MaxAgents {
		add("fleet.initialCount", "exceeds maxAgents (%d > %d)", f.InitialCount, f.MaxAgents)
	}
	if f.PollIntervalMs <= 0 {
		add("fleet.pollIntervalMs", "must be positive, got %d", f.PollIntervalMs)
	}
	if f.DegradedAfter <= 0 {
		add("fleet.degradedAfter", "must be positive, got %d", f.DegradedAfter)
	}
	if f.BackoffMinMs <= 0 || f.BackoffMaxMs < f.BackoffMinMs {
		add("fleet.backoffMinMs", "need 0 < backoffMinMs <= backoffMaxMs, got %d/%d", f.BackoffMinMs, f.BackoffMaxMs)
	}
	if f.BaseMint == "" {
		add("fleet.baseMint", "base mint is required")
	}
	if f.TradedMint == "" {
		add("fleet.tradedMint", "traded mint is required (set EXTERNAL_MINT)")
	}
	if f.TradedMint != "" && f.TradedMint == f.BaseMint {
		add("fleet.tradedMint", "must differ from baseMint")
	}
	if f.Defaults.AvgIntervalSeconds <= 0 {
		add("fleet.defaults.avgIntervalSeconds", "must be positive, got %g", f.Defaults.AvgIntervalSeconds)
	}
	if f.Defaults.VolumeMean <= 0 {
		add("fleet.defaults.volumeMean", "must be positive, got %g", f.Defaults.VolumeMean)
	}
	if f.Defaults.VolumeStdDev < 0 {
		add("fleet.defaults.volumeStdDev", "must not be negative, got %g", f.Defaults.VolumeStdDev)
	}
	if b := f.Defaults.BuyBiasOrDefault(); b < 0 || b > 1 {
		add("fleet.defaults.buyBias", "must be within [0, 1], got %g", b)
	}

	// Quote
	validQuoteModes := []string{"paper", "http"}
	if !slices.Contains(validQuoteModes, cfg.Quote.Mode) {
		add("quote.mode", "must be one of %v, got %q", validQuoteModes, cfg.Quote.Mode)
	}
	if cfg.Quote.Mode == "http" && cfg.Quote.BaseURL == "" {
		add("quote.baseUrl", "required when mode is http")
	}
	if cfg.Quote.RateLimitPerMinute < 0 {
		add("quote.rateLimitPerMinute", "must not be negative, got %d", cfg.Quote.RateLimitPerMinute)
	}
	for mint, dec := range cfg.Quote.Decimals {
		if dec < 0 || dec > 18 {
			add("quote.decimals."+mint, "must be 0-18, got %d", dec)
		}
	}

	// Summary
	validCaches := []string{"none", "memory", "redis"}
	if !slices.Contains(validCaches, cfg.Summary.Cache) {
		add("summary.cache", "must be one of %v, got %q", validCaches, cfg.Summary.Cache)
	}
	if cfg.Summary.Cache == "redis" && cfg.Summary.RedisURL == "" {
		add("summary.redisUrl", "required when cache is redis")
	}
	if cfg.Summary.Cache != "none" && cfg.Summary.TTLSeconds <= 0 {
		add("summary.ttlSeconds", "must be positive, got %d", cfg.Summary.TTLSeconds)
	}

	// Notify
	if tg := cfg.Notify.Telegram; tg != nil {
		if tg.Token == "" {
			add("notify.telegram.token", "token is required")
		}
		if tg.ChatID == 0 {
			add("notify.telegram.chatId", "chat id is required")
		}
	}

	// Tracing
	validExporters := []string{"none", "stdout"}
	if !slices.Contains(validExporters, cfg.Tracing.Exporter) {
		add("tracing.exporter", "must be one of %v, got %q", validExporters, cfg.Tracing.Exporter)
	}

	return issues
}
