package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential and connection fields so they can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Gateway.Auth.Token = expandEnvVars(cfg.Gateway.Auth.Token)
	cfg.Gateway.Auth.Password = expandEnvVars(cfg.Gateway.Auth.Password)
	cfg.Store.DSN = expandEnvVars(cfg.Store.DSN)
	cfg.Summary.RedisURL = expandEnvVars(cfg.Summary.RedisURL)
	cfg.Fleet.TradedMint = expandEnvVars(cfg.Fleet.TradedMint)
	if cfg.Notify.Telegram != nil {
		cfg.Notify.Telegram.Token = expandEnvVars(cfg.Notify.Telegram.Token)
	}
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = d.Gateway.Port
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = d.Gateway.Bind
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = d.Gateway.Auth.Mode
	}
	if cfg.Gateway.PushIntervalSeconds == 0 {
		cfg.Gateway.PushIntervalSeconds = d.Gateway.PushIntervalSeconds
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = d.Logging.ConsoleStyle
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = d.Store.Driver
	}
	if cfg.Fleet.PollIntervalMs == 0 {
		cfg.Fleet.PollIntervalMs = d.Fleet.PollIntervalMs
	}
	if cfg.Fleet.DegradedAfter == 0 {
		cfg.Fleet.DegradedAfter = d.Fleet.DegradedAfter
	}
	if cfg.Fleet.BackoffMinMs == 0 {
		cfg.Fleet.BackoffMinMs = d.Fleet.BackoffMinMs
	}
	if cfg.Fleet.BackoffMaxMs == 0 {
		cfg.Fleet.BackoffMaxMs = d.Fleet.BackoffMaxMs
	}
	if cfg.Fleet.BaseMint == "" {
		cfg.Fleet.BaseMint = d.Fleet.BaseMint
	}
	if cfg.Fleet.Defaults.AvgIntervalSeconds == 0 {
		cfg.Fleet.Defaults.AvgIntervalSeconds = d.Fleet.Defaults.AvgIntervalSeconds
	}
	if cfg.Fleet.Defaults.VolumeMean == 0 {
		cfg.Fleet.Defaults.VolumeMean = d.Fleet.Defaults.VolumeMean
	}
	if cfg.Fleet.Defaults.BuyBias == nil {
		cfg.Fleet.Defaults.BuyBias = d.Fleet.Defaults.BuyBias
	}
	if cfg.Quote.Mode == "" {
		cfg.Quote.Mode = d.Quote.Mode
	}
	if cfg.Quote.TimeoutMs == 0 {
		cfg.Quote.TimeoutMs = d.Quote.TimeoutMs
	}
	if cfg.Summary.Cache == "" {
		cfg.Summary.Cache = d.Summary.Cache
	}
	if cfg.Summary.TTLSeconds == 0 {
		cfg.Summary.TTLSeconds = d.Summary.TTLSeconds
	}
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = d.Tracing.Exporter
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = d.Tracing.ServiceName
	}
}

// applyEnvOverrides reads TRADESIM_* environment variables and overrides config values.
// EXTERNAL_MINT, SIMULATOR_COUNT, REDIS_URL and TELEGRAM_BOT_TOKEN/TELEGRAM_CHAT_ID are honored for compatibility with
// existing deployments.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADESIM_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("TRADESIM_GATEWAY_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("TRADESIM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("TRADESIM_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("TRADESIM_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := firstEnv("TRADESIM_FLEET_INITIAL_COUNT", "SIMULATOR_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fleet.InitialCount = n
		}
	}
	if v := os.Getenv("TRADESIM_FLEET_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fleet.MaxAgents = n
		}
	}
	if v := firstEnv("TRADESIM_TRADED_MINT", "EXTERNAL_MINT"); v != "" {
		cfg.Fleet.TradedMint = v
	}
	if v := os.Getenv("TRADESIM_QUOTE_MODE"); v != "" {
		cfg.Quote.Mode = strings.ToLower(v)
	}
	if v := firstEnv("TRADESIM_REDIS_URL", "REDIS_URL"); v != "" {
		cfg.Summary.RedisURL = v
	}
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chat, err := strconv.ParseInt(os.Getenv("TELEGRAM_CHAT_ID"), 10, 64)
	if token != "" && err == nil && cfg.Notify.Telegram == nil {
		cfg.Notify.Telegram = &TelegramConfig{Token: token, ChatID: chat}
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
