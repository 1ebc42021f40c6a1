package config

// Config is the root configuration for tradesim.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
	Store   StoreConfig   `yaml:"store,omitempty"`
	Fleet   FleetConfig   `yaml:"fleet,omitempty"`
	Quote   QuoteConfig   `yaml:"quote,omitempty"`
	Summary SummaryConfig `yaml:"summary,omitempty"`
	Notify  NotifyConfig  `yaml:"notify,omitempty"`
	Tracing TracingConfig `yaml:"tracing,omitempty"`
}

// GatewayConfig controls the gateway HTTP/WebSocket server.
type GatewayConfig struct {
	Port                int         `yaml:"port,omitempty"`
	Bind                string      `yaml:"bind,omitempty"` // "auto" | "lan" | "loopback" | "custom"
	CustomBindHost      string      `yaml:"customBindHost,omitempty"`
	Auth                GatewayAuth `yaml:"auth,omitempty"`
	TLS                 GatewayTLS  `yaml:"tls,omitempty"`
	AllowedOrigins      []string    `yaml:"allowedOrigins,omitempty"`
	PushIntervalSeconds int         `yaml:"pushIntervalSeconds,omitempty"`
	Metrics             *bool       `yaml:"metrics,omitempty"` // serve /metrics; defaults to true
}

// MetricsEnabled reports whether the prometheus endpoint should be served.
func (g GatewayConfig) MetricsEnabled() bool {
	return g.Metrics == nil || *g.Metrics
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "token" | "password"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"`        // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}

// StoreConfig selects the database backend.
type StoreConfig struct {
	Driver string `yaml:"driver,omitempty"` // "sqlite" | "postgres"
	DSN    string `yaml:"dsn,omitempty"`    // file path for sqlite, connection URL for postgres
}

// FleetConfig controls the trading agent population and loop timing.
type FleetConfig struct {
	InitialCount   int           `yaml:"initialCount,omitempty"`
	MaxAgents      int           `yaml:"maxAgents,omitempty"` // 0 means unlimited
	PollIntervalMs int           `yaml:"pollIntervalMs,omitempty"`
	DegradedAfter  int           `yaml:"degradedAfter,omitempty"`
	BackoffMinMs   int           `yaml:"backoffMinMs,omitempty"`
	BackoffMaxMs   int           `yaml:"backoffMaxMs,omitempty"`
	BaseMint       string        `yaml:"baseMint,omitempty"`
	TradedMint     string        `yaml:"tradedMint,omitempty"`
	Seed           int64         `yaml:"seed,omitempty"` // 0 seeds from the clock
	Defaults       AgentDefaults `yaml:"defaults,omitempty"`
}

// AgentDefaults are the statistical parameters given to newly created agents.
type AgentDefaults struct {
	AvgIntervalSeconds float64  `yaml:"avgIntervalSeconds,omitempty"`
	VolumeMean         float64  `yaml:"volumeMean,omitempty"`
	VolumeStdDev       float64  `yaml:"volumeStdDev,omitempty"`
	BuyBias            *float64 `yaml:"buyBias,omitempty"` // nil means 0.5; 0 is a valid bias
}

// QuoteConfig selects and configures the price source.
type QuoteConfig struct {
	Mode               string         `yaml:"mode,omitempty"` // "paper" | "http"
	BaseURL            string         `yaml:"baseUrl,omitempty"`
	TimeoutMs          int            `yaml:"timeoutMs,omitempty"`
	RateLimitPerMinute int            `yaml:"rateLimitPerMinute,omitempty"`
	SlippageBps        int            `yaml:"slippageBps,omitempty"`
	Decimals           map[string]int `yaml:"decimals,omitempty"` // mint -> decimals
}

// SummaryConfig controls caching of the PnL summary read-model.
type SummaryConfig struct {
	Cache      string `yaml:"cache,omitempty"` // "none" | "memory" | "redis"
	TTLSeconds int    `yaml:"ttlSeconds,omitempty"`
	RedisURL   string `yaml:"redisUrl,omitempty"`
}

// NotifyConfig configures outbound notifications.
type NotifyConfig struct {
	Telegram *TelegramConfig `yaml:"telegram,omitempty"`
}

// TelegramConfig defines the Telegram bot used for fleet notifications.
type TelegramConfig struct {
	Token  string   `yaml:"token"`
	ChatID int64    `yaml:"chatId"`
	Events []string `yaml:"events,omitempty"` // hook events to forward; empty forwards all
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Exporter    string `yaml:"exporter,omitempty"` // "none" | "stdout"
	ServiceName string `yaml:"serviceName,omitempty"`
}
