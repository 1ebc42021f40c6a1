package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/soyeahso/tradesim/internal/config"
	"github.com/soyeahso/tradesim/internal/domain"
	"github.com/soyeahso/tradesim/internal/fleet"
	"github.com/soyeahso/tradesim/internal/gateway"
	"github.com/soyeahso/tradesim/internal/hooks"
	"github.com/soyeahso/tradesim/internal/keys"
	"github.com/soyeahso/tradesim/internal/logging"
	"github.com/soyeahso/tradesim/internal/metrics"
	"github.com/soyeahso/tradesim/internal/notify"
	"github.com/soyeahso/tradesim/internal/pnl"
	"github.com/soyeahso/tradesim/internal/quote"
	"github.com/soyeahso/tradesim/internal/sim"
	"github.com/soyeahso/tradesim/internal/store"
	"github.com/soyeahso/tradesim/internal/tracing"
)

// app is the fully wired process behind `tradesim serve`.
type app struct {
	cfg     config.Config
	log     *logging.Logger
	db      *store.DB
	agents  *store.AgentStore
	ledger  *store.PnLStore
	hooks   *hooks.Manager
	metrics *metrics.Metrics
	tracing *tracing.Provider
	fleet   *fleet.Supervisor
	summary *pnl.Aggregator
	cache   pnl.Cache
	gateway *gateway.Server
}

// openStore opens the configured database. An empty sqlite DSN uses the
// default file under the data directory.
func openStore(cfg config.StoreConfig, p config.Paths, log *logging.Logger) (*store.DB, error) {
	dsn := cfg.DSN
	if cfg.Driver == store.DriverSQLite && dsn == "" {
		if err := p.EnsureDirs(); err != nil {
			return nil, fmt.Errorf("creating data directories: %w", err)
		}
		dsn = p.DefaultDatabase()
	}
	db, err := store.Open(cfg.Driver, dsn, log)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func newQuoteSource(cfg config.Config) quote.Source {
	decimals := quote.Decimals(cfg.Quote.Decimals)
	if cfg.Quote.Mode == "http" {
		return quote.NewHTTPSource(quote.HTTPOptions{
			BaseURL:            cfg.Quote.BaseURL,
			Timeout:            cfg.Quote.Timeout(),
			RateLimitPerMinute: cfg.Quote.RateLimitPerMinute,
			SlippageBps:        cfg.Quote.SlippageBps,
			Decimals:           decimals,
		})
	}
	return quote.NewPaper(decimals, cfg.Fleet.Seed)
}

func newSummaryCache(ctx context.Context, cfg config.SummaryConfig, log *logging.Logger) (pnl.Cache, error) {
	switch cfg.Cache {
	case "", "none":
		return pnl.NoCache{}, nil
	case "memory":
		return pnl.NewMemoryCache(cfg.TTL()), nil
	case "redis":
		c, err := pnl.NewRedisCache(cfg.RedisURL, cfg.TTL(), log)
		if err != nil {
			return nil, err
		}
		// An unreachable redis only costs cache misses; keep serving.
		if err := c.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis not reachable, summaries will be recomputed")
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown summary cache %q", cfg.Cache)
	}
}

func fleetOptions(f config.FleetConfig) fleet.Options {
	return fleet.Options{
		Sim: sim.Config{
			BaseMint:      f.BaseMint,
			TradedMint:    f.TradedMint,
			PollInterval:  f.PollInterval(),
			BackoffMin:    f.BackoffMin(),
			BackoffMax:    f.BackoffMax(),
			DegradedAfter: f.DegradedAfter,
		},
		InitialCount: f.InitialCount,
		MaxAgents:    f.MaxAgents,
		Defaults: domain.TradingParams{
			AvgIntervalSeconds: f.Defaults.AvgIntervalSeconds,
			VolumeMean:         f.Defaults.VolumeMean,
			VolumeStdDev:       f.Defaults.VolumeStdDev,
			BuyBias:            f.Defaults.BuyBiasOrDefault(),
		},
		Seed: f.Seed,
	}
}

// newApp wires every component but starts nothing.
func newApp(ctx context.Context, cfg config.Config, p config.Paths, log *logging.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.db, err = openStore(cfg.Store, p, log)
	if err != nil {
		return nil, err
	}
	a.agents = store.NewAgentStore(a.db)
	a.ledger = store.NewPnLStore(a.db)

	a.tracing, err = tracing.Setup(ctx, cfg.Tracing.Exporter, cfg.Tracing.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}

	a.hooks = hooks.NewManager(log)
	a.metrics = metrics.New()

	if tg := cfg.Notify.Telegram; tg != nil && tg.Token != "" {
		bot, err := notify.NewTelegram(tg.Token, tg.ChatID)
		if err != nil {
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}
		notify.New(bot, tg.Events, log).Register(a.hooks)
		log.Info().Int64("chatId", tg.ChatID).Msg("telegram notifications enabled")
	}

	a.cache, err = newSummaryCache(ctx, cfg.Summary, log)
	if err != nil {
		return nil, err
	}
	a.summary = pnl.NewAggregator(a.ledger, a.cache, log)

	a.fleet = fleet.New(fleetOptions(cfg.Fleet), fleet.Deps{
		Agents:  a.agents,
		Ledger:  a.summary.Track(a.ledger),
		Quotes:  newQuoteSource(cfg),
		Keys:    keys.Ed25519{},
		Hooks:   a.hooks,
		Metrics: a.metrics,
		Log:     log,
	})

	a.gateway = gateway.New(cfg.Gateway, log,
		gateway.WithFleet(a.fleet),
		gateway.WithAgents(a.agents),
		gateway.WithSummary(a.summary),
		gateway.WithHistory(a.ledger),
		gateway.WithHooks(a.hooks),
		gateway.WithMetrics(a.metrics),
	)
	log.Debug().Strs("events", a.hooks.Events()).Msg("hook handlers registered")
	return a, nil
}

// run bootstraps the fleet and serves the gateway until ctx is done.
func (a *app) run(ctx context.Context) error {
	if err := a.fleet.Bootstrap(ctx); err != nil {
		if errors.Is(err, fleet.ErrSeedFailed) {
			return err
		}
		a.log.Warn().Err(err).Msg("fleet bootstrap finished with errors")
	}
	return a.gateway.Start(ctx)
}

// close stops loops, flushes spans and releases connections.
func (a *app) close(ctx context.Context) {
	if a.fleet != nil {
		if err := a.fleet.Shutdown(ctx); err != nil {
			a.log.Warn().Err(err).Msg("fleet shutdown incomplete")
		}
	}
	if c, ok := a.cache.(*pnl.RedisCache); ok {
		c.Close()
	}
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("tracing shutdown")
	}
	if a.db != nil {
		a.db.Close()
	}
}
