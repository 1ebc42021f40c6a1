// Package sim runs the per-agent trading loop: read live config, wait an
// exponential interval, sample a trade, price it and book realized PnL.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/soyeahso/tradesim/internal/domain"
	"github.com/soyeahso/tradesim/internal/hooks"
	"github.com/soyeahso/tradesim/internal/logging"
	"github.com/soyeahso/tradesim/internal/metrics"
	"github.com/soyeahso/tradesim/internal/quote"
	"github.com/soyeahso/tradesim/internal/store"
	"github.com/soyeahso/tradesim/internal/tracing"
)

// ErrAgentDeleted is returned by Run when the agent disappears from the store.
var ErrAgentDeleted = errors.New("sim: agent deleted")

// State is the externally visible phase of a trading loop.
type State string

const (
	StateWaiting   State = "waiting"
	StateSuspended State = "suspended"
	StateTrading   State = "trading"
	StateBackoff   State = "backoff"
	StateStopped   State = "stopped"
)

// AgentReader loads an agent's current configuration. A missing agent must
// be reported as store.ErrNotFound.
type AgentReader interface {
	Get(ctx context.Context, id string) (domain.Agent, error)
}

// Ledger appends realized PnL. A missing agent must be reported as
// store.ErrNotFound.
type Ledger interface {
	Insert(ctx context.Context, agentID string, value float64, at time.Time) (domain.PnLRecord, error)
}

// Config holds the fleet-wide settings every trader shares.
type Config struct {
	BaseMint      string
	TradedMint    string
	PollInterval  time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	DegradedAfter int
}

// Deps are the collaborators a trader talks to. Hooks and Metrics are optional.
type Deps struct {
	Agents  AgentReader
	Ledger  Ledger
	Quotes  quote.Source
	Hooks   *hooks.Manager
	Metrics *metrics.Metrics
	Log     *logging.Logger
}

// Stats is a point-in-time view of a trader.
type Stats struct {
	AgentID             string     `json:"agentId"`
	State               State      `json:"state"`
	Cycles              int64      `json:"cycles"`
	Trades              int64      `json:"trades"`
	Skips               int64      `json:"skips"`
	Failures            int64      `json:"failures"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	Degraded            bool       `json:"degraded"`
	LastError           string     `json:"lastError,omitempty"`
	LastTradeAt         *time.Time `json:"lastTradeAt,omitempty"`
}

type outcome string

const (
	outcomeTraded    outcome = "traded"
	outcomeSkipped   outcome = "skipped"
	outcomeSuspended outcome = "suspended"
)

// cycleError tags a failure with the stage that produced it.
type cycleError struct {
	stage string
	err   error
}

func (e *cycleError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *cycleError) Unwrap() error { return e.err }

// Trader runs the trading loop for one agent identity.
type Trader struct {
	agentID string
	cfg     Config
	deps    Deps
	sampler *Sampler
	tracer  trace.Tracer
	log     *logging.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	stats Stats
}

// NewTrader creates a trader for agentID. The sampler must not be shared.
func NewTrader(agentID string, cfg Config, deps Deps, sampler *Sampler) *Trader {
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Trader{
		agentID: agentID,
		cfg:     cfg,
		deps:    deps,
		sampler: sampler,
		tracer:  tracing.Tracer("sim"),
		log:     deps.Log.Sub("sim").With("agent", agentID),
		now:     time.Now,
		sleep:   sleepCtx,
		stats:   Stats{AgentID: agentID, State: StateWaiting},
	}
}

// Stats returns a snapshot of the trader's counters.
func (t *Trader) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Trader) setState(s State) {
	t.mu.Lock()
	t.stats.State = s
	t.mu.Unlock()
}

// Run executes cycles until ctx is cancelled (returns nil) or the agent is
// deleted from the store (returns ErrAgentDeleted). Cycle failures never end
// the loop; they are retried with exponential backoff and jitter.
func (t *Trader) Run(ctx context.Context) error {
	t.log.Debug().Msg("trader started")
	defer func() {
		t.setState(StateStopped)
		t.log.Debug().Msg("trader stopped")
	}()

	bo := &backoff.Backoff{Min: t.cfg.BackoffMin, Max: t.cfg.BackoffMax, Factor: 2, Jitter: true}

	for {
		out, err := t.safeCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAgentDeleted) {
			t.log.Info().Msg("agent no longer exists, ending loop")
			return ErrAgentDeleted
		}
		if err != nil {
			delay := bo.Duration()
			t.recordFailure(ctx, err, delay)
			t.setState(StateBackoff)
			if t.sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}
		if out != outcomeSuspended {
			bo.Reset()
			t.recordSuccess(ctx, out)
		} else {
			t.deps.Metrics.Cycle(string(out))
		}
	}
}

// safeCycle runs one cycle, turning a panic into a failure.
func (t *Trader) safeCycle(ctx context.Context) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &cycleError{stage: "panic", err: fmt.Errorf("%v", r)}
		}
	}()
	return t.cycle(ctx)
}

func (t *Trader) cycle(ctx context.Context) (outcome, error) {
	t.mu.Lock()
	t.stats.Cycles++
	t.mu.Unlock()

	// Always re-read: the operator may have changed the config since last cycle.
	agent, err := t.deps.Agents.Get(ctx, t.agentID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrAgentDeleted
	}
	if err != nil {
		return "", &cycleError{stage: "store", err: err}
	}

	if !agent.IsActive {
		t.setState(StateSuspended)
		return outcomeSuspended, t.sleep(ctx, t.cfg.PollInterval)
	}

	t.setState(StateWaiting)
	if err := t.sleep(ctx, t.sampler.Interval(agent.AvgIntervalSeconds)); err != nil {
		return "", err
	}

	t.setState(StateTrading)
	return t.trade(ctx, agent)
}

// trade executes one trade using the config snapshot read at cycle start.
func (t *Trader) trade(ctx context.Context, agent domain.Agent) (outcome, error) {
	side := t.sampler.Side(agent.BuyBias)
	qty := t.sampler.Volume(agent.VolumeMean, agent.VolumeStdDev)
	in, out := side.Legs(t.cfg.BaseMint, t.cfg.TradedMint)

	ctx, span := t.tracer.Start(ctx, "sim.trade", trace.WithAttributes(
		attribute.String("agent.id", agent.ID),
		attribute.String("trade.side", string(side)),
		attribute.Float64("trade.qty", qty),
	))
	defer span.End()

	q, err := t.deps.Quotes.Quote(ctx, quote.Request{InputMint: in, OutputMint: out, Amount: qty})
	if errors.Is(err, quote.ErrNoRoute) {
		span.AddEvent("no route")
		t.log.Debug().Str("side", string(side)).Float64("qty", qty).Msg("no route, skipping cycle")
		return outcomeSkipped, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "quote failed")
		return "", &cycleError{stage: "quote", err: err}
	}

	price := q.Price()
	pnl := domain.RealizedPnL(side, price, qty)
	at := t.now()

	if _, err := t.deps.Ledger.Insert(ctx, agent.ID, pnl, at); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrAgentDeleted
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger write failed")
		return "", &cycleError{stage: "ledger", err: err}
	}

	span.SetAttributes(attribute.Float64("trade.price", price), attribute.Float64("trade.pnl", pnl))
	t.deps.Metrics.Trade(string(side), qty, pnl)
	t.log.Debug().
		Str("side", string(side)).
		Float64("qty", qty).
		Float64("price", price).
		Float64("pnl", pnl).
		Msg("trade recorded")

	t.mu.Lock()
	t.stats.Trades++
	t.stats.LastTradeAt = &at
	t.mu.Unlock()
	return outcomeTraded, nil
}

func (t *Trader) recordSuccess(ctx context.Context, out outcome) {
	t.deps.Metrics.Cycle(string(out))

	t.mu.Lock()
	if out == outcomeSkipped {
		t.stats.Skips++
	}
	wasDegraded := t.stats.Degraded
	t.stats.ConsecutiveFailures = 0
	t.stats.Degraded = false
	t.mu.Unlock()

	if wasDegraded {
		t.log.Info().Msg("agent recovered")
		t.deps.Metrics.Degraded(false)
		t.deps.Hooks.EmitAsync(ctx, hooks.EventAgentRecovered, map[string]any{"agentId": t.agentID})
	}
}

func (t *Trader) recordFailure(ctx context.Context, err error, delay time.Duration) {
	stage := "unknown"
	var ce *cycleError
	if errors.As(err, &ce) {
		stage = ce.stage
	}
	t.deps.Metrics.Cycle("failed")
	t.deps.Metrics.Failure(stage)

	t.mu.Lock()
	t.stats.Failures++
	t.stats.ConsecutiveFailures++
	t.stats.LastError = err.Error()
	n := t.stats.ConsecutiveFailures
	becameDegraded := !t.stats.Degraded && n >= t.cfg.DegradedAfter
	if becameDegraded {
		t.stats.Degraded = true
	}
	t.mu.Unlock()

	t.log.Warn().Err(err).Str("stage", stage).Int("consecutive", n).Dur("retryIn", delay).Msg("cycle failed")

	if becameDegraded {
		t.log.Error().Err(err).Int("consecutive", n).Msg("agent degraded")
		t.deps.Metrics.Degraded(true)
		t.deps.Hooks.EmitAsync(ctx, hooks.EventAgentDegraded, map[string]any{
			"agentId":  t.agentID,
			"failures": n,
			"error":    err.Error(),
		})
	}
}

// Close releases gauges held by the trader. Called once after Run returns.
func (t *Trader) Close() {
	t.mu.Lock()
	degraded := t.stats.Degraded
	t.stats.Degraded = false
	t.mu.Unlock()
	if degraded {
		t.deps.Metrics.Degraded(false)
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
