package sim

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/tradesim/internal/domain"
	"github.com/soyeahso/tradesim/internal/hooks"
	"github.com/soyeahso/tradesim/internal/logging"
	"github.com/soyeahso/tradesim/internal/metrics"
	"github.com/soyeahso/tradesim/internal/quote"
	"github.com/soyeahso/tradesim/internal/store"
)

const (
	testBase   = "BASE"
	testTraded = "TRADED"
)

type fakeAgents struct {
	mu     sync.Mutex
	agents map[string]domain.Agent
	err    error
}

func newFakeAgents(agents ...domain.Agent) *fakeAgents {
	f := &fakeAgents{agents: make(map[string]domain.Agent)}
	for _, a := range agents {
		f.agents[a.ID] = a
	}
	return f
}

func (f *fakeAgents) Get(_ context.Context, id string) (domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Agent{}, f.err
	}
	a, ok := f.agents[id]
	if !ok {
		return domain.Agent{}, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeAgents) update(id string, fn func(*domain.Agent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.agents[id]
	fn(&a)
	f.agents[id] = a
}

func (f *fakeAgents) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.agents, id)
}

type fakeLedger struct {
	mu      sync.Mutex
	records []domain.PnLRecord
	err     error
}

func (f *fakeLedger) Insert(_ context.Context, agentID string, value float64, at time.Time) (domain.PnLRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.PnLRecord{}, f.err
	}
	rec := domain.PnLRecord{AgentID: agentID, RealizedPnL: value, Timestamp: at}
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeLedger) snapshot() []domain.PnLRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.PnLRecord, len(f.records))
	copy(out, f.records)
	return out
}

func (f *fakeLedger) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// quoteFunc adapts a function to quote.Source.
type quoteFunc func(ctx context.Context, req quote.Request) (quote.Quote, error)

func (f quoteFunc) Quote(ctx context.Context, req quote.Request) (quote.Quote, error) {
	return f(ctx, req)
}

// switchableQuotes lets a test change quote behavior mid-run.
type switchableQuotes struct {
	mu   sync.Mutex
	fn   quoteFunc
	reqs []quote.Request
}

func (s *switchableQuotes) set(fn quoteFunc) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

func (s *switchableQuotes) Quote(ctx context.Context, req quote.Request) (quote.Quote, error) {
	s.mu.Lock()
	fn := s.fn
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	return fn(ctx, req)
}

func (s *switchableQuotes) requests() []quote.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]quote.Request, len(s.reqs))
	copy(out, s.reqs)
	return out
}

func fixedPrice(req quote.Request) (quote.Quote, error) {
	return quote.Quote{InAmount: 1000, InDecimals: 3, OutAmount: 2000, OutDecimals: 3}, nil
}

func testAgent(id string, bias float64) domain.Agent {
	return domain.Agent{
		ID:       id,
		Name:     "Trader" + id,
		IsActive: true,
		TradingParams: domain.TradingParams{
			AvgIntervalSeconds: 0.001,
			VolumeMean:         1,
			VolumeStdDev:       0.5,
			BuyBias:            bias,
		},
	}
}

func testConfig() Config {
	return Config{
		BaseMint:      testBase,
		TradedMint:    testTraded,
		PollInterval:  10 * time.Millisecond,
		BackoffMin:    time.Millisecond,
		BackoffMax:    5 * time.Millisecond,
		DegradedAfter: 3,
	}
}

func quietLogger() *logging.Logger {
	return logging.New(io.Discard, "silent")
}

type runResult struct {
	done chan struct{}
	err  error
}

func start(ctx context.Context, tr *Trader) *runResult {
	r := &runResult{done: make(chan struct{})}
	go func() {
		r.err = tr.Run(ctx)
		close(r.done)
	}()
	return r
}

func (r *runResult) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(2 * time.Second):
		t.Fatal("trader did not stop")
		return nil
	}
}

func TestTrader_BuyOnlyBooksNegativePnL(t *testing.T) {
	agents := newFakeAgents(testAgent("a1", 1))
	ledger := &fakeLedger{}
	quotes := &switchableQuotes{fn: func(_ context.Context, req quote.Request) (quote.Quote, error) { return fixedPrice(req) }}

	tr := NewTrader("a1", testConfig(), Deps{Agents: agents, Ledger: ledger, Quotes: quotes, Log: quietLogger()}, NewSampler(1))
	ctx, cancel := context.WithCancel(context.Background())
	run := start(ctx, tr)

	require.Eventually(t, func() bool { return ledger.len() >= 10 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, run.wait(t))

	lo, hi := VolumeBounds(1)
	for _, rec := range ledger.snapshot() {
		assert.Equal(t, "a1", rec.AgentID)
		assert.Less(t, rec.RealizedPnL, 0.0)
		// price is fixed at 2, so |pnl| = 2*qty
		assert.GreaterOrEqual(t, -rec.RealizedPnL, 2*lo-1e-9)
		assert.LessOrEqual(t, -rec.RealizedPnL, 2*hi+1e-9)
	}
	for _, req := range quotes.requests() {
		assert.Equal(t, testBase, req.InputMint)
		assert.Equal(t, testTraded, req.OutputMint)
	}
	assert.Equal(t, StateStopped, tr.Stats().State)
}

func TestTrader_SellOnlyBooksPositivePnL(t *testing.T) {
	agents := newFakeAgents(testAgent("a1", 0))
	ledger := &fakeLedger{}
	quotes := &switchableQuotes{fn: func(_ context.Context, req quote.Request) (quote.Quote, error) { return fixedPrice(req) }}

	tr := NewTrader("a1", testConfig(), Deps{Agents: agents, Ledger: ledger, Quotes: quotes, Log: quietLogger()}, NewSampler(2))
	ctx, cancel := context.WithCancel(context.Background())
	run := start(ctx, tr)

	require.Eventually(t, func() bool { return ledger.len() >= 10 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, run.wait(t))

	for _, rec := range ledger.snapshot() {
		assert.Greater(t, rec.RealizedPnL, 0.0)
	}
	for _, req := range quotes.requests() {
		assert.Equal(t, testTraded, req.InputMint)
		assert.Equal(t, testBase, req.OutputMint)
	}
}

func TestTrader_PaperQuotes(t *testing.T) {
	agents := newFakeAgents(testAgent("a1", 0.5))
	ledger := &fakeLedger{}

	tr := NewTrader("a1", testConfig(), Deps{Agents: agents, Ledger: ledger, Quotes: quote.NewPaper(nil, 3), Log: quietLogger()}, NewSampler(3))
	ctx, cancel := context.WithCancel(context.Background())
	run := start(ctx, tr)

	require.Eventually(t, func() bool { return ledger.len() >= 20 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, run.wait(t))

	_, hi := VolumeBounds(1)
	for _, rec := range ledger.snapshot() {
		assert.NotZero(t, rec.RealizedPnL)
		assert.LessOrEqual(t, abs(rec.RealizedPnL), 1.5*hi+1e-6)
	}
	stats := tr.Stats()
	assert.GreaterOrEqual(t, stats.Trades, int64(20))
	assert.NotNil(t, stats.LastTradeAt)
}

func TestTrader_NoRouteSkipsWithoutRecord(t *testing.T) {
	agents := newFakeAgents(testAgent("a1", 0.5))
	ledger := &fakeLedger{}
	quotes := quoteFunc(func(context.Context, quote.Request) (quote.Quote, error) {
		return quote.Quote{}, quote.ErrNoRoute
	})

	tr := NewTrader("a1", testConfig(), Deps{Agents: agents, Ledger: ledger, Quotes: quotes, Log: quietLogger()}, NewSampler(4))
	ctx, cancel := context.WithCancel(context.Background())
	run := start(ctx, tr)

	require.Eventually(t, func() bool { return tr.Stats().Skips >= 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, run.wait(t))

	assert.Zero(t, ledger.len())
	stats := tr.Stats()
	assert.Zero(t, stats.Failures)
	assert.False(t, stats.Degraded)
}

func TestTrader_ToggleOffHaltsTrading(t *testing.T) {
	agents := newFakeAgents(testAgent("a1", 0.5))
	ledger := &fakeLedger{}
	quotes := quoteFunc(func(_ context.Context, req quote.Request) (quote.Quote, error) { return fixedPrice(req) })

	cfg := testConfig()
	tr := NewTrader("a1", cfg, Deps{Agents: agents, Ledger: ledger, Quotes: quotes, Log: quietLogger()}, NewSampler(5))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run := start(ctx, tr)

	require.Eventually(t, func() bool { return ledger.len() >= 3 }, 2*time.Second, 5*time.Millisecond)

	agents.update("a1", func(a *domain.Agent) { a.IsActive = false })
	require.Eventually(t, func() bool { return tr.Stats().State == StateSuspended }, 2*time.Second, time.Millisecond)

	count := ledger.len()
	time.Sleep(5 * cfg.PollInterval)
	assert.Equal(t, count, ledger.len())

	agents.update("a1", func(a *domain.Agent) { a.IsActive = true })
	require.Eventually(t, func() bool { return ledger.len() > count }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, run.wait(t))
}

func TestTrader_PicksUpParamChanges(t *testing.T) {
	agents := newFakeAgents(testAgent("a1", 1))
	ledger := &fakeLedger{}
	quotes := quoteFunc(func(_ context.Context, req quote.Request) (quote.Quote, error) { return fixedPrice(req) })

	tr := NewTrader("a1", testConfig(), Deps{Agents: agents, Ledger: ledger, Quotes: quotes, Log: quietLogger()}, NewSampler(6))
	ctx, cancel := context.WithCancel(context.Background())
	run := start(ctx, tr)

	require.Eventually(t, func() bool { return ledger.len() >= 3 }, 2*time.Second, 5*time.Millisecond)
	agents.update("a1", func(a *domain.Agent) { a.BuyBias = 0 })

	require.Eventually(t, func() bool {
		recs := ledger.snapshot()
		return len(recs) > 0 && recs[len(recs)-1].RealizedPnL > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, run.wait(t))
}

func TestTrader_DeletedAgentEndsLoop(t *testing.T) {
	agents := newFakeAgents(testAgent("a1", 0.5))
	ledger := &fakeLedger{}
	quotes := quoteFunc(func(_ context.Context, req quote.Request) (quote.Quote, error) { return fixedPrice(req) })

	tr := NewTrader("a1", testConfig(), Deps{Agents: agents, Ledger: ledger, Quotes: quotes, Log: quietLogger()}, NewSampler(7))
	run := start(context.Background(), tr)

	require.Eventually(t, func() bool { return ledger.len() >= 1 }, 2*time.Second, 5*time.Millisecond)
	agents.remove("a1")

	assert.ErrorIs(t, run.wait(t), ErrAgentDeleted)
	assert.Equal(t, StateStopped, tr.Stats().State)
}

func TestTrader_LedgerNotFoundEndsLoop(t *testing.T) {
	agents := newFakeAgents(testAgent("a1", 0.5))
	ledger := &fakeLedger{err: store.ErrNotFound}
	quotes := quoteFunc(func(_ context.Context, req quote.Request) (quote.Quote, error) { return fixedPrice(req) })

	tr := NewTrader("a1", testConfig(), Deps{Agents: agents, Ledger: ledger, Quotes: quotes, Log: quietLogger()}, NewSampler(8))
	run := start(context.Background(), tr)

	assert.ErrorIs(t, run.wait(t), ErrAgentDeleted)
	assert.Zero(t, tr.Stats().Failures)
}

func TestTrader_CancelDuringLongWait(t *testing.T) {
	a := testAgent("a1", 0.5)
	a.AvgIntervalSeconds = 3600
	agents := newFakeAgents(a)

	tr := NewTrader("a1", testConfig(), Deps{Agents: agents, Ledger: &fakeLedger{}, Quotes: quote.NewPaper(nil, 1), Log: quietLogger()}, NewSampler(9))
	ctx, cancel := context.WithCancel(context.Background())
	run := start(ctx, tr)

	require.Eventually(t, func() bool { return tr.Stats().State == StateWaiting && tr.Stats().Cycles > 0 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, run.wait(t))
}

func TestTrader_DegradesAndRecovers(t *testing.T) {
	agents := newFakeAgents(testAgent("a1", 0.5))
	ledger := &fakeLedger{}
	quotes := &switchableQuotes{fn: func(context.Context, quote.Request) (quote.Quote, error) {
		return quote.Quote{}, errors.New("upstream 502")
	}}

	hm := hooks.NewManager(quietLogger())
	events := make(chan string, 8)
	hm.OnEach([]string{hooks.EventAgentDegraded, hooks.EventAgentRecovered}, "test", func(_ context.Context, p hooks.Payload) error {
		assert.Equal(t, "a1", p.Str("agentId"))
		events <- p.Event
		return nil
	})
	m := metrics.New()

	tr := NewTrader("a1", testConfig(), Deps{Agents: agents, Ledger: ledger, Quotes: quotes, Hooks: hm, Metrics: m, Log: quietLogger()}, NewSampler(10))
	ctx, cancel := context.WithCancel(context.Background())
	run := start(ctx, tr)

	select {
	case ev := <-events:
		assert.Equal(t, hooks.EventAgentDegraded, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no degraded event")
	}
	stats := tr.Stats()
	assert.True(t, stats.Degraded)
	assert.GreaterOrEqual(t, stats.ConsecutiveFailures, 3)
	assert.Contains(t, stats.LastError, "upstream 502")
	assert.Zero(t, ledger.len())

	quotes.set(func(_ context.Context, req quote.Request) (quote.Quote, error) { return fixedPrice(req) })

	select {
	case ev := <-events:
		assert.Equal(t, hooks.EventAgentRecovered, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no recovered event")
	}
	require.Eventually(t, func() bool { return !tr.Stats().Degraded }, time.Second, time.Millisecond)
	assert.Zero(t, tr.Stats().ConsecutiveFailures)

	cancel()
	require.NoError(t, run.wait(t))
	tr.Close()
	assert.Zero(t, gaugeValue(t, m, "tradesim_degraded_agents"))
}

func TestTrader_StoreErrorsAreRetried(t *testing.T) {
	agents := newFakeAgents(testAgent("a1", 0.5))
	agents.err = errors.New("database is locked")
	ledger := &fakeLedger{}
	quotes := quoteFunc(func(_ context.Context, req quote.Request) (quote.Quote, error) { return fixedPrice(req) })

	tr := NewTrader("a1", testConfig(), Deps{Agents: agents, Ledger: ledger, Quotes: quotes, Log: quietLogger()}, NewSampler(11))
	ctx, cancel := context.WithCancel(context.Background())
	run := start(ctx, tr)

	require.Eventually(t, func() bool { return tr.Stats().Failures >= 2 }, 2*time.Second, time.Millisecond)
	agents.mu.Lock()
	agents.err = nil
	agents.mu.Unlock()

	require.Eventually(t, func() bool { return ledger.len() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, run.wait(t))
}

func TestTrader_RecoversFromPanic(t *testing.T) {
	agents := newFakeAgents(testAgent("a1", 0.5))
	ledger := &fakeLedger{}
	var once sync.Once
	quotes := quoteFunc(func(_ context.Context, req quote.Request) (quote.Quote, error) {
		once.Do(func() { panic("boom") })
		return fixedPrice(req)
	})

	tr := NewTrader("a1", testConfig(), Deps{Agents: agents, Ledger: ledger, Quotes: quotes, Log: quietLogger()}, NewSampler(12))
	ctx, cancel := context.WithCancel(context.Background())
	run := start(ctx, tr)

	require.Eventually(t, func() bool { return ledger.len() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, run.wait(t))

	stats := tr.Stats()
	assert.Equal(t, int64(1), stats.Failures)
	assert.Contains(t, stats.LastError, "boom")
}

func gaugeValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
