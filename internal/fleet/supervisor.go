// Package fleet owns the population of trading loops: it seeds or resumes
// agents at startup and keeps exactly one running loop per stored identity.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/soyeahso/tradesim/internal/domain"
	"github.com/soyeahso/tradesim/internal/hooks"
	"github.com/soyeahso/tradesim/internal/keys"
	"github.com/soyeahso/tradesim/internal/logging"
	"github.com/soyeahso/tradesim/internal/metrics"
	"github.com/soyeahso/tradesim/internal/quote"
	"github.com/soyeahso/tradesim/internal/sim"
	"github.com/soyeahso/tradesim/internal/store"
)

var (
	// ErrFleetFull is returned when creating an agent would exceed maxAgents.
	ErrFleetFull = errors.New("fleet: maximum number of agents reached")
	// ErrAlreadyRunning is returned when a loop for the agent is already registered.
	ErrAlreadyRunning = errors.New("fleet: agent already running")
	// ErrNotRunning is returned when stopping an agent that has no loop.
	ErrNotRunning = errors.New("fleet: agent not running")
	// ErrSeedFailed is returned by Bootstrap when no seed agent could be created.
	ErrSeedFailed = errors.New("fleet: every seed agent failed")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("fleet: supervisor shut down")
)

// nameAttempts bounds retries when a random agent name collides.
const nameAttempts = 8

// AgentRepo is the slice of the agent store the supervisor needs.
type AgentRepo interface {
	sim.AgentReader
	List(ctx context.Context) ([]domain.Agent, error)
	Count(ctx context.Context) (int, error)
	Create(ctx context.Context, na domain.NewAgent) (domain.Agent, error)
	Update(ctx context.Context, id string, patch domain.AgentPatch) (domain.Agent, error)
	Delete(ctx context.Context, id string) error
}

// Options configure a Supervisor.
type Options struct {
	Sim          sim.Config
	InitialCount int
	MaxAgents    int // 0 means unlimited
	Defaults     domain.TradingParams
	Seed         int64 // 0 seeds from the clock
}

// Deps are the shared collaborators handed to every loop.
type Deps struct {
	Agents  AgentRepo
	Ledger  sim.Ledger
	Quotes  quote.Source
	Keys    keys.Generator
	Hooks   *hooks.Manager
	Metrics *metrics.Metrics
	Log     *logging.Logger
}

// AgentStatus is the runtime view of one registered loop.
type AgentStatus struct {
	Name string `json:"name"`
	sim.Stats
}

type handle struct {
	name   string
	trader *sim.Trader
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor starts, tracks and stops trading loops.
type Supervisor struct {
	opts Options
	deps Deps
	log  *logging.Logger

	root       context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	// createMu serializes count-then-create so maxAgents holds across
	// Bootstrap and concurrent AddAgent calls.
	createMu sync.Mutex

	mu     sync.Mutex
	loops  map[string]*handle
	rng    *rand.Rand
	closed bool
}

// New creates a supervisor. Loops it starts outlive the contexts of the calls
// that started them and end on StopAgent, DeleteAgent or Shutdown.
func New(opts Options, deps Deps) *Supervisor {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	root, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:       opts,
		deps:       deps,
		log:        deps.Log.Sub("fleet"),
		root:       root,
		rootCancel: cancel,
		loops:      make(map[string]*handle),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Bootstrap resumes every stored agent, or seeds InitialCount new ones when
// the store is empty. It returns once the loops are spawned.
//
// A failed seed aborts only that identity; failures are joined into the
// returned error. If every seed fails the error wraps ErrSeedFailed.
func (s *Supervisor) Bootstrap(ctx context.Context) error {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	existing, err := s.deps.Agents.List(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	if len(existing) > 0 {
		resumed := 0
		for _, a := range existing {
			if err := s.spawn(a); err != nil {
				if errors.Is(err, ErrAlreadyRunning) {
					continue
				}
				return err
			}
			resumed++
		}
		s.log.Info().Int("resumed", resumed).Msg("fleet resumed")
		s.deps.Hooks.EmitAsync(ctx, hooks.EventFleetBootstrapped, map[string]any{"created": 0, "resumed": resumed})
		return nil
	}

	count := s.opts.InitialCount
	if s.opts.MaxAgents > 0 && count > s.opts.MaxAgents {
		count = s.opts.MaxAgents
	}

	var errs []error
	created := 0
	for i := 1; i <= count; i++ {
		a, err := s.create(ctx, fmt.Sprintf("Trader%d", i))
		if err != nil {
			s.log.Warn().Err(err).Int("index", i).Msg("seeding agent failed")
			errs = append(errs, err)
			continue
		}
		if err := s.spawn(a); err != nil {
			errs = append(errs, err)
			continue
		}
		created++
	}

	s.log.Info().Int("created", created).Int("failed", len(errs)).Msg("fleet seeded")
	s.deps.Hooks.EmitAsync(ctx, hooks.EventFleetBootstrapped, map[string]any{"created": created, "resumed": 0})

	if count > 0 && created == 0 {
		return fmt.Errorf("%w: %w", ErrSeedFailed, errors.Join(errs...))
	}
	return errors.Join(errs...)
}

// AddAgent creates one agent and starts exactly one loop for it. An empty
// name picks a random "Trader{1000-9999}", retrying on collisions.
func (s *Supervisor) AddAgent(ctx context.Context, name string) (domain.Agent, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	a, err := s.newAgent(ctx, name)
	if err != nil {
		return domain.Agent{}, err
	}
	if err := s.spawn(a); err != nil {
		return a, err
	}
	return a, nil
}

// CreateAgent stores one agent like AddAgent but starts no loop. It serves
// processes that only edit the store; the agent trades once a supervisor
// bootstraps it.
func (s *Supervisor) CreateAgent(ctx context.Context, name string) (domain.Agent, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()
	return s.newAgent(ctx, name)
}

// newAgent enforces maxAgents and picks a free name. Callers hold createMu.
func (s *Supervisor) newAgent(ctx context.Context, name string) (domain.Agent, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return domain.Agent{}, ErrClosed
	}

	if s.opts.MaxAgents > 0 {
		n, err := s.deps.Agents.Count(ctx)
		if err != nil {
			return domain.Agent{}, err
		}
		if n >= s.opts.MaxAgents {
			return domain.Agent{}, ErrFleetFull
		}
	}

	if name != "" {
		return s.create(ctx, name)
	}
	var (
		a   domain.Agent
		err error
	)
	for range nameAttempts {
		a, err = s.create(ctx, s.randomName())
		if !errors.Is(err, store.ErrConflict) {
			break
		}
	}
	return a, err
}

// UpdateAgent validates and writes a partial configuration change. The
// running loop observes it at its next configuration read.
func (s *Supervisor) UpdateAgent(ctx context.Context, id string, patch domain.AgentPatch) (domain.Agent, error) {
	a, err := s.deps.Agents.Update(ctx, id, patch)
	if err != nil {
		return domain.Agent{}, err
	}
	s.mu.Lock()
	if h, ok := s.loops[id]; ok {
		h.name = a.Name
	}
	s.mu.Unlock()
	return a, nil
}

// DeleteAgent removes the agent from the store and stops its loop. PnL
// history is kept.
func (s *Supervisor) DeleteAgent(ctx context.Context, id string) error {
	if err := s.deps.Agents.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.StopAgent(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	s.log.Info().Str("agent", id).Msg("agent deleted")
	s.deps.Hooks.EmitAsync(ctx, hooks.EventAgentDeleted, map[string]any{"agentId": id})
	return nil
}

// StartAgent starts the loop for a stored agent that is not running.
func (s *Supervisor) StartAgent(ctx context.Context, id string) error {
	a, err := s.deps.Agents.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.spawn(a)
}

// StopAgent cancels the agent's loop and waits for it to exit or for ctx.
// The stored identity is left untouched.
func (s *Supervisor) StopAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	h, ok := s.loops[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for agent %s to stop: %w", id, ctx.Err())
	}
}

// IsRunning reports whether a loop is registered for id.
func (s *Supervisor) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[id]
	return ok
}

// Running returns the number of registered loops.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

// Status returns a snapshot of every registered loop, ordered by name.
func (s *Supervisor) Status() []AgentStatus {
	s.mu.Lock()
	out := make([]AgentStatus, 0, len(s.loops))
	for _, h := range s.loops {
		out = append(out, AgentStatus{Name: h.name, Stats: h.trader.Stats()})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Shutdown cancels every loop and waits for them to exit or for ctx.
// No loops can be started afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	n := len(s.loops)
	s.mu.Unlock()

	s.log.Info().Int("loops", n).Msg("stopping fleet")
	s.rootCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("fleet stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for loops: %w", ctx.Err())
	}
}

func (s *Supervisor) create(ctx context.Context, name string) (domain.Agent, error) {
	id, err := s.deps.Keys.NewIdentity()
	if err != nil {
		return domain.Agent{}, fmt.Errorf("generating identity for %s: %w", name, err)
	}
	a, err := s.deps.Agents.Create(ctx, domain.NewAgent{
		Name:      name,
		PublicKey: id.PublicKey,
		SecretKey: id.SecretKey,
		IsActive:  true,
		Params:    s.opts.Defaults,
	})
	if err != nil {
		return domain.Agent{}, err
	}
	s.log.Info().Str("agent", a.ID).Str("name", a.Name).Msg("agent created")
	s.deps.Hooks.EmitAsync(ctx, hooks.EventAgentCreated, map[string]any{"agentId": a.ID, "name": a.Name})
	return a, nil
}

// spawn registers and starts the loop for a. The registry check and insert
// happen under one lock so an id never gets two loops.
func (s *Supervisor) spawn(a domain.Agent) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.loops[a.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("agent %s: %w", a.ID, ErrAlreadyRunning)
	}

	trader := sim.NewTrader(a.ID, s.opts.Sim, sim.Deps{
		Agents:  s.deps.Agents,
		Ledger:  s.deps.Ledger,
		Quotes:  s.deps.Quotes,
		Hooks:   s.deps.Hooks,
		Metrics: s.deps.Metrics,
		Log:     s.deps.Log,
	}, sim.NewSampler(s.rng.Int63()))

	ctx, cancel := context.WithCancel(s.root)
	h := &handle{name: a.Name, trader: trader, cancel: cancel, done: make(chan struct{})}
	s.loops[a.ID] = h
	s.wg.Add(1)
	s.mu.Unlock()

	s.deps.Metrics.LoopStarted()
	s.deps.Hooks.EmitAsync(ctx, hooks.EventAgentStarted, map[string]any{"agentId": a.ID, "name": a.Name})
	go s.run(ctx, a.ID, h)
	return nil
}

func (s *Supervisor) run(ctx context.Context, id string, h *handle) {
	reason := "stopped"
	defer func() {
		if r := recover(); r != nil {
			reason = "panic"
			s.log.Error().Str("agent", id).Interface("panic", r).Msg("trading loop panicked")
		}
		h.cancel()
		h.trader.Close()

		s.mu.Lock()
		name := h.name
		if s.loops[id] == h {
			delete(s.loops, id)
		}
		s.mu.Unlock()

		s.deps.Metrics.LoopStopped()
		s.log.Info().Str("agent", id).Str("reason", reason).Msg("trading loop exited")
		s.deps.Hooks.EmitAsync(ctx, hooks.EventAgentStopped, map[string]any{"agentId": id, "name": name, "reason": reason})
		close(h.done)
		s.wg.Done()
	}()

	if err := h.trader.Run(ctx); errors.Is(err, sim.ErrAgentDeleted) {
		reason = "deleted"
	}
}

func (s *Supervisor) randomName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("Trader%d", 1000+s.rng.Intn(9000))
}
