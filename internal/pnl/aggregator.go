// Package pnl builds the realized profit/loss read-model from the ledger.
package pnl

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/soyeahso/tradesim/internal/domain"
	"github.com/soyeahso/tradesim/internal/logging"
)

// Source provides per-agent realized PnL sums. Records without an agent
// reference are grouped under "".
type Source interface {
	SumByAgent(ctx context.Context) (map[string]float64, error)
}

// Ledger appends realized PnL records.
type Ledger interface {
	Insert(ctx context.Context, agentID string, value float64, at time.Time) (domain.PnLRecord, error)
}

// Aggregator computes Summary values on demand, optionally through a cache.
// Every write that goes through Track bumps a generation: cached values and
// in-flight reads from an older generation are never served afterwards.
type Aggregator struct {
	src   Source
	cache Cache
	group singleflight.Group
	log   *logging.Logger

	mu  sync.Mutex
	gen uint64
}

// NewAggregator creates an aggregator. A nil cache disables caching.
func NewAggregator(src Source, cache Cache, log *logging.Logger) *Aggregator {
	if cache == nil {
		cache = NoCache{}
	}
	return &Aggregator{src: src, cache: cache, log: log.Sub("pnl")}
}

// Summarize returns total and per-agent realized PnL. Total always equals the
// sum of PerAgent since both come from one grouped query.
func (a *Aggregator) Summarize(ctx context.Context) (domain.Summary, error) {
	gen := a.generation()
	if s, ok := a.cache.Get(ctx); ok {
		return s, nil
	}

	// Joined callers share one query, so it must not die with the first caller.
	v, err, _ := a.group.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		by, err := a.src.SumByAgent(fctx)
		if err != nil {
			return nil, fmt.Errorf("summing pnl: %w", err)
		}
		s := build(by)
		a.mu.Lock()
		if a.gen == gen {
			a.cache.Set(fctx, s)
		}
		a.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return domain.Summary{}, err
	}
	return clone(v.(domain.Summary)), nil
}

// Invalidate drops any cached summary and detaches later calls from reads
// already in flight.
func (a *Aggregator) Invalidate(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	a.cache.Invalidate(ctx)
}

func (a *Aggregator) generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen
}

// Track wraps l so that every successful insert invalidates the summary.
func (a *Aggregator) Track(l Ledger) Ledger {
	return &trackedLedger{Ledger: l, agg: a}
}

type trackedLedger struct {
	Ledger
	agg *Aggregator
}

func (t *trackedLedger) Insert(ctx context.Context, agentID string, value float64, at time.Time) (domain.PnLRecord, error) {
	rec, err := t.Ledger.Insert(ctx, agentID, value, at)
	if err == nil {
		t.agg.Invalidate(context.WithoutCancel(ctx))
	}
	return rec, err
}

func build(by map[string]float64) domain.Summary {
	s := domain.Summary{PerAgent: make(map[string]float64, len(by))}
	// Sum in key order so the same rows always give the same float.
	ids := make([]string, 0, len(by))
	for id := range by {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.PerAgent[id] = by[id]
		s.Total += by[id]
	}
	return s
}

func clone(s domain.Summary) domain.Summary {
	out := domain.Summary{Total: s.Total, PerAgent: make(map[string]float64, len(s.PerAgent))}
	for k, v := range s.PerAgent {
		out.PerAgent[k] = v
	}
	return out
}
