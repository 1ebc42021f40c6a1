package quote

import (
	"context"
	"math"
	"math/rand"
	"sync"
)

// Paper is a synthetic source that prices every pair at a random ratio drawn
// uniformly from [MinRatio, MaxRatio). It never touches the network.
type Paper struct {
	decimals Decimals
	minRatio float64
	maxRatio float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPaper creates a paper source. A zero seed draws from the clock.
func NewPaper(decimals Decimals, seed int64) *Paper {
	src := rand.NewSource(seed)
	if seed == 0 {
		src = rand.NewSource(rand.Int63())
	}
	return &Paper{
		decimals: decimals,
		minRatio: 0.5,
		maxRatio: 1.5,
		rng:      rand.New(src),
	}
}

// Quote implements Source.
func (p *Paper) Quote(ctx context.Context, req Request) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	if req.InputMint == "" || req.OutputMint == "" || req.InputMint == req.OutputMint {
		return Quote{}, ErrNoRoute
	}

	inDec := p.decimals.Of(req.InputMint)
	outDec := p.decimals.Of(req.OutputMint)
	inAmount, err := toBaseUnits(req.Amount, inDec)
	if err != nil {
		return Quote{}, err
	}

	p.mu.Lock()
	ratio := p.minRatio + p.rng.Float64()*(p.maxRatio-p.minRatio)
	p.mu.Unlock()

	out := req.Amount * ratio * math.Pow10(outDec)
	if out < 1 {
		return Quote{}, ErrNoRoute
	}
	return Quote{
		InAmount:    inAmount,
		InDecimals:  inDec,
		OutAmount:   uint64(math.Round(out)),
		OutDecimals: outDec,
	}, nil
}
