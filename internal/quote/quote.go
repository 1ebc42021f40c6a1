// Package quote provides exchange-rate estimates for simulated trades.
package quote

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrNoRoute is returned when the source cannot price the requested pair.
var ErrNoRoute = errors.New("quote: no route")

// DefaultDecimals is assumed for mints with no configured precision.
const DefaultDecimals = 9

// Request is a hypothetical trade to price. Amount is in whole token units.
type Request struct {
	InputMint  string
	OutputMint string
	Amount     float64
}

// Quote is a priced route, amounts in base units of each mint.
type Quote struct {
	InAmount    uint64
	InDecimals  int
	OutAmount   uint64
	OutDecimals int
}

// Price is the output received per whole unit of input.
func (q Quote) Price() float64 {
	in := float64(q.InAmount) / math.Pow10(q.InDecimals)
	if in == 0 {
		return 0
	}
	out := float64(q.OutAmount) / math.Pow10(q.OutDecimals)
	return out / in
}

// Source prices trades. Implementations must be safe for concurrent use.
type Source interface {
	Quote(ctx context.Context, req Request) (Quote, error)
}

// Decimals maps a mint to its token precision.
type Decimals map[string]int

// Of returns the precision for mint, DefaultDecimals when unknown.
func (d Decimals) Of(mint string) int {
	if v, ok := d[mint]; ok {
		return v
	}
	return DefaultDecimals
}

// toBaseUnits converts a whole-unit amount into integer base units.
func toBaseUnits(amount float64, decimals int) (uint64, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("invalid amount %v", amount)
	}
	v := math.Round(amount * math.Pow10(decimals))
	if v < 1 {
		return 0, ErrNoRoute
	}
	if v >= math.MaxUint64 {
		return 0, fmt.Errorf("amount %v overflows base units", amount)
	}
	return uint64(v), nil
}
