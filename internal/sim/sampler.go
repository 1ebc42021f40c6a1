package sim

import (
	"math"
	"math/rand"
	"time"

	"github.com/soyeahso/tradesim/internal/domain"
)

const (
	minInterval = time.Millisecond
	maxInterval = 24 * time.Hour
)

// Sampler draws the random quantities of a trading cycle. It is not safe for
// concurrent use; each trader owns one.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler creates a sampler with a fixed seed.
func NewSampler(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Interval draws a trade inter-arrival time from an exponential distribution
// with mean avgSeconds. The result is always positive and bounded.
func (s *Sampler) Interval(avgSeconds float64) time.Duration {
	if !(avgSeconds > 0) || math.IsInf(avgSeconds, 0) {
		return minInterval
	}
	secs := s.rng.ExpFloat64() * avgSeconds
	if secs >= maxInterval.Seconds() {
		return maxInterval
	}
	d := time.Duration(secs * float64(time.Second))
	if d < minInterval {
		return minInterval
	}
	return d
}

// Side draws buy with probability buyBias, sell otherwise.
func (s *Sampler) Side(buyBias float64) domain.Side {
	if s.rng.Float64() < buyBias {
		return domain.SideBuy
	}
	return domain.SideSell
}

// Volume draws a trade size from Normal(mean, stdDev) clamped to
// [MinTradeVolume, MaxTradeVolumeFactor*mean]. When the ceiling would fall
// below the floor the floor wins.
func (s *Sampler) Volume(mean, stdDev float64) float64 {
	lo, hi := VolumeBounds(mean)
	if stdDev < 0 || math.IsNaN(stdDev) {
		stdDev = 0
	}
	qty := mean + s.rng.NormFloat64()*stdDev
	if math.IsNaN(qty) {
		return lo
	}
	return math.Min(math.Max(qty, lo), hi)
}

// VolumeBounds returns the closed interval a sampled volume is clamped to.
func VolumeBounds(mean float64) (lo, hi float64) {
	lo = domain.MinTradeVolume
	hi = math.Max(domain.MaxTradeVolumeFactor*mean, lo)
	return lo, hi
}
