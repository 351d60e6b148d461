package model

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Space is a box-constrained parameter domain with component-wise bounds.
// All vectors handed out by Space methods are fresh copies.
type Space struct {
	lower []float64
	upper []float64
}

// NewSpace creates a parameter space from component-wise bounds.
// Bounds must have equal length and satisfy lower[i] <= upper[i].
func NewSpace(lower, upper []float64) (*Space, error) {
	if len(lower) == 0 {
		return nil, fmt.Errorf("parameter space needs at least one dimension")
	}
	if len(lower) != len(upper) {
		return nil, fmt.Errorf("bound lengths differ: %d lower vs %d upper", len(lower), len(upper))
	}
	for i := range lower {
		if math.IsNaN(lower[i]) || math.IsNaN(upper[i]) {
			return nil, fmt.Errorf("bound %d is NaN", i)
		}
		if lower[i] > upper[i] {
			return nil, fmt.Errorf("bound %d inverted: lower %g > upper %g", i, lower[i], upper[i])
		}
	}
	s := &Space{
		lower: make([]float64, len(lower)),
		upper: make([]float64, len(upper)),
	}
	copy(s.lower, lower)
	copy(s.upper, upper)
	return s, nil
}

// Dim returns the number of parameter components.
func (s *Space) Dim() int {
	return len(s.lower)
}

// Lower returns a copy of the lower bounds.
func (s *Space) Lower() []float64 {
	out := make([]float64, len(s.lower))
	copy(out, s.lower)
	return out
}

// Upper returns a copy of the upper bounds.
func (s *Space) Upper() []float64 {
	out := make([]float64, len(s.upper))
	copy(out, s.upper)
	return out
}

// Clip projects mu onto the box. The input must have Dim components; the
// result is a fresh slice.
func (s *Space) Clip(mu []float64) []float64 {
	out := make([]float64, len(mu))
	for i, v := range mu {
		out[i] = math.Min(math.Max(v, s.lower[i]), s.upper[i])
	}
	return out
}

// Contains reports whether mu lies inside the box (bounds inclusive).
func (s *Space) Contains(mu []float64) bool {
	if len(mu) != len(s.lower) {
		return false
	}
	for i, v := range mu {
		if v < s.lower[i] || v > s.upper[i] {
			return false
		}
	}
	return true
}

// SampleRandom draws n independent uniform samples from the box. A nil rng
// falls back to a time-seeded source.
func (s *Space) SampleRandom(n int, rng *rand.Rand) [][]float64 {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	samples := make([][]float64, n)
	for k := range samples {
		mu := make([]float64, len(s.lower))
		for i := range mu {
			mu[i] = s.lower[i] + rng.Float64()*(s.upper[i]-s.lower[i])
		}
		samples[k] = mu
	}
	return samples
}
