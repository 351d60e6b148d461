package trust

import "github.com/modred/tropt/internal/opt"

// Record is the structured history of one trust-region run. Mus holds the
// starting point followed by every accepted iterate; MuNorms is parallel to
// it. UpdateNorms, FOCNorms and Subproblems gain one entry per accepted
// iteration, Radii and BasisSizes one entry per outer pass whether or not
// the candidate was accepted.
type Record struct {
	Mus         [][]float64  `json:"mus"`
	MuNorms     []float64    `json:"mu_norms"`
	UpdateNorms []float64    `json:"update_norms"`
	FOCNorms    []float64    `json:"foc_norms"`
	Subproblems []*opt.Trace `json:"subproblems"`
	Radii       []float64    `json:"radii"`
	BasisSizes  []int        `json:"basis_sizes"`
	Iterations  int          `json:"iterations"`
}

// Final returns the last accepted parameter, or nil for an empty record.
func (r *Record) Final() []float64 {
	if r == nil || len(r.Mus) == 0 {
		return nil
	}
	last := r.Mus[len(r.Mus)-1]
	out := make([]float64, len(last))
	copy(out, last)
	return out
}

// Accepted reports how many candidates were accepted.
func (r *Record) Accepted() int {
	if r == nil || len(r.Mus) == 0 {
		return 0
	}
	return len(r.Mus) - 1
}
