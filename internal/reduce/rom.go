package reduce

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/modred/tropt/internal/model"
)

// Model is a Galerkin-projected reduced-order model with a residual-based
// output error estimator. All online operations work on size x size data,
// independent of the full order.
type Model struct {
	full   *model.Affine
	coeffs []model.Coefficient
	size   int

	ops []*mat.Dense // projected operator blocks
	rhs *mat.VecDense
	out *mat.VecDense

	// residual Gram data: ||r(mu)||^2 = bb - 2 sum_k th_k ur·wb_k
	//                                 + sum_kl th_k th_l ur·(G_kl ur)
	bb    float64
	wb    []*mat.VecDense
	gram  [][]*mat.Dense
	cNorm float64
}

// Size returns the reduced dimension.
func (m *Model) Size() int { return m.size }

func (m *Model) checkMu(mu []float64) error {
	if len(mu) != m.full.Dim() {
		return fmt.Errorf("parameter has %d components, model expects %d", len(mu), m.full.Dim())
	}
	return nil
}

// solve assembles and solves the reduced system at mu.
func (m *Model) solve(mu []float64) (*mat.VecDense, error) {
	a := mat.NewDense(m.size, m.size, nil)
	var scaled mat.Dense
	for k, op := range m.ops {
		theta := m.coeffs[k].Eval(mu)
		if theta == 0 {
			continue
		}
		scaled.Scale(theta, op)
		a.Add(a, &scaled)
	}
	var lu mat.LU
	lu.Factorize(a)
	var ur mat.VecDense
	if err := lu.SolveVecTo(&ur, false, m.rhs); err != nil {
		return nil, fmt.Errorf("reduced solve at mu %v: %w", mu, err)
	}
	return &ur, nil
}

// Output evaluates the reduced output functional at mu, including the
// parameter penalty of the underlying full model.
func (m *Model) Output(mu []float64) (float64, error) {
	if err := m.checkMu(mu); err != nil {
		return 0, err
	}
	ur, err := m.solve(mu)
	if err != nil {
		return 0, err
	}
	return mat.Dot(m.out, ur) + m.full.Penalty(mu), nil
}

// OutputGradient evaluates the reduced output sensitivity via the reduced
// adjoint solution.
func (m *Model) OutputGradient(mu []float64) ([]float64, error) {
	if err := m.checkMu(mu); err != nil {
		return nil, err
	}
	a := mat.NewDense(m.size, m.size, nil)
	var scaled mat.Dense
	for k, op := range m.ops {
		theta := m.coeffs[k].Eval(mu)
		if theta == 0 {
			continue
		}
		scaled.Scale(theta, op)
		a.Add(a, &scaled)
	}
	var lu mat.LU
	lu.Factorize(a)
	var ur, wr mat.VecDense
	if err := lu.SolveVecTo(&ur, false, m.rhs); err != nil {
		return nil, fmt.Errorf("reduced solve at mu %v: %w", mu, err)
	}
	if err := lu.SolveVecTo(&wr, true, m.out); err != nil {
		return nil, fmt.Errorf("reduced adjoint solve at mu %v: %w", mu, err)
	}

	grad := m.full.PenaltyGradient(mu)
	var au mat.VecDense
	for k, op := range m.ops {
		co := m.coeffs[k]
		if co.Scale == 0 {
			continue
		}
		au.MulVec(op, &ur)
		grad[co.Index] -= co.Scale * mat.Dot(&wr, &au)
	}
	return grad, nil
}

// EstimateOutputError returns a nonnegative upper bound for the output error
// |J(mu) - Jr(mu)|: the Euclidean residual dual norm times the output
// functional norm over the coercivity lower bound. Exactly zero (up to
// roundoff) when the basis contains the full solution at mu.
func (m *Model) EstimateOutputError(mu []float64) (float64, error) {
	if err := m.checkMu(mu); err != nil {
		return 0, err
	}
	ur, err := m.solve(mu)
	if err != nil {
		return 0, err
	}

	thetas := make([]float64, len(m.coeffs))
	for k, co := range m.coeffs {
		thetas[k] = co.Eval(mu)
	}

	res2 := m.bb
	var tmp mat.VecDense
	for k := range m.ops {
		if thetas[k] == 0 {
			continue
		}
		res2 -= 2 * thetas[k] * mat.Dot(ur, m.wb[k])
		for l := range m.ops {
			if thetas[l] == 0 {
				continue
			}
			tmp.MulVec(m.gram[k][l], ur)
			res2 += thetas[k] * thetas[l] * mat.Dot(ur, &tmp)
		}
	}
	// Gram assembly cancels almost exactly for a rich basis; clamp the
	// roundoff negatives.
	if res2 < 0 {
		res2 = 0
	}

	alpha := m.full.CoercivityLowerBound(mu)
	if alpha <= 0 {
		return 0, fmt.Errorf("coercivity lower bound %g not positive at mu %v", alpha, mu)
	}
	return m.cNorm * math.Sqrt(res2) / alpha, nil
}
