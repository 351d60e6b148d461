package model

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Coefficient is the scalar factor of one affine operator block, restricted
// to the linear form theta(mu) = Const + Scale*mu[Index]. Index is ignored
// while Scale is zero.
type Coefficient struct {
	Const float64
	Scale float64
	Index int
}

// Eval evaluates the coefficient at mu.
func (c Coefficient) Eval(mu []float64) float64 {
	v := c.Const
	if c.Scale != 0 {
		v += c.Scale * mu[c.Index]
	}
	return v
}

// Deriv returns the partial derivative with respect to mu[j].
func (c Coefficient) Deriv(j int) float64 {
	if c.Scale != 0 && c.Index == j {
		return c.Scale
	}
	return 0
}

// ConstCoeff returns a parameter-independent coefficient.
func ConstCoeff(v float64) Coefficient {
	return Coefficient{Const: v, Index: -1}
}

// ParamCoeff returns the coefficient theta(mu) = mu[i].
func ParamCoeff(i int) Coefficient {
	return Coefficient{Scale: 1, Index: i}
}

// CoercivityFunc returns a positive lower bound for the coercivity constant
// of the assembled operator at mu.
type CoercivityFunc func(mu []float64) float64

// ConstantCoercivity returns the bound alpha for every mu.
func ConstantCoercivity(alpha float64) CoercivityFunc {
	return func([]float64) float64 { return alpha }
}

// MinThetaCoercivity returns the standard min-theta bound
// alpha(mu) >= alphaRef * min_k theta_k(mu). Valid when all blocks are
// positive semidefinite and the coefficients stay positive on the domain.
func MinThetaCoercivity(coeffs []Coefficient, alphaRef float64) CoercivityFunc {
	cs := make([]Coefficient, len(coeffs))
	copy(cs, coeffs)
	return func(mu []float64) float64 {
		minTheta := cs[0].Eval(mu)
		for _, c := range cs[1:] {
			if t := c.Eval(mu); t < minTheta {
				minTheta = t
			}
		}
		return alphaRef * minTheta
	}
}

// AffineConfig describes a linear stationary full-order model with affine
// parameter dependence,
//
//	A(mu) u = b,  A(mu) = sum_k theta_k(mu) * B_k,
//
// and scalar output J(mu) = c·u(mu), optionally augmented by a quadratic
// parameter penalty.
type AffineConfig struct {
	Blocks     []*mat.Dense  // operator blocks B_k, square, equal order
	Coeffs     []Coefficient // one coefficient per block
	Dim        int           // parameter dimension
	RHS        []float64     // load vector b
	Output     []float64     // output functional c
	Coercivity CoercivityFunc
}

// Affine is the full-order model built from an AffineConfig. Solves are
// performed with a dense LU factorization; output sensitivities use the
// adjoint solution, so a gradient costs one extra triangular solve on the
// same factorization.
//
// Affine is not safe for concurrent use: the solve counter is unguarded.
type Affine struct {
	blocks     []*mat.Dense
	coeffs     []Coefficient
	dim        int
	order      int
	b          *mat.VecDense
	c          *mat.VecDense
	coercivity CoercivityFunc

	penaltyWeight float64
	penaltyTarget []float64

	solves int
}

// NewAffine validates the config and builds the model.
func NewAffine(cfg AffineConfig) (*Affine, error) {
	if len(cfg.Blocks) == 0 {
		return nil, fmt.Errorf("affine model needs at least one operator block")
	}
	if len(cfg.Coeffs) != len(cfg.Blocks) {
		return nil, fmt.Errorf("got %d coefficients for %d blocks", len(cfg.Coeffs), len(cfg.Blocks))
	}
	if cfg.Dim < 1 {
		return nil, fmt.Errorf("parameter dimension must be positive, got %d", cfg.Dim)
	}
	r, cCols := cfg.Blocks[0].Dims()
	if r != cCols {
		return nil, fmt.Errorf("operator block 0 is not square: %dx%d", r, cCols)
	}
	for k, blk := range cfg.Blocks[1:] {
		br, bc := blk.Dims()
		if br != r || bc != r {
			return nil, fmt.Errorf("operator block %d has order %dx%d, want %dx%d", k+1, br, bc, r, r)
		}
	}
	for k, co := range cfg.Coeffs {
		if co.Scale != 0 && (co.Index < 0 || co.Index >= cfg.Dim) {
			return nil, fmt.Errorf("coefficient %d references parameter %d outside dimension %d", k, co.Index, cfg.Dim)
		}
	}
	if len(cfg.RHS) != r {
		return nil, fmt.Errorf("load vector has %d entries for order %d", len(cfg.RHS), r)
	}
	if len(cfg.Output) != r {
		return nil, fmt.Errorf("output vector has %d entries for order %d", len(cfg.Output), r)
	}
	if cfg.Coercivity == nil {
		return nil, fmt.Errorf("coercivity lower bound is required")
	}

	b := make([]float64, r)
	copy(b, cfg.RHS)
	c := make([]float64, r)
	copy(c, cfg.Output)
	m := &Affine{
		blocks:     cfg.Blocks,
		coeffs:     make([]Coefficient, len(cfg.Coeffs)),
		dim:        cfg.Dim,
		order:      r,
		b:          mat.NewVecDense(r, b),
		c:          mat.NewVecDense(r, c),
		coercivity: cfg.Coercivity,
	}
	copy(m.coeffs, cfg.Coeffs)
	return m, nil
}

// SetPenalty adds the quadratic parameter penalty
// weight/2 * ||mu - target||^2 to the output functional. A zero weight
// disables the penalty.
func (m *Affine) SetPenalty(weight float64, target []float64) error {
	if weight < 0 {
		return fmt.Errorf("penalty weight must be nonnegative, got %g", weight)
	}
	if weight > 0 && len(target) != m.dim {
		return fmt.Errorf("penalty target has %d entries for dimension %d", len(target), m.dim)
	}
	m.penaltyWeight = weight
	if weight == 0 {
		m.penaltyTarget = nil
		return nil
	}
	m.penaltyTarget = make([]float64, m.dim)
	copy(m.penaltyTarget, target)
	return nil
}

// Order returns the state dimension.
func (m *Affine) Order() int { return m.order }

// Dim returns the parameter dimension.
func (m *Affine) Dim() int { return m.dim }

// NumBlocks returns the number of affine operator blocks.
func (m *Affine) NumBlocks() int { return len(m.blocks) }

// Blocks exposes the operator blocks for projection. Callers must treat the
// returned matrices as read-only.
func (m *Affine) Blocks() []*mat.Dense { return m.blocks }

// Coeffs exposes the block coefficients.
func (m *Affine) Coeffs() []Coefficient {
	out := make([]Coefficient, len(m.coeffs))
	copy(out, m.coeffs)
	return out
}

// Coefficients evaluates all block coefficients at mu.
func (m *Affine) Coefficients(mu []float64) []float64 {
	thetas := make([]float64, len(m.coeffs))
	for k, co := range m.coeffs {
		thetas[k] = co.Eval(mu)
	}
	return thetas
}

// RHS exposes the load vector. Read-only.
func (m *Affine) RHS() *mat.VecDense { return m.b }

// OutputVector exposes the output functional vector. Read-only.
func (m *Affine) OutputVector() *mat.VecDense { return m.c }

// CoercivityLowerBound evaluates the configured coercivity bound at mu.
func (m *Affine) CoercivityLowerBound(mu []float64) float64 {
	return m.coercivity(mu)
}

// Penalty evaluates the quadratic parameter penalty at mu. Zero when no
// penalty is configured.
func (m *Affine) Penalty(mu []float64) float64 {
	if m.penaltyWeight == 0 {
		return 0
	}
	var sum float64
	for i, v := range mu {
		d := v - m.penaltyTarget[i]
		sum += d * d
	}
	return 0.5 * m.penaltyWeight * sum
}

// PenaltyGradient evaluates the penalty gradient at mu.
func (m *Affine) PenaltyGradient(mu []float64) []float64 {
	grad := make([]float64, m.dim)
	if m.penaltyWeight == 0 {
		return grad
	}
	for i, v := range mu {
		grad[i] = m.penaltyWeight * (v - m.penaltyTarget[i])
	}
	return grad
}

// Solves returns the number of full-order solves performed so far. Primal
// and adjoint solves both count.
func (m *Affine) Solves() int { return m.solves }

func (m *Affine) checkMu(mu []float64) error {
	if len(mu) != m.dim {
		return fmt.Errorf("parameter has %d components, model expects %d", len(mu), m.dim)
	}
	return nil
}

// assemble builds A(mu) into a fresh dense matrix.
func (m *Affine) assemble(mu []float64) *mat.Dense {
	a := mat.NewDense(m.order, m.order, nil)
	var scaled mat.Dense
	for k, blk := range m.blocks {
		theta := m.coeffs[k].Eval(mu)
		if theta == 0 {
			continue
		}
		scaled.Scale(theta, blk)
		a.Add(a, &scaled)
	}
	return a
}

// Solve computes the full-order solution u(mu). Expensive: assembles and
// factorizes the operator.
func (m *Affine) Solve(mu []float64) ([]float64, error) {
	if err := m.checkMu(mu); err != nil {
		return nil, err
	}
	a := m.assemble(mu)
	var lu mat.LU
	lu.Factorize(a)
	var u mat.VecDense
	if err := lu.SolveVecTo(&u, false, m.b); err != nil {
		return nil, fmt.Errorf("full-order solve at mu %v: %w", mu, err)
	}
	m.solves++
	out := make([]float64, m.order)
	copy(out, u.RawVector().Data)
	return out, nil
}

// Output computes J(mu) = c·u(mu) plus the parameter penalty.
func (m *Affine) Output(mu []float64) (float64, error) {
	u, err := m.Solve(mu)
	if err != nil {
		return 0, err
	}
	return floats.Dot(m.c.RawVector().Data, u) + m.Penalty(mu), nil
}

// OutputGradient computes dJ/dmu via the adjoint solution w of
// A(mu)^T w = c, giving dJ/dmu_i = -w·(dA/dmu_i u) plus the penalty
// gradient. Costs one factorization and two triangular solves.
func (m *Affine) OutputGradient(mu []float64) ([]float64, error) {
	if err := m.checkMu(mu); err != nil {
		return nil, err
	}
	a := m.assemble(mu)
	var lu mat.LU
	lu.Factorize(a)
	var u, w mat.VecDense
	if err := lu.SolveVecTo(&u, false, m.b); err != nil {
		return nil, fmt.Errorf("full-order solve at mu %v: %w", mu, err)
	}
	if err := lu.SolveVecTo(&w, true, m.c); err != nil {
		return nil, fmt.Errorf("adjoint solve at mu %v: %w", mu, err)
	}
	m.solves += 2

	grad := m.PenaltyGradient(mu)
	var bu mat.VecDense
	for k, blk := range m.blocks {
		co := m.coeffs[k]
		if co.Scale == 0 {
			continue
		}
		bu.MulVec(blk, &u)
		grad[co.Index] -= co.Scale * mat.Dot(&w, &bu)
	}
	return grad, nil
}
