package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Mass-spring-damper chain constants, matching the classical benchmark
// configuration: mass 4, spring stiffness 4, damper coefficient 1.
const (
	msdMass      = 4.0
	msdStiffness = 4.0
	msdDamping   = 1.0
)

// NewMSD builds the parametric mass-spring-damper chain with n masses. The
// single parameter scales the damping operator in the shifted stationary
// form (K + mu[0]*D) u = b, with a unit force on the first mass and the
// first-mass velocity weight as output. The parameter domain is
// [0.05, 10].
func NewMSD(n int) (*Affine, *Space, error) {
	if n < 2 {
		return nil, nil, fmt.Errorf("mass-spring-damper chain needs at least 2 masses, got %d", n)
	}

	k := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		k.Set(i, i, 2*msdStiffness)
		if i > 0 {
			k.Set(i, i-1, -msdStiffness)
		}
		if i < n-1 {
			k.Set(i, i+1, -msdStiffness)
		}
	}
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, msdDamping)
	}

	b := make([]float64, n)
	b[0] = 1
	c := make([]float64, n)
	c[0] = 1 / msdMass

	// Smallest eigenvalue of the fixed-fixed stiffness chain. The damping
	// block is positive semidefinite and the domain is nonnegative, so this
	// bounds the coercivity of K + mu*D from below.
	alpha := 2 * msdStiffness * (1 - math.Cos(math.Pi/float64(n+1)))

	m, err := NewAffine(AffineConfig{
		Blocks:     []*mat.Dense{k, d},
		Coeffs:     []Coefficient{ConstCoeff(1), ParamCoeff(0)},
		Dim:        1,
		RHS:        b,
		Output:     c,
		Coercivity: ConstantCoercivity(alpha),
	})
	if err != nil {
		return nil, nil, err
	}
	space, err := NewSpace([]float64{0.05}, []float64{10})
	if err != nil {
		return nil, nil, err
	}
	return m, space, nil
}
