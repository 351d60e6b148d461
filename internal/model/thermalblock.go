package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// NewThermalBlock builds the thermal block benchmark: heat conduction on the
// unit square with an nx x ny grid of blocks, one conductivity parameter per
// block in [0.1, 1]. Discretization is a 5-point finite-difference Laplacian
// with grid interior nodes per direction, assembled edge-wise so every block
// matrix is symmetric positive semidefinite. Homogeneous Dirichlet walls, a
// uniform source, and the mean temperature as output.
func NewThermalBlock(nx, ny, grid int) (*Affine, *Space, error) {
	if nx < 1 || ny < 1 {
		return nil, nil, fmt.Errorf("block counts must be positive, got %dx%d", nx, ny)
	}
	if grid < nx || grid < ny {
		return nil, nil, fmt.Errorf("grid resolution %d too coarse for %dx%d blocks", grid, nx, ny)
	}

	m := grid
	h := 1 / float64(m+1)
	nBlocks := nx * ny
	order := m * m

	blocks := make([]*mat.Dense, nBlocks)
	for k := range blocks {
		blocks[k] = mat.NewDense(order, order, nil)
	}
	blockAt := func(x, y float64) int {
		bx := int(x * float64(nx))
		if bx >= nx {
			bx = nx - 1
		}
		by := int(y * float64(ny))
		if by >= ny {
			by = ny - 1
		}
		return by*nx + bx
	}
	idx := func(i, j int) int { return j*m + i }

	addEdge := func(p, q int, x, y float64) {
		blk := blocks[blockAt(x, y)]
		blk.Set(p, p, blk.At(p, p)+1)
		if q >= 0 {
			blk.Set(q, q, blk.At(q, q)+1)
			blk.Set(p, q, blk.At(p, q)-1)
			blk.Set(q, p, blk.At(q, p)-1)
		}
	}

	for j := 0; j < m; j++ {
		y := float64(j+1) * h
		// interior and boundary edges in x direction
		addEdge(idx(0, j), -1, 0.5*h, y)
		for i := 0; i < m-1; i++ {
			addEdge(idx(i, j), idx(i+1, j), (float64(i)+1.5)*h, y)
		}
		addEdge(idx(m-1, j), -1, (float64(m)+0.5)*h, y)
	}
	for i := 0; i < m; i++ {
		x := float64(i+1) * h
		// interior and boundary edges in y direction
		addEdge(idx(i, 0), -1, x, 0.5*h)
		for j := 0; j < m-1; j++ {
			addEdge(idx(i, j), idx(i, j+1), x, (float64(j)+1.5)*h)
		}
		addEdge(idx(i, m-1), -1, x, (float64(m)+0.5)*h)
	}

	coeffs := make([]Coefficient, nBlocks)
	for k := range coeffs {
		coeffs[k] = ParamCoeff(k)
	}

	rhs := make([]float64, order)
	out := make([]float64, order)
	for i := range rhs {
		rhs[i] = h * h
		out[i] = 1 / float64(order)
	}

	// Smallest eigenvalue of the unit-conductivity stencil.
	alphaRef := 8 * math.Pow(math.Sin(math.Pi/(2*float64(m+1))), 2)

	full, err := NewAffine(AffineConfig{
		Blocks:     blocks,
		Coeffs:     coeffs,
		Dim:        nBlocks,
		RHS:        rhs,
		Output:     out,
		Coercivity: MinThetaCoercivity(coeffs, alphaRef),
	})
	if err != nil {
		return nil, nil, err
	}

	lower := make([]float64, nBlocks)
	upper := make([]float64, nBlocks)
	for k := range lower {
		lower[k] = 0.1
		upper[k] = 1
	}
	space, err := NewSpace(lower, upper)
	if err != nil {
		return nil, nil, err
	}
	return full, space, nil
}
