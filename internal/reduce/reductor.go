package reduce

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/modred/tropt/internal/model"
)

// ErrBasisExtension reports a recoverable enrichment failure: the new
// snapshot is (numerically) contained in the current basis. Callers may keep
// working with the unextended basis.
var ErrBasisExtension = errors.New("snapshot does not extend the basis")

// Tolerance for declaring a snapshot linearly dependent after projection.
const dependenceTol = 1e-10

// Reductor holds an orthonormal snapshot basis for a full-order model and
// produces Galerkin-projected reduced models from it.
//
// Reductor is not safe for concurrent use.
type Reductor struct {
	full  *model.Affine
	basis *mat.Dense // order x size, orthonormal columns, nil while empty
	size  int
}

// NewReductor creates a reductor with an empty basis.
func NewReductor(full *model.Affine) *Reductor {
	return &Reductor{full: full}
}

// Full returns the underlying full-order model.
func (r *Reductor) Full() *model.Affine { return r.full }

// BasisSize returns the number of basis vectors.
func (r *Reductor) BasisSize() int { return r.size }

// Clone returns a deep copy of the reductor. The full-order model is shared;
// only the basis is duplicated.
func (r *Reductor) Clone() *Reductor {
	out := &Reductor{full: r.full, size: r.size}
	if r.basis != nil {
		out.basis = mat.DenseCopyOf(r.basis)
	}
	return out
}

// ExtendBasis orthonormalizes state against the current basis and appends
// the defect as a new basis vector. Returns an error matching
// ErrBasisExtension when the snapshot is linearly dependent.
func (r *Reductor) ExtendBasis(state []float64) error {
	order := r.full.Order()
	if len(state) != order {
		return fmt.Errorf("snapshot has %d entries for order %d", len(state), order)
	}

	v := make([]float64, order)
	copy(v, state)
	norm0 := floats.Norm(v, 2)
	if norm0 == 0 {
		return fmt.Errorf("zero snapshot: %w", ErrBasisExtension)
	}

	// two Gram-Schmidt passes for numerical stability
	for pass := 0; pass < 2; pass++ {
		for j := 0; j < r.size; j++ {
			col := r.basis.ColView(j)
			var dot float64
			for i := 0; i < order; i++ {
				dot += col.AtVec(i) * v[i]
			}
			for i := 0; i < order; i++ {
				v[i] -= dot * col.AtVec(i)
			}
		}
	}

	norm := floats.Norm(v, 2)
	if norm < dependenceTol*norm0 {
		return fmt.Errorf("defect norm %.3e below tolerance: %w", norm/norm0, ErrBasisExtension)
	}
	floats.Scale(1/norm, v)

	grown := mat.NewDense(order, r.size+1, nil)
	for j := 0; j < r.size; j++ {
		for i := 0; i < order; i++ {
			grown.Set(i, j, r.basis.At(i, j))
		}
	}
	for i := 0; i < order; i++ {
		grown.Set(i, r.size, v[i])
	}
	r.basis = grown
	r.size++
	return nil
}

// Reduce Galerkin-projects the full-order operator blocks, load and output
// vectors onto the basis and precomputes the residual Gram data used by the
// output error estimator. Fails on an empty basis.
func (r *Reductor) Reduce() (*Model, error) {
	if r.size == 0 {
		return nil, fmt.Errorf("cannot reduce an empty basis")
	}

	blocks := r.full.Blocks()
	nBlocks := len(blocks)
	order := r.full.Order()

	ops := make([]*mat.Dense, nBlocks)
	lifted := make([]*mat.Dense, nBlocks) // B_k V, order x size
	for k, blk := range blocks {
		var bv mat.Dense
		bv.Mul(blk, r.basis)
		lifted[k] = mat.DenseCopyOf(&bv)

		var proj mat.Dense
		proj.Mul(r.basis.T(), &bv)
		ops[k] = mat.DenseCopyOf(&proj)
	}

	var rhs, out mat.VecDense
	rhs.MulVec(r.basis.T(), r.full.RHS())
	out.MulVec(r.basis.T(), r.full.OutputVector())

	b := r.full.RHS()
	bb := mat.Dot(b, b)
	wb := make([]*mat.VecDense, nBlocks)
	gram := make([][]*mat.Dense, nBlocks)
	for k := 0; k < nBlocks; k++ {
		var v mat.VecDense
		v.MulVec(lifted[k].T(), b)
		wb[k] = mat.VecDenseCopyOf(&v)

		gram[k] = make([]*mat.Dense, nBlocks)
		for l := 0; l < nBlocks; l++ {
			var g mat.Dense
			g.Mul(lifted[k].T(), lifted[l])
			gram[k][l] = mat.DenseCopyOf(&g)
		}
	}

	cVec := r.full.OutputVector()
	cData := make([]float64, order)
	for i := 0; i < order; i++ {
		cData[i] = cVec.AtVec(i)
	}

	return &Model{
		full:   r.full,
		coeffs: r.full.Coeffs(),
		size:   r.size,
		ops:    ops,
		rhs:    mat.VecDenseCopyOf(&rhs),
		out:    mat.VecDenseCopyOf(&out),
		bb:     bb,
		wb:     wb,
		gram:   gram,
		cNorm:  floats.Norm(cData, 2),
	}, nil
}
