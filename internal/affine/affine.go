// Package affine provides the 4x4 rigid/affine matrix arithmetic used to
// fold multi-step registration chains into a single transform, and to
// invert such chains so results can be mapped back to native space.
package affine

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Dim is the side length of every transform matrix handled here.
const Dim = 4

// Identity returns a 4x4 identity matrix.
func Identity() *mat.Dense {
	m := mat.NewDense(Dim, Dim, nil)
	for i := 0; i < Dim; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// Compose folds a sequence of 4x4 affine matrices, applied in list order,
// into a single matrix. The last-applied transform ends up leftmost in the
// product: Compose([A, B]) == B·A.
func Compose(matrices []*mat.Dense) (*mat.Dense, error) {
	if len(matrices) == 0 {
		return nil, fmt.Errorf("compose: empty matrix list")
	}
	for i, m := range matrices {
		if err := checkDim(m); err != nil {
			return nil, fmt.Errorf("compose: matrix %d: %w", i, err)
		}
	}

	composed := mat.DenseCopyOf(matrices[0])
	for _, m := range matrices[1:] {
		var next mat.Dense
		next.Mul(m, composed)
		composed = &next
	}
	return composed, nil
}

// Invert returns the inverse of a 4x4 affine matrix.
func Invert(m *mat.Dense) (*mat.Dense, error) {
	if err := checkDim(m); err != nil {
		return nil, fmt.Errorf("invert: %w", err)
	}
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("invert: %w", err)
	}
	return &inv, nil
}

// ComposeInverse folds a chain applied in list order and inverts the
// result, i.e. the single matrix that undoes the whole chain.
func ComposeInverse(matrices []*mat.Dense) (*mat.Dense, error) {
	composed, err := Compose(matrices)
	if err != nil {
		return nil, err
	}
	return Invert(composed)
}

// Equal reports whether two matrices match element-wise within tol.
func Equal(a, b *mat.Dense, tol float64) bool {
	ra, ca := a.Dims()
	rb, cb := b.Dims()
	if ra != rb || ca != cb {
		return false
	}
	for i := 0; i < ra; i++ {
		for j := 0; j < ca; j++ {
			d := a.At(i, j) - b.At(i, j)
			if d > tol || d < -tol {
				return false
			}
		}
	}
	return true
}

func checkDim(m *mat.Dense) error {
	r, c := m.Dims()
	if r != Dim || c != Dim {
		return fmt.Errorf("expected %dx%d matrix, got %dx%d", Dim, Dim, r, c)
	}
	return nil
}
