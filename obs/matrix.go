// Package obs provides observation operator implementations.
package obs

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/martingu11/endas"
)

// Matrix wraps an explicit matrix as an observation operator. Row i of the
// matrix maps the state vector to observation i.
type Matrix struct {
	h *mat.Dense
}

// NewMatrix creates a matrix observation operator from h.
// It returns error if h is nil or empty.
func NewMatrix(h *mat.Dense) (*Matrix, error) {
	if h == nil || h.IsEmpty() {
		return nil, fmt.Errorf("invalid observation matrix: %v", h)
	}
	return &Matrix{h: mat.DenseCopyOf(h)}, nil
}

// Dims returns the operator shape (k, n).
func (o *Matrix) Dims() (k, n int) {
	return o.h.Dims()
}

// Dot applies the operator to x.
func (o *Matrix) Dot(x mat.Matrix) *mat.Dense {
	out := &mat.Dense{}
	out.Mul(o.h, x)
	return out
}

// Localize returns the operator restricted to the observations with the
// given indexes.
func (o *Matrix) Localize(indices []int) (endas.ObservationOperator, error) {
	k, n := o.h.Dims()
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty observation index set")
	}

	sel := mat.NewDense(len(indices), n, nil)
	for i, idx := range indices {
		if idx < 0 || idx >= k {
			return nil, fmt.Errorf("observation index out of range: %d", idx)
		}
		sel.SetRow(i, o.h.RawRowView(idx))
	}
	return &Matrix{h: sel}, nil
}

// Matrix returns the operator matrix.
func (o *Matrix) Matrix(forceDense bool) (mat.Matrix, error) {
	return o.h, nil
}
