// Package cov provides covariance operator implementations.
package cov

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/martingu11/endas"
)

// Diagonal is a diagonal covariance matrix.
//
// The operator holds both the diagonal and its reciprocal. It can be
// instantiated from either side: constructing from the inverse coefficients
// avoids numerical trouble when they are near zero and only solves are
// needed. Diagonal supports every CovarianceOperator operation including
// localization with taper weights.
type Diagonal struct {
	// diag is the covariance matrix diagonal
	diag []float64
	// invdiag is the reciprocal of the diagonal
	invdiag []float64
	// sd is the per-element standard deviation
	sd []float64
	// diagIsOriginal records which side the operator was built from
	diagIsOriginal bool
	src            rand.Source
	rng            *rand.Rand
}

// NewDiagonal creates a diagonal covariance from the diagonal elements. The
// source seeds sampling; a nil source is replaced by a time-seeded one.
// It returns error if the diagonal is empty or not strictly positive.
func NewDiagonal(diag []float64, src rand.Source) (*Diagonal, error) {
	if err := checkDiag(diag); err != nil {
		return nil, err
	}

	d := make([]float64, len(diag))
	inv := make([]float64, len(diag))
	sd := make([]float64, len(diag))
	for i, v := range diag {
		d[i] = v
		inv[i] = 1.0 / v
		sd[i] = math.Sqrt(v)
	}

	c := &Diagonal{diag: d, invdiag: inv, sd: sd, diagIsOriginal: true}
	c.seed(src)
	return c, nil
}

// NewDiagonalInv creates a diagonal covariance from the inverse diagonal
// elements. It returns error if the diagonal is empty or not strictly
// positive.
func NewDiagonalInv(invdiag []float64, src rand.Source) (*Diagonal, error) {
	if err := checkDiag(invdiag); err != nil {
		return nil, err
	}

	d := make([]float64, len(invdiag))
	inv := make([]float64, len(invdiag))
	sd := make([]float64, len(invdiag))
	for i, v := range invdiag {
		d[i] = 1.0 / v
		inv[i] = v
		sd[i] = math.Sqrt(1.0 / v)
	}

	c := &Diagonal{diag: d, invdiag: inv, sd: sd, diagIsOriginal: false}
	c.seed(src)
	return c, nil
}

func checkDiag(diag []float64) error {
	if len(diag) == 0 {
		return fmt.Errorf("empty covariance diagonal")
	}
	for i, v := range diag {
		if v <= 0 {
			return fmt.Errorf("invalid covariance diagonal element %d: %v", i, v)
		}
	}
	return nil
}

func (c *Diagonal) seed(src rand.Source) {
	if src == nil {
		src = rand.NewSource(uint64(time.Now().UnixNano()))
	}
	c.src = src
	c.rng = rand.New(src)
}

// Dims returns the covariance matrix shape.
func (c *Diagonal) Dims() (r, cols int) {
	return len(c.diag), len(c.diag)
}

// Diag returns the matrix diagonal.
func (c *Diagonal) Diag() []float64 {
	d := make([]float64, len(c.diag))
	copy(d, c.diag)
	return d
}

// SampleN draws n zero-mean samples and stores them in the columns of the
// returned matrix.
func (c *Diagonal) SampleN(n int) (*mat.Dense, error) {
	if n < 1 {
		return nil, fmt.Errorf("invalid number of samples requested: %d", n)
	}
	rows := len(c.diag)
	s := mat.NewDense(rows, n, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < n; j++ {
			s.Set(i, j, c.rng.NormFloat64()*c.sd[i])
		}
	}
	return s, nil
}

// Solve solves C*x = b via the inverse diagonal.
func (c *Diagonal) Solve(b mat.Matrix) (*mat.Dense, error) {
	rows, cols := b.Dims()
	if rows != len(c.diag) {
		return nil, fmt.Errorf("invalid right hand side dimensions: [%d x %d]", rows, cols)
	}
	x := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			x.Set(i, j, c.invdiag[i]*b.At(i, j))
		}
	}
	return x, nil
}

// AddTo sums the covariance into x in place.
func (c *Diagonal) AddTo(x *mat.Dense) error {
	rows, cols := x.Dims()
	if rows != len(c.diag) || cols != len(c.diag) {
		return fmt.Errorf("invalid matrix dimensions: [%d x %d]", rows, cols)
	}
	for i := range c.diag {
		x.Set(i, i, x.At(i, i)+c.diag[i])
	}
	return nil
}

// Localize returns the covariance restricted to the selected elements and
// down-weighted by the taper coefficients. Tapering divides the selected
// diagonal by the weights, i.e. the inverse diagonal is multiplied, so
// distant observations carry inflated error variance.
func (c *Diagonal) Localize(indices []int, taper []float64) (endas.CovarianceOperator, error) {
	if taper != nil && len(taper) != len(indices) {
		return nil, fmt.Errorf("indices and taper length mismatch: %d != %d", len(indices), len(taper))
	}

	inv := make([]float64, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(c.diag) {
			return nil, fmt.Errorf("observation index out of range: %d", idx)
		}
		inv[i] = c.invdiag[idx]
		if taper != nil {
			inv[i] *= taper[i]
		}
	}

	if taper == nil && c.diagIsOriginal {
		d := make([]float64, len(indices))
		for i, idx := range indices {
			d[i] = c.diag[idx]
		}
		return NewDiagonal(d, c.src)
	}
	return NewDiagonalInv(inv, c.src)
}

// Matrix returns the covariance matrix, diagonal unless forceDense is set.
func (c *Diagonal) Matrix(forceDense bool) (mat.Matrix, error) {
	if !forceDense {
		d := mat.NewDiagDense(len(c.diag), nil)
		for i, v := range c.diag {
			d.SetDiag(i, v)
		}
		return d, nil
	}
	m := mat.NewDense(len(c.diag), len(c.diag), nil)
	for i, v := range c.diag {
		m.Set(i, i, v)
	}
	return m, nil
}
