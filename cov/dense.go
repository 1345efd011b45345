package cov

import (
	"fmt"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/martingu11/endas"
)

// Dense is an explicit covariance matrix held as a dense symmetric matrix.
// Use only on small problems when no structured representation fits. Dense
// does not support localization.
type Dense struct {
	// c is the covariance matrix
	c *mat.SymDense
	// chol is the Cholesky factorization backing Solve
	chol *mat.Cholesky
	// dist is a zero-mean multivariate normal distribution backing SampleN
	dist *distmv.Normal
}

// NewDense creates a dense covariance operator from the given symmetric
// positive definite matrix. The source seeds sampling; a nil source is
// replaced by a time-seeded one. It returns error if c is nil or not
// positive definite.
func NewDense(c mat.Symmetric, src rand.Source) (*Dense, error) {
	if c == nil || c.SymmetricDim() == 0 {
		return nil, fmt.Errorf("invalid covariance matrix: %v", c)
	}

	sym := mat.NewSymDense(c.SymmetricDim(), nil)
	sym.CopySym(c)

	chol := &mat.Cholesky{}
	if ok := chol.Factorize(sym); !ok {
		return nil, fmt.Errorf("covariance matrix is not positive definite")
	}

	if src == nil {
		src = rand.NewSource(uint64(time.Now().UnixNano()))
	}
	dist, ok := distmv.NewNormal(make([]float64, c.SymmetricDim()), sym, src)
	if !ok {
		return nil, fmt.Errorf("failed to create normal distribution from covariance")
	}

	return &Dense{c: sym, chol: chol, dist: dist}, nil
}

// Dims returns the covariance matrix shape.
func (c *Dense) Dims() (r, cols int) {
	n := c.c.SymmetricDim()
	return n, n
}

// SampleN draws n zero-mean samples and stores them in the columns of the
// returned matrix.
func (c *Dense) SampleN(n int) (*mat.Dense, error) {
	if n < 1 {
		return nil, fmt.Errorf("invalid number of samples requested: %d", n)
	}
	rows := c.c.SymmetricDim()
	s := mat.NewDense(rows, n, nil)
	buf := make([]float64, rows)
	for j := 0; j < n; j++ {
		c.dist.Rand(buf)
		s.SetCol(j, buf)
	}
	return s, nil
}

// Solve solves C*x = b through the Cholesky factorization.
func (c *Dense) Solve(b mat.Matrix) (*mat.Dense, error) {
	rows, cols := b.Dims()
	if rows != c.c.SymmetricDim() {
		return nil, fmt.Errorf("invalid right hand side dimensions: [%d x %d]", rows, cols)
	}
	x := mat.NewDense(rows, cols, nil)
	if err := c.chol.SolveTo(x, b); err != nil {
		return nil, fmt.Errorf("covariance solve failed: %v", err)
	}
	return x, nil
}

// AddTo sums the covariance into x in place.
func (c *Dense) AddTo(x *mat.Dense) error {
	rows, cols := x.Dims()
	n := c.c.SymmetricDim()
	if rows != n || cols != n {
		return fmt.Errorf("invalid matrix dimensions: [%d x %d]", rows, cols)
	}
	x.Add(x, c.c)
	return nil
}

// Localize is not supported by the dense representation. It returns
// ErrNotSupported.
func (c *Dense) Localize(indices []int, taper []float64) (endas.CovarianceOperator, error) {
	return nil, endas.ErrNotSupported
}

// Matrix returns the covariance matrix.
func (c *Dense) Matrix(forceDense bool) (mat.Matrix, error) {
	return c.c, nil
}
