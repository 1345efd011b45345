package cov

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/martingu11/endas"
)

func TestNewDiagonal(t *testing.T) {
	assert := assert.New(t)

	c, err := NewDiagonal([]float64{1, 4, 9}, nil)
	assert.NoError(err)
	r, cols := c.Dims()
	assert.Equal(3, r)
	assert.Equal(3, cols)
	assert.Equal([]float64{1, 4, 9}, c.Diag())

	_, err = NewDiagonal(nil, nil)
	assert.Error(err)
	_, err = NewDiagonal([]float64{1, 0}, nil)
	assert.Error(err)
	_, err = NewDiagonalInv([]float64{-1}, nil)
	assert.Error(err)
}

func TestDiagonalSolve(t *testing.T) {
	assert := assert.New(t)

	c, err := NewDiagonal([]float64{2, 4}, nil)
	assert.NoError(err)

	x, err := c.Solve(mat.NewDense(2, 2, []float64{2, 4, 8, 12}))
	assert.NoError(err)
	assert.InDelta(1.0, x.At(0, 0), 1e-12)
	assert.InDelta(2.0, x.At(0, 1), 1e-12)
	assert.InDelta(2.0, x.At(1, 0), 1e-12)
	assert.InDelta(3.0, x.At(1, 1), 1e-12)

	_, err = c.Solve(mat.NewDense(3, 1, nil))
	assert.Error(err)
}

func TestDiagonalAddTo(t *testing.T) {
	assert := assert.New(t)

	c, err := NewDiagonal([]float64{1, 2}, nil)
	assert.NoError(err)

	x := mat.NewDense(2, 2, []float64{1, 1, 1, 1})
	assert.NoError(c.AddTo(x))
	assert.Equal(2.0, x.At(0, 0))
	assert.Equal(3.0, x.At(1, 1))
	assert.Equal(1.0, x.At(0, 1))

	assert.Error(c.AddTo(mat.NewDense(3, 3, nil)))
}

func TestDiagonalSampleN(t *testing.T) {
	assert := assert.New(t)

	c, err := NewDiagonal([]float64{1, 100}, rand.NewSource(1))
	assert.NoError(err)

	s, err := c.SampleN(5000)
	assert.NoError(err)
	r, cols := s.Dims()
	assert.Equal(2, r)
	assert.Equal(5000, cols)

	// sample variance approximates the diagonal
	for i, want := range []float64{1, 100} {
		var sum, sq float64
		for j := 0; j < cols; j++ {
			v := s.At(i, j)
			sum += v
			sq += v * v
		}
		mean := sum / float64(cols)
		assert.InDelta(want, sq/float64(cols)-mean*mean, want*0.2)
	}

	_, err = c.SampleN(0)
	assert.Error(err)
}

func TestDiagonalLocalize(t *testing.T) {
	assert := assert.New(t)

	c, err := NewDiagonal([]float64{1, 2, 3, 4}, nil)
	assert.NoError(err)

	lc, err := c.Localize([]int{1, 3}, []float64{1, 0.5})
	assert.NoError(err)
	d := lc.(*Diagonal).Diag()
	assert.InDelta(2.0, d[0], 1e-12)
	assert.InDelta(8.0, d[1], 1e-12)

	lc, err = c.Localize([]int{0, 2}, nil)
	assert.NoError(err)
	assert.Equal([]float64{1, 3}, lc.(*Diagonal).Diag())

	_, err = c.Localize([]int{0, 5}, nil)
	assert.Error(err)
	_, err = c.Localize([]int{0, 1}, []float64{1})
	assert.Error(err)
}

func TestDiagonalMatrix(t *testing.T) {
	assert := assert.New(t)

	c, err := NewDiagonal([]float64{1, 2}, nil)
	assert.NoError(err)

	m, err := c.Matrix(false)
	assert.NoError(err)
	_, ok := m.(*mat.DiagDense)
	assert.True(ok)

	m, err = c.Matrix(true)
	assert.NoError(err)
	_, ok = m.(*mat.Dense)
	assert.True(ok)
	assert.Equal(2.0, m.At(1, 1))
	assert.Equal(0.0, m.At(0, 1))
}

func TestNewDense(t *testing.T) {
	assert := assert.New(t)

	c, err := NewDense(mat.NewSymDense(2, []float64{2, 1, 1, 2}), rand.NewSource(1))
	assert.NoError(err)
	r, cols := c.Dims()
	assert.Equal(2, r)
	assert.Equal(2, cols)

	// not positive definite
	_, err = NewDense(mat.NewSymDense(2, []float64{1, 2, 2, 1}), nil)
	assert.Error(err)
}

func TestDenseSolveAddTo(t *testing.T) {
	assert := assert.New(t)

	sym := mat.NewSymDense(2, []float64{2, 1, 1, 2})
	c, err := NewDense(sym, rand.NewSource(1))
	assert.NoError(err)

	b := mat.NewDense(2, 1, []float64{3, 3})
	x, err := c.Solve(b)
	assert.NoError(err)
	assert.InDelta(1.0, x.At(0, 0), 1e-12)
	assert.InDelta(1.0, x.At(1, 0), 1e-12)

	m := mat.NewDense(2, 2, nil)
	assert.NoError(c.AddTo(m))
	assert.Equal(2.0, m.At(0, 0))
	assert.Equal(1.0, m.At(0, 1))
}

func TestDenseSampleN(t *testing.T) {
	assert := assert.New(t)

	c, err := NewDense(mat.NewSymDense(2, []float64{2, 1, 1, 2}), rand.NewSource(7))
	assert.NoError(err)

	s, err := c.SampleN(5000)
	assert.NoError(err)
	_, cols := s.Dims()
	assert.Equal(5000, cols)

	// sample cross-covariance approximates the off-diagonal element
	var sx, sy, sxy float64
	for j := 0; j < cols; j++ {
		x, y := s.At(0, j), s.At(1, j)
		sx += x
		sy += y
		sxy += x * y
	}
	n := float64(cols)
	assert.InDelta(1.0, sxy/n-(sx/n)*(sy/n), 0.2)
}

func TestDenseLocalize(t *testing.T) {
	assert := assert.New(t)

	c, err := NewDense(mat.NewSymDense(2, []float64{2, 1, 1, 2}), nil)
	assert.NoError(err)

	_, err = c.Localize([]int{0}, nil)
	assert.ErrorIs(err, endas.ErrNotSupported)
}
