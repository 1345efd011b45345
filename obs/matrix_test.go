package obs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestNewMatrix(t *testing.T) {
	assert := assert.New(t)

	h, err := NewMatrix(mat.NewDense(2, 3, []float64{
		1, 0, 0,
		0, 1, 1,
	}))
	assert.NoError(err)

	k, n := h.Dims()
	assert.Equal(2, k)
	assert.Equal(3, n)

	_, err = NewMatrix(nil)
	assert.Error(err)
}

func TestMatrixDot(t *testing.T) {
	assert := assert.New(t)

	h, err := NewMatrix(mat.NewDense(2, 3, []float64{
		1, 0, 0,
		0, 1, 1,
	}))
	assert.NoError(err)

	x := mat.NewDense(3, 2, []float64{
		1, 2,
		3, 4,
		5, 6,
	})
	y := h.Dot(x)
	r, c := y.Dims()
	assert.Equal(2, r)
	assert.Equal(2, c)
	assert.Equal(1.0, y.At(0, 0))
	assert.Equal(8.0, y.At(1, 0))
	assert.Equal(10.0, y.At(1, 1))
}

func TestMatrixLocalize(t *testing.T) {
	assert := assert.New(t)

	h, err := NewMatrix(mat.NewDense(3, 2, []float64{
		1, 0,
		0, 1,
		1, 1,
	}))
	assert.NoError(err)

	lh, err := h.Localize([]int{2, 0})
	assert.NoError(err)
	k, n := lh.Dims()
	assert.Equal(2, k)
	assert.Equal(2, n)

	m, err := lh.Matrix(true)
	assert.NoError(err)
	assert.Equal(1.0, m.At(0, 0))
	assert.Equal(1.0, m.At(0, 1))
	assert.Equal(1.0, m.At(1, 0))
	assert.Equal(0.0, m.At(1, 1))

	_, err = h.Localize(nil)
	assert.Error(err)
	_, err = h.Localize([]int{0, 3})
	assert.Error(err)
}
