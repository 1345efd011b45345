package ensemble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/martingu11/endas/cov"
)

func TestMean(t *testing.T) {
	assert := assert.New(t)

	a := mat.NewDense(2, 3, []float64{
		1, 2, 3,
		4, 5, 6,
	})
	u := Mean(a)
	assert.Equal(2, u.Len())
	assert.InDelta(2.0, u.AtVec(0), 1e-12)
	assert.InDelta(5.0, u.AtVec(1), 1e-12)
}

func TestToAnomaly(t *testing.T) {
	assert := assert.New(t)

	a := mat.NewDense(2, 3, []float64{
		1, 2, 3,
		4, 5, 6,
	})
	ax := ToAnomaly(a)
	assert.InDelta(-1.0, ax.At(0, 0), 1e-12)
	assert.InDelta(0.0, ax.At(0, 1), 1e-12)
	assert.InDelta(1.0, ax.At(1, 2), 1e-12)

	// the input is untouched
	assert.Equal(1.0, a.At(0, 0))
}

func TestCenter(t *testing.T) {
	assert := assert.New(t)

	a := mat.NewDense(1, 4, []float64{1, 2, 3, 6})
	Center(a)

	u := Mean(a)
	assert.InDelta(0.0, u.AtVec(0), 1e-12)
	assert.InDelta(-2.0, a.At(0, 0), 1e-12)
}

func TestInflate(t *testing.T) {
	assert := assert.New(t)

	a := mat.NewDense(1, 2, []float64{1, 3})
	Inflate(a, 2)

	// the mean is preserved, the spread doubles
	u := Mean(a)
	assert.InDelta(2.0, u.AtVec(0), 1e-12)
	assert.InDelta(0.0, a.At(0, 0), 1e-12)
	assert.InDelta(4.0, a.At(0, 1), 1e-12)
}

func TestGenerate(t *testing.T) {
	assert := assert.New(t)

	p, err := cov.NewDiagonal([]float64{1, 4}, rand.NewSource(1))
	assert.NoError(err)

	mean := mat.NewVecDense(2, []float64{10, -10})
	a, err := Generate(2000, mean, p)
	assert.NoError(err)

	r, c := a.Dims()
	assert.Equal(2, r)
	assert.Equal(2000, c)

	u := Mean(a)
	assert.InDelta(10.0, u.AtVec(0), 0.2)
	assert.InDelta(-10.0, u.AtVec(1), 0.4)

	_, err = Generate(0, mean, p)
	assert.Error(err)
	_, err = Generate(10, mat.NewVecDense(3, nil), p)
	assert.Error(err)
}
