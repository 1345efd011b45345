package localize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func testEnsemble(n, nens int) *mat.Dense {
	a := mat.NewDense(n, nens, nil)
	for j := 0; j < nens; j++ {
		for i := 0; i < n; i++ {
			a.Set(i, j, float64(i*nens+j))
		}
	}
	return a
}

func TestGenericGatherScatter(t *testing.T) {
	assert := assert.New(t)

	p, err := NewGeneric(5)
	assert.NoError(err)
	assert.Equal(5, p.NumDomains())

	_, err = NewGeneric(0)
	assert.Error(err)

	a := testEnsemble(5, 3)
	out := mat.NewDense(5, 3, nil)

	for di := 0; di < p.NumDomains(); di++ {
		assert.Equal(1, p.LocalSize(di))
		local := p.LocalState(di, a)
		r, c := local.Dims()
		assert.Equal(1, r)
		assert.Equal(3, c)
		p.PutLocalState(di, local, out)
	}
	assert.True(mat.Equal(a, out))

	assert.Panics(func() { p.LocalSize(5) })
	assert.Panics(func() { p.LocalState(-1, a) })
}

func TestGenericLocalObservations(t *testing.T) {
	assert := assert.New(t)

	p, err := NewGeneric(10)
	assert.NoError(err)

	taper, err := NewLinear(2)
	assert.NoError(err)

	// observations at state indexes 0, 3, 4 and 6
	coords := []int{0, 3, 4, 6}

	indices, dist, err := p.LocalObservations(4, coords, taper)
	assert.NoError(err)
	assert.Equal([]int{1, 2}, indices)
	assert.Equal([]float64{1, 0}, dist)

	// observations exactly at the support range are excluded
	indices, _, err = p.LocalObservations(2, coords, taper)
	assert.NoError(err)
	assert.Equal([]int{1}, indices)

	// fractional coordinates
	indices, dist, err = p.LocalObservations(4, []float64{4.5}, taper)
	assert.NoError(err)
	assert.Equal([]int{0}, indices)
	assert.InDelta(0.5, dist[0], 1e-12)

	_, _, err = p.LocalObservations(4, "invalid", taper)
	assert.Error(err)
}

func TestBlocks1dLayout(t *testing.T) {
	assert := assert.New(t)

	// 10 state variables in blocks of 4: domains of size 4, 4 and 2
	p, err := NewBlocks1d(10, 4, 0)
	assert.NoError(err)
	assert.Equal(3, p.NumDomains())
	assert.Equal(4, p.LocalSize(0))
	assert.Equal(4, p.LocalSize(1))
	assert.Equal(2, p.LocalSize(2))

	_, err = NewBlocks1d(0, 4, 0)
	assert.Error(err)
	_, err = NewBlocks1d(10, 0, 0)
	assert.Error(err)
	_, err = NewBlocks1d(10, 4, -1)
	assert.Error(err)

	assert.Panics(func() { p.LocalSize(3) })
}

func TestBlocks1dPadding(t *testing.T) {
	assert := assert.New(t)

	p, err := NewBlocks1d(10, 4, 2)
	assert.NoError(err)

	// padding is clamped at the state boundaries
	assert.Equal(6, p.LocalSize(0)) // [0, 6)
	assert.Equal(8, p.LocalSize(1)) // [2, 10)
	assert.Equal(4, p.LocalSize(2)) // [6, 10)

	a := testEnsemble(10, 2)
	local := p.LocalState(1, a)
	r, _ := local.Dims()
	assert.Equal(8, r)
	assert.Equal(a.At(2, 0), local.At(0, 0))
}

func TestBlocks1dScatterWritesInteriorOnly(t *testing.T) {
	assert := assert.New(t)

	p, err := NewBlocks1d(10, 4, 2)
	assert.NoError(err)

	a := testEnsemble(10, 2)
	out := mat.NewDense(10, 2, nil)

	// overlapping local states written back must reproduce the global array
	// exactly, with no cross-talk from the padding rows
	for di := 0; di < p.NumDomains(); di++ {
		local := p.LocalState(di, a)
		p.PutLocalState(di, local, out)
	}
	assert.True(mat.Equal(a, out))
}

func TestBlocks1dLocalObservations(t *testing.T) {
	assert := assert.New(t)

	p, err := NewBlocks1d(10, 4, 0)
	assert.NoError(err)

	taper, err := NewLinear(2)
	assert.NoError(err)

	coords := []float64{0, 3, 5, 9}

	// domain 1 covers [4, 8): observation at 3 is 1 away, at 5 inside
	indices, dist, err := p.LocalObservations(1, coords, taper)
	assert.NoError(err)
	assert.Equal([]int{1, 2}, indices)
	assert.Equal([]float64{1, 0}, dist)

	// distance is measured from the interior block, not the padding
	pp, err := NewBlocks1d(10, 4, 2)
	assert.NoError(err)
	indices, dist, err = pp.LocalObservations(1, coords, taper)
	assert.NoError(err)
	assert.Equal([]int{1, 2}, indices)
	assert.Equal([]float64{1, 0}, dist)
}
