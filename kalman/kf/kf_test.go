package kf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/martingu11/endas/cov"
	"github.com/martingu11/endas/enkf"
	"github.com/martingu11/endas/ensemble"
	"github.com/martingu11/endas/obs"
	"github.com/martingu11/endas/sim"
)

func TestNew(t *testing.T) {
	assert := assert.New(t)

	f, err := New(sim.NewRotation(0.1), nil)
	assert.NoError(err)
	assert.NotNil(f)

	_, err = New(nil, nil)
	assert.Error(err)
	_, err = New(sim.NewRotation(0.1), &Config{ForgettingFactor: 1.5})
	assert.Error(err)
	_, err = New(sim.NewRotation(0.1), &Config{Lag: -1})
	assert.Error(err)
}

func TestKFSessionErrors(t *testing.T) {
	assert := assert.New(t)

	f, err := New(sim.NewRotation(0.1), nil)
	assert.NoError(err)

	err = f.Assimilate(nil, nil, nil)
	assert.Error(err)
	_, _, err = f.EndAnalysis(nil)
	assert.Error(err)

	x := mat.NewVecDense(3, nil)
	p := identity(3)
	assert.NoError(f.BeginAnalysis(x, p, 0))
	assert.Error(f.BeginAnalysis(x, p, 0))

	// a failed Assimilate invalidates the session
	h, _ := obs.NewMatrix(mat.NewDense(2, 3, []float64{1, 0, 0, 0, 1, 0}))
	r, _ := cov.NewDiagonal([]float64{1, 1}, nil)
	assert.Error(f.Assimilate(mat.NewVecDense(1, []float64{0}), h, r))
	_, _, err = f.EndAnalysis(nil)
	assert.Error(err)
}

func TestKFForecastBeforeSmootherBegin(t *testing.T) {
	assert := assert.New(t)

	f, err := New(sim.NewRotation(0.1), &Config{Lag: 5})
	assert.NoError(err)

	x := mat.NewVecDense(3, nil)
	_, err = f.Forecast(x, identity(3), nil, 1)
	assert.Error(err)
}

func TestKFAnalysisUpdate(t *testing.T) {
	assert := assert.New(t)

	f, err := New(sim.NewRotation(0.1), nil)
	assert.NoError(err)

	x := mat.NewVecDense(2, []float64{0, 0})
	p := identity(2)
	h, err := obs.NewMatrix(mat.NewDense(1, 2, []float64{1, 0}))
	assert.NoError(err)
	r, err := cov.NewDiagonal([]float64{0.01}, nil)
	assert.NoError(err)

	assert.NoError(f.BeginAnalysis(x, p, 0))
	assert.NoError(f.Assimilate(mat.NewVecDense(1, []float64{1}), h, r))
	xa, pa, err := f.EndAnalysis(nil)
	assert.NoError(err)

	// a precise observation pulls the state close to it and collapses the
	// variance of the observed component, leaving the other one alone
	assert.InDelta(1.0, xa.AtVec(0), 0.02)
	assert.InDelta(0.0, xa.AtVec(1), 1e-12)
	assert.Less(pa.At(0, 0), 0.02)
	assert.InDelta(1.0, pa.At(1, 1), 1e-12)
	assert.InDelta(pa.At(0, 1), pa.At(1, 0), 1e-12)
}

func TestKFSequentialBatchesMatchJointUpdate(t *testing.T) {
	assert := assert.New(t)

	x0 := []float64{0.3, -0.2}
	p0 := mat.NewDense(2, 2, []float64{1.0, 0.2, 0.2, 0.8})

	h1, err := obs.NewMatrix(mat.NewDense(1, 2, []float64{1, 0}))
	assert.NoError(err)
	h2, err := obs.NewMatrix(mat.NewDense(1, 2, []float64{0, 1}))
	assert.NoError(err)
	r1, err := cov.NewDiagonal([]float64{0.09}, nil)
	assert.NoError(err)
	r2, err := cov.NewDiagonal([]float64{0.16}, nil)
	assert.NoError(err)

	f, err := New(sim.NewRotation(0.1), nil)
	assert.NoError(err)
	xSeq := mat.NewVecDense(2, append([]float64(nil), x0...))
	assert.NoError(f.BeginAnalysis(xSeq, mat.DenseCopyOf(p0), 0))
	assert.NoError(f.Assimilate(mat.NewVecDense(1, []float64{0.9}), h1, r1))
	assert.NoError(f.Assimilate(mat.NewVecDense(1, []float64{-0.5}), h2, r2))
	xaSeq, paSeq, err := f.EndAnalysis(nil)
	assert.NoError(err)

	hj, err := obs.NewMatrix(mat.NewDense(2, 2, []float64{1, 0, 0, 1}))
	assert.NoError(err)
	rj, err := cov.NewDiagonal([]float64{0.09, 0.16}, nil)
	assert.NoError(err)

	xJoint := mat.NewVecDense(2, append([]float64(nil), x0...))
	assert.NoError(f.BeginAnalysis(xJoint, mat.DenseCopyOf(p0), 0))
	assert.NoError(f.Assimilate(mat.NewVecDense(2, []float64{0.9, -0.5}), hj, rj))
	xaJoint, paJoint, err := f.EndAnalysis(nil)
	assert.NoError(err)

	// with independent batches, sequential assimilation is exact
	assert.InDelta(xaJoint.AtVec(0), xaSeq.AtVec(0), 1e-10)
	assert.InDelta(xaJoint.AtVec(1), xaSeq.AtVec(1), 1e-10)
	assert.True(mat.EqualApprox(paJoint, paSeq, 1e-10))
}

func TestESTKFMatchesExactUpdate(t *testing.T) {
	assert := assert.New(t)

	// an ensemble with a known sample mean and covariance
	a := mat.NewDense(3, 5, []float64{
		1.0, 1.5, 0.5, 1.2, 0.8,
		-0.5, 0.0, -1.0, -0.3, -0.7,
		2.0, 2.5, 1.5, 2.2, 1.8,
	})
	n, nens := a.Dims()

	xm := ensemble.Mean(a)
	ax := ensemble.ToAnomaly(a)
	p := mat.NewDense(n, n, nil)
	p.Mul(ax, ax.T())
	p.Scale(1.0/float64(nens-1), p)

	h, err := obs.NewMatrix(mat.NewDense(2, 3, []float64{
		1, 0, 0,
		0, 1, 1,
	}))
	assert.NoError(err)
	r, err := cov.NewDiagonal([]float64{0.09, 0.04}, nil)
	assert.NoError(err)
	z := mat.NewVecDense(2, []float64{1.1, 1.4})

	f, err := New(sim.NewRotation(0.1), nil)
	assert.NoError(err)
	x := mat.NewVecDense(n, nil)
	x.CopyVec(xm)
	assert.NoError(f.BeginAnalysis(x, p, 0))
	assert.NoError(f.Assimilate(z, h, r))
	xa, pa, err := f.EndAnalysis(nil)
	assert.NoError(err)

	ef, err := enkf.NewEnKF(enkf.NewESTKF(false, nil), nil)
	assert.NoError(err)
	assert.NoError(ef.BeginAnalysis(a, 0))
	assert.NoError(ef.Assimilate(z, nil, h, r))
	aa, err := ef.EndAnalysis(nil)
	assert.NoError(err)

	// the deterministic square-root update reproduces the exact posterior
	// mean and covariance of its sample statistics
	ua := ensemble.Mean(aa)
	for i := 0; i < n; i++ {
		assert.InDelta(xa.AtVec(i), ua.AtVec(i), 1e-8)
	}

	axa := ensemble.ToAnomaly(aa)
	pEns := mat.NewDense(n, n, nil)
	pEns.Mul(axa, axa.T())
	pEns.Scale(1.0/float64(nens-1), pEns)
	assert.True(mat.EqualApprox(pa, pEns, 1e-8))
}

func TestKFRotationScenario(t *testing.T) {
	assert := assert.New(t)

	const (
		nsteps = 120
		lag    = 10
	)

	src := rand.NewSource(1234)
	model := sim.NewRotation(math.Pi / 6.0)
	q, err := cov.NewDiagonal([]float64{0.08 * 0.08, 0.01 * 0.01, 0.01 * 0.01}, src)
	assert.NoError(err)
	p0, err := cov.NewDiagonal([]float64{1, 1, 1}, src)
	assert.NoError(err)
	h, err := obs.NewMatrix(mat.NewDense(1, 3, []float64{1, 1, 0}))
	assert.NoError(err)
	r, err := cov.NewDiagonal([]float64{0.16}, src)
	assert.NoError(err)

	truth := mat.NewDense(nsteps, 3, nil)
	y := mat.NewDense(nsteps, 1, nil)
	xt := mat.NewDense(3, 1, []float64{0, 0, 1})
	truth.SetRow(0, []float64{0, 0, 1})
	for tt := 1; tt < nsteps; tt++ {
		model.Propagate(xt, 1)
		qn, _ := q.SampleN(1)
		xt.Add(xt, qn)
		for i := 0; i < 3; i++ {
			truth.Set(tt, i, xt.At(i, 0))
		}
		rn, _ := r.SampleN(1)
		hx := h.Dot(xt)
		y.Set(tt, 0, hx.At(0, 0)+rn.At(0, 0))
	}

	f, err := New(model, &Config{Lag: lag})
	assert.NoError(err)

	est := mat.NewDense(nsteps, 3, nil)
	var times []int
	onResult := func(xs *mat.VecDense, ps *mat.Dense, tt int) {
		times = append(times, tt)
		for i := 0; i < 3; i++ {
			est.Set(tt, i, xs.AtVec(i))
		}
	}

	x := mat.NewVecDense(3, []float64{0, 0, 1})
	p := identity(3)
	assert.NoError(f.SmootherBegin(x, p0, 0))
	for tt := 1; tt < nsteps; tt++ {
		pf, err := f.Forecast(x, p, q, 1)
		assert.NoError(err)
		assert.NoError(f.BeginAnalysis(x, pf, tt))
		assert.NoError(f.Assimilate(mat.NewVecDense(1, []float64{y.At(tt, 0)}), h, r))
		xa, pa, err := f.EndAnalysis(nil)
		assert.NoError(err)

		// assimilation never increases the total variance
		assert.LessOrEqual(trace(pa), trace(pf)+1e-12)
		x, p = xa, pa
	}
	assert.NoError(f.SmootherFinish(onResult))

	// one smoothing result per step, emitted newest first
	assert.Equal(nsteps, len(times))
	for i := 1; i < len(times); i++ {
		assert.Equal(times[i-1]-1, times[i])
	}

	// the smoother tracks the truth well below the observation error and far
	// better than not assimilating at all
	assert.Less(rmse(est, truth, 10), 0.5)

	free := mat.NewDense(nsteps, 3, nil)
	xf := mat.NewDense(3, 1, []float64{0, 0, 1})
	free.SetRow(0, []float64{0, 0, 1})
	for tt := 1; tt < nsteps; tt++ {
		model.Propagate(xf, 1)
		for i := 0; i < 3; i++ {
			free.Set(tt, i, xf.At(i, 0))
		}
	}
	assert.Less(rmse(est, truth, 10), rmse(free, truth, 10))
}

func identity(n int) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}

func trace(p *mat.Dense) float64 {
	n, _ := p.Dims()
	var s float64
	for i := 0; i < n; i++ {
		s += p.At(i, i)
	}
	return s
}

// rmse computes the mean per-step RMSE between the estimate and the truth,
// skipping the first spin steps.
func rmse(est, truth *mat.Dense, spin int) float64 {
	rows, cols := truth.Dims()
	var sum float64
	for t := spin; t < rows; t++ {
		var sq float64
		for i := 0; i < cols; i++ {
			d := est.At(t, i) - truth.At(t, i)
			sq += d * d
		}
		sum += math.Sqrt(sq / float64(cols))
	}
	return sum / float64(rows-spin)
}
