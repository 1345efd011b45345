// Package kf implements the exact Kalman Filter and Smoother.
//
// The filter maintains the full state error covariance matrix and is
// therefore only practical for small and moderate state sizes. For large
// systems use the ensemble approximations in the enkf package instead.
package kf

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/martingu11/endas"
	"github.com/martingu11/endas/cache"
)

// OnResultFunc receives one filter or smoother result: the state estimate,
// its error covariance and the time step it belongs to. The arrays are only
// valid for the duration of the call.
type OnResultFunc func(x *mat.VecDense, p *mat.Dense, t int)

// Config contains the Kalman Filter driver configuration.
type Config struct {
	// Lag is the fixed lag of the smoother as a number of time steps. Zero
	// lag disables smoothing and only the filtering solution is produced.
	Lag int
	// ForgettingFactor dampens the retroactive smoother updates, as a number
	// in (0, 1]. Zero means no dampening.
	ForgettingFactor float64
	// Cache stores the historical states and covariances of the smoother.
	// When nil an in-memory cache is used.
	Cache cache.ArrayCache
}

// KF is the exact Kalman Filter and Smoother driver.
//
// At each time step the analysis update is initiated by BeginAnalysis,
// followed by one or more Assimilate calls and concluded by EndAnalysis.
// When the lag is not zero, SmootherBegin must be called once before the
// first step and SmootherFinish once after the last; the smoothing solution
// is computed by a backward pass over the cached filter steps and emitted
// from SmootherFinish. KF is not safe for concurrent use.
type KF struct {
	model      endas.LinearizedModel
	lag        int
	forgetting float64
	cache      cache.ArrayCache

	ledger []step

	// analysis session state
	inAnalysis bool
	t          int
	xf         *mat.VecDense
	pf         *mat.Dense
	xa         *mat.VecDense
	pa         *mat.Dense
	xfHandle   cache.Handle
	pfHandle   cache.Handle
}

// step holds the cached arrays of one filter step needed by the smoother
// backward pass, along with the model trajectory of the forecast that left
// this step.
type step struct {
	xf, pf cache.Handle
	xa, pa cache.Handle
	trj    endas.Trajectory
	t      int
}

// New creates a Kalman Filter driver for the given linearized model. It
// returns error if the model is nil or the configuration is invalid.
func New(model endas.LinearizedModel, c *Config) (*KF, error) {
	if model == nil {
		return nil, fmt.Errorf("invalid model: %v", model)
	}
	if c == nil {
		c = &Config{}
	}
	forgetting := c.ForgettingFactor
	if forgetting == 0 {
		forgetting = 1.0
	}
	if forgetting <= 0 || forgetting > 1.0 {
		return nil, fmt.Errorf("invalid forgetting factor: %v", forgetting)
	}
	if c.Lag < 0 {
		return nil, fmt.Errorf("invalid smoother lag: %d", c.Lag)
	}
	ac := c.Cache
	if ac == nil {
		ac = cache.NewMemory()
	}

	return &KF{
		model:      model,
		lag:        c.Lag,
		forgetting: forgetting,
		cache:      ac,
	}, nil
}

// SmootherBegin initializes the smoother with the initial state estimate x0
// and its error covariance p0 at time step t0. It does nothing when the lag
// is zero.
func (k *KF) SmootherBegin(x0 *mat.VecDense, p0 endas.CovarianceOperator, t0 int) error {
	if k.lag == 0 {
		return nil
	}
	if k.inAnalysis {
		return fmt.Errorf("cannot begin smoothing with an analysis in progress")
	}

	k.ledger = nil
	if err := k.cache.Clear(); err != nil {
		return err
	}

	p0m, err := p0.Matrix(true)
	if err != nil {
		return err
	}
	xh, err := k.cache.Put(vecAsDense(x0))
	if err != nil {
		return err
	}
	ph, err := k.cache.Put(mat.DenseCopyOf(p0m))
	if err != nil {
		return err
	}
	k.ledger = append(k.ledger, step{xa: xh, pa: ph, t: t0})
	return nil
}

// Forecast moves the state estimate and its error covariance forward in
// time. The state is updated in place and the forecast covariance
// Mtl*p*Madj + q is returned; q may be nil for a perfect model. The model
// trajectory is retained for the smoother backward pass.
func (k *KF) Forecast(x *mat.VecDense, p *mat.Dense, q endas.CovarianceOperator, dt float64) (*mat.Dense, error) {
	n := x.Len()
	pr, pc := p.Dims()
	if pr != n || pc != n {
		return nil, fmt.Errorf("state and covariance dimensions mismatch: %dx%d != %dx%d", pr, pc, n, n)
	}
	if k.lag > 0 && len(k.ledger) == 0 {
		return nil, fmt.Errorf("forecast called before smoother initialization")
	}

	xd := vecAsDense(x)
	trj, err := k.model.Propagate(xd, dt)
	if err != nil {
		return nil, err
	}
	x.CopyVec(xd.ColView(0))

	mp, err := k.model.Dot(trj, p)
	if err != nil {
		return nil, err
	}
	pf, err := k.model.AdjDot(trj, mp)
	if err != nil {
		return nil, err
	}
	if q != nil {
		if err := q.AddTo(pf); err != nil {
			return nil, err
		}
	}

	if k.lag > 0 {
		k.ledger[len(k.ledger)-1].trj = trj
	}
	return pf, nil
}

// BeginAnalysis initiates the analysis update of the forecast state x and
// its error covariance p at time step t.
func (k *KF) BeginAnalysis(x *mat.VecDense, p *mat.Dense, t int) error {
	if k.inAnalysis {
		return fmt.Errorf("analysis already in progress")
	}

	k.inAnalysis = true
	k.t = t
	k.xf = x
	k.pf = p
	k.xa = x
	k.pa = p

	if k.lag > 0 {
		xh, err := k.cache.Put(vecAsDense(x))
		if err != nil {
			k.endSession()
			return err
		}
		ph, err := k.cache.Put(p)
		if err != nil {
			k.endSession()
			return err
		}
		k.xfHandle = xh
		k.pfHandle = ph
	}
	return nil
}

// Assimilate assimilates one batch of observations into the current analysis
// update. Batches assimilated within one step are applied sequentially, each
// updating the prior produced by the previous one. A nil or empty z is
// allowed and assimilates nothing.
//
// If Assimilate fails, the analysis session is invalidated and BeginAnalysis
// must be called again.
func (k *KF) Assimilate(z *mat.VecDense, h endas.ObservationOperator, r endas.CovarianceOperator) error {
	if !k.inAnalysis {
		return fmt.Errorf("no analysis in progress")
	}
	if z == nil || z.Len() == 0 {
		return nil
	}
	if err := k.assimilate(z, h, r); err != nil {
		k.endSession()
		return err
	}
	return nil
}

func (k *KF) assimilate(z *mat.VecDense, h endas.ObservationOperator, r endas.CovarianceOperator) error {
	m, _ := h.Dims()
	if z.Len() != m {
		return fmt.Errorf("observation vector and operator dimensions mismatch: %d != %d", z.Len(), m)
	}

	hmat, err := h.Matrix(true)
	if err != nil {
		return err
	}
	hm := mat.DenseCopyOf(hmat)

	// Innovation covariance F = H*P*H' + R.
	hp := &mat.Dense{}
	hp.Mul(hm, k.pa)
	f := &mat.Dense{}
	f.Mul(hp, hm.T())
	if err := r.AddTo(f); err != nil {
		return err
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(symmetrize(f)); !ok {
		return fmt.Errorf("innovation covariance is not positive definite")
	}

	// State update x + P*H'*F^-1*(z - H*x).
	hx := &mat.VecDense{}
	hx.MulVec(hm, k.xa)
	dz := &mat.VecDense{}
	dz.SubVec(z, hx)
	w := &mat.VecDense{}
	if err := chol.SolveVecTo(w, dz); err != nil {
		return err
	}
	pht := &mat.Dense{}
	pht.Mul(k.pa, hm.T())
	xa := &mat.VecDense{}
	xa.MulVec(pht, w)
	xa.AddVec(k.xa, xa)

	// Covariance update P - P*H'*F^-1*H*P.
	s := &mat.Dense{}
	if err := chol.SolveTo(s, hp); err != nil {
		return err
	}
	corr := &mat.Dense{}
	corr.Mul(pht, s)
	pa := &mat.Dense{}
	pa.Sub(k.pa, corr)

	k.xa = xa
	k.pa = pa
	return nil
}

// EndAnalysis concludes the analysis update of the current time step and
// returns the filtering solution: the analysis state estimate and its error
// covariance. With zero lag the result is also handed to onResult, which may
// be nil; with a nonzero lag the results are deferred to SmootherFinish.
func (k *KF) EndAnalysis(onResult OnResultFunc) (*mat.VecDense, *mat.Dense, error) {
	if !k.inAnalysis {
		return nil, nil, fmt.Errorf("no analysis in progress")
	}

	xa, pa := k.xa, k.pa

	if k.lag == 0 {
		if onResult != nil {
			onResult(xa, pa, k.t)
		}
	} else {
		xh, err := k.cache.Put(vecAsDense(xa))
		if err != nil {
			k.endSession()
			return nil, nil, err
		}
		ph, err := k.cache.Put(pa)
		if err != nil {
			k.endSession()
			return nil, nil, err
		}
		k.ledger = append(k.ledger, step{
			xf: k.xfHandle, pf: k.pfHandle,
			xa: xh, pa: ph,
			t: k.t,
		})
	}

	k.endSession()
	return xa, pa, nil
}

// SmootherFinish computes the smoothing solution by a backward recursion
// over the cached filter steps and hands each result to onResult, newest
// first. The cached arrays are released as the recursion consumes them. It
// does nothing when the lag is zero.
func (k *KF) SmootherFinish(onResult OnResultFunc) error {
	if k.lag == 0 {
		return nil
	}
	if k.inAnalysis {
		return fmt.Errorf("cannot finish smoothing with an analysis in progress")
	}
	if len(k.ledger) == 0 {
		return nil
	}

	last := k.ledger[len(k.ledger)-1]
	xs, ps, err := k.takePair(last.xa, last.pa)
	if err != nil {
		return err
	}
	if onResult != nil {
		onResult(xs, ps, last.t)
	}

	for j := len(k.ledger) - 2; j >= 0; j-- {
		next := k.ledger[j+1]
		cur := k.ledger[j]

		xf, pf, err := k.takePair(next.xf, next.pf)
		if err != nil {
			return err
		}
		xa, pa, err := k.takePair(cur.xa, cur.pa)
		if err != nil {
			return err
		}

		// Smoother gain J = (Pf^-1 * Mtl*Pa)' dampened by the forgetting
		// factor.
		mpa, err := k.model.Dot(cur.trj, pa)
		if err != nil {
			return err
		}
		var chol mat.Cholesky
		if ok := chol.Factorize(symmetrize(pf)); !ok {
			return fmt.Errorf("forecast covariance is not positive definite")
		}
		sol := &mat.Dense{}
		if err := chol.SolveTo(sol, mpa); err != nil {
			return err
		}
		j5 := &mat.Dense{}
		j5.CloneFrom(sol.T())
		j5.Scale(k.forgetting, j5)

		// xs = xa + J*(xs - xf), Ps = Pa + J*(Ps - Pf)*J'.
		dx := &mat.VecDense{}
		dx.SubVec(xs, xf)
		xsNew := &mat.VecDense{}
		xsNew.MulVec(j5, dx)
		xsNew.AddVec(xa, xsNew)

		dp := &mat.Dense{}
		dp.Sub(ps, pf)
		jp := &mat.Dense{}
		jp.Mul(j5, dp)
		psNew := &mat.Dense{}
		psNew.Mul(jp, j5.T())
		psNew.Add(pa, psNew)

		xs, ps = xsNew, psNew
		if onResult != nil {
			onResult(xs, ps, cur.t)
		}
	}

	k.ledger = nil
	return k.cache.Clear()
}

// takePair retrieves a cached state and covariance pair and removes it from
// the cache.
func (k *KF) takePair(xh, ph cache.Handle) (*mat.VecDense, *mat.Dense, error) {
	xd, err := k.cache.Get(xh, true)
	if err != nil {
		return nil, nil, err
	}
	p, err := k.cache.Get(ph, true)
	if err != nil {
		return nil, nil, err
	}
	if err := k.cache.Remove(xh); err != nil {
		return nil, nil, err
	}
	if err := k.cache.Remove(ph); err != nil {
		return nil, nil, err
	}
	n, _ := xd.Dims()
	x := mat.NewVecDense(n, nil)
	x.CopyVec(xd.ColView(0))
	return x, p, nil
}

func (k *KF) endSession() {
	k.inAnalysis = false
	k.xf = nil
	k.pf = nil
	k.xa = nil
	k.pa = nil
	k.xfHandle = 0
	k.pfHandle = 0
}

// vecAsDense returns a single-column copy of x.
func vecAsDense(x *mat.VecDense) *mat.Dense {
	n := x.Len()
	d := mat.NewDense(n, 1, nil)
	d.ColView(0).(*mat.VecDense).CopyVec(x)
	return d
}

// symmetrize returns the symmetric part of a, (a + a')/2. The analysis
// update keeps its matrices symmetric up to rounding; folding the rounding
// error out lets the Cholesky factorization be used for the solves.
func symmetrize(a *mat.Dense) *mat.SymDense {
	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return s
}
