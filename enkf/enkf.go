package enkf

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/martingu11/endas"
	"github.com/martingu11/endas/cache"
	"github.com/martingu11/endas/ensemble"
	"github.com/martingu11/endas/localize"
)

// OnResultFunc receives one filter or smoother result: the ensemble mean,
// the full analysis ensemble and the time step it belongs to. The arrays are
// only valid for the duration of the call.
type OnResultFunc func(mean *mat.VecDense, a *mat.Dense, t int)

// Config contains the EnKF driver configuration.
type Config struct {
	// Inflation is the covariance inflation factor applied to the forecast
	// ensemble, as a number greater or equal to 1. Zero means no inflation.
	Inflation float64
	// Lag is the fixed lag of the smoother as a number of time steps. Zero
	// lag disables smoothing and only the filtering solution is produced.
	Lag int
	// ForgettingFactor dampens the retroactive smoother updates, as a number
	// in (0, 1]. Zero means no dampening.
	ForgettingFactor float64
	// Cache stores the historical ensembles of the smoother. When nil an
	// in-memory cache is used.
	Cache cache.ArrayCache
	// Localization localizes the analysis update by domains. When nil the
	// analysis is global.
	Localization *localize.DomainLocalization
}

// EnKF is the Ensemble Kalman Filter and Smoother driver.
//
// The driver covers the machinery shared by all variants: forecasting,
// fixed-lag smoothing and the partitioning of the analysis into local
// domains. The analysis update itself is delegated to the Variant.
//
// At each time step the analysis update is initiated by BeginAnalysis,
// followed by one or more Assimilate calls and concluded by EndAnalysis.
// When the lag is not zero, SmootherBegin must be called once before the
// first step and SmootherFinish once after the last, to emit the smoothing
// results still held within the lag window. EnKF is not safe for concurrent
// use.
type EnKF struct {
	variant    Variant
	inflation  float64
	lag        int
	forgetting float64
	cache      cache.ArrayCache

	loc     *localize.DomainLocalization
	ndom    int
	offsets [][2]int
	locSum  int

	// analysis session state
	inAnalysis bool
	n, nens    int
	t          int
	af         *mat.Dense
	aa         *mat.Dense
	x5         *mat.Dense
	x5d        []*mat.Dense

	ledger []ledgerEntry
}

// ledgerEntry tracks one cached historical ensemble within the lag window.
type ledgerEntry struct {
	handle cache.Handle
	t      int
}

// NewEnKF creates an Ensemble Kalman Filter driver for the given analysis
// variant. It returns error if the variant is nil or the configuration is
// invalid.
func NewEnKF(variant Variant, c *Config) (*EnKF, error) {
	if variant == nil {
		return nil, fmt.Errorf("invalid analysis variant: %v", variant)
	}
	if c == nil {
		c = &Config{}
	}
	inflation := c.Inflation
	if inflation == 0 {
		inflation = 1.0
	}
	if inflation < 1.0 {
		return nil, fmt.Errorf("invalid covariance inflation factor: %v", inflation)
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

	f := &EnKF{
		variant:    variant,
		inflation:  inflation,
		lag:        c.Lag,
		forgetting: forgetting,
		cache:      ac,
	}
	if err := f.Localize(c.Localization); err != nil {
		return nil, err
	}
	return f, nil
}

// Localize applies domain localization to the analysis update, replacing any
// previously configured localization. A nil value makes the analysis global.
// Localize must not be called between SmootherBegin and SmootherFinish.
func (f *EnKF) Localize(dl *localize.DomainLocalization) error {
	if f.inAnalysis || len(f.ledger) > 0 {
		return fmt.Errorf("cannot localize with an assimilation in progress")
	}

	f.loc = dl
	f.ndom = 0
	f.offsets = nil
	f.locSum = 0
	if dl == nil {
		return nil
	}

	// Local state vectors of all domains are packed into one array; their
	// sizes may sum to more than the global state size when domains overlap
	// through padding.
	part := dl.Partitioning()
	f.ndom = part.NumDomains()
	f.offsets = make([][2]int, f.ndom)
	for di := 0; di < f.ndom; di++ {
		sz := part.LocalSize(di)
		if sz <= 0 {
			return fmt.Errorf("invalid local state size of domain %d: %d", di, sz)
		}
		f.offsets[di] = [2]int{f.locSum, sz}
		f.locSum += sz
	}
	return nil
}

// Forecast moves the ensemble forward in time through the model and perturbs
// the members with the model error covariance q, which may be nil. The
// ensemble is updated in place.
func (f *EnKF) Forecast(model endas.Model, a *mat.Dense, q endas.CovarianceOperator, dt float64) error {
	n, nens := a.Dims()
	if q != nil {
		qr, qc := q.Dims()
		if qr != n || qc != n {
			return fmt.Errorf("model error covariance and state dimensions mismatch: %dx%d != %dx%d", qr, qc, n, n)
		}
	}

	if _, err := model.Propagate(a, dt); err != nil {
		return err
	}

	if q != nil {
		qx, err := q.SampleN(nens)
		if err != nil {
			return err
		}
		ensemble.Center(qx)
		a.Add(a, qx)
	}
	return nil
}

// SmootherBegin initializes the smoother with the initial ensemble a0 at
// time step t0. It does nothing when the lag is zero.
func (f *EnKF) SmootherBegin(a0 *mat.Dense, t0 int) error {
	if f.lag == 0 {
		return nil
	}
	if f.inAnalysis {
		return fmt.Errorf("cannot begin smoothing with an analysis in progress")
	}

	f.ledger = nil
	if err := f.cache.Clear(); err != nil {
		return err
	}

	stored := a0
	if f.ndom > 0 {
		stored = f.partitionState(a0)
	}
	h, err := f.cache.Put(stored)
	if err != nil {
		return err
	}
	f.ledger = append(f.ledger, ledgerEntry{handle: h, t: t0})
	return nil
}

// BeginAnalysis initiates the analysis update of the forecast ensemble a at
// time step t. The driver takes ownership of a until EndAnalysis returns.
func (f *EnKF) BeginAnalysis(a *mat.Dense, t int) error {
	if f.inAnalysis {
		return fmt.Errorf("analysis already in progress")
	}
	n, nens := a.Dims()

	f.inAnalysis = true
	f.n = n
	f.nens = nens
	f.t = t
	f.af = a
	f.x5 = nil
	f.x5d = nil

	if f.inflation != 1.0 {
		ensemble.Inflate(f.af, f.inflation)
	}

	if f.ndom == 0 {
		f.aa = f.af
	} else {
		f.aa = f.partitionState(f.af)
	}
	return nil
}

// Assimilate assimilates one batch of observations into the current analysis
// update. The coords parameter locates the observations for the partitioning
// scheme and is ignored when the analysis is global. A nil or empty z is
// allowed and assimilates nothing.
//
// If Assimilate fails, the analysis session is invalidated and BeginAnalysis
// must be called again.
func (f *EnKF) Assimilate(z *mat.VecDense, coords localize.Coords, h endas.ObservationOperator, r endas.CovarianceOperator) error {
	if !f.inAnalysis {
		return fmt.Errorf("no analysis in progress")
	}
	if err := f.assimilate(z, coords, h, r); err != nil {
		f.endSession()
		return err
	}
	return nil
}

func (f *EnKF) assimilate(z *mat.VecDense, coords localize.Coords, h endas.ObservationOperator, r endas.CovarianceOperator) error {
	m := 0
	if z != nil {
		m = z.Len()
	}

	// Global analysis
	if f.ndom == 0 {
		if m == 0 {
			return nil
		}
		aux, err := f.variant.ProcessGlobalEnsemble(f.af, h)
		if err != nil {
			return err
		}
		x5, x5s, err := f.variant.EnsembleTransform(f.af, z, h, r, nil, aux, f.inflation)
		if err != nil {
			return err
		}
		if x5s == nil {
			x5s = x5
		}

		an := &mat.Dense{}
		an.Mul(f.af, x5)
		f.af.Copy(an)

		if f.x5 == nil {
			f.x5 = x5s
		} else {
			acc := &mat.Dense{}
			acc.Mul(f.x5, x5s)
			f.x5 = acc
		}
		f.aa = f.af
		return nil
	}

	// Localized analysis
	part := f.loc.Partitioning()
	taper := f.loc.TaperFn()
	if f.x5d == nil {
		f.x5d = make([]*mat.Dense, f.ndom)
	}

	if m > 0 {
		for di := 0; di < f.ndom; di++ {
			indices, dist, err := part.LocalObservations(di, coords, taper)
			if err != nil {
				return err
			}
			if len(indices) == 0 {
				continue
			}

			start, sz := f.offsets[di][0], f.offsets[di][1]
			la := f.aa.Slice(start, start+sz, 0, f.nens).(*mat.Dense)

			lh, err := f.loc.LocalH(h, indices)
			if err != nil {
				return err
			}
			lr, err := f.loc.LocalR(r, indices, dist)
			if err != nil {
				return err
			}
			lz := mat.NewVecDense(len(indices), nil)
			for i, idx := range indices {
				lz.SetVec(i, z.AtVec(idx))
			}

			aux, err := f.variant.ProcessGlobalEnsemble(f.af, lh)
			if err != nil {
				return err
			}
			lx5, lx5s, err := f.variant.EnsembleTransform(la, lz, lh, lr, f.loc, aux, f.inflation)
			if err != nil {
				return err
			}
			if lx5s == nil {
				lx5s = lx5
			}

			an := &mat.Dense{}
			an.Mul(la, lx5)
			la.Copy(an)

			if f.x5d[di] == nil {
				f.x5d[di] = lx5s
			} else {
				acc := &mat.Dense{}
				acc.Mul(f.x5d[di], lx5s)
				f.x5d[di] = acc
			}
		}
	}

	// Reconstruct the global ensemble; it is needed either by the next
	// Assimilate call or by EndAnalysis.
	for di := 0; di < f.ndom; di++ {
		start, sz := f.offsets[di][0], f.offsets[di][1]
		la := f.aa.Slice(start, start+sz, 0, f.nens).(*mat.Dense)
		part.PutLocalState(di, la, f.af)
	}
	return nil
}

// EndAnalysis concludes the analysis update of the current time step. The
// historical ensembles within the lag window are updated with the accumulated
// analysis transform and the smoothing result that falls out of the window is
// handed to onResult, which may be nil. The returned ensemble is the
// filtering solution at the current time step.
func (f *EnKF) EndAnalysis(onResult OnResultFunc) (*mat.Dense, error) {
	if !f.inAnalysis {
		return nil, fmt.Errorf("no analysis in progress")
	}

	k := len(f.ledger)
	for j := k - 1; j >= k-f.lag && j >= 0; j-- {
		entry := f.ledger[j]
		isResult := j == k-f.lag

		aj, exclusive, err := f.fetchForUpdate(entry.handle)
		if err != nil {
			f.endSession()
			return nil, err
		}

		f.updateHistorical(aj)

		var as *mat.Dense
		if isResult {
			if f.ndom == 0 {
				as = aj
			} else {
				as = mat.NewDense(f.n, f.nens, nil)
				f.scatter(aj, as)
			}
		}

		if exclusive {
			f.cache.Release(entry.handle)
		}

		if isResult {
			if onResult != nil {
				onResult(ensemble.Mean(as), as, entry.t)
			}
			if err := f.cache.Remove(entry.handle); err != nil {
				f.endSession()
				return nil, err
			}
			// The emitted entry is the last one visited; everything older
			// has been emitted by previous steps.
			f.ledger = f.ledger[j+1:]
			break
		} else if !exclusive {
			// The mutated copy has to replace the cached array.
			if err := f.cache.Remove(entry.handle); err != nil {
				f.endSession()
				return nil, err
			}
			nh, err := f.cache.Put(aj)
			if err != nil {
				f.endSession()
				return nil, err
			}
			f.ledger[j].handle = nh
		}
	}

	if f.lag == 0 {
		if onResult != nil {
			onResult(ensemble.Mean(f.af), f.af, f.t)
		}
	} else {
		h, err := f.cache.Put(f.aa)
		if err != nil {
			f.endSession()
			return nil, err
		}
		f.ledger = append(f.ledger, ledgerEntry{handle: h, t: f.t})
	}

	af := f.af
	f.endSession()
	return af, nil
}

// SmootherFinish emits the smoothing results still held within the lag
// window, newest first, and releases the cached ensembles. It must be called
// once after the last analysis step when the lag is not zero.
func (f *EnKF) SmootherFinish(onResult OnResultFunc) error {
	if f.inAnalysis {
		return fmt.Errorf("cannot finish smoothing with an analysis in progress")
	}

	for j := len(f.ledger) - 1; j >= 0; j-- {
		entry := f.ledger[j]
		aj, err := f.cache.Get(entry.handle, false)
		if err != nil {
			return err
		}

		as := aj
		if f.ndom > 0 {
			as = mat.NewDense(f.n, f.nens, nil)
			f.scatter(aj, as)
		}
		if onResult != nil {
			onResult(ensemble.Mean(as), as, entry.t)
		}
		if err := f.cache.Remove(entry.handle); err != nil {
			return err
		}
	}
	f.ledger = nil
	return nil
}

// fetchForUpdate retrieves a cached ensemble for in-place mutation, falling
// back to a mutable copy when the cache does not support exclusive access.
func (f *EnKF) fetchForUpdate(h cache.Handle) (*mat.Dense, bool, error) {
	aj, err := f.cache.GetExclusive(h)
	if err == nil {
		return aj, true, nil
	}
	if !errors.Is(err, endas.ErrNotSupported) {
		return nil, false, err
	}
	aj, err = f.cache.Get(h, true)
	if err != nil {
		return nil, false, err
	}
	return aj, false, nil
}

// updateHistorical applies the accumulated analysis transform of the current
// step to one historical ensemble, in place. The forgetting factor dampens
// the transform towards identity and the dampening compounds over the steps
// of the lag window.
func (f *EnKF) updateHistorical(aj *mat.Dense) {
	if f.ndom == 0 {
		if f.x5 == nil {
			return
		}
		deflate(f.x5, f.forgetting)
		an := &mat.Dense{}
		an.Mul(aj, f.x5)
		aj.Copy(an)
		return
	}

	for di := 0; di < f.ndom; di++ {
		if f.x5d == nil || f.x5d[di] == nil {
			continue
		}
		deflate(f.x5d[di], f.forgetting)
		start, sz := f.offsets[di][0], f.offsets[di][1]
		la := aj.Slice(start, start+sz, 0, f.nens).(*mat.Dense)
		an := &mat.Dense{}
		an.Mul(la, f.x5d[di])
		la.Copy(an)
	}
}

// scatter reconstructs a global ensemble from the packed local state vectors.
func (f *EnKF) scatter(packed, global *mat.Dense) {
	part := f.loc.Partitioning()
	for di := 0; di < f.ndom; di++ {
		start, sz := f.offsets[di][0], f.offsets[di][1]
		la := packed.Slice(start, start+sz, 0, f.nens).(*mat.Dense)
		part.PutLocalState(di, la, global)
	}
}

// partitionState packs the local state vectors of all domains into a single
// array with the precomputed per-domain offsets.
func (f *EnKF) partitionState(a *mat.Dense) *mat.Dense {
	_, nens := a.Dims()
	part := f.loc.Partitioning()
	out := mat.NewDense(f.locSum, nens, nil)
	for di := 0; di < f.ndom; di++ {
		start, sz := f.offsets[di][0], f.offsets[di][1]
		la := part.LocalState(di, a)
		out.Slice(start, start+sz, 0, nens).(*mat.Dense).Copy(la)
	}
	return out
}

func (f *EnKF) endSession() {
	f.inAnalysis = false
	f.af = nil
	f.aa = nil
	f.x5 = nil
	f.x5d = nil
}

// deflate dampens a transform towards identity in place: I + c*(x5 - I).
func deflate(x5 *mat.Dense, c float64) {
	if c == 1.0 {
		return
	}
	rows, cols := x5.Dims()
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			v := x5.At(i, j) * c
			if i == j {
				v += 1.0 - c
			}
			x5.Set(i, j, v)
		}
	}
}
