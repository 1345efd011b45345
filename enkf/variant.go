// Package enkf implements the Ensemble Kalman Filter and Smoother.
//
// The EnKF driver handles the common machinery: forecasting, domain-based
// localization of the analysis update and fixed-lag smoothing. The actual
// analysis update is computed by a Variant, which expresses one local or
// global analysis as an N x N transform matrix applied on the right of the
// ensemble. This split keeps alternative update schemes interchangeable and
// keeps global-ensemble-sized products out of the local analysis loop.
package enkf

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/martingu11/endas"
	"github.com/martingu11/endas/ensemble"
	"github.com/martingu11/endas/localize"
)

// Variant computes the analysis update of one Ensemble Kalman Filter step as
// an ensemble transform.
type Variant interface {
	// ProcessGlobalEnsemble computes auxiliary data from the global ensemble
	// before EnsembleTransform is called. For a localized analysis h is the
	// local observation operator, so the products computed here are of
	// observation-space size and the global ensemble itself never has to be
	// passed to the transform. The returned value is handed to
	// EnsembleTransform as aux.
	ProcessGlobalEnsemble(ag *mat.Dense, h endas.ObservationOperator) (any, error)

	// EnsembleTransform computes the transform x5 so that the analysis
	// ensemble is the forecast ensemble multiplied by x5 on the right. The
	// second returned transform is the one the smoother applies to
	// historical ensembles; a nil value means it equals x5. The loc argument
	// carries the domain localization in effect, nil for a global analysis;
	// variants that adjust their update per domain may inspect it.
	EnsembleTransform(a *mat.Dense, z *mat.VecDense, h endas.ObservationOperator, r endas.CovarianceOperator,
		loc *localize.DomainLocalization, aux any, inflation float64) (x5, x5s *mat.Dense, err error)
}

// PerturbedObs is the classic stochastic Ensemble Kalman Filter variant with
// perturbed observations.
type PerturbedObs struct{}

// NewPerturbedObs creates the perturbed-observation EnKF variant.
func NewPerturbedObs() *PerturbedObs { return &PerturbedObs{} }

// perturbedObsAux carries the operator-ensemble products computed from the
// global ensemble.
type perturbedObsAux struct {
	// hax is the observed ensemble anomaly H*A'
	hax *mat.Dense
	// ha is the observed ensemble H*A
	ha *mat.Dense
}

// ProcessGlobalEnsemble computes the observed ensemble and observed ensemble
// anomaly.
func (v *PerturbedObs) ProcessGlobalEnsemble(ag *mat.Dense, h endas.ObservationOperator) (any, error) {
	ax := ensemble.ToAnomaly(ag)
	return &perturbedObsAux{hax: h.Dot(ax), ha: h.Dot(ag)}, nil
}

// EnsembleTransform computes the stochastic EnKF analysis transform
// X5 = I + K'*D, where K solves the ensemble-approximated innovation
// covariance system and D holds the perturbed innovation residuals.
// The smoother transform equals the filter transform.
func (v *PerturbedObs) EnsembleTransform(a *mat.Dense, z *mat.VecDense, h endas.ObservationOperator,
	r endas.CovarianceOperator, loc *localize.DomainLocalization, aux any, inflation float64) (*mat.Dense, *mat.Dense, error) {

	_, nens := a.Dims()
	m, _ := h.Dims()
	if z.Len() != m {
		return nil, nil, fmt.Errorf("observation vector and operator dimensions mismatch: %d != %d", z.Len(), m)
	}
	pa, ok := aux.(*perturbedObsAux)
	if !ok {
		return nil, nil, fmt.Errorf("invalid auxiliary data: %T", aux)
	}

	rm, err := r.Matrix(false)
	if err != nil {
		return nil, nil, err
	}

	// Innovation covariance H*P*H' + (N-1)*R from the ensemble approximation.
	hphtr := &mat.Dense{}
	hphtr.Mul(pa.hax, pa.hax.T())
	scaledR := &mat.Dense{}
	scaledR.Scale(float64(nens-1), rm)
	hphtr.Add(hphtr, scaledR)

	// Gain-like term K' solving (H*P*H' + (N-1)*R) K' = H*A'.
	kt := &mat.Dense{}
	if err := kt.Solve(hphtr, pa.hax); err != nil {
		return nil, nil, fmt.Errorf("innovation covariance solve failed: %v", err)
	}

	// Perturbed innovation residuals: centered draws from R plus z, minus
	// each member's predicted observation.
	d, err := r.SampleN(nens)
	if err != nil {
		return nil, nil, err
	}
	ensemble.Center(d)
	for j := 0; j < nens; j++ {
		for i := 0; i < m; i++ {
			d.Set(i, j, d.At(i, j)+z.AtVec(i)-pa.ha.At(i, j))
		}
	}

	x5 := &mat.Dense{}
	x5.Mul(kt.T(), d)
	for i := 0; i < nens; i++ {
		x5.Set(i, i, x5.At(i, i)+1.0)
	}

	return x5, nil, nil
}
