package enkf

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/martingu11/endas"
	"github.com/martingu11/endas/ensemble"
	"github.com/martingu11/endas/localize"
)

// ESTKF is the Error Subspace Transform Kalman Filter variant.
//
// ESTKF is a deterministic (non-stochastic) square-root variant: the
// ensemble is projected into an (N-1)-dimensional mean-preserving error
// subspace in which the analysis is computed, so no observation
// perturbations are drawn. An optional random mean-preserving rotation of
// the analysis perturbations can be applied.
type ESTKF struct {
	// rotation enables the random mean-preserving rotation
	rotation bool
	rng      *rand.Rand
}

// NewESTKF creates the ESTKF variant. The source seeds the random rotation
// and is only used when rotation is enabled; a nil source is replaced by a
// time-seeded one.
func NewESTKF(rotation bool, src rand.Source) *ESTKF {
	if src == nil {
		src = rand.NewSource(uint64(time.Now().UnixNano()))
	}
	return &ESTKF{rotation: rotation, rng: rand.New(src)}
}

// estkfAux carries the operator-ensemble products computed from the global
// ensemble.
type estkfAux struct {
	// hx is the observed ensemble mean H*x
	hx *mat.Dense
	// ha is the observed ensemble H*A
	ha *mat.Dense
}

// ProcessGlobalEnsemble computes the observed ensemble and observed
// ensemble mean.
func (v *ESTKF) ProcessGlobalEnsemble(ag *mat.Dense, h endas.ObservationOperator) (any, error) {
	xg := ensemble.Mean(ag)
	return &estkfAux{hx: h.Dot(xg), ha: h.Dot(ag)}, nil
}

// projection returns the fixed N x (N-1) mean-preserving projection matrix
// onto the error subspace.
func projection(nens int) *mat.Dense {
	a := (1.0 / float64(nens)) * (1.0 / (1.0/math.Sqrt(float64(nens)) + 1.0))
	t := mat.NewDense(nens, nens-1, nil)
	for i := 0; i < nens; i++ {
		for j := 0; j < nens-1; j++ {
			t.Set(i, j, -a)
		}
	}
	for j := 0; j < nens-1; j++ {
		t.Set(j, j, 1.0-a)
	}
	for j := 0; j < nens-1; j++ {
		t.Set(nens-1, j, -1.0/math.Sqrt(float64(nens)))
	}
	return t
}

// EnsembleTransform computes the ESTKF analysis transform. The smoother
// transform scales the projection by the inflation-derived factor rho so
// that retroactive updates do not re-apply the filter-step spread widening.
func (v *ESTKF) EnsembleTransform(a *mat.Dense, z *mat.VecDense, h endas.ObservationOperator,
	r endas.CovarianceOperator, loc *localize.DomainLocalization, aux any, inflation float64) (*mat.Dense, *mat.Dense, error) {

	_, nens := a.Dims()
	m, _ := h.Dims()
	if z.Len() != m {
		return nil, nil, fmt.Errorf("observation vector and operator dimensions mismatch: %d != %d", z.Len(), m)
	}
	ea, ok := aux.(*estkfAux)
	if !ok {
		return nil, nil, fmt.Errorf("invalid auxiliary data: %T", aux)
	}

	rho := 1.0 - (inflation - 1.0)

	t := projection(nens)

	// HL is the observed ensemble projected onto the error subspace.
	hl := &mat.Dense{}
	hl.Mul(ea.ha, t)

	rinvHL, err := r.Solve(hl)
	if err != nil {
		return nil, nil, err
	}

	// Symmetric (N-1) x (N-1) system matrix HL'*R^-1*HL + rho*(N-1)*I.
	ainv := &mat.Dense{}
	ainv.Mul(hl.T(), rinvHL)
	for i := 0; i < nens-1; i++ {
		ainv.Set(i, i, ainv.At(i, i)+rho*float64(nens-1))
	}

	// Mean shift in the error subspace.
	dz := mat.NewDense(m, 1, nil)
	for i := 0; i < m; i++ {
		dz.Set(i, 0, z.AtVec(i)-ea.hx.At(i, 0))
	}
	rinvDz, err := r.Solve(dz)
	if err != nil {
		return nil, nil, err
	}
	wrhs := &mat.Dense{}
	wrhs.Mul(hl.T(), rinvDz)
	w := &mat.Dense{}
	if err := w.Solve(ainv, wrhs); err != nil {
		return nil, nil, fmt.Errorf("error subspace solve failed: %v", err)
	}

	// Inverse square root of the system matrix via SVD.
	var svd mat.SVD
	if ok := svd.Factorize(ainv, mat.SVDFull); !ok {
		return nil, nil, fmt.Errorf("SVD factorization failed")
	}
	u := &mat.Dense{}
	svd.UTo(u)
	vals := svd.Values(nil)
	for i := range vals {
		vals[i] = 1.0 / math.Sqrt(vals[i])
	}
	c := &mat.Dense{}
	c.Mul(u, mat.NewDiagDense(len(vals), vals))
	c.Mul(c, u.T())

	// Ensemble perturbation matrix W = sqrt(N-1) * C * T'.
	wmat := &mat.Dense{}
	wmat.Mul(c, t.T())
	wmat.Scale(math.Sqrt(float64(nens-1)), wmat)

	if v.rotation {
		q, err := v.randomRotation(nens)
		if err != nil {
			return nil, nil, err
		}
		wmat.Mul(wmat, q)
	}

	// dW adds the mean shift to every perturbation column.
	dw := &mat.Dense{}
	dw.CloneFrom(wmat)
	rows, cols := dw.Dims()
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			dw.Set(i, j, dw.At(i, j)+w.At(i, 0))
		}
	}

	x5 := assembleTransform(t, dw, 1.0, nens)
	x5s := assembleTransform(t, dw, rho, nens)

	return x5, x5s, nil
}

// assembleTransform maps the subspace transform back to ensemble space:
// scale*T*dW + 1/N on every element.
func assembleTransform(t, dw *mat.Dense, scale float64, nens int) *mat.Dense {
	ts := &mat.Dense{}
	ts.Scale(scale, t)
	g := &mat.Dense{}
	g.Mul(ts, dw)
	for j := 0; j < nens; j++ {
		for i := 0; i < nens; i++ {
			g.Set(i, j, g.At(i, j)+1.0/float64(nens))
		}
	}
	return g
}

// randomRotation draws a random mean-preserving orthogonal rotation via the
// QR decomposition of a standard normal matrix. The Q factor's sign is
// normalized with the R diagonal to avoid bias.
func (v *ESTKF) randomRotation(nens int) (*mat.Dense, error) {
	y := mat.NewDense(nens, nens, nil)
	for i := 0; i < nens; i++ {
		for j := 0; j < nens; j++ {
			y.Set(i, j, v.rng.NormFloat64())
		}
	}

	var qr mat.QR
	qr.Factorize(y)
	q := &mat.Dense{}
	qr.QTo(q)
	rr := &mat.Dense{}
	qr.RTo(rr)

	e := mat.NewDiagDense(nens, nil)
	for i := 0; i < nens; i++ {
		d := rr.At(i, i)
		if d == 0 {
			return nil, fmt.Errorf("degenerate rotation matrix")
		}
		e.SetDiag(i, math.Abs(d)/d)
	}
	q.Mul(q, e)

	return q, nil
}
