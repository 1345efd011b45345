// Package endas provides sequential data assimilation for dynamical systems
// observed through noisy, partial measurements: the exact Kalman Filter and
// Smoother and the Ensemble Kalman Filter and Smoother family, with fixed-lag
// smoothing and domain-based localization of the analysis update.
//
// This package only defines the contracts the estimation drivers consume.
// Concrete implementations live in the subpackages: covariance operators in
// cov, observation operators in obs, localization in localize, the array
// cache in cache and the filter/smoother drivers in enkf and kalman/kf.
package endas

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// ErrNotSupported is returned by observation and covariance operators that
// cannot support a requested operation. Callers should treat it as "this
// representation does not support this mode" and choose a fallback rather
// than fail outright.
var ErrNotSupported = errors.New("operation not supported by this operator")

// ObservationOperator maps the state space to the observation space, i.e. it
// transforms a state vector to the set of observations one would expect for
// that state. Operators are typically backed by a (sparse) matrix but more
// abstract implementations are possible too.
type ObservationOperator interface {
	// Dims returns the operator shape (k, n), where k is the number of
	// observations and n is the state vector size.
	Dims() (k, n int)
	// Dot applies the operator to the (n x a) vector or matrix x and returns
	// the (k x a) result.
	Dot(x mat.Matrix) *mat.Dense
	// Localize returns the operator restricted to the observations with the
	// given indexes. The returned operator has shape (len(indices), n).
	Localize(indices []int) (ObservationOperator, error)
	// Matrix returns the matrix form of the operator. It returns
	// ErrNotSupported if the operator has no explicit matrix form.
	Matrix(forceDense bool) (mat.Matrix, error)
}

// CovarianceOperator is an abstract representation of a covariance matrix.
// Operators that cannot support an operation return ErrNotSupported from it;
// drawing zero-mean samples via SampleN is the minimal required capability.
type CovarianceOperator interface {
	// Dims returns the shape of the covariance matrix. It is always square.
	Dims() (r, c int)
	// SampleN draws n independent zero-mean samples from the multivariate
	// Normal distribution with this covariance. The samples are stored in
	// the columns of the returned matrix.
	SampleN(n int) (*mat.Dense, error)
	// Solve solves C*x = b and returns x. The shape of the result equals
	// the shape of b.
	Solve(b mat.Matrix) (*mat.Dense, error)
	// AddTo sums this covariance matrix into x in place.
	AddTo(x *mat.Dense) error
	// Localize returns the covariance restricted to the observations with
	// the given indexes, down-weighted by the taper coefficients. A nil
	// taper applies no weighting.
	Localize(indices []int, taper []float64) (CovarianceOperator, error)
	// Matrix returns the matrix form of the covariance.
	Matrix(forceDense bool) (mat.Matrix, error)
}

// TaperFn is a tapering function used for distance-based localization of the
// analysis update. Tapering adjusts the influence of observations based on
// their distance from the local domain being updated.
type TaperFn interface {
	// SupportRange returns the distance at which the tapering coefficient
	// becomes zero.
	SupportRange() float64
	// Taper multiplies each x[i] by the weight w(d[i]) and stores the result
	// in dst, which is allocated when nil. It panics if the lengths of x and
	// d differ.
	Taper(dst, x, d []float64) []float64
}

// Trajectory is opaque data returned by a model propagation and consumed by
// the matching tangent linear and adjoint.
type Trajectory any

// Model propagates model state forward in time.
type Model interface {
	// Propagate advances a from time t to t+dt in place. The argument holds
	// one state vector per column, so both single states (one column) and
	// ensembles are propagated with the same call. The returned trajectory
	// may be nil if the model has no use for it.
	Propagate(a *mat.Dense, dt float64) (Trajectory, error)
}

// LinearizedModel is a model that also exposes its tangent linear and
// adjoint, as required by the exact Kalman Filter.
type LinearizedModel interface {
	Model
	// Dot applies the tangent linear of the model to each column of x,
	// returning the product M*x.
	Dot(trj Trajectory, x mat.Matrix) (*mat.Dense, error)
	// AdjDot applies the adjoint of the model to x from the right, returning
	// the product x*M'. Composing the two as AdjDot(Dot(P)) propagates a
	// covariance matrix P through the model.
	AdjDot(trj Trajectory, x mat.Matrix) (*mat.Dense, error)
}
