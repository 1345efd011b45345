// Package ensemble provides basic operations on state ensembles.
//
// An ensemble is an n x N matrix holding N realizations of a length-n state
// vector in its columns. Its sample statistics approximate the distribution
// of the state.
package ensemble

import (
	"fmt"

	"github.com/milosgajdos/matrix"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/martingu11/endas"
)

// Mean returns the ensemble mean of a.
func Mean(a *mat.Dense) *mat.VecDense {
	rows, cols := a.Dims()
	sums, err := matrix.RowsSum(rows, a)
	if err != nil {
		panic(err)
	}
	floats.Scale(1.0/float64(cols), sums)
	return mat.NewVecDense(rows, sums)
}

// ToAnomaly returns the ensemble anomaly, i.e. the deviation of each member
// from the ensemble mean.
func ToAnomaly(a *mat.Dense) *mat.Dense {
	rows, cols := a.Dims()
	u := Mean(a)
	ax := mat.NewDense(rows, cols, nil)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			ax.Set(i, j, a.At(i, j)-u.AtVec(i))
		}
	}
	return ax
}

// Center adjusts a to zero mean in place.
func Center(a *mat.Dense) {
	rows, cols := a.Dims()
	u := Mean(a)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			a.Set(i, j, a.At(i, j)-u.AtVec(i))
		}
	}
}

// Inflate scales the ensemble anomaly by the given factor in place, widening
// the ensemble spread around its mean.
func Inflate(a *mat.Dense, factor float64) {
	rows, cols := a.Dims()
	u := Mean(a)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			a.Set(i, j, u.AtVec(i)+factor*(a.At(i, j)-u.AtVec(i)))
		}
	}
}

// Generate returns a new ensemble of n members drawn from the Normal
// distribution with the given mean and covariance.
func Generate(n int, mean *mat.VecDense, cov endas.CovarianceOperator) (*mat.Dense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid ensemble size: %d", n)
	}
	r, _ := cov.Dims()
	if mean.Len() != r {
		return nil, fmt.Errorf("mean and covariance dimensions mismatch: %d != %d", mean.Len(), r)
	}

	e, err := cov.SampleN(n)
	if err != nil {
		return nil, err
	}
	for j := 0; j < n; j++ {
		for i := 0; i < r; i++ {
			e.Set(i, j, e.At(i, j)+mean.AtVec(i))
		}
	}
	return e, nil
}
