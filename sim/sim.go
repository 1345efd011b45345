// Package sim provides simple dynamical models and plotting helpers for
// testing and demonstrating the estimation drivers.
package sim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/martingu11/endas"
)

// Linear is a time-invariant linear model x(t+dt) = M*x(t). The model
// applies M once per Propagate call regardless of dt. Its tangent linear is
// M itself and the adjoint is M', so Linear satisfies the requirements of
// the exact Kalman Filter.
type Linear struct {
	m *mat.Dense
}

// NewLinear creates a linear model from the propagation matrix m.
// It returns error if m is not square.
func NewLinear(m *mat.Dense) (*Linear, error) {
	r, c := m.Dims()
	if r != c {
		return nil, fmt.Errorf("invalid propagation matrix dimensions: [%d x %d]", r, c)
	}
	return &Linear{m: mat.DenseCopyOf(m)}, nil
}

// NewRotation creates a linear model rotating a three-dimensional state
// around its first axis by the given angle per step. The model is periodic,
// completing one cycle in 2*pi/angle steps.
func NewRotation(angle float64) *Linear {
	c, s := math.Cos(angle), math.Sin(angle)
	m := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, c, s,
		0, -s, c,
	})
	l, _ := NewLinear(m)
	return l
}

// Matrix returns a copy of the propagation matrix.
func (l *Linear) Matrix() *mat.Dense { return mat.DenseCopyOf(l.m) }

// Propagate advances each column of a by one model step.
func (l *Linear) Propagate(a *mat.Dense, dt float64) (endas.Trajectory, error) {
	r, c := a.Dims()
	n, _ := l.m.Dims()
	if r != n {
		return nil, fmt.Errorf("invalid state dimension: %d != %d", r, n)
	}
	out := mat.NewDense(r, c, nil)
	out.Mul(l.m, a)
	a.Copy(out)
	return nil, nil
}

// Dot applies the tangent linear of the model to x.
func (l *Linear) Dot(trj endas.Trajectory, x mat.Matrix) (*mat.Dense, error) {
	out := &mat.Dense{}
	out.Mul(l.m, x)
	return out, nil
}

// AdjDot applies the adjoint of the model to x from the right.
func (l *Linear) AdjDot(trj endas.Trajectory, x mat.Matrix) (*mat.Dense, error) {
	out := &mat.Dense{}
	out.Mul(x, l.m.T())
	return out, nil
}
