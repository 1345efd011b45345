package sim

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/martingu11/endas"
)

// Lorenz95 is the Lorenz 95 model, a chaotic dynamical system on a cyclic
// one-dimensional domain:
//
//	dx(i)/dt = (x(i+1) - x(i-2))*x(i-1) - x(i) + F
//
// with the indexes taken modulo the state size. The forcing F = 8 is known
// to cause chaotic behaviour. The model is integrated with the fourth-order
// Runge-Kutta method and is mostly useful for benchmarking assimilation
// schemes.
type Lorenz95 struct {
	n int
	f float64
}

// NewLorenz95 creates a Lorenz 95 model with state size n and forcing f.
// It returns error if n is less than 4.
func NewLorenz95(n int, f float64) (*Lorenz95, error) {
	if n < 4 {
		return nil, fmt.Errorf("invalid state size: %d", n)
	}
	return &Lorenz95{n: n, f: f}, nil
}

// Dims returns the state size.
func (l *Lorenz95) Dims() int { return l.n }

// tendency evaluates the model ODE right-hand side for the state x into dst.
func (l *Lorenz95) tendency(dst, x []float64) {
	n := l.n
	for i := 0; i < n; i++ {
		im1 := (i - 1 + n) % n
		im2 := (i - 2 + n) % n
		ip1 := (i + 1) % n
		dst[i] = (x[ip1]-x[im2])*x[im1] - x[i] + l.f
	}
}

// Propagate advances each column of a by one Runge-Kutta step of length dt.
func (l *Lorenz95) Propagate(a *mat.Dense, dt float64) (endas.Trajectory, error) {
	rows, cols := a.Dims()
	if rows != l.n {
		return nil, fmt.Errorf("invalid state dimension: %d != %d", rows, l.n)
	}

	x := make([]float64, l.n)
	xs := make([]float64, l.n)
	k1 := make([]float64, l.n)
	k2 := make([]float64, l.n)
	k3 := make([]float64, l.n)
	k4 := make([]float64, l.n)

	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			x[i] = a.At(i, j)
		}

		l.tendency(k1, x)
		for i := range xs {
			xs[i] = x[i] + 0.5*dt*k1[i]
		}
		l.tendency(k2, xs)
		for i := range xs {
			xs[i] = x[i] + 0.5*dt*k2[i]
		}
		l.tendency(k3, xs)
		for i := range xs {
			xs[i] = x[i] + dt*k3[i]
		}
		l.tendency(k4, xs)

		for i := 0; i < rows; i++ {
			a.Set(i, j, x[i]+dt*(k1[i]+2*k2[i]+2*k3[i]+k4[i])/6.0)
		}
	}
	return nil, nil
}
