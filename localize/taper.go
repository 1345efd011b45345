// Package localize provides distance-based localization of the analysis
// update: covariance tapering functions, state space partitioning schemes
// and the domain localization built on top of them.
package localize

import (
	"fmt"
	"math"
)

// GaspariCohn is the Gaspari-Cohn covariance tapering function. It is a
// fifth-order piecewise rational approximation of a Gaussian with compact
// support; the tapering coefficient reaches zero at distance 2L.
type GaspariCohn struct {
	l float64
}

// NewGaspariCohn creates a Gaspari-Cohn taper with correlation length l.
// It returns error if l is not positive.
func NewGaspariCohn(l float64) (*GaspariCohn, error) {
	if l <= 0 {
		return nil, fmt.Errorf("invalid taper correlation length: %v", l)
	}
	return &GaspariCohn{l: l}, nil
}

// SupportRange returns the distance at which the coefficient becomes zero.
func (t *GaspariCohn) SupportRange() float64 { return 2 * t.l }

// Taper multiplies each x[i] by the Gaspari-Cohn weight of d[i] and stores
// the result in dst, which is allocated when nil.
func (t *GaspariCohn) Taper(dst, x, d []float64) []float64 {
	dst = prepTaper(dst, x, d)
	for i := range x {
		r := d[i] / t.l
		var w float64
		switch {
		case r < 1:
			w = 1 - r*r*(5.0/3.0) + r*r*r*(5.0/8.0) + r*r*r*r*0.5 - r*r*r*r*r*0.25
		case r < 2:
			w = 4 - 5*r + r*r*(5.0/3.0) + r*r*r*(5.0/8.0) - r*r*r*r*0.5 + r*r*r*r*r*(1.0/12.0) - 2.0/(3.0*r)
		}
		dst[i] = x[i] * math.Max(w, 0)
	}
	return dst
}

// Linear is a covariance tapering function with linear falloff to zero at
// its support range L.
type Linear struct {
	l float64
}

// NewLinear creates a linear taper with support range l.
// It returns error if l is not positive.
func NewLinear(l float64) (*Linear, error) {
	if l <= 0 {
		return nil, fmt.Errorf("invalid taper support range: %v", l)
	}
	return &Linear{l: l}, nil
}

// SupportRange returns the distance at which the coefficient becomes zero.
func (t *Linear) SupportRange() float64 { return t.l }

// Taper multiplies each x[i] by the linear falloff weight of d[i] and stores
// the result in dst, which is allocated when nil.
func (t *Linear) Taper(dst, x, d []float64) []float64 {
	dst = prepTaper(dst, x, d)
	for i := range x {
		w := 1 - d[i]/t.l
		dst[i] = x[i] * math.Max(w, 0)
	}
	return dst
}

// Spherical is the spherical covariance tapering function, zero beyond its
// support range L.
type Spherical struct {
	l float64
}

// NewSpherical creates a spherical taper with support range l.
// It returns error if l is not positive.
func NewSpherical(l float64) (*Spherical, error) {
	if l <= 0 {
		return nil, fmt.Errorf("invalid taper support range: %v", l)
	}
	return &Spherical{l: l}, nil
}

// SupportRange returns the distance at which the coefficient becomes zero.
func (t *Spherical) SupportRange() float64 { return t.l }

// Taper multiplies each x[i] by the spherical weight of d[i] and stores the
// result in dst, which is allocated when nil.
func (t *Spherical) Taper(dst, x, d []float64) []float64 {
	dst = prepTaper(dst, x, d)
	for i := range x {
		r := d[i] / t.l
		var w float64
		if r < 1 {
			w = 1 - 1.5*r + 0.5*r*r*r
		}
		dst[i] = x[i] * math.Max(w, 0)
	}
	return dst
}

func prepTaper(dst, x, d []float64) []float64 {
	if len(x) != len(d) {
		panic("localize: values and distances length mismatch")
	}
	if dst == nil {
		dst = make([]float64, len(x))
	}
	if len(dst) != len(x) {
		panic("localize: taper destination length mismatch")
	}
	return dst
}
