package localize

import (
	"fmt"

	"github.com/martingu11/endas"
)

// DomainLocalization localizes the analysis update by partitioning the state
// space into local domains that are analyzed independently.
//
// Besides the partitioning itself, localized analysis needs localized
// versions of the global observation operator and the global observation
// error covariance, restricted to the observations a domain uses and
// down-weighted by the tapering function. Construction of these is delegated
// to the operators' own Localize capability.
type DomainLocalization struct {
	part  Partitioning
	taper endas.TaperFn
}

// NewDomainLocalization creates a domain localization from the partitioning
// scheme and the tapering function that defines the localization radius.
// It returns error if either is nil.
func NewDomainLocalization(p Partitioning, taper endas.TaperFn) (*DomainLocalization, error) {
	if p == nil {
		return nil, fmt.Errorf("invalid partitioning: %v", p)
	}
	if taper == nil {
		return nil, fmt.Errorf("invalid taper function: %v", taper)
	}
	return &DomainLocalization{part: p, taper: taper}, nil
}

// Partitioning returns the state space partitioning scheme.
func (dl *DomainLocalization) Partitioning() Partitioning { return dl.part }

// TaperFn returns the tapering function.
func (dl *DomainLocalization) TaperFn() endas.TaperFn { return dl.taper }

// LocalH returns the observation operator restricted to the observations
// with the given indexes, or nil if the index set is empty.
func (dl *DomainLocalization) LocalH(hg endas.ObservationOperator, indices []int) (endas.ObservationOperator, error) {
	if len(indices) == 0 {
		return nil, nil
	}
	hl, err := hg.Localize(indices)
	if err != nil {
		return nil, err
	}
	k, _ := hl.Dims()
	if k != len(indices) {
		return nil, fmt.Errorf("localized observation operator has invalid shape: %d != %d", k, len(indices))
	}
	return hl, nil
}

// LocalR returns the observation error covariance restricted to the
// observations with the given indexes and down-weighted by the taper
// coefficients of their distances.
func (dl *DomainLocalization) LocalR(rg endas.CovarianceOperator, indices []int, dist []float64) (endas.CovarianceOperator, error) {
	if len(indices) != len(dist) {
		return nil, fmt.Errorf("indices and distances length mismatch: %d != %d", len(indices), len(dist))
	}

	w := make([]float64, len(dist))
	for i := range w {
		w[i] = 1.0
	}
	w = dl.taper.Taper(w, w, dist)

	return rg.Localize(indices, w)
}
