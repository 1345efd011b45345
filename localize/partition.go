package localize

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/martingu11/endas"
)

// Coords is an abstract description of the locations of observations in the
// observation vector. Its interpretation is up to the partitioning scheme;
// schemes return an error for coordinate types they do not understand.
type Coords any

// Partitioning splits a global state vector, or an ensemble of state
// vectors, into local domains for localized analysis.
//
// Domains are identified by their index, starting at zero. The sum of the
// local state sizes may exceed the global state size when domains overlap
// through padding. Methods taking a domain index panic when it is out of
// range, consistent with gonum/mat index handling.
type Partitioning interface {
	// NumDomains returns the number of local domains. It is fixed for the
	// lifetime of the partitioning.
	NumDomains() int
	// LocalSize returns the local state vector size of the given domain.
	LocalSize(domain int) int
	// LocalState returns the local state vector or ensemble of the given
	// domain as a copy of the corresponding slice of the global array.
	LocalState(domain int, global *mat.Dense) *mat.Dense
	// PutLocalState writes the local state vector or ensemble of the given
	// domain back into the global array.
	PutLocalState(domain int, local, global *mat.Dense)
	// LocalObservations locates the observations to be used for the local
	// analysis of the given domain: all observations within the support
	// range of the taper. It returns their indexes into the observation
	// vector and their distances from the domain.
	LocalObservations(domain int, coords Coords, taper endas.TaperFn) (indices []int, dist []float64, err error)
}

// coordSlice converts supported observation coordinate types to a float
// slice. Index-based partitionings understand plain index slices.
func coordSlice(coords Coords) ([]float64, error) {
	switch c := coords.(type) {
	case []float64:
		return c, nil
	case []int:
		out := make([]float64, len(c))
		for i, v := range c {
			out[i] = float64(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported observation coordinates type: %T", coords)
	}
}

// Generic partitions a generic state space so that every state variable
// forms its own local domain. Indexes of state vector elements act as their
// coordinates and observation coordinates are expressed the same way.
//
// This scheme is mainly useful for testing localized analysis on synthetic
// problems; the number of domains equals the state size, which makes it
// slow for large state vectors.
type Generic struct {
	n int
}

// NewGeneric creates a generic partitioning of a state vector of length n.
// It returns error if n is not positive.
func NewGeneric(n int) (*Generic, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid state size: %d", n)
	}
	return &Generic{n: n}, nil
}

// NumDomains returns the number of local domains, one per state variable.
func (p *Generic) NumDomains() int { return p.n }

// LocalSize returns the local state size of the given domain.
func (p *Generic) LocalSize(domain int) int {
	p.check(domain)
	return 1
}

// LocalState returns the local state of the given domain.
func (p *Generic) LocalState(domain int, global *mat.Dense) *mat.Dense {
	p.check(domain)
	_, cols := global.Dims()
	local := mat.NewDense(1, cols, nil)
	for j := 0; j < cols; j++ {
		local.Set(0, j, global.At(domain, j))
	}
	return local
}

// PutLocalState writes the local state of the given domain back into the
// global array.
func (p *Generic) PutLocalState(domain int, local, global *mat.Dense) {
	p.check(domain)
	_, cols := global.Dims()
	for j := 0; j < cols; j++ {
		global.Set(domain, j, local.At(0, j))
	}
}

// LocalObservations selects the observations within the taper support range
// of the given domain, with index distance |coord - domain|.
func (p *Generic) LocalObservations(domain int, coords Coords, taper endas.TaperFn) ([]int, []float64, error) {
	p.check(domain)
	pos, err := coordSlice(coords)
	if err != nil {
		return nil, nil, err
	}

	var indices []int
	var dist []float64
	for i, c := range pos {
		d := c - float64(domain)
		if d < 0 {
			d = -d
		}
		if d < taper.SupportRange() {
			indices = append(indices, i)
			dist = append(dist, d)
		}
	}
	return indices, dist, nil
}

func (p *Generic) check(domain int) {
	if domain < 0 || domain >= p.n {
		panic(fmt.Sprintf("localize: domain index %d out of range [0, %d)", domain, p.n))
	}
}

// Blocks1d partitions a one-dimensional state space into contiguous blocks
// of equal size, optionally padded on both sides so that neighbouring
// domains overlap.
//
// With padding the local state buffer is longer than the global state;
// writing local state back to the global array only scatters the interior
// block so overlapping reads never produce conflicting writes. Observation
// coordinates are expressed as (fractional) state vector indexes and the
// distance of an observation from a domain is its distance from the nearest
// element of the interior block.
type Blocks1d struct {
	n    int
	bs   int
	pad  int
	ndom int
}

// NewBlocks1d creates a block partitioning of a state vector of length n
// into blocks of blockSize elements, each padded by pad elements on both
// sides. It returns error if n or blockSize is not positive or pad is
// negative.
func NewBlocks1d(n, blockSize, pad int) (*Blocks1d, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid state size: %d", n)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size: %d", blockSize)
	}
	if pad < 0 {
		return nil, fmt.Errorf("invalid padding: %d", pad)
	}
	return &Blocks1d{
		n:    n,
		bs:   blockSize,
		pad:  pad,
		ndom: (n + blockSize - 1) / blockSize,
	}, nil
}

// NumDomains returns the number of blocks.
func (p *Blocks1d) NumDomains() int { return p.ndom }

// block returns the interior and padded index ranges of the given domain.
func (p *Blocks1d) block(domain int) (start, end, padStart, padEnd int) {
	if domain < 0 || domain >= p.ndom {
		panic(fmt.Sprintf("localize: domain index %d out of range [0, %d)", domain, p.ndom))
	}
	start = domain * p.bs
	end = start + p.bs
	if end > p.n {
		end = p.n
	}
	padStart = start - p.pad
	if padStart < 0 {
		padStart = 0
	}
	padEnd = end + p.pad
	if padEnd > p.n {
		padEnd = p.n
	}
	return start, end, padStart, padEnd
}

// LocalSize returns the padded local state size of the given domain.
func (p *Blocks1d) LocalSize(domain int) int {
	_, _, padStart, padEnd := p.block(domain)
	return padEnd - padStart
}

// LocalState returns the padded local state of the given domain.
func (p *Blocks1d) LocalState(domain int, global *mat.Dense) *mat.Dense {
	_, _, padStart, padEnd := p.block(domain)
	_, cols := global.Dims()
	local := mat.NewDense(padEnd-padStart, cols, nil)
	local.Copy(global.Slice(padStart, padEnd, 0, cols))
	return local
}

// PutLocalState writes the interior block of the local state back into the
// global array. Padding rows are read-only context and are not scattered.
func (p *Blocks1d) PutLocalState(domain int, local, global *mat.Dense) {
	start, end, padStart, _ := p.block(domain)
	_, cols := global.Dims()
	off := start - padStart
	for i := start; i < end; i++ {
		for j := 0; j < cols; j++ {
			global.Set(i, j, local.At(off+i-start, j))
		}
	}
}

// LocalObservations selects the observations within the taper support range
// of the interior block of the given domain. The distance of an observation
// is its index distance from the nearest interior element.
func (p *Blocks1d) LocalObservations(domain int, coords Coords, taper endas.TaperFn) ([]int, []float64, error) {
	start, end, _, _ := p.block(domain)
	pos, err := coordSlice(coords)
	if err != nil {
		return nil, nil, err
	}

	var indices []int
	var dist []float64
	for i, c := range pos {
		var d float64
		switch {
		case c < float64(start):
			d = float64(start) - c
		case c > float64(end-1):
			d = c - float64(end-1)
		}
		if d < taper.SupportRange() {
			indices = append(indices, i)
			dist = append(dist, d)
		}
	}
	return indices, dist, nil
}
