// Package cache provides key-value storage for large numeric arrays.
//
// The fixed-lag smoothers keep one historical ensemble or covariance per time
// step within the lag window. Storing these through an ArrayCache rather than
// holding them directly allows a bounded-memory cache to move older arrays to
// secondary storage until the smoother needs them again.
package cache

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrNotFound is returned when a handle does not identify a stored array,
// either because it was never issued or because the array was removed.
var ErrNotFound = errors.New("cache: handle not found")

// Handle identifies an array stored in an ArrayCache. A handle is valid from
// Put until Remove or Clear.
type Handle int

// ArrayCache stores numeric arrays under opaque handles.
type ArrayCache interface {
	// Put copies a into the cache and returns a handle for retrieval. The
	// cache is the sole owner of its copy.
	Put(a *mat.Dense) (Handle, error)
	// Get retrieves the array stored under h. With forceCopy the returned
	// array is an independent copy; otherwise implementations may return
	// the cache-owned array, which the caller must not mutate.
	Get(h Handle, forceCopy bool) (*mat.Dense, error)
	// GetExclusive retrieves the cache-owned array for in-place mutation.
	// The handle must be released with Release once the caller is done.
	GetExclusive(h Handle) (*mat.Dense, error)
	// Release releases exclusive access obtained with GetExclusive.
	Release(h Handle)
	// Remove drops the array stored under h and invalidates the handle.
	Remove(h Handle) error
	// Clear drops all stored arrays, invalidates all handles and resets
	// handle numbering.
	Clear() error
}

// Memory is a trivial ArrayCache that keeps all arrays in memory. It is not
// safe for concurrent use.
type Memory struct {
	items map[Handle]*mat.Dense
	next  Handle
}

// NewMemory creates a new empty in-memory array cache.
func NewMemory() *Memory {
	return &Memory{items: make(map[Handle]*mat.Dense)}
}

// Len returns the number of stored arrays.
func (c *Memory) Len() int { return len(c.items) }

// Put copies a into the cache and returns its handle.
func (c *Memory) Put(a *mat.Dense) (Handle, error) {
	if a == nil {
		return 0, fmt.Errorf("cache: cannot store nil array")
	}
	c.next++
	c.items[c.next] = mat.DenseCopyOf(a)
	return c.next, nil
}

// Get retrieves the array stored under h.
func (c *Memory) Get(h Handle, forceCopy bool) (*mat.Dense, error) {
	a, ok := c.items[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, h)
	}
	if forceCopy {
		return mat.DenseCopyOf(a), nil
	}
	return a, nil
}

// GetExclusive retrieves the cache-owned array for in-place mutation.
func (c *Memory) GetExclusive(h Handle) (*mat.Dense, error) {
	a, ok := c.items[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, h)
	}
	return a, nil
}

// Release releases exclusive access to the array stored under h.
func (c *Memory) Release(h Handle) {}

// Remove drops the array stored under h.
func (c *Memory) Remove(h Handle) error {
	if _, ok := c.items[h]; !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, h)
	}
	delete(c.items, h)
	return nil
}

// Clear drops all stored arrays and resets handle numbering.
func (c *Memory) Clear() error {
	c.items = make(map[Handle]*mat.Dense)
	c.next = 0
	return nil
}
