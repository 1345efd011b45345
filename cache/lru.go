package cache

import (
	"container/list"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/martingu11/endas"
)

// LRU is an ArrayCache that keeps its resident set within a byte budget.
//
// Arrays are kept in memory as long as their combined size stays below the
// budget. When an insertion would exceed it, the least recently used resident
// arrays are retired to files until the budget is satisfied. Get on a retired
// handle restores the array into memory, possibly retiring others in turn,
// and always returns a fresh copy to the caller. The cache is not safe for
// concurrent use.
type LRU struct {
	budget  int64
	dir     string
	userDir bool

	resident      map[Handle]*list.Element
	order         *list.List // front is least recently used
	retired       map[Handle]retiredItem
	residentBytes int64
	retiredBytes  int64
	next          Handle
	log           *slog.Logger
}

type lruItem struct {
	h    Handle
	a    *mat.Dense
	size int64
}

type retiredItem struct {
	id   string
	size int64
}

// NewLRU creates a bounded-memory array cache with the given byte budget.
// Retired arrays are stored as one file per handle in dir. If dir is empty, a
// default directory under the system temp directory is created; a
// user-supplied directory must already exist.
func NewLRU(maxBytes int64, dir string) (*LRU, error) {
	if maxBytes < 0 {
		return nil, fmt.Errorf("cache: invalid byte budget: %d", maxBytes)
	}

	userDir := dir != ""
	if !userDir {
		dir = filepath.Join(os.TempDir(), "endas-cache")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cache: failed to create cache directory %s: %v", dir, err)
		}
	} else if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("cache: cache directory %s does not exist", dir)
	}

	return &LRU{
		budget:   maxBytes,
		dir:      dir,
		userDir:  userDir,
		resident: make(map[Handle]*list.Element),
		order:    list.New(),
		retired:  make(map[Handle]retiredItem),
	}, nil
}

// SetLogger configures the logger used to report best-effort cleanup
// failures. With a nil logger such failures are silently swallowed.
func (c *LRU) SetLogger(l *slog.Logger) { c.log = l }

// Dir returns the directory holding retired arrays.
func (c *LRU) Dir() string { return c.dir }

// ResidentBytes returns the combined size of the in-memory arrays.
func (c *LRU) ResidentBytes() int64 { return c.residentBytes }

// Put copies a into the cache, retiring older arrays if needed, and returns
// its handle.
func (c *LRU) Put(a *mat.Dense) (Handle, error) {
	if a == nil {
		return 0, fmt.Errorf("cache: cannot store nil array")
	}
	c.next++

	size := itemSize(a)
	if err := c.reserve(size); err != nil {
		return 0, err
	}

	el := c.order.PushBack(&lruItem{h: c.next, a: mat.DenseCopyOf(a), size: size})
	c.resident[c.next] = el
	c.residentBytes += size

	return c.next, nil
}

// Get retrieves the array stored under h, restoring it from secondary
// storage if it has been retired. The returned array is always an
// independent copy regardless of forceCopy.
func (c *LRU) Get(h Handle, forceCopy bool) (*mat.Dense, error) {
	if el, ok := c.resident[h]; ok {
		c.order.MoveToBack(el)
		return mat.DenseCopyOf(el.Value.(*lruItem).a), nil
	}

	ri, ok := c.retired[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, h)
	}

	// Restore from storage. The file is kept so a later eviction of the
	// restored array does not have to write it out again.
	a, err := c.restore(ri.id)
	if err != nil {
		return nil, err
	}
	if err := c.reserve(ri.size); err != nil {
		return nil, err
	}
	el := c.order.PushBack(&lruItem{h: h, a: a, size: ri.size})
	c.resident[h] = el
	c.residentBytes += ri.size

	return mat.DenseCopyOf(a), nil
}

// GetExclusive is not supported by the bounded cache, which never hands out
// its owned arrays. It returns ErrNotSupported.
func (c *LRU) GetExclusive(h Handle) (*mat.Dense, error) {
	return nil, endas.ErrNotSupported
}

// Release releases exclusive access to the array stored under h.
func (c *LRU) Release(h Handle) {}

// Remove drops the array stored under h from memory and storage. Storage
// deletion is best-effort: a failure is logged and swallowed.
func (c *LRU) Remove(h Handle) error {
	found := false

	if el, ok := c.resident[h]; ok {
		it := c.order.Remove(el).(*lruItem)
		delete(c.resident, h)
		c.residentBytes -= it.size
		found = true
	}

	if ri, ok := c.retired[h]; ok {
		c.drop(ri.id)
		delete(c.retired, h)
		c.retiredBytes -= ri.size
		found = true
	}

	if !found {
		return fmt.Errorf("%w: %d", ErrNotFound, h)
	}
	return nil
}

// Clear drops all arrays from memory and storage and resets handle
// numbering. Storage deletion is best-effort.
func (c *LRU) Clear() error {
	c.resident = make(map[Handle]*list.Element)
	c.order.Init()
	c.residentBytes = 0

	for _, ri := range c.retired {
		c.drop(ri.id)
	}
	c.retired = make(map[Handle]retiredItem)
	c.retiredBytes = 0
	c.next = 0

	return nil
}

// reserve retires least recently used resident arrays until size bytes fit
// within the budget.
func (c *LRU) reserve(size int64) error {
	for c.residentBytes+size > c.budget && c.order.Len() > 0 {
		el := c.order.Front()
		it := c.order.Remove(el).(*lruItem)
		delete(c.resident, it.h)
		c.residentBytes -= it.size

		if _, ok := c.retired[it.h]; !ok {
			id, err := newArtifactID()
			if err != nil {
				return err
			}
			if err := c.retire(it.a, id); err != nil {
				return err
			}
			c.retired[it.h] = retiredItem{id: id, size: it.size}
			c.retiredBytes += it.size
		}
	}
	return nil
}

// retire writes a to storage under the given artifact id.
func (c *LRU) retire(a *mat.Dense, id string) error {
	data, err := a.MarshalBinary()
	if err != nil {
		return fmt.Errorf("cache: failed to serialize array: %v", err)
	}
	if err := os.WriteFile(c.artifactPath(id), data, 0o644); err != nil {
		return fmt.Errorf("cache: failed to retire array to storage: %v", err)
	}
	return nil
}

// restore reads the array stored under the given artifact id.
func (c *LRU) restore(id string) (*mat.Dense, error) {
	data, err := os.ReadFile(c.artifactPath(id))
	if err != nil {
		return nil, fmt.Errorf("cache: failed to restore array from storage: %v", err)
	}
	var a mat.Dense
	if err := a.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("cache: failed to deserialize array: %v", err)
	}
	return &a, nil
}

// drop removes the storage artifact with the given id, best-effort.
func (c *LRU) drop(id string) {
	if err := os.Remove(c.artifactPath(id)); err != nil && c.log != nil {
		c.log.Warn("failed to remove cache artifact", "path", c.artifactPath(id), "error", err)
	}
}

func (c *LRU) artifactPath(id string) string {
	return filepath.Join(c.dir, id+".mat")
}

func itemSize(a *mat.Dense) int64 {
	r, cols := a.Dims()
	return int64(r) * int64(cols) * 8
}

func newArtifactID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("cache: failed to generate artifact id: %v", err)
	}
	return hex.EncodeToString(b[:]), nil
}
