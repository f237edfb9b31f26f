// Package index is the string hash table the slab core collaborates with.
// The real front-end owns item metadata and per-item lifecycle; the core
// only needs bucket membership by pointer equality, per-bucket try-locks
// for the mover, and iteration for recovery. Buckets hold chunk offsets
// into the slab pool.
package index

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultHashPower sizes the bucket array (1 << power buckets).
	DefaultHashPower = 16
	// DefaultLockPower sizes the bucket lock stripe.
	DefaultLockPower = 12
)

// Index is a bucket-chain hash table over chunk offsets.
type Index struct {
	mu      sync.RWMutex
	buckets [][]uint64
	mask    uint64

	locks    []sync.Mutex
	lockMask uint64
}

// New creates an index with 1<<hashPower buckets.
func New(hashPower int) *Index {
	if hashPower <= 0 {
		hashPower = DefaultHashPower
	}
	n := 1 << hashPower
	return &Index{
		buckets:  make([][]uint64, n),
		mask:     uint64(n - 1),
		locks:    make([]sync.Mutex, 1<<DefaultLockPower),
		lockMask: 1<<DefaultLockPower - 1,
	}
}

// Hash returns the hash value for a key.
func (ix *Index) Hash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// Insert links a chunk offset into its bucket.
func (ix *Index) Insert(hv, off uint64) {
	ix.mu.Lock()
	b := hv & ix.mask
	ix.buckets[b] = append(ix.buckets[b], off)
	ix.mu.Unlock()
}

// Unlink removes a chunk offset from its bucket. Returns false when the
// offset was not linked.
func (ix *Index) Unlink(hv, off uint64) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	b := hv & ix.mask
	chain := ix.buckets[b]
	for i, o := range chain {
		if o == off {
			ix.buckets[b] = append(chain[:i], chain[i+1:]...)
			return true
		}
	}
	return false
}

// Contains walks the bucket chain for hv and reports pointer equality with
// off. This is the reachability test recovery relies on.
func (ix *Index) Contains(hv, off uint64) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, o := range ix.buckets[hv&ix.mask] {
		if o == off {
			return true
		}
	}
	return false
}

// Len returns the number of linked offsets.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, chain := range ix.buckets {
		n += len(chain)
	}
	return n
}

// ForEach visits every linked offset.
func (ix *Index) ForEach(fn func(off uint64)) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, chain := range ix.buckets {
		for _, o := range chain {
			fn(o)
		}
	}
}

// TryLock attempts to take the bucket lock for hv without blocking. The
// mover holds the slab lock when it calls this, and bucket locks order
// before the slab lock, so blocking here would invert the lock order.
func (ix *Index) TryLock(hv uint64) bool {
	return ix.locks[hv&ix.lockMask].TryLock()
}

// Lock takes the bucket lock for hv.
func (ix *Index) Lock(hv uint64) {
	ix.locks[hv&ix.lockMask].Lock()
}

// Unlock releases the bucket lock for hv.
func (ix *Index) Unlock(hv uint64) {
	ix.locks[hv&ix.lockMask].Unlock()
}
