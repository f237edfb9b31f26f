// Package ast implements the active-slab table: a small per-thread
// persistent set of slab pages whose chunks were recently allocated or
// unlinked, stamped with the owning thread's epochs. It is not the
// allocator's ground truth; it only bounds the recovery scan, and its
// entries are reclaimed once their epochs fall behind the collect
// watermark.
package ast

import (
	"fmt"
	"path/filepath"

	"github.com/LPD-EPFL/nv-memcached/internal/utils"
	"github.com/LPD-EPFL/nv-memcached/pmem"
)

const (
	// DefaultTableSize is the initial search boundary.
	DefaultTableSize = 32
	// CleanThreshold triggers a sweep before marking.
	CleanThreshold = 16
	// MaxNumSlabs caps the boundary; marks past it are dropped.
	MaxNumSlabs = 8192

	// PoolSize is the per-thread tracker pool size.
	PoolSize = 10 * 1024 * 1024
	// Layout is the tracker pool's layout tag.
	Layout = "ast"
)

// Root layout, relative to the pool root. Descriptors are 32 bytes each so
// a full table is 256 KiB, well inside the pool.
const (
	offCurrentSize = 0x00
	offLastInUse   = 0x08
	offClearAll    = 0x10
	offDescs       = 0x20

	descSize      = 32
	descOffSlab   = 0x00
	descOffAlloc  = 0x08
	descOffUnlink = 0x10
	descOffClsid  = 0x18

	rootSize = offDescs + MaxNumSlabs*descSize
)

// Entry is a snapshot of one live descriptor.
type Entry struct {
	Page            uint64
	ClassID         uint8
	LastAllocEpoch  uint64
	LastUnlinkEpoch uint64
}

// Table is one thread's tracker, backed by its own pool. A table is owned
// exclusively by its thread; there is no interior locking.
type Table struct {
	pool *pmem.Pool
	path string
	id   int
	log  *utils.Logger
}

// Path returns the pool file path for a thread id under dir.
func Path(dir string, threadID int) string {
	return filepath.Join(dir, fmt.Sprintf("slabs_thread_%d", threadID))
}

// Create opens or creates the tracker pool for threadID under dir. A
// surviving pool keeps its entries; that is what makes recovery possible.
func Create(dir string, threadID int, logger *utils.Logger) (*Table, error) {
	if logger == nil {
		logger = utils.DefaultLogger("ast")
	}
	path := Path(dir, threadID)
	pool, err := pmem.Open(pmem.Options{
		Path:     path,
		Layout:   Layout,
		Size:     PoolSize,
		RootSize: rootSize,
	})
	if err != nil {
		return nil, utils.WrapError(err, "ast: open tracker pool")
	}

	t := &Table{pool: pool, path: path, id: threadID, log: logger}

	if t.lastInUse() == 0 {
		// Fresh pool: the root region is zeroed, publish the default
		// boundary before first use.
		t.setLastInUse(DefaultTableSize)
		if err := pool.Persist(t.root(), offDescs); err != nil {
			_ = pool.Close()
			return nil, err
		}
	}
	return t, nil
}

// Close closes the backing pool.
func (t *Table) Close() error {
	return t.pool.Close()
}

// Destroy closes and deletes the backing pool.
func (t *Table) Destroy() error {
	if err := t.pool.Close(); err != nil {
		return err
	}
	return pmem.Delete(t.path)
}

// ThreadID returns the owning thread id.
func (t *Table) ThreadID() int { return t.id }

func (t *Table) root() uint64 { return t.pool.Root() }

func (t *Table) currentSize() uint64  { return t.pool.U64(t.root() + offCurrentSize) }
func (t *Table) setCurrentSize(v uint64) { t.pool.SetU64(t.root()+offCurrentSize, v) }

func (t *Table) lastInUse() uint64     { return t.pool.U64(t.root() + offLastInUse) }
func (t *Table) setLastInUse(v uint64) { t.pool.SetU64(t.root()+offLastInUse, v) }

func (t *Table) clearAll() bool     { return t.pool.U8(t.root()+offClearAll) != 0 }
func (t *Table) setClearAll(v bool) {
	var b uint8
	if v {
		b = 1
	}
	t.pool.SetU8(t.root()+offClearAll, b)
}

func (t *Table) descOff(i uint64) uint64 {
	return t.root() + offDescs + i*descSize
}

func (t *Table) descSlab(i uint64) uint64 { return t.pool.U64(t.descOff(i) + descOffSlab) }

func (t *Table) writeDesc(i uint64, page uint64, clsid uint8, currentTs uint64, isUnlink bool) {
	off := t.descOff(i)
	t.pool.SetU64(off+descOffSlab, page)
	if isUnlink {
		t.pool.SetU64(off+descOffUnlink, currentTs)
		t.pool.SetU64(off+descOffAlloc, 0)
	} else {
		t.pool.SetU64(off+descOffUnlink, 0)
		t.pool.SetU64(off+descOffAlloc, currentTs)
	}
	t.pool.SetU8(off+descOffClsid, clsid)
}

// RequestClearAll asks the next Mark to sweep before searching.
func (t *Table) RequestClearAll() {
	t.setClearAll(true)
}

// Size returns the number of occupied entries.
func (t *Table) Size() uint64 { return t.currentSize() }

// Boundary returns the current search boundary.
func (t *Table) Boundary() uint64 { return t.lastInUse() }

// Mark records that a chunk in page was allocated (or unlinked, when
// isUnlink is set) at currentTs. New entries are made durable before they
// become reachable: the descriptor is persisted, then the raised boundary,
// then the descriptor again, each step fenced by the flush itself.
func (t *Table) Mark(page uint64, clsid uint8, currentTs, collectTs uint64, isUnlink bool) error {
	if page == 0 {
		return nil
	}

	if t.clearAll() || t.currentSize() > CleanThreshold {
		t.Sweep(collectTs, currentTs)
	}

	limit := t.lastInUse()
	firstEmpty := uint64(MaxNumSlabs) // sentinel: no empty slot seen

	for i := uint64(0); i < limit; i++ {
		slab := t.descSlab(i)
		if slab == page {
			// Already tracked: bump the epoch monotonically. Timestamps are
			// advisory for reclamation only, no synchronous persist.
			off := t.descOff(i)
			field := off + descOffAlloc
			if isUnlink {
				field = off + descOffUnlink
			}
			if t.pool.U64(field) < currentTs {
				t.pool.SetU64(field, currentTs)
			}
			return nil
		}
		if slab == 0 && firstEmpty == MaxNumSlabs {
			firstEmpty = i
		}
	}

	if firstEmpty != MaxNumSlabs {
		t.writeDesc(firstEmpty, page, clsid, currentTs, isUnlink)
		t.setCurrentSize(t.currentSize() + 1)
		return t.pool.Persist(t.descOff(firstEmpty), descSize)
	}

	// No match and no hole below the boundary: widen the search space.
	twice := limit * 2
	if twice > MaxNumSlabs {
		t.log.Error("slab table exceeded, dropping mark",
			utils.Int("thread", t.id), utils.Uint64("page", page))
		return nil
	}

	t.writeDesc(limit, page, clsid, currentTs, isUnlink)
	if err := t.pool.Persist(t.descOff(limit), descSize); err != nil {
		return err
	}
	t.setLastInUse(twice)
	if err := t.pool.Persist(t.root(), offDescs); err != nil {
		return err
	}
	if err := t.pool.Persist(t.descOff(limit), descSize); err != nil {
		return err
	}
	t.setCurrentSize(t.currentSize() + 1)
	return nil
}

// Sweep clears every entry that no observer can still need: its last
// unlink happened before collectTs (or never) and its last alloc before
// currentTs (or never). Best effort; nothing is persisted synchronously.
func (t *Table) Sweep(collectTs, currentTs uint64) {
	limit := t.lastInUse()
	var maxSeen uint64

	for i := uint64(0); i < limit; i++ {
		off := t.descOff(i)
		slab := t.pool.U64(off + descOffSlab)
		if slab == 0 {
			continue
		}
		unlink := t.pool.U64(off + descOffUnlink)
		alloc := t.pool.U64(off + descOffAlloc)
		if (unlink < collectTs || unlink == 0) && (alloc < currentTs || alloc == 0) {
			t.pool.SetU64(off+descOffSlab, 0)
			t.pool.SetU64(off+descOffUnlink, 0)
			t.pool.SetU64(off+descOffAlloc, 0)
			t.pool.SetU8(off+descOffClsid, 0)
			t.setCurrentSize(t.currentSize() - 1)
			continue
		}
		if i > maxSeen {
			maxSeen = i
		}
	}

	// Shrink the search boundary when the whole upper half is empty.
	half := limit / 2
	if maxSeen < half && half >= DefaultTableSize {
		t.setLastInUse(half)
	}

	t.setClearAll(false)
}

// Entries returns a snapshot of every live descriptor. Recovery iterates
// this across all thread tables.
func (t *Table) Entries() []Entry {
	limit := t.lastInUse()
	var out []Entry
	for i := uint64(0); i < limit; i++ {
		off := t.descOff(i)
		slab := t.pool.U64(off + descOffSlab)
		if slab == 0 {
			continue
		}
		out = append(out, Entry{
			Page:            slab,
			ClassID:         t.pool.U8(off + descOffClsid),
			LastAllocEpoch:  t.pool.U64(off + descOffAlloc),
			LastUnlinkEpoch: t.pool.U64(off + descOffUnlink),
		})
	}
	return out
}

// Drop clears the descriptor for page, if present. Recovery uses it for
// entries whose recorded class no longer owns the page.
func (t *Table) Drop(page uint64) {
	limit := t.lastInUse()
	for i := uint64(0); i < limit; i++ {
		off := t.descOff(i)
		if t.pool.U64(off+descOffSlab) != page {
			continue
		}
		t.pool.SetU64(off+descOffSlab, 0)
		t.pool.SetU64(off+descOffUnlink, 0)
		t.pool.SetU64(off+descOffAlloc, 0)
		t.pool.SetU8(off+descOffClsid, 0)
		t.setCurrentSize(t.currentSize() - 1)
		return
	}
}
