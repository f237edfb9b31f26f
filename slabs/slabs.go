// Package slabs is the crash-consistent slab allocator at the heart of the
// cache. A fixed memory budget is carved into size-classed chunks; chunks
// cycle between each class's intrusive free list and the index, clock
// eviction picks victims inside a full class, a rebalancer migrates whole
// pages between classes, and a recovery scan repairs the free lists after
// an unclean shutdown.
//
// Slab sizes start at the chunk header plus a small seed and grow by a
// multiplier up to item_size_max, which is also the page size. All durable
// structure lives in a persistent pool; every structural mutation runs
// inside a pool transaction.
package slabs

import (
	"errors"
	"os"
	"strconv"
	"sync"

	"github.com/LPD-EPFL/nv-memcached/ast"
	"github.com/LPD-EPFL/nv-memcached/epoch"
	"github.com/LPD-EPFL/nv-memcached/internal/utils"
	"github.com/LPD-EPFL/nv-memcached/pmem"
)

const (
	// DefaultPoolPath is where the slab pool lives.
	DefaultPoolPath = "/tmp/slabs"
	// DefaultPoolSize is the slab pool size.
	DefaultPoolSize = 10 * 1024 * 1024 * 1024
	// PoolLayout tags the slab pool.
	PoolLayout = "slabs"
)

var (
	// ErrNoMemory reports that the memory budget is exhausted.
	ErrNoMemory = errors.New("slabs: out of memory")
	// ErrBadClass reports an id outside the class table.
	ErrBadClass = errors.New("slabs: invalid slab class")
)

// Settings configures the allocator. The zero value is not usable; start
// from DefaultSettings.
type Settings struct {
	MemoryLimit  uint64  // bytes; 0 = unlimited growth subject to the pool
	GrowthFactor float64 // chunk-size multiplier between classes, > 1.0
	Prealloc     bool    // reserve MemoryLimit up front as a bump region
	ItemSizeMax  uint64  // largest chunk size and the slab page length
	ChunkSize    uint64  // seed for the smallest class
	SlabReassign bool    // page length item_size_max instead of size*perslab
	SlabAutomove int     // 1 enables the decider
	Verbose      int

	PoolPath string
	PoolSize int64
}

// DefaultSettings mirrors the daemon defaults.
func DefaultSettings() Settings {
	return Settings{
		MemoryLimit:  64 * 1024 * 1024,
		GrowthFactor: 1.25,
		ItemSizeMax:  1024 * 1024,
		ChunkSize:    48,
		SlabReassign: true,
		PoolPath:     DefaultPoolPath,
		PoolSize:     DefaultPoolSize,
	}
}

// Thread carries the per-thread persistent state every allocating caller
// owns: its active-slab table and its epoch clock. Both allocation and
// free mark the tracker, alloc-side and unlink-side respectively.
type Thread struct {
	Table *ast.Table
	Clock *epoch.Clock
}

func (t *Thread) mark(page uint64, clsid uint8, isUnlink bool) {
	if t == nil || t.Table == nil || t.Clock == nil {
		return
	}
	_ = t.Table.Mark(page, clsid, t.Clock.Next(), t.Clock.LastCollect(), isUnlink)
}

// Indexer is the contract the core needs from the string hash table: the
// mover unlinks live items through it and recovery tests reachability by
// offset equality.
type Indexer interface {
	Hash(key []byte) uint64
	TryLock(hv uint64) bool
	Unlock(hv uint64)
	Unlink(hv, off uint64) bool
	Contains(hv, off uint64) bool
	ForEach(fn func(off uint64))
}

// Allocator owns the slab pool. Access to the class table is protected by
// the allocator lock; the rebalancer adds its own lock and worker pair.
type Allocator struct {
	settings Settings
	pool     *pmem.Pool
	log      *utils.Logger

	// slabsLock guards every class-table mutation. The mover drops it
	// around index unlinks; bucket trylocks and recovery's reachability
	// checks run while it is held.
	slabsLock sync.Mutex

	reb rebalancer
}

// New opens (or creates) the slab pool and initializes the class table.
// Reopening an existing pool keeps the frozen class sizes and all pages.
func New(settings Settings) (*Allocator, error) {
	if settings.ItemSizeMax == 0 || settings.ChunkSize == 0 {
		return nil, utils.NewError("slabs: item_size_max and chunk_size required")
	}
	if settings.GrowthFactor <= 1.0 {
		return nil, utils.NewError("slabs: growth factor must be > 1.0")
	}
	if settings.PoolPath == "" {
		settings.PoolPath = DefaultPoolPath
	}
	if settings.PoolSize == 0 {
		settings.PoolSize = DefaultPoolSize
	}

	pool, err := pmem.Open(pmem.Options{
		Path:     settings.PoolPath,
		Layout:   PoolLayout,
		Size:     settings.PoolSize,
		RootSize: rootSize,
	})
	if err != nil {
		return nil, utils.WrapError(err, "slabs: open pool")
	}

	a := &Allocator{
		settings: settings,
		pool:     pool,
		log:      utils.VerbosityLogger("slabs", settings.Verbose),
	}
	a.reb.a = a

	if a.powerLargest() != 0 {
		// Reopened after a shutdown or crash: sizes are frozen, pages are
		// in place. Rebalance state does not survive the process.
		a.resetKilling()
		return a, nil
	}

	if err := a.initClasses(); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return a, nil
}

func (a *Allocator) initClasses() error {
	s := a.settings
	return a.pool.Update(func(tx *pmem.Tx) error {
		root := a.pool.Root()
		if err := tx.Add(root, offClasses); err != nil {
			return err
		}
		a.pool.SetU64(root+offMemLimit, s.MemoryLimit)

		if s.Prealloc && s.MemoryLimit > 0 {
			// A failed reservation must not poison the transaction, so the
			// capacity check comes first; fall back to on-demand growth.
			if s.MemoryLimit+pmem.RootOff+rootSize+pmem.AllocAlign <= uint64(a.pool.Size()) {
				base, err := tx.Alloc(s.MemoryLimit)
				if err != nil {
					return err
				}
				a.pool.SetU64(root+offMemBase, base)
				a.pool.SetU64(root+offMemCurrent, base)
				a.pool.SetU64(root+offMemAvail, s.MemoryLimit)
			} else {
				a.log.Warn("failed to reserve memory in one large chunk, will allocate on demand")
			}
		}

		i := PowerSmallest - 1
		size := uint64(ItemHeaderSize) + s.ChunkSize
		for i+1 < MaxNumberOfSlabClasses-1 && float64(size) <= float64(s.ItemSizeMax)/s.GrowthFactor {
			i++
			if size%ChunkAlignBytes != 0 {
				size += ChunkAlignBytes - size%ChunkAlignBytes
			}
			c := a.class(i)
			c.setSize(uint32(size))
			c.setPerslab(uint32(s.ItemSizeMax / size))
			a.log.Debug("slab class sized",
				utils.Int("class", i),
				utils.Uint64("chunk_size", size),
				utils.Uint64("perslab", s.ItemSizeMax/size))
			size = uint64(float64(size) * s.GrowthFactor)
		}

		i++
		largest := a.class(i)
		largest.setSize(uint32(s.ItemSizeMax))
		largest.setPerslab(1)
		a.pool.SetU32(root+offPowerLargest, uint32(i))
		a.log.Debug("slab class sized",
			utils.Int("class", i),
			utils.Uint64("chunk_size", s.ItemSizeMax),
			utils.Uint64("perslab", 1))

		// Test-suite hook: fake how much has already been committed.
		if env := os.Getenv("T_MEMD_INITIAL_MALLOC"); env != "" {
			if v, err := strconv.ParseUint(env, 10, 64); err == nil {
				a.pool.SetU64(root+offMemMalloced, v)
			}
		}

		if s.Prealloc {
			return a.preallocate(tx, i)
		}
		return nil
	})
}

// preallocate carves one page per class so callers don't hit confusing
// out-of-memory errors while free pool space remains.
func (a *Allocator) preallocate(tx *pmem.Tx, maxslabs int) error {
	count := 0
	for i := PowerSmallest; i < MaxNumberOfSlabClasses; i++ {
		count++
		if count > maxslabs {
			return nil
		}
		if err := a.doNewslab(tx, i); err != nil {
			return utils.WrapError(err,
				"slabs: error while preallocating slab memory; max memory must cover one page per class")
		}
	}
	return nil
}

func (a *Allocator) resetKilling() {
	for i := PowerSmallest; i <= a.powerLargest(); i++ {
		a.class(i).setKilling(0)
	}
}

// Close stops nothing; stop the rebalancer first. It closes the pool.
func (a *Allocator) Close() error {
	return a.pool.Close()
}

// Pool exposes the backing pool, for the index and tests.
func (a *Allocator) Pool() *pmem.Pool { return a.pool }

// Item returns a chunk handle for a pool offset.
func (a *Allocator) Item(off uint64) Item { return a.item(off) }

// PowerLargest returns the largest active class id.
func (a *Allocator) PowerLargest() int { return a.powerLargest() }

// MemMalloced returns the committed byte count.
func (a *Allocator) MemMalloced() uint64 {
	a.slabsLock.Lock()
	defer a.slabsLock.Unlock()
	return a.memMalloced()
}

// ClassID figures out which class is required to store an item of the
// given size. 0 means the object cannot be stored.
func (a *Allocator) ClassID(size uint64) int {
	if size == 0 {
		return 0
	}
	res := PowerSmallest
	for size > uint64(a.class(res).size()) {
		res++
		if res > a.powerLargest() {
			return 0
		}
	}
	return res
}

// ChunkSize returns class id's chunk size.
func (a *Allocator) ChunkSize(id int) uint32 {
	if id < PowerSmallest || id > a.powerLargest() {
		return 0
	}
	return a.class(id).size()
}

func (a *Allocator) validClass(id int) bool {
	return id >= PowerSmallest && id <= a.powerLargest()
}

// Alloc hands out one chunk of class id, creating a new slab page when the
// free list is empty and the budget allows. It returns the chunk offset
// and the class's total chunk count sampled at entry. On success the
// caller's tracker is marked with the allocation epoch.
func (a *Allocator) Alloc(size uint64, id int, th *Thread) (uint64, uint32, error) {
	a.slabsLock.Lock()

	if !a.validClass(id) {
		a.slabsLock.Unlock()
		return 0, 0, ErrBadClass
	}
	c := a.class(id)
	a.assertRestingHead(c)
	total := c.totalChunks()

	if c.slCurr() == 0 {
		if err := a.pool.Update(func(tx *pmem.Tx) error {
			return a.doNewslab(tx, id)
		}); err != nil {
			a.slabsLock.Unlock()
			return 0, total, ErrNoMemory
		}
	}

	var off uint64
	var page uint64
	err := a.pool.Update(func(tx *pmem.Tx) error {
		if err := tx.Add(c.off, classEntrySize); err != nil {
			return err
		}
		off = c.slotsHead()
		it := a.item(off)
		if err := tx.Add(off, ItemHeaderSize); err != nil {
			return err
		}
		next := it.Next()
		c.setSlotsHead(next)
		if next != 0 {
			if err := tx.Add(next+itemOffPrev, 8); err != nil {
				return err
			}
			a.item(next).SetPrev(0)
		}

		// Kill the flag here for lock safety in the mover's freeness
		// detection.
		it.SetClsid(uint8(id))
		it.AndFlags(^ItemSlabbed)

		c.setSlCurr(c.slCurr() - 1)
		c.setRequested(c.requested() + size)
		page = it.Slab()
		return nil
	})
	a.slabsLock.Unlock()

	if err != nil {
		return 0, total, ErrNoMemory
	}
	th.mark(page, uint8(id), false)
	return off, total, nil
}

// Free returns a chunk to its class's free list and marks the caller's
// tracker with the unlink epoch.
func (a *Allocator) Free(off uint64, size uint64, id int, th *Thread) {
	a.slabsLock.Lock()

	if !a.validClass(id) {
		a.slabsLock.Unlock()
		return
	}

	var page uint64
	_ = a.pool.Update(func(tx *pmem.Tx) error {
		page = a.doFree(tx, off, size, id)
		return nil
	})
	a.slabsLock.Unlock()

	th.mark(page, uint8(id), true)
}

// doFree pushes a chunk onto the free-list head. Caller holds the
// allocator lock and an open transaction.
func (a *Allocator) doFree(tx *pmem.Tx, off, size uint64, id int) uint64 {
	c := a.class(id)
	it := a.item(off)

	if err := tx.Add(c.off, classEntrySize); err != nil {
		return 0
	}
	if err := tx.Add(off, ItemHeaderSize); err != nil {
		return 0
	}

	it.SetClsid(0)
	it.SetPrev(0)
	head := c.slotsHead()
	it.SetNext(head)
	if head != 0 {
		if tx.Add(head+itemOffPrev, 8) == nil {
			a.item(head).SetPrev(off)
		}
	}
	c.setSlotsHead(off)
	it.OrFlags(ItemSlabbed)

	c.setSlCurr(c.slCurr() + 1)
	c.setRequested(c.requested() - size)
	return it.Slab()
}

// AdjustRequested updates size accounting when a live chunk is resized in
// place. An invalid class id here is an internal error.
func (a *Allocator) AdjustRequested(id int, old, ntotal uint64) {
	a.slabsLock.Lock()
	defer a.slabsLock.Unlock()

	if !a.validClass(id) {
		panic("slabs: internal error, invalid slab class in AdjustRequested")
	}
	c := a.class(id)
	_ = a.pool.Update(func(tx *pmem.Tx) error {
		if err := tx.Add(c.off+clsOffRequested, 8); err != nil {
			return err
		}
		c.setRequested(c.requested() - old + ntotal)
		return nil
	})
}

// AvailableChunks reports free-chunk count, the memory-limit latch, and
// the class's total chunk count. The latch is the hint the LRU maintainer
// uses to wake early.
func (a *Allocator) AvailableChunks(id int) (free uint32, memFlag bool, total uint32) {
	a.slabsLock.Lock()
	defer a.slabsLock.Unlock()
	if !a.validClass(id) {
		return 0, a.memLimitReached(), 0
	}
	c := a.class(id)
	return c.slCurr(), a.memLimitReached(), c.totalChunks()
}

// assertRestingHead checks the free-list invariant at the alloc entry
// point: a resting free head is disowned. A violation means durable state
// corruption and is fatal.
func (a *Allocator) assertRestingHead(c classRef) {
	if c.slCurr() != 0 && a.item(c.slotsHead()).Clsid() != 0 {
		panic("slabs: free-list invariant violated: free head owned by a class")
	}
}

// doNewslab creates one page for class id inside tx: budget check, grow
// the page vector and clock bitmap, reserve and zero the page, split it
// into the free list, stamp ownership and slot indices, install the page.
// A transaction abort leaves no partial page behind.
func (a *Allocator) doNewslab(tx *pmem.Tx, id int) error {
	c := a.class(id)
	root := a.pool.Root()

	var length uint64
	if a.settings.SlabReassign {
		length = a.settings.ItemSizeMax
	} else {
		length = uint64(c.size()) * uint64(c.perslab())
	}

	if limit := a.memLimit(); limit != 0 && a.memMalloced()+length > limit && c.slabs() > 0 {
		// The latch is written outside the transaction so the abort path
		// cannot roll it back.
		a.pool.SetU8(root+offMemLimitReached, 1)
		_ = a.pool.Persist(root+offMemLimitReached, 1)
		return ErrNoMemory
	}

	if err := tx.Add(c.off, classEntrySize); err != nil {
		return err
	}
	if err := a.growSlabList(tx, c); err != nil {
		return err
	}
	if err := a.clockGrowBitmap(tx, c); err != nil {
		return err
	}

	page, err := a.memoryAllocate(tx, length)
	if err != nil {
		return err
	}

	a.zeroRegion(tx, page, length)
	a.splitPageIntoFreelist(tx, c, page)
	a.assignPageOwnership(tx, c, page, c.slabs()*c.perslab())

	if err := tx.SetU64(c.slabListOff()+uint64(c.slabs())*8, page); err != nil {
		return err
	}
	c.setSlabs(c.slabs() + 1)
	if err := tx.SetU64(root+offMemMalloced, a.memMalloced()+length); err != nil {
		return err
	}
	return nil
}

// growSlabList doubles the page-pointer vector when full; initial
// capacity 16. Existing pointers are preserved by the copy.
func (a *Allocator) growSlabList(tx *pmem.Tx, c classRef) error {
	if c.slabs() != c.listSize() {
		return nil
	}
	newSize := uint32(16)
	if c.listSize() != 0 {
		newSize = c.listSize() * 2
	}
	newOff, err := tx.Realloc(c.slabListOff(), uint64(c.listSize())*8, uint64(newSize)*8)
	if err != nil {
		return err
	}
	c.setSlabListOff(newOff)
	c.setListSize(newSize)
	return nil
}

// clockGrowBitmap grows the clock bitmap to cover the class after one more
// page. Initial contents don't matter; bits are set when chunks are used.
func (a *Allocator) clockGrowBitmap(tx *pmem.Tx, c classRef) error {
	totalSlots := uint64(c.slabs()+1) * uint64(c.perslab())
	bmLen := (totalSlots + 7) / 8

	if c.bitmapOff() == 0 {
		off, err := tx.Alloc(bmLen)
		if err != nil {
			return err
		}
		c.setBitmapOff(off)
		c.setBitmapLen(bmLen)
		return nil
	}
	if bmLen <= c.bitmapLen() {
		return nil
	}
	newOff, err := tx.Realloc(c.bitmapOff(), c.bitmapLen(), bmLen)
	if err != nil {
		return err
	}
	c.setBitmapOff(newOff)
	c.setBitmapLen(bmLen)
	return nil
}

// memoryAllocate reserves length bytes: from the pre-reserved bump region
// when one exists, otherwise as a fresh pool allocation.
func (a *Allocator) memoryAllocate(tx *pmem.Tx, size uint64) (uint64, error) {
	root := a.pool.Root()
	if a.memBase() == 0 {
		off, err := tx.Alloc(size)
		if err != nil {
			return 0, ErrNoMemory
		}
		return off, nil
	}

	avail := a.pool.U64(root + offMemAvail)
	if size > avail {
		return 0, ErrNoMemory
	}
	// The bump pointer must stay aligned.
	if size%ChunkAlignBytes != 0 {
		size += ChunkAlignBytes - size%ChunkAlignBytes
	}
	if err := tx.Add(root+offMemCurrent, 16); err != nil {
		return 0, err
	}
	cur := a.pool.U64(root + offMemCurrent)
	a.pool.SetU64(root+offMemCurrent, cur+size)
	if size < avail {
		a.pool.SetU64(root+offMemAvail, avail-size)
	} else {
		a.pool.SetU64(root+offMemAvail, 0)
	}
	return cur, nil
}

// zeroRegion clears a freshly reserved page. No undo logging: on abort the
// region falls back outside the allocation horizon.
func (a *Allocator) zeroRegion(tx *pmem.Tx, off, n uint64) {
	buf, err := a.pool.Bytes(off, n)
	if err != nil {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	tx.Dirty(off, n)
}

// splitPageIntoFreelist chains every chunk of a fresh page onto the free
// list with SLABBED set. Chunk headers on the page are flushed, not undo
// logged; the caller logs the class entry, and the prev link of the free
// list's previous head is logged here.
func (a *Allocator) splitPageIntoFreelist(tx *pmem.Tx, c classRef, page uint64) {
	size := uint64(c.size())
	perslab := c.perslab()

	if head := c.slotsHead(); head != 0 {
		_ = tx.Add(head+itemOffPrev, 8)
	}

	for x := uint32(0); x < perslab; x++ {
		off := page + uint64(x)*size
		it := a.item(off)
		it.SetClsid(0)
		it.SetPrev(0)
		head := c.slotsHead()
		it.SetNext(head)
		if head != 0 {
			a.item(head).SetPrev(off)
		}
		c.setSlotsHead(off)
		it.OrFlags(ItemSlabbed)
		c.setSlCurr(c.slCurr() + 1)
	}
	tx.Dirty(page, size*uint64(perslab))
}

// assignPageOwnership stamps every chunk's page back-pointer and absolute
// slot index. firstIndex is the class's chunk count before this page.
func (a *Allocator) assignPageOwnership(tx *pmem.Tx, c classRef, page uint64, firstIndex uint32) {
	size := uint64(c.size())
	perslab := c.perslab()
	for x := uint32(0); x < perslab; x++ {
		it := a.item(page + uint64(x)*size)
		it.SetSlab(page)
		it.SetSlabsIndex(firstIndex + x)
	}
	tx.Dirty(page, size*uint64(perslab))
}
