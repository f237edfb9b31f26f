package slabs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LPD-EPFL/nv-memcached/ast"
	"github.com/LPD-EPFL/nv-memcached/epoch"
)

// testSettings shrinks the geometry so tests stay fast: 16 KiB pages,
// doubling classes.
func testSettings(t *testing.T) Settings {
	t.Helper()
	s := DefaultSettings()
	s.MemoryLimit = 0
	s.GrowthFactor = 2.0
	s.ItemSizeMax = 16384
	s.ChunkSize = 48
	s.SlabReassign = true
	s.Verbose = 0
	s.PoolPath = filepath.Join(t.TempDir(), "slabs")
	s.PoolSize = 64 * 1024 * 1024
	return s
}

func newTestAllocator(t *testing.T, mutate func(*Settings)) *Allocator {
	t.Helper()
	s := testSettings(t)
	if mutate != nil {
		mutate(&s)
	}
	a, err := New(s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func newTestThread(t *testing.T) *Thread {
	t.Helper()
	table, err := ast.Create(t.TempDir(), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = table.Close() })
	return &Thread{Table: table, Clock: epoch.NewRegistry().Register(0)}
}

// checkClassInvariants walks every page of a class and checks the resting
// properties: SLABBED count matches the free-list length, free chunks are
// disowned, no chunk is both SLABBED and LINKED, and the hand is in range.
func checkClassInvariants(t *testing.T, a *Allocator, id int) {
	t.Helper()
	a.slabsLock.Lock()
	defer a.slabsLock.Unlock()

	c := a.class(id)
	var slabbed, freeListLen uint32

	for i := uint32(0); i < c.slabs(); i++ {
		page := c.slabPage(i)
		for k := uint32(0); k < c.perslab(); k++ {
			it := a.item(page + uint64(k)*uint64(c.size()))
			flags := it.Flags()
			require.False(t, flags&ItemSlabbed != 0 && flags&ItemLinked != 0,
				"chunk both SLABBED and LINKED")
			if flags&ItemSlabbed != 0 {
				slabbed++
				assert.Zero(t, it.Clsid(), "free chunk still owned")
			}
		}
	}

	for off := c.slotsHead(); off != 0; off = a.item(off).Next() {
		freeListLen++
		require.LessOrEqual(t, freeListLen, c.totalChunks(), "free list cycle")
	}

	assert.Equal(t, c.slCurr(), freeListLen, "free-list length accounting")
	assert.Equal(t, slabbed, freeListLen, "SLABBED chunks vs free list")
	if total := c.totalChunks(); total > 0 {
		assert.Less(t, c.clockHand(), total, "clock hand out of range")
	}
}

func TestNew_ClassGeometry(t *testing.T) {
	a := newTestAllocator(t, nil)

	// Doubling from 88 under a 16 KiB cap: 88..5632, then the forced max.
	require.GreaterOrEqual(t, a.PowerLargest(), 5)
	largest := a.class(a.PowerLargest())
	assert.Equal(t, uint32(16384), largest.size())
	assert.Equal(t, uint32(1), largest.perslab())

	// Sizes grow strictly and stay aligned.
	for i := PowerSmallest; i < a.PowerLargest(); i++ {
		assert.Less(t, a.class(i).size(), a.class(i+1).size())
		assert.Zero(t, a.class(i).size()%ChunkAlignBytes)
		assert.Equal(t, uint32(16384)/a.class(i).size(), a.class(i).perslab())
	}
}

func TestNew_PreallocFullBudget(t *testing.T) {
	a := newTestAllocator(t, func(s *Settings) {
		s.MemoryLimit = 1024 * 1024
		s.Prealloc = true
	})

	// One page per class, each page item_size_max long.
	classes := uint64(a.PowerLargest() - PowerSmallest + 1)
	assert.GreaterOrEqual(t, a.MemMalloced(), classes*16384)
	for i := PowerSmallest; i <= a.PowerLargest(); i++ {
		st := a.ClassStatsFor(i)
		assert.Equal(t, uint32(1), st.Pages, "class %d not preallocated", i)
		assert.Equal(t, st.Perslab, st.FreeChunks)
	}
}

func TestNew_PreallocReportsFirstFailure(t *testing.T) {
	s := testSettings(t)
	// Two pages of budget cannot cover one page per class.
	s.MemoryLimit = 2 * 16384
	s.Prealloc = true
	_, err := New(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preallocating")
}

func TestNew_MemcachedScaleGeometry(t *testing.T) {
	a := newTestAllocator(t, func(s *Settings) {
		s.MemoryLimit = 0
		s.GrowthFactor = 1.25
		s.ItemSizeMax = 1024 * 1024
		s.ChunkSize = 48
		s.PoolSize = 256 * 1024 * 1024
	})

	assert.GreaterOrEqual(t, a.PowerLargest(), 18, "1.25 growth must yield at least 18 classes")
	largest := a.class(a.PowerLargest())
	assert.Equal(t, uint32(1024*1024), largest.size())
	assert.Equal(t, uint32(1), largest.perslab())
}

func TestNew_InitialMallocEnv(t *testing.T) {
	t.Setenv("T_MEMD_INITIAL_MALLOC", "123456")
	a := newTestAllocator(t, nil)
	assert.Equal(t, uint64(123456), a.MemMalloced())
}

func TestClassID(t *testing.T) {
	a := newTestAllocator(t, nil)

	assert.Zero(t, a.ClassID(0))
	assert.Zero(t, a.ClassID(1024*1024), "oversized object has no class")

	id := a.ClassID(100)
	require.NotZero(t, id)
	assert.GreaterOrEqual(t, a.class(id).size(), uint32(100))
	if id > PowerSmallest {
		assert.Less(t, a.class(id-1).size(), uint32(100), "not the smallest fitting class")
	}

	// Exactly the largest size fits in the largest class.
	assert.Equal(t, a.PowerLargest(), a.ClassID(16384))
}

func TestAlloc_FirstAllocCreatesOnePage(t *testing.T) {
	a := newTestAllocator(t, nil)
	id := a.ClassID(100)

	require.Zero(t, a.ClassStatsFor(id).Pages)
	off, _, err := a.Alloc(100, id, nil)
	require.NoError(t, err)
	require.NotZero(t, off)

	st := a.ClassStatsFor(id)
	assert.Equal(t, uint32(1), st.Pages)
	assert.Equal(t, st.Perslab-1, st.FreeChunks)
	assert.Equal(t, uint64(100), st.Requested)

	it := a.Item(off)
	assert.Zero(t, it.Flags()&ItemSlabbed, "handed-out chunk is no longer SLABBED")
	assert.Equal(t, uint8(id), it.Clsid())
	checkClassInvariants(t, a, id)
}

func TestAlloc_BadClass(t *testing.T) {
	a := newTestAllocator(t, nil)
	_, _, err := a.Alloc(100, 0, nil)
	assert.ErrorIs(t, err, ErrBadClass)
	_, _, err = a.Alloc(100, a.PowerLargest()+1, nil)
	assert.ErrorIs(t, err, ErrBadClass)
}

func TestAllocFree_LIFOReuse(t *testing.T) {
	a := newTestAllocator(t, nil)
	id := a.ClassID(100)

	off, _, err := a.Alloc(100, id, nil)
	require.NoError(t, err)

	a.Free(off, 100, id, nil)
	it := a.Item(off)
	assert.NotZero(t, it.Flags()&ItemSlabbed)
	assert.Zero(t, it.Clsid())

	again, _, err := a.Alloc(100, id, nil)
	require.NoError(t, err)
	assert.Equal(t, off, again, "free list is LIFO, same chunk comes back")
	checkClassInvariants(t, a, id)
}

func TestAllocFree_RoundTripAccounting(t *testing.T) {
	a := newTestAllocator(t, nil)
	id := a.ClassID(100)

	// Warm the class so the baseline includes its page.
	warm, _, err := a.Alloc(100, id, nil)
	require.NoError(t, err)
	a.Free(warm, 100, id, nil)

	malloced := a.MemMalloced()
	before := a.ClassStatsFor(id)

	offs := make([]uint64, 0, 20)
	for i := 0; i < 20; i++ {
		off, _, err := a.Alloc(100, id, nil)
		require.NoError(t, err)
		offs = append(offs, off)
	}
	for _, off := range offs {
		a.Free(off, 100, id, nil)
	}

	after := a.ClassStatsFor(id)
	assert.Equal(t, malloced, a.MemMalloced(), "committed bytes round-trip")
	assert.Equal(t, before.Pages, after.Pages, "page count round-trips")
	assert.Equal(t, before.Requested, after.Requested, "requested bytes round-trip")
	assert.Equal(t, before.FreeChunks, after.FreeChunks)
	checkClassInvariants(t, a, id)
}

func TestAlloc_MemoryLimitLatch(t *testing.T) {
	a := newTestAllocator(t, func(s *Settings) {
		s.MemoryLimit = 2 * 16384 // two pages
	})
	id := a.ClassID(100)
	perslab := int(16384 / a.class(id).size())

	var last uint64
	for i := 0; i < 2*perslab; i++ {
		off, _, err := a.Alloc(100, id, nil)
		require.NoError(t, err)
		last = off
	}
	_ = last

	// The third page would exceed the budget.
	_, total, err := a.Alloc(100, id, nil)
	assert.ErrorIs(t, err, ErrNoMemory)
	assert.Equal(t, uint32(2*perslab), total)

	free, memFlag, _ := a.AvailableChunks(id)
	assert.Zero(t, free)
	assert.True(t, memFlag, "memory-limit latch set")

	// Freeing brings the class back without new pages.
	a.Free(last, 100, id, nil)
	off, _, err := a.Alloc(100, id, nil)
	require.NoError(t, err)
	assert.Equal(t, last, off)
	assert.Equal(t, uint32(2), a.ClassStatsFor(id).Pages)
}

func TestAlloc_MarksTracker(t *testing.T) {
	a := newTestAllocator(t, nil)
	th := newTestThread(t)
	id := a.ClassID(100)

	off, _, err := a.Alloc(100, id, th)
	require.NoError(t, err)

	entries := th.Table.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, a.Item(off).Slab(), entries[0].Page)
	assert.Equal(t, uint8(id), entries[0].ClassID)
	assert.NotZero(t, entries[0].LastAllocEpoch)
	assert.Zero(t, entries[0].LastUnlinkEpoch)

	// Free marks the unlink side of the same entry.
	a.Free(off, 100, id, th)
	entries = th.Table.Entries()
	require.Len(t, entries, 1)
	assert.NotZero(t, entries[0].LastUnlinkEpoch)
}

func TestGrowSlabList_PreservesPages(t *testing.T) {
	a := newTestAllocator(t, nil)
	id := a.PowerLargest() // perslab 1, one page per alloc

	offs := make([]uint64, 0, 17)
	for i := 0; i < 17; i++ {
		off, _, err := a.Alloc(1000, id, nil)
		require.NoError(t, err)
		offs = append(offs, off)
	}

	st := a.ClassStatsFor(id)
	require.Equal(t, uint32(17), st.Pages)
	assert.Equal(t, uint32(32), a.class(id).listSize(), "vector doubled from 16")

	// Every previously installed page pointer survived the growth.
	pages := map[uint64]bool{}
	for i := uint32(0); i < 17; i++ {
		pages[a.class(id).slabPage(i)] = true
	}
	for _, off := range offs {
		assert.True(t, pages[a.Item(off).Slab()], "page lost during vector growth")
	}
	checkClassInvariants(t, a, id)
}

func TestAdjustRequested(t *testing.T) {
	a := newTestAllocator(t, nil)
	id := a.ClassID(100)

	off, _, err := a.Alloc(100, id, nil)
	require.NoError(t, err)
	defer a.Free(off, 150, id, nil)

	a.AdjustRequested(id, 100, 150)
	assert.Equal(t, uint64(150), a.ClassStatsFor(id).Requested)

	assert.Panics(t, func() { a.AdjustRequested(0, 1, 2) })
}

func TestNew_ReopenKeepsState(t *testing.T) {
	s := testSettings(t)
	a, err := New(s)
	require.NoError(t, err)

	id := a.ClassID(100)
	off, _, err := a.Alloc(100, id, nil)
	require.NoError(t, err)
	pages := a.ClassStatsFor(id).Pages
	size := a.class(id).size()
	require.NoError(t, a.Close())

	a2, err := New(s)
	require.NoError(t, err)
	defer a2.Close()

	assert.Equal(t, pages, a2.ClassStatsFor(id).Pages)
	assert.Equal(t, uint8(id), a2.Item(off).Clsid())
	assert.Equal(t, size, a2.class(id).size(), "sizes frozen after init")
}
