package slabs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LPD-EPFL/nv-memcached/ast"
	"github.com/LPD-EPFL/nv-memcached/epoch"
	"github.com/LPD-EPFL/nv-memcached/index"
	"github.com/LPD-EPFL/nv-memcached/pmem"
)

func TestRecover_RepairsOrphansKeepsLinked(t *testing.T) {
	s := testSettings(t)
	trackerDir := t.TempDir()

	a, err := New(s)
	require.NoError(t, err)
	table, err := ast.Create(trackerDir, 0, nil)
	require.NoError(t, err)
	th := &Thread{Table: table, Clock: epoch.NewRegistry().Register(0)}

	id := a.ClassID(100)
	ix := index.New(8)

	// A properly linked item.
	linked, _, err := a.Alloc(100, id, th)
	require.NoError(t, err)
	require.NoError(t, a.Item(linked).SetKey([]byte("alpha")))
	a.Item(linked).OrFlags(ItemLinked)
	ix.Insert(ix.Hash([]byte("alpha")), linked)

	// An orphan: allocated, key written, crash before the index link.
	orphan, _, err := a.Alloc(100, id, th)
	require.NoError(t, err)
	require.NoError(t, a.Item(orphan).SetKey([]byte("beta")))

	// An in-transit chunk the mover wiped but never donated.
	transit, _, err := a.Alloc(100, id, th)
	require.NoError(t, err)
	a.Item(transit).SetFlags(0)
	a.Item(transit).SetClsid(ClassInTransit)

	freeBefore := a.ClassStatsFor(id).FreeChunks
	pagesBefore := a.ClassStatsFor(id).Pages

	// The process dies and comes back: pools reopen, the front-end
	// reloads the index, recovery runs before anything else.
	require.NoError(t, a.Close())
	require.NoError(t, table.Close())

	a2, err := New(s)
	require.NoError(t, err)
	defer a2.Close()
	table2, err := ast.Create(trackerDir, 0, nil)
	require.NoError(t, err)
	defer table2.Close()
	require.NotEmpty(t, table2.Entries(), "tracker must survive restart")

	ix2 := index.New(8)
	ix2.Insert(ix2.Hash([]byte("alpha")), linked)

	stats, err := a2.Recover([]*ast.Table{table2}, ix2)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ChunksRepaired, "orphan and in-transit chunk restored")

	assert.Equal(t, pagesBefore, a2.ClassStatsFor(id).Pages, "page count unchanged")
	assert.Equal(t, freeBefore+2, a2.ClassStatsFor(id).FreeChunks)

	// The linked item is still reachable and still linked.
	assert.True(t, ix2.Contains(ix2.Hash([]byte("alpha")), linked))
	assert.NotZero(t, a2.Item(linked).Flags()&ItemLinked)

	// Repaired chunks are SLABBED, disowned, correctly restamped.
	for _, off := range []uint64{orphan, transit} {
		it := a2.Item(off)
		assert.NotZero(t, it.Flags()&ItemSlabbed)
		assert.Zero(t, it.Clsid())
		assert.NotZero(t, it.Slab())
	}
	checkClassInvariants(t, a2, id)

	// Repaired chunks are allocatable again, LIFO from the repair order.
	reuse, _, err := a2.Alloc(100, id, nil)
	require.NoError(t, err)
	assert.Contains(t, []uint64{orphan, transit}, reuse)
}

func TestRecover_DropsStaleTrackerEntries(t *testing.T) {
	a := newTestAllocator(t, nil)
	table, err := ast.Create(t.TempDir(), 1, nil)
	require.NoError(t, err)
	defer table.Close()

	// An entry whose page the recorded class does not own.
	require.NoError(t, table.Mark(0xDEAD000, 3, 9, 0, false))
	// An entry with an out-of-range class.
	require.NoError(t, table.Mark(0xBEEF000, 200, 9, 0, false))

	ix := index.New(8)
	stats, err := a.Recover([]*ast.Table{table}, ix)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.EntriesDropped)
	assert.Zero(t, stats.ChunksRepaired)
	assert.Empty(t, table.Entries())
}

func TestRecover_IdempotentOnCleanState(t *testing.T) {
	a := newTestAllocator(t, nil)
	th := newTestThread(t)
	id := a.ClassID(100)

	off, _, err := a.Alloc(100, id, th)
	require.NoError(t, err)
	a.Free(off, 100, id, th)

	ix := index.New(8)
	stats, err := a.Recover([]*ast.Table{th.Table}, ix)
	require.NoError(t, err)
	assert.Zero(t, stats.ChunksRepaired, "free chunks are already consistent")
	checkClassInvariants(t, a, id)
}

func TestRecover_RequiresIndex(t *testing.T) {
	a := newTestAllocator(t, nil)
	_, err := a.Recover(nil, nil)
	assert.Error(t, err)
}

func TestRecover_SurvivesTornTransaction(t *testing.T) {
	// A transaction that dies before commit must leave the pool exactly
	// as it was: same page count, nothing orphaned.
	s := testSettings(t)
	s.PoolPath = filepath.Join(t.TempDir(), "slabs")

	a, err := New(s)
	require.NoError(t, err)
	id := a.ClassID(100)
	off, _, err := a.Alloc(100, id, nil)
	require.NoError(t, err)
	a.Free(off, 100, id, nil)
	statsBefore := a.ClassStatsFor(id)
	malloced := a.MemMalloced()

	// Die mid-allocation, before the transaction commits.
	assert.Panics(t, func() {
		_ = a.pool.Update(func(tx *pmem.Tx) error {
			c := a.class(id)
			if err := tx.Add(c.off, classEntrySize); err != nil {
				return err
			}
			c.setSlCurr(0)
			c.setSlotsHead(0)
			panic("process killed")
		})
	})

	assert.Equal(t, statsBefore.FreeChunks, a.ClassStatsFor(id).FreeChunks,
		"rollback restored the free list")
	assert.Equal(t, statsBefore.Pages, a.ClassStatsFor(id).Pages)
	assert.Equal(t, malloced, a.MemMalloced())
	checkClassInvariants(t, a, id)
	require.NoError(t, a.Close())
}
