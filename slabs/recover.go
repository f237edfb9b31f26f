package slabs

import (
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/LPD-EPFL/nv-memcached/ast"
	"github.com/LPD-EPFL/nv-memcached/internal/utils"
	"github.com/LPD-EPFL/nv-memcached/pmem"
)

// RecoveryStats summarizes one recovery pass.
type RecoveryStats struct {
	PagesScanned   int
	ChunksScanned  int
	ChunksRepaired int
	EntriesDropped int
}

// Recover repairs the free lists after an unclean shutdown. It walks every
// page listed in every thread's active-slab table; any chunk that is not
// SLABBED and not reachable from the index is spliced out of whatever list
// it was on and pushed back onto its class's free list. Must run before
// any request is admitted, after the pools are open and the index loaded.
//
// A bloom filter over the index's payload offsets short-circuits the
// common case: a chunk the filter has never seen is definitely not
// reachable, and only maybes pay for the exact bucket walk.
func (a *Allocator) Recover(tables []*ast.Table, idx Indexer) (RecoveryStats, error) {
	var stats RecoveryStats
	if idx == nil {
		return stats, utils.NewError("slabs: recovery requires the index")
	}

	linked := uint(0)
	idx.ForEach(func(uint64) { linked++ })
	reachable := bloom.NewWithEstimates(linked+1, 0.01)
	idx.ForEach(func(off uint64) {
		reachable.Add(offsetKey(off))
	})

	a.slabsLock.Lock()
	defer a.slabsLock.Unlock()

	for _, table := range tables {
		for _, entry := range table.Entries() {
			id := int(entry.ClassID)
			if !a.validClass(id) || !a.classOwnsPage(a.class(id), entry.Page) {
				// The tracker's class id is caller-provided; walking a page
				// under the wrong geometry would misalign every header.
				a.log.Warn("dropping tracker entry with stale class",
					utils.Int("thread", table.ThreadID()),
					utils.Uint64("page", entry.Page),
					utils.Int("class", id))
				table.Drop(entry.Page)
				stats.EntriesDropped++
				continue
			}

			c := a.class(id)
			stats.PagesScanned++

			err := a.pool.Update(func(tx *pmem.Tx) error {
				size := uint64(c.size())
				pageIndex := a.pageIndexOf(c, entry.Page)
				for k := uint32(0); k < c.perslab(); k++ {
					off := entry.Page + uint64(k)*size
					it := a.item(off)
					stats.ChunksScanned++

					if it.Flags()&ItemSlabbed != 0 {
						continue
					}
					if reachable.Test(offsetKey(off)) &&
						idx.Contains(idx.Hash(it.Key()), off) {
						continue
					}

					if err := a.repairChunk(tx, c, it, pageIndex*c.perslab()+k); err != nil {
						return err
					}
					stats.ChunksRepaired++
				}
				return nil
			})
			if err != nil {
				return stats, utils.WrapError(err, "slabs: recovery repair")
			}
		}
	}
	return stats, nil
}

// repairChunk splices a chunk out of whatever list it was on and pushes
// it onto the free-list head as SLABBED. The slab back-pointer and slot
// index are restamped; a crash inside the mover's finish step may have
// zeroed them.
func (a *Allocator) repairChunk(tx *pmem.Tx, c classRef, it Item, slotIndex uint32) error {
	if err := tx.Add(c.off, classEntrySize); err != nil {
		return err
	}
	if err := tx.Add(it.Off, ItemHeaderSize); err != nil {
		return err
	}

	if prev := it.Prev(); prev != 0 {
		if err := tx.Add(prev+itemOffNext, 8); err != nil {
			return err
		}
		a.item(prev).SetNext(it.Next())
	}
	if next := it.Next(); next != 0 {
		if err := tx.Add(next+itemOffPrev, 8); err != nil {
			return err
		}
		a.item(next).SetPrev(it.Prev())
	}

	it.SetPrev(0)
	head := c.slotsHead()
	it.SetNext(head)
	if head != 0 {
		if err := tx.Add(head+itemOffPrev, 8); err != nil {
			return err
		}
		a.item(head).SetPrev(it.Off)
	}
	c.setSlotsHead(it.Off)

	it.SetClsid(0)
	it.SetFlags(ItemSlabbed)
	it.SetRefcount(0)
	it.SetSlab(c.slabPage(slotIndex / c.perslab()))
	it.SetSlabsIndex(slotIndex)
	c.setSlCurr(c.slCurr() + 1)
	return nil
}

func (a *Allocator) classOwnsPage(c classRef, page uint64) bool {
	for i := uint32(0); i < c.slabs(); i++ {
		if c.slabPage(i) == page {
			return true
		}
	}
	return false
}

func (a *Allocator) pageIndexOf(c classRef, page uint64) uint32 {
	for i := uint32(0); i < c.slabs(); i++ {
		if c.slabPage(i) == page {
			return i
		}
	}
	return 0
}

func offsetKey(off uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(off >> (8 * i))
	}
	return b[:]
}
