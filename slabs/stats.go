package slabs

import "fmt"

// AddStat appends one key/value pair to whatever buffer the front-end is
// assembling for the wire.
type AddStat func(key, val string)

// ClassCounters carries the per-class hit counters the front-end
// aggregates from its thread-local stats. The core does not own them.
type ClassCounters struct {
	GetHits    uint64
	SetCmds    uint64
	DeleteHits uint64
	IncrHits   uint64
	DecrHits   uint64
	CasHits    uint64
	CasBadval  uint64
	TouchHits  uint64
}

// CounterSource supplies counters for a class id.
type CounterSource func(id int) ClassCounters

// ClassStats is a point-in-time snapshot of one class's accounting.
type ClassStats struct {
	ChunkSize   uint32
	Perslab     uint32
	Pages       uint32
	TotalChunks uint32
	FreeChunks  uint32
	ClockHand   uint32
	Requested   uint64
}

// ClassStatsFor snapshots class id under the allocator lock.
func (a *Allocator) ClassStatsFor(id int) ClassStats {
	a.slabsLock.Lock()
	defer a.slabsLock.Unlock()
	if !a.validClass(id) {
		return ClassStats{}
	}
	c := a.class(id)
	return ClassStats{
		ChunkSize:   c.size(),
		Perslab:     c.perslab(),
		Pages:       c.slabs(),
		TotalChunks: c.totalChunks(),
		FreeChunks:  c.slCurr(),
		ClockHand:   c.clockHand(),
		Requested:   c.requested(),
	}
}

// Stats emits the slab statistics for every non-empty class, then the
// terminal totals. Keys match the classic "stats slabs" surface.
func (a *Allocator) Stats(add AddStat, counters CounterSource) {
	a.slabsLock.Lock()
	defer a.slabsLock.Unlock()

	total := 0
	for i := PowerSmallest; i <= a.powerLargest(); i++ {
		c := a.class(i)
		slabs := c.slabs()
		if slabs == 0 {
			continue
		}
		perslab := c.perslab()

		num := func(name string, val uint64) {
			add(fmt.Sprintf("%d:%s", i, name), fmt.Sprintf("%d", val))
		}

		num("chunk_size", uint64(c.size()))
		num("chunks_per_page", uint64(perslab))
		num("total_pages", uint64(slabs))
		num("total_chunks", uint64(slabs*perslab))
		num("used_chunks", uint64(slabs*perslab-c.slCurr()))
		num("free_chunks", uint64(c.slCurr()))
		// Stat is dead, but displaying zero instead of removing it.
		num("free_chunks_end", 0)
		num("mem_requested", c.requested())

		var tc ClassCounters
		if counters != nil {
			tc = counters(i)
		}
		num("get_hits", tc.GetHits)
		num("cmd_set", tc.SetCmds)
		num("delete_hits", tc.DeleteHits)
		num("incr_hits", tc.IncrHits)
		num("decr_hits", tc.DecrHits)
		num("cas_hits", tc.CasHits)
		num("cas_badval", tc.CasBadval)
		num("touch_hits", tc.TouchHits)
		total++
	}

	add("active_slabs", fmt.Sprintf("%d", total))
	add("total_malloced", fmt.Sprintf("%d", a.memMalloced()))
}
