package slabs

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	bclock "github.com/benbjohnson/clock"

	"github.com/LPD-EPFL/nv-memcached/internal/utils"
	"github.com/LPD-EPFL/nv-memcached/pmem"
)

// ReassignResult is the outcome of a page-reassign request.
type ReassignResult int

const (
	ReassignOK ReassignResult = iota
	ReassignRunning
	ReassignBadclass
	ReassignNospare
	ReassignSrcDstSame
)

func (r ReassignResult) String() string {
	switch r {
	case ReassignOK:
		return "OK"
	case ReassignRunning:
		return "RUNNING"
	case ReassignBadclass:
		return "BADCLASS"
	case ReassignNospare:
		return "NOSPARE"
	case ReassignSrcDstSame:
		return "SRC_DST_SAME"
	}
	return "UNKNOWN"
}

// Mover signal values.
const (
	sigIdle int32 = iota
	sigStart
	sigScanning
)

const defaultSlabBulkCheck = 1

// moverBackoff is how long the mover sleeps after a pass that hit busy
// items, to give their holders a chance to bleed off.
const moverBackoff = 50 * time.Microsecond

// RebalancerOptions wires the rebalancer's collaborators: the index for
// draining live items, a thread context for tracker marks, and the
// eviction counters the decider samples. Clock is mockable; nil means
// wall time.
type RebalancerOptions struct {
	Index     Indexer
	Thread    *Thread
	Evictions func([]uint64)
	Clock     bclock.Clock
}

// rebalancer is the two cooperating workers that migrate whole pages
// between classes: a decider that watches eviction pressure and a mover
// that drains and donates one page at a time.
type rebalancer struct {
	a *Allocator

	// lock is held by the mover while it works and by Reassign, Pause and
	// Resume. Contention means a rebalance is running.
	lock   sync.Mutex
	signal atomic.Int32
	wake   chan struct{}

	idx       Indexer
	th        *Thread
	evictions func([]uint64)
	clk       bclock.Clock
	bulkCheck int

	// Mover state, valid while signal != 0. Guarded by lock.
	sClsid    int
	dClsid    int
	slabStart uint64
	slabEnd   uint64
	slabPos   uint64
	busyItems int
	done      bool

	// Decider state.
	evictedOld [MaxNumberOfSlabClasses]uint64
	slabZeroes [MaxNumberOfSlabClasses]uint32
	slabWinner int
	slabWins   uint32
	nextRun    time.Time
	pickCur    int

	stopping atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// StartRebalancer launches the decider and mover workers.
func (a *Allocator) StartRebalancer(opts RebalancerOptions) error {
	r := &a.reb
	if r.started {
		return utils.NewError("slabs: rebalancer already started")
	}
	if opts.Index == nil {
		return utils.NewError("slabs: rebalancer requires an index")
	}
	if !a.settings.SlabReassign {
		return utils.NewError("slabs: rebalancer requires slab_reassign pages")
	}

	r.idx = opts.Index
	r.th = opts.Thread
	r.evictions = opts.Evictions
	r.clk = opts.Clock
	if r.clk == nil {
		r.clk = bclock.New()
	}
	r.wake = make(chan struct{}, 1)
	r.stopCh = make(chan struct{})
	r.signal.Store(sigIdle)
	r.slabStart = 0
	r.pickCur = PowerSmallest - 1

	r.bulkCheck = defaultSlabBulkCheck
	if env := os.Getenv("MEMCACHED_SLAB_BULK_CHECK"); env != "" {
		if v, err := strconv.Atoi(env); err == nil && v > 0 {
			r.bulkCheck = v
		}
	}

	r.stopping.Store(false)
	r.started = true
	r.wg.Add(2)
	go r.maintenanceLoop()
	go r.moverLoop()
	return nil
}

// StopRebalancer asks both workers to stop and joins them. The mover
// finishes the page in flight first.
func (a *Allocator) StopRebalancer() {
	r := &a.reb
	if !r.started {
		return
	}
	r.stopping.Store(true)
	close(r.stopCh)
	r.kick()
	r.wg.Wait()
	r.started = false
}

// RebalancerPause blocks the mover from waking or moving until Resume.
func (a *Allocator) RebalancerPause() {
	a.reb.lock.Lock()
}

// RebalancerResume releases a Pause.
func (a *Allocator) RebalancerResume() {
	a.reb.lock.Unlock()
}

// Reassign requests that one page move from src to dst. src = -1 picks
// any class with at least two pages that isn't dst. Returns RUNNING
// without blocking when a rebalance is already in progress.
func (a *Allocator) Reassign(src, dst int) ReassignResult {
	r := &a.reb
	if !r.lock.TryLock() {
		return ReassignRunning
	}
	defer r.lock.Unlock()
	return r.doReassign(src, dst)
}

func (r *rebalancer) doReassign(src, dst int) ReassignResult {
	if r.signal.Load() != sigIdle {
		return ReassignRunning
	}
	if src == dst {
		return ReassignSrcDstSame
	}

	// Special indicator to choose ourselves.
	if src == -1 {
		src = r.pickAny(dst)
	}

	a := r.a
	if !a.validClass(src) || !a.validClass(dst) {
		return ReassignBadclass
	}
	if a.class(src).slabs() < 2 {
		return ReassignNospare
	}

	r.sClsid = src
	r.dClsid = dst
	r.signal.Store(sigStart)
	r.kick()
	return ReassignOK
}

// pickAny walks the classes at most once, round-robin, for a source with
// a spare page.
func (r *rebalancer) pickAny(dst int) int {
	a := r.a
	tries := a.powerLargest() - PowerSmallest + 1
	for ; tries > 0; tries-- {
		r.pickCur++
		if r.pickCur > a.powerLargest() {
			r.pickCur = PowerSmallest
		}
		if r.pickCur == dst {
			continue
		}
		if a.class(r.pickCur).slabs() > 1 {
			return r.pickCur
		}
	}
	return -1
}

func (r *rebalancer) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// maintenanceLoop is the decider: a slow loop that samples eviction
// pressure and, when enabled, asks for a page move. Blind to the return
// codes; it will retry on its own.
func (r *rebalancer) maintenanceLoop() {
	defer r.wg.Done()
	for !r.stopping.Load() {
		wait := 5 * time.Second
		if r.a.settings.SlabAutomove == 1 {
			if src, dst, ok := r.automoveDecision(); ok {
				r.a.Reassign(src, dst)
			}
			wait = time.Second
		}
		select {
		case <-r.stopCh:
			return
		case <-r.clk.After(wait):
		}
	}
}

// automoveDecision samples each class's eviction delta and page count on
// a coarse 10 s gate. A class with zero evictions and more than two pages
// for three consecutive samples is the source candidate; the top evictor
// winning three straight samples is the destination.
func (r *rebalancer) automoveDecision() (int, int, bool) {
	if r.evictions == nil {
		return 0, 0, false
	}

	now := r.clk.Now()
	if now.Before(r.nextRun) {
		return 0, 0, false
	}
	r.nextRun = now.Add(10 * time.Second)

	var evictedNew [MaxNumberOfSlabClasses]uint64
	r.evictions(evictedNew[:])

	a := r.a
	var totalPages [MaxNumberOfSlabClasses]uint32
	a.slabsLock.Lock()
	for i := PowerSmallest; i < a.powerLargest(); i++ {
		totalPages[i] = a.class(i).slabs()
	}
	a.slabsLock.Unlock()

	source := 0
	dest := 0
	var evictedMax uint64
	highestSlab := 0

	for i := PowerSmallest; i < a.powerLargest(); i++ {
		evictedDiff := evictedNew[i] - r.evictedOld[i]
		if evictedDiff == 0 && totalPages[i] > 2 {
			r.slabZeroes[i]++
			if source == 0 && r.slabZeroes[i] >= 3 {
				source = i
			}
		} else {
			r.slabZeroes[i] = 0
			if evictedDiff > evictedMax {
				evictedMax = evictedDiff
				highestSlab = i
			}
		}
		r.evictedOld[i] = evictedNew[i]
	}

	if r.slabWinner != 0 && r.slabWinner == highestSlab {
		r.slabWins++
		if r.slabWins >= 3 {
			dest = r.slabWinner
		}
	} else {
		r.slabWins = 1
		r.slabWinner = highestSlab
	}

	if source != 0 && dest != 0 {
		return source, dest, true
	}
	return 0, 0, false
}

// moverLoop sits waiting for a signal to jump off and shovel some memory
// about. It holds the rebalance lock while working.
func (r *rebalancer) moverLoop() {
	defer r.wg.Done()
	wasBusy := false

	r.lock.Lock()
	for {
		switch {
		case r.signal.Load() == sigStart:
			if r.start() != nil {
				r.signal.Store(sigIdle)
			}
			wasBusy = false
		case r.signal.Load() != sigIdle:
			if r.slabStart == 0 {
				panic("slabs: mover signalled with no slab pinned")
			}
			wasBusy = r.move()
		}

		if r.done {
			r.finish()
		} else if wasBusy {
			// Stuck waiting for some items to unlock; slow down a bit to
			// give them a chance to free up.
			time.Sleep(moverBackoff)
		}

		if r.signal.Load() == sigIdle {
			if r.stopping.Load() {
				r.lock.Unlock()
				return
			}
			r.lock.Unlock()
			select {
			case <-r.wake:
			case <-r.stopCh:
				// Drain the page in flight before exiting; there is none
				// when the signal is idle.
			}
			r.lock.Lock()
		}
	}
}

// start validates the pair and pins the source's last page for draining.
// The destination's page vector and bitmap are grown up front, in the
// same transaction that marks the page as dying.
func (r *rebalancer) start() error {
	a := r.a
	a.slabsLock.Lock()
	defer a.slabsLock.Unlock()

	if !a.validClass(r.sClsid) || !a.validClass(r.dClsid) || r.sClsid == r.dClsid {
		return ErrBadClass
	}
	s := a.class(r.sClsid)
	d := a.class(r.dClsid)
	if s.slabs() < 2 {
		return ErrNoMemory
	}

	err := a.pool.Update(func(tx *pmem.Tx) error {
		if err := tx.Add(d.off, classEntrySize); err != nil {
			return err
		}
		if err := a.growSlabList(tx, d); err != nil {
			return err
		}
		if err := a.clockGrowBitmap(tx, d); err != nil {
			return err
		}
		return tx.SetU32(s.off+clsOffKilling, s.slabs())
	})
	if err != nil {
		return err
	}

	r.slabStart = s.slabPage(s.killing() - 1)
	r.slabEnd = r.slabStart + uint64(s.size())*uint64(s.perslab())
	r.slabPos = r.slabStart
	r.done = false
	r.busyItems = 0

	// Also tells item readers to search for items in this slab.
	r.signal.Store(sigScanning)
	a.log.Debug("started a slab rebalance",
		utils.Int("src", r.sClsid), utils.Int("dst", r.dClsid))
	return nil
}

type moveStatus int

const (
	movePass moveStatus = iota
	moveFromSlab
	moveFromLRU
	moveBusy
	moveLocked
)

// move processes up to bulkCheck chunks of the dying page. Free chunks
// are spliced out of the source free list; linked chunks are unlinked
// from the index with the bucket lock held and the refcount as the
// cross-subsystem handshake. Busy chunks force another pass.
//
// Flag reads happen outside the bucket lock: SLABBED only changes under
// the slab lock we hold, and a stale LINKED is re-checked under the
// bucket lock past the memory barrier.
func (r *rebalancer) move() bool {
	a := r.a
	a.slabsLock.Lock()

	s := a.class(r.sClsid)
	wasBusy := false

	for x := 0; x < r.bulkCheck; x++ {
		it := a.item(r.slabPos)
		status := movePass
		var hv uint64

		if it.Clsid() != ClassInTransit {
			if it.Flags()&ItemSlabbed != 0 {
				// Remove from the slab free list.
				_ = a.pool.Update(func(tx *pmem.Tx) error {
					if err := tx.Add(s.off, classEntrySize); err != nil {
						return err
					}
					if err := tx.Add(it.Off, ItemHeaderSize); err != nil {
						return err
					}
					if s.slotsHead() == it.Off {
						s.setSlotsHead(it.Next())
					}
					if next := it.Next(); next != 0 {
						if err := tx.Add(next+itemOffPrev, 8); err != nil {
							return err
						}
						a.item(next).SetPrev(it.Prev())
					}
					if prev := it.Prev(); prev != 0 {
						if err := tx.Add(prev+itemOffNext, 8); err != nil {
							return err
						}
						a.item(prev).SetNext(it.Next())
					}
					s.setSlCurr(s.slCurr() - 1)
					return nil
				})
				status = moveFromSlab
			} else if it.Flags()&ItemLinked != 0 {
				hv = r.idx.Hash(it.Key())
				if !r.idx.TryLock(hv) {
					status = moveLocked
				} else {
					refcount := it.RefIncr()
					if refcount == 2 { // linked but not busy
						// Double check LINKED here, past the barrier from
						// the bucket lock.
						if it.Flags()&ItemLinked != 0 {
							status = moveFromLRU
						} else {
							// Refcount 1 without LINKED: being written to,
							// or just unlinked and not yet freed. Let it
							// bleed off on its own.
							status = moveBusy
						}
					} else {
						a.log.Debug("slab reassign hit a busy item",
							utils.Uint64("refcount", uint64(refcount)),
							utils.Int("src", r.sClsid), utils.Int("dst", r.dClsid))
						status = moveBusy
					}
					if status == moveBusy {
						it.RefDecr()
						r.idx.Unlock(hv)
					}
				}
			}
		}

		switch status {
		case moveFromLRU:
			// Bucket locks order before the slab lock; unlink drops ours
			// first. We hold an exclusive refcount and the bucket lock.
			a.slabsLock.Unlock()
			r.idx.Unlink(hv, it.Off)
			it.AndFlags(^ItemLinked)
			r.th.mark(r.slabStart, uint8(r.sClsid), true)
			r.idx.Unlock(hv)
			a.slabsLock.Lock()
			fallthrough
		case moveFromSlab:
			_ = a.pool.Update(func(tx *pmem.Tx) error {
				if err := tx.Add(it.Off, ItemHeaderSize); err != nil {
					return err
				}
				it.SetRefcount(0)
				it.SetFlags(0)
				it.SetClsid(ClassInTransit)
				return nil
			})
		case moveBusy, moveLocked:
			r.busyItems++
			wasBusy = true
		case movePass:
		}

		r.slabPos += uint64(s.size())
		if r.slabPos >= r.slabEnd {
			break
		}
	}

	if r.slabPos >= r.slabEnd {
		// Some items were busy, start again from the top.
		if r.busyItems > 0 {
			r.slabPos = r.slabStart
			r.busyItems = 0
		} else {
			r.done = true
		}
	}

	a.slabsLock.Unlock()
	return wasBusy
}

// finish donates the drained page: the source's page list is compacted,
// the page is zeroed, re-indexed for the destination and split into its
// free list, all in one transaction.
func (r *rebalancer) finish() {
	a := r.a
	a.slabsLock.Lock()

	s := a.class(r.sClsid)
	d := a.class(r.dClsid)
	page := r.slabStart

	_ = a.pool.Update(func(tx *pmem.Tx) error {
		if err := tx.Add(s.off, classEntrySize); err != nil {
			return err
		}
		if err := tx.Add(d.off, classEntrySize); err != nil {
			return err
		}

		// At this point the stolen page is completely clear.
		if err := tx.SetU64(s.slabListOff()+uint64(s.killing()-1)*8, s.slabPage(s.slabs()-1)); err != nil {
			return err
		}
		s.setSlabs(s.slabs() - 1)
		s.setKilling(0)

		a.zeroRegion(tx, page, a.settings.ItemSizeMax)

		if err := tx.SetU64(d.slabListOff()+uint64(d.slabs())*8, page); err != nil {
			return err
		}
		a.splitPageIntoFreelist(tx, d, page)
		a.assignPageOwnership(tx, d, page, d.slabs()*d.perslab())
		d.setSlabs(d.slabs() + 1)
		return nil
	})

	// The page changed hands; retarget its tracker entry at the new class.
	if r.th != nil && r.th.Table != nil {
		r.th.Table.Drop(page)
	}
	r.th.mark(page, uint8(r.dClsid), false)

	r.done = false
	r.sClsid = 0
	r.dClsid = 0
	r.slabStart = 0
	r.slabEnd = 0
	r.slabPos = 0
	r.busyItems = 0

	r.signal.Store(sigIdle)
	a.slabsLock.Unlock()

	a.log.Debug("finished a slab move")
}
