package slabs

// Persistent layout of the slab root, relative to the pool's root region.
// The class table is a fixed array so class ids index it directly; ids fit
// a byte because 255 is reserved for chunks in transit between classes.

const (
	// PowerSmallest is the first valid class id.
	PowerSmallest = 1
	// MaxNumberOfSlabClasses bounds the class table.
	MaxNumberOfSlabClasses = 64
	// ChunkAlignBytes aligns every chunk size.
	ChunkAlignBytes = 8
	// ClassInTransit marks a chunk the mover has drained but not yet
	// donated. Only the mover ever sees it.
	ClassInTransit = 255
)

const (
	offMemLimit        = 0x00
	offMemMalloced     = 0x08
	offMemLimitReached = 0x10
	offPowerLargest    = 0x14
	offMemBase         = 0x18
	offMemCurrent      = 0x20
	offMemAvail        = 0x28
	offClasses         = 0x30

	classEntrySize = 96

	clsOffSize      = 0x00
	clsOffPerslab   = 0x04
	clsOffSlabs     = 0x08
	clsOffListSize  = 0x0C
	clsOffKilling   = 0x10
	clsOffClockHand = 0x14
	clsOffSlCurr    = 0x18
	clsOffSlotsHead = 0x20
	clsOffRequested = 0x28
	clsOffSlabList  = 0x30
	clsOffBitmap    = 0x38
	clsOffBitmapLen = 0x40

	rootSize = offClasses + MaxNumberOfSlabClasses*classEntrySize
)

// classRef is a live view onto one persistent class entry. All access goes
// through it so the field offsets live in exactly one place.
type classRef struct {
	a   *Allocator
	id  int
	off uint64
}

func (a *Allocator) class(id int) classRef {
	return classRef{a: a, id: id, off: a.pool.Root() + offClasses + uint64(id)*classEntrySize}
}

func (c classRef) size() uint32       { return c.a.pool.U32(c.off + clsOffSize) }
func (c classRef) perslab() uint32    { return c.a.pool.U32(c.off + clsOffPerslab) }
func (c classRef) slabs() uint32      { return c.a.pool.U32(c.off + clsOffSlabs) }
func (c classRef) listSize() uint32   { return c.a.pool.U32(c.off + clsOffListSize) }
func (c classRef) killing() uint32    { return c.a.pool.U32(c.off + clsOffKilling) }
func (c classRef) clockHand() uint32  { return c.a.pool.U32(c.off + clsOffClockHand) }
func (c classRef) slCurr() uint32     { return c.a.pool.U32(c.off + clsOffSlCurr) }
func (c classRef) slotsHead() uint64  { return c.a.pool.U64(c.off + clsOffSlotsHead) }
func (c classRef) requested() uint64  { return c.a.pool.U64(c.off + clsOffRequested) }
func (c classRef) slabListOff() uint64 { return c.a.pool.U64(c.off + clsOffSlabList) }
func (c classRef) bitmapOff() uint64  { return c.a.pool.U64(c.off + clsOffBitmap) }
func (c classRef) bitmapLen() uint64  { return c.a.pool.U64(c.off + clsOffBitmapLen) }

// Setters write through without undo logging; callers must have Add-ed the
// class entry to the open transaction first.

func (c classRef) setSize(v uint32)       { c.a.pool.SetU32(c.off+clsOffSize, v) }
func (c classRef) setPerslab(v uint32)    { c.a.pool.SetU32(c.off+clsOffPerslab, v) }
func (c classRef) setSlabs(v uint32)      { c.a.pool.SetU32(c.off+clsOffSlabs, v) }
func (c classRef) setListSize(v uint32)   { c.a.pool.SetU32(c.off+clsOffListSize, v) }
func (c classRef) setKilling(v uint32)    { c.a.pool.SetU32(c.off+clsOffKilling, v) }
func (c classRef) setClockHand(v uint32)  { c.a.pool.SetU32(c.off+clsOffClockHand, v) }
func (c classRef) setSlCurr(v uint32)     { c.a.pool.SetU32(c.off+clsOffSlCurr, v) }
func (c classRef) setSlotsHead(v uint64)  { c.a.pool.SetU64(c.off+clsOffSlotsHead, v) }
func (c classRef) setRequested(v uint64)  { c.a.pool.SetU64(c.off+clsOffRequested, v) }
func (c classRef) setSlabListOff(v uint64) { c.a.pool.SetU64(c.off+clsOffSlabList, v) }
func (c classRef) setBitmapOff(v uint64)  { c.a.pool.SetU64(c.off+clsOffBitmap, v) }
func (c classRef) setBitmapLen(v uint64)  { c.a.pool.SetU64(c.off+clsOffBitmapLen, v) }

// slabPage returns the page offset at position i in the class's page list.
func (c classRef) slabPage(i uint32) uint64 {
	return c.a.pool.U64(c.slabListOff() + uint64(i)*8)
}

func (c classRef) setSlabPage(i uint32, page uint64) {
	c.a.pool.SetU64(c.slabListOff()+uint64(i)*8, page)
}

func (c classRef) totalChunks() uint32 {
	return c.slabs() * c.perslab()
}

// slotAt returns the chunk offset for an absolute slot index.
func (c classRef) slotAt(index uint32) uint64 {
	perslab := c.perslab()
	page := c.slabPage(index / perslab)
	return page + uint64(index%perslab)*uint64(c.size())
}

// Root-level accessors.

func (a *Allocator) memLimit() uint64     { return a.pool.U64(a.pool.Root() + offMemLimit) }
func (a *Allocator) memMalloced() uint64  { return a.pool.U64(a.pool.Root() + offMemMalloced) }
func (a *Allocator) memLimitReached() bool {
	return a.pool.U8(a.pool.Root()+offMemLimitReached) != 0
}
func (a *Allocator) powerLargest() int { return int(a.pool.U32(a.pool.Root() + offPowerLargest)) }
func (a *Allocator) memBase() uint64   { return a.pool.U64(a.pool.Root() + offMemBase) }
