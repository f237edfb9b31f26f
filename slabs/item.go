package slabs

import "github.com/LPD-EPFL/nv-memcached/pmem"

// Chunk header, stored at the start of every chunk. Little-endian, 40
// bytes, followed by the key and then the value. prev/next are pool
// offsets forming the intrusive free list; offset 0 is the null link.
//
//	0x00 prev        u64
//	0x08 next        u64
//	0x10 slab        u64   owning page base
//	0x18 slabsIndex  u32   absolute slot index within the class
//	0x1C refcount    u32   atomic
//	0x20 clsid       u8    255 = in transit
//	0x21 flags       u8
//	0x22 nkey        u16
//	0x24 nbytes      u32

const (
	itemOffPrev       = 0x00
	itemOffNext       = 0x08
	itemOffSlab       = 0x10
	itemOffSlabsIndex = 0x18
	itemOffRefcount   = 0x1C
	itemOffClsid      = 0x20
	itemOffFlags      = 0x21
	itemOffNkey       = 0x22
	itemOffNbytes     = 0x24

	// ItemHeaderSize is the chunk-header footprint.
	ItemHeaderSize = 40
)

// Item flag bits.
const (
	ItemLinked  uint8 = 1
	ItemCAS     uint8 = 2
	ItemSlabbed uint8 = 4
	ItemFetched uint8 = 8
)

// Item is a handle onto a chunk header in the pool. The zero Item (Off 0)
// is the null reference.
type Item struct {
	p   *pmem.Pool
	Off uint64
}

func (a *Allocator) item(off uint64) Item {
	return Item{p: a.pool, Off: off}
}

// Nil reports whether the handle is the null reference.
func (it Item) Nil() bool { return it.Off == 0 }

func (it Item) Prev() uint64       { return it.p.U64(it.Off + itemOffPrev) }
func (it Item) SetPrev(off uint64) { it.p.SetU64(it.Off+itemOffPrev, off) }

func (it Item) Next() uint64       { return it.p.U64(it.Off + itemOffNext) }
func (it Item) SetNext(off uint64) { it.p.SetU64(it.Off+itemOffNext, off) }

// Slab returns the owning page's base offset.
func (it Item) Slab() uint64        { return it.p.U64(it.Off + itemOffSlab) }
func (it Item) SetSlab(page uint64) { it.p.SetU64(it.Off+itemOffSlab, page) }

// SlabsIndex is the absolute slot index inside the class, the position of
// this chunk's bit in the clock bitmap.
func (it Item) SlabsIndex() uint32     { return it.p.U32(it.Off + itemOffSlabsIndex) }
func (it Item) SetSlabsIndex(i uint32) { it.p.SetU32(it.Off+itemOffSlabsIndex, i) }

func (it Item) Refcount() uint32 { return it.p.AtomicU32(it.Off + itemOffRefcount) }
func (it Item) RefIncr() uint32  { return it.p.AtomicAddU32(it.Off+itemOffRefcount, 1) }
func (it Item) RefDecr() uint32  { return it.p.AtomicAddU32(it.Off+itemOffRefcount, ^uint32(0)) }
func (it Item) SetRefcount(v uint32) {
	it.p.SetU32(it.Off+itemOffRefcount, v)
}

func (it Item) Clsid() uint8     { return it.p.U8(it.Off + itemOffClsid) }
func (it Item) SetClsid(v uint8) { it.p.SetU8(it.Off+itemOffClsid, v) }

func (it Item) Flags() uint8     { return it.p.U8(it.Off + itemOffFlags) }
func (it Item) SetFlags(v uint8) { it.p.SetU8(it.Off+itemOffFlags, v) }
func (it Item) OrFlags(mask uint8) {
	it.p.SetU8(it.Off+itemOffFlags, it.p.U8(it.Off+itemOffFlags)|mask)
}
func (it Item) AndFlags(mask uint8) {
	it.p.SetU8(it.Off+itemOffFlags, it.p.U8(it.Off+itemOffFlags)&mask)
}

func (it Item) NKey() uint16     { return it.p.U16(it.Off + itemOffNkey) }
func (it Item) SetNKey(n uint16) { it.p.SetU16(it.Off+itemOffNkey, n) }

func (it Item) NBytes() uint32     { return it.p.U32(it.Off + itemOffNbytes) }
func (it Item) SetNBytes(n uint32) { it.p.SetU32(it.Off+itemOffNbytes, n) }

// Key returns the key bytes stored after the header.
func (it Item) Key() []byte {
	n := uint64(it.NKey())
	b, err := it.p.Bytes(it.Off+ItemHeaderSize, n)
	if err != nil {
		return nil
	}
	return b
}

// SetKey writes the key bytes and length.
func (it Item) SetKey(key []byte) error {
	b, err := it.p.Bytes(it.Off+ItemHeaderSize, uint64(len(key)))
	if err != nil {
		return err
	}
	copy(b, key)
	it.SetNKey(uint16(len(key)))
	return nil
}

// Value returns the value bytes stored after the key.
func (it Item) Value() []byte {
	b, err := it.p.Bytes(it.Off+ItemHeaderSize+uint64(it.NKey()), uint64(it.NBytes()))
	if err != nil {
		return nil
	}
	return b
}

// SetValue writes the value bytes and length.
func (it Item) SetValue(v []byte) error {
	b, err := it.p.Bytes(it.Off+ItemHeaderSize+uint64(it.NKey()), uint64(len(v)))
	if err != nil {
		return err
	}
	copy(b, v)
	it.SetNBytes(uint32(len(v)))
	return nil
}
