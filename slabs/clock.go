package slabs

import "encoding/binary"

// Clock eviction. Each class carries one bit per slot; readers set a
// chunk's bit on a hit and the victim scan advances the hand, clearing
// warm bits, until it lands on a cold slot. Staleness is tolerated: the
// hand always clears before consuming, and a universally warm class has
// its whole bitmap wiped in one pass and yields slot 0 on the next.

// firstzero[b] is the index of the lowest cleared bit in byte b.
var firstzero = [256]uint8{
	0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0, 4,
	0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0, 5,
	0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0, 4,
	0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0, 6,
	0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0, 4,
	0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0, 5,
	0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0, 4,
	0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0, 7,
	0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0, 4,
	0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0, 5,
	0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0, 4,
	0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0, 6,
	0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0, 4,
	0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0, 5,
	0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0, 4,
	0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0, 8,
}

func (c classRef) clockGetBit(index uint32) bool {
	b := c.a.pool.U8(c.bitmapOff() + uint64(index>>3))
	return b&(1<<(index&7)) != 0
}

func (c classRef) clockResetBit(index uint32) {
	c.a.pool.SetU8(c.bitmapOff()+uint64(index>>3),
		c.a.pool.U8(c.bitmapOff()+uint64(index>>3))&^(1<<(index&7)))
}

// Touch marks a chunk's slot warm. Called from read hits on many threads
// concurrently; an atomic OR keeps it lock-free.
func (a *Allocator) Touch(off uint64) {
	it := a.item(off)
	id := int(it.Clsid())
	if !a.validClass(id) {
		return
	}
	c := a.class(id)
	index := it.SlabsIndex()
	a.pool.AtomicOrU8(c.bitmapOff()+uint64(index>>3), 1<<(index&7))
}

// Victim advances the class's clock hand to the next cold slot and
// returns the chunk there, clearing warm bits along the way. The scan
// works in three strides: the sub-byte tail, 64-bit words, then single
// bytes through the first-zero table. Wrap-around is unbounded.
func (a *Allocator) Victim(id int) (Item, error) {
	a.slabsLock.Lock()
	defer a.slabsLock.Unlock()

	if !a.validClass(id) {
		return Item{}, ErrBadClass
	}
	c := a.class(id)
	totalSlots := int64(c.totalChunks())
	if totalSlots == 0 {
		return Item{}, ErrNoMemory
	}

	bitmap, err := a.pool.Bytes(c.bitmapOff(), c.bitmapLen())
	if err != nil {
		return Item{}, err
	}

	hand := int64(c.clockHand())
	hand++

	for {
		victimFound := false

		// Less than a byte left until the end of the bitmap.
		slotsLeft := totalSlots - hand
		if slotsLeft < 8 {
			for slotsLeft > 0 {
				if c.clockGetBit(uint32(hand)) {
					c.clockResetBit(uint32(hand))
				} else {
					victimFound = true
					break
				}
				hand++
				slotsLeft--
			}
			if victimFound {
				break
			}
			hand = 0
			slotsLeft = totalSlots
		}

		// Finish the current byte when the hand is mid-byte.
		for hand&0x7 != 0 {
			if c.clockGetBit(uint32(hand)) {
				c.clockResetBit(uint32(hand))
			} else {
				victimFound = true
				break
			}
			hand++
		}
		if victimFound {
			break
		}

		// 64-bit stride: wipe fully warm words.
		foundIn64 := false
		slotsLeft = totalSlots - hand
		for slotsLeft >= 64 {
			word := binary.LittleEndian.Uint64(bitmap[hand>>3:])
			if word == ^uint64(0) {
				binary.LittleEndian.PutUint64(bitmap[hand>>3:], 0)
				hand += 64
				slotsLeft -= 64
			} else {
				foundIn64 = true
				break
			}
		}
		if !foundIn64 {
			hand = hand >> 3 << 3
			slotsLeft = totalSlots - hand
		}

		// Byte stride with the first-zero lookup.
		for slotsLeft >= 8 {
			b := bitmap[hand>>3]
			if b == 0xFF {
				bitmap[hand>>3] = 0
				hand += 8
				slotsLeft -= 8
			} else {
				hand += int64(firstzero[b])
				victimFound = true
				break
			}
		}
		if victimFound {
			break
		}

		if slotsLeft <= 0 {
			hand = 0
		}
	}

	c.setClockHand(uint32(hand))
	return a.item(c.slotAt(uint32(hand))), nil
}
