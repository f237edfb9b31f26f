package pmem

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Pool is a file-backed, memory-mapped persistent object pool. Everything a
// caller stores in it is addressed by byte offset from the start of the
// mapping; offset 0 is inside the pool header and therefore doubles as the
// null reference for intrusive links.
//
// The pool reserves a header page for its own metadata, a fixed root region
// for the caller's root object, and hands out the rest through a bump
// allocator driven by transactions (see Tx).

const (
	poolMagic   uint64 = 0x6e766d6370f00175
	poolVersion uint32 = 1

	headerSize = 4096
	layoutMax  = 16

	offMagic   = 0x00
	offVersion = 0x08
	offLayout  = 0x10 // layoutMax bytes, NUL padded
	offSize    = 0x20
	offTail    = 0x28 // bump-allocation tail, managed by Tx

	// RootOff is the offset of the caller's root object. The root region is
	// zero on first creation, like a pmemobj root.
	RootOff = headerSize

	// AllocAlign is the alignment of every transactional allocation.
	AllocAlign = 64
)

var (
	ErrOutOfBounds = errors.New("pmem: offset out of bounds")
	ErrBadLayout   = errors.New("pmem: pool layout mismatch")
	ErrBadMagic    = errors.New("pmem: not a pool file")
	ErrPoolFull    = errors.New("pmem: pool exhausted")
	ErrClosed      = errors.New("pmem: pool closed")
)

// Options configures pool creation and opening.
type Options struct {
	Path     string
	Layout   string // layout tag, at most 16 bytes
	Size     int64  // total pool size; required when creating
	RootSize int64  // size of the root region; required when creating
}

// Pool is not safe for concurrent transactions; callers serialize mutations
// behind their own locks, the way the slab core holds its allocator lock.
type Pool struct {
	path     string
	file     *os.File
	data     []byte
	size     int64
	rootSize int64

	activeTx *Tx

	closed bool
}

// Open opens the pool at opts.Path, creating and formatting it if it does
// not exist. If a previous process crashed inside a transaction, the undo
// log left behind is rolled back before the pool is returned, so callers
// always observe the last committed state.
func Open(opts Options) (*Pool, error) {
	if opts.Path == "" {
		return nil, errors.New("pmem: pool path required")
	}
	if len(opts.Layout) == 0 || len(opts.Layout) > layoutMax {
		return nil, fmt.Errorf("pmem: layout tag must be 1..%d bytes", layoutMax)
	}

	path := filepath.Clean(opts.Path)

	_, statErr := os.Stat(path)
	create := os.IsNotExist(statErr)
	if statErr != nil && !create {
		return nil, fmt.Errorf("pmem: stat pool file: %w", statErr)
	}

	flags := os.O_RDWR
	if create {
		if opts.Size < headerSize+opts.RootSize {
			return nil, fmt.Errorf("pmem: pool size %d too small", opts.Size)
		}
		flags |= os.O_CREATE
	}

	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("pmem: open pool file: %w", err)
	}

	if create {
		if err := file.Truncate(opts.Size); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("pmem: truncate pool file: %w", err)
		}
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("pmem: stat pool file: %w", err)
	}
	size := info.Size()

	data, err := unix.Mmap(int(file.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("pmem: mmap pool file: %w", err)
	}

	p := &Pool{
		path:     path,
		file:     file,
		data:     data,
		size:     size,
		rootSize: opts.RootSize,
	}

	if create {
		if err := p.format(opts); err != nil {
			_ = p.Close()
			return nil, err
		}
	} else {
		if err := p.validate(opts.Layout); err != nil {
			_ = p.Close()
			return nil, err
		}
		if err := p.rollbackPending(); err != nil {
			_ = p.Close()
			return nil, err
		}
	}

	return p, nil
}

// Delete removes the pool file and any leftover undo log.
func Delete(path string) error {
	path = filepath.Clean(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(logPath(path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (p *Pool) format(opts Options) error {
	binary.LittleEndian.PutUint64(p.data[offMagic:], poolMagic)
	binary.LittleEndian.PutUint32(p.data[offVersion:], poolVersion)
	var tag [layoutMax]byte
	copy(tag[:], opts.Layout)
	copy(p.data[offLayout:offLayout+layoutMax], tag[:])
	binary.LittleEndian.PutUint64(p.data[offSize:], uint64(p.size))

	tail := alignUp(uint64(RootOff)+uint64(opts.RootSize), AllocAlign)
	binary.LittleEndian.PutUint64(p.data[offTail:], tail)

	return p.Persist(0, headerSize)
}

func (p *Pool) validate(layout string) error {
	if binary.LittleEndian.Uint64(p.data[offMagic:]) != poolMagic {
		return ErrBadMagic
	}
	var tag [layoutMax]byte
	copy(tag[:], layout)
	if !bytes.Equal(p.data[offLayout:offLayout+layoutMax], tag[:]) {
		return ErrBadLayout
	}
	if int64(binary.LittleEndian.Uint64(p.data[offSize:])) != p.size {
		return fmt.Errorf("pmem: pool resized underneath us")
	}
	return nil
}

// Size returns the total pool size in bytes.
func (p *Pool) Size() int64 { return p.size }

// Path returns the backing file path.
func (p *Pool) Path() string { return p.path }

// Root returns the offset of the root region.
func (p *Pool) Root() uint64 { return RootOff }

// Bytes returns a live view of [off, off+n). The slice aliases the mapping;
// writes through it are NOT durable until a transaction persists the range.
func (p *Pool) Bytes(off, n uint64) ([]byte, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if off+n > uint64(p.size) || off+n < off {
		return nil, ErrOutOfBounds
	}
	return p.data[off : off+n : off+n], nil
}

// U64 reads a little-endian uint64 at off.
func (p *Pool) U64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(p.data[off : off+8])
}

// SetU64 writes a little-endian uint64 at off without logging. Use only
// inside a transaction that has already Add-ed the range, or for volatile
// scratch state.
func (p *Pool) SetU64(off, v uint64) {
	binary.LittleEndian.PutUint64(p.data[off:off+8], v)
}

// U32 reads a little-endian uint32 at off.
func (p *Pool) U32(off uint64) uint32 {
	return binary.LittleEndian.Uint32(p.data[off : off+4])
}

// SetU32 writes a little-endian uint32 at off without logging.
func (p *Pool) SetU32(off uint64, v uint32) {
	binary.LittleEndian.PutUint32(p.data[off:off+4], v)
}

// U16 reads a little-endian uint16 at off.
func (p *Pool) U16(off uint64) uint16 {
	return binary.LittleEndian.Uint16(p.data[off : off+2])
}

// SetU16 writes a little-endian uint16 at off without logging.
func (p *Pool) SetU16(off uint64, v uint16) {
	binary.LittleEndian.PutUint16(p.data[off:off+2], v)
}

// U8 reads the byte at off.
func (p *Pool) U8(off uint64) uint8 { return p.data[off] }

// SetU8 writes the byte at off without logging.
func (p *Pool) SetU8(off uint64, v uint8) { p.data[off] = v }

// AtomicU32 loads a 4-byte-aligned uint32 with atomic semantics. Readers
// like the clock touch path use this to stay lock-free.
func (p *Pool) AtomicU32(off uint64) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&p.data[off])))
}

// AtomicAddU32 adds delta to a 4-byte-aligned uint32.
func (p *Pool) AtomicAddU32(off uint64, delta uint32) uint32 {
	return atomic.AddUint32((*uint32)(unsafe.Pointer(&p.data[off])), delta)
}

// AtomicOrU8 ORs mask into the byte at off with a compare-and-swap loop on
// the aligned 32-bit word that contains it.
func (p *Pool) AtomicOrU8(off uint64, mask uint8) {
	addr := alignedU32(p.data, off)
	bits := uint32(mask) << (8 * (off & 3))
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old|bits) {
			return
		}
	}
}

func alignedU32(data []byte, off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&data[off&^3]))
}

// Persist flushes [off, off+n) to stable storage. The msync range is widened
// to page boundaries as the kernel requires.
func (p *Pool) Persist(off, n uint64) error {
	if p.closed {
		return ErrClosed
	}
	if n == 0 {
		return nil
	}
	if off+n > uint64(p.size) || off+n < off {
		return ErrOutOfBounds
	}
	pageSize := uint64(os.Getpagesize())
	start := off &^ (pageSize - 1)
	end := alignUp(off+n, pageSize)
	if end > uint64(p.size) {
		end = uint64(p.size)
	}
	if err := unix.Msync(p.data[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("pmem: msync: %w", err)
	}
	return nil
}

// Close unmaps and closes the pool. Pending transactions must be finished
// first; an in-flight Tx at Close time is a caller bug.
func (p *Pool) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	if p.data != nil {
		if unmapErr := unix.Munmap(p.data); unmapErr != nil {
			err = unmapErr
		}
		p.data = nil
	}
	if p.file != nil {
		if closeErr := p.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		p.file = nil
	}
	return err
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
