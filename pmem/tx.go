package pmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// Transactions give the pool its all-or-nothing guarantee. A Tx keeps an
// undo log in a sidecar file: every range the caller is about to mutate is
// snapshotted and made durable BEFORE the mutation, because the kernel may
// write dirty mapped pages back at any moment. Commit flushes the mutated
// ranges and invalidates the log; a crash at any earlier point leaves a
// valid log that Open rolls back.
//
// Nested Update calls run inside the outermost transaction, matching
// pmemobj nested-transaction semantics: an inner failure aborts the whole
// scope.

const logMagic uint64 = 0x6e766d63756e646f

var errTxAborted = errors.New("pmem: transaction aborted")

// Tx is a single open transaction on a pool.
type Tx struct {
	pool  *Pool
	depth int

	log     *os.File
	records []undoRecord
	dirty   []rng

	err error
}

type undoRecord struct {
	off  uint64
	data []byte
}

type rng struct {
	off uint64
	n   uint64
}

func logPath(poolPath string) string {
	return poolPath + ".txlog"
}

// Update runs fn inside a transaction. On nil return the transaction
// commits; on error or panic it rolls back and the pool is unchanged.
// Calling Update from within fn joins the enclosing transaction.
func (p *Pool) Update(fn func(tx *Tx) error) error {
	if p.closed {
		return ErrClosed
	}

	tx := p.activeTx
	if tx == nil {
		log, err := os.OpenFile(logPath(p.path), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("pmem: open undo log: %w", err)
		}
		var hdr [8]byte
		binary.LittleEndian.PutUint64(hdr[:], logMagic)
		if _, err := log.Write(hdr[:]); err != nil {
			_ = log.Close()
			return fmt.Errorf("pmem: seed undo log: %w", err)
		}
		tx = &Tx{pool: p, log: log}
		p.activeTx = tx
	}
	tx.depth++

	var panicked interface{}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = r
			}
		}()
		err = fn(tx)
	}()

	if err != nil || panicked != nil {
		tx.err = errTxAborted
	}

	tx.depth--
	if tx.depth > 0 {
		if panicked != nil {
			panic(panicked)
		}
		return err
	}

	// Outermost scope: resolve the transaction.
	p.activeTx = nil
	if tx.err != nil {
		rollbackErr := tx.rollback()
		tx.discard()
		if panicked != nil {
			panic(panicked)
		}
		if err == nil {
			err = tx.err
		}
		if rollbackErr != nil {
			return fmt.Errorf("pmem: rollback failed: %w", rollbackErr)
		}
		return err
	}

	commitErr := tx.commit()
	tx.discard()
	if commitErr != nil {
		return commitErr
	}
	return nil
}

// Add snapshots [off, off+n) into the undo log. Must be called before the
// range is mutated. Ranges added more than once are logged once per Add;
// rollback applies them newest-first, so the oldest snapshot wins.
func (tx *Tx) Add(off, n uint64) error {
	if tx.err != nil {
		return tx.err
	}
	src, err := tx.pool.Bytes(off, n)
	if err != nil {
		tx.err = err
		return err
	}
	snap := make([]byte, n)
	copy(snap, src)

	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:], off)
	binary.LittleEndian.PutUint64(hdr[8:], n)
	if _, err := tx.log.Write(hdr[:]); err != nil {
		tx.err = err
		return err
	}
	if _, err := tx.log.Write(snap); err != nil {
		tx.err = err
		return err
	}
	if err := tx.log.Sync(); err != nil {
		tx.err = err
		return err
	}

	tx.records = append(tx.records, undoRecord{off: off, data: snap})
	tx.markDirty(off, n)
	return nil
}

// Dirty marks a range for flushing at commit without undo-logging it. Used
// for freshly allocated space, whose rollback is the tail pointer itself.
func (tx *Tx) Dirty(off, n uint64) {
	tx.markDirty(off, n)
}

func (tx *Tx) markDirty(off, n uint64) {
	tx.dirty = append(tx.dirty, rng{off: off, n: n})
}

// Alloc reserves size bytes from the pool's data region and returns the
// offset. The backing file is sparse, so new space reads as zero.
func (tx *Tx) Alloc(size uint64) (uint64, error) {
	if tx.err != nil {
		return 0, tx.err
	}
	if size == 0 {
		return 0, errors.New("pmem: zero-size allocation")
	}
	if err := tx.Add(offTail, 8); err != nil {
		return 0, err
	}
	tail := tx.pool.U64(offTail)
	size = alignUp(size, AllocAlign)
	if tail+size > uint64(tx.pool.size) || tail+size < tail {
		tx.err = ErrPoolFull
		return 0, ErrPoolFull
	}
	tx.pool.SetU64(offTail, tail+size)
	tx.Dirty(tail, size)
	return tail, nil
}

// Realloc allocates a larger region and copies the old contents into it.
// The old region is abandoned; a bump allocator cannot reclaim it.
func (tx *Tx) Realloc(off, oldSize, newSize uint64) (uint64, error) {
	newOff, err := tx.Alloc(newSize)
	if err != nil {
		return 0, err
	}
	if off != 0 && oldSize > 0 {
		src, err := tx.pool.Bytes(off, oldSize)
		if err != nil {
			tx.err = err
			return 0, err
		}
		dst, err := tx.pool.Bytes(newOff, oldSize)
		if err != nil {
			tx.err = err
			return 0, err
		}
		copy(dst, src)
	}
	return newOff, nil
}

// Memset fills [off, off+n) with b, undo-logged.
func (tx *Tx) Memset(off, n uint64, b byte) error {
	if err := tx.Add(off, n); err != nil {
		return err
	}
	buf, err := tx.pool.Bytes(off, n)
	if err != nil {
		tx.err = err
		return err
	}
	for i := range buf {
		buf[i] = b
	}
	return nil
}

// SetU64 logs and writes a uint64 field.
func (tx *Tx) SetU64(off, v uint64) error {
	if err := tx.Add(off, 8); err != nil {
		return err
	}
	tx.pool.SetU64(off, v)
	return nil
}

// SetU32 logs and writes a uint32 field.
func (tx *Tx) SetU32(off uint64, v uint32) error {
	if err := tx.Add(off, 4); err != nil {
		return err
	}
	tx.pool.SetU32(off, v)
	return nil
}

// SetU8 logs and writes a byte field.
func (tx *Tx) SetU8(off uint64, v uint8) error {
	if err := tx.Add(off, 1); err != nil {
		return err
	}
	tx.pool.SetU8(off, v)
	return nil
}

// Abort marks the transaction failed; the enclosing Update rolls back.
func (tx *Tx) Abort() {
	if tx.err == nil {
		tx.err = errTxAborted
	}
}

// Pool returns the pool this transaction mutates.
func (tx *Tx) Pool() *Pool { return tx.pool }

func (tx *Tx) commit() error {
	for _, r := range tx.dirty {
		if err := tx.pool.Persist(r.off, r.n); err != nil {
			return err
		}
	}
	return tx.invalidateLog()
}

func (tx *Tx) rollback() error {
	for i := len(tx.records) - 1; i >= 0; i-- {
		r := tx.records[i]
		dst, err := tx.pool.Bytes(r.off, uint64(len(r.data)))
		if err != nil {
			return err
		}
		copy(dst, r.data)
		if err := tx.pool.Persist(r.off, uint64(len(r.data))); err != nil {
			return err
		}
	}
	return tx.invalidateLog()
}

func (tx *Tx) invalidateLog() error {
	if err := tx.log.Truncate(0); err != nil {
		return err
	}
	return tx.log.Sync()
}

func (tx *Tx) discard() {
	if tx.log != nil {
		_ = tx.log.Close()
		_ = os.Remove(logPath(tx.pool.path))
		tx.log = nil
	}
	tx.records = nil
	tx.dirty = nil
}

// rollbackPending is called by Open: a valid undo log on disk means the
// previous process died inside a transaction, so every snapshot is applied
// to bring the pool back to its last committed state.
func (p *Pool) rollbackPending() error {
	logFile := logPath(p.path)
	raw, err := os.ReadFile(logFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("pmem: read undo log: %w", err)
	}
	defer os.Remove(logFile)

	if len(raw) < 8 || binary.LittleEndian.Uint64(raw) != logMagic {
		return nil // empty or invalidated log: the last tx committed
	}

	// Collect complete records; a torn trailing record predates any
	// mutation of its range and is safely ignored.
	type rec struct {
		off  uint64
		data []byte
	}
	var recs []rec
	pos := 8
	for pos+16 <= len(raw) {
		off := binary.LittleEndian.Uint64(raw[pos:])
		n := binary.LittleEndian.Uint64(raw[pos+8:])
		pos += 16
		if uint64(len(raw)-pos) < n {
			break
		}
		recs = append(recs, rec{off: off, data: raw[pos : pos+int(n)]})
		pos += int(n)
	}

	for i := len(recs) - 1; i >= 0; i-- {
		dst, err := p.Bytes(recs[i].off, uint64(len(recs[i].data)))
		if err != nil {
			return fmt.Errorf("pmem: undo log corrupt: %w", err)
		}
		copy(dst, recs[i].data)
	}
	if len(recs) > 0 {
		if err := p.Persist(0, uint64(p.size)); err != nil {
			return err
		}
	}
	return nil
}
