package pmem

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T) *Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool")
	p, err := Open(Options{Path: path, Layout: "test", Size: 4 * 1024 * 1024, RootSize: 4096})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestOpen_CreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	p, err := Open(Options{Path: path, Layout: "test", Size: 1024 * 1024, RootSize: 256})
	require.NoError(t, err)

	// Root region starts zeroed.
	root, err := p.Bytes(p.Root(), 256)
	require.NoError(t, err)
	for _, b := range root {
		assert.Zero(t, b)
	}

	require.NoError(t, p.Update(func(tx *Tx) error {
		return tx.SetU64(p.Root(), 0xDEAD)
	}))
	require.NoError(t, p.Close())

	// Reopen keeps committed state.
	p2, err := Open(Options{Path: path, Layout: "test", Size: 1024 * 1024, RootSize: 256})
	require.NoError(t, err)
	defer p2.Close()
	assert.Equal(t, uint64(0xDEAD), p2.U64(p2.Root()))

	// Wrong layout tag is rejected.
	_, err = Open(Options{Path: path, Layout: "other", Size: 1024 * 1024})
	assert.ErrorIs(t, err, ErrBadLayout)
}

func TestPool_BytesBounds(t *testing.T) {
	p := testPool(t)

	_, err := p.Bytes(uint64(p.Size())-8, 16)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	b, err := p.Bytes(p.Root(), 8)
	require.NoError(t, err)
	assert.Len(t, b, 8)
}

func TestTx_CommitPersists(t *testing.T) {
	p := testPool(t)

	var off uint64
	require.NoError(t, p.Update(func(tx *Tx) error {
		var err error
		off, err = tx.Alloc(128)
		if err != nil {
			return err
		}
		buf, err := p.Bytes(off, 8)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(buf, 42)
		tx.Dirty(off, 8)
		return tx.SetU64(p.Root(), off)
	}))

	assert.Equal(t, off, p.U64(p.Root()))
	assert.Equal(t, uint64(42), p.U64(off))
	assert.Zero(t, off%AllocAlign)
}

func TestTx_AbortRollsBack(t *testing.T) {
	p := testPool(t)

	require.NoError(t, p.Update(func(tx *Tx) error {
		return tx.SetU64(p.Root(), 7)
	}))
	tailBefore := p.U64(offTail)

	err := p.Update(func(tx *Tx) error {
		if err := tx.SetU64(p.Root(), 99); err != nil {
			return err
		}
		if _, err := tx.Alloc(4096); err != nil {
			return err
		}
		tx.Abort()
		return nil
	})
	require.Error(t, err)

	assert.Equal(t, uint64(7), p.U64(p.Root()), "aborted write must not stick")
	assert.Equal(t, tailBefore, p.U64(offTail), "aborted allocation must be reclaimed")
}

func TestTx_PanicRollsBack(t *testing.T) {
	p := testPool(t)

	require.NoError(t, p.Update(func(tx *Tx) error {
		return tx.SetU64(p.Root(), 1)
	}))

	assert.Panics(t, func() {
		_ = p.Update(func(tx *Tx) error {
			if err := tx.SetU64(p.Root(), 2); err != nil {
				return err
			}
			panic("boom")
		})
	})
	assert.Equal(t, uint64(1), p.U64(p.Root()))
}

func TestTx_NestedJoinsOuter(t *testing.T) {
	p := testPool(t)

	require.NoError(t, p.Update(func(tx *Tx) error {
		if err := tx.SetU64(p.Root(), 5); err != nil {
			return err
		}
		return p.Update(func(inner *Tx) error {
			assert.Same(t, tx, inner)
			return inner.SetU64(p.Root()+8, 6)
		})
	}))
	assert.Equal(t, uint64(5), p.U64(p.Root()))
	assert.Equal(t, uint64(6), p.U64(p.Root()+8))

	// An inner failure aborts the whole scope.
	err := p.Update(func(tx *Tx) error {
		if err := tx.SetU64(p.Root(), 50); err != nil {
			return err
		}
		_ = p.Update(func(inner *Tx) error {
			inner.Abort()
			return nil
		})
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, uint64(5), p.U64(p.Root()))
}

func TestTx_ReallocCopies(t *testing.T) {
	p := testPool(t)

	require.NoError(t, p.Update(func(tx *Tx) error {
		off, err := tx.Alloc(64)
		if err != nil {
			return err
		}
		buf, _ := p.Bytes(off, 64)
		for i := range buf {
			buf[i] = 0xAB
		}
		tx.Dirty(off, 64)

		newOff, err := tx.Realloc(off, 64, 256)
		if err != nil {
			return err
		}
		moved, _ := p.Bytes(newOff, 64)
		for _, b := range moved {
			if b != 0xAB {
				t.Error("realloc lost old contents")
				break
			}
		}
		return nil
	}))
}

func TestOpen_RollsBackLeftoverUndoLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	p, err := Open(Options{Path: path, Layout: "test", Size: 1024 * 1024, RootSize: 256})
	require.NoError(t, err)

	require.NoError(t, p.Update(func(tx *Tx) error {
		return tx.SetU64(p.Root(), 1111)
	}))
	root := p.Root()
	require.NoError(t, p.Close())

	// Simulate a crash mid-transaction: the pool holds an uncommitted
	// value and the undo log still carries the committed snapshot.
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	var dirty [8]byte
	binary.LittleEndian.PutUint64(dirty[:], 9999)
	_, err = f.WriteAt(dirty[:], int64(root))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var log []byte
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], logMagic)
	log = append(log, hdr[:]...)
	var rec [16]byte
	binary.LittleEndian.PutUint64(rec[0:], root)
	binary.LittleEndian.PutUint64(rec[8:], 8)
	log = append(log, rec[:]...)
	var snap [8]byte
	binary.LittleEndian.PutUint64(snap[:], 1111)
	log = append(log, snap[:]...)
	require.NoError(t, os.WriteFile(logPath(path), log, 0o600))

	p2, err := Open(Options{Path: path, Layout: "test", Size: 1024 * 1024, RootSize: 256})
	require.NoError(t, err)
	defer p2.Close()
	assert.Equal(t, uint64(1111), p2.U64(p2.Root()), "undo log must restore committed state")

	_, err = os.Stat(logPath(path))
	assert.True(t, os.IsNotExist(err), "undo log consumed after rollback")
}

func TestDelete_RemovesPoolAndLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	p, err := Open(Options{Path: path, Layout: "test", Size: 1024 * 1024, RootSize: 64})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	require.NoError(t, Delete(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, Delete(path), "deleting a missing pool is not an error")
}
