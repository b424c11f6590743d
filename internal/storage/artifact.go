package storage

import (
	"crypto/cipher"
	"fmt"
	"io"
	"os"

	"vaultfs/internal/common"
)

// Artifact is the encrypted content half of a node's artifact pair. The
// plaintext stream is split into fixed-size blocks, each sealed
// individually so reads and writes at arbitrary offsets touch only the
// blocks they overlap. Callers serialize access; an Artifact has no
// lock of its own.
type Artifact struct {
	f         *os.File
	aead      cipher.AEAD
	iv        []byte
	blockSize int
	size      int64 // logical plaintext size
}

// Size returns the logical plaintext size.
func (a *Artifact) Size() int64 {
	return a.size
}

func (a *Artifact) sealedSize() int64 {
	return int64(a.blockSize + a.aead.Overhead())
}

func (a *Artifact) blockCount() int64 {
	bs := int64(a.blockSize)
	return (a.size + bs - 1) / bs
}

// readBlock returns the plaintext of block i, or nil when the block is
// absent from the underlying file.
func (a *Artifact) readBlock(i int64) ([]byte, error) {
	sealed := make([]byte, a.sealedSize())
	n, err := a.f.ReadAt(sealed, i*a.sealedSize())
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: reading block %d: %v", common.ErrIO, i, err)
	}
	if n == 0 {
		return nil, nil
	}
	plain, err := a.aead.Open(sealed[:0], blockNonce(a.iv, uint64(i)), sealed[:n], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: block %d failed authentication", common.ErrCorrupt, i)
	}
	return plain, nil
}

func (a *Artifact) writeBlock(i int64, plain []byte) error {
	sealed := a.aead.Seal(nil, blockNonce(a.iv, uint64(i)), plain, nil)
	if _, err := a.f.WriteAt(sealed, i*a.sealedSize()); err != nil {
		return fmt.Errorf("%w: writing block %d: %v", common.ErrIO, i, err)
	}
	return nil
}

// ReadAt fills p from offset off, clamped to the logical size. It
// returns the number of bytes read; reading at or past the end returns
// zero with no error.
func (a *Artifact) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, common.ErrInvalid
	}
	if off >= a.size || len(p) == 0 {
		return 0, nil
	}
	end := off + int64(len(p))
	if end > a.size {
		end = a.size
	}
	bs := int64(a.blockSize)
	read := 0
	for pos := off; pos < end; {
		i := pos / bs
		bo := pos % bs
		want := end - pos
		if want > bs-bo {
			want = bs - bo
		}
		blk, err := a.readBlock(i)
		if err != nil {
			return read, err
		}
		if int64(len(blk)) < bo+want {
			return read, fmt.Errorf("%w: block %d shorter than logical size", common.ErrCorrupt, i)
		}
		copy(p[read:], blk[bo:bo+want])
		read += int(want)
		pos += want
	}
	return read, nil
}

// WriteAt writes p at offset off, zero-filling any gap past the current
// end, and extends the logical size as needed.
func (a *Artifact) WriteAt(p []byte, off int64) error {
	if off < 0 {
		return common.ErrInvalid
	}
	if len(p) == 0 {
		return nil
	}
	if off > a.size {
		if err := a.growTo(off); err != nil {
			return err
		}
	}
	bs := int64(a.blockSize)
	written := int64(0)
	for written < int64(len(p)) {
		pos := off + written
		i := pos / bs
		bo := pos % bs
		n := int64(len(p)) - written
		if n > bs-bo {
			n = bs - bo
		}
		var blk []byte
		if i < a.blockCount() {
			var err error
			blk, err = a.readBlock(i)
			if err != nil {
				return err
			}
		}
		if int64(len(blk)) < bo+n {
			blk = append(blk, make([]byte, bo+n-int64(len(blk)))...)
		}
		copy(blk[bo:bo+n], p[written:written+n])
		if err := a.writeBlock(i, blk); err != nil {
			return err
		}
		written += n
		if pos+n > a.size {
			a.size = pos + n
		}
	}
	return nil
}

// Truncate resizes the plaintext stream, zero-filling on growth.
func (a *Artifact) Truncate(n int64) error {
	switch {
	case n < 0:
		return common.ErrInvalid
	case n == a.size:
		return nil
	case n > a.size:
		return a.growTo(n)
	}
	bs := int64(a.blockSize)
	blocks := (n + bs - 1) / bs
	fileLen := blocks * a.sealedSize()
	if rem := n % bs; rem != 0 {
		i := blocks - 1
		blk, err := a.readBlock(i)
		if err != nil {
			return err
		}
		if int64(len(blk)) > rem {
			blk = blk[:rem]
		}
		if err := a.writeBlock(i, blk); err != nil {
			return err
		}
		fileLen = i*a.sealedSize() + rem + int64(a.aead.Overhead())
	}
	if err := a.f.Truncate(fileLen); err != nil {
		return fmt.Errorf("%w: truncating artifact: %v", common.ErrIO, err)
	}
	a.size = n
	return nil
}

func (a *Artifact) growTo(n int64) error {
	bs := int64(a.blockSize)
	for a.size < n {
		i := a.size / bs
		bo := a.size % bs
		chunk := n - a.size
		if chunk > bs-bo {
			chunk = bs - bo
		}
		var blk []byte
		if bo > 0 {
			var err error
			blk, err = a.readBlock(i)
			if err != nil {
				return err
			}
		}
		blk = append(blk, make([]byte, bo+chunk-int64(len(blk)))...)
		if err := a.writeBlock(i, blk); err != nil {
			return err
		}
		a.size += chunk
	}
	return nil
}

// ReadAll returns the entire plaintext stream. Used for directory and
// symlink payloads, which are small.
func (a *Artifact) ReadAll() ([]byte, error) {
	buf := make([]byte, a.size)
	n, err := a.ReadAt(buf, 0)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// WriteAll replaces the entire plaintext stream with p.
func (a *Artifact) WriteAll(p []byte) error {
	if err := a.Truncate(int64(len(p))); err != nil {
		return err
	}
	return a.WriteAt(p, 0)
}

// Sync flushes the underlying file to stable storage.
func (a *Artifact) Sync() error {
	if err := a.f.Sync(); err != nil {
		return fmt.Errorf("%w: syncing artifact: %v", common.ErrIO, err)
	}
	return nil
}

// Close releases the underlying file handle.
func (a *Artifact) Close() error {
	return a.f.Close()
}
