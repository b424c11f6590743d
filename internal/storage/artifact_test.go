package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultfs/internal/common"
)

func testStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Root == "" {
		opts.Root = filepath.Join(t.TempDir(), "store")
	}
	if opts.Version == 0 {
		opts.Version = 3
	}
	copy(opts.MasterKey[:], bytes.Repeat([]byte{0x5a}, KeySize))
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testArtifact(t *testing.T, blockSize int) *Artifact {
	t.Helper()
	s := testStore(t, Options{Verify: true, BlockSize: blockSize})
	art, _, err := s.Allocate(common.NewID(), KindRegular)
	require.NoError(t, err)
	t.Cleanup(func() { art.Close() })
	return art
}

func TestArtifactRoundTrip(t *testing.T) {
	t.Parallel()

	art := testArtifact(t, 64)
	payload := bytes.Repeat([]byte("0123456789abcdef"), 20) // spans several blocks

	require.NoError(t, art.WriteAt(payload, 0))
	assert.Equal(t, int64(len(payload)), art.Size())

	buf := make([]byte, len(payload))
	n, err := art.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestArtifactUnalignedWrites(t *testing.T) {
	t.Parallel()

	art := testArtifact(t, 64)
	require.NoError(t, art.WriteAt([]byte("hello"), 0))
	require.NoError(t, art.WriteAt([]byte("world"), 60)) // straddles a block boundary

	buf := make([]byte, 65)
	n, err := art.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 65, n)
	assert.Equal(t, []byte("hello"), buf[:5])
	assert.Equal(t, []byte("world"), buf[60:65])
	for _, b := range buf[5:60] {
		assert.Zero(t, b)
	}
}

func TestArtifactSparseWrite(t *testing.T) {
	t.Parallel()

	art := testArtifact(t, 64)
	require.NoError(t, art.WriteAt([]byte("x"), 200))
	assert.Equal(t, int64(201), art.Size())

	buf := make([]byte, 201)
	n, err := art.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 201, n)
	for _, b := range buf[:200] {
		require.Zero(t, b)
	}
	assert.Equal(t, byte('x'), buf[200])
}

func TestArtifactReadPastEnd(t *testing.T) {
	t.Parallel()

	art := testArtifact(t, 64)
	require.NoError(t, art.WriteAt([]byte("abc"), 0))

	buf := make([]byte, 10)
	n, err := art.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = art.ReadAt(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte("bc"), buf[:2])
}

func TestArtifactTruncate(t *testing.T) {
	t.Parallel()

	art := testArtifact(t, 64)
	payload := bytes.Repeat([]byte("ab"), 100)
	require.NoError(t, art.WriteAt(payload, 0))

	require.NoError(t, art.Truncate(70))
	assert.Equal(t, int64(70), art.Size())
	buf := make([]byte, 100)
	n, err := art.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 70, n)
	assert.Equal(t, payload[:70], buf[:70])

	require.NoError(t, art.Truncate(90))
	assert.Equal(t, int64(90), art.Size())
	n, err = art.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 90, n)
	for _, b := range buf[70:90] {
		require.Zero(t, b)
	}

	require.NoError(t, art.Truncate(0))
	assert.Equal(t, int64(0), art.Size())
}

func TestArtifactWriteAll(t *testing.T) {
	t.Parallel()

	art := testArtifact(t, 64)
	require.NoError(t, art.WriteAll([]byte("first payload")))
	require.NoError(t, art.WriteAll([]byte("second")))

	got, err := art.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestArtifactDetectsTampering(t *testing.T) {
	t.Parallel()

	s := testStore(t, Options{Verify: true, BlockSize: 64})
	id := common.NewID()
	art, meta, err := s.Allocate(id, KindRegular)
	require.NoError(t, err)
	require.NoError(t, art.WriteAt([]byte("sensitive"), 0))
	meta.Size = art.Size()
	require.NoError(t, s.SaveMeta(id, meta))
	require.NoError(t, art.Close())

	// Flip one ciphertext byte.
	raw, err := os.ReadFile(s.dataPath(id))
	require.NoError(t, err)
	raw[3] ^= 0xff
	require.NoError(t, os.WriteFile(s.dataPath(id), raw, 0600))

	art2, _, err := s.Materialize(id)
	require.NoError(t, err)
	defer art2.Close()
	buf := make([]byte, 9)
	_, err = art2.ReadAt(buf, 0)
	assert.ErrorIs(t, err, common.ErrCorrupt)
}
