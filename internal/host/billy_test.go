package host

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultfs/internal/storage"
	"vaultfs/internal/vfs"
)

func testHostFS(t *testing.T) *Filesystem {
	t.Helper()
	var key storage.MasterKey
	copy(key[:], bytes.Repeat([]byte{0x42}, storage.KeySize))
	inner, err := vfs.New(vfs.Options{
		Version:   3,
		Root:      filepath.Join(t.TempDir(), "store"),
		MasterKey: key,
		BlockSize: 256,
	})
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })
	return New(inner)
}

func TestBillyCreateWriteRead(t *testing.T) {
	t.Parallel()

	fs := testHostFS(t)
	f, err := fs.Create("/hello.txt")
	require.NoError(t, err)
	n, err := f.Write([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.NoError(t, f.Close())

	f, err = fs.Open("/hello.txt")
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)
}

func TestBillySeekAndReadAt(t *testing.T) {
	t.Parallel()

	fs := testHostFS(t)
	f, err := fs.Create("/f")
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)

	pos, err := f.Seek(4, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(4), pos)
	buf := make([]byte, 3)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "456", string(buf[:n]))

	pos, err = f.Seek(-2, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(8), pos)

	n, err = f.ReadAt(buf, 7)
	require.NoError(t, err)
	assert.Equal(t, "789", string(buf[:n]))
	require.NoError(t, f.Close())
}

func TestBillyAppend(t *testing.T) {
	t.Parallel()

	fs := testHostFS(t)
	f, err := fs.Create("/log")
	require.NoError(t, err)
	_, err = f.Write([]byte("one"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = fs.OpenFile("/log", os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("two"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = fs.Open("/log")
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "onetwo", string(got))
}

func TestBillyOpenFileExclusive(t *testing.T) {
	t.Parallel()

	fs := testHostFS(t)
	f, err := fs.OpenFile("/x", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = fs.OpenFile("/x", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	assert.Error(t, err)

	// Without O_EXCL the existing file opens.
	f, err = fs.OpenFile("/x", os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestBillyStat(t *testing.T) {
	t.Parallel()

	fs := testHostFS(t)
	f, err := fs.Create("/f")
	require.NoError(t, err)
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fi, err := fs.Stat("/f")
	require.NoError(t, err)
	assert.Equal(t, "f", fi.Name())
	assert.Equal(t, int64(3), fi.Size())
	assert.False(t, fi.IsDir())
	assert.Equal(t, os.FileMode(0666), fi.Mode().Perm())

	_, err = fs.Stat("/missing")
	assert.Error(t, err)
}

func TestBillyMkdirAllReadDir(t *testing.T) {
	t.Parallel()

	fs := testHostFS(t)
	require.NoError(t, fs.MkdirAll("/a/b/c", 0755))
	require.NoError(t, fs.MkdirAll("/a/b/c", 0755)) // idempotent

	f, err := fs.Create("/a/b/file")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	infos, err := fs.ReadDir("/a/b")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "c", infos[0].Name())
	assert.True(t, infos[0].IsDir())
	assert.Equal(t, "file", infos[1].Name())
	assert.False(t, infos[1].IsDir())
}

func TestBillyRenameRemove(t *testing.T) {
	t.Parallel()

	fs := testHostFS(t)
	f, err := fs.Create("/old")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs.Rename("/old", "/new"))
	_, err = fs.Stat("/old")
	assert.Error(t, err)
	_, err = fs.Stat("/new")
	require.NoError(t, err)

	require.NoError(t, fs.Remove("/new"))
	_, err = fs.Stat("/new")
	assert.Error(t, err)
}

func TestBillySymlink(t *testing.T) {
	t.Parallel()

	fs := testHostFS(t)
	require.NoError(t, fs.Symlink("/target/path", "/link"))
	got, err := fs.Readlink("/link")
	require.NoError(t, err)
	assert.Equal(t, "/target/path", got)

	fi, err := fs.Lstat("/link")
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSymlink)
}

func TestBillyTempFile(t *testing.T) {
	t.Parallel()

	fs := testHostFS(t)
	require.NoError(t, fs.MkdirAll("/tmp", 0755))
	f, err := fs.TempFile("/tmp", "scratch-")
	require.NoError(t, err)
	name := f.Name()
	require.NoError(t, f.Close())

	fi, err := fs.Stat(name)
	require.NoError(t, err)
	assert.Contains(t, fi.Name(), "scratch-")
}

func TestBillyTruncate(t *testing.T) {
	t.Parallel()

	fs := testHostFS(t)
	f, err := fs.Create("/f")
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4))
	require.NoError(t, f.Close())

	fi, err := fs.Stat("/f")
	require.NoError(t, err)
	assert.Equal(t, int64(4), fi.Size())
}

func TestBillyChroot(t *testing.T) {
	t.Parallel()

	fs := testHostFS(t)
	require.NoError(t, fs.MkdirAll("/sub", 0755))
	f, err := fs.Create("/sub/inner")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	sub, err := fs.Chroot("/sub")
	require.NoError(t, err)
	_, err = sub.Stat("/inner")
	require.NoError(t, err)
}
