// Package vfs is the VaultFS core: the open-file table that owns every
// in-memory node, the resolver that turns plaintext paths into guarded
// nodes, and the dispatcher that exposes POSIX-shaped operations to a
// host binding.
package vfs

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"vaultfs/internal/cache"
	"vaultfs/internal/common"
	"vaultfs/internal/storage"
)

// MountFlags select per-mount behavior.
type MountFlags uint32

const (
	// FlagReadOnly rejects every mutating operation with EROFS.
	FlagReadOnly MountFlags = 1 << iota
	// FlagNoAuthentication skips integrity verification in storage.
	FlagNoAuthentication
	// FlagStoreTime persists timestamps across mounts.
	FlagStoreTime
	// FlagCaseFoldName resolves paths case-insensitively via Unicode
	// case folding.
	FlagCaseFoldName
)

func (f MountFlags) ReadOnly() bool         { return f&FlagReadOnly != 0 }
func (f MountFlags) NoAuthentication() bool { return f&FlagNoAuthentication != 0 }
func (f MountFlags) StoreTime() bool        { return f&FlagStoreTime != 0 }
func (f MountFlags) CaseFold() bool         { return f&FlagCaseFoldName != 0 }

// Options configure a mount.
type Options struct {
	Version   int // on-disk format version, 1 through 3
	Root      string
	MasterKey storage.MasterKey
	Flags     MountFlags
	BlockSize int
	IVSize    int
}

// FileSystem is the per-mount context: one open table, one path cache,
// one handle slab. All methods are safe for concurrent use from any
// goroutine; every request runs to completion on its calling
// goroutine.
type FileSystem struct {
	table   *OpenTable
	cache   *cache.PathCache
	handles *HandleManager
	flags   MountFlags
	rootID  common.ID
}

// New opens (or initializes) the storage root and mounts a filesystem
// context over it.
func New(opts Options) (*FileSystem, error) {
	if opts.Version < 1 || opts.Version > 3 {
		return nil, fmt.Errorf("%w: format version %d unsupported (want 1, 2, or 3)", common.ErrInvalid, opts.Version)
	}
	store, err := storage.Open(storage.Options{
		Root:      opts.Root,
		MasterKey: opts.MasterKey,
		Version:   opts.Version,
		BlockSize: opts.BlockSize,
		IVSize:    opts.IVSize,
		Verify:    !opts.Flags.NoAuthentication(),
		StoreTime: opts.Flags.StoreTime(),
	})
	if err != nil {
		return nil, err
	}
	table, err := NewOpenTable(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	fs := &FileSystem{
		table:   table,
		cache:   cache.NewPathCache(),
		handles: NewHandleManager(),
		flags:   opts.Flags,
	}
	if err := fs.ensureRoot(); err != nil {
		table.Shutdown()
		return nil, err
	}
	log.Infof("filesystem mounted over %s", opts.Root)
	return fs, nil
}

// ensureRoot creates the root directory artifacts on first mount.
func (fs *FileSystem) ensureRoot() error {
	g, err := fs.openGuard(fs.rootID, KindDirectory)
	if err == nil {
		return g.Close()
	}
	if !errors.Is(err, common.ErrNotFound) || fs.readOnly() {
		return err
	}
	n, err := fs.table.CreateAs(fs.rootID, KindDirectory)
	if err != nil {
		return err
	}
	n.InitializeEmpty(syscall.S_IFDIR|0755, uint32(os.Getuid()), uint32(os.Getgid()))
	return fs.table.Close(n)
}

// Close unmounts: outstanding handles are reclaimed, the finalizer
// drained, and every remaining node destroyed.
func (fs *FileSystem) Close() error {
	for _, n := range fs.handles.Drain() {
		log.Warnf("handle for node %s never released by host", n.ID())
		fs.table.Close(n)
	}
	err := fs.table.Shutdown()
	log.Info("filesystem unmounted")
	return err
}

// GC synchronously drains the deferred-close pool.
func (fs *FileSystem) GC() {
	fs.table.GC()
}

// Table exposes the open table for inspection.
func (fs *FileSystem) Table() *OpenTable {
	return fs.table
}

func (fs *FileSystem) readOnly() bool {
	return fs.flags.ReadOnly()
}

// DirEntryInfo is one readdir row.
type DirEntryInfo struct {
	Name string
	ID   common.ID
	Kind Kind
	Mode uint32
}

// --- Dispatcher operations ---
//
// Every operation translates its failures to syscall.Errno values, the
// host's negative-error-code convention.

// Getattr stats the node at path. Ownership is reported as the calling
// process, matching what the host expects of a single-user mount.
func (fs *FileSystem) Getattr(path string) (attr Attr, err error) {
	defer fs.trace("getattr", path, &err)()
	defer recoverOp("getattr", &err)
	g, rerr := fs.openAll(path)
	if rerr != nil {
		return Attr{}, translate(rerr)
	}
	defer g.Close()
	attr = g.Node().Stat()
	attr.UID = uint32(os.Getuid())
	attr.GID = uint32(os.Getgid())
	return attr, nil
}

// Statfs forwards storage statistics.
func (fs *FileSystem) Statfs() (st *storage.FSStat, err error) {
	defer recoverOp("statfs", &err)
	st, rerr := fs.table.StatFS()
	return st, translate(rerr)
}

// Opendir opens the directory at path and returns its handle.
func (fs *FileSystem) Opendir(path string) (h HandleID, err error) {
	defer fs.trace("opendir", path, &err)()
	defer recoverOp("opendir", &err)
	g, rerr := fs.openAll(path)
	if rerr != nil {
		return 0, translate(rerr)
	}
	if g.Node().Kind() != KindDirectory {
		g.Close()
		return 0, ENOTDIR
	}
	return fs.handles.Put(g.Release()), nil
}

// Releasedir returns a directory handle.
func (fs *FileSystem) Releasedir(h HandleID) error {
	return fs.Release(h)
}

// Readdir lists the entries behind a directory handle in name order.
func (fs *FileSystem) Readdir(h HandleID) (entries []DirEntryInfo, err error) {
	defer recoverOp("readdir", &err)
	n, ok := fs.handles.Get(h)
	if !ok {
		return nil, EBADF
	}
	if n.Kind() != KindDirectory {
		return nil, ENOTDIR
	}
	rerr := n.IterateEntries(func(name string, e DirEntry) bool {
		entries = append(entries, DirEntryInfo{
			Name: name,
			ID:   e.ID,
			Kind: e.Kind,
			Mode: ModeForKind(e.Kind),
		})
		return true
	})
	return entries, translate(rerr)
}

// Create makes a regular file and returns an open handle on it.
func (fs *FileSystem) Create(path string, mode uint32) (h HandleID, err error) {
	defer fs.trace("create", path, &err)()
	defer recoverOp("create", &err)
	if fs.readOnly() {
		return 0, EROFS
	}
	mode = mode&^uint32(syscall.S_IFMT) | syscall.S_IFREG
	g, rerr := fs.createNode(path, KindRegular, mode, uint32(os.Getuid()), uint32(os.Getgid()))
	if rerr != nil {
		return 0, translate(rerr)
	}
	return fs.handles.Put(g.Release()), nil
}

// Open opens the regular file at path. Write intent on a read-only
// mount is refused before resolution.
func (fs *FileSystem) Open(path string, flags int) (h HandleID, err error) {
	defer fs.trace("open", path, &err)()
	defer recoverOp("open", &err)
	wantWrite := flags&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_TRUNC) != 0
	if wantWrite && fs.readOnly() {
		return 0, EROFS
	}
	g, rerr := fs.openAll(path)
	if rerr != nil {
		return 0, translate(rerr)
	}
	n := g.Node()
	if n.Kind() != KindRegular {
		kind := n.Kind()
		g.Close()
		if kind == KindDirectory {
			return 0, EISDIR
		}
		return 0, EINVAL
	}
	if flags&os.O_TRUNC != 0 {
		if rerr := n.Truncate(0); rerr != nil {
			g.Close()
			return 0, translate(rerr)
		}
	}
	return fs.handles.Put(g.Release()), nil
}

// Release flushes and returns the reference behind a handle, feeding
// the node back through the table's close machinery.
func (fs *FileSystem) Release(h HandleID) (err error) {
	defer recoverOp("release", &err)
	n, ok := fs.handles.Take(h)
	if !ok {
		return EINVAL
	}
	flushErr := n.Flush()
	closeErr := fs.table.Close(n)
	if flushErr != nil {
		return translate(flushErr)
	}
	return translate(closeErr)
}

// Read fills p from the file behind h at offset off.
func (fs *FileSystem) Read(h HandleID, p []byte, off int64) (n int, err error) {
	defer recoverOp("read", &err)
	node, ok := fs.handles.Get(h)
	if !ok {
		return 0, EBADF
	}
	if node.Kind() == KindDirectory {
		return 0, EISDIR
	}
	n, rerr := node.Read(p, off)
	return n, translate(rerr)
}

// Write stores p at offset off through the file behind h.
func (fs *FileSystem) Write(h HandleID, p []byte, off int64) (n int, err error) {
	defer recoverOp("write", &err)
	if fs.readOnly() {
		return 0, EROFS
	}
	node, ok := fs.handles.Get(h)
	if !ok {
		return 0, EBADF
	}
	if node.Kind() == KindDirectory {
		return 0, EISDIR
	}
	if rerr := node.Write(p, off); rerr != nil {
		return 0, translate(rerr)
	}
	return len(p), nil
}

// Flush persists pending state for the node behind h.
func (fs *FileSystem) Flush(h HandleID) (err error) {
	defer recoverOp("flush", &err)
	n, ok := fs.handles.Get(h)
	if !ok {
		return EBADF
	}
	return translate(n.Flush())
}

// Fsync flushes and syncs the node behind h to stable storage.
func (fs *FileSystem) Fsync(h HandleID) (err error) {
	defer recoverOp("fsync", &err)
	n, ok := fs.handles.Get(h)
	if !ok {
		return EBADF
	}
	return translate(n.Fsync())
}

// Fsyncdir syncs a directory handle.
func (fs *FileSystem) Fsyncdir(h HandleID) error {
	return fs.Fsync(h)
}

// Truncate resizes the regular file at path.
func (fs *FileSystem) Truncate(path string, size int64) (err error) {
	defer fs.trace("truncate", path, &err)()
	defer recoverOp("truncate", &err)
	if fs.readOnly() {
		return EROFS
	}
	g, rerr := fs.openAll(path)
	if rerr != nil {
		return translate(rerr)
	}
	defer g.Close()
	if rerr := g.Node().Truncate(size); rerr != nil {
		return translate(rerr)
	}
	return translate(g.Node().Flush())
}

// Ftruncate resizes the file behind an open handle.
func (fs *FileSystem) Ftruncate(h HandleID, size int64) (err error) {
	defer recoverOp("ftruncate", &err)
	if fs.readOnly() {
		return EROFS
	}
	n, ok := fs.handles.Get(h)
	if !ok {
		return EBADF
	}
	if n.Kind() == KindDirectory {
		return EISDIR
	}
	if rerr := n.Truncate(size); rerr != nil {
		return translate(rerr)
	}
	return translate(n.Flush())
}

// Unlink removes the entry at path. Non-empty directories are refused,
// so this also backs Rmdir.
func (fs *FileSystem) Unlink(path string) (err error) {
	defer fs.trace("unlink", path, &err)()
	defer recoverOp("unlink", &err)
	if fs.readOnly() {
		return EROFS
	}
	return translate(fs.removePath(path))
}

// Rmdir removes the directory at path. The emptiness check lives on
// the shared remove path.
func (fs *FileSystem) Rmdir(path string) error {
	return fs.Unlink(path)
}

// Mkdir creates a directory.
func (fs *FileSystem) Mkdir(path string, mode uint32) (err error) {
	defer fs.trace("mkdir", path, &err)()
	defer recoverOp("mkdir", &err)
	if fs.readOnly() {
		return EROFS
	}
	mode = mode&^uint32(syscall.S_IFMT) | syscall.S_IFDIR
	g, rerr := fs.createNode(path, KindDirectory, mode, uint32(os.Getuid()), uint32(os.Getgid()))
	if rerr != nil {
		return translate(rerr)
	}
	return translate(g.Close())
}

// Chmod replaces the permission bits at path, preserving the file-type
// bits.
func (fs *FileSystem) Chmod(path string, mode uint32) (err error) {
	defer fs.trace("chmod", path, &err)()
	defer recoverOp("chmod", &err)
	if fs.readOnly() {
		return EROFS
	}
	g, rerr := fs.openAll(path)
	if rerr != nil {
		return translate(rerr)
	}
	defer g.Close()
	n := g.Node()
	n.SetMode(mode&0777 | n.Mode()&uint32(syscall.S_IFMT))
	return translate(n.Flush())
}

// Chown sets ownership at path.
func (fs *FileSystem) Chown(path string, uid, gid uint32) (err error) {
	defer fs.trace("chown", path, &err)()
	defer recoverOp("chown", &err)
	if fs.readOnly() {
		return EROFS
	}
	g, rerr := fs.openAll(path)
	if rerr != nil {
		return translate(rerr)
	}
	defer g.Close()
	g.Node().SetUID(uid)
	g.Node().SetGID(gid)
	return translate(g.Node().Flush())
}

// Symlink creates a symbolic link at path pointing at target.
func (fs *FileSystem) Symlink(target, path string) (err error) {
	defer fs.trace("symlink", path, &err)()
	defer recoverOp("symlink", &err)
	if fs.readOnly() {
		return EROFS
	}
	g, rerr := fs.createNode(path, KindSymlink, syscall.S_IFLNK|0755, uint32(os.Getuid()), uint32(os.Getgid()))
	if rerr != nil {
		return translate(rerr)
	}
	defer g.Close()
	return translate(g.Node().SetTarget(target))
}

// Readlink copies the link target at path into buf, always leaving the
// final byte zero, and returns the bytes copied. An empty buffer is
// invalid.
func (fs *FileSystem) Readlink(path string, buf []byte) (n int, err error) {
	defer fs.trace("readlink", path, &err)()
	defer recoverOp("readlink", &err)
	if len(buf) == 0 {
		return 0, EINVAL
	}
	g, rerr := fs.openAll(path)
	if rerr != nil {
		return 0, translate(rerr)
	}
	defer g.Close()
	target, rerr := g.Node().Target()
	if rerr != nil {
		return 0, translate(rerr)
	}
	for i := range buf {
		buf[i] = 0
	}
	return copy(buf[:len(buf)-1], target), nil
}

// Rename moves src over dst and invalidates the cached src subtree.
func (fs *FileSystem) Rename(src, dst string) (err error) {
	defer fs.trace2("rename", src, dst, &err)()
	defer recoverOp("rename", &err)
	if fs.readOnly() {
		return EROFS
	}
	return translate(fs.renamePath(src, dst))
}

// Link creates a hard link dst to the regular file at src.
func (fs *FileSystem) Link(src, dst string) (err error) {
	defer fs.trace2("link", src, dst, &err)()
	defer recoverOp("link", &err)
	if fs.readOnly() {
		return EROFS
	}
	return translate(fs.linkPath(src, dst))
}

// Utimens updates timestamps at path; nil pointers leave the
// corresponding time untouched.
func (fs *FileSystem) Utimens(path string, atime, mtime *time.Time) (err error) {
	defer fs.trace("utimens", path, &err)()
	defer recoverOp("utimens", &err)
	if fs.readOnly() {
		return EROFS
	}
	g, rerr := fs.openAll(path)
	if rerr != nil {
		return translate(rerr)
	}
	defer g.Close()
	g.Node().Utimens(atime, mtime)
	return nil
}

// --- Extended attributes (pass-through) ---

// disallowedXattr is the write policy for host-special attributes:
// quarantine markers are accepted and dropped, Finder info is refused.
func disallowedXattr(name string) (swallow bool, err error) {
	switch name {
	case "com.apple.quarantine":
		return true, nil
	case "com.apple.FinderInfo":
		return false, EPERM
	}
	return false, nil
}

// Listxattr lists the attribute names at path.
func (fs *FileSystem) Listxattr(path string) (names []string, err error) {
	defer fs.trace("listxattr", path, &err)()
	defer recoverOp("listxattr", &err)
	g, rerr := fs.openAll(path)
	if rerr != nil {
		return nil, translate(rerr)
	}
	defer g.Close()
	return g.Node().Listxattr(), nil
}

// Getxattr reads one attribute. A missing attribute is routine and is
// not logged as an error.
func (fs *FileSystem) Getxattr(path, name string) (value []byte, err error) {
	defer recoverOp("getxattr", &err)
	g, rerr := fs.openAll(path)
	if rerr != nil {
		return nil, translate(rerr)
	}
	defer g.Close()
	value, rerr = g.Node().Getxattr(name)
	return value, translate(rerr)
}

// Setxattr stores one attribute, subject to the disallowed-name policy.
func (fs *FileSystem) Setxattr(path, name string, value []byte) (err error) {
	defer fs.trace("setxattr", path, &err)()
	defer recoverOp("setxattr", &err)
	if fs.readOnly() {
		return EROFS
	}
	if swallow, perr := disallowedXattr(name); swallow || perr != nil {
		return perr
	}
	g, rerr := fs.openAll(path)
	if rerr != nil {
		return translate(rerr)
	}
	defer g.Close()
	g.Node().Setxattr(name, value)
	return translate(g.Node().Flush())
}

// Removexattr deletes one attribute.
func (fs *FileSystem) Removexattr(path, name string) (err error) {
	defer recoverOp("removexattr", &err)
	if fs.readOnly() {
		return EROFS
	}
	g, rerr := fs.openAll(path)
	if rerr != nil {
		return translate(rerr)
	}
	defer g.Close()
	if rerr := g.Node().Removexattr(name); rerr != nil {
		return translate(rerr)
	}
	return translate(g.Node().Flush())
}
