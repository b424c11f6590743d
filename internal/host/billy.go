// Copyright 2025 VaultFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package host binds the VaultFS dispatcher to host-side filesystem
// interfaces. The billy adapter carries dispatcher handles exactly the
// way a FUSE host would: an open-style call releases a guard into an
// opaque handle, and the matching close reacquires and drops it.
package host

import (
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"
	"github.com/google/uuid"

	"vaultfs/internal/vfs"
)

// Filesystem adapts a mounted VaultFS context to billy.Filesystem.
type Filesystem struct {
	inner *vfs.FileSystem
}

// New wraps a mounted filesystem context.
func New(inner *vfs.FileSystem) *Filesystem {
	return &Filesystem{inner: inner}
}

var _ billy.Filesystem = (*Filesystem)(nil)

// Create opens name for read-write, creating or truncating it.
func (fs *Filesystem) Create(name string) (billy.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// Open opens name read-only.
func (fs *Filesystem) Open(name string) (billy.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

// OpenFile opens name with POSIX open flags.
func (fs *Filesystem) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	var h vfs.HandleID
	var err error
	if flag&os.O_CREATE != 0 {
		h, err = fs.inner.Create(name, uint32(perm.Perm()))
		if err == syscall.EEXIST && flag&os.O_EXCL == 0 {
			h, err = fs.inner.Open(name, flag)
		}
	} else {
		h, err = fs.inner.Open(name, flag)
	}
	if err != nil {
		return nil, err
	}
	f := &file{fs: fs, name: name, handle: h, flag: flag}
	if flag&os.O_APPEND != 0 {
		if attr, aerr := fs.inner.Getattr(name); aerr == nil {
			f.pos = attr.Size
		}
	}
	return f, nil
}

// Stat returns file information for name.
func (fs *Filesystem) Stat(name string) (os.FileInfo, error) {
	attr, err := fs.inner.Getattr(name)
	if err != nil {
		return nil, err
	}
	return newFileInfo(path.Base(name), attr), nil
}

// Lstat is Stat; the dispatcher never follows symlinks on its own.
func (fs *Filesystem) Lstat(name string) (os.FileInfo, error) {
	return fs.Stat(name)
}

// Rename moves oldpath over newpath.
func (fs *Filesystem) Rename(oldpath, newpath string) error {
	return fs.inner.Rename(oldpath, newpath)
}

// Remove unlinks a file or empty directory.
func (fs *Filesystem) Remove(name string) error {
	return fs.inner.Unlink(name)
}

// Join joins path elements.
func (fs *Filesystem) Join(elem ...string) string {
	return path.Join(elem...)
}

// TempFile creates an exclusive scratch file under dir.
func (fs *Filesystem) TempFile(dir, prefix string) (billy.File, error) {
	for i := 0; i < 8; i++ {
		name := fs.Join(dir, prefix+strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
		f, err := fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
		if err == syscall.EEXIST {
			continue
		}
		return f, err
	}
	return nil, syscall.EEXIST
}

// ReadDir lists the directory at p.
func (fs *Filesystem) ReadDir(p string) ([]os.FileInfo, error) {
	h, err := fs.inner.Opendir(p)
	if err != nil {
		return nil, err
	}
	defer fs.inner.Releasedir(h)

	entries, err := fs.inner.Readdir(h)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		attr, err := fs.inner.Getattr(fs.Join(p, e.Name))
		if err != nil {
			continue
		}
		infos = append(infos, newFileInfo(e.Name, attr))
	}
	return infos, nil
}

// MkdirAll creates the directory at p and any missing ancestors.
func (fs *Filesystem) MkdirAll(p string, perm os.FileMode) error {
	var prefix string
	for _, c := range strings.Split(p, "/") {
		if c == "" {
			continue
		}
		prefix = prefix + "/" + c
		if err := fs.inner.Mkdir(prefix, uint32(perm.Perm())); err != nil && err != syscall.EEXIST {
			return err
		}
	}
	return nil
}

// Symlink creates a symbolic link at link pointing at target.
func (fs *Filesystem) Symlink(target, link string) error {
	return fs.inner.Symlink(target, link)
}

// Readlink returns the target of the link at name.
func (fs *Filesystem) Readlink(name string) (string, error) {
	buf := make([]byte, 4096)
	n, err := fs.inner.Readlink(name, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// Chroot scopes a view of the filesystem under p.
func (fs *Filesystem) Chroot(p string) (billy.Filesystem, error) {
	return chroot.New(fs, p), nil
}

// Root returns the root path of this view.
func (fs *Filesystem) Root() string {
	return "/"
}

// file is one open handle carried across the host boundary.
type file struct {
	fs     *Filesystem
	name   string
	handle vfs.HandleID
	flag   int

	mu     sync.Mutex
	pos    int64
	closed bool
}

var _ billy.File = (*file)(nil)

func (f *file) Name() string {
	return f.name
}

func (f *file) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	n, err := f.fs.inner.Read(f.handle, p, f.pos)
	if err != nil {
		return n, err
	}
	f.pos += int64(n)
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	n, err := f.fs.inner.Read(f.handle, p, off)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *file) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	n, err := f.fs.inner.Write(f.handle, p, f.pos)
	if err != nil {
		return n, err
	}
	f.pos += int64(n)
	return n, nil
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		attr, err := f.fs.inner.Getattr(f.name)
		if err != nil {
			return 0, err
		}
		f.pos = attr.Size + offset
	default:
		return 0, syscall.EINVAL
	}
	if f.pos < 0 {
		f.pos = 0
		return 0, syscall.EINVAL
	}
	return f.pos, nil
}

func (f *file) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	return f.fs.inner.Ftruncate(f.handle, size)
}

func (f *file) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	return f.fs.inner.Release(f.handle)
}

// Lock and Unlock satisfy billy.File; VaultFS has no per-file advisory
// locks, matching the in-memory billy implementations.
func (f *file) Lock() error {
	return nil
}

func (f *file) Unlock() error {
	return nil
}

// fileInfo renders a dispatcher Attr as os.FileInfo.
type fileInfo struct {
	name string
	attr vfs.Attr
}

func newFileInfo(name string, attr vfs.Attr) *fileInfo {
	return &fileInfo{name: name, attr: attr}
}

func (fi *fileInfo) Name() string {
	return fi.name
}

func (fi *fileInfo) Size() int64 {
	return fi.attr.Size
}

func (fi *fileInfo) Mode() os.FileMode {
	mode := os.FileMode(fi.attr.Mode & 0777)
	switch fi.attr.Kind {
	case vfs.KindDirectory:
		mode |= os.ModeDir
	case vfs.KindSymlink:
		mode |= os.ModeSymlink
	}
	return mode
}

func (fi *fileInfo) ModTime() time.Time {
	return fi.attr.Mtime
}

func (fi *fileInfo) IsDir() bool {
	return fi.attr.Kind == vfs.KindDirectory
}

func (fi *fileInfo) Sys() interface{} {
	return &fi.attr
}
