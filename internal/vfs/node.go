package vfs

import (
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"

	"vaultfs/internal/common"
	"vaultfs/internal/storage"
)

// Kind is the node flavor, fixed at creation.
type Kind = storage.Kind

const (
	KindRegular   = storage.KindRegular
	KindDirectory = storage.KindDirectory
	KindSymlink   = storage.KindSymlink
)

// ModeForKind returns the file-type bits for a kind.
func ModeForKind(k Kind) uint32 {
	switch k {
	case KindDirectory:
		return syscall.S_IFDIR
	case KindSymlink:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

// Attr is a point-in-time snapshot of a node's attributes.
type Attr struct {
	ID    common.ID
	Kind  Kind
	Mode  uint32
	UID   uint32
	GID   uint32
	Nlink uint32
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Btime time.Time
}

// DirEntry is one name in a directory, pointing at a node.
type DirEntry struct {
	ID   common.ID
	Kind Kind
}

// dirEntryRec is the durable form of a directory entry.
type dirEntryRec struct {
	ID   []byte `cbor:"id"`
	Kind uint8  `cbor:"kind"`
}

// Node is the in-memory representation of one logical file. The
// OpenTable exclusively owns every Node; callers hold one through a
// Guard and must not retain it past the guard. The reference count is
// bookkeeping owned by the table (under the table lock); everything
// else is protected by the node's own mutex.
type Node struct {
	id    common.ID
	kind  Kind
	table *OpenTable

	refs int // guarded by table.mu

	mu      sync.Mutex
	dirty   bool
	meta    *storage.Meta
	art     *storage.Artifact
	entries map[string]DirEntry // directories only
	target  string              // symlinks only
}

func newNode(t *OpenTable, id common.ID, meta *storage.Meta, art *storage.Artifact) (*Node, error) {
	n := &Node{
		id:    id,
		kind:  meta.Kind,
		table: t,
		meta:  meta,
		art:   art,
	}
	switch n.kind {
	case KindDirectory:
		n.entries = make(map[string]DirEntry)
		if art.Size() > 0 {
			raw, err := art.ReadAll()
			if err != nil {
				return nil, err
			}
			recs := make(map[string]dirEntryRec)
			if err := cbor.Unmarshal(raw, &recs); err != nil {
				return nil, fmt.Errorf("%w: malformed directory payload for %s", common.ErrCorrupt, id)
			}
			for name, rec := range recs {
				if len(rec.ID) != common.IDSize {
					return nil, fmt.Errorf("%w: malformed entry %q in %s", common.ErrCorrupt, name, id)
				}
				var eid common.ID
				copy(eid[:], rec.ID)
				n.entries[name] = DirEntry{ID: eid, Kind: Kind(rec.Kind)}
			}
		}
	case KindSymlink:
		if art.Size() > 0 {
			raw, err := art.ReadAll()
			if err != nil {
				return nil, err
			}
			n.target = string(raw)
		}
	}
	return n, nil
}

// ID returns the node's identifier.
func (n *Node) ID() common.ID {
	return n.id
}

// Kind returns the node's flavor.
func (n *Node) Kind() Kind {
	return n.kind
}

// InitializeEmpty populates the zeroed metadata of a freshly created
// node. The caller is responsible for linking it into a directory.
func (n *Node) InitializeEmpty(mode, uid, gid uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now().UnixNano()
	n.meta.Mode = mode
	n.meta.UID = uid
	n.meta.GID = gid
	n.meta.Nlink = 1
	n.meta.Atime, n.meta.Mtime, n.meta.Ctime, n.meta.Btime = now, now, now, now
	n.dirty = true
}

// Stat snapshots the node's attributes.
func (n *Node) Stat() Attr {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Attr{
		ID:    n.id,
		Kind:  n.kind,
		Mode:  n.meta.Mode,
		UID:   n.meta.UID,
		GID:   n.meta.GID,
		Nlink: n.meta.Nlink,
		Size:  n.contentSizeLocked(),
		Atime: time.Unix(0, n.meta.Atime),
		Mtime: time.Unix(0, n.meta.Mtime),
		Ctime: time.Unix(0, n.meta.Ctime),
		Btime: time.Unix(0, n.meta.Btime),
	}
}

// contentSizeLocked is the logical size as the host should see it: the
// target length for symlinks, payload size otherwise.
func (n *Node) contentSizeLocked() int64 {
	if n.kind == KindSymlink {
		return int64(len(n.target))
	}
	return n.art.Size()
}

// Flush persists pending state. The dirty flag clears only after the
// backing store accepted everything.
func (n *Node) Flush() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.flushLocked()
}

func (n *Node) flushLocked() error {
	if !n.dirty {
		return nil
	}
	switch n.kind {
	case KindDirectory:
		recs := make(map[string]dirEntryRec, len(n.entries))
		for name, e := range n.entries {
			recs[name] = dirEntryRec{ID: e.ID[:], Kind: uint8(e.Kind)}
		}
		raw, err := cbor.Marshal(recs)
		if err != nil {
			return fmt.Errorf("encoding directory payload: %w", err)
		}
		if err := n.art.WriteAll(raw); err != nil {
			return err
		}
	case KindSymlink:
		if err := n.art.WriteAll([]byte(n.target)); err != nil {
			return err
		}
	}
	n.meta.Size = n.art.Size()
	if err := n.table.store.SaveMeta(n.id, n.meta); err != nil {
		return err
	}
	n.dirty = false
	return nil
}

// Fsync flushes pending state and syncs the content artifact to
// stable storage.
func (n *Node) Fsync() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.flushLocked(); err != nil {
		return err
	}
	return n.art.Sync()
}

// Utimens updates the access and modification times; a nil pointer
// leaves that time untouched.
func (n *Node) Utimens(atime, mtime *time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if atime != nil {
		n.meta.Atime = atime.UnixNano()
	}
	if mtime != nil {
		n.meta.Mtime = mtime.UnixNano()
	}
	n.meta.Ctime = time.Now().UnixNano()
	n.dirty = true
}

// Mode returns the full mode including file-type bits.
func (n *Node) Mode() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.meta.Mode
}

// SetMode replaces the full mode word.
func (n *Node) SetMode(mode uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.meta.Mode = mode
	n.meta.Ctime = time.Now().UnixNano()
	n.dirty = true
}

// SetUID sets the owning user.
func (n *Node) SetUID(uid uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.meta.UID = uid
	n.meta.Ctime = time.Now().UnixNano()
	n.dirty = true
}

// SetGID sets the owning group.
func (n *Node) SetGID(gid uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.meta.GID = gid
	n.meta.Ctime = time.Now().UnixNano()
	n.dirty = true
}

// Nlink returns the link count.
func (n *Node) Nlink() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.meta.Nlink
}

// SetNlink replaces the link count.
func (n *Node) SetNlink(v uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.meta.Nlink = v
	n.meta.Ctime = time.Now().UnixNano()
	n.dirty = true
}

// Unlink drops one link. When the count reaches zero the on-disk
// artifacts are deleted at finalization.
func (n *Node) Unlink() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.meta.Nlink > 0 {
		n.meta.Nlink--
	}
	n.meta.Ctime = time.Now().UnixNano()
	n.dirty = true
}

// --- Extended attributes (all kinds) ---

// Listxattr returns the attribute names in sorted order.
func (n *Node) Listxattr() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, len(n.meta.Xattrs))
	for name := range n.meta.Xattrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Getxattr returns the named attribute's value.
func (n *Node) Getxattr(name string) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.meta.Xattrs[name]
	if !ok {
		return nil, common.ErrNoAttr
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Setxattr stores the named attribute.
func (n *Node) Setxattr(name string, value []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.meta.Xattrs == nil {
		n.meta.Xattrs = make(map[string][]byte)
	}
	v := make([]byte, len(value))
	copy(v, value)
	n.meta.Xattrs[name] = v
	n.dirty = true
}

// Removexattr deletes the named attribute.
func (n *Node) Removexattr(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.meta.Xattrs[name]; !ok {
		return common.ErrNoAttr
	}
	delete(n.meta.Xattrs, name)
	n.dirty = true
	return nil
}

// --- Regular file capabilities ---

// Read fills p from offset off and returns the bytes read.
func (n *Node) Read(p []byte, off int64) (int, error) {
	if n.kind != KindRegular {
		return 0, n.kindError("read")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.art.ReadAt(p, off)
}

// Write stores p at offset off.
func (n *Node) Write(p []byte, off int64) error {
	if n.kind != KindRegular {
		return n.kindError("write")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.art.WriteAt(p, off); err != nil {
		return err
	}
	n.meta.Size = n.art.Size()
	now := time.Now().UnixNano()
	n.meta.Mtime, n.meta.Ctime = now, now
	n.dirty = true
	return nil
}

// Truncate resizes the file content.
func (n *Node) Truncate(size int64) error {
	if n.kind != KindRegular {
		return n.kindError("truncate")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.art.Truncate(size); err != nil {
		return err
	}
	n.meta.Size = n.art.Size()
	now := time.Now().UnixNano()
	n.meta.Mtime, n.meta.Ctime = now, now
	n.dirty = true
	return nil
}

// --- Directory capabilities ---

// GetEntry looks up name; ok is false when it is absent.
func (n *Node) GetEntry(name string) (DirEntry, bool, error) {
	if n.kind != KindDirectory {
		return DirEntry{}, false, n.kindError("get_entry")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[name]
	return e, ok, nil
}

// AddEntry links name to id. Fails with common.ErrExists when the name
// is taken.
func (n *Node) AddEntry(name string, id common.ID, kind Kind) error {
	if n.kind != KindDirectory {
		return n.kindError("add_entry")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.entries[name]; ok {
		return common.ErrExists
	}
	n.entries[name] = DirEntry{ID: id, Kind: kind}
	now := time.Now().UnixNano()
	n.meta.Mtime, n.meta.Ctime = now, now
	n.dirty = true
	return nil
}

// RemoveEntry unlinks name from the directory.
func (n *Node) RemoveEntry(name string) error {
	if n.kind != KindDirectory {
		return n.kindError("remove_entry")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.entries[name]; !ok {
		return common.ErrNotFound
	}
	delete(n.entries, name)
	now := time.Now().UnixNano()
	n.meta.Mtime, n.meta.Ctime = now, now
	n.dirty = true
	return nil
}

// Empty reports whether the directory has no entries.
func (n *Node) Empty() (bool, error) {
	if n.kind != KindDirectory {
		return false, n.kindError("empty")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries) == 0, nil
}

// IterateEntries visits entries in name order; the visitor returns
// false to stop early.
func (n *Node) IterateEntries(visit func(name string, e DirEntry) bool) error {
	if n.kind != KindDirectory {
		return n.kindError("iterate_entries")
	}
	n.mu.Lock()
	names := make([]string, 0, len(n.entries))
	for name := range n.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	snapshot := make([]DirEntry, len(names))
	for i, name := range names {
		snapshot[i] = n.entries[name]
	}
	n.mu.Unlock()

	for i, name := range names {
		if !visit(name, snapshot[i]) {
			return nil
		}
	}
	return nil
}

// --- Symlink capabilities ---

// Target returns the link target.
func (n *Node) Target() (string, error) {
	if n.kind != KindSymlink {
		return "", n.kindError("readlink")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.target, nil
}

// SetTarget replaces the link target.
func (n *Node) SetTarget(target string) error {
	if n.kind != KindSymlink {
		return n.kindError("symlink")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.target = target
	now := time.Now().UnixNano()
	n.meta.Mtime, n.meta.Ctime = now, now
	n.dirty = true
	return nil
}

func (n *Node) kindError(op string) error {
	return fmt.Errorf("%w: %s on %s node", common.ErrKindMismatch, op, n.kind)
}
