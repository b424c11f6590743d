package vfs

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"vaultfs/internal/common"
)

// splitPath folds and splits a plaintext path into components.
func (fs *FileSystem) splitPath(path string) []string {
	if fs.flags.CaseFold() {
		path = common.Fold(path)
	}
	return common.SplitPath(path)
}

// normPath is the canonical (folded, normalized) form used as cache
// keys.
func (fs *FileSystem) normPath(path string) string {
	if fs.flags.CaseFold() {
		path = common.Fold(path)
	}
	return common.NormalizePath(path)
}

func (fs *FileSystem) openGuard(id common.ID, kind Kind) (*Guard, error) {
	n, err := fs.table.OpenAs(id, kind)
	if err != nil {
		return nil, err
	}
	return newGuard(fs.table, n), nil
}

// openBaseDir walks a path down to the parent of its final component,
// starting from the deepest cached prefix, and returns the parent
// directory guard together with the final component name. The name is
// empty when the path denotes the root.
func (fs *FileSystem) openBaseDir(path string) (*Guard, string, error) {
	components := fs.splitPath(path)
	if len(components) == 0 {
		g, err := fs.openGuard(fs.rootID, KindDirectory)
		return g, "", err
	}
	prefixes := common.Prefixes(components)

	id := fs.rootID
	first := 0
	for i := len(components) - 2; i >= 0; i-- {
		if cid, ok := fs.cache.Lookup(prefixes[i]); ok {
			id = cid
			first = i + 1
			break
		}
	}

	g, err := fs.openGuard(id, KindDirectory)
	if err != nil {
		return nil, "", err
	}
	for j := first; j < len(components)-1; j++ {
		e, ok, err := g.Node().GetEntry(components[j])
		if err != nil {
			g.Close()
			return nil, "", err
		}
		if !ok {
			g.Close()
			return nil, "", fmt.Errorf("%w: %s", common.ErrNotFound, prefixes[j])
		}
		if e.Kind != KindDirectory {
			g.Close()
			return nil, "", fmt.Errorf("%w: %s", common.ErrNotDir, prefixes[j])
		}
		n, err := fs.table.OpenAs(e.ID, KindDirectory)
		if err != nil {
			g.Close()
			return nil, "", err
		}
		if err := g.Reset(n); err != nil {
			g.Close()
			return nil, "", err
		}
		fs.cache.Insert(prefixes[j], e.ID)
	}
	return g, components[len(components)-1], nil
}

// openAll resolves a path all the way to its node, opened with the kind
// recorded in the parent directory.
func (fs *FileSystem) openAll(path string) (*Guard, error) {
	g, last, err := fs.openBaseDir(path)
	if err != nil {
		return nil, err
	}
	if last == "" {
		return g, nil
	}
	e, ok, err := g.Node().GetEntry(last)
	if err != nil {
		g.Close()
		return nil, err
	}
	if !ok {
		g.Close()
		return nil, fmt.Errorf("%w: %s", common.ErrNotFound, fs.normPath(path))
	}
	n, err := fs.table.OpenAs(e.ID, e.Kind)
	if err != nil {
		g.Close()
		return nil, err
	}
	if err := g.Reset(n); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

// createNode allocates a fresh node, links it under its parent, and
// returns its guard. When linking fails the new node is unlinked so no
// orphan survives finalization.
func (fs *FileSystem) createNode(path string, kind Kind, mode, uid, gid uint32) (*Guard, error) {
	dir, last, err := fs.openBaseDir(path)
	if err != nil {
		return nil, err
	}
	defer dir.Close()
	if last == "" {
		return nil, common.ErrExists
	}

	id := common.NewID()
	n, err := fs.table.CreateAs(id, kind)
	if err != nil {
		return nil, err
	}
	g := newGuard(fs.table, n)
	n.InitializeEmpty(mode, uid, gid)

	if err := dir.Node().AddEntry(last, id, kind); err != nil {
		n.Unlink()
		g.Close()
		return nil, err
	}
	return g, nil
}

// removePath unlinks the entry at path. Non-empty directories are
// refused, with their contents summarized in the log for diagnostics.
func (fs *FileSystem) removePath(path string) error {
	norm := fs.normPath(path)
	dir, last, err := fs.openBaseDir(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	if last == "" {
		return common.ErrNotPermitted
	}

	e, ok, err := dir.Node().GetEntry(last)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrNotFound, norm)
	}
	g, err := fs.openGuard(e.ID, e.Kind)
	if err != nil {
		return err
	}
	defer g.Close()

	if g.Node().Kind() == KindDirectory {
		empty, err := g.Node().Empty()
		if err != nil {
			return err
		}
		if !empty {
			var names []string
			g.Node().IterateEntries(func(name string, _ DirEntry) bool {
				names = append(names, name)
				return true
			})
			log.Warnf("refusing to remove non-empty directory %q with entries: %s",
				norm, strings.Join(names, ", "))
			return fmt.Errorf("%w: %s", common.ErrNotEmpty, norm)
		}
	}

	if err := dir.Node().RemoveEntry(last); err != nil {
		return err
	}
	g.Node().Unlink()
	fs.cache.InvalidateSubtree(norm)
	return nil
}

// removeNodeByID unlinks a node already detached from every directory.
// Failures are swallowed: the logical tree is consistent without the
// artifacts, which at worst linger until a future mount.
func (fs *FileSystem) removeNodeByID(id common.ID, kind Kind) {
	g, err := fs.openGuard(id, kind)
	if err != nil {
		log.Debugf("opening detached node %s: %v", id, err)
		return
	}
	g.Node().Unlink()
	fs.cache.InvalidateID(id)
	if err := g.Close(); err != nil {
		log.Debugf("closing detached node %s: %v", id, err)
	}
}

// renamePath moves src over dst following the POSIX replacement rules.
func (fs *FileSystem) renamePath(src, dst string) error {
	srcNorm := fs.normPath(src)

	sg, srcName, err := fs.openBaseDir(src)
	if err != nil {
		return err
	}
	defer sg.Close()
	dg, dstName, err := fs.openBaseDir(dst)
	if err != nil {
		return err
	}
	defer dg.Close()

	se, ok, err := sg.Node().GetEntry(srcName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrNotFound, srcNorm)
	}
	de, dstExists, err := dg.Node().GetEntry(dstName)
	if err != nil {
		return err
	}

	if dstExists {
		if se.ID == de.ID {
			// Same node under both names; nothing moved, nothing to
			// invalidate.
			return nil
		}
		if se.Kind != KindDirectory && de.Kind == KindDirectory {
			return fmt.Errorf("%w: %s", common.ErrIsDir, fs.normPath(dst))
		}
		if se.Kind != de.Kind {
			return fmt.Errorf("%w: rename across node kinds", common.ErrInvalid)
		}
		if err := dg.Node().RemoveEntry(dstName); err != nil {
			return err
		}
	}
	if err := sg.Node().RemoveEntry(srcName); err != nil {
		return err
	}
	if err := dg.Node().AddEntry(dstName, se.ID, se.Kind); err != nil {
		return err
	}
	if dstExists {
		fs.removeNodeByID(de.ID, de.Kind)
	}
	fs.cache.InvalidateSubtree(srcNorm)
	return nil
}

// linkPath creates a hard link dst to the regular file at src.
func (fs *FileSystem) linkPath(src, dst string) error {
	sg, srcName, err := fs.openBaseDir(src)
	if err != nil {
		return err
	}
	defer sg.Close()
	dg, dstName, err := fs.openBaseDir(dst)
	if err != nil {
		return err
	}
	defer dg.Close()

	se, ok, err := sg.Node().GetEntry(srcName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrNotFound, fs.normPath(src))
	}
	_, dstExists, err := dg.Node().GetEntry(dstName)
	if err != nil {
		return err
	}
	if dstExists {
		return fmt.Errorf("%w: %s", common.ErrExists, fs.normPath(dst))
	}

	g, err := fs.openGuard(se.ID, se.Kind)
	if err != nil {
		return err
	}
	defer g.Close()
	if g.Node().Kind() != KindRegular {
		return fmt.Errorf("%w: hard link to %s node", common.ErrNotPermitted, g.Node().Kind())
	}

	g.Node().SetNlink(g.Node().Nlink() + 1)
	if err := dg.Node().AddEntry(dstName, se.ID, se.Kind); err != nil {
		g.Node().SetNlink(g.Node().Nlink() - 1)
		return err
	}
	return nil
}
