package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultfs/internal/common"
)

func TestPathCacheInsertLookup(t *testing.T) {
	t.Parallel()

	c := NewPathCache()
	id := common.NewID()
	c.Insert("/a/b", id)

	got, ok := c.Lookup("/a/b")
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = c.Lookup("/a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestPathCacheBidirectional(t *testing.T) {
	t.Parallel()

	c := NewPathCache()
	id1 := common.NewID()
	id2 := common.NewID()

	// Re-mapping a path displaces the old identifier's reverse entry.
	c.Insert("/a", id1)
	c.Insert("/a", id2)
	got, ok := c.Lookup("/a")
	require.True(t, ok)
	assert.Equal(t, id2, got)
	assert.Equal(t, 1, c.Len())

	// Re-mapping an identifier displaces its old forward entry.
	c.Insert("/b", id2)
	_, ok = c.Lookup("/a")
	assert.False(t, ok)
	got, ok = c.Lookup("/b")
	require.True(t, ok)
	assert.Equal(t, id2, got)
	assert.Equal(t, 1, c.Len())
}

func TestPathCacheInvalidateSubtree(t *testing.T) {
	t.Parallel()

	c := NewPathCache()
	ids := make(map[string]common.ID)
	for _, p := range []string{"/a", "/a/b", "/a/b/c", "/ab", "/a!", "/z"} {
		id := common.NewID()
		ids[p] = id
		c.Insert(p, id)
	}

	c.InvalidateSubtree("/a")

	for _, p := range []string{"/a", "/a/b", "/a/b/c"} {
		_, ok := c.Lookup(p)
		assert.False(t, ok, "expected %s invalidated", p)
	}
	// Siblings sharing a raw string prefix survive.
	for _, p := range []string{"/ab", "/a!", "/z"} {
		_, ok := c.Lookup(p)
		assert.True(t, ok, "expected %s kept", p)
	}
	assert.Equal(t, 3, c.Len())
}

func TestPathCacheInvalidateRoot(t *testing.T) {
	t.Parallel()

	c := NewPathCache()
	c.Insert("/a", common.NewID())
	c.Insert("/b/c", common.NewID())
	c.InvalidateSubtree("/")
	assert.Equal(t, 0, c.Len())
}

func TestPathCacheInvalidateID(t *testing.T) {
	t.Parallel()

	c := NewPathCache()
	dirID := common.NewID()
	childID := common.NewID()
	c.Insert("/d", dirID)
	c.Insert("/d/inner", childID)
	c.Insert("/other", common.NewID())

	c.InvalidateID(dirID)

	_, ok := c.Lookup("/d")
	assert.False(t, ok)
	_, ok = c.Lookup("/d/inner")
	assert.False(t, ok)
	_, ok = c.Lookup("/other")
	assert.True(t, ok)

	// Unknown identifiers are a no-op.
	c.InvalidateID(common.NewID())
	assert.Equal(t, 1, c.Len())
}
