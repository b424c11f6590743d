package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitPath(t *testing.T) {
	t.Parallel()

	assert.Nil(t, SplitPath(""))
	assert.Nil(t, SplitPath("/"))
	assert.Nil(t, SplitPath("///"))
	assert.Equal(t, []string{"a"}, SplitPath("/a"))
	assert.Equal(t, []string{"a", "b", "c"}, SplitPath("/a/b/c"))
	assert.Equal(t, []string{"a", "b"}, SplitPath("a//b/"))
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/", NormalizePath(""))
	assert.Equal(t, "/", NormalizePath("/"))
	assert.Equal(t, "/a/b", NormalizePath("a/b"))
	assert.Equal(t, "/a/b", NormalizePath("//a//b/"))
}

func TestPrefixes(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Prefixes(nil))
	assert.Equal(t, []string{"/a", "/a/b", "/a/b/c"}, Prefixes([]string{"a", "b", "c"}))
}

func TestIsPathPrefix(t *testing.T) {
	t.Parallel()

	assert.True(t, IsPathPrefix("/a", "/a"))
	assert.True(t, IsPathPrefix("/a", "/a/b"))
	assert.True(t, IsPathPrefix("/", "/a/b"))
	assert.False(t, IsPathPrefix("/a", "/ab"))
	assert.False(t, IsPathPrefix("/a/b", "/a"))
}

func TestFold(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Fold("/FOO/Bar"), Fold("/foo/bar"))
	assert.Equal(t, Fold("/Straße"), Fold("/strasse"))
	assert.NotEqual(t, Fold("/foo"), Fold("/bar"))
}
