package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormPathIdempotent(t *testing.T) {
	paths := []Path{
		"/a/b/../c",
		"/a/./b//c",
		"a/b/..",
		"/..",
		"/",
		".",
		"/a/b/c/../../..",
	}
	for _, p := range paths {
		once := p.NormPath()
		if once.NormPath() != once {
			t.Errorf("NormPath(NormPath(%q)) = %q, want %q", p, once.NormPath(), once)
		}
	}
}

func TestNormPathFoldsDotDot(t *testing.T) {
	assert.Equal(t, Path("/a"), Path("/a/b/..").NormPath())
	assert.Equal(t, Path("a"), Path("a/b/..").NormPath())
	assert.Equal(t, Path("/"), Path("/a/..").NormPath())
	assert.Equal(t, Path("/a/c"), Path("/a/./b/../c").NormPath())
}

func TestInnerPath(t *testing.T) {
	cases := []struct {
		path, base, want Path
	}{
		{"/a/b/c", "/a/b", "/c"},
		{"/a/b", "/a/b", "/"},
		{"/a/bc", "/a/b", ""},
		{"/x", "/a", ""},
		{"/a/b/c", "/", "/a/b/c"},
	}
	for _, c := range cases {
		if got := c.path.InnerPath(c.base); got != c.want {
			t.Errorf("InnerPath(%q, %q) = %q, want %q", c.path, c.base, got, c.want)
		}
	}
}

func TestPathValidate(t *testing.T) {
	assert.NoError(t, Path("/a/b").Validate())
	assert.Error(t, Path("").Validate())
	assert.Error(t, Path("a/b").Validate())
	assert.Error(t, Path("/a/../b").Validate())
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	target := Path(filepath.Join(dir, "node"))

	require.NoError(t, WriteAtomic(target, []byte("one"), 0600))
	require.NoError(t, WriteAtomic(target, []byte("two"), 0600))

	data, err := os.ReadFile(target.String())
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	// no temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWalkOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "f"), nil, 0644))
	require.NoError(t, os.Symlink("f", filepath.Join(dir, "sub", "l")))

	var trace []string
	err := Walk(Path(dir), func(p Path, info os.FileInfo, ev WalkEvent, werr error) error {
		require.NoError(t, werr)
		rel, _ := filepath.Rel(dir, p.String())
		switch ev {
		case WalkDirPre:
			trace = append(trace, "pre:"+rel)
		case WalkDirPost:
			trace = append(trace, "post:"+rel)
		case WalkFile:
			trace = append(trace, "file:"+rel)
		case WalkSymlink:
			trace = append(trace, "link:"+rel)
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "pre:.", trace[0])
	assert.Equal(t, "post:.", trace[len(trace)-1])
	assert.Contains(t, trace, "file:sub/f")
	assert.Contains(t, trace, "link:sub/l")
	// sub opens before its entries and closes after them
	pre := indexOf(trace, "pre:sub")
	post := indexOf(trace, "post:sub")
	f := indexOf(trace, "file:sub/f")
	assert.True(t, pre < f && f < post)
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func TestRemoveRecursive(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "tree")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "f"), []byte("x"), 0644))

	require.NoError(t, RemoveRecursive(Path(root)))
	assert.False(t, Path(root).Exists())

	// removing a missing tree is not an error
	assert.NoError(t, RemoveRecursive(Path(root)))
}

func TestProjectIDStableAndNonZero(t *testing.T) {
	a := ProjectID("/place/warden_volumes/abc/upper")
	b := ProjectID("/place/warden_volumes/abc/upper")
	c := ProjectID("/place/warden_volumes/def/upper")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.GreaterOrEqual(t, a, uint32(2))
}

func TestComponents(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Path("/a/b").Components())
	assert.Nil(t, Path("/").Components())
	got := Path("/a/b/../c").Components()
	sort.Strings(got)
	assert.Equal(t, []string{"a", "c"}, got)
}
