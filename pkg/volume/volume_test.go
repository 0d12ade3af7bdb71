package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warden/pkg/fsutil"
	"github.com/cuemby/warden/pkg/kvstore"
	"github.com/cuemby/warden/pkg/log"
)

func TestLayerIDStable(t *testing.T) {
	a := LayerID("/place/tarballs/base.tar.gz")
	b := LayerID("/place/tarballs/base.tar.gz")
	c := LayerID("/place/tarballs/other.tar.gz")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestRollbackRunsInReverse(t *testing.T) {
	var got []int
	var rb rollback
	rb.push(func() { got = append(got, 1) })
	rb.push(func() { got = append(got, 2) })
	rb.push(func() { got = append(got, 3) })
	rb.Run()
	assert.Equal(t, []int{3, 2, 1}, got)

	// disarmed stack runs nothing
	var rb2 rollback
	rb2.push(func() { t.Fatal("must not run") })
	rb2.Disarm()
	rb2.Run()
}

func TestVolumeNodeRoundTrip(t *testing.T) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: os.Stderr})
	store, err := kvstore.Open(fsutil.Path(t.TempDir()))
	require.NoError(t, err)

	v := &Volume{
		Spec: Spec{
			Path:     "/v1",
			Layer:    "base",
			Backend:  BackendLoop,
			Quota:    64 << 20,
			ReadOnly: true,
			Uid:      1000,
			Gid:      1001,
			Private:  "user data",
		},
		ID:        LayerID("/v1"),
		LoopIndex: 7,
		links:     map[string]bool{"c1": true, "a/b": true},
	}
	require.NoError(t, store.Create(kvstore.SanitizeName(v.Path)))
	require.NoError(t, v.persist(store))

	pairs, err := store.Load(kvstore.SanitizeName(v.Path))
	require.NoError(t, err)

	got, err := volumeFromNode(pairs)
	require.NoError(t, err)
	assert.Equal(t, v.Path, got.Path)
	assert.Equal(t, v.Backend, got.Backend)
	assert.Equal(t, v.Quota, got.Quota)
	assert.Equal(t, v.ReadOnly, got.ReadOnly)
	assert.Equal(t, v.Uid, got.Uid)
	assert.Equal(t, v.Gid, got.Gid)
	assert.Equal(t, v.LoopIndex, got.LoopIndex)
	assert.Equal(t, v.Private, got.Private)
	assert.ElementsMatch(t, v.Links(), got.Links())
}

func TestVolumeFromNodeRejectsPathless(t *testing.T) {
	_, err := volumeFromNode(map[string]string{"backend": "loop"})
	assert.Error(t, err)
}

func TestSplitLinks(t *testing.T) {
	assert.Nil(t, splitLinks(""))
	assert.Equal(t, []string{"a"}, splitLinks("a"))
	assert.Equal(t, []string{"a", "b/c"}, splitLinks("a,b/c"))
}

func TestSanitizeWhiteoutsMergeMode(t *testing.T) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: os.Stderr})
	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "etc", "motd"), []byte("hi"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "etc", ".wh.motd"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "etc", "keep"), []byte("k"), 0644))

	require.NoError(t, sanitizeWhiteouts(fsutil.Path(dir), true))

	assert.NoFileExists(t, filepath.Join(dir, "etc", "motd"))
	assert.NoFileExists(t, filepath.Join(dir, "etc", ".wh.motd"))
	assert.FileExists(t, filepath.Join(dir, "etc", "keep"))
}
