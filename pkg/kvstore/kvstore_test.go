package kvstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/fsutil"
	"github.com/cuemby/warden/pkg/log"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, Output: os.Stderr})
	s, err := Open(fsutil.Path(t.TempDir()))
	require.NoError(t, err)
	return s
}

func TestAppendMerge(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Append("x", []Pair{{"k1", "v1"}}))
	require.NoError(t, s.Append("x", []Pair{{"k1", "v2"}, {"k2", "v3"}}))

	m, err := s.Load("x")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "v2", "k2": "v3"}, m)
}

func TestSaveReplacesHistory(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Append("x", []Pair{{"old", "1"}}))
	require.NoError(t, s.Save("x", []Pair{{"new", "2"}}))

	m, err := s.Load("x")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"new": "2"}, m)
}

func TestLoadLastWriterWins(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append("n", []Pair{{"k", string(rune('a' + i))}}))
	}
	m, err := s.Load("n")
	require.NoError(t, err)
	assert.Equal(t, "j", m["k"])
}

func TestHalfRecordDiscarded(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Append("x", []Pair{{"k1", "v1"}}))

	// simulate a crash mid-append: a length prefix promising more
	// bytes than the file holds
	f, err := os.OpenFile(filepath.Join(s.root.String(), "x"), os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x7f, 0x0a, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m, err := s.Load("x")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "v1"}, m)
}

func TestCreateListRemove(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Create("a"))
	require.NoError(t, s.Create("b"))

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	require.NoError(t, s.Remove("a"))
	names, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)

	_, err = s.Load("a")
	assert.Equal(t, errdefs.NotFound, errdefs.GetKind(err))

	// removing twice is fine
	assert.NoError(t, s.Remove("a"))
}

func TestEmptyRecordLoads(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Create("e"))
	m, err := s.Load("e")
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "place%vol%v1", SanitizeName("/place/vol/v1"))
	assert.Equal(t, "%root%", SanitizeName("/"))
	// distinct container names map to distinct nodes
	assert.NotEqual(t, SanitizeName("a/b"), SanitizeName("a_b"))
}
