package kvstore

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/fsutil"
	"github.com/cuemby/warden/pkg/log"
)

// Pair is one key/value entry of a record.
type Pair struct {
	Key string
	Val string
}

// Store is a flat directory of nodes. Each node file holds one or more
// length-delimited records; Load merges them with last-writer-wins per
// key, so state changes are cheap appends and a crash can at worst
// lose the final half-written record.
type Store struct {
	root fsutil.Path
	mu   sync.Mutex
}

// Open creates the store directory if needed.
func Open(root fsutil.Path) (*Store, error) {
	if err := os.MkdirAll(root.String(), 0700); err != nil {
		return nil, errdefs.Newf(errdefs.Unknown, "failed to create store at %s: %v", root, err)
	}
	return &Store{root: root}, nil
}

// MountTmpfs backs root with a private tmpfs when nothing is mounted
// there yet. Contents do not survive reboot by design: on restart the
// daemon reconciles against live kernel state.
func MountTmpfs(root fsutil.Path, size int64) error {
	if err := os.MkdirAll(root.String(), 0700); err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to create %s: %v", root, err)
	}
	if fsutil.IsMountPoint(root) {
		return nil
	}
	data := "mode=0700"
	if size > 0 {
		data += ",size=" + strconv.FormatInt(size, 10)
	}
	return fsutil.Mount("tmpfs", root, "tmpfs", unix.MS_NODEV|unix.MS_NOEXEC|unix.MS_NOSUID, data)
}

func (s *Store) path(name string) fsutil.Path {
	return s.root.Join(name)
}

// SanitizeName converts a slash-separated name or path into a node
// file name. "%" is outside the container naming charset, so distinct
// container names never collide on one node file.
func SanitizeName(path string) string {
	name := strings.ReplaceAll(strings.Trim(path, "/"), "/", "%")
	if name == "" {
		name = "%root%"
	}
	return name
}

// Create writes an empty record so the node exists on disk.
func (s *Store) Create(name string) error {
	return s.Append(name, nil)
}

// Append adds one record to the node.
func (s *Store) Append(name string, pairs []Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(name).String(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to open node %s: %v", name, err)
	}
	defer f.Close()

	if _, err := f.Write(encodeRecord(pairs)); err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to append to node %s: %v", name, err)
	}
	return nil
}

// Save replaces the node contents with a single record.
func (s *Store) Save(name string, pairs []Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(name).String(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to open node %s: %v", name, err)
	}
	defer f.Close()

	if _, err := f.Write(encodeRecord(pairs)); err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to save node %s: %v", name, err)
	}
	return nil
}

// Load reads every record and merges them, later records overriding
// earlier ones per key. A trailing half-written record is dropped with
// a warning; everything before it is intact because records are
// length-prefixed.
func (s *Store) Load(name string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(name).String())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.Newf(errdefs.NotFound, "no such node %s", name)
		}
		return nil, errdefs.Newf(errdefs.Unknown, "failed to read node %s: %v", name, err)
	}

	merged := make(map[string]string)
	for len(data) > 0 {
		size, n := protowire.ConsumeVarint(data)
		if n < 0 || uint64(len(data)-n) < size {
			log.WithComponent("kvstore").Warn().
				Str("node", name).Int("left", len(data)).Msg("discarding half-written record")
			break
		}
		pairs, perr := decodeRecord(data[n : n+int(size)])
		if perr != nil {
			log.WithComponent("kvstore").Warn().
				Str("node", name).Err(perr).Msg("discarding malformed record")
			break
		}
		for _, p := range pairs {
			merged[p.Key] = p.Val
		}
		data = data[n+int(size):]
	}
	return merged, nil
}

// Remove deletes the node file.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(name).String()); err != nil && !os.IsNotExist(err) {
		return errdefs.Newf(errdefs.Unknown, "failed to remove node %s: %v", name, err)
	}
	return nil
}

// List enumerates node names, sorted.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root.String())
	if err != nil {
		return nil, errdefs.Newf(errdefs.Unknown, "failed to list store: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
