package fsutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/warden/pkg/errdefs"
)

// Path is a filesystem path with lexical helpers. Normalization never
// touches the filesystem: symlinks are not resolved.
type Path string

func (p Path) String() string { return string(p) }

func (p Path) IsEmpty() bool { return p == "" }

func (p Path) IsAbsolute() bool { return strings.HasPrefix(string(p), "/") }

// NormPath folds "." and ".." components lexically.
func (p Path) NormPath() Path {
	if p == "" {
		return ""
	}
	return Path(filepath.Clean(string(p)))
}

func (p Path) Join(elem ...string) Path {
	parts := append([]string{string(p)}, elem...)
	return Path(filepath.Join(parts...))
}

func (p Path) Base() string { return filepath.Base(string(p)) }

func (p Path) Dir() Path { return Path(filepath.Dir(string(p))) }

// Components splits the normalized path into its non-empty components.
func (p Path) Components() []string {
	n := string(p.NormPath())
	n = strings.TrimPrefix(n, "/")
	if n == "" || n == "." {
		return nil
	}
	return strings.Split(n, "/")
}

// InnerPath computes the placement of p inside base: the absolute path
// of p relative to base's root. Returns "" when p is not under base.
// InnerPath("/a/b/c", "/a/b") == "/c"; InnerPath("/a/b", "/a/b") == "/".
func (p Path) InnerPath(base Path) Path {
	pn := string(p.NormPath())
	bn := string(base.NormPath())
	if bn == "/" {
		return Path(pn)
	}
	if pn == bn {
		return "/"
	}
	if strings.HasPrefix(pn, bn+"/") {
		return Path(pn[len(bn):])
	}
	return ""
}

func (p Path) Exists() bool {
	_, err := os.Lstat(string(p))
	return err == nil
}

func (p Path) IsDirectory() bool {
	st, err := os.Stat(string(p))
	return err == nil && st.IsDir()
}

func (p Path) IsRegular() bool {
	st, err := os.Lstat(string(p))
	return err == nil && st.Mode().IsRegular()
}

// Validate rejects paths that could escape a container root when
// interpolated: empty, relative, or containing ".." components.
func (p Path) Validate() error {
	if p == "" {
		return errdefs.New(errdefs.InvalidPath, "empty path")
	}
	if !p.IsAbsolute() {
		return errdefs.Newf(errdefs.InvalidPath, "path %q is not absolute", p)
	}
	for _, c := range strings.Split(string(p), "/") {
		if c == ".." {
			return errdefs.Newf(errdefs.InvalidPath, "path %q contains ..", p)
		}
	}
	return nil
}
