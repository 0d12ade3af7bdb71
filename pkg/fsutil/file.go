package fsutil

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/errdefs"
)

// WriteAtomic writes data to path via a temp file in the same
// directory and a rename, so readers never observe a half-written
// file.
func WriteAtomic(path Path, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(path.Dir().String(), "."+path.Base()+".tmp*")
	if err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to create temp file: %v", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errdefs.Newf(errdefs.Unknown, "failed to write %s: %v", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return errdefs.Newf(errdefs.Unknown, "failed to chmod %s: %v", path, err)
	}
	if err := tmp.Close(); err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to close %s: %v", path, err)
	}
	if err := os.Rename(tmp.Name(), path.String()); err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to rename into %s: %v", path, err)
	}
	return nil
}

// ReadString reads the whole file with surrounding whitespace trimmed,
// the shape cgroup and procfs reads want.
func ReadString(path Path) (string, error) {
	data, err := os.ReadFile(path.String())
	if err != nil {
		if os.IsNotExist(err) {
			return "", errdefs.Newf(errdefs.NotFound, "no such file %s", path)
		}
		return "", errdefs.Newf(errdefs.Unknown, "failed to read %s: %v", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteString writes value to an existing file (cgroup knobs, procfs).
func WriteString(path Path, value string) error {
	if err := os.WriteFile(path.String(), []byte(value), 0644); err != nil {
		return errdefs.FromSyscall("write "+path.String(), underlying(err))
	}
	return nil
}

// ReadLines returns the non-empty lines of a file.
func ReadLines(path Path) ([]string, error) {
	data, err := os.ReadFile(path.String())
	if err != nil {
		return nil, errdefs.Newf(errdefs.Unknown, "failed to read %s: %v", path, err)
	}
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// GetXattr reads an extended attribute, NotFound when absent.
func GetXattr(path Path, name string) (string, error) {
	sz, err := unix.Getxattr(path.String(), name, nil)
	if err != nil {
		if err == unix.ENODATA || err == unix.ENOENT {
			return "", errdefs.Newf(errdefs.NotFound, "no xattr %s on %s", name, path)
		}
		return "", errdefs.FromSyscall("getxattr "+path.String(), err)
	}
	buf := make([]byte, sz)
	if _, err := unix.Getxattr(path.String(), name, buf); err != nil {
		return "", errdefs.FromSyscall("getxattr "+path.String(), err)
	}
	return string(buf), nil
}

// SetXattr sets an extended attribute.
func SetXattr(path Path, name, value string) error {
	if err := unix.Setxattr(path.String(), name, []byte(value), 0); err != nil {
		return errdefs.FromSyscall("setxattr "+path.String(), err)
	}
	return nil
}

// underlying unwraps *os.PathError style wrappers down to the errno.
func underlying(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
