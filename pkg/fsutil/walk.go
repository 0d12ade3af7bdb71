package fsutil

import (
	"os"
)

// WalkEvent tells the callback what kind of visit this is.
type WalkEvent int

const (
	WalkFile    WalkEvent = iota // regular or special file
	WalkSymlink                  // symlink, not followed
	WalkDirPre                   // directory, before its entries
	WalkDirPost                  // directory, after its entries
	WalkError                    // error reading an entry, reported inline
)

// WalkFunc is invoked for every visited entry. Returning a non-nil
// error stops the walk. On WalkError, info is nil and walkErr holds
// the failure; the callback decides whether to continue.
type WalkFunc func(path Path, info os.FileInfo, event WalkEvent, walkErr error) error

// Walk visits root depth-first. Directories are reported twice (pre
// and post order) so callers can both create-before-descend and
// remove-after-ascend. Symlinks are never followed.
func Walk(root Path, fn WalkFunc) error {
	info, err := os.Lstat(root.String())
	if err != nil {
		return fn(root, nil, WalkError, err)
	}
	return walk(root, info, fn)
}

func walk(path Path, info os.FileInfo, fn WalkFunc) error {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return fn(path, info, WalkSymlink, nil)
	case !info.IsDir():
		return fn(path, info, WalkFile, nil)
	}

	if err := fn(path, info, WalkDirPre, nil); err != nil {
		return err
	}
	entries, err := os.ReadDir(path.String())
	if err != nil {
		if err := fn(path, info, WalkError, err); err != nil {
			return err
		}
	}
	for _, e := range entries {
		ei, err := e.Info()
		if err != nil {
			if err := fn(path.Join(e.Name()), nil, WalkError, err); err != nil {
				return err
			}
			continue
		}
		if err := walk(path.Join(e.Name()), ei, fn); err != nil {
			return err
		}
	}
	return fn(path, info, WalkDirPost, nil)
}
