package volume

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/fsutil"
	"github.com/cuemby/warden/pkg/log"
)

const (
	doneSentinel = ".done"
	tmpStaging   = "_tmp_"
	whPrefix     = ".wh."
	whOpaque     = ".wh..wh..opq"
	opaqueXattr  = "trusted.overlay.opaque"
)

// Layer is a content-addressed, immutable unpacked tarball shared by
// volumes. The directory name is the hex sha-256 of the source path,
// so re-importing the same tarball is idempotent.
type Layer struct {
	Name    string
	ID      string
	Dir     fsutil.Path
	Tarball fsutil.Path

	// users counts volumes currently constructed on this layer; the
	// layer directory may only be removed at zero.
	users int
}

// LayerID derives the canonical directory name from the source path.
func LayerID(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Ensure unpacks the tarball unless the done sentinel already exists.
// The unpack stages under _tmp_ and renames into place, so a crashed
// import never leaves a half layer that looks finished.
func (l *Layer) Ensure(ctx context.Context, merge bool) error {
	if l.Dir.Join(doneSentinel).Exists() {
		return nil
	}
	llog := log.WithComponent("layer")
	llog.Info().Str("layer", l.Name).Str("tarball", l.Tarball.String()).Msg("unpacking layer")

	staging := l.Dir.Dir().Join(tmpStaging, l.ID)
	if err := fsutil.RemoveRecursive(staging); err != nil {
		return err
	}
	if err := os.MkdirAll(staging.String(), 0755); err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to create staging dir: %v", err)
	}
	if err := fsutil.Unpack(ctx, l.Tarball, staging); err != nil {
		fsutil.RemoveRecursive(staging)
		return err
	}
	if err := sanitizeWhiteouts(staging, merge); err != nil {
		fsutil.RemoveRecursive(staging)
		return err
	}
	if err := fsutil.RemoveRecursive(l.Dir); err != nil {
		return err
	}
	if err := os.Rename(staging.String(), l.Dir.String()); err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to move layer into place: %v", err)
	}
	if err := fsutil.WriteAtomic(l.Dir.Join(doneSentinel), nil, 0644); err != nil {
		return err
	}
	return nil
}

// Remove deletes the unpacked directory. Callers hold the manager
// lock and have verified users == 0.
func (l *Layer) Remove() error {
	log.WithComponent("layer").Info().Str("layer", l.Name).Msg("removing layer")
	return fsutil.RemoveRecursive(l.Dir)
}

// sanitizeWhiteouts rewrites aufs-style whiteout markers left by
// layer authors. ".wh.<x>" removes <x>; outside merge mode the marker
// becomes an overlayfs 0:0 char device so the deletion survives as a
// lower layer. ".wh..wh..opq" becomes the opaque-directory xattr.
func sanitizeWhiteouts(root fsutil.Path, merge bool) error {
	return fsutil.Walk(root, func(p fsutil.Path, info os.FileInfo, ev fsutil.WalkEvent, werr error) error {
		if ev == fsutil.WalkError {
			if os.IsNotExist(werr) {
				return nil // removed earlier in this walk by a whiteout
			}
			return werr
		}
		if ev != fsutil.WalkFile {
			return nil
		}
		base := p.Base()
		if !strings.HasPrefix(base, whPrefix) {
			return nil
		}

		if base == whOpaque {
			if err := os.Remove(p.String()); err != nil {
				return errdefs.Newf(errdefs.Unknown, "failed to remove opaque marker: %v", err)
			}
			return fsutil.SetXattr(p.Dir(), opaqueXattr, "y")
		}

		victim := p.Dir().Join(strings.TrimPrefix(base, whPrefix))
		if err := fsutil.RemoveRecursive(victim); err != nil {
			return err
		}
		if err := os.Remove(p.String()); err != nil {
			return errdefs.Newf(errdefs.Unknown, "failed to remove whiteout marker: %v", err)
		}
		if !merge {
			if err := unix.Mknod(victim.String(), unix.S_IFCHR, 0); err != nil {
				return errdefs.FromSyscall("mknod whiteout "+victim.String(), err)
			}
		}
		return nil
	})
}
