package fsutil

import (
	"os"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/log"
)

// preservedFlags are inherited per submount across a recursive bind
// remount; BindRemount never clears them.
const preservedFlags = unix.MS_RDONLY | unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_NOSUID

// Mount wraps mount(2). Every mount operation is logged before the
// syscall so a crash leaves a record of what was attempted.
func Mount(source string, target Path, fstype string, flags uintptr, data string) error {
	log.WithComponent("mount").Debug().
		Str("source", source).
		Str("target", target.String()).
		Str("fstype", fstype).
		Uint64("flags", uint64(flags)).
		Str("data", data).
		Msg("mount")
	if err := unix.Mount(source, target.String(), fstype, flags, data); err != nil {
		return errdefs.FromSyscall("mount "+target.String(), err)
	}
	return nil
}

// Bind bind-mounts source onto target.
func Bind(source, target Path, flags uintptr) error {
	return Mount(source.String(), target, "", unix.MS_BIND|flags, "")
}

// BindRemount performs a recursive bind of source onto target and then
// re-applies per-submount preserved flags: each submount keeps the
// ro/nodev/noexec/nosuid bits it had at the source, plus the bits in
// extra. extra can only add flags; a preserved bit is never cleared.
func BindRemount(source, target Path, extra uintptr) error {
	if err := Mount(source.String(), target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return err
	}
	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(target.String()))
	if err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to read mountinfo: %v", err)
	}
	for _, m := range mounts {
		flags := extra | flagsFromOptions(m.Options)&preservedFlags
		err := unix.Mount("", m.Mountpoint, "", unix.MS_REMOUNT|unix.MS_BIND|uintptr(flags), "")
		if err != nil && err != unix.EACCES {
			return errdefs.FromSyscall("remount "+m.Mountpoint, err)
		}
	}
	return nil
}

func flagsFromOptions(options string) uintptr {
	var flags uintptr
	for _, opt := range strings.Split(options, ",") {
		switch opt {
		case "ro":
			flags |= unix.MS_RDONLY
		case "nodev":
			flags |= unix.MS_NODEV
		case "noexec":
			flags |= unix.MS_NOEXEC
		case "nosuid":
			flags |= unix.MS_NOSUID
		}
	}
	return flags
}

// Remount changes flags of an existing mount in place.
func Remount(target Path, flags uintptr) error {
	return Mount("", target, "", unix.MS_REMOUNT|flags, "")
}

// Move moves a mount to a new location.
func Move(source, target Path) error {
	return Mount(source.String(), target, "", unix.MS_MOVE, "")
}

// Umount unmounts target, returning Busy while processes hold it.
func Umount(target Path) error {
	log.WithComponent("mount").Debug().Str("target", target.String()).Msg("umount")
	if err := unix.Unmount(target.String(), 0); err != nil {
		return errdefs.FromSyscall("umount "+target.String(), err)
	}
	return nil
}

// UmountLazy detaches target immediately; the kernel tears it down
// when the last user goes away.
func UmountLazy(target Path) error {
	log.WithComponent("mount").Debug().Str("target", target.String()).Msg("umount lazy")
	if err := unix.Unmount(target.String(), unix.MNT_DETACH); err != nil {
		return errdefs.FromSyscall("umount "+target.String(), err)
	}
	return nil
}

// IsMountPoint reports whether path is a mount point in this namespace.
func IsMountPoint(path Path) bool {
	mounted, err := mountinfo.Mounted(path.String())
	return err == nil && mounted
}

// PivotRoot switches the root of the current mount namespace to
// newRoot and lazily drops the old one. Runs in the child between
// unshare and exec; must not allocate fds it leaks into the payload.
func PivotRoot(newRoot Path) error {
	oldFd, err := unix.Open("/", unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errdefs.FromSyscall("open /", err)
	}
	defer unix.Close(oldFd)

	newFd, err := unix.Open(newRoot.String(), unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errdefs.FromSyscall("open "+newRoot.String(), err)
	}
	defer unix.Close(newFd)

	if err := unix.Fchdir(newFd); err != nil {
		return errdefs.FromSyscall("fchdir new root", err)
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return errdefs.FromSyscall("pivot_root", err)
	}
	if err := unix.Fchdir(oldFd); err != nil {
		return errdefs.FromSyscall("fchdir old root", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return errdefs.FromSyscall("umount old root", err)
	}
	if err := unix.Fchdir(newFd); err != nil {
		return errdefs.FromSyscall("fchdir new root", err)
	}
	if err := unix.Chroot("."); err != nil {
		return errdefs.FromSyscall("chroot", err)
	}
	return unixChdirRoot()
}

func unixChdirRoot() error {
	if err := unix.Chdir("/"); err != nil {
		return errdefs.FromSyscall("chdir /", err)
	}
	return nil
}

// RemoveRecursive removes path and everything below it without ever
// crossing onto another device. A foreign submount stops the walk with
// Busy so the caller can unmount first.
func RemoveRecursive(path Path) error {
	var st unix.Stat_t
	if err := unix.Lstat(path.String(), &st); err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return errdefs.FromSyscall("lstat "+path.String(), err)
	}
	if err := removeOn(path, st.Dev); err != nil {
		return err
	}
	return nil
}

func removeOn(path Path, dev uint64) error {
	var st unix.Stat_t
	if err := unix.Lstat(path.String(), &st); err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return errdefs.FromSyscall("lstat "+path.String(), err)
	}
	if st.Dev != dev {
		return errdefs.Newf(errdefs.Busy, "refusing to remove %s: different device", path)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		if err := unix.Unlink(path.String()); err != nil && err != unix.ENOENT {
			return errdefs.FromSyscall("unlink "+path.String(), err)
		}
		return nil
	}
	entries, err := os.ReadDir(path.String())
	if err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to read %s: %v", path, err)
	}
	for _, e := range entries {
		if err := removeOn(path.Join(e.Name()), dev); err != nil {
			return err
		}
	}
	if err := unix.Rmdir(path.String()); err != nil && err != unix.ENOENT {
		return errdefs.FromSyscall("rmdir "+path.String(), err)
	}
	return nil
}
