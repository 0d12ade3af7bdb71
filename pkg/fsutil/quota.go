package fsutil

import (
	"hash/fnv"
	"unsafe"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/log"
)

// ext4 project quota plumbing. The project id for a directory is
// derived from its path, the PROJINHERIT flag makes new files inherit
// it, and the block limit is set through the XFS quota interface that
// ext4 reuses.

const (
	qXSetQLim   = 0x5804 // Q_XSETQLIM
	prjQuota    = 2      // PRJQUOTA
	fsDqBHard   = 0x0008 // FS_DQ_BHARD
	fsxFlagProj = 0x00000200
	subcmdShift = 8

	// Not exposed by golang.org/x/sys/unix; values from <linux/fs.h>.
	fsIocFsgetxattr = 0x801C581F // FS_IOC_FSGETXATTR
	fsIocFssetxattr = 0x401C5820 // FS_IOC_FSSETXATTR
)

// fsDiskQuota mirrors struct fs_disk_quota from <linux/dqblk_xfs.h>.
type fsDiskQuota struct {
	Version      int8
	Flags        int8
	Fieldmask    uint16
	ID           uint32
	BlkHardlimit uint64
	BlkSoftlimit uint64
	InoHardlimit uint64
	InoSoftlimit uint64
	Bcount       uint64
	Icount       uint64
	ITimer       int32
	BTimer       int32
	IWarns       uint16
	BWarns       uint16
	Padding2     int32
	RtbHardlimit uint64
	RtbSoftlimit uint64
	RtbCount     uint64
	RtbTimer     int32
	RtbWarns     uint16
	Padding3     int16
	Padding4     [8]byte
}

const fsDqVersion = 1 // FS_DQUOT_VERSION
const fsProjQuotaFlag = 2 // XFS_PROJ_QUOTA

// ProjectID derives a stable non-zero project id from a path.
func ProjectID(path Path) uint32 {
	h := fnv.New32a()
	h.Write([]byte(path.NormPath()))
	id := h.Sum32()
	if id < 2 {
		id += 2
	}
	return id
}

// ProjQuotaSupported reports whether the filesystem backing path
// accepts project id assignment.
func ProjQuotaSupported(path Path) bool {
	fd, err := unix.Open(path.String(), unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)
	var attr fsxattr
	return fsGetXattr(fd, &attr) == nil
}

// fsxattr mirrors struct fsxattr from <linux/fs.h>.
type fsxattr struct {
	Xflags    uint32
	Extsize   uint32
	Nextents  uint32
	Projid    uint32
	Cowextsz  uint32
	Pad       [8]byte
}

func fsGetXattr(fd int, attr *fsxattr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), fsIocFsgetxattr, uintptr(unsafe.Pointer(attr)))
	if errno != 0 {
		return errno
	}
	return nil
}

func fsSetXattr(fd int, attr *fsxattr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), fsIocFssetxattr, uintptr(unsafe.Pointer(attr)))
	if errno != 0 {
		return errno
	}
	return nil
}

// ProjQuotaCreate assigns a fresh project id to dir, marks it
// inheritable and sets the hard block limit.
func ProjQuotaCreate(dir Path, limit uint64) error {
	id := ProjectID(dir)
	log.WithComponent("quota").Debug().
		Str("dir", dir.String()).
		Uint32("project", id).
		Uint64("limit", limit).
		Msg("create project quota")

	fd, err := unix.Open(dir.String(), unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errdefs.FromSyscall("open "+dir.String(), err)
	}
	defer unix.Close(fd)

	var attr fsxattr
	if err := fsGetXattr(fd, &attr); err != nil {
		return errdefs.FromSyscall("FS_IOC_FSGETXATTR", err)
	}
	attr.Projid = id
	attr.Xflags |= fsxFlagProj
	if err := fsSetXattr(fd, &attr); err != nil {
		return errdefs.FromSyscall("FS_IOC_FSSETXATTR", err)
	}
	return ProjQuotaResize(dir, limit)
}

// ProjQuotaResize sets the hard block limit for dir's project.
func ProjQuotaResize(dir Path, limit uint64) error {
	return setProjLimit(dir, ProjectID(dir), limit)
}

// ProjQuotaDestroy drops the limit and clears the project id.
func ProjQuotaDestroy(dir Path) error {
	fd, err := unix.Open(dir.String(), unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return errdefs.FromSyscall("open "+dir.String(), err)
	}
	defer unix.Close(fd)

	var attr fsxattr
	if err := fsGetXattr(fd, &attr); err != nil {
		return errdefs.FromSyscall("FS_IOC_FSGETXATTR", err)
	}
	id := attr.Projid
	attr.Projid = 0
	attr.Xflags &^= fsxFlagProj
	if err := fsSetXattr(fd, &attr); err != nil {
		return errdefs.FromSyscall("FS_IOC_FSSETXATTR", err)
	}
	return setProjLimit(dir, id, 0)
}

func setProjLimit(dir Path, id uint32, limit uint64) error {
	dev, err := deviceFor(dir)
	if err != nil {
		return err
	}
	dq := fsDiskQuota{
		Version:      fsDqVersion,
		Flags:        fsProjQuotaFlag,
		Fieldmask:    fsDqBHard,
		ID:           id,
		BlkHardlimit: limit / 512, // limits are in 512-byte blocks
	}
	cmd := uintptr(qXSetQLim<<subcmdShift | prjQuota)
	special, err := unix.BytePtrFromString(dev)
	if err != nil {
		return errdefs.Newf(errdefs.InvalidPath, "bad device %q", dev)
	}
	_, _, errno := unix.Syscall6(unix.SYS_QUOTACTL, cmd,
		uintptr(unsafe.Pointer(special)), uintptr(id),
		uintptr(unsafe.Pointer(&dq)), 0, 0)
	if errno != 0 {
		return errdefs.FromSyscall("quotactl "+dev, errno)
	}
	return nil
}

// deviceFor resolves the block device backing the mount that contains
// path.
func deviceFor(path Path) (string, error) {
	mounts, err := mountinfo.GetMounts(nil)
	if err != nil {
		return "", errdefs.Newf(errdefs.Unknown, "failed to read mountinfo: %v", err)
	}
	best := ""
	source := ""
	for _, m := range mounts {
		if m.Mountpoint != "/" && path.InnerPath(Path(m.Mountpoint)) == "" {
			continue
		}
		if len(m.Mountpoint) >= len(best) {
			best = m.Mountpoint
			source = m.Source
		}
	}
	if source == "" {
		return "", errdefs.Newf(errdefs.NotFound, "no mount found for %s", path)
	}
	return source, nil
}
