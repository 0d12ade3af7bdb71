package fsutil

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/log"
)

const loopControl = "/dev/loop-control"

// loopMu serializes LOOP_CTL_GET_FREE and the subsequent LOOP_SET_FD:
// without it two concurrent volume constructions can grab the same
// free device and one loses with EBUSY.
var loopMu sync.Mutex

// LoopAttach allocates a free loop device and attaches image to it.
// Returns the device index.
func LoopAttach(image Path) (int, error) {
	loopMu.Lock()
	defer loopMu.Unlock()

	log.WithComponent("loop").Debug().Str("image", image.String()).Msg("attach loop device")

	ctl, err := unix.Open(loopControl, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, errdefs.FromSyscall("open "+loopControl, err)
	}
	defer unix.Close(ctl)

	index, err := unix.IoctlRetInt(ctl, unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return -1, errdefs.FromSyscall("LOOP_CTL_GET_FREE", err)
	}

	dev, err := unix.Open(LoopDevice(index).String(), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, errdefs.FromSyscall("open loop device", err)
	}
	defer unix.Close(dev)

	img, err := unix.Open(image.String(), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, errdefs.FromSyscall("open "+image.String(), err)
	}
	defer unix.Close(img)

	if err := unix.IoctlSetInt(dev, unix.LOOP_SET_FD, img); err != nil {
		return -1, errdefs.FromSyscall("LOOP_SET_FD", err)
	}
	return index, nil
}

// LoopDetach releases the loop device with the given index.
func LoopDetach(index int) error {
	loopMu.Lock()
	defer loopMu.Unlock()

	log.WithComponent("loop").Debug().Int("index", index).Msg("detach loop device")

	dev, err := unix.Open(LoopDevice(index).String(), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return errdefs.FromSyscall("open loop device", err)
	}
	defer unix.Close(dev)

	if err := unix.IoctlSetInt(dev, unix.LOOP_CLR_FD, 0); err != nil && err != unix.ENXIO {
		return errdefs.FromSyscall("LOOP_CLR_FD", err)
	}
	return nil
}

// LoopDevice returns the device node path for a loop index.
func LoopDevice(index int) Path {
	return Path(fmt.Sprintf("/dev/loop%d", index))
}

// Fallocate preallocates size bytes for the image file, creating it
// when absent. Loop images are allocated up front so quota is enforced
// by the filesystem size rather than discovered at ENOSPC time.
func Fallocate(image Path, size int64) error {
	fd, err := unix.Open(image.String(), unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0600)
	if err != nil {
		return errdefs.FromSyscall("open "+image.String(), err)
	}
	defer unix.Close(fd)
	if err := unix.Fallocate(fd, 0, 0, size); err != nil {
		return errdefs.FromSyscall("fallocate "+image.String(), err)
	}
	return nil
}
