package cgroup

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/errdefs"
)

// RegisterOOM arms an eventfd-based OOM notification for the memory
// cgroup at path and returns the eventfd. The caller owns the fd and
// feeds it to the epoll loop; a read firing on it means the kernel
// recorded an OOM in the cgroup.
func (c *Controller) RegisterOOM(path string) (int, error) {
	dir, err := c.Dir(Memory, path)
	if err != nil {
		return -1, err
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, errdefs.FromSyscall("eventfd", err)
	}

	oomFd, err := unix.Open(dir.Join("memory.oom_control").String(), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(efd)
		return -1, errdefs.FromSyscall("open memory.oom_control", err)
	}
	defer unix.Close(oomFd)

	ctl := dir.Join("cgroup.event_control")
	ctlFd, err := unix.Open(ctl.String(), unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(efd)
		return -1, errdefs.FromSyscall("open cgroup.event_control", err)
	}
	defer unix.Close(ctlFd)

	spec := fmt.Sprintf("%d %d", efd, oomFd)
	if _, err := unix.Write(ctlFd, []byte(spec)); err != nil {
		unix.Close(efd)
		return -1, errdefs.FromSyscall("write cgroup.event_control", err)
	}
	return efd, nil
}
