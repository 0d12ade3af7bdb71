package epoll

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/log"
)

// Source is one registered descriptor. Container is a weak
// back-reference by name: the loop never keeps a container alive, and
// handlers look the name up in the holder, dropping stale events for
// names that are gone.
type Source struct {
	Fd        int
	Container string
}

// Handler receives ready sources on the loop goroutine. It must not
// block; heavy work belongs on the event queue.
type Handler func(src Source, events uint32)

// Loop multiplexes readable descriptors (the daemon registers its OOM
// notifier eventfds) on a single epoll instance with a dedicated reader
// goroutine.
type Loop struct {
	epfd    int
	wakeFd  int
	mu      sync.Mutex
	sources map[int]Source
	stopped bool
	done    chan struct{}
}

// NewLoop creates the epoll instance and its wake-up eventfd.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errdefs.FromSyscall("epoll_create1", err)
	}
	wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, errdefs.FromSyscall("eventfd", err)
	}
	l := &Loop{
		epfd:    epfd,
		wakeFd:  wake,
		sources: make(map[int]Source),
		done:    make(chan struct{}),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wake)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wake, &ev); err != nil {
		l.closeFds()
		return nil, errdefs.FromSyscall("epoll_ctl add wake", err)
	}
	return l, nil
}

// AddSource registers fd for read readiness, tagged with an optional
// container name.
func (l *Loop) AddSource(fd int, container string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return errdefs.New(errdefs.InvalidState, "epoll loop stopped")
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLERR, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errdefs.FromSyscall("epoll_ctl add", err)
	}
	l.sources[fd] = Source{Fd: fd, Container: container}
	return nil
}

// RemoveSource deregisters and forgets fd. Safe to call for fds the
// kernel already dropped (closed fds are pruned lazily).
func (l *Loop) RemoveSource(fd int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sources, fd)
	// EBADF/ENOENT expected when the fd is already closed
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// RemoveContainer drops every source tagged with the container name.
func (l *Loop) RemoveContainer(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for fd, src := range l.sources {
		if src.Container == name {
			delete(l.sources, fd)
			_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		}
	}
}

// Run blocks reading epoll events until Stop. Intended for a dedicated
// goroutine.
func (l *Loop) Run(handle Handler) {
	defer close(l.done)
	events := make([]unix.EpollEvent, 64)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.WithComponent("epoll").Error().Err(err).Msg("epoll_wait failed")
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFd {
				var buf [8]byte
				unix.Read(l.wakeFd, buf[:])
				l.mu.Lock()
				stopped := l.stopped
				l.mu.Unlock()
				if stopped {
					l.closeFds()
					return
				}
				continue
			}

			l.mu.Lock()
			src, ok := l.sources[fd]
			l.mu.Unlock()
			if !ok {
				// raced with RemoveSource; prune
				_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
				continue
			}
			if events[i].Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				l.RemoveSource(fd)
			}
			handle(src, events[i].Events)
		}
	}
}

// Wake nudges the loop out of epoll_wait.
func (l *Loop) Wake() {
	var one = [8]byte{1}
	unix.Write(l.wakeFd, one[:])
}

// Stop terminates Run and closes the loop's descriptors.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()
	l.Wake()
	<-l.done
}

func (l *Loop) closeFds() {
	unix.Close(l.epfd)
	unix.Close(l.wakeFd)
}
