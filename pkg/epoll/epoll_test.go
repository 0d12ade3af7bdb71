package epoll

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestLoopDeliversReadable(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, l.AddSource(fds[0], "demo"))

	var mu sync.Mutex
	var seen []Source
	go l.Run(func(src Source, events uint32) {
		var buf [16]byte
		unix.Read(src.Fd, buf[:])
		mu.Lock()
		seen = append(seen, src)
		mu.Unlock()
	})
	defer l.Stop()

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "demo", seen[0].Container)
	assert.Equal(t, fds[0], seen[0].Fd)
}

func TestRemoveContainerDropsSources(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	var a, b [2]int
	require.NoError(t, unix.Pipe2(a[:], unix.O_CLOEXEC|unix.O_NONBLOCK))
	require.NoError(t, unix.Pipe2(b[:], unix.O_CLOEXEC|unix.O_NONBLOCK))
	defer func() {
		for _, fd := range []int{a[0], a[1], b[0], b[1]} {
			unix.Close(fd)
		}
	}()

	require.NoError(t, l.AddSource(a[0], "one"))
	require.NoError(t, l.AddSource(b[0], "two"))

	var mu sync.Mutex
	var containers []string
	go l.Run(func(src Source, events uint32) {
		var buf [16]byte
		unix.Read(src.Fd, buf[:])
		mu.Lock()
		containers = append(containers, src.Container)
		mu.Unlock()
	})
	defer l.Stop()

	l.RemoveContainer("one")

	unix.Write(a[1], []byte("x"))
	unix.Write(b[1], []byte("y"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(containers) >= 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, containers, "one")
	assert.Contains(t, containers, "two")
}

func TestStopIsIdempotent(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	go l.Run(func(Source, uint32) {})
	l.Stop()
	l.Stop()
}
