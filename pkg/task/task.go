package task

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/network"
)

// InitArg is the argv[1] that routes the re-exec'd daemon binary into
// the child setup path instead of normal startup.
const InitArg = "init"

// child fd layout, matching ExtraFiles order below
const (
	envFd    = 3
	syncFd   = 4
	statusFd = 5
	ptyFd    = 6
)

// ExitStatus is the reaped state of a finished payload.
type ExitStatus struct {
	// Error is a supervisor-side failure (lost process, reclaim
	// without parentage), not the payload's doing.
	Error  error
	Signal int // terminating signal, 0 if exited
	Status int // exit code, valid when Signal == 0
	OOM    bool
}

// Task is one supervised payload between fork and reap.
type Task struct {
	Pid int

	// PtyMaster is the read side of the payload's terminal in pty
	// mode. Nothing in the daemon reads it or registers it with the
	// epoll loop.
	PtyMaster *os.File

	cmd   *exec.Cmd
	pidfd int // exit monitor for reclaimed tasks, -1 otherwise
}

// Start launches env under the re-exec protocol:
//
//	parent                         child (/proc/self/exe init)
//	  fork  ───────────────────▶     read env from fd 3
//	                                 join cgroups, unshare
//	  read pid msg  ◀──────────      send pid on fd 4
//	  prepare macvlan
//	  send go byte  ───────────▶     wait go on fd 4
//	                                 network hook, mounts, creds, streams
//	  read fd 5 until EOF  ◀───      exec (CLOEXEC closes fd 5)
//
// Any child error before exec arrives on the status pipe in the
// errdefs codec and is returned here; the container never reaches
// Running.
func Start(env *Env) (*Task, error) {
	envData, err := json.Marshal(env)
	if err != nil {
		return nil, errdefs.Newf(errdefs.Unknown, "failed to marshal task env: %v", err)
	}

	envR, envW, err := os.Pipe()
	if err != nil {
		return nil, errdefs.FromSyscall("pipe", err)
	}
	defer envR.Close()

	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		envW.Close()
		return nil, errdefs.FromSyscall("socketpair", err)
	}
	syncParent := os.NewFile(uintptr(sp[0]), "sync-parent")
	syncChild := os.NewFile(uintptr(sp[1]), "sync-child")
	defer syncChild.Close()

	statusR, statusW, err := os.Pipe()
	if err != nil {
		envW.Close()
		syncParent.Close()
		return nil, errdefs.FromSyscall("pipe", err)
	}
	defer statusW.Close()

	var ptyMaster, ptySlave *os.File
	if env.StdMode == StdPty {
		ptyMaster, ptySlave, err = pty.Open()
		if err != nil {
			envW.Close()
			syncParent.Close()
			statusR.Close()
			return nil, errdefs.Newf(errdefs.Unknown, "failed to open pty: %v", err)
		}
		defer ptySlave.Close()
	}

	cmd := exec.Command("/proc/self/exe", InitArg)
	cmd.ExtraFiles = []*os.File{envR, syncChild, statusW}
	if ptySlave != nil {
		cmd.ExtraFiles = append(cmd.ExtraFiles, ptySlave)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:     true,
		Cloneflags: cloneFlags(env.Namespaces),
	}

	log.WithContainer(env.Name).Debug().Strs("command", env.Command).Msg("starting task")

	if err := cmd.Start(); err != nil {
		cleanupStart(envW, syncParent, statusR, ptyMaster)
		return nil, errdefs.Newf(errdefs.Unknown, "failed to fork: %v", err)
	}
	// drop the parent's copies of the child ends so EOF on the sync
	// socket and the status pipe reflects only the child
	syncChild.Close()
	statusW.Close()

	t := &Task{Pid: cmd.Process.Pid, cmd: cmd, pidfd: -1, PtyMaster: ptyMaster}

	// feed the env and close so the child sees EOF
	if _, err := envW.Write(envData); err != nil {
		envW.Close()
		return nil, t.startFailed(syncParent, statusR, errdefs.Newf(errdefs.Unknown, "failed to send task env: %v", err))
	}
	envW.Close()

	// child reports readiness (post-unshare) with its pid
	if err := readPidMsg(syncParent); err != nil {
		return nil, t.startFailed(syncParent, statusR, err)
	}

	// the child's fresh netns exists now; move prepared interfaces in
	if err := network.PrepareMacvlan(env.Net, t.Pid); err != nil {
		return nil, t.startFailed(syncParent, statusR, err)
	}

	// release the child to exec
	if _, err := syncParent.Write([]byte{0}); err != nil {
		return nil, t.startFailed(syncParent, statusR, errdefs.Newf(errdefs.Unknown, "failed to send go: %v", err))
	}
	syncParent.Close()

	// EOF means exec succeeded; anything else is a serialized error
	if serr, err := errdefs.Deserialize(statusR); err == nil {
		statusR.Close()
		t.abort()
		return nil, serr
	} else if err != io.EOF {
		statusR.Close()
		t.abort()
		return nil, errdefs.Newf(errdefs.Unknown, "failed to read child status: %v", err)
	}
	statusR.Close()
	return t, nil
}

func cleanupStart(envW, syncParent, statusR, ptyMaster *os.File) {
	envW.Close()
	syncParent.Close()
	statusR.Close()
	if ptyMaster != nil {
		ptyMaster.Close()
	}
}

func (t *Task) startFailed(syncParent, statusR *os.File, cause error) error {
	syncParent.Close()
	// prefer the child's own report when it managed to write one
	if serr, err := errdefs.Deserialize(statusR); err == nil {
		cause = serr
	}
	statusR.Close()
	t.abort()
	if t.PtyMaster != nil {
		t.PtyMaster.Close()
	}
	return cause
}

// abort kills a half-started child and reaps it.
func (t *Task) abort() {
	if t.cmd == nil || t.cmd.Process == nil {
		return
	}
	t.cmd.Process.Kill()
	t.cmd.Wait()
}

func readPidMsg(r io.Reader) error {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return errdefs.Newf(errdefs.Unknown, "child died during setup: %v", err)
	}
	// the child's own view of its pid; informational only (with a pid
	// namespace it reports 1)
	_ = binary.LittleEndian.Uint32(buf[:])
	return nil
}

func cloneFlags(ns Namespaces) uintptr {
	var flags uintptr
	// pid and user namespaces must be set up at clone time; the rest
	// the child unshares after joining its cgroups
	if ns.Pid {
		flags |= unix.CLONE_NEWPID
	}
	if ns.User {
		flags |= unix.CLONE_NEWUSER
	}
	return flags
}

// Wait blocks until the payload exits and returns its reaped status.
func (t *Task) Wait() *ExitStatus {
	if t.cmd != nil {
		err := t.cmd.Wait()
		st := &ExitStatus{}
		if ws, ok := t.cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				st.Signal = int(ws.Signal())
			} else {
				st.Status = ws.ExitStatus()
			}
		} else if err != nil {
			st.Error = err
		}
		return st
	}
	return t.waitPidfd()
}

// Reclaim adopts a process that survived a daemon restart. The daemon
// is no longer its parent, so the exit code is unobservable; a pidfd
// still reports the moment it dies.
func Reclaim(pid int) (*Task, error) {
	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return nil, errdefs.FromSyscall("pidfd_open", err)
	}
	return &Task{Pid: pid, pidfd: pidfd}, nil
}

func (t *Task) waitPidfd() *ExitStatus {
	defer unix.Close(t.pidfd)
	fds := []unix.PollFd{{Fd: int32(t.pidfd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return &ExitStatus{Error: err}
		}
		return &ExitStatus{Error: errdefs.New(errdefs.Unknown, "exit status lost across daemon restart")}
	}
}

// Kill delivers sig to the root process only.
func (t *Task) Kill(sig unix.Signal) error {
	if err := unix.Kill(t.Pid, sig); err != nil {
		if err == unix.ESRCH {
			return errdefs.Newf(errdefs.NotFound, "no process %d", t.Pid)
		}
		return errdefs.FromSyscall("kill", err)
	}
	return nil
}

// Alive reports whether the root process still exists.
func (t *Task) Alive() bool {
	return unix.Kill(t.Pid, 0) == nil
}

// GracefulStop sends SIGTERM and waits up to grace for exit; the
// caller falls back to the freezer kill-all when it returns false.
func (t *Task) GracefulStop(grace time.Duration) bool {
	if err := t.Kill(unix.SIGTERM); err != nil {
		return !t.Alive()
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !t.Alive() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
