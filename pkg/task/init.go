package task

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/fsutil"
	"github.com/cuemby/warden/pkg/network"
)

// RunInit is the entry point of the re-exec'd child. It never returns:
// on success the payload replaces the process, on failure the error is
// shipped up the status pipe and the process exits.
func RunInit() {
	status := os.NewFile(uintptr(statusFd), "status")
	if err := runInit(); err != nil {
		var e *errdefs.Error
		if !errdefsAs(err, &e) {
			e = errdefs.New(errdefs.Unknown, err.Error())
		}
		e.Serialize(status)
		status.Close()
		os.Exit(114)
	}
}

func errdefsAs(err error, target **errdefs.Error) bool {
	e, ok := err.(*errdefs.Error)
	if ok {
		*target = e
	}
	return ok
}

func runInit() error {
	envFile := os.NewFile(uintptr(envFd), "env")
	data, err := io.ReadAll(envFile)
	envFile.Close()
	if err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to read task env: %v", err)
	}
	var env Env
	if err := json.Unmarshal(data, &env); err != nil {
		return errdefs.Newf(errdefs.InvalidData, "failed to parse task env: %v", err)
	}

	// cgroups first: everything forked or faulted from here on is
	// already accounted and freezable
	for _, cg := range env.Cgroups {
		procs := fsutil.Path(cg.Dir).Join("cgroup.procs")
		// pid 0 attaches the writer itself, correct in any pid ns
		if err := fsutil.WriteString(procs, "0"); err != nil {
			return errdefs.Wrap(err, "failed to join cgroup "+cg.Dir)
		}
	}

	if flags := unshareFlags(env.Namespaces, env.Net); flags != 0 {
		if err := unix.Unshare(flags); err != nil {
			return errdefs.FromSyscall("unshare", err)
		}
	}

	sync := os.NewFile(uintptr(syncFd), "sync")
	var pidMsg [4]byte
	binary.LittleEndian.PutUint32(pidMsg[:], uint32(os.Getpid()))
	if _, err := sync.Write(pidMsg[:]); err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to report pid: %v", err)
	}
	var ack [1]byte
	if _, err := io.ReadFull(sync, ack[:]); err != nil {
		return errdefs.Newf(errdefs.Unknown, "parent went away: %v", err)
	}
	sync.Close()

	// the parent has moved prepared interfaces into our namespace
	if err := network.SetupDefault(env.Net); err != nil {
		return errdefs.Wrap(err, "network setup")
	}

	if env.Namespaces.Mnt {
		if err := setupMounts(&env); err != nil {
			return err
		}
	}

	if env.Namespaces.Uts && env.Hostname != "" {
		if err := unix.Sethostname([]byte(env.Hostname)); err != nil {
			return errdefs.FromSyscall("sethostname", err)
		}
	}

	for _, rl := range env.Rlimits {
		res, ok := rlimitByName[rl.Type]
		if !ok {
			return errdefs.Newf(errdefs.InvalidValue, "unknown rlimit %q", rl.Type)
		}
		lim := unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := unix.Setrlimit(res, &lim); err != nil {
			return errdefs.FromSyscall("setrlimit "+rl.Type, err)
		}
	}

	if err := dropCapabilities(env.Capabilities); err != nil {
		return err
	}

	if err := setCredentials(&env); err != nil {
		return err
	}

	cwd := env.Cwd
	if cwd == "" {
		cwd = "/"
	}
	if err := unix.Chdir(cwd); err != nil {
		return errdefs.FromSyscall("chdir "+cwd, err)
	}

	if err := setupStdStreams(&env); err != nil {
		return err
	}

	argv := env.Command
	if env.Isolate {
		init := env.InitPath
		if init == "" {
			init = "/usr/sbin/warden-init"
		}
		argv = append([]string{init, "--"}, argv...)
	}
	// resolve the payload against the container's own PATH
	for _, kv := range env.Environ {
		if strings.HasPrefix(kv, "PATH=") {
			os.Setenv("PATH", strings.TrimPrefix(kv, "PATH="))
		}
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return errdefs.Newf(errdefs.NotFound, "command %q not found: %v", argv[0], err)
	}
	// env and sync are closed above; the status fd was inherited without
	// CLOEXEC, so mark it: a successful exec closes it and the parent
	// reads EOF
	unix.CloseOnExec(statusFd)
	if err := unix.Exec(path, argv, env.Environ); err != nil {
		return errdefs.FromSyscall("exec "+path, err)
	}
	return nil // unreachable
}

func unshareFlags(ns Namespaces, net network.Config) int {
	var flags int
	if ns.Mnt {
		flags |= unix.CLONE_NEWNS
	}
	if ns.Uts {
		flags |= unix.CLONE_NEWUTS
	}
	if ns.Ipc {
		flags |= unix.CLONE_NEWIPC
	}
	if ns.Net && net.NewNamespace() {
		flags |= unix.CLONE_NEWNET
	}
	return flags
}

func setupMounts(env *Env) error {
	// stop mount events from leaking back to the host
	if err := fsutil.Mount("", "/", "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return err
	}

	if env.Root == "" {
		for _, m := range env.Mounts {
			if err := applyMount(m, ""); err != nil {
				return err
			}
		}
		if env.Namespaces.Pid {
			// fresh /proc so the payload sees its own pid namespace
			if err := fsutil.Mount("proc", "/proc", "proc", 0, ""); err != nil {
				return err
			}
		}
		return nil
	}

	root := fsutil.Path(env.Root)
	if err := fsutil.Bind(root, root, unix.MS_REC); err != nil {
		return err
	}

	type m struct {
		src, fstype, dest string
		flags             uintptr
		data              string
	}
	base := []m{
		{"proc", "proc", "/proc", unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_NOSUID, ""},
		{"sysfs", "sysfs", "/sys", unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_NOSUID, ""},
		{"tmpfs", "tmpfs", "/dev", unix.MS_NOSUID, "mode=755,size=65536k"},
		{"devpts", "devpts", "/dev/pts", unix.MS_NOEXEC | unix.MS_NOSUID, "newinstance,ptmxmode=0666,mode=620"},
		{"tmpfs", "tmpfs", "/dev/shm", unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_NOSUID, "mode=1777"},
	}
	for _, b := range base {
		target := root.Join(b.dest)
		if err := os.MkdirAll(target.String(), 0755); err != nil {
			return errdefs.Newf(errdefs.Unknown, "failed to create %s: %v", target, err)
		}
		if err := fsutil.Mount(b.src, target, b.fstype, b.flags, b.data); err != nil {
			return err
		}
	}

	// device nodes come from the host: touch-and-bind works without
	// mknod privileges
	for _, dev := range []string{"null", "zero", "full", "random", "urandom", "tty"} {
		if err := bindFile(fsutil.Path("/dev/"+dev), root.Join("dev", dev)); err != nil {
			return err
		}
	}

	if env.BindDNS {
		for _, f := range []string{"/etc/resolv.conf", "/etc/hosts"} {
			if fsutil.Path(f).Exists() {
				if err := bindFile(fsutil.Path(f), root.Join(f)); err != nil {
					return err
				}
			}
		}
	}

	for _, mnt := range env.Mounts {
		if err := applyMount(mnt, root); err != nil {
			return err
		}
	}

	if err := fsutil.PivotRoot(root); err != nil {
		return err
	}

	if env.RootReadOnly {
		if err := fsutil.Remount("/", unix.MS_BIND|unix.MS_RDONLY); err != nil {
			return err
		}
	}
	return nil
}

func bindFile(src, dst fsutil.Path) error {
	if err := os.MkdirAll(dst.Dir().String(), 0755); err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to create %s: %v", dst.Dir(), err)
	}
	if !dst.Exists() {
		f, err := os.OpenFile(dst.String(), os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return errdefs.Newf(errdefs.Unknown, "failed to create %s: %v", dst, err)
		}
		f.Close()
	}
	return fsutil.Bind(src, dst, 0)
}

func applyMount(m specs.Mount, root fsutil.Path) error {
	target := fsutil.Path(m.Destination)
	if root != "" {
		inner := fsutil.Path(m.Destination)
		if err := inner.Validate(); err != nil {
			return err
		}
		target = root.Join(m.Destination)
	}
	if err := os.MkdirAll(target.String(), 0755); err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to create %s: %v", target, err)
	}
	var extra uintptr
	for _, o := range m.Options {
		if o == "ro" {
			extra |= unix.MS_RDONLY
		}
	}
	// recursive bind keeping each submount's protective flags
	return fsutil.BindRemount(fsutil.Path(m.Source), target, extra)
}

func setCredentials(env *Env) error {
	groups := make([]int, 0, len(env.Groups))
	for _, g := range env.Groups {
		groups = append(groups, int(g))
	}
	if err := unix.Setgroups(groups); err != nil {
		return errdefs.FromSyscall("setgroups", err)
	}
	if err := unix.Setgid(int(env.Gid)); err != nil {
		return errdefs.FromSyscall("setgid", err)
	}
	if err := unix.Setuid(int(env.Uid)); err != nil {
		return errdefs.FromSyscall("setuid", err)
	}
	return nil
}

func setupStdStreams(env *Env) error {
	switch env.StdMode {
	case StdPty:
		for _, fd := range []int{0, 1, 2} {
			if err := unix.Dup3(ptyFd, fd, 0); err != nil {
				return errdefs.FromSyscall("dup3 pty", err)
			}
		}
		unix.Close(ptyFd)
		return nil
	case StdFifo:
		if env.StdoutPath != "" {
			if err := unix.Mkfifo(env.StdoutPath, 0600); err != nil && err != unix.EEXIST {
				return errdefs.FromSyscall("mkfifo "+env.StdoutPath, err)
			}
		}
		if env.StderrPath != "" && env.StderrPath != env.StdoutPath {
			if err := unix.Mkfifo(env.StderrPath, 0600); err != nil && err != unix.EEXIST {
				return errdefs.FromSyscall("mkfifo "+env.StderrPath, err)
			}
		}
		fallthrough
	default:
		if err := reopenStd(env.StdinPath, 0, unix.O_RDONLY); err != nil {
			return err
		}
		if err := reopenStd(env.StdoutPath, 1, unix.O_WRONLY|unix.O_CREAT|unix.O_APPEND); err != nil {
			return err
		}
		if err := reopenStd(env.StderrPath, 2, unix.O_WRONLY|unix.O_CREAT|unix.O_APPEND); err != nil {
			return err
		}
	}
	return nil
}

func reopenStd(path string, fd int, flags int) error {
	if path == "" {
		path = "/dev/null"
		if fd == 0 {
			flags = unix.O_RDONLY
		} else {
			flags = unix.O_WRONLY
		}
	}
	nf, err := unix.Open(path, flags, 0644)
	if err != nil {
		return errdefs.FromSyscall("open "+path, err)
	}
	if nf != fd {
		if err := unix.Dup3(nf, fd, 0); err != nil {
			return errdefs.FromSyscall("dup3", err)
		}
		unix.Close(nf)
	}
	return nil
}

var rlimitByName = map[string]int{
	"RLIMIT_AS":         unix.RLIMIT_AS,
	"RLIMIT_CORE":       unix.RLIMIT_CORE,
	"RLIMIT_CPU":        unix.RLIMIT_CPU,
	"RLIMIT_DATA":       unix.RLIMIT_DATA,
	"RLIMIT_FSIZE":      unix.RLIMIT_FSIZE,
	"RLIMIT_LOCKS":      unix.RLIMIT_LOCKS,
	"RLIMIT_MEMLOCK":    unix.RLIMIT_MEMLOCK,
	"RLIMIT_MSGQUEUE":   unix.RLIMIT_MSGQUEUE,
	"RLIMIT_NICE":       unix.RLIMIT_NICE,
	"RLIMIT_NOFILE":     unix.RLIMIT_NOFILE,
	"RLIMIT_NPROC":      unix.RLIMIT_NPROC,
	"RLIMIT_RSS":        unix.RLIMIT_RSS,
	"RLIMIT_RTPRIO":     unix.RLIMIT_RTPRIO,
	"RLIMIT_RTTIME":     unix.RLIMIT_RTTIME,
	"RLIMIT_SIGPENDING": unix.RLIMIT_SIGPENDING,
	"RLIMIT_STACK":      unix.RLIMIT_STACK,
}

// ParseRlimit converts "nofile: 1024 4096" style property text into a
// specs rlimit.
func ParseRlimit(name, soft, hard string) (specs.POSIXRlimit, error) {
	full := "RLIMIT_" + strings.ToUpper(name)
	if _, ok := rlimitByName[full]; !ok {
		return specs.POSIXRlimit{}, errdefs.Newf(errdefs.InvalidValue, "unknown rlimit %q", name)
	}
	s, err := parseUint(soft)
	if err != nil {
		return specs.POSIXRlimit{}, err
	}
	h, err := parseUint(hard)
	if err != nil {
		return specs.POSIXRlimit{}, err
	}
	return specs.POSIXRlimit{Type: full, Soft: s, Hard: h}, nil
}

func parseUint(s string) (uint64, error) {
	if s == "unlimited" {
		return unix.RLIM_INFINITY, nil
	}
	var n uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errdefs.Newf(errdefs.InvalidValue, "bad limit %q", s)
		}
		n = n*10 + uint64(r-'0')
	}
	return n, nil
}
