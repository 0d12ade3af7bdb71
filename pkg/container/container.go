package container

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/cgroup"
	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/event"
	"github.com/cuemby/warden/pkg/fsutil"
	"github.com/cuemby/warden/pkg/kvstore"
	"github.com/cuemby/warden/pkg/network"
	"github.com/cuemby/warden/pkg/task"
)

// Process is the holder's view of a supervised payload. *task.Task
// satisfies it through taskProcess; tests substitute fakes.
type Process interface {
	Pid() int
	Wait() *task.ExitStatus
	Kill(sig unix.Signal) error
	Alive() bool
	GracefulStop(grace time.Duration) bool
}

type taskProcess struct {
	t *task.Task
}

func (p taskProcess) Pid() int                              { return p.t.Pid }
func (p taskProcess) Wait() *task.ExitStatus                { return p.t.Wait() }
func (p taskProcess) Kill(sig unix.Signal) error            { return p.t.Kill(sig) }
func (p taskProcess) Alive() bool                           { return p.t.Alive() }
func (p taskProcess) GracefulStop(grace time.Duration) bool { return p.t.GracefulStop(grace) }

// WrapTask adapts a started task into a Process.
func WrapTask(t *task.Task) Process { return taskProcess{t} }

// Cgroups is the slice of the cgroup controller the holder drives;
// narrow so holder tests can run against a fake hierarchy.
type Cgroups interface {
	Supported(ss cgroup.Subsystem) bool
	Ensure(ss cgroup.Subsystem, path string) error
	Dir(ss cgroup.Subsystem, path string) (fsutil.Path, error)
	Remove(ss cgroup.Subsystem, path string) error
	Write(ss cgroup.Subsystem, path, key, value string) error
	Read(ss cgroup.Subsystem, path, key string) (string, error)
	Procs(ss cgroup.Subsystem, path string) ([]int, error)
	Freeze(path string) error
	Thaw(path string) error
	FreezerState(path string) (string, error)
	KillAll(path string) error
}

// Container is one supervised unit. All fields are guarded by the
// holder mutex; nothing outside this package touches them directly
// (operations are holder methods taking the name).
type Container struct {
	name  string
	state State
	props map[string]string

	proc         Process
	rootPid      int
	exitStatus   *task.ExitStatus
	startErr     string
	oomKilled    bool
	startTime    time.Time
	deathTime    time.Time
	respawnCount uint64

	// busy marks a container whose blocking work runs outside the
	// holder lock; concurrent mutators fail with Busy instead of
	// interleaving
	busy bool

	agingEvent   *event.Event
	respawnEvent *event.Event
}

func newContainer(name string) *Container {
	return &Container{
		name:  name,
		state: StateStopped,
		props: make(map[string]string),
	}
}

// CgroupPath is the relative cgroup directory for the container in
// every hierarchy; nested names nest in the kernel too.
func CgroupPath(name string) string {
	return "warden/" + name
}

func (c *Container) cgroupPath() string { return CgroupPath(c.name) }

// snapshot is the read-only view Get/List hand out.
type snapshot struct {
	Name  string
	State State
	Pid   int
}

// buildEnv turns the property map into a task environment.
func (c *Container) buildEnv(cfg *Config) (*task.Env, error) {
	cg := cfg.Cgroups
	props := c.props

	command := strings.Fields(props["command"])
	env := &task.Env{
		Name:     c.name,
		Command:  command,
		Cwd:      props["cwd"],
		Root:     props["root"],
		Hostname: props["hostname"],
		BindDNS:  boolProp(props, "bind_dns"),
		Isolate:  boolProp(props, "isolate"),
		InitPath: cfg.InitPath,
		StdMode:  task.StdMode(props["std_mode"]),
		RootReadOnly: boolProp(props, "root_readonly"),
		StdinPath:  props["stdin_path"],
		StdoutPath: props["stdout_path"],
		StderrPath: props["stderr_path"],
	}
	if env.StdMode == "" {
		env.StdMode = task.StdFile
	}

	if v := props["env"]; v != "" {
		env.Environ = strings.Split(v, ";")
	}
	if !hasEnv(env.Environ, "PATH") {
		env.Environ = append(env.Environ, "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	}

	uid, gid, groups, err := resolveCredentials(props["user"], props["group"])
	if err != nil {
		return nil, err
	}
	env.Uid, env.Gid, env.Groups = uid, gid, groups

	binds, err := parseBinds(props["bind"])
	if err != nil {
		return nil, err
	}
	for _, b := range binds {
		opts := []string{"rbind"}
		if b.ReadOnly {
			opts = append(opts, "ro")
		}
		env.Mounts = append(env.Mounts, specs.Mount{
			Destination: b.Dest,
			Source:      b.Source,
			Type:        "bind",
			Options:     opts,
		})
	}

	ulimits, err := parseUlimits(props["ulimit"])
	if err != nil {
		return nil, err
	}
	for _, u := range ulimits {
		env.Rlimits = append(env.Rlimits, specs.POSIXRlimit{Type: u.Type, Soft: u.Soft, Hard: u.Hard})
	}

	if v := props["capabilities"]; v != "" {
		env.Capabilities = strings.Split(v, ";")
	}

	netCfg, err := network.ParseProperty(props["net"])
	if err != nil {
		return nil, err
	}
	if netCfg.Mode != network.ModeHost && !cfg.NetworkEnabled {
		return nil, errdefs.New(errdefs.InvalidValue, "container networking is disabled")
	}
	if netCfg.GuaranteeBps == 0 {
		netCfg.GuaranteeBps = cfg.NetGuarantee
	}
	env.Net = netCfg

	isolate := boolProp(props, "isolate")
	env.Namespaces = task.Namespaces{
		// a rootfs or private binds without a mount namespace would
		// leak mounts onto the host
		Mnt: isolate || env.Root != "" || len(env.Mounts) > 0,
		Uts: env.Hostname != "",
		Ipc: isolate,
		Pid: isolate,
		Net: netCfg.NewNamespace(),
	}

	for _, ss := range cgroup.Subsystems {
		if !cg.Supported(ss) {
			continue
		}
		dir, err := cg.Dir(ss, c.cgroupPath())
		if err != nil {
			return nil, err
		}
		env.Cgroups = append(env.Cgroups, task.CgroupSpec{
			Subsystem: string(ss),
			Dir:       dir.String(),
		})
	}
	return env, nil
}

func hasEnv(environ []string, key string) bool {
	for _, kv := range environ {
		if strings.HasPrefix(kv, key+"=") {
			return true
		}
	}
	return false
}

// applyLimits writes the dynamic resource knobs into the kernel. Runs
// on Start and again whenever a dynamic limit property changes while
// the container runs.
func (c *Container) applyLimits(cg Cgroups) error {
	path := c.cgroupPath()
	if v := c.props["memory_limit"]; v != "" && cg.Supported(cgroup.Memory) {
		bytes, err := units.RAMInBytes(v)
		if err != nil {
			return err
		}
		if err := cg.Write(cgroup.Memory, path, "memory.limit_in_bytes", strconv.FormatInt(bytes, 10)); err != nil {
			return err
		}
	}
	if v := c.props["cpu_limit"]; v != "" && cg.Supported(cgroup.CPU) {
		cores, err := strconv.ParseFloat(strings.TrimSuffix(v, "c"), 64)
		if err != nil {
			return err
		}
		// cfs quota against a 100ms period
		if err := cg.Write(cgroup.CPU, path, "cpu.cfs_period_us", "100000"); err != nil {
			return err
		}
		quota := int64(cores * 100000)
		if err := cg.Write(cgroup.CPU, path, "cpu.cfs_quota_us", strconv.FormatInt(quota, 10)); err != nil {
			return err
		}
	}
	if v := c.props["io_weight"]; v != "" && cg.Supported(cgroup.Blkio) {
		if err := cg.Write(cgroup.Blkio, path, "blkio.weight", v); err != nil {
			return err
		}
	}
	return nil
}

// persistPairs is the full durable record of the container.
func (c *Container) persistPairs() []kvstore.Pair {
	pairs := make([]kvstore.Pair, 0, len(c.props)+8)
	for k, v := range c.props {
		pairs = append(pairs, kvstore.Pair{Key: k, Val: v})
	}
	pairs = append(pairs,
		kvstore.Pair{Key: "_name_", Val: c.name},
		kvstore.Pair{Key: "_state_", Val: string(c.state)},
		kvstore.Pair{Key: "_root_pid_", Val: strconv.Itoa(c.rootPid)},
		kvstore.Pair{Key: "_respawn_count_", Val: strconv.FormatUint(c.respawnCount, 10)},
		kvstore.Pair{Key: "_oom_", Val: strconv.FormatBool(c.oomKilled)},
		kvstore.Pair{Key: "_start_error_", Val: c.startErr},
	)
	if !c.startTime.IsZero() {
		pairs = append(pairs, kvstore.Pair{Key: "_start_time_", Val: strconv.FormatInt(c.startTime.UnixMilli(), 10)})
	}
	if !c.deathTime.IsZero() {
		pairs = append(pairs, kvstore.Pair{Key: "_death_time_", Val: strconv.FormatInt(c.deathTime.UnixMilli(), 10)})
	}
	if st := c.exitStatus; st != nil {
		pairs = append(pairs, kvstore.Pair{Key: "_exit_status_", Val: encodeExitStatus(st)})
	}
	return pairs
}

func encodeExitStatus(st *task.ExitStatus) string {
	errMsg := ""
	if st.Error != nil {
		errMsg = st.Error.Error()
	}
	return fmt.Sprintf("%d;%d;%s", st.Signal, st.Status, errMsg)
}

func decodeExitStatus(v string) *task.ExitStatus {
	parts := strings.SplitN(v, ";", 3)
	if len(parts) != 3 {
		return nil
	}
	st := &task.ExitStatus{}
	st.Signal, _ = strconv.Atoi(parts[0])
	st.Status, _ = strconv.Atoi(parts[1])
	if parts[2] != "" {
		st.Error = fmt.Errorf("%s", parts[2])
	}
	return st
}

// readTail returns up to limit bytes from the end of path.
func readTail(path string, limit int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return ""
	}
	off := int64(0)
	if st.Size() > limit {
		off = st.Size() - limit
	}
	buf := make([]byte, st.Size()-off)
	n, _ := f.ReadAt(buf, off)
	return string(buf[:n])
}
