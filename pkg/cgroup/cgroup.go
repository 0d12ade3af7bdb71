package cgroup

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/fsutil"
	"github.com/cuemby/warden/pkg/log"
)

// Subsystem is a cgroup v1 controller name.
type Subsystem string

const (
	Memory    Subsystem = "memory"
	CPU       Subsystem = "cpu"
	CPUAcct   Subsystem = "cpuacct"
	CPUSet    Subsystem = "cpuset"
	Freezer   Subsystem = "freezer"
	Blkio     Subsystem = "blkio"
	Devices   Subsystem = "devices"
	NetCls    Subsystem = "net_cls"
	Pids      Subsystem = "pids"
	Hugetlb   Subsystem = "hugetlb"
	PerfEvent Subsystem = "perf_event"
)

// Subsystems lists every controller warden knows about, in the order
// tasks are attached.
var Subsystems = []Subsystem{
	Memory, CPU, CPUAcct, CPUSet, Freezer, Blkio, Devices,
	NetCls, Pids, Hugetlb, PerfEvent,
}

const (
	frozen = "FROZEN"
	thawed = "THAWED"
)

// Config tunes the controller's wait loops.
type Config struct {
	FreezerTimeout time.Duration
	RemoveTimeout  time.Duration
}

// Controller maps (subsystem, relative path) pairs onto the kernel
// hierarchy mount points discovered at startup.
type Controller struct {
	mounts map[Subsystem]fsutil.Path
	cfg    Config
}

// NewController scans /proc/self/mountinfo for cgroup mounts. It fails
// with NotFound when no hierarchy or no freezer hierarchy is mounted;
// other missing subsystems are tolerated.
func NewController(cfg Config) (*Controller, error) {
	if cfg.FreezerTimeout == 0 {
		cfg.FreezerTimeout = 10 * time.Second
	}
	if cfg.RemoveTimeout == 0 {
		cfg.RemoveTimeout = 5 * time.Second
	}

	mounts, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("cgroup"))
	if err != nil {
		return nil, errdefs.Newf(errdefs.Unknown, "failed to read mountinfo: %v", err)
	}

	c := &Controller{mounts: make(map[Subsystem]fsutil.Path), cfg: cfg}
	for _, m := range mounts {
		for _, opt := range strings.Split(m.VFSOptions, ",") {
			for _, ss := range Subsystems {
				if opt == string(ss) {
					c.mounts[ss] = fsutil.Path(m.Mountpoint)
				}
			}
		}
	}
	if len(c.mounts) == 0 {
		return nil, errdefs.New(errdefs.NotFound, "no cgroup hierarchies mounted")
	}
	if _, ok := c.mounts[Freezer]; !ok {
		return nil, errdefs.New(errdefs.NotFound, "freezer hierarchy not mounted")
	}
	log.WithComponent("cgroup").Info().Int("subsystems", len(c.mounts)).Msg("resolved cgroup mounts")
	return c, nil
}

// Supported reports whether the subsystem hierarchy is mounted.
func (c *Controller) Supported(ss Subsystem) bool {
	_, ok := c.mounts[ss]
	return ok
}

// Dir returns the kernel directory for a relative cgroup path.
func (c *Controller) Dir(ss Subsystem, path string) (fsutil.Path, error) {
	root, ok := c.mounts[ss]
	if !ok {
		return "", errdefs.Newf(errdefs.NotFound, "subsystem %s not mounted", ss)
	}
	return root.Join(strings.TrimPrefix(path, "/")), nil
}

// Ensure creates the cgroup directory (and parents) with
// subsystem-specific defaults applied.
func (c *Controller) Ensure(ss Subsystem, path string) error {
	dir, err := c.Dir(ss, path)
	if err != nil {
		return err
	}
	log.WithComponent("cgroup").Debug().Str("dir", dir.String()).Msg("ensure cgroup")
	if err := os.MkdirAll(dir.String(), 0755); err != nil {
		return errdefs.FromSyscall("mkdir "+dir.String(), unwrap(err))
	}
	switch ss {
	case CPUSet:
		// empty cpuset files make attach fail with ENOSPC; inherit
		// from the parent
		for _, key := range []string{"cpuset.cpus", "cpuset.mems"} {
			cur, err := fsutil.ReadString(dir.Join(key))
			if err != nil || cur != "" {
				continue
			}
			parent, err := fsutil.ReadString(dir.Dir().Join(key))
			if err != nil {
				return err
			}
			if err := fsutil.WriteString(dir.Join(key), parent); err != nil {
				return err
			}
		}
	case Memory:
		hier := dir.Join("memory.use_hierarchy")
		if hier.Exists() {
			// already enabled when any child exists; EBUSY is fine
			if err := fsutil.WriteString(hier, "1"); err != nil && !errdefs.IsBusy(err) {
				return err
			}
		}
	}
	return nil
}

// Attach writes pid into cgroup.procs.
func (c *Controller) Attach(ss Subsystem, path string, pid int) error {
	dir, err := c.Dir(ss, path)
	if err != nil {
		return err
	}
	log.WithComponent("cgroup").Debug().Str("dir", dir.String()).Int("pid", pid).Msg("attach pid")
	return fsutil.WriteString(dir.Join("cgroup.procs"), strconv.Itoa(pid))
}

// Remove deletes an empty cgroup, retrying while the kernel still
// holds exiting tasks, up to the configured timeout.
func (c *Controller) Remove(ss Subsystem, path string) error {
	dir, err := c.Dir(ss, path)
	if err != nil {
		return err
	}
	if !dir.Exists() {
		return nil
	}
	log.WithComponent("cgroup").Debug().Str("dir", dir.String()).Msg("remove cgroup")
	deadline := time.Now().Add(c.cfg.RemoveTimeout)
	for {
		err := unix.Rmdir(dir.String())
		if err == nil || err == unix.ENOENT {
			return nil
		}
		if err != unix.EBUSY || time.Now().After(deadline) {
			return errdefs.FromSyscall("rmdir "+dir.String(), err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Read returns the value of a control file.
func (c *Controller) Read(ss Subsystem, path, key string) (string, error) {
	dir, err := c.Dir(ss, path)
	if err != nil {
		return "", err
	}
	return fsutil.ReadString(dir.Join(key))
}

// Write sets a control file.
func (c *Controller) Write(ss Subsystem, path, key, value string) error {
	dir, err := c.Dir(ss, path)
	if err != nil {
		return err
	}
	log.WithComponent("cgroup").Debug().
		Str("dir", dir.String()).Str("key", key).Str("value", value).Msg("write cgroup knob")
	return fsutil.WriteString(dir.Join(key), value)
}

// Procs enumerates the pids in cgroup.procs.
func (c *Controller) Procs(ss Subsystem, path string) ([]int, error) {
	dir, err := c.Dir(ss, path)
	if err != nil {
		return nil, err
	}
	lines, err := fsutil.ReadLines(dir.Join("cgroup.procs"))
	if err != nil {
		return nil, err
	}
	pids := make([]int, 0, len(lines))
	for _, l := range lines {
		pid, err := strconv.Atoi(strings.TrimSpace(l))
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func unwrap(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
