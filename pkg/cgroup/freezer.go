package cgroup

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/log"
)

// Freeze writes FROZEN and polls freezer.state until the transition
// completes. On a stall it returns Busy and leaves the cgroup in the
// observed state; the caller decides whether to kill-then-thaw.
func (c *Controller) Freeze(path string) error {
	return c.setFreezer(path, frozen)
}

// Thaw is the inverse of Freeze.
func (c *Controller) Thaw(path string) error {
	return c.setFreezer(path, thawed)
}

func (c *Controller) setFreezer(path, want string) error {
	if err := c.Write(Freezer, path, "freezer.state", want); err != nil {
		return err
	}
	deadline := time.Now().Add(c.cfg.FreezerTimeout)
	for {
		state, err := c.Read(Freezer, path, "freezer.state")
		if err != nil {
			return err
		}
		if state == want {
			return nil
		}
		if time.Now().After(deadline) {
			return errdefs.Newf(errdefs.Busy, "freezer %s stuck in %s waiting for %s", path, state, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// FreezerState returns the current freezer.state value.
func (c *Controller) FreezerState(path string) (string, error) {
	return c.Read(Freezer, path, "freezer.state")
}

// KillAll terminates every process in the freezer cgroup at path.
// Freezing first closes the fork race: no process can spawn children
// between enumeration and SIGKILL delivery. The cgroup is left thawed
// and drained.
func (c *Controller) KillAll(path string) error {
	cglog := log.WithComponent("cgroup")

	err := c.Freeze(path)
	if err != nil && !errdefs.IsBusy(err) {
		return err
	}
	// a partially frozen cgroup still pins forks; proceed with kill

	pids, err := c.Procs(Freezer, path)
	if err != nil {
		return err
	}
	for _, pid := range pids {
		cglog.Debug().Int("pid", pid).Str("cgroup", path).Msg("kill frozen task")
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			cglog.Warn().Int("pid", pid).Err(err).Msg("failed to kill task")
		}
	}

	if err := c.Thaw(path); err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.FreezerTimeout)
	for {
		pids, err := c.Procs(Freezer, path)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return nil
			}
			return err
		}
		if len(pids) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errdefs.Newf(errdefs.Busy, "cgroup %s did not drain: %d tasks left", path, len(pids))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
