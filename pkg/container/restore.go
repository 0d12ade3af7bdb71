package container

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/warden/pkg/cgroup"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
)

// RestoreFromStorage rebuilds the container set after a daemon
// restart. Every node is loaded into a Stopped container; containers
// recorded Running or Paused are reconciled against the freezer
// hierarchy and their pids reclaimed. A container that cannot be
// reclaimed is forced Stopped with the failure recorded as its start
// error, and its stale cgroups are removed.
func (h *Holder) RestoreFromStorage() error {
	rlog := log.WithComponent("restore")

	nodes, err := h.cfg.Store.List()
	if err != nil {
		return err
	}

	type loaded struct {
		name  string
		pairs map[string]string
	}
	var all []loaded
	for _, node := range nodes {
		pairs, err := h.cfg.Store.Load(node)
		if err != nil {
			rlog.Warn().Str("node", node).Err(err).Msg("dropping unreadable container node")
			h.cfg.Store.Remove(node)
			continue
		}
		name := pairs["_name_"]
		if name == "" {
			rlog.Warn().Str("node", node).Msg("dropping nameless container node")
			h.cfg.Store.Remove(node)
			continue
		}
		all = append(all, loaded{name: name, pairs: pairs})
	}
	// parents before children so the map is always consistent
	sort.Slice(all, func(i, j int) bool {
		return strings.Count(all[i].name, "/") < strings.Count(all[j].name, "/")
	})

	for _, n := range all {
		h.restoreOne(n.name, n.pairs)
	}
	return nil
}

func (h *Holder) restoreOne(name string, pairs map[string]string) {
	rlog := log.WithContainer(name)

	c := newContainer(name)
	for k, v := range pairs {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if _, ok := properties[k]; ok {
			c.props[k] = v
		}
	}
	c.respawnCount, _ = strconv.ParseUint(pairs["_respawn_count_"], 10, 64)
	c.startErr = pairs["_start_error_"]
	if v := pairs["_oom_"]; v == "true" {
		c.oomKilled = true
	}
	if ms, err := strconv.ParseInt(pairs["_start_time_"], 10, 64); err == nil {
		c.startTime = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(pairs["_death_time_"], 10, 64); err == nil {
		c.deathTime = time.UnixMilli(ms)
	}
	if v, ok := pairs["_exit_status_"]; ok {
		c.exitStatus = decodeExitStatus(v)
	}

	h.mu.Lock()
	h.containers[name] = c
	metrics.ContainersTotal.WithLabelValues(string(StateStopped)).Inc()
	h.mu.Unlock()

	switch State(pairs["_state_"]) {
	case StateRunning, StatePaused:
		h.reclaim(c, pairs)
	case StateDead:
		h.mu.Lock()
		if h.setState(c, StateDead) == nil {
			h.rescheduleAgingLocked(c)
		}
		h.mu.Unlock()
		rlog.Info().Msg("container restored dead")
	case StateMeta:
		h.mu.Lock()
		h.setState(c, StateMeta)
		h.mu.Unlock()
		rlog.Info().Msg("container restored meta")
	default:
		rlog.Info().Msg("container restored stopped")
	}
}

// reclaim finds the live root process of a container that was running
// when the daemon died, via the freezer cgroup it was attached to.
func (h *Holder) reclaim(c *Container, pairs map[string]string) {
	rlog := log.WithContainer(c.name)
	path := c.cgroupPath()

	fail := func(reason string) {
		rlog.Warn().Str("reason", reason).Msg("restore failed, forcing stopped")
		h.cfg.Cgroups.KillAll(path)
		for _, ss := range cgroup.Subsystems {
			if h.cfg.Cgroups.Supported(ss) {
				h.cfg.Cgroups.Remove(ss, path)
			}
		}
		h.mu.Lock()
		c.startErr = "restore failed: " + reason
		c.rootPid = 0
		h.persist(c)
		h.mu.Unlock()
	}

	pids, err := h.cfg.Cgroups.Procs(cgroup.Freezer, path)
	if err != nil || len(pids) == 0 {
		fail("freezer cgroup empty or missing")
		return
	}

	rootPid, _ := strconv.Atoi(pairs["_root_pid_"])
	found := false
	for _, pid := range pids {
		if pid == rootPid {
			found = true
			break
		}
	}
	if !found {
		// the recorded root died; adopt the oldest survivor so Stop
		// still cleans the cgroup
		rootPid = pids[0]
	}

	proc, err := h.cfg.ReclaimTask(rootPid)
	if err != nil {
		fail(err.Error())
		return
	}

	h.mu.Lock()
	c.proc = proc
	c.rootPid = rootPid
	h.setState(c, StateRunning)
	if state, err := h.cfg.Cgroups.FreezerState(path); err == nil && state == "FROZEN" {
		h.setState(c, StatePaused)
	}
	h.mu.Unlock()

	go h.monitor(c.name, proc)
	rlog.Info().Int("pid", rootPid).Msg("container reclaimed")
}
