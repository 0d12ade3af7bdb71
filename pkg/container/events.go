package container

import (
	"os"
	"time"

	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/event"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
)

// handleEvent is the timed-queue handler for all container events.
func (h *Holder) handleEvent(e *event.Event) event.Disposition {
	switch e.Type {
	case event.Exit:
		h.handleExit(e.Container, e.Pid)
	case event.Respawn:
		return h.handleRespawn(e.Container)
	case event.DestroyAged:
		h.handleAging(e.Container)
	case event.OOM:
		h.handleOOM(e.Container)
	case event.RotateLogs:
		h.rotateLogs()
		// self-rescheduling: log rotation is a standing event
		return event.Defer(logRotatePeriod)
	}
	return event.Handled
}

const logRotatePeriod = 5 * time.Minute

// StartLogRotation arms the periodic stdout/stderr size check.
func (h *Holder) StartLogRotation() {
	h.queue.Add(logRotatePeriod, &event.Event{Type: event.RotateLogs})
}

// rotateLogs truncates std stream files that outgrew max_log_size.
// Payloads keep their open offsets (O_APPEND), so truncation is safe.
func (h *Holder) rotateLogs() {
	if h.cfg.MaxLogSize <= 0 {
		return
	}
	h.mu.Lock()
	var paths []string
	for _, c := range h.containers {
		for _, key := range []string{"stdout_path", "stderr_path"} {
			if p := c.props[key]; p != "" {
				paths = append(paths, p)
			}
		}
	}
	h.mu.Unlock()

	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil || st.Size() <= h.cfg.MaxLogSize {
			continue
		}
		if err := os.Truncate(p, 0); err != nil {
			log.WithComponent("rotate").Warn().Str("path", p).Err(err).Msg("truncate failed")
		} else {
			log.WithComponent("rotate").Info().Str("path", p).Int64("was", st.Size()).Msg("rotated log")
		}
	}
}

// handleExit moves a container whose root process was reaped into
// Dead and schedules respawn or aging.
func (h *Holder) handleExit(name string, pid int) {
	h.mu.Lock()
	st := h.pendingExits[pid]
	delete(h.pendingExits, pid)

	c, ok := h.containers[name]
	if !ok || st == nil {
		h.mu.Unlock()
		return
	}
	// a Stop or restart already moved the container on; the reap is
	// stale (the kernel will not reuse the pid before this ran)
	if (c.state != StateRunning && c.state != StatePaused) || c.rootPid != pid {
		h.mu.Unlock()
		return
	}

	c.exitStatus = st
	c.deathTime = time.Now()
	c.proc = nil
	if err := h.setState(c, StateDead); err != nil {
		h.mu.Unlock()
		return
	}

	clog := log.WithContainer(name)
	clog.Info().Int("pid", pid).Int("status", st.Status).Int("signal", st.Signal).Msg("container died")

	if h.wantsRespawnLocked(c) {
		delay := msProp(c.props, "respawn_delay", h.cfg.RespawnDelay)
		ev := &event.Event{Type: event.Respawn, Container: name}
		c.respawnEvent = ev
		h.mu.Unlock()
		h.queue.Add(delay, ev)
		return
	}
	h.rescheduleAgingLocked(c)
	h.mu.Unlock()
}

// wantsRespawnLocked checks policy under h.mu.
func (h *Holder) wantsRespawnLocked(c *Container) bool {
	if !boolProp(c.props, "respawn") {
		return false
	}
	max := uintProp(c.props, "max_respawns", ^uint64(0))
	return c.respawnCount < max
}

// handleRespawn restarts a Dead container under the respawn policy.
func (h *Holder) handleRespawn(name string) event.Disposition {
	h.mu.Lock()
	c, ok := h.containers[name]
	if !ok || c.state != StateDead || !h.wantsRespawnLocked(c) {
		h.mu.Unlock()
		return event.Handled
	}
	if c.busy {
		h.mu.Unlock()
		return event.Defer(10 * time.Millisecond)
	}
	c.respawnCount++
	c.respawnEvent = nil
	c.busy = true
	// Dead -> Running goes through the same start path
	h.mu.Unlock()

	metrics.Respawns.Inc()
	log.WithContainer(name).Info().Msg("respawning container")

	err := h.startLocked(c)

	h.mu.Lock()
	c.busy = false
	if err != nil && c.state == StateDead {
		// start failure keeps it Dead; age it out instead of looping
		h.rescheduleAgingLocked(c)
	}
	h.mu.Unlock()
	return event.Handled
}

// handleAging destroys a Dead container whose aging timeout expired.
func (h *Holder) handleAging(name string) {
	h.mu.Lock()
	c, ok := h.containers[name]
	if !ok || c.state != StateDead {
		h.mu.Unlock()
		return
	}
	if h.hasChildren(name) {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	log.WithContainer(name).Info().Msg("destroying aged container")
	if err := h.Destroy(name); err != nil && !errdefs.IsNotFound(err) {
		log.WithContainer(name).Warn().Err(err).Msg("aging destroy failed")
	}
}

// handleOOM records an OOM notification for a running container.
func (h *Holder) handleOOM(name string) {
	h.mu.Lock()
	c, ok := h.containers[name]
	if ok {
		c.oomKilled = true
		h.persist(c)
	}
	h.mu.Unlock()
	if ok {
		metrics.OOMKills.Inc()
		log.WithContainer(name).Warn().Msg("container hit its memory limit")
	}
}

// NotifyOOM is called by the daemon's epoll handler when an OOM
// eventfd fires.
func (h *Holder) NotifyOOM(name string) {
	h.queue.Add(0, &event.Event{Type: event.OOM, Container: name})
}

// rescheduleAgingLocked (re)arms the aging destroy for a Dead
// container. Runs under h.mu. Reads of a Dead container reset the
// clock through here.
func (h *Holder) rescheduleAgingLocked(c *Container) {
	if c.agingEvent != nil {
		c.agingEvent.Supersede()
	}
	aging := msProp(c.props, "aging_time", h.cfg.AgingTime)
	ev := &event.Event{Type: event.DestroyAged, Container: c.name}
	c.agingEvent = ev
	// Add takes the queue's own lock; safe under h.mu
	h.queue.Add(aging, ev)
}
