package container

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/cgroup"
	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/event"
	"github.com/cuemby/warden/pkg/kvstore"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/task"
)

// VolumeUnlinker is what the holder needs from the volume manager.
type VolumeUnlinker interface {
	UnlinkAll(container string) error
}

// Config wires the holder to its collaborators. Task start/reclaim are
// injected so the state machine is testable without privileges.
type Config struct {
	MaxTotal     int
	MaxDepth     int
	AgingTime    time.Duration
	RespawnDelay time.Duration
	KillTimeout  time.Duration
	StopTimeout  time.Duration
	StdoutLimit  int64
	MaxLogSize   int64
	EventWorkers int
	InitPath     string

	// NetworkEnabled gates non-host networking; NetGuarantee is the
	// egress rate (bytes/sec) applied when the net property does not
	// carry its own.
	NetworkEnabled bool
	NetGuarantee   int64

	Cgroups Cgroups
	Store   *kvstore.Store
	Volumes VolumeUnlinker

	StartTask   func(env *task.Env) (Process, error)
	ReclaimTask func(pid int) (Process, error)

	// OnDestroy lets the daemon drop epoll sources and other
	// per-container references when a container goes away.
	OnDestroy func(name string)
}

// WaitResult is delivered to Wait callers on a labeled transition.
type WaitResult struct {
	Name  string
	State State
}

type waiter struct {
	names map[string]bool // empty means any
	ch    chan WaitResult
}

// Holder owns the container map and serializes every state transition
// under one mutex. Blocking work (cgroup writes, kills, task start)
// runs with the mutex released and the container marked busy.
type Holder struct {
	cfg   Config
	queue *event.Queue

	mu           sync.Mutex
	containers   map[string]*Container
	pendingExits map[int]*task.ExitStatus
	waiters      []*waiter
}

// NewHolder creates the holder and its timed event queue.
func NewHolder(cfg Config) *Holder {
	if cfg.EventWorkers <= 0 {
		cfg.EventWorkers = 4
	}
	if cfg.StartTask == nil {
		cfg.StartTask = func(env *task.Env) (Process, error) {
			t, err := task.Start(env)
			if err != nil {
				return nil, err
			}
			return WrapTask(t), nil
		}
	}
	if cfg.ReclaimTask == nil {
		cfg.ReclaimTask = func(pid int) (Process, error) {
			t, err := task.Reclaim(pid)
			if err != nil {
				return nil, err
			}
			return WrapTask(t), nil
		}
	}
	h := &Holder{
		cfg:          cfg,
		containers:   make(map[string]*Container),
		pendingExits: make(map[int]*task.ExitStatus),
	}
	h.queue = event.NewQueue(cfg.EventWorkers, h.handleEvent)
	return h
}

// Queue exposes the timed event queue for daemon-level events.
func (h *Holder) Queue() *event.Queue { return h.queue }

// Close stops the event queue.
func (h *Holder) Close() { h.queue.Stop() }

const nameChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-@:."

// ValidateName enforces the naming rules: restricted charset,
// slash-separated hierarchy, no empty or dot-dot components, bounded
// depth.
func (h *Holder) ValidateName(name string) error {
	if name == "" || len(name) > 128 {
		return errdefs.Newf(errdefs.InvalidValue, "bad container name %q", name)
	}
	components := strings.Split(name, "/")
	if len(components) > h.cfg.MaxDepth {
		return errdefs.Newf(errdefs.InvalidValue, "name %q exceeds max depth %d", name, h.cfg.MaxDepth)
	}
	for _, comp := range components {
		if comp == "" || comp == "." || comp == ".." {
			return errdefs.Newf(errdefs.InvalidValue, "bad component in name %q", name)
		}
		for _, r := range comp {
			if !strings.ContainsRune(nameChars, r) {
				return errdefs.Newf(errdefs.InvalidValue, "bad character %q in name %q", r, name)
			}
		}
	}
	return nil
}

func parentName(name string) string {
	idx := strings.LastIndex(name, "/")
	if idx < 0 {
		return ""
	}
	return name[:idx]
}

// find returns the container or ContainerDoesNotExist. Caller holds
// h.mu.
func (h *Holder) find(name string) (*Container, error) {
	c, ok := h.containers[name]
	if !ok {
		return nil, errdefs.Newf(errdefs.ContainerDoesNotExist, "container %q does not exist", name)
	}
	return c, nil
}

// hasChildren reports whether any container nests under name. Caller
// holds h.mu.
func (h *Holder) hasChildren(name string) bool {
	prefix := name + "/"
	for other := range h.containers {
		if strings.HasPrefix(other, prefix) {
			return true
		}
	}
	return false
}

// subtree returns name and every descendant, deepest first. Caller
// holds h.mu.
func (h *Holder) subtree(name string) []string {
	prefix := name + "/"
	out := []string{name}
	for other := range h.containers {
		if strings.HasPrefix(other, prefix) {
			out = append(out, other)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Count(out[i], "/") > strings.Count(out[j], "/")
	})
	return out
}

func (h *Holder) persist(c *Container) {
	if err := h.cfg.Store.Append(kvstore.SanitizeName(c.name), c.persistPairs()); err != nil {
		log.Error(err, "failed to persist container "+c.name)
	}
}

// setState performs the guarded transition and all its bookkeeping:
// metrics, persistence, waiter notification. Caller holds h.mu.
func (h *Holder) setState(c *Container, to State) error {
	if err := checkTransition(c.state, to); err != nil {
		return err
	}
	if c.state == to {
		return nil
	}
	metrics.ContainersTotal.WithLabelValues(string(c.state)).Dec()
	metrics.ContainersTotal.WithLabelValues(string(to)).Inc()
	c.state = to
	h.persist(c)
	if to == StateDead || to == StateStopped {
		h.notifyWaiters(c.name, to)
	}
	return nil
}

// Create registers a new container in Stopped.
func (h *Holder) Create(name string) error {
	if err := h.ValidateName(name); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.containers[name]; ok {
		return errdefs.Newf(errdefs.ContainerAlreadyExists, "container %q already exists", name)
	}
	if len(h.containers) >= h.cfg.MaxTotal {
		return errdefs.Newf(errdefs.TooMany, "container limit %d reached", h.cfg.MaxTotal)
	}
	if parent := parentName(name); parent != "" {
		if _, err := h.find(parent); err != nil {
			return err
		}
	}

	c := newContainer(name)
	h.containers[name] = c
	if err := h.cfg.Store.Create(kvstore.SanitizeName(name)); err != nil {
		delete(h.containers, name)
		return err
	}
	h.persist(c)

	metrics.ContainersCreated.Inc()
	metrics.ContainersTotal.WithLabelValues(string(StateStopped)).Inc()
	log.WithContainer(name).Info().Msg("container created")
	return nil
}

// List returns all container names, sorted.
func (h *Holder) List() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.containers))
	for name := range h.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// State returns the container's current state.
func (h *Holder) State(name string) (State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, err := h.find(name)
	if err != nil {
		return "", err
	}
	return c.state, nil
}

// SetProperty validates and stores a property. Non-dynamic keys only
// apply in Stopped; dynamic resource limits propagate into the kernel
// immediately when the container runs.
func (h *Holder) SetProperty(name, key, value string) error {
	p, ok := properties[key]
	if !ok {
		return errdefs.Newf(errdefs.InvalidProperty, "no such property %q", key)
	}
	if err := p.validate(value); err != nil {
		return err
	}

	h.mu.Lock()
	c, err := h.find(name)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if c.busy {
		h.mu.Unlock()
		return errdefs.Newf(errdefs.Busy, "container %q is busy", name)
	}
	if !p.dynamic && c.state != StateStopped {
		h.mu.Unlock()
		return errdefs.Newf(errdefs.InvalidState, "property %q requires the container stopped", key)
	}
	c.props[key] = value
	h.persist(c)
	running := c.state == StateRunning || c.state == StatePaused
	h.mu.Unlock()

	if running && isLimitKey(key) {
		return c.applyLimits(h.cfg.Cgroups)
	}
	return nil
}

func isLimitKey(key string) bool {
	switch key {
	case "memory_limit", "cpu_limit", "io_weight":
		return true
	}
	return false
}

// GetProperty reads a property value.
func (h *Holder) GetProperty(name, key string) (string, error) {
	if _, ok := properties[key]; !ok {
		return "", errdefs.Newf(errdefs.InvalidProperty, "no such property %q", key)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, err := h.find(name)
	if err != nil {
		return "", err
	}
	return c.props[key], nil
}

// GetData reads one runtime data value. Reading a Dead container
// resets its aging clock.
func (h *Holder) GetData(name, key string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, err := h.find(name)
	if err != nil {
		return "", err
	}
	if c.state == StateDead {
		h.rescheduleAgingLocked(c)
	}
	switch key {
	case "state":
		return string(c.state), nil
	case "root_pid":
		return strconv.Itoa(c.rootPid), nil
	case "exit_status":
		if c.exitStatus == nil {
			return "", nil
		}
		errMsg := ""
		if c.exitStatus.Error != nil {
			errMsg = c.exitStatus.Error.Error()
		}
		return "error=" + errMsg +
			";signal=" + strconv.Itoa(c.exitStatus.Signal) +
			";status=" + strconv.Itoa(c.exitStatus.Status), nil
	case "oom_killed":
		return strconv.FormatBool(c.oomKilled), nil
	case "start_time":
		if c.startTime.IsZero() {
			return "", nil
		}
		return strconv.FormatInt(c.startTime.UnixMilli(), 10), nil
	case "death_time":
		if c.deathTime.IsZero() {
			return "", nil
		}
		return strconv.FormatInt(c.deathTime.UnixMilli(), 10), nil
	case "respawn_count":
		return strconv.FormatUint(c.respawnCount, 10), nil
	case "start_error":
		return c.startErr, nil
	case "stdout":
		return readTail(c.props["stdout_path"], h.cfg.StdoutLimit), nil
	case "stderr":
		return readTail(c.props["stderr_path"], h.cfg.StdoutLimit), nil
	}
	return "", errdefs.Newf(errdefs.InvalidData, "no such data %q", key)
}

// Start launches a Stopped container; an empty command makes it Meta.
func (h *Holder) Start(name string) error {
	h.mu.Lock()
	c, err := h.find(name)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if c.busy {
		h.mu.Unlock()
		return errdefs.Newf(errdefs.Busy, "container %q is busy", name)
	}
	if c.state != StateStopped {
		h.mu.Unlock()
		return errdefs.Newf(errdefs.InvalidState, "container %q is %s, not stopped", name, c.state)
	}
	if parent := parentName(name); parent != "" {
		pc, perr := h.find(parent)
		if perr != nil {
			h.mu.Unlock()
			return perr
		}
		// the parent dominates: children of a stopped parent stay
		// stopped
		if pc.state != StateRunning && pc.state != StateMeta {
			h.mu.Unlock()
			return errdefs.Newf(errdefs.InvalidState, "parent %q must be started first", parent)
		}
	}

	if strings.TrimSpace(c.props["command"]) == "" {
		err := h.setState(c, StateMeta)
		h.mu.Unlock()
		return err
	}

	c.busy = true
	h.mu.Unlock()

	err = h.startLocked(c)

	h.mu.Lock()
	c.busy = false
	h.mu.Unlock()
	return err
}

// startLocked does the blocking part of a start with the container
// marked busy. Despite the name it runs with h.mu released; "locked"
// refers to the busy mark keeping other mutators away.
func (h *Holder) startLocked(c *Container) error {
	cglog := log.WithContainer(c.name)
	path := c.cgroupPath()

	cleanup := func() {
		for _, ss := range cgroup.Subsystems {
			if h.cfg.Cgroups.Supported(ss) {
				h.cfg.Cgroups.Remove(ss, path)
			}
		}
	}

	for _, ss := range cgroup.Subsystems {
		if !h.cfg.Cgroups.Supported(ss) {
			continue
		}
		if err := h.cfg.Cgroups.Ensure(ss, path); err != nil {
			cleanup()
			return err
		}
	}
	if err := c.applyLimits(h.cfg.Cgroups); err != nil {
		cleanup()
		return err
	}

	env, err := c.buildEnv(&h.cfg)
	if err != nil {
		cleanup()
		return err
	}

	proc, err := h.cfg.StartTask(env)
	if err != nil {
		cleanup()
		metrics.ContainersFailed.Inc()
		h.mu.Lock()
		c.startErr = err.Error()
		h.persist(c)
		h.mu.Unlock()
		cglog.Warn().Err(err).Msg("start failed")
		return err
	}

	h.mu.Lock()
	c.proc = proc
	c.rootPid = proc.Pid()
	c.startTime = time.Now()
	c.startErr = ""
	c.exitStatus = nil
	c.oomKilled = false
	h.setState(c, StateRunning)
	h.mu.Unlock()

	go h.monitor(c.name, proc)
	cglog.Info().Int("pid", proc.Pid()).Msg("container started")
	return nil
}

// monitor waits for the payload and turns the reaped status into an
// Exit event, preserving per-pid order through the queue.
func (h *Holder) monitor(name string, proc Process) {
	st := proc.Wait()
	h.mu.Lock()
	h.pendingExits[proc.Pid()] = st
	h.mu.Unlock()
	h.queue.Add(0, &event.Event{Type: event.Exit, Container: name, Pid: proc.Pid()})
}

// Stop terminates the whole subtree, children before parents. A zero
// grace falls back to the container's kill_timeout, then the daemon
// default.
func (h *Holder) Stop(name string, grace time.Duration) error {
	h.mu.Lock()
	if _, err := h.find(name); err != nil {
		h.mu.Unlock()
		return err
	}
	names := h.subtree(name)
	h.mu.Unlock()

	for _, n := range names {
		if err := h.stopOne(n, grace); err != nil {
			return err
		}
	}
	return nil
}

func (h *Holder) stopOne(name string, grace time.Duration) error {
	h.mu.Lock()
	c, err := h.find(name)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if c.busy {
		h.mu.Unlock()
		return errdefs.Newf(errdefs.Busy, "container %q is busy", name)
	}
	switch c.state {
	case StateStopped:
		h.mu.Unlock()
		return nil
	case StateRunning, StatePaused, StateDead, StateMeta:
	default:
		h.mu.Unlock()
		return errdefs.Newf(errdefs.InvalidState, "cannot stop %q in %s", name, c.state)
	}
	state := c.state
	proc := c.proc
	if grace == 0 {
		grace = msProp(c.props, "kill_timeout", h.cfg.KillTimeout)
	}
	if grace == 0 {
		grace = h.cfg.StopTimeout
	}
	c.busy = true
	h.mu.Unlock()

	path := CgroupPath(name)

	if state == StatePaused {
		if err := h.cfg.Cgroups.Thaw(path); err != nil && !errdefs.IsNotFound(err) {
			h.unbusy(name)
			return err
		}
	}

	if state == StateRunning || state == StatePaused {
		stopped := false
		if proc != nil {
			stopped = proc.GracefulStop(grace)
		}
		if !stopped {
			if err := h.cfg.Cgroups.KillAll(path); err != nil && !errdefs.IsNotFound(err) {
				h.unbusy(name)
				return err
			}
		}
	}

	// the cgroups must be gone before Stop reports success
	for _, ss := range cgroup.Subsystems {
		if h.cfg.Cgroups.Supported(ss) {
			if err := h.cfg.Cgroups.Remove(ss, path); err != nil && !errdefs.IsNotFound(err) {
				log.WithContainer(name).Warn().Err(err).Msg("failed to remove cgroup")
			}
		}
	}

	h.mu.Lock()
	c.busy = false
	c.proc = nil
	c.rootPid = 0
	c.exitStatus = nil
	c.oomKilled = false
	if c.respawnEvent != nil {
		c.respawnEvent.Supersede()
		c.respawnEvent = nil
	}
	if c.agingEvent != nil {
		c.agingEvent.Supersede()
		c.agingEvent = nil
	}
	err = h.setState(c, StateStopped)
	h.mu.Unlock()

	log.WithContainer(name).Info().Msg("container stopped")
	return err
}

func (h *Holder) unbusy(name string) {
	h.mu.Lock()
	if c, ok := h.containers[name]; ok {
		c.busy = false
	}
	h.mu.Unlock()
}

// Kill delivers a signal to the root process only.
func (h *Holder) Kill(name string, sig unix.Signal) error {
	h.mu.Lock()
	c, err := h.find(name)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if c.state != StateRunning {
		h.mu.Unlock()
		return errdefs.Newf(errdefs.InvalidState, "container %q is not running", name)
	}
	proc := c.proc
	h.mu.Unlock()

	if proc == nil {
		return errdefs.Newf(errdefs.InvalidState, "container %q has no process", name)
	}
	return proc.Kill(sig)
}

// Pause freezes the container subtree.
func (h *Holder) Pause(name string) error {
	h.mu.Lock()
	c, err := h.find(name)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if c.state != StateRunning {
		h.mu.Unlock()
		return errdefs.Newf(errdefs.InvalidState, "container %q is not running", name)
	}
	c.busy = true
	h.mu.Unlock()

	if err := h.cfg.Cgroups.Freeze(CgroupPath(name)); err != nil {
		h.unbusy(name)
		return err
	}

	h.mu.Lock()
	c.busy = false
	err = h.setState(c, StatePaused)
	for _, n := range h.subtree(name) {
		if n == name {
			continue
		}
		if child, ok := h.containers[n]; ok && child.state == StateRunning {
			h.setState(child, StatePaused)
		}
	}
	h.mu.Unlock()
	return err
}

// Resume thaws a paused container subtree.
func (h *Holder) Resume(name string) error {
	h.mu.Lock()
	c, err := h.find(name)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if c.state != StatePaused {
		h.mu.Unlock()
		return errdefs.Newf(errdefs.InvalidState, "container %q is not paused", name)
	}
	c.busy = true
	h.mu.Unlock()

	if err := h.cfg.Cgroups.Thaw(CgroupPath(name)); err != nil {
		h.unbusy(name)
		return err
	}

	h.mu.Lock()
	c.busy = false
	err = h.setState(c, StateRunning)
	for _, n := range h.subtree(name) {
		if n == name {
			continue
		}
		if child, ok := h.containers[n]; ok && child.state == StatePaused {
			h.setState(child, StateRunning)
		}
	}
	h.mu.Unlock()
	return err
}

// Destroy removes a Stopped or Dead container with no descendants.
func (h *Holder) Destroy(name string) error {
	h.mu.Lock()
	c, err := h.find(name)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if c.busy {
		h.mu.Unlock()
		return errdefs.Newf(errdefs.Busy, "container %q is busy", name)
	}
	if h.hasChildren(name) {
		h.mu.Unlock()
		return errdefs.Newf(errdefs.HasChildren, "container %q has children", name)
	}
	if c.state != StateStopped && c.state != StateDead {
		h.mu.Unlock()
		return errdefs.Newf(errdefs.InvalidState, "cannot destroy %q while %s", name, c.state)
	}
	if c.respawnEvent != nil {
		c.respawnEvent.Supersede()
	}
	if c.agingEvent != nil {
		c.agingEvent.Supersede()
	}
	state := c.state
	delete(h.containers, name)
	h.mu.Unlock()

	path := CgroupPath(name)
	for _, ss := range cgroup.Subsystems {
		if h.cfg.Cgroups.Supported(ss) {
			if err := h.cfg.Cgroups.Remove(ss, path); err != nil && !errdefs.IsNotFound(err) {
				log.WithContainer(name).Warn().Err(err).Msg("failed to remove cgroup")
			}
		}
	}
	if h.cfg.Volumes != nil {
		if err := h.cfg.Volumes.UnlinkAll(name); err != nil {
			log.WithContainer(name).Warn().Err(err).Msg("failed to unlink volumes")
		}
	}
	if err := h.cfg.Store.Remove(kvstore.SanitizeName(name)); err != nil {
		log.WithContainer(name).Warn().Err(err).Msg("failed to remove node")
	}
	if h.cfg.OnDestroy != nil {
		h.cfg.OnDestroy(name)
	}

	metrics.ContainersTotal.WithLabelValues(string(state)).Dec()
	log.WithContainer(name).Info().Msg("container destroyed")
	return nil
}

// AddWaiter registers interest in labeled transitions (Dead, Stopped)
// of the given containers; an empty list matches all. Transitions
// before registration are not reported.
func (h *Holder) AddWaiter(names []string) (<-chan WaitResult, func()) {
	w := &waiter{names: make(map[string]bool, len(names)), ch: make(chan WaitResult, 1)}
	for _, n := range names {
		w.names[n] = true
	}
	h.mu.Lock()
	h.waiters = append(h.waiters, w)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		for i, o := range h.waiters {
			if o == w {
				h.waiters = append(h.waiters[:i], h.waiters[i+1:]...)
				break
			}
		}
		h.mu.Unlock()
	}
	return w.ch, cancel
}

// notifyWaiters runs under h.mu.
func (h *Holder) notifyWaiters(name string, state State) {
	kept := h.waiters[:0]
	for _, w := range h.waiters {
		if len(w.names) > 0 && !w.names[name] {
			kept = append(kept, w)
			continue
		}
		select {
		case w.ch <- WaitResult{Name: name, State: state}:
		default:
			kept = append(kept, w)
		}
	}
	h.waiters = kept
}
