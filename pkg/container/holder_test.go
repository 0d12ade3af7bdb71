package container

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/cgroup"
	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/fsutil"
	"github.com/cuemby/warden/pkg/kvstore"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/task"
)

// fakeCgroups is an in-memory hierarchy standing in for the kernel.
type fakeCgroups struct {
	mu      sync.Mutex
	dirs    map[string]bool // subsystem + ":" + path
	frozen  map[string]bool
	procs   map[string][]int
	removed []string
}

func newFakeCgroups() *fakeCgroups {
	return &fakeCgroups{
		dirs:   make(map[string]bool),
		frozen: make(map[string]bool),
		procs:  make(map[string][]int),
	}
}

func (f *fakeCgroups) key(ss cgroup.Subsystem, path string) string { return string(ss) + ":" + path }

func (f *fakeCgroups) Supported(ss cgroup.Subsystem) bool {
	return ss == cgroup.Freezer || ss == cgroup.Memory || ss == cgroup.CPU
}

func (f *fakeCgroups) Ensure(ss cgroup.Subsystem, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[f.key(ss, path)] = true
	return nil
}

func (f *fakeCgroups) Dir(ss cgroup.Subsystem, path string) (fsutil.Path, error) {
	return fsutil.Path("/sys/fs/cgroup/" + string(ss) + "/" + path), nil
}

func (f *fakeCgroups) Remove(ss cgroup.Subsystem, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dirs, f.key(ss, path))
	f.removed = append(f.removed, f.key(ss, path))
	return nil
}

func (f *fakeCgroups) Write(ss cgroup.Subsystem, path, key, value string) error { return nil }

func (f *fakeCgroups) Read(ss cgroup.Subsystem, path, key string) (string, error) { return "", nil }

func (f *fakeCgroups) Procs(ss cgroup.Subsystem, path string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[path], nil
}

func (f *fakeCgroups) Freeze(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen[path] = true
	return nil
}

func (f *fakeCgroups) Thaw(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen[path] = false
	return nil
}

func (f *fakeCgroups) FreezerState(path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frozen[path] {
		return "FROZEN", nil
	}
	return "THAWED", nil
}

func (f *fakeCgroups) KillAll(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[path] = nil
	return nil
}

func (f *fakeCgroups) hasDir(ss cgroup.Subsystem, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[f.key(ss, path)]
}

// fakeProcess exits when told to.
type fakeProcess struct {
	pid    int
	exited chan *task.ExitStatus
	once   sync.Once
	mu     sync.Mutex
	alive  bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exited: make(chan *task.ExitStatus, 1), alive: true}
}

func (p *fakeProcess) exit(st *task.ExitStatus) {
	p.once.Do(func() {
		p.mu.Lock()
		p.alive = false
		p.mu.Unlock()
		p.exited <- st
	})
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() *task.ExitStatus { return <-p.exited }

func (p *fakeProcess) Kill(sig unix.Signal) error {
	if sig == unix.SIGKILL || sig == unix.SIGTERM {
		p.exit(&task.ExitStatus{Signal: int(sig)})
	}
	return nil
}

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProcess) GracefulStop(grace time.Duration) bool {
	p.exit(&task.ExitStatus{Signal: int(unix.SIGTERM)})
	return true
}

type fakeVolumes struct {
	mu       sync.Mutex
	unlinked []string
}

func (v *fakeVolumes) UnlinkAll(container string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.unlinked = append(v.unlinked, container)
	return nil
}

type fixture struct {
	h       *Holder
	cg      *fakeCgroups
	store   *kvstore.Store
	vols    *fakeVolumes
	mu      sync.Mutex
	started []*fakeProcess
	nextPid int
	failAll bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, Output: os.Stderr})
	store, err := kvstore.Open(fsutil.Path(t.TempDir()))
	require.NoError(t, err)

	f := &fixture{cg: newFakeCgroups(), store: store, vols: &fakeVolumes{}, nextPid: 100}
	f.h = NewHolder(Config{
		MaxTotal:     8,
		MaxDepth:     3,
		AgingTime:    time.Hour,
		RespawnDelay: 10 * time.Millisecond,
		KillTimeout:  time.Second,
		StopTimeout:  time.Second,
		StdoutLimit:  4096,
		EventWorkers: 1,
		Cgroups:      f.cg,
		Store:        store,
		Volumes:      f.vols,
		StartTask: func(env *task.Env) (Process, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.failAll {
				return nil, errdefs.New(errdefs.NotFound, "command not found")
			}
			f.nextPid++
			p := newFakeProcess(f.nextPid)
			f.started = append(f.started, p)
			return p, nil
		},
	})
	t.Cleanup(f.h.Close)
	return f
}

func (f *fixture) lastProc() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.started) == 0 {
		return nil
	}
	return f.started[len(f.started)-1]
}

func (f *fixture) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func waitState(t *testing.T, h *Holder, name string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := h.State(name)
		return err == nil && s == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s to reach %s", name, want)
}

func TestCreateNamingRules(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.h.Create("demo"))
	assert.Equal(t, errdefs.ContainerAlreadyExists, errdefs.GetKind(f.h.Create("demo")))

	for _, bad := range []string{"", "a//b", "a/../b", "..", "a b", "a\tb", "über"} {
		err := f.h.Create(bad)
		assert.Equal(t, errdefs.InvalidValue, errdefs.GetKind(err), "name %q", bad)
	}

	// nested requires the parent
	assert.Equal(t, errdefs.ContainerDoesNotExist, errdefs.GetKind(f.h.Create("no/parent")))

	// depth limit
	require.NoError(t, f.h.Create("a"))
	require.NoError(t, f.h.Create("a/b"))
	require.NoError(t, f.h.Create("a/b/c"))
	assert.Equal(t, errdefs.InvalidValue, errdefs.GetKind(f.h.Create("a/b/c/d")))
}

func TestCreateTooMany(t *testing.T) {
	f := newFixture(t)
	names := []string{"c0", "c1", "c2", "c3", "c4", "c5", "c6", "c7"}
	for _, n := range names {
		require.NoError(t, f.h.Create(n))
	}
	assert.Equal(t, errdefs.TooMany, errdefs.GetKind(f.h.Create("straw")))
}

func TestStartRequiresCommandOrGoesMeta(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Create("meta"))
	require.NoError(t, f.h.Start("meta"))
	waitState(t, f.h, "meta", StateMeta)

	// meta can host running children
	require.NoError(t, f.h.Create("meta/worker"))
	require.NoError(t, f.h.SetProperty("meta/worker", "command", "/bin/sleep 1000"))
	require.NoError(t, f.h.Start("meta/worker"))
	waitState(t, f.h, "meta/worker", StateRunning)
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Create("demo"))
	require.NoError(t, f.h.SetProperty("demo", "command", "/bin/sleep 1000"))
	require.NoError(t, f.h.Start("demo"))
	waitState(t, f.h, "demo", StateRunning)

	// starting again is invalid
	assert.Equal(t, errdefs.InvalidState, errdefs.GetKind(f.h.Start("demo")))

	pid, err := f.h.GetData("demo", "root_pid")
	require.NoError(t, err)
	assert.NotEqual(t, "0", pid)

	require.NoError(t, f.h.Stop("demo", 100*time.Millisecond))
	waitState(t, f.h, "demo", StateStopped)

	// freezer cgroup is removed after stop
	assert.False(t, f.cg.hasDir(cgroup.Freezer, CgroupPath("demo")))

	// exit status cleared by stop
	st, err := f.h.GetData("demo", "exit_status")
	require.NoError(t, err)
	assert.Empty(t, st)
}

func TestExitMovesToDead(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Create("demo"))
	require.NoError(t, f.h.SetProperty("demo", "command", "/bin/false"))
	require.NoError(t, f.h.Start("demo"))
	waitState(t, f.h, "demo", StateRunning)

	f.lastProc().exit(&task.ExitStatus{Status: 7})
	waitState(t, f.h, "demo", StateDead)

	st, err := f.h.GetData("demo", "exit_status")
	require.NoError(t, err)
	assert.Contains(t, st, "status=7")
}

func TestRespawnPolicy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Create("demo"))
	require.NoError(t, f.h.SetProperty("demo", "command", "/bin/sh -c 'exit 7'"))
	require.NoError(t, f.h.SetProperty("demo", "respawn", "true"))
	require.NoError(t, f.h.SetProperty("demo", "max_respawns", "2"))
	require.NoError(t, f.h.SetProperty("demo", "respawn_delay", "20"))
	require.NoError(t, f.h.Start("demo"))
	waitState(t, f.h, "demo", StateRunning)

	// die three times: two respawns allowed, then it stays dead
	for i := 0; i < 3; i++ {
		f.lastProc().exit(&task.ExitStatus{Status: 7})
		if i < 2 {
			require.Eventually(t, func() bool { return f.startCount() == i+2 },
				2*time.Second, 5*time.Millisecond, "respawn %d", i+1)
			waitState(t, f.h, "demo", StateRunning)
		}
	}
	waitState(t, f.h, "demo", StateDead)

	time.Sleep(100 * time.Millisecond) // no further respawn may fire
	assert.Equal(t, 3, f.startCount())

	count, err := f.h.GetData("demo", "respawn_count")
	require.NoError(t, err)
	assert.Equal(t, "2", count)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Create("demo"))
	require.NoError(t, f.h.SetProperty("demo", "command", "/bin/sleep 1000"))
	require.NoError(t, f.h.Start("demo"))
	waitState(t, f.h, "demo", StateRunning)

	require.NoError(t, f.h.Pause("demo"))
	waitState(t, f.h, "demo", StatePaused)
	assert.True(t, f.cg.frozen[CgroupPath("demo")])

	// kill requires running
	assert.Equal(t, errdefs.InvalidState, errdefs.GetKind(f.h.Kill("demo", unix.SIGTERM)))

	require.NoError(t, f.h.Resume("demo"))
	waitState(t, f.h, "demo", StateRunning)
	assert.False(t, f.cg.frozen[CgroupPath("demo")])
}

func TestDestroyRules(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Create("a"))
	require.NoError(t, f.h.Create("a/b"))

	assert.Equal(t, errdefs.HasChildren, errdefs.GetKind(f.h.Destroy("a")))

	require.NoError(t, f.h.Destroy("a/b"))
	require.NoError(t, f.h.Destroy("a"))
	assert.Equal(t, errdefs.ContainerDoesNotExist, errdefs.GetKind(f.h.Destroy("a")))

	// destroying a running container is refused
	require.NoError(t, f.h.Create("run"))
	require.NoError(t, f.h.SetProperty("run", "command", "/bin/sleep 1000"))
	require.NoError(t, f.h.Start("run"))
	waitState(t, f.h, "run", StateRunning)
	assert.Equal(t, errdefs.InvalidState, errdefs.GetKind(f.h.Destroy("run")))
}

func TestDestroyUnlinksVolumes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Create("c1"))
	require.NoError(t, f.h.Destroy("c1"))
	assert.Contains(t, f.vols.unlinked, "c1")
}

func TestPropertyRules(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Create("demo"))

	assert.Equal(t, errdefs.InvalidProperty, errdefs.GetKind(f.h.SetProperty("demo", "nope", "x")))
	assert.Equal(t, errdefs.InvalidValue, errdefs.GetKind(f.h.SetProperty("demo", "respawn", "maybe")))

	require.NoError(t, f.h.SetProperty("demo", "command", "/bin/sleep 1000"))
	require.NoError(t, f.h.Start("demo"))
	waitState(t, f.h, "demo", StateRunning)

	// static property while running
	err := f.h.SetProperty("demo", "command", "/bin/true")
	assert.Equal(t, errdefs.InvalidState, errdefs.GetKind(err))

	// dynamic property while running
	assert.NoError(t, f.h.SetProperty("demo", "memory_limit", "64M"))

	v, err := f.h.GetProperty("demo", "memory_limit")
	require.NoError(t, err)
	assert.Equal(t, "64M", v)
}

func TestStartFailureStaysStopped(t *testing.T) {
	f := newFixture(t)
	f.failAll = true
	require.NoError(t, f.h.Create("demo"))
	require.NoError(t, f.h.SetProperty("demo", "command", "/no/such/binary"))

	err := f.h.Start("demo")
	require.Error(t, err)
	waitState(t, f.h, "demo", StateStopped)

	// cgroups rolled back
	assert.False(t, f.cg.hasDir(cgroup.Freezer, CgroupPath("demo")))

	msg, err := f.h.GetData("demo", "start_error")
	require.NoError(t, err)
	assert.Contains(t, msg, "command not found")
}

func TestWaitObservesDeath(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Create("demo"))
	require.NoError(t, f.h.SetProperty("demo", "command", "/bin/false"))
	require.NoError(t, f.h.Start("demo"))
	waitState(t, f.h, "demo", StateRunning)

	ch, cancel := f.h.AddWaiter([]string{"demo"})
	defer cancel()

	f.lastProc().exit(&task.ExitStatus{Status: 1})

	select {
	case res := <-ch:
		assert.Equal(t, "demo", res.Name)
		assert.Equal(t, StateDead, res.State)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not observe the death")
	}
}

func TestAgingDestroysDead(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Create("demo"))
	require.NoError(t, f.h.SetProperty("demo", "command", "/bin/false"))
	require.NoError(t, f.h.SetProperty("demo", "aging_time", "30"))
	require.NoError(t, f.h.Start("demo"))
	waitState(t, f.h, "demo", StateRunning)

	f.lastProc().exit(&task.ExitStatus{Status: 1})
	waitState(t, f.h, "demo", StateDead)

	require.Eventually(t, func() bool {
		_, err := f.h.State("demo")
		return errdefs.GetKind(err) == errdefs.ContainerDoesNotExist
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Create("p"))
	require.NoError(t, f.h.SetProperty("p", "command", "/bin/sleep 1000"))
	require.NoError(t, f.h.SetProperty("p", "memory_limit", "128M"))
	require.NoError(t, f.h.Start("p"))
	waitState(t, f.h, "p", StateRunning)

	pid := f.lastProc().Pid()
	f.h.Close()

	// a new holder over the same store, with the "kernel" still
	// holding the pid in the freezer cgroup
	f.cg.procs[CgroupPath("p")] = []int{pid}
	reclaimed := make(chan int, 1)
	h2 := NewHolder(Config{
		MaxTotal: 8, MaxDepth: 3,
		AgingTime: time.Hour, RespawnDelay: time.Millisecond,
		KillTimeout: time.Second, StopTimeout: time.Second,
		EventWorkers: 1,
		Cgroups:      f.cg,
		Store:        f.store,
		Volumes:      f.vols,
		ReclaimTask: func(pid int) (Process, error) {
			reclaimed <- pid
			return newFakeProcess(pid), nil
		},
	})
	defer h2.Close()

	require.NoError(t, h2.RestoreFromStorage())
	waitState(t, h2, "p", StateRunning)
	assert.Equal(t, pid, <-reclaimed)

	v, err := h2.GetProperty("p", "memory_limit")
	require.NoError(t, err)
	assert.Equal(t, "128M", v)

	got, err := h2.GetData("p", "root_pid")
	require.NoError(t, err)
	assert.NotEqual(t, "0", got)
}

func TestRestoreFailedForcesStopped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Create("gone"))
	require.NoError(t, f.h.SetProperty("gone", "command", "/bin/sleep 1000"))
	require.NoError(t, f.h.Start("gone"))
	waitState(t, f.h, "gone", StateRunning)
	f.h.Close()

	// freezer empty: the process died with the daemon
	h2 := NewHolder(Config{
		MaxTotal: 8, MaxDepth: 3,
		AgingTime: time.Hour, RespawnDelay: time.Millisecond,
		KillTimeout: time.Second, StopTimeout: time.Second,
		EventWorkers: 1,
		Cgroups:      f.cg,
		Store:        f.store,
		Volumes:      f.vols,
	})
	defer h2.Close()

	require.NoError(t, h2.RestoreFromStorage())
	waitState(t, h2, "gone", StateStopped)

	msg, err := h2.GetData("gone", "start_error")
	require.NoError(t, err)
	assert.Contains(t, msg, "restore failed")
}

func TestStopSubtreeChildrenFirst(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Create("m"))
	require.NoError(t, f.h.Start("m"))
	waitState(t, f.h, "m", StateMeta)
	require.NoError(t, f.h.Create("m/w"))
	require.NoError(t, f.h.SetProperty("m/w", "command", "/bin/sleep 1000"))
	require.NoError(t, f.h.Start("m/w"))
	waitState(t, f.h, "m/w", StateRunning)

	require.NoError(t, f.h.Stop("m", 50*time.Millisecond))
	waitState(t, f.h, "m/w", StateStopped)
	waitState(t, f.h, "m", StateStopped)
}

func TestStartRefusesNetnsWhileNetworkingDisabled(t *testing.T) {
	f := newFixture(t) // fixture leaves NetworkEnabled off
	require.NoError(t, f.h.Create("iso"))
	require.NoError(t, f.h.SetProperty("iso", "command", "/bin/sleep 1000"))
	require.NoError(t, f.h.SetProperty("iso", "net", "none"))

	err := f.h.Start("iso")
	assert.Equal(t, errdefs.InvalidValue, errdefs.GetKind(err))
	waitState(t, f.h, "iso", StateStopped)

	// host networking is always available
	require.NoError(t, f.h.SetProperty("iso", "net", "host"))
	require.NoError(t, f.h.Start("iso"))
	waitState(t, f.h, "iso", StateRunning)
}

func TestStartAppliesDefaultNetGuarantee(t *testing.T) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: os.Stderr})
	store, err := kvstore.Open(fsutil.Path(t.TempDir()))
	require.NoError(t, err)

	envs := make(chan *task.Env, 1)
	h := NewHolder(Config{
		MaxTotal: 4, MaxDepth: 2,
		AgingTime: time.Hour, RespawnDelay: time.Millisecond,
		KillTimeout: time.Second, StopTimeout: time.Second,
		EventWorkers:   1,
		NetworkEnabled: true,
		NetGuarantee:   5 << 20,
		Cgroups:        newFakeCgroups(),
		Store:          store,
		StartTask: func(env *task.Env) (Process, error) {
			envs <- env
			return newFakeProcess(500), nil
		},
	})
	defer h.Close()

	require.NoError(t, h.Create("shaped"))
	require.NoError(t, h.SetProperty("shaped", "command", "/bin/sleep 1000"))
	require.NoError(t, h.SetProperty("shaped", "net", "none"))
	require.NoError(t, h.Start("shaped"))

	env := <-envs
	assert.Equal(t, int64(5<<20), env.Net.GuaranteeBps)

	// an explicit per-container rate wins over the daemon default
	require.NoError(t, h.Create("own"))
	require.NoError(t, h.SetProperty("own", "command", "/bin/sleep 1000"))
	require.NoError(t, h.SetProperty("own", "net", "macvlan eth0 eth0 1M"))
	require.NoError(t, h.Start("own"))

	env = <-envs
	assert.Equal(t, int64(1<<20), env.Net.GuaranteeBps)
}

func TestStartNestedRequiresStartedParent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Create("a"))
	require.NoError(t, f.h.Create("a/b"))
	require.NoError(t, f.h.SetProperty("a/b", "command", "/bin/sleep 1000"))

	err := f.h.Start("a/b")
	assert.Equal(t, errdefs.InvalidState, errdefs.GetKind(err))
}
