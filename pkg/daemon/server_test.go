package daemon

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/api/rpc"
	"github.com/cuemby/warden/pkg/cgroup"
	"github.com/cuemby/warden/pkg/client"
	"github.com/cuemby/warden/pkg/config"
	"github.com/cuemby/warden/pkg/container"
	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/fsutil"
	"github.com/cuemby/warden/pkg/kvstore"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/task"
	"github.com/cuemby/warden/pkg/volume"
)

// nullCgroups satisfies container.Cgroups without a kernel.
type nullCgroups struct {
	mu     sync.Mutex
	frozen map[string]bool
}

func (n *nullCgroups) Supported(ss cgroup.Subsystem) bool            { return ss == cgroup.Freezer }
func (n *nullCgroups) Ensure(ss cgroup.Subsystem, path string) error { return nil }
func (n *nullCgroups) Dir(ss cgroup.Subsystem, path string) (fsutil.Path, error) {
	return fsutil.Path("/sys/fs/cgroup/" + string(ss) + "/" + path), nil
}
func (n *nullCgroups) Remove(ss cgroup.Subsystem, path string) error            { return nil }
func (n *nullCgroups) Write(ss cgroup.Subsystem, path, key, value string) error { return nil }
func (n *nullCgroups) Read(ss cgroup.Subsystem, path, key string) (string, error) {
	return "", nil
}
func (n *nullCgroups) Procs(ss cgroup.Subsystem, path string) ([]int, error) { return nil, nil }
func (n *nullCgroups) Freeze(path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frozen[path] = true
	return nil
}
func (n *nullCgroups) Thaw(path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frozen[path] = false
	return nil
}
func (n *nullCgroups) FreezerState(path string) (string, error) { return "THAWED", nil }
func (n *nullCgroups) KillAll(path string) error                { return nil }

type stubProcess struct {
	pid    int
	exited chan *task.ExitStatus
	once   sync.Once
}

func (p *stubProcess) Pid() int               { return p.pid }
func (p *stubProcess) Wait() *task.ExitStatus { return <-p.exited }
func (p *stubProcess) Kill(sig unix.Signal) error {
	p.once.Do(func() { p.exited <- &task.ExitStatus{Signal: int(sig)} })
	return nil
}
func (p *stubProcess) Alive() bool { return true }
func (p *stubProcess) GracefulStop(grace time.Duration) bool {
	p.once.Do(func() { p.exited <- &task.ExitStatus{Signal: int(unix.SIGTERM)} })
	return true
}

func newTestServer(t *testing.T) (*client.Client, *container.Holder) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, Output: os.Stderr})

	dir := t.TempDir()
	kvs, err := kvstore.Open(fsutil.Path(filepath.Join(dir, "kvs")))
	require.NoError(t, err)
	pkvs, err := kvstore.Open(fsutil.Path(filepath.Join(dir, "pkvs")))
	require.NoError(t, err)

	holder := container.NewHolder(container.Config{
		MaxTotal: 16, MaxDepth: 3,
		AgingTime: time.Hour, RespawnDelay: time.Millisecond,
		KillTimeout: time.Second, StopTimeout: time.Second,
		EventWorkers: 1,
		Cgroups:      &nullCgroups{frozen: make(map[string]bool)},
		Store:        kvs,
		StartTask: func(env *task.Env) (container.Process, error) {
			return &stubProcess{pid: 4242, exited: make(chan *task.ExitStatus, 1)}, nil
		},
	})
	t.Cleanup(holder.Close)

	vols, err := volume.NewManager(config.Volumes{
		Enabled:   true,
		VolumeDir: filepath.Join(dir, "volumes"),
		LayerDir:  filepath.Join(dir, "layers"),
	}, pkvs, time.Minute)
	require.NoError(t, err)

	cfg := config.Default().Daemon
	cfg.SocketPath = filepath.Join(dir, "wardend.socket")
	cfg.SocketGroup = ""
	cfg.RPCWorkers = 2

	srv, err := NewServer(cfg, holder, vols, "test", nil)
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(srv.Stop)

	cl, err := client.Connect(cfg.SocketPath)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl, holder
}

func TestServerContainerLifecycle(t *testing.T) {
	cl, _ := newTestServer(t)

	require.NoError(t, cl.Create("demo"))
	require.NoError(t, cl.SetProperty("demo", "command", "/bin/sleep 1000"))
	require.NoError(t, cl.Start("demo"))

	state, err := cl.GetData("demo", "state")
	require.NoError(t, err)
	assert.Equal(t, "running", state)

	pid, err := cl.GetData("demo", "root_pid")
	require.NoError(t, err)
	assert.Equal(t, "4242", pid)

	require.NoError(t, cl.Stop("demo", 100*time.Millisecond))
	require.NoError(t, cl.Destroy("demo"))

	names, err := cl.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestServerErrorsCrossTheWire(t *testing.T) {
	cl, _ := newTestServer(t)

	err := cl.Start("ghost")
	assert.Equal(t, errdefs.ContainerDoesNotExist, errdefs.GetKind(err))

	require.NoError(t, cl.Create("a"))
	require.NoError(t, cl.Create("a/b"))
	err = cl.Destroy("a")
	assert.Equal(t, errdefs.HasChildren, errdefs.GetKind(err))

	err = cl.SetProperty("a", "no_such_key", "1")
	assert.Equal(t, errdefs.InvalidProperty, errdefs.GetKind(err))
}

func TestServerBulkGet(t *testing.T) {
	cl, _ := newTestServer(t)

	require.NoError(t, cl.Create("x"))
	require.NoError(t, cl.Create("y"))

	pairs, err := cl.Get([]string{"x", "y", "ghost"}, []string{"state"}, 0)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, "stopped", pairs[0].Value)
	assert.Equal(t, "stopped", pairs[1].Value)
	assert.Equal(t, int32(errdefs.ContainerDoesNotExist), pairs[2].Error)
}

func TestServerPropertyAndDataLists(t *testing.T) {
	cl, _ := newTestServer(t)

	props, err := cl.PropertyList()
	require.NoError(t, err)
	assert.Contains(t, props, "command")

	data, err := cl.DataList()
	require.NoError(t, err)
	assert.Contains(t, data, "exit_status")
}

func TestServerWait(t *testing.T) {
	cl, holder := newTestServer(t)

	require.NoError(t, cl.Create("w"))
	require.NoError(t, cl.SetProperty("w", "command", "/bin/sleep 1000"))
	require.NoError(t, cl.Start("w"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		name, state, err := cl.Wait([]string{"w"}, 2*time.Second)
		assert.NoError(t, err)
		assert.Equal(t, "w", name)
		assert.Equal(t, "dead", state)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, holder.Kill("w", unix.SIGKILL))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("wait did not return")
	}
}

func TestServerWaitZeroTimeoutPolls(t *testing.T) {
	cl, _ := newTestServer(t)

	require.NoError(t, cl.Create("s"))
	name, state, err := cl.Wait([]string{"s"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "s", name)
	assert.Equal(t, "stopped", state)
}

func TestServerVersion(t *testing.T) {
	cl, _ := newTestServer(t)
	v, err := cl.Version()
	require.NoError(t, err)
	assert.Equal(t, "test", v)
}

func rpcVolumeSpec(path, layer, backend string) rpc.VolumeSpec {
	return rpc.VolumeSpec{Path: path, Layer: layer, Backend: backend}
}

func TestServerVolumeValidation(t *testing.T) {
	cl, _ := newTestServer(t)

	// overlay without a layer is refused before touching the kernel
	err := cl.CreateVolume(rpcVolumeSpec("/v1", "", "overlay"))
	assert.Equal(t, errdefs.InvalidValue, errdefs.GetKind(err))

	err = cl.DestroyVolume("/nope")
	assert.Equal(t, errdefs.VolumeNotFound, errdefs.GetKind(err))

	layers, err := cl.ListLayers()
	require.NoError(t, err)
	assert.Empty(t, layers)
}
