package task

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/network"
)

func TestEnvRoundTrip(t *testing.T) {
	in := &Env{
		Name:    "demo",
		Command: []string{"/bin/sh", "-c", "true"},
		Cwd:     "/",
		Environ: []string{"PATH=/bin:/usr/bin"},
		Root:    "/place/warden_volumes/abc",
		Uid:     1000,
		Gid:     1000,
		Mounts: []specs.Mount{
			{Destination: "/data", Source: "/srv/data", Options: []string{"ro"}},
		},
		Rlimits:    []specs.POSIXRlimit{{Type: "RLIMIT_NOFILE", Soft: 1024, Hard: 4096}},
		Namespaces: Namespaces{Pid: true, Mnt: true, Uts: true},
		Hostname:   "demo",
		Net:        network.Config{Mode: network.ModeNone},
		StdMode:    StdFile,
		StdoutPath: "/var/log/demo.out",
		Cgroups:    []CgroupSpec{{Subsystem: "freezer", Dir: "/sys/fs/cgroup/freezer/warden/demo"}},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Env
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.Command, out.Command)
	assert.Equal(t, in.Mounts, out.Mounts)
	assert.Equal(t, in.Namespaces, out.Namespaces)
	assert.Equal(t, in.Net.Mode, out.Net.Mode)
	assert.Equal(t, in.Cgroups, out.Cgroups)
}

func TestParseRlimit(t *testing.T) {
	rl, err := ParseRlimit("nofile", "1024", "4096")
	require.NoError(t, err)
	assert.Equal(t, "RLIMIT_NOFILE", rl.Type)
	assert.Equal(t, uint64(1024), rl.Soft)
	assert.Equal(t, uint64(4096), rl.Hard)

	rl, err = ParseRlimit("core", "unlimited", "unlimited")
	require.NoError(t, err)
	assert.Equal(t, uint64(unix.RLIM_INFINITY), rl.Soft)

	_, err = ParseRlimit("nosuchlimit", "1", "1")
	assert.Error(t, err)

	_, err = ParseRlimit("nofile", "12x", "1")
	assert.Error(t, err)
}

func TestValidateCapabilities(t *testing.T) {
	assert.NoError(t, ValidateCapabilities([]string{"CAP_NET_ADMIN", "sys_admin", "Kill"}))
	assert.Error(t, ValidateCapabilities([]string{"CAP_NOT_A_THING"}))
}

func TestCloneFlags(t *testing.T) {
	assert.Equal(t, uintptr(0), cloneFlags(Namespaces{Mnt: true, Net: true}))
	assert.Equal(t, uintptr(unix.CLONE_NEWPID), cloneFlags(Namespaces{Pid: true}))
	assert.Equal(t,
		uintptr(unix.CLONE_NEWPID|unix.CLONE_NEWUSER),
		cloneFlags(Namespaces{Pid: true, User: true}))
}

func TestUnshareFlags(t *testing.T) {
	flags := unshareFlags(
		Namespaces{Mnt: true, Uts: true, Ipc: true, Net: true},
		network.Config{Mode: network.ModeNone})
	assert.Equal(t, unix.CLONE_NEWNS|unix.CLONE_NEWUTS|unix.CLONE_NEWIPC|unix.CLONE_NEWNET, flags)

	// host networking suppresses the netns even when requested
	flags = unshareFlags(Namespaces{Net: true}, network.Config{Mode: network.ModeHost})
	assert.Equal(t, 0, flags)
}
