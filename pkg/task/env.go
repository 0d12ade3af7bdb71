package task

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/warden/pkg/network"
)

// StdMode selects how the payload's std streams are wired.
type StdMode string

const (
	StdFile StdMode = "file"
	StdFifo StdMode = "fifo"
	StdPty  StdMode = "pty"
)

// Namespaces lists which namespaces the payload gets.
type Namespaces struct {
	User bool `json:"user,omitempty"`
	Pid  bool `json:"pid,omitempty"`
	Net  bool `json:"net,omitempty"`
	Ipc  bool `json:"ipc,omitempty"`
	Uts  bool `json:"uts,omitempty"`
	Mnt  bool `json:"mnt,omitempty"`
}

// CgroupSpec is one leaf cgroup the child attaches itself to before
// unsharing anything. Dir is the absolute kernel directory.
type CgroupSpec struct {
	Subsystem string `json:"subsystem"`
	Dir       string `json:"dir"`
}

// Env is everything the re-exec'd child needs to set the payload up.
// It crosses the bootstrap pipe as JSON, so every field must be plain
// data.
type Env struct {
	Name    string   `json:"name"`
	Command []string `json:"command"`
	Cwd     string   `json:"cwd"`
	Environ []string `json:"environ"`

	// Root is the new root filesystem; empty keeps the host root.
	Root         string `json:"root,omitempty"`
	RootReadOnly bool   `json:"root_read_only,omitempty"`

	Uid    uint32   `json:"uid"`
	Gid    uint32   `json:"gid"`
	Groups []uint32 `json:"groups,omitempty"`

	Mounts       []specs.Mount        `json:"mounts,omitempty"`
	Rlimits      []specs.POSIXRlimit  `json:"rlimits,omitempty"`
	Capabilities []string             `json:"capabilities,omitempty"`

	Namespaces Namespaces     `json:"namespaces"`
	Hostname   string         `json:"hostname,omitempty"`
	BindDNS    bool           `json:"bind_dns,omitempty"`
	Net        network.Config `json:"net"`

	StdMode    StdMode `json:"std_mode"`
	StdinPath  string  `json:"stdin_path,omitempty"`
	StdoutPath string  `json:"stdout_path,omitempty"`
	StderrPath string  `json:"stderr_path,omitempty"`

	Cgroups []CgroupSpec `json:"cgroups,omitempty"`

	// Isolate runs warden-init as pid 1 with the payload as its
	// child, so orphans are reaped inside the pid namespace.
	Isolate  bool   `json:"isolate,omitempty"`
	InitPath string `json:"init_path,omitempty"`
}
