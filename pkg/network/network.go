package network

import (
	"strings"

	units "github.com/docker/go-units"
	"github.com/vishvananda/netlink"

	"github.com/cuemby/warden/pkg/errdefs"
)

// Mode selects how a container sees the network.
type Mode string

const (
	// ModeHost shares the host network namespace.
	ModeHost Mode = "host"
	// ModeNone gives the container a fresh namespace with only
	// loopback configured.
	ModeNone Mode = "none"
	// ModeMacvlan attaches a macvlan child of a host interface.
	ModeMacvlan Mode = "macvlan"
)

// Config is the parsed value of a container's net property plus the
// daemon-level defaults merged in before the task starts.
type Config struct {
	Mode   Mode   `json:"mode"`
	Master string `json:"master,omitempty"` // host interface for macvlan
	Name   string `json:"name,omitempty"`   // interface name inside the container
	// GuaranteeBps is the egress rate shaped onto the container
	// interface, bytes per second; zero leaves the interface unshaped.
	GuaranteeBps int64 `json:"guarantee_bps,omitempty"`
}

// ParseProperty parses the net property: "host", "none" or
// "macvlan <master> <name> [rate]". The optional rate ("10M") shapes
// the interface; without it the daemon's default guarantee applies.
func ParseProperty(value string) (Config, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return Config{Mode: ModeHost}, nil
	}
	switch Mode(fields[0]) {
	case ModeHost:
		return Config{Mode: ModeHost}, nil
	case ModeNone:
		return Config{Mode: ModeNone}, nil
	case ModeMacvlan:
		if len(fields) < 3 || len(fields) > 4 {
			return Config{}, errdefs.New(errdefs.InvalidValue, "macvlan needs master and name")
		}
		cfg := Config{Mode: ModeMacvlan, Master: fields[1], Name: fields[2]}
		if len(fields) == 4 {
			rate, err := units.RAMInBytes(fields[3])
			if err != nil {
				return Config{}, errdefs.Newf(errdefs.InvalidValue, "bad rate %q", fields[3])
			}
			cfg.GuaranteeBps = rate
		}
		return cfg, nil
	}
	return Config{}, errdefs.Newf(errdefs.InvalidValue, "unknown network mode %q", fields[0])
}

// NewNamespace reports whether the mode requires CLONE_NEWNET.
func (c Config) NewNamespace() bool {
	return c.Mode != ModeHost
}

// Hook is the callable network setup run inside the child after
// namespaces are unshared and before the mount setup. External
// integrations replace the default.
type Hook func(cfg Config) error

// SetupDefault is the built-in hook: bring loopback up in the fresh
// namespace and, for macvlan mode, expect the parent to have moved the
// prepared interface in already, under its final name, and bring it up.
func SetupDefault(cfg Config) error {
	if !cfg.NewNamespace() {
		return nil
	}
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return errdefs.Newf(errdefs.Unknown, "loopback missing: %v", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to raise loopback: %v", err)
	}
	if cfg.Mode != ModeMacvlan {
		return nil
	}
	link, err := netlink.LinkByName(cfg.Name)
	if err != nil {
		return errdefs.Newf(errdefs.NotFound, "container interface %s missing: %v", cfg.Name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to raise %s: %v", cfg.Name, err)
	}
	if cfg.GuaranteeBps > 0 {
		qdisc := &netlink.Tbf{
			QdiscAttrs: netlink.QdiscAttrs{
				LinkIndex: link.Attrs().Index,
				Handle:    netlink.MakeHandle(1, 0),
				Parent:    netlink.HANDLE_ROOT,
			},
			Rate:   uint64(cfg.GuaranteeBps),
			Limit:  1 << 20,
			Buffer: 1 << 16,
		}
		if err := netlink.QdiscAdd(qdisc); err != nil {
			return errdefs.Newf(errdefs.Unknown, "failed to shape %s: %v", cfg.Name, err)
		}
	}
	return nil
}

// PrepareMacvlan creates a macvlan child of master and moves it into
// the network namespace of pid. Runs in the parent between receiving
// the child pid and releasing it to exec.
func PrepareMacvlan(cfg Config, pid int) error {
	if cfg.Mode != ModeMacvlan {
		return nil
	}
	master, err := netlink.LinkByName(cfg.Master)
	if err != nil {
		return errdefs.Newf(errdefs.NotFound, "master interface %s: %v", cfg.Master, err)
	}
	mv := &netlink.Macvlan{
		LinkAttrs: netlink.LinkAttrs{
			Name:        cfg.Name,
			ParentIndex: master.Attrs().Index,
		},
		Mode: netlink.MACVLAN_MODE_BRIDGE,
	}
	if err := netlink.LinkAdd(mv); err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to create macvlan: %v", err)
	}
	if err := netlink.LinkSetNsPid(mv, pid); err != nil {
		netlink.LinkDel(mv)
		return errdefs.Newf(errdefs.Unknown, "failed to move macvlan into pid %d: %v", pid, err)
	}
	return nil
}
