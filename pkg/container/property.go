package container

import (
	"sort"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"

	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/fsutil"
	"github.com/cuemby/warden/pkg/network"
	"github.com/cuemby/warden/pkg/task"
)

// property describes one settable key. Dynamic keys apply in any
// state; the rest only in Stopped, so a running payload never sees a
// half-applied environment.
type property struct {
	name     string
	dynamic  bool
	validate func(value string) error
}

func validNothing(string) error { return nil }

func validBool(v string) error {
	if _, err := strconv.ParseBool(v); err != nil {
		return errdefs.Newf(errdefs.InvalidValue, "expected bool, got %q", v)
	}
	return nil
}

func validUint(v string) error {
	if _, err := strconv.ParseUint(v, 10, 64); err != nil {
		return errdefs.Newf(errdefs.InvalidValue, "expected unsigned integer, got %q", v)
	}
	return nil
}

func validSize(v string) error {
	if _, err := units.RAMInBytes(v); err != nil {
		return errdefs.Newf(errdefs.InvalidValue, "expected size, got %q", v)
	}
	return nil
}

func validDurationMs(v string) error {
	if _, err := strconv.ParseUint(v, 10, 32); err != nil {
		return errdefs.Newf(errdefs.InvalidValue, "expected milliseconds, got %q", v)
	}
	return nil
}

func validAbsPath(v string) error {
	if v == "" {
		return nil
	}
	return fsutil.Path(v).Validate()
}

func validNet(v string) error {
	_, err := network.ParseProperty(v)
	return err
}

func validBind(v string) error {
	_, err := parseBinds(v)
	return err
}

func validCaps(v string) error {
	if v == "" {
		return nil
	}
	return task.ValidateCapabilities(strings.Split(v, ";"))
}

func validUlimit(v string) error {
	_, err := parseUlimits(v)
	return err
}

func validStdMode(v string) error {
	switch task.StdMode(v) {
	case task.StdFile, task.StdFifo, task.StdPty, "":
		return nil
	}
	return errdefs.Newf(errdefs.InvalidValue, "unknown std mode %q", v)
}

func validCPU(v string) error {
	v = strings.TrimSuffix(v, "c")
	if _, err := strconv.ParseFloat(v, 64); err != nil {
		return errdefs.Newf(errdefs.InvalidValue, "expected cpu power, got %q", v)
	}
	return nil
}

// properties is the full registry. Order is not significant; List
// sorts.
var properties = map[string]property{
	"command":       {name: "command", validate: validNothing},
	"cwd":           {name: "cwd", validate: validAbsPath},
	"root":          {name: "root", validate: validAbsPath},
	"root_readonly": {name: "root_readonly", validate: validBool},
	"user":          {name: "user", validate: validNothing},
	"group":         {name: "group", validate: validNothing},
	"env":           {name: "env", validate: validNothing},
	"bind":          {name: "bind", validate: validBind},
	"net":           {name: "net", validate: validNet},
	"hostname":      {name: "hostname", validate: validNothing},
	"bind_dns":      {name: "bind_dns", validate: validBool},
	"isolate":       {name: "isolate", validate: validBool},
	"virt":          {name: "virt", validate: validVirt},
	"capabilities":  {name: "capabilities", validate: validCaps},
	"ulimit":        {name: "ulimit", validate: validUlimit},
	"std_mode":      {name: "std_mode", validate: validStdMode},
	"stdin_path":    {name: "stdin_path", validate: validAbsPath},
	"stdout_path":   {name: "stdout_path", validate: validAbsPath},
	"stderr_path":   {name: "stderr_path", validate: validAbsPath},

	"memory_limit":  {name: "memory_limit", dynamic: true, validate: validSize},
	"cpu_limit":     {name: "cpu_limit", dynamic: true, validate: validCPU},
	"io_weight":     {name: "io_weight", dynamic: true, validate: validUint},
	"respawn":       {name: "respawn", dynamic: true, validate: validBool},
	"max_respawns":  {name: "max_respawns", dynamic: true, validate: validUint},
	"respawn_delay": {name: "respawn_delay", dynamic: true, validate: validDurationMs},
	"aging_time":    {name: "aging_time", dynamic: true, validate: validDurationMs},
	"kill_timeout":  {name: "kill_timeout", dynamic: true, validate: validDurationMs},
	"private":       {name: "private", dynamic: true, validate: validNothing},
}

func validVirt(v string) error {
	switch v {
	case "", "app", "os":
		return nil
	}
	return errdefs.Newf(errdefs.InvalidValue, "unknown virt mode %q", v)
}

// dataKeys are the read-only values exposed next to properties.
var dataKeys = []string{
	"state",
	"root_pid",
	"exit_status",
	"oom_killed",
	"start_time",
	"death_time",
	"respawn_count",
	"start_error",
	"stdout",
	"stderr",
}

// PropertyList returns every settable key, sorted, with a dynamic
// marker.
func PropertyList() []string {
	out := make([]string, 0, len(properties))
	for name, p := range properties {
		if p.dynamic {
			name += " (dynamic)"
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DataList returns every readable data key, sorted.
func DataList() []string {
	out := append([]string(nil), dataKeys...)
	sort.Strings(out)
	return out
}

// parseBinds parses "src dst [ro|rw]; src dst ..." into mount specs.
func parseBinds(v string) ([]bindSpec, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	var out []bindSpec
	for _, entry := range strings.Split(v, ";") {
		fields := strings.Fields(entry)
		if len(fields) < 2 || len(fields) > 3 {
			return nil, errdefs.Newf(errdefs.InvalidValue, "bad bind %q", entry)
		}
		b := bindSpec{Source: fields[0], Dest: fields[1]}
		if err := fsutil.Path(b.Source).Validate(); err != nil {
			return nil, err
		}
		if err := fsutil.Path(b.Dest).Validate(); err != nil {
			return nil, err
		}
		if len(fields) == 3 {
			switch fields[2] {
			case "ro":
				b.ReadOnly = true
			case "rw":
			default:
				return nil, errdefs.Newf(errdefs.InvalidValue, "bad bind flag %q", fields[2])
			}
		}
		out = append(out, b)
	}
	return out, nil
}

type bindSpec struct {
	Source   string
	Dest     string
	ReadOnly bool
}

// parseUlimits parses "nofile: 1024 4096; core: 0 0".
func parseUlimits(v string) ([]ulimitSpec, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	var out []ulimitSpec
	for _, entry := range strings.Split(v, ";") {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, errdefs.Newf(errdefs.InvalidValue, "bad ulimit %q", entry)
		}
		fields := strings.Fields(parts[1])
		if len(fields) != 2 {
			return nil, errdefs.Newf(errdefs.InvalidValue, "bad ulimit %q", entry)
		}
		rl, err := task.ParseRlimit(strings.TrimSpace(parts[0]), fields[0], fields[1])
		if err != nil {
			return nil, err
		}
		out = append(out, ulimitSpec{rl.Type, rl.Soft, rl.Hard})
	}
	return out, nil
}

type ulimitSpec struct {
	Type string
	Soft uint64
	Hard uint64
}

func msProp(props map[string]string, key string, def time.Duration) time.Duration {
	v, ok := props[key]
	if !ok || v == "" {
		return def
	}
	ms, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func boolProp(props map[string]string, key string) bool {
	b, _ := strconv.ParseBool(props[key])
	return b
}

func uintProp(props map[string]string, key string, def uint64) uint64 {
	v, ok := props[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
