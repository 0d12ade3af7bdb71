package config

import (
	"fmt"
	"os"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where wardend looks for its configuration.
const DefaultPath = "/etc/warden/wardend.yaml"

// Config is the full daemon configuration. Zero values are filled in
// by Default before the file is merged on top, so a partial file is
// always valid.
type Config struct {
	Daemon    Daemon    `yaml:"daemon"`
	Log       Log       `yaml:"log"`
	Keyval    Keyval    `yaml:"keyval"`
	Container Container `yaml:"container"`
	Volumes   Volumes   `yaml:"volumes"`
	Network   Network   `yaml:"network"`
}

type Daemon struct {
	SocketPath          string        `yaml:"socket_path"`
	SocketGroup         string        `yaml:"socket_group"`
	MaxClients          int           `yaml:"max_clients"`
	RPCWorkers          int           `yaml:"rpc_workers"`
	EventWorkers        int           `yaml:"event_workers"`
	CgroupRemoveTimeout time.Duration `yaml:"cgroup_remove_timeout"`
	FreezerWaitTimeout  time.Duration `yaml:"freezer_wait_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	DiskTimeout         time.Duration `yaml:"disk_timeout"`
	MetricsAddr         string        `yaml:"metrics_addr"`
	Debug               bool          `yaml:"debug"`
	PidFile             string        `yaml:"pid_file"`
}

type Log struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
	JSON  bool   `yaml:"json"`
}

type Keyval struct {
	// Root of the private tmpfs holding container (kvs) and volume
	// (pkvs) nodes.
	Path      string `yaml:"path"`
	TmpfsSize Size   `yaml:"tmpfs_size"`
}

type Container struct {
	MaxTotal     int           `yaml:"max_total"`
	MaxDepth     int           `yaml:"max_depth"`
	MaxLogSize   Size          `yaml:"max_log_size"`
	StdoutLimit  Size          `yaml:"stdout_limit"`
	AgingTime    time.Duration `yaml:"aging_time"`
	RespawnDelay time.Duration `yaml:"respawn_delay"`
	KillTimeout  time.Duration `yaml:"kill_timeout"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
}

type Volumes struct {
	Enabled     bool   `yaml:"enabled"`
	EnableQuota bool   `yaml:"enable_quota"`
	VolumeDir   string `yaml:"volume_dir"`
	LayerDir    string `yaml:"layer_dir"`
}

type Network struct {
	// Enabled gates non-host networking; with it off, a container
	// requesting an isolated namespace or macvlan fails to start.
	Enabled bool `yaml:"enabled"`
	// DefaultGuarantee is the egress rate shaped onto container
	// macvlan interfaces whose net property carries no rate of its
	// own, in bytes per second. Zero disables shaping.
	DefaultGuarantee Size `yaml:"default_guarantee"`
}

// Size is a byte count that unmarshals from either a number or a
// human-readable string ("64M", "1.5GiB").
type Size int64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	n, err := units.RAMInBytes(str)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", str, err)
	}
	*s = Size(n)
	return nil
}

func (s Size) Bytes() int64 { return int64(s) }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Daemon: Daemon{
			SocketPath:          "/run/wardend.socket",
			SocketGroup:         "warden",
			MaxClients:          512,
			RPCWorkers:          16,
			EventWorkers:        4,
			CgroupRemoveTimeout: 5 * time.Second,
			FreezerWaitTimeout:  10 * time.Second,
			RequestTimeout:      5 * time.Minute,
			DiskTimeout:         15 * time.Minute,
			PidFile:             "/run/wardend.pid",
		},
		Log: Log{
			Level: "info",
			Path:  "/var/log/wardend.log",
		},
		Keyval: Keyval{
			Path:      "/run/warden",
			TmpfsSize: Size(32 * units.MiB),
		},
		Container: Container{
			MaxTotal:     3000,
			MaxDepth:     7,
			MaxLogSize:   Size(10 * units.MiB),
			StdoutLimit:  Size(8 * units.MiB),
			AgingTime:    24 * time.Hour,
			RespawnDelay: time.Second,
			KillTimeout:  time.Second,
			StopTimeout:  30 * time.Second,
		},
		Volumes: Volumes{
			Enabled:     true,
			EnableQuota: true,
			VolumeDir:   "/place/warden_volumes",
			LayerDir:    "/place/warden_layers",
		},
		Network: Network{},
	}
}

// Load reads path and merges it over the defaults. A missing file is
// not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Daemon.MaxClients <= 0 {
		return fmt.Errorf("daemon.max_clients must be positive")
	}
	if c.Daemon.RPCWorkers <= 0 || c.Daemon.EventWorkers <= 0 {
		return fmt.Errorf("worker counts must be positive")
	}
	if c.Container.MaxTotal <= 0 {
		return fmt.Errorf("container.max_total must be positive")
	}
	if c.Container.MaxDepth <= 0 {
		return fmt.Errorf("container.max_depth must be positive")
	}
	return nil
}
