package daemon

import (
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/cgroup"
	"github.com/cuemby/warden/pkg/config"
	"github.com/cuemby/warden/pkg/container"
	"github.com/cuemby/warden/pkg/epoll"
	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/fsutil"
	"github.com/cuemby/warden/pkg/kvstore"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/volume"
)

// Daemon wires every subsystem together and runs the signal loop.
type Daemon struct {
	cfg     *config.Config
	cfgPath string
	version string

	cgroups *cgroup.Controller
	kvs     *kvstore.Store
	pkvs    *kvstore.Store
	holder  *container.Holder
	volumes *volume.Manager
	loop    *epoll.Loop
	server  *Server
}

// New builds the daemon from a loaded configuration. Fails fast on
// anything that would make supervision unsound: no cgroup hierarchy,
// no state directory, no socket.
func New(cfg *config.Config, cfgPath, version string) (*Daemon, error) {
	d := &Daemon{cfg: cfg, cfgPath: cfgPath, version: version}

	if err := log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		Path:       cfg.Log.Path,
		JSONOutput: cfg.Log.JSON,
		Debug:      cfg.Daemon.Debug,
	}); err != nil {
		return nil, errdefs.Newf(errdefs.Unknown, "failed to init logging: %v", err)
	}
	log.SetCrashHandler(func(msg string) {
		log.Fatal("debug mode crash: " + msg)
	})

	var err error
	d.cgroups, err = cgroup.NewController(cgroup.Config{
		FreezerTimeout: cfg.Daemon.FreezerWaitTimeout,
		RemoveTimeout:  cfg.Daemon.CgroupRemoveTimeout,
	})
	if err != nil {
		return nil, err
	}

	// state lives on a private tmpfs: reconstructed from kernel truth
	// after reboot, merged after a plain daemon restart
	root := fsutil.Path(cfg.Keyval.Path)
	if err := kvstore.MountTmpfs(root, cfg.Keyval.TmpfsSize.Bytes()); err != nil {
		log.WithComponent("daemon").Warn().Err(err).Msg("running without private tmpfs")
	}
	if d.kvs, err = kvstore.Open(root.Join("kvs")); err != nil {
		return nil, err
	}
	if d.pkvs, err = kvstore.Open(root.Join("pkvs")); err != nil {
		return nil, err
	}

	if d.loop, err = epoll.NewLoop(); err != nil {
		return nil, err
	}

	if d.volumes, err = volume.NewManager(cfg.Volumes, d.pkvs, cfg.Daemon.DiskTimeout); err != nil {
		return nil, err
	}

	d.holder = container.NewHolder(container.Config{
		MaxTotal:       cfg.Container.MaxTotal,
		MaxDepth:       cfg.Container.MaxDepth,
		AgingTime:      cfg.Container.AgingTime,
		RespawnDelay:   cfg.Container.RespawnDelay,
		KillTimeout:    cfg.Container.KillTimeout,
		StopTimeout:    cfg.Container.StopTimeout,
		StdoutLimit:    cfg.Container.StdoutLimit.Bytes(),
		MaxLogSize:     cfg.Container.MaxLogSize.Bytes(),
		EventWorkers:   cfg.Daemon.EventWorkers,
		NetworkEnabled: cfg.Network.Enabled,
		NetGuarantee:   cfg.Network.DefaultGuarantee.Bytes(),
		Cgroups:        d.cgroups,
		Store:          d.kvs,
		Volumes:        d.volumes,
		OnDestroy:      func(name string) { d.loop.RemoveContainer(name) },
	})

	if d.server, err = NewServer(cfg.Daemon, d.holder, d.volumes, version, d.registerOOM); err != nil {
		return nil, err
	}
	return d, nil
}

// registerOOM arms the memory-cgroup OOM notifier for a freshly
// started container and parks the eventfd on the epoll loop. The fd
// survives respawns because the cgroup does; Stop removes the cgroup,
// which HUPs the fd out of the loop.
func (d *Daemon) registerOOM(name string) {
	if !d.cgroups.Supported(cgroup.Memory) {
		return
	}
	fd, err := d.cgroups.RegisterOOM(container.CgroupPath(name))
	if err != nil {
		log.WithContainer(name).Warn().Err(err).Msg("failed to arm OOM notifier")
		return
	}
	if err := d.loop.AddSource(fd, name); err != nil {
		unix.Close(fd)
		log.WithContainer(name).Warn().Err(err).Msg("failed to watch OOM notifier")
	}
}

// Run restores state, starts serving and blocks until a shutdown
// signal arrives. Returns the exit code.
func (d *Daemon) Run() int {
	dlog := log.WithComponent("daemon")
	dlog.Info().Str("version", d.version).Msg("wardend starting")

	if err := os.WriteFile(d.cfg.Daemon.PidFile,
		[]byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		dlog.Warn().Err(err).Msg("failed to write pid file")
	}

	// reconcile persisted state against the live kernel before
	// accepting requests
	if err := d.volumes.RestoreLayers(); err != nil {
		log.Error(err, "layer restore failed")
	}
	if err := d.volumes.RestoreFromStorage(); err != nil {
		log.Error(err, "volume restore failed")
	}
	if err := d.holder.RestoreFromStorage(); err != nil {
		log.Error(err, "container restore failed")
	}
	d.holder.StartLogRotation()

	go d.loop.Run(func(src epoll.Source, events uint32) {
		var buf [8]byte
		unix.Read(src.Fd, buf[:])
		if events&unix.EPOLLIN != 0 && src.Container != "" {
			d.holder.NotifyOOM(src.Container)
		}
	})
	go d.server.Serve()

	if d.cfg.Daemon.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(d.cfg.Daemon.MetricsAddr); err != nil {
				log.Error(err, "metrics endpoint failed")
			}
		}()
	}

	code := d.signalLoop()

	dlog.Info().Msg("wardend shutting down")
	d.server.Stop()
	d.holder.Close()
	d.loop.Stop()
	os.Remove(d.cfg.Daemon.PidFile)
	return code
}

// signalLoop implements the daemon's signal table. SIGCHLD is absent
// on purpose: payload reaping rides on per-task monitors.
func (d *Daemon) signalLoop() int {
	signal.Ignore(syscall.SIGPIPE)
	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2,
		syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	dlog := log.WithComponent("daemon")
	for sig := range sigs {
		switch sig {
		case syscall.SIGHUP:
			dlog.Info().Msg("reloading configuration")
			d.reload()
		case syscall.SIGUSR1:
			if err := log.Reopen(); err != nil {
				dlog.Warn().Err(err).Msg("log reopen failed")
			} else {
				dlog.Info().Msg("log reopened")
			}
		case syscall.SIGUSR2:
			d.dumpStacks()
		case syscall.SIGTERM, syscall.SIGINT:
			dlog.Info().Str("signal", sig.String()).Msg("shutdown requested")
			return 0
		}
	}
	return 0
}

// reload re-reads the config file and applies the new log settings.
// The container section is stored in d.cfg, but the running holder
// keeps the limits and timeouts it was built with.
func (d *Daemon) reload() {
	cfg, err := config.Load(d.cfgPath)
	if err != nil {
		log.Error(err, "config reload failed, keeping the old one")
		return
	}
	if err := log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		Path:       cfg.Log.Path,
		JSONOutput: cfg.Log.JSON,
		Debug:      cfg.Daemon.Debug,
	}); err != nil {
		log.Error(err, "failed to apply new log settings")
	}
	d.cfg.Log = cfg.Log
	d.cfg.Container = cfg.Container
}

func (d *Daemon) dumpStacks() {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	log.WithComponent("daemon").Info().Msg("goroutine dump:\n" + string(buf[:n]))
}
