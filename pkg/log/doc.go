/*
Package log provides structured logging for Warden using zerolog.

The daemon logs JSON records to a file (console format on a tty during
development); every component obtains a child logger via WithComponent
so lines are filterable by subsystem, container or volume.

Two behaviors are specific to a supervisor daemon:

  - Reopen() is wired to SIGUSR1 so logrotate can move the file away
    and signal the daemon to start a fresh one.
  - Error() counts error lines; with daemon.debug enabled the first
    error is promoted to a crash so test runs fail at the first sign
    of trouble instead of limping on.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, Path: "/var/log/wardend.log"})
	cglog := log.WithComponent("cgroup")
	cglog.Debug().Str("path", cg.Path()).Msg("ensure cgroup")
*/
package log
