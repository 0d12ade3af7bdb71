/*
Package daemon wires the supervisor together: configuration, cgroup
controller, key-value stores, epoll loop, volume manager, holder and
the RPC server, plus the process signal table.

# Startup order

 1. logging, cgroup resolution (fatal when the freezer is missing)
 2. private tmpfs + kvs/pkvs stores
 3. restore: layers → volumes (mount reconcile) → containers (pid
    reclaim)
 4. accept loop on the unix socket

# Signals

	SIGHUP   reload configuration (log settings take effect)
	SIGUSR1  reopen the log file (external rotation)
	SIGUSR2  dump goroutine stacks to the log
	SIGTERM  graceful shutdown, exit 0
	SIGINT   same
	SIGPIPE  ignored

SIGCHLD does not appear: each task has a monitor goroutine whose
wait feeds the event queue, and the Go runtime reaps helpers (tar,
mkfs) through os/exec. SIGSEGV backtraces are the Go runtime's own.

The RPC surface is a bounded worker pool over length-delimited
protobuf frames; every request is logged with a uuid and measured
into prometheus.
*/
package daemon
