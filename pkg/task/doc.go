/*
Package task starts and supervises container payloads.

Go cannot fork, so the child side runs as a re-exec of the daemon
binary: /proc/self/exe init. The bootstrap protocol uses three
inherited descriptors:

	fd 3  task env, JSON, closed by the parent after writing
	fd 4  sync socketpair: child pid up, go byte down
	fd 5  status pipe: setup errors in the errdefs codec

The child joins its leaf cgroups first (everything it ever forks is
then accounted and freezable), unshares the requested namespaces,
reports readiness, and waits for the go byte while the parent moves
prepared network interfaces into the fresh namespace. After the go
byte it mounts (slave-rec /, rootfs, proc, sys, dev, pts, shm, binds,
pivot_root), applies rlimits, drops bounding capabilities, switches
credentials, reopens std streams and execs. The status pipe is
CLOEXEC: the parent reading EOF means the exec happened; anything
else is a serialized error and the container never reaches Running.

pid and user namespaces are the exception to "unshare in the child":
they only take effect for new tasks, so they are set at clone time
via SysProcAttr.

Reclaim adopts payloads that outlived a daemon restart. The new
daemon is not their parent, so exit codes are unobservable; a pidfd
still delivers the exit moment.
*/
package task
