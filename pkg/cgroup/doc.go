/*
Package cgroup drives the v1 control-group hierarchies: creation,
attachment, knob access, the freezer and the kill-all protocol.

Subsystem mount points are resolved once from /proc/self/mountinfo.
The freezer hierarchy is required: NewController fails without it.
Other missing hierarchies are tolerated.

KillAll is the one ordering-sensitive operation:

	freeze → enumerate cgroup.procs → SIGKILL each → thaw → drain

Freezing first closes the fork race: no process can spawn a child
between enumeration and signal delivery. Freeze and Thaw poll
freezer.state up to the configured timeout and return Busy on a
stall, leaving the cgroup in its observed state so the caller can
choose kill-then-thaw.
*/
package cgroup
