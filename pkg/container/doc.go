/*
Package container implements the supervisor core: the container state
machine, the property/data namespace and the Holder that owns them.

# Architecture

	┌─────────────────── HOLDER ────────────────────┐
	│  one mutex over the container map              │
	│                                                │
	│  Create ──► Stopped ──Start──► Running         │
	│                ▲               │    ▲          │
	│                │          Pause│    │Resume    │
	│                │               ▼    │          │
	│                │             Paused │          │
	│                │               │exit│          │
	│                │◄──Stop────── Dead ◄┘          │
	│                │               │               │
	│            Destroy          respawn / aging    │
	└────────────────────────────────────────────────┘

Blocking work (cgroup writes, task start, freezer kills) runs with the
mutex released and the container marked busy; concurrent mutators fail
with Busy instead of interleaving. Operations are holder methods
taking the container name, so nothing holds references into the map.

# Hierarchy

Names form a tree with "/" separators. A parent must be started
(Running or Meta) before its children; Stop takes the whole subtree
down children-first; Destroy refuses while descendants exist. A
container without a command starts into Meta and only aggregates its
children.

# Persistence

Every state-changing mutation appends a record to the container's
kvstore node. After a daemon restart RestoreFromStorage reloads the
nodes, then reconciles Running containers against the freezer
hierarchy: live pids are reclaimed (exit detection falls back to
pidfd polling since parentage was lost), dead ones are forced Stopped
with the failure recorded in start_error.

# Events

Exits, respawns, aging destroys and OOM notifications all flow
through the holder's timed event queue, so ordering is the queue's:
due-time order, FIFO on ties, superseded events dropped unhandled.
*/
package container
