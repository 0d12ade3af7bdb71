/*
Package kvstore is the daemon's durable state: a flat directory of
node files on a private tmpfs, one node per container or volume.

A node is a sequence of length-delimited records; each record is a
protobuf-compatible list of key/value pairs. State changes append;
Load merges all records last-writer-wins. The length prefix makes a
crash mid-append detectable: the trailing half record is dropped with
a warning and everything before it is intact.

There is deliberately no fsync. The tmpfs dies with the machine, and
on restart the daemon reconciles what it loads against live kernel
state (cgroups, mounts, pids), which is the actual truth.
*/
package kvstore
