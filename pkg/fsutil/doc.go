/*
Package fsutil is the privileged filesystem toolbox the rest of the
daemon builds on: a lexical Path type, mount(2) wrappers with the full
flag vocabulary, loop device allocation, ext4 project quotas, xattrs,
atomic writes, tar spawning and a pre/post-order directory walker.

Two invariants every caller relies on:

  - Every mount/umount/loop operation logs what it is about to do
    before issuing the syscall, so a crash leaves a trail.
  - RemoveRecursive never crosses a device boundary; a foreign
    submount stops the walk with Busy instead of eating it.

Path normalization is purely lexical (fold "." and "..", never
resolve symlinks), which is what container path validation needs:
NormPath(NormPath(p)) == NormPath(p) for all p.
*/
package fsutil
