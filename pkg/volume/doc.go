/*
Package volume manages content-addressed layers and the writable
volumes constructed over them.

# Layers

A layer is an immutable unpacked tarball under
<layers>/<sha256-of-source-path>, finished by a .done sentinel.
Imports stage under _tmp_ and rename into place, so a crashed import
never masquerades as complete. aufs-style whiteouts (.wh.<name>,
.wh..wh..opq) are rewritten to overlayfs form during unpack.

# Volumes

	overlay: <volumes>/<sha256(path)>/{upper,work}, mounted
	         overlayfs with the layer as lowerdir; ext4 project
	         quota on upper when the filesystem supports it
	loop:    <volumes>/<sha256(path)>.img, fallocated to the quota,
	         mkfs.ext4, attached under the loop-control lock,
	         mounted at the target, layer contents copied in

Construction is transactional through a compensation stack: any
failure unwinds loop devices, mounts, quotas, directories and the
persisted node. Deconstruct is idempotent and tolerates missing
artifacts.

# Reference counting and persistence

A volume carries the set of container names linked to it; the last
unlink deconstructs it, and a container destroy unlinks everything it
held. A layer is pinned while any volume references it; RemoveLayer
refuses with Busy until then.

Every volume persists a node keyed by its sanitized path. On restart
RestoreFromStorage rebuilds volumes from nodes and reconciles against
the mount table both ways: nodes without a live mount are destroyed,
scratch state without a node is torn down. Afterwards mounted targets
and persisted nodes are in bijection.
*/
package volume
