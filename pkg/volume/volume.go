package volume

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/fsutil"
	"github.com/cuemby/warden/pkg/kvstore"
	"github.com/cuemby/warden/pkg/log"
)

// Backend selects the volume implementation.
type Backend string

const (
	// BackendOverlay mounts overlayfs over a layer with a writable
	// upper directory under project quota.
	BackendOverlay Backend = "overlay"
	// BackendLoop gives the volume its own ext4 filesystem on a
	// loop-mounted image of exactly quota bytes.
	BackendLoop Backend = "loop"
)

// Spec is the user-visible description of a volume.
type Spec struct {
	Path     string
	Layer    string
	Backend  Backend
	Quota    int64
	ReadOnly bool
	Uid      uint32
	Gid      uint32
	Private  string
}

// Volume is one constructed writable mount.
type Volume struct {
	Spec

	// ID keys the scratch area: hex sha-256 of the target path.
	ID string

	LoopIndex int

	layer *Layer
	links map[string]bool
}

// Links returns the names of containers using the volume.
func (v *Volume) Links() []string {
	out := make([]string, 0, len(v.links))
	for name := range v.links {
		out = append(out, name)
	}
	return out
}

// rollback is the compensation stack for transactional construction:
// every completed step pushes its undo; Disarm on success.
type rollback struct {
	fns []func()
}

func (r *rollback) push(fn func()) { r.fns = append(r.fns, fn) }

func (r *rollback) Disarm() { r.fns = nil }

func (r *rollback) Run() {
	for i := len(r.fns) - 1; i >= 0; i-- {
		r.fns[i]()
	}
	r.fns = nil
}

// construct builds the on-disk state for the volume. On error nothing
// is left behind.
func (v *Volume) construct(ctx context.Context, m *Manager) error {
	var rb rollback
	defer rb.Run()

	target := fsutil.Path(v.Path)
	if err := os.MkdirAll(target.String(), 0755); err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to create volume target: %v", err)
	}

	switch v.Backend {
	case BackendOverlay:
		if err := v.constructOverlay(m, &rb); err != nil {
			return err
		}
	case BackendLoop:
		if err := v.constructLoop(ctx, m, &rb); err != nil {
			return err
		}
	default:
		return errdefs.Newf(errdefs.InvalidValue, "unknown backend %q", v.Backend)
	}

	if err := os.Chown(v.Path, int(v.Uid), int(v.Gid)); err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to chown volume: %v", err)
	}
	if v.ReadOnly {
		if err := fsutil.Remount(target, unix.MS_BIND|unix.MS_RDONLY); err != nil {
			return err
		}
	}

	rb.Disarm()
	return nil
}

func (v *Volume) constructOverlay(m *Manager, rb *rollback) error {
	scratch := m.scratchDir(v.ID)
	upper := scratch.Join("upper")
	work := scratch.Join("work")
	for _, d := range []fsutil.Path{upper, work} {
		if err := os.MkdirAll(d.String(), 0755); err != nil {
			return errdefs.Newf(errdefs.Unknown, "failed to create %s: %v", d, err)
		}
	}
	rb.push(func() { fsutil.RemoveRecursive(scratch) })

	if v.Quota > 0 && m.cfg.EnableQuota && fsutil.ProjQuotaSupported(upper) {
		if err := fsutil.ProjQuotaCreate(upper, uint64(v.Quota)); err != nil {
			return err
		}
		rb.push(func() { fsutil.ProjQuotaDestroy(upper) })
	}

	data := "lowerdir=" + v.layer.Dir.String() +
		",upperdir=" + upper.String() +
		",workdir=" + work.String()
	if err := fsutil.Mount("overlay", fsutil.Path(v.Path), "overlay", 0, data); err != nil {
		return err
	}
	rb.push(func() { fsutil.UmountLazy(fsutil.Path(v.Path)) })
	return nil
}

func (v *Volume) constructLoop(ctx context.Context, m *Manager, rb *rollback) error {
	image := m.imagePath(v.ID)
	quota := v.Quota
	if quota == 0 {
		quota = 1 << 30 // loop volumes always have a size; default 1G
	}
	if err := fsutil.Fallocate(image, quota); err != nil {
		return err
	}
	rb.push(func() { os.Remove(image.String()) })

	if err := mkfsExt4(ctx, image); err != nil {
		return err
	}

	index, err := fsutil.LoopAttach(image)
	if err != nil {
		return err
	}
	v.LoopIndex = index
	rb.push(func() { fsutil.LoopDetach(index) })

	if err := fsutil.Mount(fsutil.LoopDevice(index).String(), fsutil.Path(v.Path), "ext4", 0, ""); err != nil {
		return err
	}
	rb.push(func() { fsutil.UmountLazy(fsutil.Path(v.Path)) })

	if v.layer != nil {
		if err := copyTree(ctx, v.layer.Dir, fsutil.Path(v.Path)); err != nil {
			return err
		}
	}
	return nil
}

// deconstruct tears the volume down. Idempotent: missing artifacts
// are skipped so a half-destroyed volume can be finished off.
func (v *Volume) deconstruct(m *Manager) error {
	vlog := log.WithVolume(v.Path)
	target := fsutil.Path(v.Path)

	if fsutil.IsMountPoint(target) {
		if err := fsutil.Umount(target); err != nil {
			vlog.Warn().Err(err).Msg("busy volume, detaching lazily")
			if err := fsutil.UmountLazy(target); err != nil {
				return err
			}
		}
	}

	switch v.Backend {
	case BackendOverlay:
		scratch := m.scratchDir(v.ID)
		upper := scratch.Join("upper")
		if m.cfg.EnableQuota && upper.Exists() {
			if err := fsutil.ProjQuotaDestroy(upper); err != nil && !errdefs.IsNotFound(err) {
				vlog.Warn().Err(err).Msg("failed to drop project quota")
			}
		}
		if err := fsutil.RemoveRecursive(scratch); err != nil {
			return err
		}
	case BackendLoop:
		if v.LoopIndex >= 0 {
			if err := fsutil.LoopDetach(v.LoopIndex); err != nil {
				return err
			}
		}
		if err := os.Remove(m.imagePath(v.ID).String()); err != nil && !os.IsNotExist(err) {
			return errdefs.Newf(errdefs.Unknown, "failed to remove image: %v", err)
		}
	}
	return nil
}

func mkfsExt4(ctx context.Context, image fsutil.Path) error {
	cmd := exec.CommandContext(ctx, "mkfs.ext4", "-q", "-F", image.String())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errdefs.Newf(errdefs.Unknown, "mkfs.ext4 failed: %v: %s", err, stderr.String())
	}
	return nil
}

func copyTree(ctx context.Context, src, dst fsutil.Path) error {
	cmd := exec.CommandContext(ctx, "cp", "-a", src.String()+"/.", dst.String())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errdefs.Newf(errdefs.Unknown, "copy failed: %v: %s", err, stderr.String())
	}
	return nil
}

// persist writes the volume node. Appended on every link change so
// restore sees the latest link set.
func (v *Volume) persist(store *kvstore.Store) error {
	links := ""
	for name := range v.links {
		if links != "" {
			links += ","
		}
		links += name
	}
	pairs := []kvstore.Pair{
		{Key: "path", Val: v.Path},
		{Key: "backend", Val: string(v.Backend)},
		{Key: "layer", Val: v.Layer},
		{Key: "quota", Val: strconv.FormatInt(v.Quota, 10)},
		{Key: "read_only", Val: strconv.FormatBool(v.ReadOnly)},
		{Key: "uid", Val: strconv.FormatUint(uint64(v.Uid), 10)},
		{Key: "gid", Val: strconv.FormatUint(uint64(v.Gid), 10)},
		{Key: "loop_index", Val: strconv.Itoa(v.LoopIndex)},
		{Key: "private", Val: v.Private},
		{Key: "links", Val: links},
	}
	return store.Append(kvstore.SanitizeName(v.Path), pairs)
}

func volumeFromNode(pairs map[string]string) (*Volume, error) {
	path, ok := pairs["path"]
	if !ok {
		return nil, errdefs.New(errdefs.InvalidData, "volume node without path")
	}
	v := &Volume{
		Spec: Spec{
			Path:    path,
			Layer:   pairs["layer"],
			Backend: Backend(pairs["backend"]),
			Private: pairs["private"],
		},
		ID:        LayerID(path),
		LoopIndex: -1,
		links:     make(map[string]bool),
	}
	if q, err := strconv.ParseInt(pairs["quota"], 10, 64); err == nil {
		v.Quota = q
	}
	if ro, err := strconv.ParseBool(pairs["read_only"]); err == nil {
		v.ReadOnly = ro
	}
	if uid, err := strconv.ParseUint(pairs["uid"], 10, 32); err == nil {
		v.Uid = uint32(uid)
	}
	if gid, err := strconv.ParseUint(pairs["gid"], 10, 32); err == nil {
		v.Gid = uint32(gid)
	}
	if li, err := strconv.Atoi(pairs["loop_index"]); err == nil {
		v.LoopIndex = li
	}
	if links := pairs["links"]; links != "" {
		for _, name := range splitLinks(links) {
			v.links[name] = true
		}
	}
	return v, nil
}

func splitLinks(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
