package volume

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/warden/pkg/config"
	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/fsutil"
	"github.com/cuemby/warden/pkg/kvstore"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
)

// Manager owns every layer and volume, their reference counts and
// their persisted nodes.
type Manager struct {
	cfg         config.Volumes
	store       *kvstore.Store
	diskTimeout time.Duration

	mu      sync.Mutex
	volumes map[string]*Volume // by normalized target path
	layers  map[string]*Layer  // by name
}

// NewManager prepares the on-disk trees. The layer registry starts
// empty; RestoreLayers fills it from the layer directory contents.
func NewManager(cfg config.Volumes, store *kvstore.Store, diskTimeout time.Duration) (*Manager, error) {
	for _, dir := range []string{cfg.VolumeDir, cfg.LayerDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errdefs.Newf(errdefs.Unknown, "failed to create %s: %v", dir, err)
		}
	}
	if err := os.MkdirAll(fsutil.Path(cfg.LayerDir).Join(tmpStaging).String(), 0755); err != nil {
		return nil, errdefs.Newf(errdefs.Unknown, "failed to create staging dir: %v", err)
	}
	m := &Manager{
		cfg:         cfg,
		store:       store,
		diskTimeout: diskTimeout,
		volumes:     make(map[string]*Volume),
		layers:      make(map[string]*Layer),
	}
	return m, nil
}

func (m *Manager) scratchDir(id string) fsutil.Path {
	return fsutil.Path(m.cfg.VolumeDir).Join(id)
}

func (m *Manager) imagePath(id string) fsutil.Path {
	return fsutil.Path(m.cfg.VolumeDir).Join(id + ".img")
}

func (m *Manager) layerDir(id string) fsutil.Path {
	return fsutil.Path(m.cfg.LayerDir).Join(id)
}

// layerRegistryNode is the reserved kv node holding the layer
// name → directory mapping; everything else in the store is a volume.
const layerRegistryNode = "_layers_"

func (m *Manager) saveLayerRegistry() error {
	m.mu.Lock()
	pairs := make([]kvstore.Pair, 0, len(m.layers))
	for name, l := range m.layers {
		pairs = append(pairs, kvstore.Pair{Key: name, Val: l.ID})
	}
	m.mu.Unlock()
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return m.store.Save(layerRegistryNode, pairs)
}

// diskCtx layers the disk-operation timeout onto the caller's request
// deadline; whichever expires first cancels the work.
func (m *Manager) diskCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, m.diskTimeout)
}

// ImportLayer registers and unpacks a named layer.
func (m *Manager) ImportLayer(ctx context.Context, name, tarball string) error {
	if name == "" || strings.ContainsAny(name, "/ \t") {
		return errdefs.Newf(errdefs.InvalidValue, "bad layer name %q", name)
	}
	m.mu.Lock()
	if _, ok := m.layers[name]; ok {
		m.mu.Unlock()
		return errdefs.Newf(errdefs.LayerAlreadyExists, "layer %q already imported", name)
	}
	l := &Layer{
		Name:    name,
		ID:      LayerID(tarball),
		Dir:     m.layerDir(LayerID(tarball)),
		Tarball: fsutil.Path(tarball),
	}
	// reserve the name before the slow unpack; concurrent imports of
	// the same name must fail, not queue
	m.layers[name] = l
	m.mu.Unlock()

	ctx, cancel := m.diskCtx(ctx)
	defer cancel()
	if err := l.Ensure(ctx, false); err != nil {
		m.mu.Lock()
		delete(m.layers, name)
		m.mu.Unlock()
		return err
	}
	if err := m.saveLayerRegistry(); err != nil {
		return err
	}
	metrics.LayersTotal.Set(float64(m.layerCount()))
	return nil
}

// ExportLayer packs the upper (written) level of an overlay volume
// into a tarball.
func (m *Manager) ExportLayer(ctx context.Context, volumePath, tarball string) error {
	m.mu.Lock()
	v, ok := m.volumes[normPath(volumePath)]
	if !ok {
		m.mu.Unlock()
		return errdefs.Newf(errdefs.VolumeNotFound, "no volume at %q", volumePath)
	}
	if v.Backend != BackendOverlay {
		m.mu.Unlock()
		return errdefs.New(errdefs.InvalidState, "only overlay volumes can be exported")
	}
	upper := m.scratchDir(v.ID).Join("upper")
	m.mu.Unlock()

	ctx, cancel := m.diskCtx(ctx)
	defer cancel()
	return fsutil.Pack(ctx, upper, fsutil.Path(tarball))
}

// RemoveLayer deletes a layer that no volume is using.
func (m *Manager) RemoveLayer(name string) error {
	m.mu.Lock()
	l, ok := m.layers[name]
	if !ok {
		m.mu.Unlock()
		return errdefs.Newf(errdefs.LayerNotFound, "no layer %q", name)
	}
	if l.users > 0 {
		m.mu.Unlock()
		return errdefs.Newf(errdefs.Busy, "layer %q is used by %d volumes", name, l.users)
	}
	delete(m.layers, name)
	m.mu.Unlock()

	if err := l.Remove(); err != nil {
		return err
	}
	if err := m.saveLayerRegistry(); err != nil {
		return err
	}
	metrics.LayersTotal.Set(float64(m.layerCount()))
	return nil
}

// ListLayers returns the imported layer names, sorted.
func (m *Manager) ListLayers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.layers))
	for name := range m.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) layerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.layers)
}

func normPath(p string) string {
	return fsutil.Path(p).NormPath().String()
}

// CreateVolume constructs a volume and persists its node. The
// construction is transactional: any failure rolls every artifact
// back, including the node.
func (m *Manager) CreateVolume(ctx context.Context, spec Spec) (*Volume, error) {
	if !m.cfg.Enabled {
		return nil, errdefs.New(errdefs.InvalidState, "volumes are disabled")
	}
	path := fsutil.Path(spec.Path)
	if err := path.Validate(); err != nil {
		return nil, err
	}
	spec.Path = normPath(spec.Path)
	if spec.Backend == "" {
		spec.Backend = BackendOverlay
	}

	m.mu.Lock()
	if _, ok := m.volumes[spec.Path]; ok {
		m.mu.Unlock()
		return nil, errdefs.Newf(errdefs.VolumeAlreadyExists, "volume %q already exists", spec.Path)
	}
	var layer *Layer
	if spec.Layer != "" {
		var ok bool
		layer, ok = m.layers[spec.Layer]
		if !ok {
			m.mu.Unlock()
			return nil, errdefs.Newf(errdefs.LayerNotFound, "no layer %q", spec.Layer)
		}
		layer.users++
	} else if spec.Backend == BackendOverlay {
		m.mu.Unlock()
		return nil, errdefs.New(errdefs.InvalidValue, "overlay volumes need a layer")
	}
	v := &Volume{
		Spec:      spec,
		ID:        LayerID(spec.Path),
		LoopIndex: -1,
		layer:     layer,
		links:     make(map[string]bool),
	}
	m.volumes[spec.Path] = v
	m.mu.Unlock()

	fail := func(err error) (*Volume, error) {
		m.mu.Lock()
		delete(m.volumes, spec.Path)
		if layer != nil {
			layer.users--
		}
		m.mu.Unlock()
		return nil, err
	}

	ctx, cancel := m.diskCtx(ctx)
	defer cancel()
	if err := v.construct(ctx, m); err != nil {
		return fail(err)
	}
	if err := m.store.Create(kvstore.SanitizeName(v.Path)); err != nil {
		v.deconstruct(m)
		return fail(err)
	}
	if err := v.persist(m.store); err != nil {
		m.store.Remove(kvstore.SanitizeName(v.Path))
		v.deconstruct(m)
		return fail(err)
	}

	metrics.VolumesTotal.WithLabelValues(string(v.Backend)).Inc()
	log.WithVolume(v.Path).Info().Str("backend", string(v.Backend)).Msg("volume created")
	return v, nil
}

// DestroyVolume tears a volume down regardless of links; RPC callers
// go through UnlinkVolume first, container destroy comes here via
// UnlinkAll.
func (m *Manager) DestroyVolume(path string) error {
	m.mu.Lock()
	v, ok := m.volumes[normPath(path)]
	if !ok {
		m.mu.Unlock()
		return errdefs.Newf(errdefs.VolumeNotFound, "no volume at %q", path)
	}
	delete(m.volumes, v.Path)
	if v.layer != nil {
		v.layer.users--
	}
	m.mu.Unlock()

	if err := v.deconstruct(m); err != nil {
		return err
	}
	if err := m.store.Remove(kvstore.SanitizeName(v.Path)); err != nil {
		return err
	}
	metrics.VolumesTotal.WithLabelValues(string(v.Backend)).Dec()
	log.WithVolume(v.Path).Info().Msg("volume destroyed")
	return nil
}

// GetVolume looks a volume up by target path.
func (m *Manager) GetVolume(path string) (*Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[normPath(path)]
	if !ok {
		return nil, errdefs.Newf(errdefs.VolumeNotFound, "no volume at %q", path)
	}
	return v, nil
}

// LinkVolume records that container uses the volume.
func (m *Manager) LinkVolume(path, container string) error {
	m.mu.Lock()
	v, ok := m.volumes[normPath(path)]
	if !ok {
		m.mu.Unlock()
		return errdefs.Newf(errdefs.VolumeNotFound, "no volume at %q", path)
	}
	v.links[container] = true
	m.mu.Unlock()
	return v.persist(m.store)
}

// UnlinkVolume drops the link; the last link deconstructs the volume.
func (m *Manager) UnlinkVolume(path, container string) error {
	m.mu.Lock()
	v, ok := m.volumes[normPath(path)]
	if !ok {
		m.mu.Unlock()
		return errdefs.Newf(errdefs.VolumeNotFound, "no volume at %q", path)
	}
	delete(v.links, container)
	empty := len(v.links) == 0
	m.mu.Unlock()

	if empty {
		return m.DestroyVolume(path)
	}
	return v.persist(m.store)
}

// UnlinkAll removes every link the container holds; volumes left
// without links are deconstructed. Called from container destroy.
func (m *Manager) UnlinkAll(container string) error {
	m.mu.Lock()
	var linked []string
	for path, v := range m.volumes {
		if v.links[container] {
			linked = append(linked, path)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, path := range linked {
		if err := m.UnlinkVolume(path, container); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Info is the List projection of a volume.
type Info struct {
	Path    string
	Backend Backend
	Layer   string
	Quota   int64
	Links   []string
}

// ListVolumes returns a snapshot of every volume, sorted by path.
func (m *Manager) ListVolumes() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.volumes))
	for _, v := range m.volumes {
		out = append(out, Info{
			Path:    v.Path,
			Backend: v.Backend,
			Layer:   v.Layer,
			Quota:   v.Quota,
			Links:   v.Links(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// RestoreFromStorage rebuilds the volume set from persisted nodes and
// reconciles with the live mount table: a node whose mount is gone is
// destroyed, an orphan scratch dir or image with no node is torn down.
// After it returns, mounted volume targets and persisted nodes match
// one to one.
func (m *Manager) RestoreFromStorage() error {
	vlog := log.WithComponent("volume")

	names, err := m.store.List()
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == layerRegistryNode {
			continue
		}
		pairs, err := m.store.Load(name)
		if err != nil {
			vlog.Warn().Str("node", name).Err(err).Msg("dropping unreadable volume node")
			m.store.Remove(name)
			continue
		}
		v, err := volumeFromNode(pairs)
		if err != nil {
			vlog.Warn().Str("node", name).Err(err).Msg("dropping malformed volume node")
			m.store.Remove(name)
			continue
		}
		if !fsutil.IsMountPoint(fsutil.Path(v.Path)) {
			vlog.Warn().Str("path", v.Path).Msg("persisted volume lost its mount, destroying")
			v.deconstruct(m)
			m.store.Remove(name)
			continue
		}
		m.mu.Lock()
		m.volumes[v.Path] = v
		if v.Layer != "" {
			if l, ok := m.layers[v.Layer]; ok {
				v.layer = l
				l.users++
			}
		}
		m.mu.Unlock()
		metrics.VolumesTotal.WithLabelValues(string(v.Backend)).Inc()
		vlog.Info().Str("path", v.Path).Msg("volume restored")
	}

	// orphans: scratch state without a node
	known := make(map[string]bool)
	m.mu.Lock()
	for _, v := range m.volumes {
		known[v.ID] = true
	}
	m.mu.Unlock()

	entries, err := os.ReadDir(m.cfg.VolumeDir)
	if err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to scan volume dir: %v", err)
	}
	for _, e := range entries {
		id := strings.TrimSuffix(e.Name(), ".img")
		if known[id] {
			continue
		}
		orphan := fsutil.Path(m.cfg.VolumeDir).Join(e.Name())
		vlog.Warn().Str("orphan", orphan.String()).Msg("tearing down orphan volume state")
		if err := fsutil.RemoveRecursive(orphan); err != nil {
			vlog.Warn().Err(err).Msg("failed to remove orphan")
		}
	}
	return nil
}

// RestoreLayers scans the layer directory and registers every finished
// layer, recovering the user-visible names from the registry node.
// The sentinel file is the truth: unfinished unpacks are removed.
func (m *Manager) RestoreLayers() error {
	named, err := m.store.Load(layerRegistryNode)
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	entries, err := os.ReadDir(m.cfg.LayerDir)
	if err != nil {
		return errdefs.Newf(errdefs.Unknown, "failed to scan layer dir: %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idToName := make(map[string]string, len(named))
	for name, id := range named {
		idToName[id] = name
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == tmpStaging {
			continue
		}
		dir := m.layerDir(e.Name())
		if !dir.Join(doneSentinel).Exists() {
			log.WithComponent("layer").Warn().Str("dir", dir.String()).Msg("removing unfinished layer")
			fsutil.RemoveRecursive(dir)
			continue
		}
		name := idToName[e.Name()]
		if name == "" {
			name = e.Name()
		}
		m.layers[name] = &Layer{Name: name, ID: e.Name(), Dir: dir}
	}
	metrics.LayersTotal.Set(float64(len(m.layers)))
	return nil
}
