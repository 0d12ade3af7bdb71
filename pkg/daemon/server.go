package daemon

import (
	"bufio"
	"context"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/cuemby/warden/api/rpc"
	"github.com/cuemby/warden/pkg/config"
	"github.com/cuemby/warden/pkg/container"
	"github.com/cuemby/warden/pkg/errdefs"
	"github.com/cuemby/warden/pkg/event"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/volume"
)

// Server owns the RPC socket: accept loop, per-connection readers and
// the bounded dispatch pool.
type Server struct {
	cfg     config.Daemon
	holder  *container.Holder
	volumes *volume.Manager
	version string
	onStart func(name string) // OOM notifier registration hook

	listener net.Listener
	pool     *event.Pool[*work]
	clients  atomic.Int64
	wg       sync.WaitGroup
	stopped  chan struct{}
	once     sync.Once
}

type work struct {
	req    *rpc.Request
	conn   net.Conn
	connMu *sync.Mutex
	id     string
}

// NewServer binds the unix socket with the configured group and mode.
func NewServer(cfg config.Daemon, holder *container.Holder, volumes *volume.Manager, version string, onStart func(string)) (*Server, error) {
	os.Remove(cfg.SocketPath)
	listener, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, errdefs.Newf(errdefs.Unknown, "failed to listen on %s: %v", cfg.SocketPath, err)
	}
	if err := os.Chmod(cfg.SocketPath, 0666); err != nil {
		listener.Close()
		return nil, errdefs.Newf(errdefs.Unknown, "failed to chmod socket: %v", err)
	}
	if cfg.SocketGroup != "" {
		if g, err := user.LookupGroup(cfg.SocketGroup); err == nil {
			gid, _ := strconv.Atoi(g.Gid)
			if err := os.Chown(cfg.SocketPath, -1, gid); err != nil {
				log.WithComponent("server").Warn().Err(err).Msg("failed to chown socket")
			}
		} else {
			log.WithComponent("server").Warn().Str("group", cfg.SocketGroup).Msg("socket group not found")
		}
	}

	s := &Server{
		cfg:      cfg,
		holder:   holder,
		volumes:  volumes,
		version:  version,
		onStart:  onStart,
		listener: listener,
		stopped:  make(chan struct{}),
	}
	s.pool = event.NewPool[*work]("rpc", cfg.RPCWorkers, cfg.RPCWorkers*4, s.handle)
	return s, nil
}

// Serve accepts connections until Stop. Blocks; run in a goroutine.
func (s *Server) Serve() {
	slog := log.WithComponent("server")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopped:
				return
			default:
			}
			slog.Warn().Err(err).Msg("accept failed")
			continue
		}
		if s.clients.Load() >= int64(s.cfg.MaxClients) {
			slog.Warn().Msg("client limit reached, dropping connection")
			conn.Close()
			continue
		}
		s.clients.Add(1)
		metrics.ClientsConnected.Inc()
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// Stop closes the socket and drains in-flight requests.
func (s *Server) Stop() {
	s.once.Do(func() { close(s.stopped) })
	s.listener.Close()
	s.wg.Wait()
	s.pool.Stop()
	os.Remove(s.cfg.SocketPath)
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.clients.Add(-1)
		metrics.ClientsConnected.Dec()
		s.wg.Done()
	}()

	reader := bufio.NewReader(conn)
	var connMu sync.Mutex
	for {
		data, err := rpc.ReadFrame(reader)
		if err != nil {
			return
		}
		req, err := rpc.UnmarshalRequest(data)
		if err != nil {
			connMu.Lock()
			rpc.WriteFrame(conn, (&rpc.Response{}).FromError(err).Marshal())
			connMu.Unlock()
			continue
		}
		w := &work{req: req, conn: conn, connMu: &connMu, id: uuid.NewString()}
		if !s.pool.Push(w) {
			return
		}
	}
}

func (s *Server) handle(w *work) event.Disposition {
	start := time.Now()
	ctx := context.Background()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	resp := s.dispatch(ctx, w.req)
	d := time.Since(start)

	code := errdefs.Kind(resp.Error).String()
	metrics.ObserveRPC(string(w.req.Op), code, d)
	log.WithComponent("rpc").Debug().
		Str("id", w.id).
		Str("op", string(w.req.Op)).
		Str("name", w.req.Name).
		Str("code", code).
		Dur("took", d).
		Msg("request handled")

	w.connMu.Lock()
	if err := rpc.WriteFrame(w.conn, resp.Marshal()); err != nil {
		log.WithComponent("rpc").Debug().Str("id", w.id).Err(err).Msg("client went away")
	}
	w.connMu.Unlock()
	return event.Handled
}

// dispatch routes one decoded request to the core. ctx carries the
// daemon's request deadline; blocking ops (Wait, disk-heavy volume
// and layer work) honor it.
func (s *Server) dispatch(ctx context.Context, req *rpc.Request) *rpc.Response {
	resp := &rpc.Response{}
	switch req.Op {
	case rpc.OpCreate:
		return resp.FromError(s.holder.Create(req.Name))
	case rpc.OpDestroy:
		return resp.FromError(s.holder.Destroy(req.Name))
	case rpc.OpStart:
		err := s.holder.Start(req.Name)
		if err == nil && s.onStart != nil {
			s.onStart(req.Name)
		}
		return resp.FromError(err)
	case rpc.OpStop:
		return resp.FromError(s.holder.Stop(req.Name, time.Duration(req.TimeoutMs)*time.Millisecond))
	case rpc.OpKill:
		return resp.FromError(s.holder.Kill(req.Name, unix.Signal(req.Signal)))
	case rpc.OpPause:
		return resp.FromError(s.holder.Pause(req.Name))
	case rpc.OpResume:
		return resp.FromError(s.holder.Resume(req.Name))
	case rpc.OpList:
		resp.List = s.holder.List()
		return resp
	case rpc.OpGetProperty:
		v, err := s.holder.GetProperty(req.Name, req.Key)
		resp.Value = v
		return resp.FromError(err)
	case rpc.OpSetProperty:
		return resp.FromError(s.holder.SetProperty(req.Name, req.Key, req.Value))
	case rpc.OpGetData:
		v, err := s.holder.GetData(req.Name, req.Key)
		resp.Value = v
		return resp.FromError(err)
	case rpc.OpGet:
		return s.bulkGet(req)
	case rpc.OpPropertyList:
		resp.List = container.PropertyList()
		return resp
	case rpc.OpDataList:
		resp.List = container.DataList()
		return resp
	case rpc.OpWait:
		return s.wait(ctx, req)
	case rpc.OpCreateVolume:
		if req.Volume == nil {
			return resp.FromError(errdefs.New(errdefs.InvalidValue, "missing volume spec"))
		}
		_, err := s.volumes.CreateVolume(ctx, volume.Spec{
			Path:     req.Volume.Path,
			Layer:    req.Volume.Layer,
			Backend:  volume.Backend(req.Volume.Backend),
			Quota:    req.Volume.Quota,
			ReadOnly: req.Volume.ReadOnly,
			Uid:      req.Volume.Uid,
			Gid:      req.Volume.Gid,
			Private:  req.Volume.Private,
		})
		return resp.FromError(err)
	case rpc.OpDestroyVolume:
		return resp.FromError(s.volumes.DestroyVolume(req.Name))
	case rpc.OpLinkVolume:
		if err := s.checkContainer(req.Value); err != nil {
			return resp.FromError(err)
		}
		return resp.FromError(s.volumes.LinkVolume(req.Name, req.Value))
	case rpc.OpUnlinkVolume:
		return resp.FromError(s.volumes.UnlinkVolume(req.Name, req.Value))
	case rpc.OpListVolumes:
		for _, info := range s.volumes.ListVolumes() {
			resp.Volumes = append(resp.Volumes, rpc.VolumeInfo{
				Path:    info.Path,
				Backend: string(info.Backend),
				Layer:   info.Layer,
				Quota:   info.Quota,
				Links:   info.Links,
			})
		}
		return resp
	case rpc.OpImportLayer:
		return resp.FromError(s.volumes.ImportLayer(ctx, req.Name, req.Tarball))
	case rpc.OpExportLayer:
		return resp.FromError(s.volumes.ExportLayer(ctx, req.Name, req.Tarball))
	case rpc.OpRemoveLayer:
		return resp.FromError(s.volumes.RemoveLayer(req.Name))
	case rpc.OpListLayers:
		resp.List = s.volumes.ListLayers()
		return resp
	case rpc.OpVersion:
		resp.Version = s.version
		return resp
	}
	return resp.FromError(errdefs.Newf(errdefs.InvalidValue, "unknown op %q", req.Op))
}

func (s *Server) checkContainer(name string) error {
	_, err := s.holder.State(name)
	return err
}

// bulkGet reads many keys of many containers; per-cell errors never
// fail the whole call.
func (s *Server) bulkGet(req *rpc.Request) *rpc.Response {
	resp := &rpc.Response{}
	names := req.Names
	if len(names) == 0 {
		names = s.holder.List()
	}
	for _, name := range names {
		if req.Flags&rpc.GetReal != 0 {
			if st, err := s.holder.State(name); err == nil && st == container.StateMeta {
				continue
			}
		}
		for _, key := range req.Keys {
			kv := rpc.KeyValue{Name: name, Key: key}
			v, err := s.getAny(name, key)
			if err != nil {
				kv.Error = int32(errdefs.GetKind(err))
				kv.ErrorMsg = err.Error()
			} else {
				kv.Value = v
			}
			resp.Pairs = append(resp.Pairs, kv)
		}
	}
	return resp
}

// getAny resolves key as data first, then as a property.
func (s *Server) getAny(name, key string) (string, error) {
	v, err := s.holder.GetData(name, key)
	if errdefs.GetKind(err) == errdefs.InvalidData {
		return s.holder.GetProperty(name, key)
	}
	return v, err
}

// wait implements labeled waiting: only transitions after this call
// registers are matched; a zero timeout polls current states once.
// The request deadline caps how long a waiter may park.
func (s *Server) wait(ctx context.Context, req *rpc.Request) *rpc.Response {
	resp := &rpc.Response{}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond

	if timeout == 0 {
		names := req.Names
		if len(names) == 0 {
			names = s.holder.List()
		}
		for _, name := range names {
			if st, err := s.holder.State(name); err == nil &&
				(st == container.StateDead || st == container.StateStopped) {
				resp.WaitName = name
				resp.WaitState = string(st)
				return resp
			}
		}
		return resp
	}

	ch, cancel := s.holder.AddWaiter(req.Names)
	defer cancel()
	select {
	case res := <-ch:
		resp.WaitName = res.Name
		resp.WaitState = string(res.State)
	case <-time.After(timeout):
		// empty name signals timeout
	case <-ctx.Done():
	case <-s.stopped:
	}
	return resp
}
