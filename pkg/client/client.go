package client

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/cuemby/warden/api/rpc"
	"github.com/cuemby/warden/pkg/errdefs"
)

// DefaultSocket is where wardend listens.
const DefaultSocket = "/run/wardend.socket"

// Client speaks the warden protocol over the daemon's unix socket.
// One request is in flight at a time; the daemon answers in order.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// Connect dials the daemon socket.
func Connect(socket string) (*Client, error) {
	if socket == "" {
		socket = DefaultSocket
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, errdefs.Newf(errdefs.Unknown, "failed to connect to %s: %v", socket, err)
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: time.Minute,
	}, nil
}

// SetTimeout bounds each call; zero disables the bound.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Close terminates the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) call(req *rpc.Request) (*rpc.Response, error) {
	return c.callTimeout(req, 0)
}

// callTimeout performs one request/response exchange. extra widens the
// deadline beyond the default for long server-side waits.
func (c *Client) callTimeout(req *rpc.Request, extra time.Duration) (*rpc.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout + extra))
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := rpc.WriteFrame(c.conn, req.Marshal()); err != nil {
		return nil, errdefs.Newf(errdefs.Unknown, "failed to send request: %v", err)
	}
	data, err := rpc.ReadFrame(c.reader)
	if err != nil {
		return nil, errdefs.Newf(errdefs.Unknown, "failed to read response: %v", err)
	}
	resp, err := rpc.UnmarshalResponse(data)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Create registers a new container.
func (c *Client) Create(name string) error {
	_, err := c.call(&rpc.Request{Op: rpc.OpCreate, Name: name})
	return err
}

// Destroy removes a container.
func (c *Client) Destroy(name string) error {
	_, err := c.call(&rpc.Request{Op: rpc.OpDestroy, Name: name})
	return err
}

// Start launches a container.
func (c *Client) Start(name string) error {
	_, err := c.call(&rpc.Request{Op: rpc.OpStart, Name: name})
	return err
}

// Stop terminates a container, with an optional grace period.
func (c *Client) Stop(name string, timeout time.Duration) error {
	req := &rpc.Request{Op: rpc.OpStop, Name: name, TimeoutMs: uint64(timeout.Milliseconds())}
	_, err := c.callTimeout(req, timeout)
	return err
}

// Kill delivers a signal to the container's root process.
func (c *Client) Kill(name string, sig int32) error {
	_, err := c.call(&rpc.Request{Op: rpc.OpKill, Name: name, Signal: sig})
	return err
}

// Pause freezes a container.
func (c *Client) Pause(name string) error {
	_, err := c.call(&rpc.Request{Op: rpc.OpPause, Name: name})
	return err
}

// Resume thaws a paused container.
func (c *Client) Resume(name string) error {
	_, err := c.call(&rpc.Request{Op: rpc.OpResume, Name: name})
	return err
}

// List returns all container names.
func (c *Client) List() ([]string, error) {
	resp, err := c.call(&rpc.Request{Op: rpc.OpList})
	if err != nil {
		return nil, err
	}
	return resp.List, nil
}

// GetProperty reads one property.
func (c *Client) GetProperty(name, key string) (string, error) {
	resp, err := c.call(&rpc.Request{Op: rpc.OpGetProperty, Name: name, Key: key})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// SetProperty writes one property.
func (c *Client) SetProperty(name, key, value string) error {
	_, err := c.call(&rpc.Request{Op: rpc.OpSetProperty, Name: name, Key: key, Value: value})
	return err
}

// GetData reads one runtime data value.
func (c *Client) GetData(name, key string) (string, error) {
	resp, err := c.call(&rpc.Request{Op: rpc.OpGetData, Name: name, Key: key})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// Get reads many keys of many containers in one round trip.
func (c *Client) Get(names, keys []string, flags uint32) ([]rpc.KeyValue, error) {
	resp, err := c.call(&rpc.Request{Op: rpc.OpGet, Names: names, Keys: keys, Flags: flags})
	if err != nil {
		return nil, err
	}
	return resp.Pairs, nil
}

// PropertyList enumerates settable properties.
func (c *Client) PropertyList() ([]string, error) {
	resp, err := c.call(&rpc.Request{Op: rpc.OpPropertyList})
	if err != nil {
		return nil, err
	}
	return resp.List, nil
}

// DataList enumerates readable data keys.
func (c *Client) DataList() ([]string, error) {
	resp, err := c.call(&rpc.Request{Op: rpc.OpDataList})
	if err != nil {
		return nil, err
	}
	return resp.List, nil
}

// Wait blocks until one of the named containers (all when empty) hits
// a labeled transition (Dead or Stopped), or the timeout passes. Only
// transitions after the call registers are matched; a zero timeout
// polls the current states once. Returns the container name and the
// state it reached; an empty name means timeout.
func (c *Client) Wait(names []string, timeout time.Duration) (string, string, error) {
	req := &rpc.Request{Op: rpc.OpWait, Names: names, TimeoutMs: uint64(timeout.Milliseconds())}
	resp, err := c.callTimeout(req, timeout)
	if err != nil {
		return "", "", err
	}
	return resp.WaitName, resp.WaitState, nil
}

// CreateVolume constructs a volume.
func (c *Client) CreateVolume(spec rpc.VolumeSpec) error {
	_, err := c.call(&rpc.Request{Op: rpc.OpCreateVolume, Volume: &spec})
	return err
}

// DestroyVolume tears a volume down.
func (c *Client) DestroyVolume(path string) error {
	_, err := c.call(&rpc.Request{Op: rpc.OpDestroyVolume, Name: path})
	return err
}

// LinkVolume attaches a volume to a container.
func (c *Client) LinkVolume(path, container string) error {
	_, err := c.call(&rpc.Request{Op: rpc.OpLinkVolume, Name: path, Value: container})
	return err
}

// UnlinkVolume detaches a volume; the last unlink deconstructs it.
func (c *Client) UnlinkVolume(path, container string) error {
	_, err := c.call(&rpc.Request{Op: rpc.OpUnlinkVolume, Name: path, Value: container})
	return err
}

// ListVolumes enumerates volumes.
func (c *Client) ListVolumes() ([]rpc.VolumeInfo, error) {
	resp, err := c.call(&rpc.Request{Op: rpc.OpListVolumes})
	if err != nil {
		return nil, err
	}
	return resp.Volumes, nil
}

// ImportLayer unpacks a tarball as a named layer.
func (c *Client) ImportLayer(name, tarball string) error {
	_, err := c.call(&rpc.Request{Op: rpc.OpImportLayer, Name: name, Tarball: tarball})
	return err
}

// ExportLayer packs an overlay volume's written level into a tarball.
func (c *Client) ExportLayer(volumePath, tarball string) error {
	_, err := c.call(&rpc.Request{Op: rpc.OpExportLayer, Name: volumePath, Tarball: tarball})
	return err
}

// RemoveLayer deletes an unused layer.
func (c *Client) RemoveLayer(name string) error {
	_, err := c.call(&rpc.Request{Op: rpc.OpRemoveLayer, Name: name})
	return err
}

// ListLayers enumerates imported layers.
func (c *Client) ListLayers() ([]string, error) {
	resp, err := c.call(&rpc.Request{Op: rpc.OpListLayers})
	if err != nil {
		return nil, err
	}
	return resp.List, nil
}

// Version reports the daemon version.
func (c *Client) Version() (string, error) {
	resp, err := c.call(&rpc.Request{Op: rpc.OpVersion})
	if err != nil {
		return "", err
	}
	return resp.Version, nil
}
