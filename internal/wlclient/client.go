package wlclient

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"waymirror/internal/eventloop"
	"waymirror/internal/logger"
)

// wl_registry requests and events.
const (
	registryBind = 0

	registryEvGlobal       = 0
	registryEvGlobalRemove = 1
)

// wl_output events and the one request we use.
const (
	outputRelease = 0

	outputEvGeometry    = 0
	outputEvMode        = 1
	outputEvDone        = 2
	outputEvScale       = 3
	outputEvName        = 4
	outputEvDescription = 5

	outputModeCurrent = 0x1
)

// wl_seat events.
const (
	seatEvCapabilities = 0
	seatEvName         = 1
)

// Versions we ask the registry for when the compositor offers at least as
// much.
const (
	wantOutputVersion      = 4
	wantSeatVersion        = 2
	wantDataControlVersion = 2
)

// Output is one compositor output together with the metadata it advertised.
type Output struct {
	obj        *object
	globalName uint32
	version    uint32

	Name        string
	Description string
	Make        string
	Model       string
	X, Y        int
	Width       int
	Height      int
	RefreshmHz  int
	Scale       int
	Transform   int32
}

// ID is a stable identifier for the output: the advertised name when the
// compositor supplies one, otherwise the registry global name.
func (o *Output) ID() string {
	if o.Name != "" {
		return o.Name
	}
	return fmt.Sprintf("output-%d", o.globalName)
}

// Client owns the compositor connection and the globals waymirror binds.
type Client struct {
	conn *Conn
	log  *zerolog.Logger

	registry *object
	shm      *object
	seat     *object

	screencopyMgr      *object
	dataControlMgr     *object
	dataControlVersion uint32

	shmFormats []uint32
	outputs    []*Output
}

// Connect dials the compositor socket, enumerates globals, and waits for
// output metadata. An empty path resolves via the environment.
func Connect(path string) (*Client, error) {
	if path == "" {
		var err error
		path, err = SocketPath()
		if err != nil {
			return nil, err
		}
	}
	conn, err := dial(path)
	if err != nil {
		return nil, err
	}
	cl := &Client{conn: conn, log: logger.WithComponent("wlclient")}

	cl.registry = conn.newObject("wl_registry", cl.handleRegistryEvent)
	w := newMsgWriter(displayID, displayGetRegistry)
	w.putUint(cl.registry.id)
	conn.send(w)

	// First pass lists globals, second collects the state events the binds
	// triggered (output modes, shm formats).
	if err := conn.roundtrip(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.roundtrip(); err != nil {
		conn.Close()
		return nil, err
	}
	cl.log.Info().
		Int("outputs", len(cl.outputs)).
		Bool("screencopy", cl.screencopyMgr != nil).
		Bool("data_control", cl.dataControlMgr != nil).
		Msg("Connected to compositor")
	return cl, nil
}

// Attach hands dispatch to the loop; see Conn.Attach.
func (cl *Client) Attach(loop *eventloop.Loop) {
	cl.conn.Attach(loop)
}

// OnError installs the fatal-error callback on the underlying connection.
func (cl *Client) OnError(fn func(error)) {
	cl.conn.OnError(fn)
}

// Err returns the first fatal connection error, if any.
func (cl *Client) Err() error {
	return cl.conn.Err()
}

// Close tears the connection down.
func (cl *Client) Close() {
	cl.conn.Close()
}

// Outputs returns the outputs advertised so far.
func (cl *Client) Outputs() []*Output {
	return cl.outputs
}

// HasScreencopy reports whether the compositor offers the screen-copy
// manager.
func (cl *Client) HasScreencopy() bool {
	return cl.screencopyMgr != nil
}

// HasDataControl reports whether the compositor offers the data-control
// manager.
func (cl *Client) HasDataControl() bool {
	return cl.dataControlMgr != nil
}

func (cl *Client) bind(name uint32, iface string, version uint32, handle func(uint16, *argReader)) *object {
	o := cl.conn.newObject(iface, handle)
	w := newMsgWriter(cl.registry.id, registryBind)
	w.putUint(name)
	w.putString(iface)
	w.putUint(version)
	w.putUint(o.id)
	cl.conn.send(w)
	return o
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func (cl *Client) handleRegistryEvent(opcode uint16, r *argReader) {
	switch opcode {
	case registryEvGlobal:
		name := r.uint32()
		iface := r.string()
		version := r.uint32()
		cl.handleGlobal(name, iface, version)
	case registryEvGlobalRemove:
		cl.handleGlobalRemove(r.uint32())
	}
}

func (cl *Client) handleGlobal(name uint32, iface string, version uint32) {
	switch iface {
	case "wl_shm":
		cl.shm = cl.bind(name, iface, 1, cl.handleShmEvent)
	case "wl_seat":
		if cl.seat != nil {
			return
		}
		cl.seat = cl.bind(name, iface, min32(version, wantSeatVersion), handleSeatEvent)
	case "wl_output":
		out := &Output{globalName: name, Scale: 1, version: min32(version, wantOutputVersion)}
		out.obj = cl.bind(name, iface, out.version, out.handleEvent)
		cl.outputs = append(cl.outputs, out)
	case screencopyManagerIface:
		cl.screencopyMgr = cl.bind(name, iface, 1, nil)
	case dataControlManagerIface:
		cl.dataControlVersion = min32(version, wantDataControlVersion)
		cl.dataControlMgr = cl.bind(name, iface, cl.dataControlVersion, nil)
	}
}

func (cl *Client) handleGlobalRemove(name uint32) {
	for i, out := range cl.outputs {
		if out.globalName != name {
			continue
		}
		cl.log.Info().Str("output", out.ID()).Msg("Output removed by compositor")
		cl.outputs = append(cl.outputs[:i], cl.outputs[i+1:]...)
		// wl_output.release exists from version 3.
		if out.version >= 3 {
			cl.conn.send(newMsgWriter(out.obj.id, outputRelease))
		}
		cl.conn.unregister(out.obj.id)
		return
	}
}

func (cl *Client) handleShmEvent(opcode uint16, r *argReader) {
	if opcode == 0 {
		cl.shmFormats = append(cl.shmFormats, r.uint32())
	}
}

func handleSeatEvent(opcode uint16, r *argReader) {
	switch opcode {
	case seatEvCapabilities:
		r.uint32()
	case seatEvName:
		r.string()
	}
}

func (o *Output) handleEvent(opcode uint16, r *argReader) {
	switch opcode {
	case outputEvGeometry:
		o.X = int(r.int32())
		o.Y = int(r.int32())
		r.int32() // physical width
		r.int32() // physical height
		r.int32() // subpixel
		o.Make = r.string()
		o.Model = r.string()
		o.Transform = r.int32()
	case outputEvMode:
		flags := r.uint32()
		width := int(r.int32())
		height := int(r.int32())
		refresh := int(r.int32())
		if flags&outputModeCurrent != 0 {
			o.Width = width
			o.Height = height
			o.RefreshmHz = refresh
		}
	case outputEvDone:
	case outputEvScale:
		o.Scale = int(r.int32())
	case outputEvName:
		o.Name = r.string()
	case outputEvDescription:
		o.Description = r.string()
	}
}

// errNoGlobal builds the error for a missing compositor capability.
func errNoGlobal(iface string) error {
	return errors.New("compositor does not advertise " + iface)
}
