package wlclient

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"waymirror/internal/eventloop"
	"waymirror/internal/logger"
)

// wl_display lives at id 1; ids the client allocates start at 2. Ids at or
// above serverIDBase belong to the server and are never recycled by us.
const (
	displayID    = 1
	clientIDBase = 2
	serverIDBase = 0xff000000
)

// wl_display requests and events.
const (
	displaySync        = 0
	displayGetRegistry = 1

	displayEvError    = 0
	displayEvDeleteID = 1
)

type object struct {
	id     uint32
	iface  string
	handle func(opcode uint16, r *argReader)
	user   any
}

// Conn is one wire connection. It is not safe for concurrent use: requests
// and dispatch belong to the goroutine doing setup until Attach, and to the
// event-loop thread afterwards. Only the socket reader runs elsewhere.
type Conn struct {
	uc   *net.UnixConn
	log  *zerolog.Logger
	loop *eventloop.Loop

	nextID  uint32
	freeIDs []uint32
	objects map[uint32]*object

	fds     fdQueue
	pending []byte
	scratch []byte
	oob     []byte

	display  *object
	attached bool
	closing  atomic.Bool

	err     error
	onError func(error)
}

// SocketPath resolves the compositor socket from the environment.
func SocketPath() (string, error) {
	display := os.Getenv("WAYLAND_DISPLAY")
	if display == "" {
		display = "wayland-0"
	}
	if filepath.IsAbs(display) {
		return display, nil
	}
	runtime := os.Getenv("XDG_RUNTIME_DIR")
	if runtime == "" {
		return "", errors.New("XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(runtime, display), nil
}

func dial(path string) (*Conn, error) {
	uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("connect to compositor at %s: %w", path, err)
	}
	c := &Conn{
		uc:      uc,
		log:     logger.WithComponent("wlclient"),
		nextID:  clientIDBase,
		objects: make(map[uint32]*object),
		scratch: make([]byte, maxMessageSize),
		oob:     make([]byte, 1024),
	}
	c.display = c.register(displayID, "wl_display", c.handleDisplayEvent)
	return c, nil
}

func (c *Conn) newID() uint32 {
	if n := len(c.freeIDs); n > 0 {
		id := c.freeIDs[n-1]
		c.freeIDs = c.freeIDs[:n-1]
		return id
	}
	id := c.nextID
	c.nextID++
	return id
}

func (c *Conn) newObject(iface string, handle func(uint16, *argReader)) *object {
	return c.register(c.newID(), iface, handle)
}

func (c *Conn) register(id uint32, iface string, handle func(uint16, *argReader)) *object {
	o := &object{id: id, iface: iface, handle: handle}
	c.objects[id] = o
	return o
}

// unregister stops event dispatch for id. A client id stays out of the free
// list until the server acknowledges the deletion.
func (c *Conn) unregister(id uint32) {
	delete(c.objects, id)
}

// Err returns the first fatal connection error, if any.
func (c *Conn) Err() error {
	return c.err
}

// OnError installs a callback fired once when the connection fails. After
// Attach it runs on the loop thread.
func (c *Conn) OnError(fn func(error)) {
	c.onError = fn
}

func (c *Conn) fail(err error) {
	if c.err != nil || c.closing.Load() {
		return
	}
	c.err = err
	c.log.Error().Err(err).Msg("Compositor connection failed")
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Conn) send(w *msgWriter) {
	if c.err != nil {
		return
	}
	buf, fds, err := w.finish()
	if err != nil {
		c.fail(err)
		return
	}
	var rights []byte
	if len(fds) > 0 {
		rights = unix.UnixRights(fds...)
	}
	if _, _, err := c.uc.WriteMsgUnix(buf, rights, nil); err != nil {
		c.fail(fmt.Errorf("write request: %w", err))
	}
}

func (c *Conn) handleDisplayEvent(opcode uint16, r *argReader) {
	switch opcode {
	case displayEvError:
		objectID := r.uint32()
		code := r.uint32()
		text := r.string()
		c.fail(fmt.Errorf("protocol error on object %d: %s (code %d)", objectID, text, code))
	case displayEvDeleteID:
		id := r.uint32()
		c.unregister(id)
		if id >= clientIDBase && id < serverIDBase {
			c.freeIDs = append(c.freeIDs, id)
		}
	}
}

// readOnce performs one blocking read and returns the complete messages it
// yielded plus any descriptors that rode along.
func (c *Conn) readOnce(buf, oob []byte) ([]message, []int, error) {
	n, oobn, _, _, err := c.uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, nil, fmt.Errorf("read: %w", err)
	}
	var fds []int
	if oobn > 0 {
		fds, err = parseRights(oob[:oobn])
		if err != nil {
			return nil, nil, err
		}
	}
	c.pending = append(c.pending, buf[:n]...)
	msgs, tail, err := parseMessages(c.pending)
	if err != nil {
		return nil, nil, err
	}
	c.pending = append(c.pending[:0], tail...)
	return msgs, fds, nil
}

func parseRights(oob []byte) ([]int, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for i := range scms {
		got, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

func (c *Conn) dispatch(m message) {
	o, ok := c.objects[m.object]
	if !ok {
		// Expected for events already in flight when an object is destroyed.
		c.log.Debug().Uint32("object", m.object).Uint16("opcode", m.opcode).
			Msg("Dropping event for destroyed object")
		return
	}
	if o.handle == nil {
		return
	}
	r := &argReader{data: m.data, fds: &c.fds}
	o.handle(m.opcode, r)
	if r.err != nil {
		c.fail(fmt.Errorf("decode %s event %d: %w", o.iface, m.opcode, r.err))
	}
}

// roundtrip sends wl_display.sync and pumps the socket until the callback
// fires. Valid only before Attach.
func (c *Conn) roundtrip() error {
	if c.attached {
		return errors.New("roundtrip after attach")
	}
	done := false
	cb := c.newObject("wl_callback", nil)
	cb.handle = func(uint16, *argReader) {
		done = true
	}
	w := newMsgWriter(displayID, displaySync)
	w.putUint(cb.id)
	c.send(w)
	for !done && c.err == nil {
		msgs, fds, err := c.readOnce(c.scratch, c.oob)
		if err != nil {
			c.fail(err)
			break
		}
		c.fds.push(fds...)
		for _, m := range msgs {
			c.dispatch(m)
		}
	}
	return c.err
}

// Attach moves event dispatch onto the loop. The reader goroutine parses
// off the socket and posts batches; every handler runs on the loop thread.
func (c *Conn) Attach(loop *eventloop.Loop) {
	c.loop = loop
	c.attached = true
	go c.readPump()
}

func (c *Conn) readPump() {
	buf := make([]byte, maxMessageSize)
	oob := make([]byte, 1024)
	for {
		msgs, fds, err := c.readOnce(buf, oob)
		if err != nil {
			if !c.closing.Load() {
				c.loop.Post(func() { c.fail(err) })
			}
			return
		}
		if len(msgs) == 0 && len(fds) == 0 {
			continue
		}
		batch, rights := msgs, fds
		c.loop.Post(func() {
			c.fds.push(rights...)
			for _, m := range batch {
				c.dispatch(m)
			}
		})
	}
}

// Close shuts the socket down and releases any descriptors still queued.
// After Attach it must run on the loop thread.
func (c *Conn) Close() {
	if c.closing.Swap(true) {
		return
	}
	c.uc.Close()
	for _, fd := range c.fds.drain() {
		unix.Close(fd)
	}
}
