// Package wlclient is a hand-written client for the compositor wire
// protocol: message framing, descriptor passing, object lifetimes, and the
// small set of interface bindings waymirror needs (registry, shm, outputs,
// seat, screen-copy, data-control). Event handlers run on the event-loop
// thread once the connection is attached.
package wlclient

import (
	"encoding/binary"
	"fmt"
)

// Messages are 32-bit words, little endian: a two-word header carrying the
// object id, the message size in bytes, and the opcode, followed by the
// arguments. Strings and arrays are padded to word boundaries. File
// descriptors travel out of band as SCM_RIGHTS ancillary data.
const headerSize = 8

const maxMessageSize = 1 << 16

type message struct {
	object uint32
	opcode uint16
	data   []byte
}

// parseMessages splits complete messages off buf, copying their payloads,
// and returns the unconsumed tail.
func parseMessages(buf []byte) ([]message, []byte, error) {
	var msgs []message
	for len(buf) >= headerSize {
		object := binary.LittleEndian.Uint32(buf[0:4])
		word := binary.LittleEndian.Uint32(buf[4:8])
		size := int(word >> 16)
		opcode := uint16(word)
		if size < headerSize {
			return nil, nil, fmt.Errorf("message on object %d has size %d", object, size)
		}
		if len(buf) < size {
			break
		}
		data := make([]byte, size-headerSize)
		copy(data, buf[headerSize:size])
		msgs = append(msgs, message{object: object, opcode: opcode, data: data})
		buf = buf[size:]
	}
	return msgs, buf, nil
}

// msgWriter builds one request.
type msgWriter struct {
	buf []byte
	fds []int
}

func newMsgWriter(object uint32, opcode uint16) *msgWriter {
	w := &msgWriter{buf: make([]byte, headerSize, 64)}
	binary.LittleEndian.PutUint32(w.buf[0:4], object)
	binary.LittleEndian.PutUint32(w.buf[4:8], uint32(opcode))
	return w
}

func (w *msgWriter) putUint(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *msgWriter) putInt(v int32) {
	w.putUint(uint32(v))
}

func (w *msgWriter) putString(s string) {
	w.putUint(uint32(len(s) + 1))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
	for len(w.buf)%4 != 0 {
		w.buf = append(w.buf, 0)
	}
}

func (w *msgWriter) putFD(fd int) {
	w.fds = append(w.fds, fd)
}

// finish patches the size into the header and returns the wire bytes and
// the descriptors to pass alongside.
func (w *msgWriter) finish() ([]byte, []int, error) {
	size := len(w.buf)
	if size >= maxMessageSize {
		return nil, nil, fmt.Errorf("request too large: %d bytes", size)
	}
	opcode := binary.LittleEndian.Uint32(w.buf[4:8]) & 0xffff
	binary.LittleEndian.PutUint32(w.buf[4:8], uint32(size)<<16|opcode)
	return w.buf, w.fds, nil
}

type fdQueue struct {
	fds []int
}

func (q *fdQueue) push(fds ...int) {
	q.fds = append(q.fds, fds...)
}

func (q *fdQueue) pop() (int, bool) {
	if len(q.fds) == 0 {
		return -1, false
	}
	fd := q.fds[0]
	q.fds = q.fds[1:]
	return fd, true
}

func (q *fdQueue) drain() []int {
	fds := q.fds
	q.fds = nil
	return fds
}

// argReader decodes event arguments. The first decode error latches;
// subsequent reads return zero values.
type argReader struct {
	data []byte
	off  int
	fds  *fdQueue
	err  error
}

func (r *argReader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("truncated %s argument at offset %d", what, r.off)
	}
}

func (r *argReader) uint32() uint32 {
	if r.err != nil {
		return 0
	}
	if r.off+4 > len(r.data) {
		r.fail("uint")
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *argReader) int32() int32 {
	return int32(r.uint32())
}

func (r *argReader) string() string {
	n := int(r.uint32())
	if r.err != nil {
		return ""
	}
	if n == 0 {
		// Null string.
		return ""
	}
	end := r.off + n
	if end > len(r.data) {
		r.fail("string")
		return ""
	}
	s := string(r.data[r.off : end-1])
	r.off = end
	for r.off%4 != 0 {
		r.off++
	}
	if r.off > len(r.data) {
		r.fail("string padding")
	}
	return s
}

func (r *argReader) fd() int {
	if r.err != nil {
		return -1
	}
	fd, ok := r.fds.pop()
	if !ok {
		r.fail("fd")
		return -1
	}
	return fd
}
