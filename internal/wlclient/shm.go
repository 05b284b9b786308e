package wlclient

import (
	"fmt"

	"waymirror/internal/buffer"
)

// wl_shm, wl_shm_pool, and wl_buffer requests.
const (
	shmCreatePool = 0

	shmPoolCreateBuffer = 0
	shmPoolDestroy      = 1

	wlBufferDestroy = 0
)

// wl_shm pixel format codes. Everything except the two legacy aliases below
// matches the DRM fourcc value, which is what the rest of waymirror speaks.
const (
	wlShmFormatARGB8888 = 0
	wlShmFormatXRGB8888 = 1
)

func shmFormatFromFourcc(f uint32) uint32 {
	switch f {
	case buffer.FormatARGB8888:
		return wlShmFormatARGB8888
	case buffer.FormatXRGB8888:
		return wlShmFormatXRGB8888
	}
	return f
}

func fourccFromShmFormat(f uint32) uint32 {
	switch f {
	case wlShmFormatARGB8888:
		return buffer.FormatARGB8888
	case wlShmFormatXRGB8888:
		return buffer.FormatXRGB8888
	}
	return f
}

// shmBuffer is the compositor-side handle for a pool buffer's shared
// memory.
type shmBuffer struct {
	conn     *Conn
	wlBuffer *object
}

// wrapShmBuffer creates a wl_buffer for b and caches it on the buffer so
// reattaching a reused buffer costs nothing. The wl_shm_pool is destroyed
// right away; the wl_buffer keeps the compositor-side mapping alive.
func (cl *Client) wrapShmBuffer(b *buffer.Buffer) (*shmBuffer, error) {
	if sb, ok := b.Native.(*shmBuffer); ok {
		return sb, nil
	}
	if cl.shm == nil {
		return nil, errNoGlobal("wl_shm")
	}
	if b.Kind != buffer.MemShm || b.FD < 0 {
		return nil, fmt.Errorf("buffer is not descriptor-backed shared memory")
	}

	pool := cl.conn.newObject("wl_shm_pool", nil)
	w := newMsgWriter(cl.shm.id, shmCreatePool)
	w.putUint(pool.id)
	w.putFD(b.FD)
	w.putInt(int32(b.Stride * b.Height))
	cl.conn.send(w)

	buf := cl.conn.newObject("wl_buffer", nil)
	w = newMsgWriter(pool.id, shmPoolCreateBuffer)
	w.putUint(buf.id)
	w.putInt(0)
	w.putInt(int32(b.Width))
	w.putInt(int32(b.Height))
	w.putInt(int32(b.Stride))
	w.putUint(shmFormatFromFourcc(b.Format))
	cl.conn.send(w)

	w = newMsgWriter(pool.id, shmPoolDestroy)
	cl.conn.send(w)

	if err := cl.conn.Err(); err != nil {
		return nil, err
	}

	sb := &shmBuffer{conn: cl.conn, wlBuffer: buf}
	b.Native = sb
	b.OnFree = func(*buffer.Buffer) { sb.destroy() }
	return sb, nil
}

func (sb *shmBuffer) destroy() {
	w := newMsgWriter(sb.wlBuffer.id, wlBufferDestroy)
	sb.conn.send(w)
	sb.conn.unregister(sb.wlBuffer.id)
}
