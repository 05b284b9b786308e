package wlclient

import (
	"fmt"
	"image"
	"time"

	"waymirror/internal/buffer"
	"waymirror/internal/screencopy"
)

// Experimental screen-copy protocol: interface names, requests, events, and
// enum values.
const (
	screencopyManagerIface = "zext_screencopy_manager_v1"
	screencopySurfaceIface = "zext_screencopy_surface_v1"

	screencopyManagerCaptureOutput = 0

	screencopySurfaceDestroy            = 0
	screencopySurfaceAttachBuffer       = 1
	screencopySurfaceDamageBuffer       = 2
	screencopySurfaceAttachCursorBuffer = 3
	screencopySurfaceDamageCursorBuffer = 4
	screencopySurfaceCommit             = 5

	screencopyEvReconfig         = 0
	screencopyEvBufferInfo       = 1
	screencopyEvCursorBufferInfo = 2
	screencopyEvCursorEnter      = 3
	screencopyEvCursorLeave      = 4
	screencopyEvInitDone         = 5
	screencopyEvDamage           = 6
	screencopyEvCursorInfo       = 7
	screencopyEvCommitTime       = 8
	screencopyEvTransform        = 9
	screencopyEvReady            = 10
	screencopyEvFailed           = 11

	screencopyBufferTypeShm    = 0
	screencopyBufferTypeDmabuf = 1

	screencopyOptionImmediate     = 1
	screencopyOptionRenderCursors = 2

	screencopyFailureUnspec              = 0
	screencopyFailureInvalidBuffer       = 1
	screencopyFailureInvalidCursorBuffer = 2
)

// The protocol names cursors so multi-pointer compositors can distinguish
// them; we track the default pointer only.
const defaultCursorName = "default"

// ScreencopySource creates capture surfaces for one output.
type ScreencopySource struct {
	cl  *Client
	out *Output
}

// Screencopy returns a capture surface source for out.
func (cl *Client) Screencopy(out *Output) (*ScreencopySource, error) {
	if cl.screencopyMgr == nil {
		return nil, errNoGlobal(screencopyManagerIface)
	}
	return &ScreencopySource{cl: cl, out: out}, nil
}

// CreateSurface implements screencopy.SurfaceSource.
func (s *ScreencopySource) CreateSurface(sink func(screencopy.Event)) (screencopy.Surface, error) {
	if err := s.cl.conn.Err(); err != nil {
		return nil, err
	}
	surf := &captureSurface{cl: s.cl, sink: sink}
	surf.obj = s.cl.conn.newObject(screencopySurfaceIface, surf.handleEvent)
	w := newMsgWriter(s.cl.screencopyMgr.id, screencopyManagerCaptureOutput)
	w.putUint(surf.obj.id)
	w.putUint(s.out.obj.id)
	s.cl.conn.send(w)
	if err := s.cl.conn.Err(); err != nil {
		return nil, err
	}
	return surf, nil
}

type captureSurface struct {
	cl   *Client
	obj  *object
	sink func(screencopy.Event)
}

// AttachBuffer implements screencopy.Surface.
func (s *captureSurface) AttachBuffer(b *buffer.Buffer) error {
	sb, err := s.cl.wrapShmBuffer(b)
	if err != nil {
		return fmt.Errorf("attach buffer: %w", err)
	}
	w := newMsgWriter(s.obj.id, screencopySurfaceAttachBuffer)
	w.putUint(sb.wlBuffer.id)
	s.cl.conn.send(w)
	return nil
}

// DamageBuffer implements screencopy.Surface.
func (s *captureSurface) DamageBuffer(r image.Rectangle) {
	w := newMsgWriter(s.obj.id, screencopySurfaceDamageBuffer)
	w.putUint(uint32(r.Min.X))
	w.putUint(uint32(r.Min.Y))
	w.putUint(uint32(r.Dx()))
	w.putUint(uint32(r.Dy()))
	s.cl.conn.send(w)
}

// AttachCursorBuffer implements screencopy.Surface.
func (s *captureSurface) AttachCursorBuffer(b *buffer.Buffer) error {
	sb, err := s.cl.wrapShmBuffer(b)
	if err != nil {
		return fmt.Errorf("attach cursor buffer: %w", err)
	}
	w := newMsgWriter(s.obj.id, screencopySurfaceAttachCursorBuffer)
	w.putUint(sb.wlBuffer.id)
	w.putString(defaultCursorName)
	s.cl.conn.send(w)
	return nil
}

// DamageCursorBuffer implements screencopy.Surface. Cursor damage carries no
// rectangle; the whole cursor buffer is refreshed.
func (s *captureSurface) DamageCursorBuffer() {
	w := newMsgWriter(s.obj.id, screencopySurfaceDamageCursorBuffer)
	w.putString(defaultCursorName)
	s.cl.conn.send(w)
}

// Commit implements screencopy.Surface.
func (s *captureSurface) Commit(flags screencopy.CommitFlags) {
	var opts uint32
	if flags&screencopy.CommitImmediate != 0 {
		opts |= screencopyOptionImmediate
	}
	if flags&screencopy.CommitRenderCursors != 0 {
		opts |= screencopyOptionRenderCursors
	}
	w := newMsgWriter(s.obj.id, screencopySurfaceCommit)
	w.putUint(opts)
	s.cl.conn.send(w)
}

// Destroy implements screencopy.Surface. Dispatch stops immediately; events
// already in flight for this surface are dropped.
func (s *captureSurface) Destroy() {
	w := newMsgWriter(s.obj.id, screencopySurfaceDestroy)
	s.cl.conn.send(w)
	s.cl.conn.unregister(s.obj.id)
}

func (s *captureSurface) handleEvent(opcode uint16, r *argReader) {
	switch opcode {
	case screencopyEvReconfig:
		s.sink(screencopy.Reconfigured{Domain: buffer.DomainOutput})
	case screencopyEvBufferInfo:
		if ev, ok := decodeBufferInfo(buffer.DomainOutput, r); ok {
			s.sink(ev)
		}
	case screencopyEvCursorBufferInfo:
		r.string() // cursor name
		if ev, ok := decodeBufferInfo(buffer.DomainCursor, r); ok {
			s.sink(ev)
		}
	case screencopyEvCursorEnter:
		r.string()
		s.sink(screencopy.CursorEntered{})
	case screencopyEvCursorLeave:
		r.string()
		s.sink(screencopy.CursorLeft{})
	case screencopyEvInitDone:
		s.sink(screencopy.NegotiationDone{})
	case screencopyEvDamage:
		x := int(r.uint32())
		y := int(r.uint32())
		width := int(r.uint32())
		height := int(r.uint32())
		s.sink(screencopy.Damaged{Rect: image.Rect(x, y, x+width, y+height)})
	case screencopyEvCursorInfo:
		r.string()
		ev := screencopy.CursorInfo{HasDamage: r.int32() != 0}
		ev.X = int(r.int32())
		ev.Y = int(r.int32())
		ev.HotspotX = int(r.int32())
		ev.HotspotY = int(r.int32())
		s.sink(ev)
	case screencopyEvCommitTime:
		hi := int64(r.uint32())
		lo := int64(r.uint32())
		nsec := int64(r.uint32())
		s.sink(screencopy.CommitTime{Time: time.Unix(hi<<32|lo, nsec)})
	case screencopyEvTransform:
		s.sink(screencopy.Transformed{Transform: buffer.Transform(r.int32())})
	case screencopyEvReady:
		s.sink(screencopy.Ready{})
	case screencopyEvFailed:
		s.sink(screencopy.Failed{Reason: decodeFailReason(r.uint32())})
	}
}

// decodeBufferInfo converts a buffer-info event into the negotiation event,
// normalizing shared-memory format codes to DRM fourcc. Unknown buffer
// types are skipped so future protocol additions degrade gracefully.
func decodeBufferInfo(domain buffer.Domain, r *argReader) (screencopy.BufferInfo, bool) {
	kindRaw := r.uint32()
	format := r.uint32()
	ev := screencopy.BufferInfo{
		Domain: domain,
		Width:  int(r.uint32()),
		Height: int(r.uint32()),
		Stride: int(r.uint32()),
	}
	switch kindRaw {
	case screencopyBufferTypeShm:
		ev.Kind = buffer.MemShm
		ev.Format = fourccFromShmFormat(format)
	case screencopyBufferTypeDmabuf:
		ev.Kind = buffer.MemDmabuf
		ev.Format = format
	default:
		return ev, false
	}
	return ev, true
}

func decodeFailReason(v uint32) screencopy.FailReason {
	switch v {
	case screencopyFailureInvalidBuffer:
		return screencopy.FailInvalidBuffer
	case screencopyFailureInvalidCursorBuffer:
		return screencopy.FailInvalidCursorBuffer
	}
	return screencopy.FailUnspecified
}
