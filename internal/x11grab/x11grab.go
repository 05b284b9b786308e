// Package x11grab captures the root window of an X server, standing in for
// compositor screen copy when waymirror runs against X11 or XWayland. The
// whole screen is one output, and every frame carries full-frame damage
// because the X protocol reports no change information.
package x11grab

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"

	"waymirror/internal/buffer"
	"waymirror/internal/eventloop"
	"waymirror/internal/logger"
	"waymirror/internal/screencopy"
)

// Grabber owns the X server connection.
type Grabber struct {
	conn   *xgb.Conn
	root   xproto.Window
	screen *xproto.ScreenInfo
	loop   *eventloop.Loop
	log    *zerolog.Logger
}

// New connects to the X server named by DISPLAY.
func New(loop *eventloop.Loop) (*Grabber, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("connect to X server: %w", err)
	}
	screen := xproto.Setup(conn).DefaultScreen(conn)
	return &Grabber{
		conn:   conn,
		root:   screen.Root,
		screen: screen,
		loop:   loop,
		log:    logger.WithComponent("x11grab"),
	}, nil
}

// Close drops the X server connection.
func (g *Grabber) Close() {
	g.conn.Close()
}

// ScreenSize returns the root window size in pixels.
func (g *Grabber) ScreenSize() (int, int) {
	return int(g.screen.WidthInPixels), int(g.screen.HeightInPixels)
}

// Source returns a capture source for the whole root window.
func (g *Grabber) Source() *Source {
	w, h := g.ScreenSize()
	return &Source{
		loop:   g.loop,
		log:    g.log,
		width:  w,
		height: h,
		grab:   func() ([]byte, int, error) { return g.getImage(0, 0, w, h) },
	}
}

// getImage fetches raw pixels from the root window. At depth 24 or 32 the
// reply bytes are already in XRGB8888 memory order on little-endian
// servers, so rows copy straight into pool buffers.
func (g *Grabber) getImage(x, y, w, h int) ([]byte, int, error) {
	reply, err := xproto.GetImage(
		g.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(g.root),
		int16(x), int16(y),
		uint16(w), uint16(h),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, 0, fmt.Errorf("get image: %w", err)
	}
	return reply.Data, w * 4, nil
}

// grabFunc fetches one full frame, returning pixel rows and their stride.
type grabFunc func() ([]byte, int, error)

// Source creates capture surfaces for a fixed screen region. It implements
// the same contract as the compositor screen-copy source: negotiation
// events arrive via the loop after CreateSurface returns.
type Source struct {
	loop   *eventloop.Loop
	log    *zerolog.Logger
	width  int
	height int
	grab   grabFunc
}

// CreateSurface implements screencopy.SurfaceSource.
func (s *Source) CreateSurface(sink func(screencopy.Event)) (screencopy.Surface, error) {
	surf := &grabSurface{src: s, sink: sink}
	s.loop.Post(surf.announce)
	return surf, nil
}

type grabSurface struct {
	src       *Source
	sink      func(screencopy.Event)
	attached  *buffer.Buffer
	destroyed bool
}

func (surf *grabSurface) announce() {
	if surf.destroyed {
		return
	}
	surf.sink(screencopy.BufferInfo{
		Domain: buffer.DomainOutput,
		Kind:   buffer.MemShm,
		Format: buffer.FormatXRGB8888,
		Width:  surf.src.width,
		Height: surf.src.height,
		Stride: surf.src.width * 4,
	})
	surf.sink(screencopy.NegotiationDone{})
}

// AttachBuffer implements screencopy.Surface.
func (surf *grabSurface) AttachBuffer(b *buffer.Buffer) error {
	surf.attached = b
	return nil
}

// DamageBuffer implements screencopy.Surface. The X protocol has no way to
// pass damage hints, so they are dropped.
func (surf *grabSurface) DamageBuffer(image.Rectangle) {}

// AttachCursorBuffer implements screencopy.Surface. The source never
// reports a cursor, so capture sessions never attach one.
func (surf *grabSurface) AttachCursorBuffer(*buffer.Buffer) error {
	return errors.New("cursor capture is not supported on X11")
}

// DamageCursorBuffer implements screencopy.Surface.
func (surf *grabSurface) DamageCursorBuffer() {}

// Commit implements screencopy.Surface. Every commit grabs immediately; X
// offers no frame clock to wait on. The grab round-trip runs off the loop
// and the result is posted back, so the buffer is only written while the
// capture is still outstanding.
func (surf *grabSurface) Commit(screencopy.CommitFlags) {
	buf := surf.attached
	go func() {
		data, stride, err := surf.src.grab()
		surf.src.loop.Post(func() {
			if surf.destroyed {
				return
			}
			if err != nil {
				surf.src.log.Warn().Err(err).Msg("Screen grab failed")
				surf.sink(screencopy.Failed{Reason: screencopy.FailUnspecified})
				return
			}
			copyRows(buf, data, stride)
			surf.sink(screencopy.Damaged{Rect: buf.Bounds()})
			surf.sink(screencopy.CommitTime{Time: time.Now()})
			surf.sink(screencopy.Ready{})
		})
	}()
}

// Destroy implements screencopy.Surface.
func (surf *grabSurface) Destroy() {
	surf.destroyed = true
}

func copyRows(dst *buffer.Buffer, src []byte, srcStride int) {
	rowBytes := dst.Width * 4
	if srcStride < rowBytes {
		rowBytes = srcStride
	}
	for y := 0; y < dst.Height; y++ {
		si := y * srcStride
		di := y * dst.Stride
		if si+rowBytes > len(src) || di+rowBytes > len(dst.Data) {
			return
		}
		copy(dst.Data[di:di+rowBytes], src[si:si+rowBytes])
	}
}
