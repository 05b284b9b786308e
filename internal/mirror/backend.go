package mirror

import (
	"fmt"

	"waymirror/internal/buffer"
	"waymirror/internal/screencopy"
	"waymirror/internal/wlclient"
	"waymirror/internal/x11grab"
)

// OutputInfo describes one capturable output.
type OutputInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	RefreshmHz  int    `json:"refresh_mhz,omitempty"`
	Backend     string `json:"backend"`
}

// Backend enumerates outputs and builds capture sources for them. Outputs
// and Source are called on the event-loop thread.
type Backend interface {
	Name() string
	Outputs() []OutputInfo
	Source(id string) (screencopy.SurfaceSource, error)
	// Allocator returns the buffer allocator capture pools on this backend
	// need: descriptor-backed shared memory for the compositor, plain heap
	// memory for X11.
	Allocator() buffer.Allocator
	Close()
}

type waylandBackend struct {
	cl *wlclient.Client
}

// NewWaylandBackend adapts a compositor connection into a capture backend.
func NewWaylandBackend(cl *wlclient.Client) Backend {
	return &waylandBackend{cl: cl}
}

func (b *waylandBackend) Name() string { return "wayland" }

func (b *waylandBackend) Outputs() []OutputInfo {
	outs := b.cl.Outputs()
	infos := make([]OutputInfo, 0, len(outs))
	for _, o := range outs {
		infos = append(infos, OutputInfo{
			ID:          o.ID(),
			Name:        o.Name,
			Description: o.Description,
			Width:       o.Width,
			Height:      o.Height,
			RefreshmHz:  o.RefreshmHz,
			Backend:     b.Name(),
		})
	}
	return infos
}

func (b *waylandBackend) Source(id string) (screencopy.SurfaceSource, error) {
	for _, o := range b.cl.Outputs() {
		if o.ID() == id {
			return b.cl.Screencopy(o)
		}
	}
	return nil, fmt.Errorf("unknown output %q", id)
}

func (b *waylandBackend) Allocator() buffer.Allocator { return buffer.ShmAllocator{} }

func (b *waylandBackend) Close() { b.cl.Close() }

// x11RootID names the single pseudo-output an X server exposes.
const x11RootID = "x11-root"

type x11Backend struct {
	g *x11grab.Grabber
}

// NewX11Backend adapts an X server connection into a capture backend.
func NewX11Backend(g *x11grab.Grabber) Backend {
	return &x11Backend{g: g}
}

func (b *x11Backend) Name() string { return "x11" }

func (b *x11Backend) Outputs() []OutputInfo {
	w, h := b.g.ScreenSize()
	return []OutputInfo{{
		ID:      x11RootID,
		Name:    x11RootID,
		Width:   w,
		Height:  h,
		Backend: b.Name(),
	}}
}

func (b *x11Backend) Source(id string) (screencopy.SurfaceSource, error) {
	if id != x11RootID {
		return nil, fmt.Errorf("unknown output %q", id)
	}
	return b.g.Source(), nil
}

func (b *x11Backend) Allocator() buffer.Allocator { return buffer.HeapAllocator{} }

func (b *x11Backend) Close() { b.g.Close() }
