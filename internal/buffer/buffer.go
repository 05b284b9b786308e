// Package buffer provides pooled pixel buffers for capture cycles. A buffer
// belongs to one capture domain, carries its negotiated geometry, and tracks
// the damage it has accumulated since it last held the current frame.
package buffer

import (
	"fmt"
	"image"

	"waymirror/internal/damage"
)

// Domain is the logical capture target a buffer belongs to.
type Domain int

const (
	DomainOutput Domain = iota
	DomainCursor
)

func (d Domain) String() string {
	switch d {
	case DomainOutput:
		return "output"
	case DomainCursor:
		return "cursor"
	}
	return fmt.Sprintf("domain(%d)", int(d))
}

// MemKind is the memory backing a buffer.
type MemKind int

const (
	MemShm MemKind = iota
	MemDmabuf
)

func (k MemKind) String() string {
	switch k {
	case MemShm:
		return "shm"
	case MemDmabuf:
		return "dmabuf"
	}
	return fmt.Sprintf("memkind(%d)", int(k))
}

// Transform is a wl_output style orientation applied to buffer contents.
type Transform int32

const (
	TransformNormal Transform = iota
	Transform90
	Transform180
	Transform270
	TransformFlipped
	TransformFlipped90
	TransformFlipped180
	TransformFlipped270
)

// DRM fourcc codes for the formats the shm path negotiates.
const (
	FormatXRGB8888 uint32 = 0x34325258 // 'XR24'
	FormatARGB8888 uint32 = 0x34325241 // 'AR24'
)

// FormatString renders a DRM fourcc code for logging.
func FormatString(format uint32) string {
	b := []byte{byte(format), byte(format >> 8), byte(format >> 16), byte(format >> 24)}
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			b[i] = '?'
		}
	}
	return string(b)
}

// Buffer is one pooled pixel buffer. Between Acquire and Release it has
// exactly one owner: the capture session while a cycle is in flight, then
// the frame consumer after delivery.
type Buffer struct {
	Domain Domain
	Kind   MemKind

	Width  int
	Height int
	Stride int
	Format uint32

	// Data is the mapped pixel memory for shm buffers.
	Data []byte
	// FD backs Data for fd-based memory, -1 otherwise.
	FD int

	// Transform is the orientation of the frame currently held in Data.
	Transform Transform

	// PendingDamage marks where this buffer's pixels are out of date:
	// everything that changed while sibling buffers held the frame. It
	// feeds repaint hints at attach time and clears once the buffer holds
	// the current frame again.
	PendingDamage damage.Region
	// Damage collects the changes reported during this buffer's own
	// capture cycle and ships with the delivered frame.
	Damage damage.Region

	// Native holds a protocol-side handle wrapped around this buffer.
	Native any
	// OnFree releases Native when the buffer is destroyed.
	OnFree func(*Buffer)

	pool *Pool
}

// Bounds returns the buffer's full pixel rectangle.
func (b *Buffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.Width, b.Height)
}

// Release returns the buffer to its pool. Frame consumers call this when
// they are done with a delivered frame.
func (b *Buffer) Release() {
	b.pool.Release(b)
}
