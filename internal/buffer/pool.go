package buffer

import (
	"errors"
	"fmt"

	"waymirror/internal/damage"
)

var (
	ErrUnsupportedMemKind = errors.New("unsupported buffer memory kind")
	ErrPoolDestroyed      = errors.New("buffer pool destroyed")
)

// Allocator provides backing memory for pool buffers. Allocate fills Data,
// and FD where applicable, for the geometry already set on the buffer.
type Allocator interface {
	Allocate(*Buffer) error
	Free(*Buffer)
}

// HeapAllocator backs buffers with plain byte slices. Used by the X11
// capture path and by tests. Heap buffers cannot be handed across a wire
// protocol; their FD stays -1.
type HeapAllocator struct{}

func (HeapAllocator) Allocate(b *Buffer) error {
	if b.Kind != MemShm {
		return fmt.Errorf("allocate %v buffer: %w", b.Kind, ErrUnsupportedMemKind)
	}
	size := b.Stride * b.Height
	if size <= 0 {
		return fmt.Errorf("allocate buffer: invalid size %dx%d stride %d",
			b.Width, b.Height, b.Stride)
	}
	b.Data = make([]byte, size)
	return nil
}

func (HeapAllocator) Free(b *Buffer) {
	b.Data = nil
}

// Pool hands out reusable buffers of the currently negotiated geometry.
// Geometry changes invalidate existing buffers lazily: a stale buffer is
// destroyed when it next passes through Acquire or Release. Pools are not
// safe for concurrent use; all calls belong on the event-loop thread.
type Pool struct {
	domain Domain
	alloc  Allocator

	kind   MemKind
	width  int
	height int
	stride int
	format uint32

	idle      []*Buffer
	live      map[*Buffer]struct{}
	destroyed bool
}

// NewPool creates an empty pool for one capture domain. It allocates
// nothing until Resize has provided negotiated geometry.
func NewPool(domain Domain, alloc Allocator) *Pool {
	return &Pool{
		domain: domain,
		alloc:  alloc,
		live:   make(map[*Buffer]struct{}),
	}
}

// Resize sets the allocation template. Existing buffers are left alone and
// destroyed as they next pass through the pool.
func (p *Pool) Resize(kind MemKind, width, height, stride int, format uint32) {
	p.kind = kind
	p.width = width
	p.height = height
	p.stride = stride
	p.format = format
}

func (p *Pool) matches(b *Buffer) bool {
	return b.Kind == p.kind &&
		b.Width == p.width &&
		b.Height == p.height &&
		b.Stride == p.stride &&
		b.Format == p.format
}

// Acquire returns an idle buffer of current geometry, allocating a fresh
// one if none is available. A fresh buffer starts fully stale. The cycle
// damage of the returned buffer is always empty.
func (p *Pool) Acquire() (*Buffer, error) {
	if p.destroyed {
		return nil, ErrPoolDestroyed
	}
	for len(p.idle) > 0 {
		b := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !p.matches(b) {
			p.destroyBuffer(b)
			continue
		}
		b.Damage.Clear()
		b.Transform = TransformNormal
		return b, nil
	}

	b := &Buffer{
		Domain: p.domain,
		Kind:   p.kind,
		Width:  p.width,
		Height: p.height,
		Stride: p.stride,
		Format: p.format,
		FD:     -1,
		pool:   p,
	}
	if err := p.alloc.Allocate(b); err != nil {
		return nil, fmt.Errorf("acquire %v buffer: %w", p.domain, err)
	}
	b.PendingDamage.Add(b.Bounds())
	p.live[b] = struct{}{}
	return b, nil
}

// Release returns a buffer for reuse. Buffers of stale geometry, and any
// buffer returned after Destroy, are freed instead.
func (p *Pool) Release(b *Buffer) {
	if p.destroyed || !p.matches(b) {
		p.destroyBuffer(b)
		return
	}
	p.idle = append(p.idle, b)
}

// SpreadDamage unions region into the pending damage of every live buffer
// of this pool, so buffers sitting idle learn what changed while they were
// out of rotation.
func (p *Pool) SpreadDamage(region *damage.Region) {
	for b := range p.live {
		b.PendingDamage.AddRegion(region)
	}
}

// Size reports how many buffers the pool keeps alive, idle and outstanding
// together.
func (p *Pool) Size() int {
	return len(p.live)
}

// Idle reports how many buffers are immediately available.
func (p *Pool) Idle() int {
	return len(p.idle)
}

// Destroy frees idle buffers and marks the pool dead. Outstanding buffers
// are freed as they are released.
func (p *Pool) Destroy() {
	for _, b := range p.idle {
		p.destroyBuffer(b)
	}
	p.idle = nil
	p.destroyed = true
}

func (p *Pool) destroyBuffer(b *Buffer) {
	delete(p.live, b)
	if b.OnFree != nil {
		b.OnFree(b)
		b.OnFree = nil
		b.Native = nil
	}
	p.alloc.Free(b)
}
