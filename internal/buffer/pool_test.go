package buffer

import (
	"errors"
	"image"
	"testing"

	"waymirror/internal/damage"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p := NewPool(DomainOutput, HeapAllocator{})
	p.Resize(MemShm, 64, 48, 64*4, FormatXRGB8888)
	return p
}

func TestAcquireAllocatesFresh(t *testing.T) {
	p := newTestPool(t)

	b, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if b.Width != 64 || b.Height != 48 || b.Stride != 64*4 {
		t.Errorf("geometry = %dx%d stride %d, want 64x48 stride 256", b.Width, b.Height, b.Stride)
	}
	if b.Domain != DomainOutput {
		t.Errorf("Domain = %v, want %v", b.Domain, DomainOutput)
	}
	if len(b.Data) != 64*4*48 {
		t.Errorf("len(Data) = %d, want %d", len(b.Data), 64*4*48)
	}
	if !b.PendingDamage.Covers(b.Bounds()) {
		t.Error("fresh buffer is not fully stale")
	}
	if !b.Damage.Empty() {
		t.Error("fresh buffer has cycle damage")
	}
	if got := p.Size(); got != 1 {
		t.Errorf("Size() = %d, want 1", got)
	}
}

func TestReleaseAndReuse(t *testing.T) {
	p := newTestPool(t)

	b, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	b.PendingDamage.Clear()
	b.PendingDamage.Add(image.Rect(1, 2, 3, 4))
	b.Damage.Add(image.Rect(0, 0, 5, 5))
	b.Release()

	if got := p.Idle(); got != 1 {
		t.Fatalf("Idle() = %d, want 1", got)
	}
	again, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if again != b {
		t.Error("reacquire did not return the idle buffer")
	}
	if !again.Damage.Empty() {
		t.Error("cycle damage not cleared on reuse")
	}
	if !again.PendingDamage.Covers(image.Rect(1, 2, 3, 4)) {
		t.Error("staleness damage lost on reuse")
	}
	if got := p.Size(); got != 1 {
		t.Errorf("Size() = %d, want 1", got)
	}
}

func TestResizeInvalidatesLazily(t *testing.T) {
	p := newTestPool(t)

	b, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	freed := false
	b.OnFree = func(*Buffer) { freed = true }
	b.Release()

	p.Resize(MemShm, 128, 96, 128*4, FormatXRGB8888)

	next, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire() after resize error: %v", err)
	}
	if next == b {
		t.Fatal("stale-geometry buffer handed out after resize")
	}
	if !freed {
		t.Error("stale buffer was not freed on acquire")
	}
	if next.Width != 128 || next.Height != 96 {
		t.Errorf("geometry = %dx%d, want 128x96", next.Width, next.Height)
	}
	if got := p.Size(); got != 1 {
		t.Errorf("Size() = %d, want 1", got)
	}
}

func TestReleaseAfterResizeDestroys(t *testing.T) {
	p := newTestPool(t)

	b, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	p.Resize(MemShm, 128, 96, 128*4, FormatXRGB8888)
	b.Release()

	if got := p.Size(); got != 0 {
		t.Errorf("Size() = %d, want 0", got)
	}
	if got := p.Idle(); got != 0 {
		t.Errorf("Idle() = %d, want 0", got)
	}
}

func TestSpreadDamageReachesAllLiveBuffers(t *testing.T) {
	p := newTestPool(t)

	a, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	b, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	a.PendingDamage.Clear()
	b.PendingDamage.Clear()
	b.Release()

	var region damage.Region
	region.Add(image.Rect(4, 4, 20, 20))
	p.SpreadDamage(&region)

	if !a.PendingDamage.Covers(image.Rect(4, 4, 20, 20)) {
		t.Error("outstanding buffer missed spread damage")
	}
	if !b.PendingDamage.Covers(image.Rect(4, 4, 20, 20)) {
		t.Error("idle buffer missed spread damage")
	}
}

func TestDestroy(t *testing.T) {
	p := newTestPool(t)

	out, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	idle, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	idleFreed := false
	idle.OnFree = func(*Buffer) { idleFreed = true }
	idle.Release()

	p.Destroy()
	if !idleFreed {
		t.Error("idle buffer not freed on Destroy")
	}

	outFreed := false
	out.OnFree = func(*Buffer) { outFreed = true }
	out.Release()
	if !outFreed {
		t.Error("outstanding buffer not freed when released after Destroy")
	}

	if _, err := p.Acquire(); !errors.Is(err, ErrPoolDestroyed) {
		t.Errorf("Acquire() after Destroy = %v, want ErrPoolDestroyed", err)
	}
}
