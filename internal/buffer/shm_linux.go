package buffer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ShmAllocator backs buffers with anonymous shared memory so their file
// descriptors can be handed to the compositor.
type ShmAllocator struct{}

func (ShmAllocator) Allocate(b *Buffer) error {
	if b.Kind != MemShm {
		return fmt.Errorf("allocate %v buffer: %w", b.Kind, ErrUnsupportedMemKind)
	}
	size := b.Stride * b.Height
	if size <= 0 {
		return fmt.Errorf("allocate shm buffer: invalid size %dx%d stride %d",
			b.Width, b.Height, b.Stride)
	}

	fd, err := unix.MemfdCreate("waymirror-shm", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return fmt.Errorf("ftruncate shm buffer: %w", err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("mmap shm buffer: %w", err)
	}

	b.FD = fd
	b.Data = data
	return nil
}

func (ShmAllocator) Free(b *Buffer) {
	if b.Data != nil {
		unix.Munmap(b.Data)
		b.Data = nil
	}
	if b.FD >= 0 {
		unix.Close(b.FD)
		b.FD = -1
	}
}
