// Package shmem provides the shared-memory block and eventfd
// primitives the realtime scheduler needs to signal targets across
// thread and process boundaries.
//
// On Linux both primitives are real kernel objects: the block is an
// anonymous memfd mapped with mmap, and the wakeup is a genuine
// eventfd(2). That is a deliberate departure from the teacher's
// in-process-only concurrency (sync.Cond, channels): a peer process
// signalling a target's activation record has no honest
// implementation in pure Go without reaching for golang.org/x/sys/unix.
package shmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/e7canasta/graphcore/activation"
)

// Block is an anonymous shared-memory segment sized to hold exactly
// one activation.SharedLayout. It is created via memfd_create so it
// has no path in the filesystem, then mapped with mmap so both this
// process and a peer that receives the fd (see FD and Map) can
// read/write the same physical pages.
type Block struct {
	fd     int
	data   []byte
	layout *activation.SharedLayout
	shared bool
}

// recordSize is the mmap length for one activation record, rounded up
// to the host page size by mmap itself; we only need the logical
// size here.
func recordSize() int {
	return int(unsafe.Sizeof(activation.SharedLayout{}))
}

// New creates and maps a fresh block for process-local or
// cross-process use. name is cosmetic (visible in /proc/<pid>/fd on
// Linux for debugging) and need not be unique.
func New(name string) (*Block, error) {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, fmt.Errorf("shmem: memfd_create %q: %w", name, err)
	}

	size := recordSize()
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("shmem: ftruncate %q to %d: %w", name, size, err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("shmem: mmap %q: %w", name, err)
	}

	return &Block{
		fd:     fd,
		data:   data,
		layout: (*activation.SharedLayout)(unsafe.Pointer(&data[0])),
	}, nil
}

// Map wraps a memfd received from a peer (e.g. via a Unix-domain
// socket SCM_RIGHTS transfer performed elsewhere — that transport is
// out of core's scope) into a Block whose writes are visible to the
// peer and vice versa.
func Map(fd int) (*Block, error) {
	size := recordSize()
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmem: mmap received fd %d: %w", fd, err)
	}
	return &Block{
		fd:     fd,
		data:   data,
		layout: (*activation.SharedLayout)(unsafe.Pointer(&data[0])),
		shared: true,
	}, nil
}

// Layout returns the activation.SharedLayout living inside the
// mapped pages. Callers pass this to activation.NewAt.
func (b *Block) Layout() *activation.SharedLayout { return b.layout }

// FD returns the underlying memfd, for duplication into a peer
// process by whatever transport owns that concern outside core.
func (b *Block) FD() int { return b.fd }

// Shared reports whether this block was mapped from a peer-supplied
// fd (true) or created locally and never yet shared (false), mostly
// useful for diagnostics: the realtime/data-loop concurrency
// discipline in package activation applies identically either way.
func (b *Block) Shared() bool { return b.shared }

// Close unmaps and releases the block. Safe to call once; a second
// call returns an error from the underlying munmap/close, which
// callers typically log and ignore during shutdown.
func (b *Block) Close() error {
	if b.data != nil {
		if err := unix.Munmap(b.data); err != nil {
			return fmt.Errorf("shmem: munmap: %w", err)
		}
		b.data = nil
	}
	if err := unix.Close(b.fd); err != nil {
		return fmt.Errorf("shmem: close fd %d: %w", b.fd, err)
	}
	return nil
}
