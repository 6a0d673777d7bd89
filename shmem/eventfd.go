package shmem

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// EventFD is the cross-thread/cross-process wakeup primitive, passed
// out-of-band alongside the shared-memory handle. A node's Signal
// callback (graph.Target.Signal) ends up calling Raise on the
// target's EventFD; the target's own realtime goroutine (or, for a
// cross-process peer, the peer's own runtime) polls Fd() until Raise
// has been called.
type EventFD struct {
	fd int
}

// NewEventFD creates a non-semaphore eventfd (EFD_SEMAPHORE would
// make every read consume exactly one Raise; graphcore wants the
// counting behavior instead, since a target might legitimately be
// re-armed before its previous wake was consumed during an overrun)
// in non-blocking mode so it can be driven from a select-style poll
// loop via Fd() and emptied with Drain.
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("shmem: eventfd: %w", err)
	}
	return &EventFD{fd: fd}, nil
}

// Fd returns the raw descriptor, for callers that want to multiplex
// it into their own poll/epoll set (the data-loop's listener).
func (e *EventFD) Fd() int { return e.fd }

// Raise increments the eventfd counter by 1, making the fd readable
// for a poller until Drain consumes the count. This is the
// realtime-safe half: it is a single write(2) syscall, does not
// allocate, and does not block.
func (e *EventFD) Raise() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			// Counter is already saturated (extremely unlikely in
			// practice); treat as already-raised.
			return nil
		}
		return fmt.Errorf("shmem: eventfd raise: %w", err)
	}
	return nil
}

// Drain consumes the current counter value, resetting it to zero,
// and returns how many raises had accumulated. Non-blocking: returns
// (0, nil) if nothing was pending.
func (e *EventFD) Drain() (uint64, error) {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, fmt.Errorf("shmem: eventfd drain: %w", err)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Close releases the descriptor.
func (e *EventFD) Close() error {
	if err := unix.Close(e.fd); err != nil {
		return fmt.Errorf("shmem: close eventfd %d: %w", e.fd, err)
	}
	return nil
}
