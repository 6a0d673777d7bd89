// Package mockbackend is a deterministic backend.Backend used by
// graphcore's own tests and by examples that don't need real
// GStreamer decode. It never touches the network or hardware: every
// Process() call just flips a counter and returns a configured
// status, and EnumParams/SetParam synthesize plausible formats so
// link negotiation tests have something real to intersect.
//
// Grounded in the teacher's MockWorker (examples/orion-pipeline/mock_worker.go)
// and stream.NewMockStream pattern (References/orion-prototipe):
// small, synchronous, latency-configurable stand-ins for the real
// thing.
package mockbackend

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/e7canasta/graphcore/backend"
)

// Mock is a configurable backend.Backend.
type Mock struct {
	mu sync.Mutex

	cb backend.Callbacks

	// Formats is what EnumParams(ParamFormat, ...) reports, in order.
	// Tests set this to control negotiation outcomes.
	Formats []backend.Pod

	// ProcessStatus is returned by every Process() call unless
	// ProcessSeq is non-empty, in which case statuses are consumed in
	// order and ProcessStatus is the fallback once exhausted.
	ProcessStatus backend.Status
	ProcessSeq    []backend.Status

	// AsyncSetParam, when true, makes SetParam return immediately with
	// no error but defer the actual "result" to a manual call to
	// CompleteAsync, simulating a backend whose negotiation completes
	// asynchronously.
	AsyncSetParam bool
	nextSeq       int32
	pendingParam  map[int32]backend.Pod

	processed   atomic.Uint64
	lastCommand atomic.Int32
	started     atomic.Bool
}

// New creates a Mock that reports StatusOK from Process by default.
func New() *Mock {
	return &Mock{
		ProcessStatus: backend.StatusOK,
		pendingParam:  make(map[int32]backend.Pod),
	}
}

func (m *Mock) SetIO(kind backend.IOKind, ptr unsafe.Pointer, size uint32) error {
	return nil
}

func (m *Mock) SendCommand(cmd backend.Command) error {
	m.lastCommand.Store(int32(cmd))
	if cmd == backend.CommandStart {
		m.started.Store(true)
	} else if cmd == backend.CommandSuspend || cmd == backend.CommandPause {
		m.started.Store(false)
	}
	return nil
}

func (m *Mock) SetCallbacks(cb backend.Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = cb
}

func (m *Mock) EnumParams(seq int32, id backend.ParamID, start, num uint32, filter backend.EnumParamsFilter) error {
	m.mu.Lock()
	cb := m.cb.Result
	formats := m.Formats
	m.mu.Unlock()

	if id != backend.ParamFormat {
		if cb != nil {
			cb(backend.ResultEvent{Seq: seq})
		}
		return nil
	}

	for i, f := range formats {
		if uint32(i) < start {
			continue
		}
		if num != 0 && uint32(i) >= start+num {
			break
		}
		if !matchesFilter(f, filter) {
			continue
		}
		if cb != nil {
			cb(backend.ResultEvent{Seq: seq, Param: f})
		}
	}
	return nil
}

func matchesFilter(pod backend.Pod, filter backend.EnumParamsFilter) bool {
	for k, v := range filter {
		if pod[k] != v {
			return false
		}
	}
	return true
}

// SetParam applies (or, with AsyncSetParam set, defers) a format.
// Synchronous callers get seq=0/async=false and a fired Result
// callback immediately; asynchronous callers get a real seq and
// async=true, and must wait for CompleteAsync to fire the matching
// Result.
func (m *Mock) SetParam(id backend.ParamID, flags backend.SetParamFlags, param backend.Pod) (int32, bool, error) {
	if !m.AsyncSetParam {
		m.mu.Lock()
		cb := m.cb.Result
		m.mu.Unlock()
		if cb != nil {
			cb(backend.ResultEvent{Seq: 0})
		}
		return 0, false, nil
	}

	m.mu.Lock()
	m.nextSeq++
	seq := m.nextSeq
	m.pendingParam[seq] = param
	m.mu.Unlock()
	return seq, true, nil
}

// CompleteAsync fires the Result callback for a previously deferred
// SetParam call, as if the backend had just finished negotiating.
// Tests drive this directly; there is no production caller since
// graphcore has no real out-of-process backend transport — a plugin
// loader is out of scope.
func (m *Mock) CompleteAsync(seq int32, ok bool) {
	m.mu.Lock()
	_, exists := m.pendingParam[seq]
	delete(m.pendingParam, seq)
	cb := m.cb.Result
	m.mu.Unlock()

	if !exists || cb == nil {
		return
	}
	var err error
	if !ok {
		err = errAsyncFailed
	}
	cb(backend.ResultEvent{Seq: seq, Async: true, Err: err})
}

var errAsyncFailed = &asyncError{"mockbackend: async set_param failed"}

type asyncError struct{ msg string }

func (e *asyncError) Error() string { return e.msg }

// Process returns the next configured status. REALTIME: matches the
// real Backend contract even though this mock does no real work on
// the realtime goroutine.
func (m *Mock) Process() backend.Status {
	n := m.processed.Add(1)
	m.mu.Lock()
	seq := m.ProcessSeq
	m.mu.Unlock()
	if len(seq) == 0 {
		return m.ProcessStatus
	}
	idx := int(n - 1)
	if idx >= len(seq) {
		return m.ProcessStatus
	}
	return seq[idx]
}

// Processed reports how many times Process has been called, for
// tests asserting the per-cycle exactly-once signal property.
func (m *Mock) Processed() uint64 { return m.processed.Load() }

// Started reports whether the last command was Start (and no Pause
// or Suspend has followed).
func (m *Mock) Started() bool { return m.started.Load() }
