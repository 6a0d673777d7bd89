// Package gstbackend is a backend.Backend whose Process() pulls the
// latest sample off a GStreamer appsink: the reference "real decode"
// implementation the mock exists to stand in for in tests.
//
// Grounded on modules/stream-capture/internal/rtsp/{pipeline,callbacks}.go
// and its caller in modules/stream-capture/rtsp.go: the same
// appsink tuning (sync=false, max-buffers=1, drop=true — keep only
// the newest frame, never block the pipeline's own streaming thread
// waiting for a consumer) and the same
// app.Sink.SetCallbacks(&app.SinkCallbacks{NewSampleFunc: ...}) wiring
// that pulls and copies a sample's buffer inside the callback. Unlike
// the teacher, the pulled sample is not pushed onto a channel for a
// separate consumer goroutine: it is stored in an atomic pointer and
// picked up by Process() on the realtime goroutine's own cadence,
// since a Backend's Process() contract is synchronous, once per
// cycle, never blocking.
package gstbackend

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/graphcore/backend"
)

// PropertyMap names, for each ParamID this backend exposes, the
// GStreamer element property it reads/writes SetParam/EnumParams
// against. A node typically has one tunable element (a decoder, a
// rate filter); which element and which properties are domain
// knowledge the backend's constructor is handed, not something
// gstbackend invents.
type PropertyMap map[backend.ParamID]string

// Backend drives one GStreamer pipeline built and owned by the
// caller: gstbackend only ever touches the appsink it is given and,
// for EnumParams/SetParam, the element named in PropertyMap. Building
// the rest of the pipeline (source, decode, convert elements) is the
// same domain-specific assembly stream-capture's CreatePipeline does;
// gstbackend does not duplicate it.
type Backend struct {
	pipeline *gst.Pipeline
	sink     *app.Sink
	paramEl  *gst.Element
	params   PropertyMap

	mu sync.Mutex
	cb backend.Callbacks

	latest   atomic.Pointer[gst.Sample]
	outPtr   unsafe.Pointer
	outSize  uint32
	dropped  atomic.Uint64
	pulled   atomic.Uint64
}

// New wraps an already-built pipeline and its appsink. paramEl and
// params may be nil if this node has no tunable properties.
func New(pipeline *gst.Pipeline, sink *app.Sink, paramEl *gst.Element, params PropertyMap) (*Backend, error) {
	if pipeline == nil || sink == nil {
		return nil, fmt.Errorf("gstbackend: pipeline and sink must not be nil")
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	b := &Backend{pipeline: pipeline, sink: sink, paramEl: paramEl, params: params}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			return b.onNewSample(s)
		},
	})
	return b, nil
}

func (b *Backend) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	b.pulled.Add(1)
	if prev := b.latest.Swap(sample); prev != nil {
		b.dropped.Add(1)
	}
	return gst.FlowOK
}

// SetIO records where Process should copy the next sample's buffer:
// Process copies at most size bytes of each sample into ptr. graphcore
// calls this with the activation record's position area and a size of
// zero, so under graphcore Process copies nothing.
func (b *Backend) SetIO(kind backend.IOKind, ptr unsafe.Pointer, size uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outPtr = ptr
	b.outSize = size
	return nil
}

// SendCommand maps Start/Pause/Suspend onto the pipeline's own state
// machine (gst.StatePlaying / gst.StatePaused / gst.StateNull), the
// same states CreatePipeline documents as NULL-until-started.
func (b *Backend) SendCommand(cmd backend.Command) error {
	switch cmd {
	case backend.CommandStart:
		return b.pipeline.SetState(gst.StatePlaying)
	case backend.CommandPause:
		return b.pipeline.SetState(gst.StatePaused)
	case backend.CommandSuspend:
		return b.pipeline.SetState(gst.StateNull)
	case backend.CommandFlush:
		b.latest.Store(nil)
		return nil
	}
	return fmt.Errorf("gstbackend: unknown command %v", cmd)
}

func (b *Backend) SetCallbacks(cb backend.Callbacks) {
	b.mu.Lock()
	b.cb = cb
	b.mu.Unlock()
}

// EnumParams reports the current value of every mapped property as a
// single-entry Pod, the same "report what's there, filter by caller"
// shape mockbackend.EnumParams uses for ParamFormat.
func (b *Backend) EnumParams(seq int32, id backend.ParamID, start, num uint32, filter backend.EnumParamsFilter) error {
	b.mu.Lock()
	cb := b.cb.Result
	paramEl := b.paramEl
	name, ok := b.params[id]
	b.mu.Unlock()

	if !ok || paramEl == nil {
		if cb != nil {
			cb(backend.ResultEvent{Seq: seq})
		}
		return nil
	}

	val, err := paramEl.GetProperty(name)
	if err != nil {
		return fmt.Errorf("gstbackend: get property %q: %w", name, err)
	}
	pod := backend.Pod{name: val}
	if !matchesFilter(pod, filter) {
		if cb != nil {
			cb(backend.ResultEvent{Seq: seq})
		}
		return nil
	}
	if cb != nil {
		cb(backend.ResultEvent{Seq: seq, Param: pod})
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

// SetParam applies every field in param as a property write on the
// mapped element, synchronously (GStreamer property sets are not
// async the way a SPA plugin's param negotiation can be).
func (b *Backend) SetParam(id backend.ParamID, flags backend.SetParamFlags, param backend.Pod) (int32, bool, error) {
	b.mu.Lock()
	cb := b.cb.Result
	paramEl := b.paramEl
	name, ok := b.params[id]
	b.mu.Unlock()

	if !ok || paramEl == nil {
		return 0, false, fmt.Errorf("gstbackend: param id %d has no mapped property", id)
	}
	val, present := param[name]
	if !present {
		return 0, false, fmt.Errorf("gstbackend: param %q missing from pod", name)
	}
	if flags&backend.FlagTest != 0 {
		if cb != nil {
			cb(backend.ResultEvent{Seq: 0})
		}
		return 0, false, nil
	}
	paramEl.SetProperty(name, val)
	if cb != nil {
		cb(backend.ResultEvent{Seq: 0})
	}
	return 0, false, nil
}

// Process copies the most recently pulled sample's buffer into the
// area SetIO named, if one arrived since the last call. REALTIME:
// never blocks — onNewSample runs on GStreamer's own streaming
// thread, Process only ever swaps an atomic pointer.
func (b *Backend) Process() backend.Status {
	sample := b.latest.Swap(nil)
	if sample == nil {
		return backend.StatusNeedBuffer
	}
	buf := sample.GetBuffer()
	if buf == nil {
		return backend.StatusError
	}
	mapInfo := buf.Map(gst.MapRead)
	defer buf.Unmap()
	data := mapInfo.Bytes()

	b.mu.Lock()
	ptr, size := b.outPtr, b.outSize
	b.mu.Unlock()
	if ptr == nil || size == 0 {
		return backend.StatusHaveBuffer
	}
	n := uint32(len(data))
	if n > size {
		n = size
	}
	dst := unsafe.Slice((*byte)(ptr), n)
	copy(dst, data[:n])
	return backend.StatusOK
}

// Pulled and Dropped report sample throughput for metrics/debugging:
// Pulled is every sample onNewSample received, Dropped is how many
// were overwritten before a Process() call consumed them (the same
// "drop=true, keep newest" policy the appsink property already
// enforces on GStreamer's side, observed here for diagnostics).
func (b *Backend) Pulled() uint64  { return b.pulled.Load() }
func (b *Backend) Dropped() uint64 { return b.dropped.Load() }
