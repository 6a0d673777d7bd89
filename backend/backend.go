// Package backend declares the interface graphcore's core consumes
// but never implements for production use: a plugin loader is what
// instantiates real backends, out of scope here. graphcore ships two
// reference implementations for its own tests and examples —
// mockbackend (deterministic, no external deps) and gstbackend (wraps
// go-gst, exercises the same dependency the teacher exercises for
// real video decode).
package backend

import "unsafe"

// Status is the result of one Process() call.
type Status int

const (
	StatusOK Status = iota
	StatusHaveBuffer
	StatusNeedBuffer
	StatusAsync
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusHaveBuffer:
		return "have-buffer"
	case StatusNeedBuffer:
		return "need-buffer"
	case StatusAsync:
		return "async"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Command is one of the four backend lifecycle commands.
type Command int

const (
	CommandPause Command = iota
	CommandStart
	CommandSuspend
	CommandFlush
)

func (c Command) String() string {
	switch c {
	case CommandPause:
		return "pause"
	case CommandStart:
		return "start"
	case CommandSuspend:
		return "suspend"
	case CommandFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// IOKind identifies which IO area SetIO is pointing the backend at.
// graphcore only ever points backends at the position/clock area of
// an activation record, but the enum leaves room for a
// backend-specific IO area id, as SPA itself allows.
type IOKind uint32

const (
	IOPosition IOKind = iota
	IOBuffers
	IOControl
)

// ParamID names a backend parameter (Format, Props, ...). graphcore
// treats these as opaque small integers; the pod/property encoding
// behind a given id is a backend concern, out of core's scope.
type ParamID uint32

const (
	ParamFormat ParamID = iota
	ParamProps
	ParamLatency
)

// SetParamFlags are bit flags accompanying SetParam, e.g. whether the
// caller wants the value to merely be validated, not applied.
type SetParamFlags uint32

const (
	FlagTest SetParamFlags = 1 << iota
	FlagNone SetParamFlags = 0
)

// Pod stands in for the pod/property wire format; its serialization
// is a backend concern. graphcore only needs to inspect a small
// structured subset of a pod for format negotiation, so Pod is a
// plain Go value (usually a map[string]any) rather than a binary pod
// decoder.
type Pod = map[string]any

// EnumParamsFilter narrows an EnumParams call, e.g. "only formats
// compatible with this pod" during link negotiation.
type EnumParamsFilter = Pod

// Info is the node-level info a backend reports, mirroring the fields
// a real SPA node info carries that graphcore's event bus cares
// about.
type Info struct {
	MaxInputPorts  uint32
	MaxOutputPorts uint32
	ChangeMask     uint64
	Props          map[string]string
}

// PortInfo is the port-level info a backend reports.
type PortInfo struct {
	ChangeMask uint64
	Props      map[string]string
	Params     []ParamID
}

// ResultEvent is what a backend delivers via Callbacks.Result for an
// asynchronous command or param call: the sequence id it was given,
// and the outcome.
type ResultEvent struct {
	Seq   int32
	Async bool
	Err   error
	// Param carries the enumerated value for an EnumParams result;
	// nil for command/set_param completions that have no payload.
	Param Pod
}

// Event is a free-form backend notification that doesn't fit Info,
// PortInfo or Result (buffer underrun, latency change, ...).
type Event struct {
	Type string
	Data map[string]any
}

// Callbacks is the bundle a Backend's producer delivers notifications
// through. graphcore installs exactly one of these per backend, at
// Node.SetImplementation time.
type Callbacks struct {
	Info        func(Info)
	PortInfo    func(portID uint32, info PortInfo)
	Result      func(ResultEvent)
	Event       func(Event)
	ReuseBuffer func(portID uint32, bufferID uint32) // REALTIME
}

// Backend is the interface graphcore's core consumes. All methods are
// main-thread-only except Process and Callbacks.ReuseBuffer, which
// run on the realtime goroutine — call sites are marked with a
// "// REALTIME:" comment, matching the teacher's "// OPTIMIZATION
// Level N:" marker convention for special-case code paths.
type Backend interface {
	SetIO(kind IOKind, ptr unsafe.Pointer, size uint32) error
	SendCommand(cmd Command) error
	SetCallbacks(cb Callbacks)
	EnumParams(seq int32, id ParamID, start, num uint32, filter EnumParamsFilter) error

	// SetParam applies param, returning a sequence id and async=true if
	// the backend cannot apply it before returning (e.g. a decoder
	// renegotiating its pipeline). An async caller must wait for the
	// matching Callbacks.Result before treating the param as applied.
	SetParam(id ParamID, flags SetParamFlags, param Pod) (seq int32, async bool, err error)

	// Process runs one cycle of backend work and returns its outcome.
	// REALTIME: called only from the goroutine running the node's cycle:
	// the driver's goroutine for a driver, the node's own runner
	// otherwise.
	Process() Status
}
