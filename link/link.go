// Package link binds one output port to one input port, negotiates
// a format between them, and allocates the buffer pool they share.
//
// Like port, link never imports node: it references endpoints by
// gid.PortRef and reaches negotiation logic through the
// FormatNegotiator seam, keeping the node/port/link cycle acyclic at
// the Go package level.
package link

import (
	"fmt"
	"sync"

	"github.com/e7canasta/graphcore/backend"
	"github.com/e7canasta/graphcore/eventbus"
	"github.com/e7canasta/graphcore/gid"
)

// State is a link's position in its lifecycle.
type State int

const (
	StateInit State = iota
	StateNegotiating
	StateAllocating
	StatePaused
	StateActive
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateNegotiating:
		return "negotiating"
	case StateAllocating:
		return "allocating"
	case StatePaused:
		return "paused"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Format is the negotiated media format both endpoints agreed on.
type Format = backend.Pod

// BufferPool is an opaque handle to the allocated shared buffers; its
// contents are a backend concern.
type BufferPool struct {
	Size  uint32
	Count uint32
}

// FormatNegotiator is the pod-filtering seam spec work delegates to
// backends/utilities outside core's scope. EnumFormats lists what a
// port's backend reports for ParamFormat; Intersect picks one
// mutually acceptable Pod, or reports ok=false if none exists.
type FormatNegotiator interface {
	EnumFormats(ref gid.PortRef) ([]backend.Pod, error)
	Intersect(out, in []backend.Pod) (Format, bool)
	SetFormat(ref gid.PortRef, f Format) (seq int32, async bool, err error)
	AllocateBuffers(out, in gid.PortRef, f Format) (BufferPool, error)
}

// IntersectNegotiator is the default FormatNegotiator: straightforward
// media-type/subtype/rate/channel intersection over the Pod values
// each side's backend reports. It delegates enumeration and the
// actual SetParam calls to a Ports accessor supplied at construction,
// since link has no access to node/port internals directly.
type IntersectNegotiator struct {
	Ports PortsAccessor
}

// PortsAccessor is the minimal seam IntersectNegotiator needs into
// the live port/node graph, implemented by package core.
type PortsAccessor interface {
	EnumParams(ref gid.PortRef, id backend.ParamID) ([]backend.Pod, error)
	SetParam(ref gid.PortRef, id backend.ParamID, flags backend.SetParamFlags, pod backend.Pod) (seq int32, async bool, err error)
}

func (n *IntersectNegotiator) EnumFormats(ref gid.PortRef) ([]backend.Pod, error) {
	return n.Ports.EnumParams(ref, backend.ParamFormat)
}

// Intersect keeps the first output format whose media_type, subtype,
// rate and channels fields (when present) all match some input
// format. Real pod-filtering is a backend/utility concern; this
// covers the common negotiation case the default backends exercise.
func (n *IntersectNegotiator) Intersect(out, in []backend.Pod) (Format, bool) {
	keys := []string{"media_type", "media_subtype", "rate", "channels"}
	for _, o := range out {
		for _, i := range in {
			if podsCompatible(o, i, keys) {
				return o, true
			}
		}
	}
	return nil, false
}

func podsCompatible(a, b backend.Pod, keys []string) bool {
	for _, k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		if aok && bok && av != bv {
			return false
		}
	}
	return true
}

func (n *IntersectNegotiator) SetFormat(ref gid.PortRef, f Format) (int32, bool, error) {
	return n.Ports.SetParam(ref, backend.ParamFormat, 0, f)
}

func (n *IntersectNegotiator) AllocateBuffers(out, in gid.PortRef, f Format) (BufferPool, error) {
	return BufferPool{Size: 4096, Count: 4}, nil
}

// Link binds two ports together.
type Link struct {
	mu sync.Mutex

	id     gid.LinkID
	output gid.PortRef
	input  gid.PortRef

	state  State
	format Format
	pool   *BufferPool
	negErr error

	neg FormatNegotiator

	stateListeners *eventbus.Listeners[eventbus.StateListener]
}

// New validates that output and input reference opposite directions
// on different nodes and constructs a Link in StateInit.
func New(id gid.LinkID, out, in gid.PortRef, neg FormatNegotiator) (*Link, error) {
	if out.Direction != gid.DirOutput {
		return nil, fmt.Errorf("link: output ref %v is not an output port", out)
	}
	if in.Direction != gid.DirInput {
		return nil, fmt.Errorf("link: input ref %v is not an input port", in)
	}
	if out.Node == in.Node {
		return nil, fmt.Errorf("link: cannot link node %d to itself", out.Node)
	}
	if neg == nil {
		return nil, fmt.Errorf("link: negotiator must not be nil")
	}
	return &Link{
		id:             id,
		output:         out,
		input:          in,
		state:          StateInit,
		neg:            neg,
		stateListeners: eventbus.New[eventbus.StateListener](),
	}, nil
}

func (l *Link) ID() gid.LinkID      { return l.id }
func (l *Link) Output() gid.PortRef { return l.output }
func (l *Link) Input() gid.PortRef  { return l.input }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) transition(to State) {
	l.mu.Lock()
	from := l.state
	l.state = to
	l.mu.Unlock()
	if from == to {
		return
	}
	errStr := ""
	if to == StateError {
		l.mu.Lock()
		if l.negErr != nil {
			errStr = l.negErr.Error()
		}
		l.mu.Unlock()
	}
	l.stateListeners.Emit(0, func(ls eventbus.StateListener) {
		ls(eventbus.StateChange{EntityID: uint32(l.id), From: from.String(), To: to.String(), Error: errStr})
	})
}

// Negotiate runs format negotiation synchronously where possible: it
// enumerates both endpoints' formats, intersects them, and applies
// the chosen format to the output port only; the input port's format
// is not set. If that SetFormat call reports async, the caller
// (core.Core, via the work queue) must hold the link in
// StateNegotiating until the matching result arrives and call
// CompleteNegotiation; Negotiate itself never blocks.
func (l *Link) Negotiate() (seq int32, async bool, err error) {
	l.transition(StateNegotiating)

	outFormats, err := l.neg.EnumFormats(l.output)
	if err != nil {
		l.fail(err)
		return 0, false, err
	}
	inFormats, err := l.neg.EnumFormats(l.input)
	if err != nil {
		l.fail(err)
		return 0, false, err
	}

	chosen, ok := l.neg.Intersect(outFormats, inFormats)
	if !ok {
		err := fmt.Errorf("link: no compatible format between %v and %v", l.output, l.input)
		l.fail(err)
		return 0, false, err
	}

	seq, async, err = l.neg.SetFormat(l.output, chosen)
	if err != nil {
		l.fail(err)
		return 0, false, err
	}
	if async {
		l.mu.Lock()
		l.format = chosen
		l.mu.Unlock()
		return seq, true, nil
	}

	return 0, false, l.finishAllocate(chosen)
}

// CompleteNegotiation is called by the work queue once an async
// SetFormat result arrives. ok=false leaves the link in error and
// never becomes partially active.
func (l *Link) CompleteNegotiation(ok bool, negErr error) error {
	if !ok {
		l.fail(negErr)
		return negErr
	}
	l.mu.Lock()
	format := l.format
	l.mu.Unlock()
	return l.finishAllocate(format)
}

func (l *Link) finishAllocate(format Format) error {
	l.transition(StateAllocating)
	pool, err := l.neg.AllocateBuffers(l.output, l.input, format)
	if err != nil {
		l.fail(err)
		return err
	}
	l.mu.Lock()
	l.format = format
	l.pool = &pool
	l.mu.Unlock()
	l.transition(StatePaused)
	return nil
}

func (l *Link) fail(err error) {
	l.mu.Lock()
	l.negErr = err
	l.mu.Unlock()
	l.transition(StateError)
}

// Activate moves the link from paused to active. Returns an error if
// the link isn't paused (e.g. still negotiating).
func (l *Link) Activate() error {
	l.mu.Lock()
	if l.state != StatePaused {
		cur := l.state
		l.mu.Unlock()
		return fmt.Errorf("link: cannot activate from state %s", cur)
	}
	l.mu.Unlock()
	l.transition(StateActive)
	return nil
}

// Deactivate is Activate's inverse.
func (l *Link) Deactivate() error {
	l.mu.Lock()
	if l.state != StateActive {
		cur := l.state
		l.mu.Unlock()
		return fmt.Errorf("link: cannot deactivate from state %s", cur)
	}
	l.mu.Unlock()
	l.transition(StatePaused)
	return nil
}

// Format returns the negotiated format, or nil if negotiation hasn't
// completed.
func (l *Link) Format() Format {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.format
}

// OnStateChange registers a state listener.
func (l *Link) OnStateChange(ls eventbus.StateListener) eventbus.Token {
	return l.stateListeners.Add(0, ls)
}

// Destroy marks the link dead; callers (node.Node/core.Core) are
// responsible for removing it from both endpoints' link lists and
// from the global link registry.
func (l *Link) Destroy() {
	l.mu.Lock()
	wasActive := l.state == StateActive
	l.mu.Unlock()
	if wasActive {
		_ = l.Deactivate()
	}
}
