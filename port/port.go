// Package port implements the per-node input/output endpoints a
// link attaches to: state machine, parameter cache, and the mix
// sub-node used when several links feed one input.
//
// Port never imports package node: backend calls are forwarded
// through a small BackendCaller interface injected at construction,
// following the same "invoke through a narrow seam, not a direct
// dependency" shape as the teacher's framesupplier/internal split
// between supplier and distribution.
package port

import (
	"fmt"
	"sync"

	"github.com/e7canasta/graphcore/backend"
	"github.com/e7canasta/graphcore/eventbus"
	"github.com/e7canasta/graphcore/gid"
)

// State is a port's position in its lifecycle.
type State int

const (
	StateInit State = iota
	StateConfigure
	StateReady
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConfigure:
		return "configure"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Info is the construction-time description of a port, mirroring
// what a backend reports for max buffers/params.
type Info struct {
	Props  map[string]string
	Params []backend.ParamID
}

// BackendCaller is the seam port uses to reach the owning node's
// backend without importing package node. *node.Node implements this.
type BackendCaller interface {
	CallSetParam(id backend.ParamID, flags backend.SetParamFlags, pod backend.Pod) (seq int32, async bool, err error)
	NotifyPortState(port gid.PortID, dir gid.Direction, from, to State)
}

// Mix is the sub-processor merging multiple incoming links into one
// logical input. Only ever invoked from the realtime goroutine.
type Mix struct {
	mu     sync.Mutex
	inputs []gid.LinkID
}

// AddInput registers a link as feeding this mix. Main-thread only.
func (m *Mix) AddInput(link gid.LinkID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, link)
}

// RemoveInput drops a link from this mix. Main-thread only.
func (m *Mix) RemoveInput(link gid.LinkID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.inputs {
		if l == link {
			m.inputs = append(m.inputs[:i], m.inputs[i+1:]...)
			return
		}
	}
}

// Process is the per-cycle hook for an input mix. It merges nothing:
// the inputs it is handed are ignored and no state is read or written.
// REALTIME: called from the owning node's realtime goroutine only,
// never takes m.mu — the input list snapshot it reads is a value
// copy taken by the caller at cycle start to avoid lock contention on
// the hot path.
func (m *Mix) Process(inputs []gid.LinkID) {
	_ = inputs
}

// Inputs returns a snapshot of the current input link list, safe to
// call from the main thread.
func (m *Mix) Inputs() []gid.LinkID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]gid.LinkID, len(m.inputs))
	copy(out, m.inputs)
	return out
}

// Port is one node's input or output endpoint.
type Port struct {
	mu sync.Mutex

	id        gid.PortID
	nodeID    gid.NodeID
	direction gid.Direction

	state  State
	links  []gid.LinkID
	mix    *Mix
	params []backend.ParamID

	multiplex bool

	caller BackendCaller

	stateListeners *eventbus.Listeners[eventbus.StateListener]
	infoListeners  *eventbus.Listeners[eventbus.InfoListener]

	nReadyLinks int
	nUsedLinks  int
}

// New creates a port in StateInit. Fails if direction is neither
// DirInput nor DirOutput (it always is, in Go, but the check mirrors
// the teacher's defensive validation at construction boundaries) or
// caller is nil.
func New(dir gid.Direction, id gid.PortID, nodeID gid.NodeID, info Info, caller BackendCaller) (*Port, error) {
	if dir != gid.DirInput && dir != gid.DirOutput {
		return nil, fmt.Errorf("port: invalid direction %v", dir)
	}
	if caller == nil {
		return nil, fmt.Errorf("port: caller must not be nil")
	}
	p := &Port{
		id:             id,
		nodeID:         nodeID,
		direction:      dir,
		state:          StateInit,
		params:         info.Params,
		mix:            &Mix{},
		caller:         caller,
		stateListeners: eventbus.New[eventbus.StateListener](),
		infoListeners:  eventbus.New[eventbus.InfoListener](),
	}
	return p, nil
}

// ID, NodeID, Direction are read-only identity accessors; safe for
// concurrent use since they never change after New.
func (p *Port) ID() gid.PortID           { return p.id }
func (p *Port) NodeID() gid.NodeID       { return p.nodeID }
func (p *Port) Direction() gid.Direction { return p.direction }

// State reports the current lifecycle state.
func (p *Port) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Mix exposes the port's mix sub-node for the realtime goroutine.
func (p *Port) Mix() *Mix { return p.mix }

// SetParam forwards to the owning node's backend and advances the
// state machine on success: init/paused -> configure when id is
// Format and the call did not error, configure -> ready once a
// buffer pool has separately been bound via MarkBufferPoolBound. The
// transition to configure happens whether the backend applied the
// param synchronously or only accepted it for async completion — link
// negotiation tracks the async case itself via the returned seq.
// Returns the backend's seq/async/error unchanged.
func (p *Port) SetParam(id backend.ParamID, flags backend.SetParamFlags, pod backend.Pod) (int32, bool, error) {
	seq, async, err := p.caller.CallSetParam(id, flags, pod)
	if err != nil {
		p.transition(StateConfigure)
		return seq, async, err
	}
	if id == backend.ParamFormat {
		p.transition(StateConfigure)
	}
	return seq, async, nil
}

// MarkBufferPoolBound advances configure -> ready once link
// negotiation has allocated buffers for this port.
func (p *Port) MarkBufferPoolBound() {
	p.mu.Lock()
	if p.state == StateConfigure {
		p.state = StateReady
	}
	p.mu.Unlock()
}

// MarkPaused advances ready -> paused, e.g. when the owning node's
// driver pauses.
func (p *Port) MarkPaused() {
	p.transition(StatePaused)
}

func (p *Port) transition(to State) {
	p.mu.Lock()
	from := p.state
	if from == to {
		p.mu.Unlock()
		return
	}
	p.state = to
	p.mu.Unlock()

	p.caller.NotifyPortState(p.id, p.direction, from, to)
	p.stateListeners.Emit(0, func(l eventbus.StateListener) {
		l(eventbus.StateChange{EntityID: uint32(p.id), From: from.String(), To: to.String()})
	})
}

// UpdateInfo merges backend-reported info and reports whether
// anything changed, emitting an InfoChange to listeners only when it
// did.
func (p *Port) UpdateInfo(info Info) bool {
	p.mu.Lock()
	changed := !paramsEqual(p.params, info.Params)
	if changed {
		p.params = info.Params
	}
	p.mu.Unlock()

	if changed {
		p.infoListeners.Emit(0, func(l eventbus.InfoListener) {
			l(eventbus.InfoChange{EntityID: uint32(p.id), Props: info.Props})
		})
	}
	return changed
}

func paramsEqual(a, b []backend.ParamID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AddLink registers a link as attached to this port and bumps the
// used-link counter. Main-thread only.
func (p *Port) AddLink(id gid.LinkID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.links = append(p.links, id)
	p.nUsedLinks++
}

// RemoveLink detaches a link, decrementing used (and ready, if it was
// ready) counters.
func (p *Port) RemoveLink(id gid.LinkID, wasReady bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, l := range p.links {
		if l == id {
			p.links = append(p.links[:i], p.links[i+1:]...)
			p.nUsedLinks--
			if wasReady {
				p.nReadyLinks--
			}
			return
		}
	}
}

// MarkLinkReady bumps the ready-link counter, used by node's start
// gate (spec: n_ready_output_links == n_used_output_links).
func (p *Port) MarkLinkReady() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nReadyLinks++
}

// MarkLinkNotReady reverses MarkLinkReady.
func (p *Port) MarkLinkNotReady() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nReadyLinks > 0 {
		p.nReadyLinks--
	}
}

// LinkCounts returns (ready, used) link counts for the start gate.
func (p *Port) LinkCounts() (ready, used int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nReadyLinks, p.nUsedLinks
}

// Links returns a snapshot of attached link ids.
func (p *Port) Links() []gid.LinkID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]gid.LinkID, len(p.links))
	copy(out, p.links)
	return out
}

// OnStateChange registers a state listener, returning a token for
// later removal.
func (p *Port) OnStateChange(l eventbus.StateListener) eventbus.Token {
	return p.stateListeners.Add(0, l)
}

// OnInfoChange registers an info listener.
func (p *Port) OnInfoChange(l eventbus.InfoListener) eventbus.Token {
	return p.infoListeners.Add(0, l)
}

// Destroy tears down every link attached to this port and releases
// the mix sub-node. The caller (node.Node) is responsible for
// removing the port from its own maps; Destroy only handles the
// port's own teardown and listener cleanup.
func (p *Port) Destroy(destroyLink func(gid.LinkID)) {
	for _, l := range p.Links() {
		destroyLink(l)
	}
	p.mu.Lock()
	p.mix = nil
	p.mu.Unlock()
}
