// Package node implements the node lifecycle: port ownership, the
// activation record, the node state machine, and the glue that lets
// port and link forward backend calls without importing this
// package back (node implements port.BackendCaller and feeds
// link.PortsAccessor via core).
package node

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/e7canasta/graphcore/activation"
	"github.com/e7canasta/graphcore/backend"
	"github.com/e7canasta/graphcore/eventbus"
	"github.com/e7canasta/graphcore/gid"
	"github.com/e7canasta/graphcore/port"
	"github.com/e7canasta/graphcore/shmem"
	"github.com/e7canasta/graphcore/workqueue"
)

// positionPointer returns a pointer to the embedded Position field of
// a shared activation layout, for handing to a backend's SetIO so it
// can write position/clock directly into shared memory.
func positionPointer(layout *activation.SharedLayout) unsafe.Pointer {
	return unsafe.Pointer(&layout.Position)
}

// State is a node's position in its lifecycle.
type State int

const (
	StateCreating State = iota
	StateSuspended
	StateIdle
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateSuspended:
		return "suspended"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Properties is a node's property bag, read by the main thread and
// snapshotted for the realtime side when it needs to observe a
// value (e.g. PauseOnIdle).
type Properties map[string]string

// BoolProp reads a boolean-valued property, defaulting to def when
// absent or unparseable.
func (p Properties) BoolProp(key string, def bool) bool {
	v, ok := p[key]
	if !ok {
		return def
	}
	return v == "true" || v == "1"
}

const propDriver = "node.driver"
const propPauseOnIdle = "node.pause-on-idle"
const propWantsDriver = "node.wants-driver"

// Node owns ports, an activation record, a backend, and the state
// machine binding them together.
type Node struct {
	mu sync.Mutex

	id   gid.NodeID
	name string

	state    State
	lastErr  string
	props    Properties
	registry Registry

	inputs  map[gid.PortID]*port.Port
	outputs map[gid.PortID]*port.Port
	nextIn  gid.PortID
	nextOut gid.PortID

	driver      gid.NodeID
	slaves      map[gid.NodeID]struct{}
	wantsDriver bool

	backend     backend.Backend
	backendSet  bool
	maxInPorts  uint32
	maxOutPorts uint32

	shmBlock *shmem.Block
	evfd     *shmem.EventFD
	activ    *activation.Record

	active       bool
	desiredState State
	hasDesired   bool

	work *workqueue.Queue
	seq  atomic.Int32

	infoListeners  *eventbus.Listeners[eventbus.InfoListener]
	stateListeners *eventbus.Listeners[eventbus.StateListener]
	paramListeners *eventbus.Listeners[eventbus.ParamListener]
}

// Registry is the narrow seam node uses to reach graph-level
// operations (recalculation, invoke-queue submission) without
// importing package core or package graph. Implemented by
// *core.Core.
type Registry interface {
	RequestRecalc()
	Invoke(fn func())
}

// New allocates a node's shared-memory activation block and eventfd,
// in StateCreating, driver = self (master until SetDriver says
// otherwise).
func New(id gid.NodeID, name string, props Properties, reg Registry, wq *workqueue.Queue) (*Node, error) {
	block, err := shmem.New(fmt.Sprintf("graphcore-node-%d", id))
	if err != nil {
		return nil, fmt.Errorf("node: allocate activation block for %q: %w", name, err)
	}
	evfd, err := shmem.NewEventFD()
	if err != nil {
		_ = block.Close()
		return nil, fmt.Errorf("node: allocate eventfd for %q: %w", name, err)
	}
	if props == nil {
		props = Properties{}
	}
	n := &Node{
		id:             id,
		name:           name,
		state:          StateCreating,
		props:          props,
		registry:       reg,
		inputs:         make(map[gid.PortID]*port.Port),
		outputs:        make(map[gid.PortID]*port.Port),
		driver:         id,
		slaves:         make(map[gid.NodeID]struct{}),
		wantsDriver:    props.BoolProp(propWantsDriver, true),
		shmBlock:       block,
		evfd:           evfd,
		activ:          activation.NewAt(block.Layout()),
		work:           wq,
		infoListeners:  eventbus.New[eventbus.InfoListener](),
		stateListeners: eventbus.New[eventbus.StateListener](),
		paramListeners: eventbus.New[eventbus.ParamListener](),
	}
	return n, nil
}

func (n *Node) ID() gid.NodeID                 { return n.id }
func (n *Node) Name() string                   { return n.name }
func (n *Node) Activation() *activation.Record { return n.activ }
func (n *Node) EventFD() *shmem.EventFD        { return n.evfd }

func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) LastError() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastErr
}

// Driver reports this node's current driver; Driver() == ID() iff
// this node is master of its connected component.
func (n *Node) Driver() gid.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.driver
}

func (n *Node) IsMaster() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.driver == n.id
}

// WantsDriver reports the node's declared election preference, read
// from the "node.wants-driver" property at construction (default
// true: any node is a candidate until told otherwise, e.g. a pure
// sink that should never pace the graph). Independent of IsMaster,
// which reflects the outcome of the last election rather than a
// standing preference.
func (n *Node) WantsDriver() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.wantsDriver
}

// SetImplementation attaches a backend and installs callbacks. Fails
// if a backend is already attached.
func (n *Node) SetImplementation(b backend.Backend) error {
	n.mu.Lock()
	if n.backendSet {
		n.mu.Unlock()
		return fmt.Errorf("node %d: backend already set", n.id)
	}
	n.backend = b
	n.backendSet = true
	n.mu.Unlock()

	b.SetCallbacks(backend.Callbacks{
		Info:     n.onBackendInfo,
		PortInfo: n.onBackendPortInfo,
		Result:   n.onBackendResult,
		Event:    n.onBackendEvent,
	})

	layout := n.shmBlock.Layout()
	_ = b.SetIO(backend.IOPosition, positionPointer(layout), 0)
	return nil
}

// Register assigns this node visible status; in graphcore's
// single-process core the id is already assigned at New time, so
// Register's remaining job is registering pre-existing ports (a
// no-op here, since ports are added via AddPort after New) and
// emitting the initialized transition to suspended.
func (n *Node) Register() {
	n.transition(StateSuspended)
}

func (n *Node) transition(to State) {
	n.mu.Lock()
	from := n.state
	if from == to {
		n.mu.Unlock()
		return
	}
	n.state = to
	errStr := n.lastErr
	n.mu.Unlock()

	n.stateListeners.Emit(0, func(l eventbus.StateListener) {
		l(eventbus.StateChange{EntityID: uint32(n.id), From: from.String(), To: to.String(), Error: errStr})
	})
}

// SetState drives the node's state machine. Asynchronous backend
// responses (e.g. a Start command that itself triggers async buffer
// allocation inside the backend) are completed via the work queue
// rather than blocking here.
//
// A transition requested while the node's link-readiness is
// inconsistent (running requested but n_ready_output_links !=
// n_used_output_links, likewise for inputs) is silently deferred: the
// desired state is recorded and re-attempted the next time link
// readiness changes (see MarkPortLinkReady).
func (n *Node) SetState(desired State) error {
	n.mu.Lock()
	if !n.backendSet && desired != StateSuspended {
		n.mu.Unlock()
		return fmt.Errorf("node %d: no backend attached, cannot leave creating", n.id)
	}
	current := n.state
	n.mu.Unlock()

	if desired == StateRunning && current != StateRunning {
		if !n.linksReady() {
			n.mu.Lock()
			n.desiredState = desired
			n.hasDesired = true
			n.mu.Unlock()
			return nil
		}
	}

	return n.applyState(desired)
}

func (n *Node) applyState(desired State) error {
	var cmd backend.Command
	switch desired {
	case StateIdle:
		pauseOnIdle := n.props.BoolProp(propPauseOnIdle, true)
		if pauseOnIdle {
			cmd = backend.CommandPause
		} else {
			n.transition(StateIdle)
			return nil
		}
	case StateRunning:
		cmd = backend.CommandStart
	case StateSuspended:
		cmd = backend.CommandSuspend
	default:
		return fmt.Errorf("node %d: cannot request state %s directly", n.id, desired)
	}

	n.mu.Lock()
	b := n.backend
	n.mu.Unlock()
	if b == nil {
		n.transition(desired)
		return nil
	}

	// A transition requested while a previous one is still in flight
	// supersedes it: the stale item must not fire against a state this
	// node has already moved past.
	n.work.Cancel(uint32(n.id))

	seq := n.seq.Add(1)
	n.work.Enqueue(workqueue.Item{
		Owner:    uint32(n.id),
		Sequence: seq,
		Callback: func(res workqueue.Result) {
			if res.OK {
				n.transition(desired)
			} else {
				n.fail(res.Err)
			}
		},
	})
	if err := b.SendCommand(cmd); err != nil {
		n.work.Complete(uint32(n.id), seq, workqueue.Result{OK: false, Err: err})
		return err
	}
	// A backend whose SendCommand is synchronous completes immediately;
	// backends that need to report asynchronously call back through
	// onBackendResult with the same sequence.
	n.work.Complete(uint32(n.id), seq, workqueue.Result{OK: true})
	return nil
}

func (n *Node) fail(err error) {
	n.mu.Lock()
	if err != nil {
		n.lastErr = err.Error()
	}
	n.mu.Unlock()
	n.transition(StateError)
}

// linksReady implements the start gate: n_ready_output_links ==
// n_used_output_links and the same for inputs.
func (n *Node) linksReady() bool {
	n.mu.Lock()
	ins := mapValues(n.inputs)
	outs := mapValues(n.outputs)
	n.mu.Unlock()

	for _, p := range append(ins, outs...) {
		ready, used := p.LinkCounts()
		if ready != used {
			return false
		}
	}
	return true
}

func mapValues(m map[gid.PortID]*port.Port) []*port.Port {
	out := make([]*port.Port, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

// MarkPortLinkReady notifies the node that a link feeding/fed-by one
// of its ports became ready, and retries a previously deferred
// SetState(running) if one is pending.
func (n *Node) MarkPortLinkReady() {
	n.mu.Lock()
	desired := n.desiredState
	hasDeferred := n.hasDesired
	n.mu.Unlock()
	if hasDeferred && n.linksReady() {
		n.mu.Lock()
		n.hasDesired = false
		n.mu.Unlock()
		_ = n.applyState(desired)
	}
}

// SetActive records the node's active flag. Turning off forces idle;
// turning on requests a graph recalculation. It does not activate any
// attached link: links move to active only through
// core.Core.ActivateLink.
func (n *Node) SetActive(active bool) {
	n.mu.Lock()
	n.active = active
	n.mu.Unlock()

	if !active {
		_ = n.SetState(StateIdle)
		return
	}

	// Node does not own the global link registry, so it only triggers
	// the recalculation; RecalcGraph itself changes no link state.
	n.registry.RequestRecalc()
}

// SetDriver reassigns this node's driver. The actual target-list
// migration happens on the data-loop via the invoke queue so the
// realtime goroutine never observes a half-updated list.
func (n *Node) SetDriver(driver gid.NodeID) {
	n.registry.Invoke(func() {
		n.mu.Lock()
		n.driver = driver
		n.props[propDriver] = fmt.Sprintf("%d", driver)
		n.mu.Unlock()
	})
}

// ForEachParam queries the backend and dispatches results as they
// arrive on the backend's Result callback; seq lets the caller match
// its own bookkeeping to the eventual onBackendResult call.
func (n *Node) ForEachParam(id backend.ParamID, index, max uint32, filter backend.Pod) (int32, error) {
	n.mu.Lock()
	b := n.backend
	n.mu.Unlock()
	if b == nil {
		return 0, fmt.Errorf("node %d: no backend attached", n.id)
	}
	seq := n.seq.Add(1)
	if err := b.EnumParams(seq, id, index, max, filter); err != nil {
		return 0, err
	}
	return seq, nil
}

// EnumParamsSync runs an EnumParams call and collects every result
// synchronously, by temporarily redirecting the backend's Result
// callback to a local collector. This assumes the backend delivers
// EnumParams results before its call returns, true of mockbackend and
// of gstbackend's property-introspection path; a backend whose
// enumeration genuinely completes later would need the async
// ForEachParam + work-queue path instead. Used by link negotiation,
// which needs the candidate format list before it can intersect.
func (n *Node) EnumParamsSync(id backend.ParamID, filter backend.Pod) ([]backend.Pod, error) {
	n.mu.Lock()
	b := n.backend
	n.mu.Unlock()
	if b == nil {
		return nil, fmt.Errorf("node %d: no backend attached", n.id)
	}

	var pods []backend.Pod
	collect := func(res backend.ResultEvent) {
		if res.Param != nil {
			pods = append(pods, res.Param)
		}
	}
	b.SetCallbacks(backend.Callbacks{
		Info:     n.onBackendInfo,
		PortInfo: n.onBackendPortInfo,
		Result:   collect,
		Event:    n.onBackendEvent,
	})

	seq := n.seq.Add(1)
	err := b.EnumParams(seq, id, 0, 0, filter)

	b.SetCallbacks(backend.Callbacks{
		Info:     n.onBackendInfo,
		PortInfo: n.onBackendPortInfo,
		Result:   n.onBackendResult,
		Event:    n.onBackendEvent,
	})

	return pods, err
}

// AddPort creates and registers a port in the given direction,
// failing if the id is already taken or the node has reached the
// backend-announced port limit.
func (n *Node) AddPort(dir gid.Direction, info port.Info) (*port.Port, error) {
	n.mu.Lock()
	var m map[gid.PortID]*port.Port
	var id gid.PortID
	var limit uint32
	if dir == gid.DirInput {
		m = n.inputs
		n.nextIn++
		id = n.nextIn
		limit = n.maxInPorts
	} else {
		m = n.outputs
		n.nextOut++
		id = n.nextOut
		limit = n.maxOutPorts
	}
	if limit != 0 && uint32(len(m)) >= limit {
		n.mu.Unlock()
		return nil, fmt.Errorf("node %d: %s port limit %d reached", n.id, dir, limit)
	}
	if _, exists := m[id]; exists {
		n.mu.Unlock()
		return nil, fmt.Errorf("node %d: %s port %d already exists", n.id, dir, id)
	}
	n.mu.Unlock()

	p, err := port.New(dir, id, n.id, info, n)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	m[id] = p
	n.mu.Unlock()
	return p, nil
}

// Port looks up a port by direction and id.
func (n *Node) Port(dir gid.Direction, id gid.PortID) (*port.Port, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if dir == gid.DirInput {
		p, ok := n.inputs[id]
		return p, ok
	}
	p, ok := n.outputs[id]
	return p, ok
}

// Ports returns a snapshot of every port the node owns in the given
// direction. Non-realtime: used by introspection and tests, never by
// the per-cycle path (which already holds the specific ports it needs
// via AddPort/Port).
func (n *Node) Ports(dir gid.Direction) []*port.Port {
	n.mu.Lock()
	defer n.mu.Unlock()
	if dir == gid.DirInput {
		return mapValues(n.inputs)
	}
	return mapValues(n.outputs)
}

// ProcessMixes runs every input port's link-merge step. REALTIME:
// called once per cycle, before RunBackendProcess, by whichever
// goroutine owns this node's cycle (its own runner if a slave, or the
// driver itself if this node is a driver with its own inputs).
func (n *Node) ProcessMixes() {
	n.mu.Lock()
	ins := mapValues(n.inputs)
	n.mu.Unlock()
	for _, p := range ins {
		p.Mix().Process(p.Mix().Inputs())
	}
}

// RunBackendProcess invokes the attached backend's Process() and
// returns its status. REALTIME: called only by the goroutine that
// owns this node's cycle, once per cycle: the driver goroutine if this
// node is a driver, or its own runner (core.runNodeLoop) otherwise.
func (n *Node) RunBackendProcess() backend.Status {
	n.mu.Lock()
	b := n.backend
	n.mu.Unlock()
	if b == nil {
		return backend.StatusError
	}
	return b.Process()
}

// CallSetParam implements port.BackendCaller.
func (n *Node) CallSetParam(id backend.ParamID, flags backend.SetParamFlags, pod backend.Pod) (int32, bool, error) {
	n.mu.Lock()
	b := n.backend
	n.mu.Unlock()
	if b == nil {
		return 0, false, fmt.Errorf("node %d: no backend attached", n.id)
	}
	return b.SetParam(id, flags, pod)
}

// NotifyPortState implements port.BackendCaller; it re-checks the
// start gate whenever a port's state settles, matching spec.md's
// "later link-ready transition completes the deferred start."
func (n *Node) NotifyPortState(id gid.PortID, dir gid.Direction, from, to port.State) {
	if to == port.StateReady {
		n.MarkPortLinkReady()
	}
}

func (n *Node) onBackendInfo(info backend.Info) {
	n.mu.Lock()
	n.maxInPorts = info.MaxInputPorts
	n.maxOutPorts = info.MaxOutputPorts
	n.mu.Unlock()
	n.infoListeners.Emit(0, func(l eventbus.InfoListener) {
		l(eventbus.InfoChange{EntityID: uint32(n.id), ChangeMask: info.ChangeMask, Props: info.Props})
	})
}

func (n *Node) onBackendPortInfo(portID uint32, info backend.PortInfo) {
	p, ok := n.Port(gid.DirInput, gid.PortID(portID))
	if !ok {
		p, ok = n.Port(gid.DirOutput, gid.PortID(portID))
	}
	if !ok {
		return
	}
	p.UpdateInfo(port.Info{Props: info.Props, Params: info.Params})
}

func (n *Node) onBackendResult(res backend.ResultEvent) {
	ok := res.Err == nil
	n.work.Complete(uint32(n.id), res.Seq, workqueue.Result{OK: ok, Err: res.Err})
	n.paramListeners.Emit(0, func(l eventbus.ParamListener) {
		l(eventbus.ParamUpdate{EntityID: uint32(n.id), Seq: res.Seq})
	})
}

func (n *Node) onBackendEvent(ev backend.Event) {
	if ev.Type == "error" {
		n.fail(fmt.Errorf("node %d: backend event: %v", n.id, ev.Data))
	}
}

// OnStateChange, OnInfoChange, OnParamUpdate register listeners.
func (n *Node) OnStateChange(l eventbus.StateListener) eventbus.Token { return n.stateListeners.Add(0, l) }
func (n *Node) OnInfoChange(l eventbus.InfoListener) eventbus.Token   { return n.infoListeners.Add(0, l) }
func (n *Node) OnParamUpdate(l eventbus.ParamListener) eventbus.Token { return n.paramListeners.Add(0, l) }

// Destroy pauses, suspends, unlinks every port, and releases the
// activation block. destroyPort is supplied by core, which owns the
// global link registry that port.Destroy needs to tear down links.
func (n *Node) Destroy(destroyPort func(*port.Port)) error {
	_ = n.applyState(StateIdle)
	_ = n.applyState(StateSuspended)

	n.mu.Lock()
	ports := append(mapValues(n.inputs), mapValues(n.outputs)...)
	n.inputs = map[gid.PortID]*port.Port{}
	n.outputs = map[gid.PortID]*port.Port{}
	n.mu.Unlock()

	for _, p := range ports {
		destroyPort(p)
	}

	if err := n.shmBlock.Close(); err != nil {
		return fmt.Errorf("node %d: release activation block: %w", n.id, err)
	}
	if err := n.evfd.Close(); err != nil {
		return fmt.Errorf("node %d: release eventfd: %w", n.id, err)
	}
	return nil
}
