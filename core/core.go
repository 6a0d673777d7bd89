// Package core is graphcore's top-level wiring: the node/link/port
// registries, the event bus, the work queue, the graph scheduler, and
// the single data-loop goroutine that ties them together. It is the
// one place allowed to import node, port, link, and graph all at
// once, since it is the arena every other package's seam interfaces
// resolve against.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/e7canasta/graphcore/activation"
	"github.com/e7canasta/graphcore/backend"
	"github.com/e7canasta/graphcore/gid"
	"github.com/e7canasta/graphcore/graph"
	"github.com/e7canasta/graphcore/link"
	"github.com/e7canasta/graphcore/metrics"
	"github.com/e7canasta/graphcore/node"
	"github.com/e7canasta/graphcore/port"
	"github.com/e7canasta/graphcore/workqueue"
)

// Core is the single arena threaded into every entity's construction.
type Core struct {
	mu sync.Mutex

	nodes   map[gid.NodeID]*node.Node
	links   map[gid.LinkID]*link.Link
	nextNID gid.NodeID
	nextLID gid.LinkID
	regSeq  map[gid.NodeID]int

	work  *workqueue.Queue
	graph *graph.Graph
	neg   *link.IntersectNegotiator
	mx    *metrics.Metrics

	drivers        map[gid.NodeID]*graph.Driver
	driverStop     map[gid.NodeID]context.CancelFunc
	nodeRunnerStop map[gid.NodeID]context.CancelFunc

	// driverQueues/driverTargets back each running driver's target-list
	// updates: the data loop computes a fresh []graph.Target under c.mu
	// and hands it to the driver's own InvokeQueue instead of letting
	// the realtime goroutine take c.mu itself. The driver's targets
	// closure only ever does an atomic load, never a lock.
	driverQueues  map[gid.NodeID]*graph.InvokeQueue
	driverTargets map[gid.NodeID]*atomic.Pointer[[]graph.Target]

	quantumSize uint32
}

// New constructs a Core with empty registries. quantumSize is the
// fixed quantum graphcore writes into every driver's position block;
// it is not derived from backend rate (see DESIGN.md: this mirrors a
// known upstream limitation, not a silently "fixed" behavior).
func New(mx *metrics.Metrics, quantumSize uint32) *Core {
	c := &Core{
		nodes:          make(map[gid.NodeID]*node.Node),
		links:          make(map[gid.LinkID]*link.Link),
		regSeq:         make(map[gid.NodeID]int),
		work:           workqueue.New(),
		mx:             mx,
		drivers:        make(map[gid.NodeID]*graph.Driver),
		driverStop:     make(map[gid.NodeID]context.CancelFunc),
		nodeRunnerStop: make(map[gid.NodeID]context.CancelFunc),
		driverQueues:   make(map[gid.NodeID]*graph.InvokeQueue),
		driverTargets:  make(map[gid.NodeID]*atomic.Pointer[[]graph.Target]),
		quantumSize:    quantumSize,
	}
	c.graph = graph.New(c)
	c.neg = &link.IntersectNegotiator{Ports: c}
	return c
}

// NewNode creates, but does not register, a node.
func (c *Core) NewNode(name string, props node.Properties) (*node.Node, error) {
	c.mu.Lock()
	c.nextNID++
	id := c.nextNID
	c.mu.Unlock()

	n, err := node.New(id, name, props, c, c.work)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// RegisterNode inserts a node into the global registry and assigns
// its registration order for driver-election tie-breaking.
func (c *Core) RegisterNode(n *node.Node) {
	c.mu.Lock()
	c.nodes[n.ID()] = n
	c.regSeq[n.ID()] = len(c.regSeq)
	c.mu.Unlock()
	n.Register()
	c.graph.RequestRecalc()
}

// WorkQueueDepth reports the number of outstanding async backend
// completions awaited, for metrics.New's depthFn.
func (c *Core) WorkQueueDepth() float64 {
	return float64(c.work.Len())
}

// Node looks up a node by id.
func (c *Core) Node(id gid.NodeID) (*node.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	return n, ok
}

// NewLink creates and registers a link between two ports, validating
// both endpoints exist, then kicks off negotiation.
func (c *Core) NewLink(out, in gid.PortRef, props map[string]string) (*link.Link, error) {
	if _, ok := c.resolvePort(out); !ok {
		return nil, fmt.Errorf("core: unknown output port %v", out)
	}
	if _, ok := c.resolvePort(in); !ok {
		return nil, fmt.Errorf("core: unknown input port %v", in)
	}

	c.mu.Lock()
	c.nextLID++
	id := c.nextLID
	c.mu.Unlock()

	l, err := link.New(id, out, in, c.neg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.links[id] = l
	c.mu.Unlock()

	if outPort, ok := c.resolvePort(out); ok {
		outPort.AddLink(id)
	}
	if inPort, ok := c.resolvePort(in); ok {
		inPort.AddLink(id)
		inPort.Mix().AddInput(id)
	}

	seq, async, err := l.Negotiate()
	if err != nil {
		return l, err
	}
	if async {
		// Owner must match what the output node's onBackendResult
		// completes with (its own node id): SetFormat was called
		// against l.output, so that node's backend is the one whose
		// Result callback eventually reports this sequence.
		c.work.Enqueue(workqueue.Item{
			Owner:    uint32(out.Node),
			Sequence: seq,
			TraceID:  uuid.New(),
			Callback: func(res workqueue.Result) {
				if cerr := l.CompleteNegotiation(res.OK, res.Err); cerr != nil {
					slog.Warn("link negotiation failed", "link", id, "error", cerr)
				} else {
					c.markLinkPortsReady(out, in)
				}
			},
		})
		return l, nil
	}

	c.markLinkPortsReady(out, in)
	c.graph.RequestRecalc()
	return l, nil
}

// markLinkPortsReady runs once a link has finished negotiating and
// allocating its buffer pool (sync or async path): it advances both
// endpoint ports from configure to ready and bumps their ready-link
// counters, then re-checks each owning node's start gate.
func (c *Core) markLinkPortsReady(out, in gid.PortRef) {
	if outPort, ok := c.resolvePort(out); ok {
		outPort.MarkBufferPoolBound()
		outPort.MarkLinkReady()
	}
	if inPort, ok := c.resolvePort(in); ok {
		inPort.MarkBufferPoolBound()
		inPort.MarkLinkReady()
	}
	if outNode, ok := c.Node(out.Node); ok {
		outNode.MarkPortLinkReady()
	}
	if inNode, ok := c.Node(in.Node); ok {
		inNode.MarkPortLinkReady()
	}
}

// ActivateLink moves a negotiated link into the active state.
func (c *Core) ActivateLink(id gid.LinkID) error {
	c.mu.Lock()
	l, ok := c.links[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("core: unknown link %d", id)
	}
	if err := l.Activate(); err != nil {
		return err
	}
	c.graph.RequestRecalc()
	return nil
}

// DestroyLink removes a link from both endpoints and the registry.
func (c *Core) DestroyLink(id gid.LinkID) {
	c.mu.Lock()
	l, ok := c.links[id]
	if ok {
		delete(c.links, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	l.Destroy()
	if outPort, ok := c.resolvePort(l.Output()); ok {
		outPort.RemoveLink(id, l.State() == link.StateActive)
	}
	if inPort, ok := c.resolvePort(l.Input()); ok {
		inPort.RemoveLink(id, l.State() == link.StateActive)
		inPort.Mix().RemoveInput(id)
	}
	c.graph.RequestRecalc()
}

func (c *Core) resolvePort(ref gid.PortRef) (*port.Port, bool) {
	n, ok := c.Node(ref.Node)
	if !ok {
		return nil, false
	}
	return n.Port(ref.Direction, ref.Port)
}

// EnumParams implements link.PortsAccessor.
func (c *Core) EnumParams(ref gid.PortRef, id backend.ParamID) ([]backend.Pod, error) {
	n, ok := c.Node(ref.Node)
	if !ok {
		return nil, fmt.Errorf("core: unknown node %d", ref.Node)
	}
	return n.EnumParamsSync(id, nil)
}

// SetParam implements link.PortsAccessor, forwarding the backend's own
// seq/async report: a backend whose SetParam completes synchronously
// (graphcore's two reference backends both do) reports async=false,
// and link.Negotiate finishes allocating immediately; one that defers
// (simulated by mockbackend.Mock.AsyncSetParam) reports a seq the
// caller tracks via the work queue until the matching Result arrives.
func (c *Core) SetParam(ref gid.PortRef, id backend.ParamID, flags backend.SetParamFlags, pod backend.Pod) (int32, bool, error) {
	p, ok := c.resolvePort(ref)
	if !ok {
		return 0, false, fmt.Errorf("core: unknown port %v", ref)
	}
	return p.SetParam(id, flags, pod)
}

// RequestRecalc / Invoke implement node.Registry.
func (c *Core) RequestRecalc() { c.graph.RequestRecalc() }
func (c *Core) Invoke(fn func()) {
	fn()
}

// --- graph.Topology ---

func (c *Core) Nodes() []graph.NodeView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]graph.NodeView, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, nodeView{n, c.regSeq[n.ID()]})
	}
	return out
}

func (c *Core) Links() []graph.LinkView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]graph.LinkView, 0, len(c.links))
	for _, l := range c.links {
		out = append(out, linkView{l})
	}
	return out
}

// AllNodes returns every registered node, concrete type, for callers
// outside the graph.Topology seam (introspection, debug tooling).
func (c *Core) AllNodes() []*node.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*node.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	return out
}

// AllLinks returns every registered link, concrete type, for the same
// reason as AllNodes.
func (c *Core) AllLinks() []*link.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*link.Link, 0, len(c.links))
	for _, l := range c.links {
		out = append(out, l)
	}
	return out
}

// Graph exposes the scheduler for read-only queries (driver/component
// view) by introspection.
func (c *Core) Graph() *graph.Graph { return c.graph }

func (c *Core) AssignDriver(n gid.NodeID, driver gid.NodeID) {
	if node, ok := c.Node(n); ok {
		node.SetDriver(driver)
	}
}

type nodeView struct {
	n   *node.Node
	seq int
}

func (v nodeView) ID() gid.NodeID                 { return v.n.ID() }
func (v nodeView) WantsDriver() bool               { return v.n.WantsDriver() }
func (v nodeView) RegistrationOrder() int          { return v.seq }
func (v nodeView) Activation() *activation.Record { return v.n.Activation() }

type linkView struct{ l *link.Link }

func (v linkView) Output() gid.PortRef { return v.l.Output() }
func (v linkView) Input() gid.PortRef  { return v.l.Input() }
func (v linkView) IsActive() bool      { return v.l.State() == link.StateActive }

// Run is the main/data-loop goroutine: a single select loop over
// recalc requests and a debounce ticker, matching the "main loop's
// poll" suspension-point discipline of the concurrency model.
func (c *Core) Run(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	c.graph.RecalcGraph()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.graph.RecalcSignal():
			c.graph.RecalcGraph()
			c.syncDrivers(ctx)
		case <-ticker.C:
			c.graph.RecalcGraph()
			c.syncDrivers(ctx)
		}
	}
}

// syncDrivers starts a graph.Driver goroutine for every elected
// driver node not already running one, a plain eventfd-polling runner
// goroutine for every slave node, and stops any of either whose
// component membership changed. Simplified relative to a full diff:
// graphcore restarts a driver's (or runner's) goroutine whenever its
// role changes, accepting the one-cycle discontinuity since
// recalculation is already debounced to 250ms.
func (c *Core) syncDrivers(ctx context.Context) {
	c.mu.Lock()
	seenDrivers := make(map[gid.NodeID]bool)
	seenRunners := make(map[gid.NodeID]bool)

	// Computed once per sync under c.mu, on the data loop. Every
	// driver's fresh target list is handed off through its own
	// InvokeQueue below rather than read with a lock from the realtime
	// goroutine.
	targetsByDriver := make(map[gid.NodeID][]graph.Target)
	for id, n := range c.nodes {
		d := n.Driver()
		targetsByDriver[d] = append(targetsByDriver[d], graph.Target{NodeID: id, Activation: n.Activation(), Signal: signalFunc(n)})
	}

	for id, n := range c.nodes {
		if n.IsMaster() {
			seenDrivers[id] = true
			targets := targetsByDriver[id]

			if _, running := c.drivers[id]; running {
				// Topology changed since this driver's goroutine started
				// (a link or node came or went). Push the new snapshot
				// through the invoke queue instead of mutating anything
				// the realtime goroutine reads under a lock: it lands the
				// next time that goroutine drains the queue, at the top
				// of its next cycle.
				ptr := c.driverTargets[id]
				if !c.driverQueues[id].Push(func() { ptr.Store(&targets) }) {
					slog.Warn("driver invoke queue full, target list update dropped; next recalc retries", "driver", id)
				}
				continue
			}

			driverCtx, cancel := context.WithCancel(ctx)
			c.driverStop[id] = cancel
			driverID := id
			driverNode := n
			quantum := c.quantumSize

			ptr := &atomic.Pointer[[]graph.Target]{}
			ptr.Store(&targets)
			invoke := graph.NewInvokeQueue(64)
			targetsFn := func() []graph.Target {
				// REALTIME: lock-free read of whatever snapshot the last
				// drained invoke-queue entry installed.
				p := ptr.Load()
				if p == nil {
					return nil
				}
				return *p
			}

			d := graph.NewDriver(driverID, n.Activation(), func() {
				// REALTIME: the driver's own backend process call. Quantum
				// size is a fixed constant regardless of backend rate (see
				// DESIGN.md open-question resolution), written fresh each
				// cycle; Reset only touches the counter and status fields and
				// never writes Position.
				driverNode.Activation().Layout().Position.Size = quantum
				driverNode.ProcessMixes()
				driverNode.RunBackendProcess()
			}, targetsFn, invoke, c.clockFor(driverCtx), c.onOverrun)
			c.drivers[id] = d
			c.driverQueues[id] = invoke
			c.driverTargets[id] = ptr
			go d.Run(driverCtx)
			continue
		}

		seenRunners[id] = true
		if _, running := c.nodeRunnerStop[id]; running {
			continue
		}
		runnerCtx, cancel := context.WithCancel(ctx)
		c.nodeRunnerStop[id] = cancel
		go c.runNodeLoop(runnerCtx, n)
	}
	for id, cancel := range c.driverStop {
		if !seenDrivers[id] {
			cancel()
			delete(c.driverStop, id)
			delete(c.drivers, id)
			delete(c.driverQueues, id)
			delete(c.driverTargets, id)
		}
	}
	for id, cancel := range c.nodeRunnerStop {
		if !seenRunners[id] {
			cancel()
			delete(c.nodeRunnerStop, id)
		}
	}
	c.mu.Unlock()
}

// downstreamTargetsFor builds the target list a signalled node's own
// step-5 cascade decrements: every node reachable via one of this
// node's currently active output links.
func (c *Core) downstreamTargetsFor(nodeID gid.NodeID) func() []graph.Target {
	return func() []graph.Target {
		c.mu.Lock()
		defer c.mu.Unlock()
		seen := make(map[gid.NodeID]bool)
		var out []graph.Target
		for _, l := range c.links {
			if l.State() != link.StateActive || l.Output().Node != nodeID {
				continue
			}
			tid := l.Input().Node
			if seen[tid] {
				continue
			}
			seen[tid] = true
			tn, ok := c.nodes[tid]
			if !ok {
				continue
			}
			out = append(out, graph.Target{NodeID: tid, Activation: tn.Activation(), Signal: signalFunc(tn)})
		}
		return out
	}
}

// signalFunc returns the Target.Signal closure that wakes n: a single
// write(2) to its eventfd. REALTIME: Raise never blocks or allocates.
func signalFunc(n *node.Node) func(unsafe.Pointer) {
	return func(unsafe.Pointer) {
		if err := n.EventFD().Raise(); err != nil {
			slog.Warn("signal raise failed", "node", n.ID(), "error", err)
		}
	}
}

// runNodeLoop is a slave node's realtime goroutine: block on the
// node's own eventfd via poll(2), and on each wake run the node's
// step-5 work (port mixing, backend process, cascade to its own
// downstream targets). One goroutine per slave node, exiting when ctx
// is cancelled (node destroyed or promoted to driver).
func (c *Core) runNodeLoop(ctx context.Context, n *node.Node) {
	pollFds := []unix.PollFd{{Fd: int32(n.EventFD().Fd()), Events: unix.POLLIN}}
	downstream := c.downstreamTargetsFor(n.ID())
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ready, err := unix.Poll(pollFds, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			slog.Error("node runner poll failed", "node", n.ID(), "error", err)
			return
		}
		if ready == 0 || pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		if _, err := n.EventFD().Drain(); err != nil {
			slog.Warn("node runner drain failed", "node", n.ID(), "error", err)
		}
		graph.RunOneNode(n.Activation(), func() { n.RunBackendProcess() }, n.ProcessMixes, downstream())
	}
}

// clockFor starts a 60Hz ticker goroutine feeding ch until ctx is
// cancelled, at which point both the ticker and the goroutine stop —
// otherwise every driver reassignment would leak one ticker forever.
func (c *Core) clockFor(ctx context.Context) <-chan time.Time {
	ch := make(chan time.Time, 1)
	go func() {
		t := time.NewTicker(time.Second / 60)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				select {
				case ch <- now:
				default:
				}
			}
		}
	}()
	return ch
}

func (c *Core) onOverrun(driverID gid.NodeID, targets []graph.Target) {
	c.graph.OnOverrun(driverID, targets)
	if c.mx != nil {
		c.mx.DriverOverruns.Inc()
	}
}

// Shutdown destroys every node, releasing activation blocks and
// eventfds.
func (c *Core) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	nodes := make([]*node.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.mu.Unlock()

	for _, n := range nodes {
		if err := n.Destroy(func(p *port.Port) {
			p.Destroy(c.DestroyLink)
		}); err != nil {
			slog.Error("node destroy failed", "node", n.ID(), "error", err)
		}
	}
	return nil
}
