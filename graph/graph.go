// Package graph implements driver election, per-cycle scheduling, and
// the invoke queue that marshals topology edits onto the realtime
// goroutine. It never imports package node directly — it operates on
// the narrow NodeView/LinkView seams core supplies, so neither node
// nor graph imports the other (node reaches recalculation through its
// own node.Registry seam, implemented by core).
package graph

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/e7canasta/graphcore/activation"
	"github.com/e7canasta/graphcore/eventbus"
	"github.com/e7canasta/graphcore/gid"
)

// NodeView is the minimal view graph needs of a node to run driver
// election and fan-in computation.
type NodeView interface {
	ID() gid.NodeID
	WantsDriver() bool
	RegistrationOrder() int
	Activation() *activation.Record
}

// LinkView is the minimal view graph needs of a link to compute
// connected components and fan-in.
type LinkView interface {
	Output() gid.PortRef
	Input() gid.PortRef
	IsActive() bool
}

// Topology is the seam core implements so graph can walk the current
// node/link set without importing node or link.
type Topology interface {
	Nodes() []NodeView
	Links() []LinkView
	AssignDriver(node gid.NodeID, driver gid.NodeID)
}

// Graph holds the driver registry and orchestrates recalculation.
type Graph struct {
	mu      sync.Mutex
	drivers map[gid.NodeID]*driverEntry
	topo    Topology

	recalcCh chan struct{}

	stateListeners *eventbus.Listeners[eventbus.StateListener]

	overrunCount uint64
}

// New creates a Graph bound to a Topology view.
func New(topo Topology) *Graph {
	return &Graph{
		drivers:        make(map[gid.NodeID]*driverEntry),
		topo:           topo,
		recalcCh:       make(chan struct{}, 1),
		stateListeners: eventbus.New[eventbus.StateListener](),
	}
}

// RequestRecalc is a non-blocking notify that wakes whatever goroutine
// is waiting on RecalcSignal. core.Core's node.Registry implementation
// forwards its RequestRecalc here.
func (g *Graph) RequestRecalc() {
	select {
	case g.recalcCh <- struct{}{}:
	default:
	}
}

// RecalcSignal exposes the debounce channel for core's main loop
// select.
func (g *Graph) RecalcSignal() <-chan struct{} { return g.recalcCh }

// RecalcGraph walks the topology, groups nodes into connected
// components by active links, elects one driver per component
// (nodes with WantsDriver() eligible, ties broken by registration
// order), computes each node's required fan-in for the cycle, and
// assigns drivers.
func (g *Graph) RecalcGraph() {
	nodes := g.topo.Nodes()
	links := g.topo.Links()

	byID := make(map[gid.NodeID]NodeView, len(nodes))
	for _, n := range nodes {
		byID[n.ID()] = n
	}

	adj := make(map[gid.NodeID][]gid.NodeID)
	feeders := make(map[gid.NodeID][]gid.NodeID)
	for _, l := range links {
		if !l.IsActive() {
			continue
		}
		out, in := l.Output().Node, l.Input().Node
		adj[out] = append(adj[out], in)
		adj[in] = append(adj[in], out)
		feeders[in] = append(feeders[in], out)
	}

	visited := make(map[gid.NodeID]bool)
	var components [][]gid.NodeID
	for _, n := range nodes {
		if visited[n.ID()] {
			continue
		}
		comp := bfs(n.ID(), adj, visited)
		components = append(components, comp)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	newDrivers := make(map[gid.NodeID]*driverEntry)
	for _, comp := range components {
		driverID := electDriver(comp, byID)
		entry := &driverEntry{nodeID: driverID}
		for _, id := range comp {
			nv, ok := byID[id]
			if !ok {
				continue
			}
			entry.targets = append(entry.targets, Target{
				NodeID:     id,
				Activation: nv.Activation(),
			})
			g.topo.AssignDriver(id, driverID)

			activ := nv.Activation()
			// Required is recomputed from scratch every recalculation,
			// not accumulated across calls: a link destroyed since the
			// last recalc must stop counting toward fan-in immediately,
			// and RecalcGraph runs on every topology change (link
			// activate/destroy, node register/destroy), not just once.
			activ.ResetRequired(0)
			if id != driverID {
				// Every member receives one baseline decrement from the
				// driver's own blanket target-list walk (step 4), plus
				// one more for every *other* (non-driver) member that
				// also feeds it directly via an active link (step 5's
				// cascade). A link whose output is the driver itself is
				// already accounted for by that baseline and must not be
				// double-counted here: the driver never runs a step-5
				// cascade over its own direct edges.
				activ.IncrementRequired(0)
				for _, f := range feeders[id] {
					if f != driverID {
						activ.IncrementRequired(0)
					}
				}
			}
			activ.Reset(0)
		}
		newDrivers[driverID] = entry
	}
	g.drivers = newDrivers
}

func bfs(start gid.NodeID, adj map[gid.NodeID][]gid.NodeID, visited map[gid.NodeID]bool) []gid.NodeID {
	queue := []gid.NodeID{start}
	visited[start] = true
	var comp []gid.NodeID
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		comp = append(comp, cur)
		for _, next := range adj[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return comp
}

// electDriver picks the component member with WantsDriver() true and
// the lowest RegistrationOrder; falls back to the lowest
// RegistrationOrder member overall if none declared the property.
func electDriver(comp []gid.NodeID, byID map[gid.NodeID]NodeView) gid.NodeID {
	sort.Slice(comp, func(i, j int) bool {
		return byID[comp[i]].RegistrationOrder() < byID[comp[j]].RegistrationOrder()
	})
	for _, id := range comp {
		if byID[id].WantsDriver() {
			return id
		}
	}
	if len(comp) > 0 {
		return comp[0]
	}
	return 0
}

// Drivers returns, for each currently elected driver, the node ids of
// every member of its component (driver included). Read by the
// introspection snapshot; graph's own scheduling only needs the
// per-node Target lists threaded through core, not this map.
func (g *Graph) Drivers() map[gid.NodeID][]gid.NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[gid.NodeID][]gid.NodeID, len(g.drivers))
	for id, entry := range g.drivers {
		ids := make([]gid.NodeID, len(entry.targets))
		for i, t := range entry.targets {
			ids[i] = t.NodeID
		}
		out[id] = ids
	}
	return out
}

// OverrunCount reports how many times a driver's watchdog observed a
// cycle still running at the next wake.
func (g *Graph) OverrunCount() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.overrunCount
}

// OnOverrun records an overrun and logs the full target timestamp set
// for diagnosis. Wired as a graph.Driver's onOverrun callback by core.
func (g *Graph) OnOverrun(driverID gid.NodeID, targets []Target) {
	g.mu.Lock()
	g.overrunCount++
	g.mu.Unlock()

	fields := make([]any, 0, len(targets)*2+2)
	fields = append(fields, "driver", driverID)
	for _, t := range targets {
		fields = append(fields, "target", t.NodeID,
			"signal_time", t.Activation.SignalTime(),
			"awake_time", t.Activation.AwakeTime(),
			"finish_time", t.Activation.FinishTime())
	}
	slog.Warn("driver cycle overrun: previous cycle still running at wake", fields...)
}

// OnStateChange registers a graph-level state listener. Nothing in
// graph emits on this list: driver reassignments made by RecalcGraph
// are not reported to these listeners.
func (g *Graph) OnStateChange(l eventbus.StateListener) eventbus.Token {
	return g.stateListeners.Add(0, l)
}
