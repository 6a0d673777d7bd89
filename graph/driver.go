package graph

import (
	"context"
	"time"

	"github.com/e7canasta/graphcore/activation"
	"github.com/e7canasta/graphcore/gid"
)

// Driver runs the per-cycle protocol for one connected component's
// elected driver node. One Driver per component; Graph.Drivers
// returns the current set after a RecalcGraph.
type Driver struct {
	nodeID  gid.NodeID
	activ   *activation.Record
	process func()
	targets func() []Target // snapshot taken fresh each cycle from the closure core supplies

	invoke *InvokeQueue
	clock  <-chan time.Time

	onOverrun func(driverID gid.NodeID, targets []Target)
}

// NewDriver wires a driver's clock source, its own process callback
// (core.Core supplies a closure that calls the node's backend
// Process()), and the invoke queue the data-loop uses to mutate this
// driver's target list.
func NewDriver(nodeID gid.NodeID, activ *activation.Record, process func(), targets func() []Target, invoke *InvokeQueue, clock <-chan time.Time, onOverrun func(gid.NodeID, []Target)) *Driver {
	return &Driver{
		nodeID:    nodeID,
		activ:     activ,
		process:   process,
		targets:   targets,
		invoke:    invoke,
		clock:     clock,
		onOverrun: onOverrun,
	}
}

// Run executes the realtime loop: wake on clock, drain the invoke
// queue, run one cycle. REALTIME: the goroutine running this must
// never allocate on the hot path beyond what targets() itself
// allocates for its snapshot (acceptable here since target-list
// churn is rare relative to cycle rate; a zero-alloc ring would
// replace the slice if profiling ever demanded it).
func (d *Driver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t0 := <-d.clock:
			d.invoke.Drain()
			d.runCycle(t0)
		}
	}
}

// runCycle implements spec's seven-step per-cycle protocol.
func (d *Driver) runCycle(t0 time.Time) {
	targets := d.targets()

	// Step 7 (checked before step 2): if the previous cycle's running
	// flag never cleared, it overran; log and still proceed to re-arm.
	if d.activ.Running() {
		if d.onOverrun != nil {
			d.onOverrun(d.nodeID, targets)
		}
	}

	// Step 2: reset every target's activation and mark self running.
	for _, t := range targets {
		t.Activation.Reset(0)
	}
	d.activ.SetRunning(true)

	// Step 3: run the driver's own backend process, fill position/clock.
	d.process()
	d.activ.MarkFinished(0)

	// Step 4: decrement every target's pending; signal the ones that
	// reach zero.
	for _, t := range targets {
		if t.NodeID == d.nodeID {
			continue
		}
		if t.Activation.DecPending(0) {
			t.Activation.MarkSignalled(0)
			if t.Signal != nil {
				t.Signal(t.SignalData)
			}
		}
	}

	d.activ.SetRunning(false)
}

// RunOneNode implements step 5: what a signalled node's eventfd
// handler does. core.Core calls this from the goroutine servicing a
// node's eventfd, passing the node's own process callback and its
// own downstream target snapshot.
func RunOneNode(activ *activation.Record, process func(), mixProcess func(), downstream []Target) {
	activ.MarkAwake(0)
	if mixProcess != nil {
		mixProcess()
	}
	process()

	for _, t := range downstream {
		if t.Activation.DecPending(0) {
			t.Activation.MarkSignalled(0)
			if t.Signal != nil {
				t.Signal(t.SignalData)
			}
		}
	}

	activ.MarkFinished(0)
}
