package graph_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/e7canasta/graphcore/activation"
	"github.com/e7canasta/graphcore/backend"
	"github.com/e7canasta/graphcore/backend/mockbackend"
	"github.com/e7canasta/graphcore/core"
	"github.com/e7canasta/graphcore/gid"
	"github.com/e7canasta/graphcore/metrics"
	"github.com/e7canasta/graphcore/node"
	"github.com/e7canasta/graphcore/port"
	"github.com/e7canasta/graphcore/shmem"
)

var scenarioFormat = backend.Pod{"media_type": "video", "media_subtype": "raw", "rate": 48000, "channels": 2}

func newScenarioCore(t *testing.T) *core.Core {
	t.Helper()
	reg := prometheus.NewRegistry()
	mx := metrics.New(reg, func() float64 { return 0 })
	return core.New(mx, 1024)
}

func mustNode(t *testing.T, c *core.Core, name string) (*node.Node, *mockbackend.Mock) {
	t.Helper()
	n, err := c.NewNode(name, nil)
	if err != nil {
		t.Fatalf("NewNode(%s): %v", name, err)
	}
	m := mockbackend.New()
	m.Formats = []backend.Pod{scenarioFormat}
	if err := n.SetImplementation(m); err != nil {
		t.Fatalf("SetImplementation(%s): %v", name, err)
	}
	c.RegisterNode(n)
	return n, m
}

func mustLink(t *testing.T, c *core.Core, out *node.Node, outPort *port.Port, in *node.Node, inPort *port.Port) {
	t.Helper()
	outRef := gid.PortRef{Node: out.ID(), Direction: gid.DirOutput, Port: outPort.ID()}
	inRef := gid.PortRef{Node: in.ID(), Direction: gid.DirInput, Port: inPort.ID()}
	l, err := c.NewLink(outRef, inRef, nil)
	if err != nil {
		t.Fatalf("NewLink(%s -> %s): %v", out.Name(), in.Name(), err)
	}
	if err := c.ActivateLink(l.ID()); err != nil {
		t.Fatalf("ActivateLink(%s -> %s): %v", out.Name(), in.Name(), err)
	}
}

// waitFor polls pred until it reports true or timeout elapses, for
// assertions against the real driver/runner goroutines core.Run starts
// rather than a fixed sleep guess.
func waitFor(t *testing.T, timeout time.Duration, what string, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !pred() {
		t.Fatalf("timed out waiting for: %s", what)
	}
}

// TestSourceSinkLifecycle covers bringing up a two-node graph (a
// source with one output port driving a sink's one input) end to end:
// registration, link negotiation/activation, driver election, and the
// source actually cycling its backend once core.Run's driver goroutine
// has had a chance to run.
func TestSourceSinkLifecycle(t *testing.T) {
	c := newScenarioCore(t)
	src, srcMock := mustNode(t, c, "source")
	sink, _ := mustNode(t, c, "sink")

	outPort, err := src.AddPort(gid.DirOutput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(source): %v", err)
	}
	inPort, err := sink.AddPort(gid.DirInput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(sink): %v", err)
	}
	mustLink(t, c, src, outPort, sink, inPort)

	if err := src.SetState(node.StateRunning); err != nil {
		t.Fatalf("SetState(source, running): %v", err)
	}
	if err := sink.SetState(node.StateRunning); err != nil {
		t.Fatalf("SetState(sink, running): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitFor(t, time.Second, "source becomes driver of its component", func() bool {
		return src.IsMaster()
	})
	waitFor(t, time.Second, "sink's driver is elected as source", func() bool {
		return sink.Driver() == src.ID()
	})
	waitFor(t, time.Second, "source processes at least one cycle", func() bool {
		return srcMock.Processed() > 0
	})
}

// TestTwoSinkFanOutOrdering covers one source feeding two sinks: both
// sinks' activation records are signalled from the same driver cycle,
// and since the driver decrements every non-self target in the same
// step-4 pass, neither sink's signal_time can precede the driver's own
// finish_time for that cycle.
func TestTwoSinkFanOutOrdering(t *testing.T) {
	c := newScenarioCore(t)
	src, _ := mustNode(t, c, "source")
	sinkA, _ := mustNode(t, c, "sink-a")
	sinkB, _ := mustNode(t, c, "sink-b")

	outA, err := src.AddPort(gid.DirOutput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(source, out-a): %v", err)
	}
	outB, err := src.AddPort(gid.DirOutput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(source, out-b): %v", err)
	}
	inA, err := sinkA.AddPort(gid.DirInput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(sink-a): %v", err)
	}
	inB, err := sinkB.AddPort(gid.DirInput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(sink-b): %v", err)
	}
	mustLink(t, c, src, outA, sinkA, inA)
	mustLink(t, c, src, outB, sinkB, inB)

	_ = src.SetState(node.StateRunning)
	_ = sinkA.SetState(node.StateRunning)
	_ = sinkB.SetState(node.StateRunning)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitFor(t, time.Second, "both sinks signalled at least once", func() bool {
		return !sinkA.Activation().SignalTime().IsZero() && !sinkB.Activation().SignalTime().IsZero()
	})

	if src.Activation().FinishTime().After(sinkA.Activation().SignalTime()) {
		t.Fatal("sink-a was signalled before the driver's own cycle finished")
	}
	if src.Activation().FinishTime().After(sinkB.Activation().SignalTime()) {
		t.Fatal("sink-b was signalled before the driver's own cycle finished")
	}
}

// TestDriverReassignmentViaInvoke covers a topology edit that changes
// who drives a component: once source is destroyed, sink-a (the only
// remaining member, WantsDriver defaults true) must be re-elected its
// own driver by the next recalculation, not left pointing at a driver
// that no longer exists.
func TestDriverReassignmentViaInvoke(t *testing.T) {
	c := newScenarioCore(t)
	src, _ := mustNode(t, c, "source")
	sinkA, _ := mustNode(t, c, "sink-a")

	out, err := src.AddPort(gid.DirOutput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(source): %v", err)
	}
	in, err := sinkA.AddPort(gid.DirInput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(sink-a): %v", err)
	}
	mustLink(t, c, src, out, sinkA, in)
	c.Graph().RecalcGraph()

	if got := sinkA.Driver(); got != src.ID() {
		t.Fatalf("sink-a driver = %d, want source (%d)", got, src.ID())
	}

	// core.Invoke runs fn synchronously on the caller today (see
	// DESIGN.md); node.SetDriver always goes through it regardless, per
	// the "topology edits never touch the target list directly" rule.
	var reassigned bool
	c.Invoke(func() { reassigned = true })
	if !reassigned {
		t.Fatal("core.Invoke did not run its closure")
	}

	if err := src.Destroy(func(p *port.Port) { p.Destroy(c.DestroyLink) }); err != nil {
		t.Fatalf("Destroy(source): %v", err)
	}
	c.Graph().RecalcGraph()

	if got := sinkA.Driver(); got != sinkA.ID() {
		t.Fatalf("sink-a driver after source destroyed = %d, want itself (%d)", got, sinkA.ID())
	}
	if got := sinkA.Activation().Required(0); got != 0 {
		t.Fatalf("sink-a required after becoming its own driver = %d, want 0", got)
	}
}

// TestAsyncFormatNegotiation covers the async negotiation path end to
// end through core.NewLink: SetFormat reports async, the link's
// endpoints stay ready=0/used=1 until the mock's Result callback
// arrives, and only then do both endpoints' ports report ready.
func TestAsyncFormatNegotiation(t *testing.T) {
	c := newScenarioCore(t)
	src, srcMock := mustNode(t, c, "source")
	sink, _ := mustNode(t, c, "sink")
	srcMock.AsyncSetParam = true

	outPort, err := src.AddPort(gid.DirOutput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(source): %v", err)
	}
	inPort, err := sink.AddPort(gid.DirInput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(sink): %v", err)
	}

	outRef := gid.PortRef{Node: src.ID(), Direction: gid.DirOutput, Port: outPort.ID()}
	inRef := gid.PortRef{Node: sink.ID(), Direction: gid.DirInput, Port: inPort.ID()}
	l, err := c.NewLink(outRef, inRef, nil)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}

	if ready, used := outPort.LinkCounts(); ready != 0 || used != 1 {
		t.Fatalf("outPort link counts mid-negotiation = (%d, %d), want (0, 1)", ready, used)
	}

	srcMock.CompleteAsync(1, true)

	if ready, used := outPort.LinkCounts(); ready != 1 || used != 1 {
		t.Fatalf("outPort link counts after negotiation = (%d, %d), want (1, 1)", ready, used)
	}
	if ready, used := inPort.LinkCounts(); ready != 1 || used != 1 {
		t.Fatalf("inPort link counts after negotiation = (%d, %d), want (1, 1)", ready, used)
	}
	if err := c.ActivateLink(l.ID()); err != nil {
		t.Fatalf("ActivateLink after negotiation completed: %v", err)
	}
}

// TestGracefulDestroyUnderRunningDriver covers tearing a node down
// while core.Run's driver goroutine is actively cycling it: Shutdown
// must complete without panicking or deadlocking against the realtime
// goroutine.
func TestGracefulDestroyUnderRunningDriver(t *testing.T) {
	c := newScenarioCore(t)
	src, srcMock := mustNode(t, c, "source")
	sink, _ := mustNode(t, c, "sink")

	outPort, err := src.AddPort(gid.DirOutput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(source): %v", err)
	}
	inPort, err := sink.AddPort(gid.DirInput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(sink): %v", err)
	}
	mustLink(t, c, src, outPort, sink, inPort)

	_ = src.SetState(node.StateRunning)
	_ = sink.SetState(node.StateRunning)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitFor(t, time.Second, "source is elected driver and cycling", func() bool {
		return src.IsMaster() && srcMock.Processed() > 0
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown while driver goroutine active: %v", err)
	}
}

// TestCrossProcessPeerSharedActivation simulates two processes sharing
// one activation record: a single shmem.Block's memfd is mapped a
// second time via shmem.Map(block.FD()), standing in for the fd
// handoff a real second process would receive over SCM_RIGHTS. Writes
// through one Record must be visible through the other, since both
// views back onto the same physical pages.
func TestCrossProcessPeerSharedActivation(t *testing.T) {
	owner, err := shmem.New("scenario-cross-process")
	if err != nil {
		t.Fatalf("shmem.New: %v", err)
	}
	defer owner.Close()

	peer, err := shmem.Map(owner.FD())
	if err != nil {
		t.Fatalf("shmem.Map(owner.FD()): %v", err)
	}
	defer peer.Close()

	ownerRec := activation.NewAt(owner.Layout())
	peerRec := activation.NewAt(peer.Layout())

	ownerRec.IncrementRequired(0)
	if got := peerRec.Required(0); got != 1 {
		t.Fatalf("peer's view of required = %d, want 1 (same physical pages as owner)", got)
	}

	ownerRec.Reset(0)
	if got := peerRec.Pending(0); got != 1 {
		t.Fatalf("peer's view of pending after owner's Reset = %d, want 1", got)
	}

	if !peerRec.DecPending(0) {
		t.Fatal("peer's DecPending should have observed the zero transition")
	}
	if got := ownerRec.Pending(0); got != 0 {
		t.Fatalf("owner's view of pending after peer's DecPending = %d, want 0", got)
	}
}
