package node_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/e7canasta/graphcore/backend"
	"github.com/e7canasta/graphcore/backend/mockbackend"
	"github.com/e7canasta/graphcore/core"
	"github.com/e7canasta/graphcore/gid"
	"github.com/e7canasta/graphcore/metrics"
	"github.com/e7canasta/graphcore/node"
	"github.com/e7canasta/graphcore/port"
)

func newTestCore() *core.Core {
	reg := prometheus.NewRegistry()
	mx := metrics.New(reg, func() float64 { return 0 })
	return core.New(mx, 1024)
}

var stdFormat = backend.Pod{"media_type": "video", "media_subtype": "raw", "rate": 48000, "channels": 2}

func mustRegisteredNode(t *testing.T, c *core.Core, name string) (*node.Node, *mockbackend.Mock) {
	t.Helper()
	n, err := c.NewNode(name, nil)
	if err != nil {
		t.Fatalf("NewNode(%s): %v", name, err)
	}
	m := mockbackend.New()
	m.Formats = []backend.Pod{stdFormat}
	if err := n.SetImplementation(m); err != nil {
		t.Fatalf("SetImplementation(%s): %v", name, err)
	}
	c.RegisterNode(n)
	return n, m
}

// TestDestroyDecrementsDownstreamRequired covers the fan-in
// (Required) side of RecalcGraph's contract: a downstream node's
// required counter must reflect only the links active right now, so
// destroying the link that fed it, then recalculating, brings that
// counter back down rather than leaving it inflated by work already
// torn down.
func TestDestroyDecrementsDownstreamRequired(t *testing.T) {
	c := newTestCore()

	src, _ := mustRegisteredNode(t, c, "src")
	sink, _ := mustRegisteredNode(t, c, "sink")

	outPort, err := src.AddPort(gid.DirOutput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(src, output): %v", err)
	}
	inPort, err := sink.AddPort(gid.DirInput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(sink, input): %v", err)
	}

	outRef := gid.PortRef{Node: src.ID(), Direction: gid.DirOutput, Port: outPort.ID()}
	inRef := gid.PortRef{Node: sink.ID(), Direction: gid.DirInput, Port: inPort.ID()}

	l, err := c.NewLink(outRef, inRef, nil)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	if err := c.ActivateLink(l.ID()); err != nil {
		t.Fatalf("ActivateLink: %v", err)
	}

	c.Graph().RecalcGraph()

	// src registered first, so it wins driver election; sink is the
	// sole downstream member: one baseline decrement from the driver's
	// own target-list walk. The single active link feeding it comes from
	// the driver itself, so it adds nothing on top of that baseline.
	if got := sink.Activation().Required(0); got != 1 {
		t.Fatalf("sink required after link active = %d, want 1", got)
	}
	if got := src.Activation().Required(0); got != 0 {
		t.Fatalf("driver required = %d, want 0", got)
	}

	c.DestroyLink(l.ID())
	c.Graph().RecalcGraph()

	// With no links left, sink is the sole member of its own
	// single-node component and becomes its own driver: required must
	// be reset to 0, not left at whatever it accumulated before.
	if got := sink.Activation().Required(0); got != 0 {
		t.Fatalf("sink required after destroying its only upstream link = %d, want 0 (reset, not accumulated)", got)
	}
}
