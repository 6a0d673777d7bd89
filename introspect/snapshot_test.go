package introspect_test

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sebdah/goldie/v2"

	"github.com/e7canasta/graphcore/backend"
	"github.com/e7canasta/graphcore/backend/mockbackend"
	"github.com/e7canasta/graphcore/core"
	"github.com/e7canasta/graphcore/gid"
	"github.com/e7canasta/graphcore/introspect"
	"github.com/e7canasta/graphcore/metrics"
	"github.com/e7canasta/graphcore/port"
)

// canonicalize sorts everything introspect.Build derives from map or
// BFS traversal order (node list, link list, per-node port lists,
// driver target lists) so the JSON it produces is byte-stable across
// runs, the way the teacher's harness.golden.go canonicalizes its own
// map-keyed fixtures before comparing them.
func canonicalize(s introspect.Snapshot) introspect.Snapshot {
	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].ID < s.Nodes[j].ID })
	for i := range s.Nodes {
		sort.Slice(s.Nodes[i].Inputs, func(a, b int) bool { return s.Nodes[i].Inputs[a].ID < s.Nodes[i].Inputs[b].ID })
		sort.Slice(s.Nodes[i].Outputs, func(a, b int) bool { return s.Nodes[i].Outputs[a].ID < s.Nodes[i].Outputs[b].ID })
	}
	sort.Slice(s.Links, func(i, j int) bool { return s.Links[i].ID < s.Links[j].ID })
	for driver, targets := range s.Drivers {
		sorted := append([]gid.NodeID(nil), targets...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		s.Drivers[driver] = sorted
	}
	return s
}

// TestGraphSnapshot pins the JSON shape introspect.Build produces for
// a minimal two-node, one-link graph: a source driving a sink over a
// single negotiated and activated link. It stands in for the debug
// /graph endpoint's response body without starting an http.Server.
func TestGraphSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	mx := metrics.New(reg, func() float64 { return 0 })
	c := core.New(mx, 1024)

	format := backend.Pod{"media_type": "video", "media_subtype": "raw", "rate": 48000, "channels": 2}

	src, err := c.NewNode("source", nil)
	if err != nil {
		t.Fatalf("NewNode(source): %v", err)
	}
	srcMock := mockbackend.New()
	srcMock.Formats = []backend.Pod{format}
	if err := src.SetImplementation(srcMock); err != nil {
		t.Fatalf("SetImplementation(source): %v", err)
	}
	c.RegisterNode(src)

	sink, err := c.NewNode("sink", nil)
	if err != nil {
		t.Fatalf("NewNode(sink): %v", err)
	}
	sinkMock := mockbackend.New()
	sinkMock.Formats = []backend.Pod{format}
	if err := sink.SetImplementation(sinkMock); err != nil {
		t.Fatalf("SetImplementation(sink): %v", err)
	}
	c.RegisterNode(sink)

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
	if err := c.ActivateLink(l.ID()); err != nil {
		t.Fatalf("ActivateLink: %v", err)
	}

	c.Graph().RecalcGraph()

	snap := canonicalize(introspect.Build(c))

	actual, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		t.Fatalf("MarshalIndent: %v", err)
	}

	g := goldie.New(t)
	g.Assert(t, "graph_snapshot", actual)
}
