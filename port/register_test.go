package port_test

import (
	"testing"
	"unsafe"

	"github.com/e7canasta/graphcore/backend"
	"github.com/e7canasta/graphcore/gid"
	"github.com/e7canasta/graphcore/node"
	"github.com/e7canasta/graphcore/port"
	"github.com/e7canasta/graphcore/workqueue"
)

// stubRegistry satisfies node.Registry without pulling in package
// core, the registry's real implementation.
type stubRegistry struct{}

func (stubRegistry) RequestRecalc()   {}
func (stubRegistry) Invoke(fn func()) { fn() }

// capturingBackend is a minimal backend.Backend whose only job is to
// hand the test the Callbacks node.SetImplementation installs, so the
// test can play backend and deliver an Info event the way a real
// backend does once it discovers its own port capacity.
type capturingBackend struct {
	cb backend.Callbacks
}

func (b *capturingBackend) SetIO(kind backend.IOKind, ptr unsafe.Pointer, size uint32) error {
	return nil
}
func (b *capturingBackend) SendCommand(cmd backend.Command) error { return nil }
func (b *capturingBackend) SetCallbacks(cb backend.Callbacks)     { b.cb = cb }
func (b *capturingBackend) EnumParams(seq int32, id backend.ParamID, start, num uint32, filter backend.EnumParamsFilter) error {
	return nil
}
func (b *capturingBackend) SetParam(id backend.ParamID, flags backend.SetParamFlags, param backend.Pod) (int32, bool, error) {
	return 0, false, nil
}
func (b *capturingBackend) Process() backend.Status { return backend.StatusOK }

func newTestNode(t *testing.T, id gid.NodeID) (*node.Node, *capturingBackend) {
	t.Helper()
	n, err := node.New(id, "test-node", nil, stubRegistry{}, workqueue.New())
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	b := &capturingBackend{}
	if err := n.SetImplementation(b); err != nil {
		t.Fatalf("SetImplementation: %v", err)
	}
	return n, b
}

// TestAddPortBeyondLimitFails exercises AddPort's capacity gate: once a
// backend has announced a max-ports limit (via its Info callback) and
// the node has filled every slot, a further AddPort call fails. The
// literal "port id already exists" branch inside AddPort is not
// reachable through the public API: a port's id is always a fresh
// n.nextIn/n.nextOut value computed immediately before that check, and
// AddPort is the only way to create a port, so the map can never
// already hold the id it just computed. This test covers the sibling
// rejection path in the same function, the one a caller actually hits.
func TestAddPortBeyondLimitFails(t *testing.T) {
	n, b := newTestNode(t, 1)

	b.cb.Info(backend.Info{MaxInputPorts: 1})

	if _, err := n.AddPort(gid.DirInput, port.Info{}); err != nil {
		t.Fatalf("first AddPort within limit: %v", err)
	}
	if _, err := n.AddPort(gid.DirInput, port.Info{}); err == nil {
		t.Fatal("AddPort beyond the backend-announced limit should fail")
	}
}

// TestAddPortAssignsDistinctIDs covers the reachable half of the
// invariant the duplicate-id check guards: two ports added in the same
// direction always get distinct, increasing ids, and a port added in
// the other direction gets its own independent id sequence.
func TestAddPortAssignsDistinctIDs(t *testing.T) {
	n, _ := newTestNode(t, 1)

	in1, err := n.AddPort(gid.DirInput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(input) #1: %v", err)
	}
	in2, err := n.AddPort(gid.DirInput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(input) #2: %v", err)
	}
	if in1.ID() == in2.ID() {
		t.Fatalf("two input ports got the same id %d", in1.ID())
	}

	out1, err := n.AddPort(gid.DirOutput, port.Info{})
	if err != nil {
		t.Fatalf("AddPort(output) #1: %v", err)
	}
	if out1.ID() != 1 {
		t.Fatalf("first output port id = %d, want 1 (independent from input sequence)", out1.ID())
	}
}
