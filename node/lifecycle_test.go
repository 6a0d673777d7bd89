package node_test

import (
	"testing"

	"github.com/e7canasta/graphcore/node"
	"github.com/e7canasta/graphcore/workqueue"
)

type stubRegistry struct{}

func (stubRegistry) RequestRecalc()   {}
func (stubRegistry) Invoke(fn func()) { fn() }

// TestNodeWithoutBackendStaysCreating covers the gate at the top of
// SetState: a node with no attached backend cannot leave StateCreating
// for anything but StateSuspended (Register's own transition), since
// there is nothing to issue Start/Pause/Suspend against.
func TestNodeWithoutBackendStaysCreating(t *testing.T) {
	n, err := node.New(1, "no-backend", nil, stubRegistry{}, workqueue.New())
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}

	if got := n.State(); got != node.StateCreating {
		t.Fatalf("state before any transition = %v, want creating", got)
	}

	if err := n.SetState(node.StateRunning); err == nil {
		t.Fatal("SetState(running) on a node with no backend should fail")
	}
	if got := n.State(); got != node.StateCreating {
		t.Fatalf("state after rejected SetState = %v, want still creating", got)
	}

	if err := n.SetState(node.StateIdle); err == nil {
		t.Fatal("SetState(idle) on a node with no backend should fail")
	}
	if got := n.State(); got != node.StateCreating {
		t.Fatalf("state after rejected SetState = %v, want still creating", got)
	}
}

// TestRegisterMovesToSuspended covers Register's own unconditional
// transition, the one path that does not require a backend.
func TestRegisterMovesToSuspended(t *testing.T) {
	n, err := node.New(1, "no-backend", nil, stubRegistry{}, workqueue.New())
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	n.Register()
	if got := n.State(); got != node.StateSuspended {
		t.Fatalf("state after Register = %v, want suspended", got)
	}
}
