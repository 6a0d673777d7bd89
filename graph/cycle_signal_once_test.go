package graph

import (
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/e7canasta/graphcore/activation"
)

// TestCycleSignalsTargetExactlyOnce covers the per-cycle protocol's
// core guarantee from the driver's side: a target reachable from two
// upstream completions (here, the driver's own runCycle step 4 plus a
// separate RunOneNode call, standing in for a second upstream node
// feeding the same target) is signalled exactly once per cycle,
// exactly when its pending counter reaches zero, never before and
// never again afterward.
func TestCycleSignalsTargetExactlyOnce(t *testing.T) {
	selfActiv := activation.NewLocal()

	targetActiv := activation.NewLocal()
	targetActiv.IncrementRequired(0)
	targetActiv.IncrementRequired(0)

	var signalled atomic.Int32
	targets := []Target{
		{
			NodeID:     2,
			Activation: targetActiv,
			Signal:     func(unsafe.Pointer) { signalled.Add(1) },
		},
	}

	d := NewDriver(1, selfActiv, func() {}, func() []Target { return targets }, NewInvokeQueue(8), nil, nil)

	d.runCycle(time.Now())
	if got := targetActiv.Pending(0); got != 1 {
		t.Fatalf("pending after one decrement = %d, want 1", got)
	}
	if got := signalled.Load(); got != 0 {
		t.Fatalf("signalled = %d, want 0 (required=2, only one decrement so far)", got)
	}

	// A second upstream path (a signalled node's own cascade) delivers
	// the other decrement.
	RunOneNode(activation.NewLocal(), func() {}, nil, targets)

	if got := signalled.Load(); got != 1 {
		t.Fatalf("signalled = %d, want exactly 1 once pending reaches zero", got)
	}

	// Pending is already at zero: a further decrement must not report
	// a new winner, and the target must not be signalled again.
	if targetActiv.DecPending(0) {
		t.Fatal("DecPending on an already-zero pending counter reported a winner")
	}
	if got := signalled.Load(); got != 1 {
		t.Fatalf("signalled changed to %d after pending was already zero", got)
	}
}
