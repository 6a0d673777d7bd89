package activation

import "testing"

func TestResetRestoresPendingFromRequired(t *testing.T) {
	r := NewLocal()
	r.IncrementRequired(0)
	r.IncrementRequired(0)
	r.IncrementRequired(0)

	if got := r.Required(0); got != 3 {
		t.Fatalf("required = %d, want 3", got)
	}

	r.Reset(0)
	r.DecPending(0)
	if got := r.Pending(0); got != 2 {
		t.Fatalf("pending after one decrement = %d, want 2", got)
	}

	r.SetStatus(0, StatusAwake)
	r.Reset(0)

	if got := r.Pending(0); got != 3 {
		t.Fatalf("pending after Reset = %d, want required (3), got %d", got, got)
	}
	if got := r.GetStatus(0); got != StatusNotTriggered {
		t.Fatalf("status after Reset = %v, want not-triggered", got)
	}
}

func TestResetDoesNotTouchOtherGeneration(t *testing.T) {
	r := NewLocal()
	r.IncrementRequired(0)
	r.IncrementRequired(1)
	r.IncrementRequired(1)

	r.Reset(1)
	r.Reset(0)
	r.DecPending(1)

	if got := r.Pending(1); got != 1 {
		t.Fatalf("generation 1 pending = %d, want 1 (Reset(0) must not affect it)", got)
	}
}

func TestDecrementRequiredPanicsBelowZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected DecrementRequired on a zero required counter to panic")
		}
	}()
	NewLocal().DecrementRequired(0)
}
