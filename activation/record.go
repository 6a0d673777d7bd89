package activation

// CounterSet is one (pending, required, status) triple for one cycle
// generation: three int32s, 12 bytes, per state slot.
type CounterSet struct {
	Pending  int32
	Required int32
	Status   int32
}

// Clock mirrors SPA's rate/position/duration/id clock block, embedded
// in the shared activation layout so a driver's Process() call can
// write position directly into shared memory without a second
// IPC round-trip.
type Clock struct {
	RateNum  uint32
	RateDen  uint32
	Position uint64
	Duration uint64
	ID       uint32
	_        uint32 // pad to 8-byte alignment
}

// Position is the embedded clock/position block, written by the
// driver once per cycle so downstream nodes can read it without a
// second round-trip.
type Position struct {
	Clock Clock
	Size  uint32
	_     uint32 // pad
}

// SharedLayout is the bit-exact activation record:
//
//	state[2] x {int32 pending, int32 required, int32 status}
//	uint64 signal_time
//	uint64 awake_time
//	uint64 finish_time
//	uint32 status
//	uint32 running
//	position { clock {rate_num, rate_den, position, duration, id}, size }
//
// Field order and sizes are fixed deliberately: a peer process mapping
// the same shmem.Block must see identical offsets regardless of which
// binary (or build) produced them. CounterSet is 12 bytes, so the
// two-entry State array is 24 bytes and the uint64 timestamps that
// follow it start 8-byte aligned with no padding in between.
type SharedLayout struct {
	State      [numStates]CounterSet
	SignalTime uint64
	AwakeTime  uint64
	FinishTime uint64
	Status     uint32
	Running    uint32
	Position   Position
}
