package graph

import (
	"unsafe"

	"github.com/e7canasta/graphcore/activation"
	"github.com/e7canasta/graphcore/gid"
)

// Target is one node's participation in a driver's execution list.
// core builds one Target per node, inserted into its driver's list;
// there is no second entry in the node's own list pointing back at
// the driver.
type Target struct {
	NodeID     gid.NodeID
	Activation *activation.Record
	Signal     func(data unsafe.Pointer)
	SignalData unsafe.Pointer
}

// driverEntry bundles a driver's own node id with the target list it
// owns.
type driverEntry struct {
	nodeID  gid.NodeID
	targets []Target
}
