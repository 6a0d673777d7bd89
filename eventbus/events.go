package eventbus

import "time"

// InfoChange describes an info-update notification, emitted when
// UpdateInfo finds any changed bits.
type InfoChange struct {
	EntityID   uint32
	ChangeMask uint64
	Props      map[string]string
}

// StateChange describes a node/port/link state transition, including
// an optional error string for transitions into the error state.
type StateChange struct {
	EntityID uint32
	From     string
	To       string
	Error    string
	At       time.Time
}

// ParamUpdate describes a parameter value reported by a backend via
// enum_params/result, or applied via set_param.
type ParamUpdate struct {
	EntityID uint32
	ParamID  uint32
	Seq      int32
}

// InfoListener, StateListener and ParamListener are the callback
// shapes entities register. They are plain function types, one list
// per concern, rather than one listener interface with every method a
// given observer may not care about.
type InfoListener func(InfoChange)
type StateListener func(StateChange)
type ParamListener func(ParamUpdate)
