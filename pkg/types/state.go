package types

// GroupState is the lifecycle state of a live process group
type GroupState string

const (
	GroupEmpty    GroupState = "empty"
	GroupStarting GroupState = "starting"
	GroupReady    GroupState = "ready"
	GroupDraining GroupState = "draining"
	GroupStopped  GroupState = "stopped"
	GroupFailed   GroupState = "failed"
)

// groupTransitions enumerates every legal group state change.
// Anything not listed here is rejected by CanTransition.
var groupTransitions = map[GroupState][]GroupState{
	GroupEmpty:    {GroupStarting, GroupDraining, GroupFailed},
	GroupStarting: {GroupReady, GroupDraining, GroupFailed},
	GroupReady:    {GroupDraining, GroupFailed},
	GroupFailed:   {GroupDraining, GroupStopped},
	GroupDraining: {GroupStopped},
	GroupStopped:  {},
}

// CanTransition reports whether a group may move from s to next
func (s GroupState) CanTransition(next GroupState) bool {
	for _, allowed := range groupTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the group will never serve traffic again
func (s GroupState) Terminal() bool {
	return s == GroupStopped
}

// Routable reports whether requests may be dispatched to the group
func (s GroupState) Routable() bool {
	return s == GroupReady || s == GroupDraining
}
