package amcp

import "fmt"

// LifecycleState is the state of an agent within its hosting context. All
// mutations are serialized through the context; agents never change their
// own state.
type LifecycleState int

const (
	// StateInactive is the state of a freshly created or deactivated agent.
	StateInactive LifecycleState = iota
	// StateActivating covers the window in which OnActivate runs.
	StateActivating
	// StateActive is the only state in which events are delivered.
	StateActive
	// StateDeactivating covers the drain of in-flight events and OnDeactivate.
	StateDeactivating
	// StateMigrating marks an agent whose snapshot is in transit. Events are
	// parked until the hand-off commits or aborts.
	StateMigrating
	// StateDestroyed is terminal.
	StateDestroyed
)

var stateNames = map[LifecycleState]string{
	StateInactive:     "INACTIVE",
	StateActivating:   "ACTIVATING",
	StateActive:       "ACTIVE",
	StateDeactivating: "DEACTIVATING",
	StateMigrating:    "MIGRATING",
	StateDestroyed:    "DESTROYED",
}

func (s LifecycleState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("LifecycleState(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s LifecycleState) Terminal() bool { return s == StateDestroyed }

var validTransitions = map[LifecycleState][]LifecycleState{
	StateInactive:     {StateActivating},
	StateActivating:   {StateActive, StateInactive},
	StateActive:       {StateDeactivating, StateMigrating},
	StateDeactivating: {StateInactive},
	StateMigrating:    {StateActive, StateInactive},
}

// CanTransition reports whether the transition from s to next is allowed.
// Every state may transition to StateDestroyed.
func (s LifecycleState) CanTransition(next LifecycleState) bool {
	if next == StateDestroyed {
		return s != StateDestroyed
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
