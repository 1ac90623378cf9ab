// Package types - node lifecycle state definitions
package types

// NodeState is the lifecycle position of a node id.
type NodeState string

const (
	// StateNonexistent - id was never assigned by registration
	StateNonexistent NodeState = "nonexistent"

	// StateActive - registered and accepting bandwidth reports
	StateActive NodeState = "active"

	// StateInactive - deactivated by its operator; terminal
	StateInactive NodeState = "inactive"
)

// State derives the lifecycle state from a stored or placeholder record.
func (n Node) State() NodeState {
	switch {
	case !n.Exists():
		return StateNonexistent
	case n.IsActive:
		return StateActive
	default:
		return StateInactive
	}
}

// CanReport reports whether bandwidth may be credited in this state.
func (s NodeState) CanReport() bool {
	return s == StateActive
}
