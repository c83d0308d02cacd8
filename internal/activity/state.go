// Package activity infers coarse worker activity states from terminal
// output. States are orderable so that the most human-urgent one wins
// when a session's workers are aggregated.
package activity

// State is the coarse activity indicator of one worker.
type State string

const (
	Unknown State = "unknown"
	Idle    State = "idle"
	Active  State = "active"
	Asking  State = "asking"
)

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	switch s {
	case Unknown, Idle, Active, Asking:
		return true
	}
	return false
}

// priority orders states for aggregation: asking > idle > active >
// unknown. An agent waiting on a human outranks one that is working.
func (s State) priority() int {
	switch s {
	case Asking:
		return 3
	case Idle:
		return 2
	case Active:
		return 1
	default:
		return 0
	}
}

// Aggregate returns the most urgent of the given states, or Unknown
// when none are given.
func Aggregate(states ...State) State {
	agg := Unknown
	for _, s := range states {
		if s.priority() > agg.priority() {
			agg = s
		}
	}
	return agg
}
