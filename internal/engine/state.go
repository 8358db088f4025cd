package engine

// State is the round controller's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateCorrecting
	StateConverged
	StateFailed
	StateRoundLimitReached
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateCorrecting:
		return "correcting"
	case StateConverged:
		return "converged"
	case StateFailed:
		return "failed"
	case StateRoundLimitReached:
		return "round_limit_reached"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a job.
func (s State) Terminal() bool {
	switch s {
	case StateConverged, StateFailed, StateRoundLimitReached:
		return true
	}
	return false
}
