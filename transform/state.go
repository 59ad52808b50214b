package transform

import "fmt"

type State int

const (
	StateClosed State = iota
	StateOpening
	StateReady
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func validTransition(from, to State) bool {
	switch from {
	case StateClosed:
		return to == StateOpening
	case StateOpening:
		return to == StateReady || to == StateClosed
	case StateReady:
		return to == StateClosed
	}
	return false
}
