package supervisor

import (
	"fmt"
	"strings"
)

// State is the supervisor lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState converts a state name back to a State.
func ParseState(value string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "stopped":
		return Stopped, nil
	case "starting":
		return Starting, nil
	case "running":
		return Running, nil
	case "stopping":
		return Stopping, nil
	default:
		return Stopped, fmt.Errorf("unknown state %q", value)
	}
}
