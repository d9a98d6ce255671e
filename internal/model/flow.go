package model

import "fmt"

// Direction is one half of a bidirectional flow
type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "FORWARD"
	case Reverse:
		return "REVERSE"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Opposite returns the other half of the flow
func (d Direction) Opposite() Direction {
	if d == Forward {
		return Reverse
	}
	return Forward
}

// HalfFlow is an installed path segment in one direction
type HalfFlow struct {
	Cookie uint64
	Source NetworkEndpoint
	Dest   NetworkEndpoint
}

// Flow is a bidirectional flow between two endpoints
type Flow struct {
	ID      string
	Forward HalfFlow
	Reverse HalfFlow
}

// Half returns the path segment for the given direction
func (f Flow) Half(direction Direction) HalfFlow {
	if direction == Reverse {
		return f.Reverse
	}
	return f.Forward
}

// FlowState is the aggregated health of a flow
type FlowState int

const (
	FlowOperational FlowState = iota
	FlowUnreliable
	FlowFailed
)

func (s FlowState) String() string {
	switch s {
	case FlowOperational:
		return "OPERATIONAL"
	case FlowUnreliable:
		return "UNRELIABLE"
	case FlowFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("FlowState(%d)", int(s))
	}
}

// FlowReport is emitted whenever the aggregated state of a flow changes
type FlowReport struct {
	FlowID        string
	State         FlowState
	FailedCookies []uint64
}

// FlowRef identifies one direction of a flow by its cookie
type FlowRef struct {
	FlowID string
	Cookie uint64
}
