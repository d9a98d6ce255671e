package liveness

import (
	"fmt"
	"time"
)

// State is the health of one direction of a flow
type State int

const (
	StateUnknown State = iota
	StateOperational
	StatePreFail
	StateFail
	// StateGarbage is an unknown state nobody has observed for garbageDelay.
	StateGarbage
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateOperational:
		return "OPERATIONAL"
	case StatePreFail:
		return "PRE_FAIL"
	case StateFail:
		return "FAIL"
	case StateGarbage:
		return "GARBAGE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Timings configures the hysteresis delays
type Timings struct {
	// FailDelay is how long failures must persist before PRE_FAIL becomes FAIL
	FailDelay time.Duration
	// FailReset is how long FAIL is held before dropping back to UNKNOWN
	FailReset time.Duration
	// GarbageDelay defaults to FailReset when zero
	GarbageDelay time.Duration
}

func (t Timings) garbageDelay() time.Duration {
	if t.GarbageDelay <= 0 {
		return t.FailReset
	}
	return t.GarbageDelay
}

// Status is the hysteresis state machine for a single flow cookie.
// A single failure only moves it to PRE_FAIL; FAIL requires failures for
// longer than FailDelay.
type Status struct {
	state            State
	lastTransitionAt time.Time
	timings          Timings
}

// NewStatus creates a status in UNKNOWN state
func NewStatus(now time.Time, timings Timings) *Status {
	return &Status{
		state:            StateUnknown,
		lastTransitionAt: now,
		timings:          timings,
	}
}

func (s *Status) State() State {
	return s.state
}

func (s *Status) LastTransitionAt() time.Time {
	return s.lastTransitionAt
}

// Operational handles a successful ping
func (s *Status) Operational(now time.Time) {
	s.transition(StateOperational, now)
}

// Failure handles a failed ping
func (s *Status) Failure(now time.Time) {
	switch s.state {
	case StateUnknown, StateOperational, StateGarbage:
		s.transition(StatePreFail, now)
	}
}

// Tick applies the passage of time and returns the resulting state
func (s *Status) Tick(now time.Time) State {
	switch s.state {
	case StateUnknown:
		if s.elapsed(now, s.timings.garbageDelay()) {
			s.transition(StateGarbage, now)
		}
	case StatePreFail:
		if s.elapsed(now, s.timings.FailDelay) {
			s.transition(StateFail, now)
		}
	case StateFail:
		if s.elapsed(now, s.timings.FailReset) {
			s.transition(StateUnknown, now)
		}
	}
	return s.state
}

func (s *Status) elapsed(now time.Time, delay time.Duration) bool {
	return now.After(s.lastTransitionAt.Add(delay))
}

// transition resets lastTransitionAt only when the state actually changes
func (s *Status) transition(target State, now time.Time) {
	if s.state == target {
		return
	}
	s.state = target
	s.lastTransitionAt = now
}
