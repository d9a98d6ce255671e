package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyResolved is returned when an outcome is attached to a context twice
var ErrAlreadyResolved = errors.New("ping context already resolved")

// Kind tells the periodic health check apart from an operator request
type Kind int

const (
	KindPeriodic Kind = iota
	KindManual
)

func (k Kind) String() string {
	if k == KindManual {
		return "MANUAL"
	}
	return "PERIODIC"
}

// GroupID ties the forward and reverse pings of one cycle together
type GroupID struct {
	ID   uuid.UUID
	Size int
}

// NewGroupID creates a group expecting size records
func NewGroupID(size int) GroupID {
	return GroupID{ID: uuid.New(), Size: size}
}

// PingContext carries a ping through the pipeline. The outcome is written exactly once.
type PingContext struct {
	Kind      Kind
	Group     GroupID
	Flow      Flow
	Direction Direction
	Ping      Ping
	Timestamp time.Time

	outcome  PingOutcome
	resolved bool
}

// NewPingContext builds the context for one direction of a flow, including a fresh ping
func NewPingContext(kind Kind, group GroupID, flow Flow, direction Direction, now time.Time) *PingContext {
	half := flow.Half(direction)
	return &PingContext{
		Kind:      kind,
		Group:     group,
		Flow:      flow,
		Direction: direction,
		Ping:      NewPing(half.Source, half.Dest, half.Source.Vlan),
		Timestamp: now,
	}
}

// Resolve attaches the outcome. A second call fails with ErrAlreadyResolved and keeps the first outcome.
func (c *PingContext) Resolve(outcome PingOutcome) error {
	if c.resolved {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, c.Ping.ID)
	}
	c.outcome = outcome
	c.resolved = true
	return nil
}

// IsResolved reports whether an outcome has been attached
func (c *PingContext) IsResolved() bool {
	return c.resolved
}

// Outcome returns the attached outcome (zero value while pending)
func (c *PingContext) Outcome() PingOutcome {
	return c.outcome
}

func (c *PingContext) IsError() bool {
	return c.resolved && c.outcome.Error != ErrorNone
}

func (c *PingContext) IsPermanentError() bool {
	return c.IsError() && c.outcome.Error.IsPermanent()
}

func (c *PingContext) FlowID() string {
	return c.Flow.ID
}

func (c *PingContext) PingID() uuid.UUID {
	return c.Ping.ID
}

// Cookie returns the cookie of the half flow this ping checks
func (c *PingContext) Cookie() uint64 {
	return c.Flow.Half(c.Direction).Cookie
}

func (c *PingContext) String() string {
	return fmt.Sprintf("<PingContext{flowId=%s, direction=%s, error=%s: %s}>",
		c.Flow.ID, c.Direction, c.outcome.Error, c.Ping)
}

// Group is a short-lived bucket of pings belonging to the same reporting cycle
type Group struct {
	ID      GroupID
	Records []*PingContext
}

// IsComplete reports whether every expected record arrived
func (g *Group) IsComplete() bool {
	return len(g.Records) >= g.ID.Size
}

// Direction looks up the record for a direction
func (g *Group) Direction(direction Direction) *PingContext {
	for _, record := range g.Records {
		if record.Direction == direction {
			return record
		}
	}
	return nil
}
