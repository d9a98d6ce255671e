package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeviceID is a switch datapath id, e.g. "00:00:00:00:00:00:00:01"
type DeviceID string

// NetworkEndpoint is a switch port, optionally tagged with a VLAN
type NetworkEndpoint struct {
	Device DeviceID `json:"dpid"`
	Port   uint32   `json:"port"`
	Vlan   int      `json:"vlan,omitempty"`
}

func (e NetworkEndpoint) String() string {
	if e.Vlan > 0 {
		return fmt.Sprintf("%s-%d:%d", e.Device, e.Port, e.Vlan)
	}
	return fmt.Sprintf("%s-%d", e.Device, e.Port)
}

// Ping is a single liveness probe sent along one direction of a flow.
// It is created once per probe attempt and never mutated.
type Ping struct {
	ID         uuid.UUID       `json:"ping_id"`
	SourceVlan int             `json:"source_vlan,omitempty"`
	Source     NetworkEndpoint `json:"source"`
	Dest       NetworkEndpoint `json:"dest"`
}

// NewPing creates a ping with a fresh id. A vlan below 1 means "untagged".
func NewPing(source, dest NetworkEndpoint, sourceVlan int) Ping {
	if sourceVlan < 1 {
		sourceVlan = 0
	}
	return Ping{
		ID:         uuid.New(),
		SourceVlan: sourceVlan,
		Source:     source,
		Dest:       dest,
	}
}

// Match is the blacklist key of the ping: identical tuples match the same rule.
func (p Ping) Match() PingMatch {
	return PingMatch{
		Source: p.Source,
		Dest:   p.Dest,
		Vlan:   p.SourceVlan,
	}
}

func (p Ping) String() string {
	source := string(p.Source.Device)
	if p.SourceVlan != 0 {
		source += fmt.Sprintf("-%d", p.SourceVlan)
	}
	return fmt.Sprintf("%s ===( ping{%s} )===> %s", source, p.ID, p.Dest.Device)
}

// PingMatch identifies a (source, dest, vlan) tuple
type PingMatch struct {
	Source NetworkEndpoint
	Dest   NetworkEndpoint
	Vlan   int
}

// PingError is the reason a ping did not succeed
type PingError int

const (
	ErrorNone PingError = iota
	ErrorTimeout
	ErrorWriteFailure
	ErrorNotCapable
)

func (e PingError) String() string {
	switch e {
	case ErrorNone:
		return "NONE"
	case ErrorTimeout:
		return "TIMEOUT"
	case ErrorWriteFailure:
		return "WRITE_FAILURE"
	case ErrorNotCapable:
		return "NOT_CAPABLE"
	default:
		return fmt.Sprintf("PingError(%d)", int(e))
	}
}

// IsPermanent reports whether retrying the ping can never succeed.
func (e PingError) IsPermanent() bool {
	return e == ErrorNotCapable
}

// PingMeters holds latency measurements of a successful ping
type PingMeters struct {
	NetworkLatency   time.Duration `json:"network_latency"`
	SenderLatency    time.Duration `json:"sender_latency"`
	RecipientLatency time.Duration `json:"recipient_latency"`
}

// PingOutcome is the final result attached to a PingContext
type PingOutcome struct {
	Error  PingError
	Meters *PingMeters
}

// IsSuccess reports whether the ping came back in time and intact
func (o PingOutcome) IsSuccess() bool {
	return o.Error == ErrorNone
}

// PingResponse is produced on the device side when a ping is caught or fails to be sent
type PingResponse struct {
	PingID    uuid.UUID   `json:"ping_id"`
	Timestamp time.Time   `json:"timestamp"`
	Error     PingError   `json:"error"`
	Meters    *PingMeters `json:"meters,omitempty"`
}

// Outcome converts the response into the outcome it resolves a ping with
func (r PingResponse) Outcome() PingOutcome {
	return PingOutcome{Error: r.Error, Meters: r.Meters}
}
