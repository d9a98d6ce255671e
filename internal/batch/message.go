package batch

import (
	"fmt"
	"time"

	"github.com/yuuki/flowping/internal/model"
)

// MessageType is the device protocol message type relevant to batching
type MessageType int

const (
	TypePacketOut MessageType = iota
	TypePacketIn
	TypeBarrierRequest
	TypeBarrierReply
	TypeError
	TypeFlowMod
	TypeEchoReply
)

var messageTypeNames = map[MessageType]string{
	TypePacketOut:      "packet_out",
	TypePacketIn:       "packet_in",
	TypeBarrierRequest: "barrier_request",
	TypeBarrierReply:   "barrier_reply",
	TypeError:          "error",
	TypeFlowMod:        "flow_mod",
	TypeEchoReply:      "echo_reply",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// ParseMessageType maps a wire name back to its MessageType
func ParseMessageType(name string) (MessageType, error) {
	for t, n := range messageTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", name)
}

// Message is one device protocol message. The payload is opaque to this package.
type Message struct {
	Xid  uint32
	Type MessageType
	Data []byte
}

// Protocol versions as reported by the device handshake
const (
	ProtocolVersion10 uint8 = 0x01
	ProtocolVersion13 uint8 = 0x04
)

// Device is a live control session with one switch
type Device interface {
	ID() model.DeviceID
	// Write sends msg on the device channel. Messages written to one device are processed in order.
	Write(msg *Message) error
	// NextXid allocates a transaction id unique on this device channel
	NextXid() uint32
	// BarrierRequest builds a barrier with a fresh xid
	BarrierRequest() *Message
	ProtocolVersion() uint8
	Latency() time.Duration
}

// DeviceLookup resolves a connected device by id
type DeviceLookup interface {
	LookupDevice(id model.DeviceID) (Device, error)
}

// CorrelationKey identifies one in-flight command
type CorrelationKey struct {
	Device model.DeviceID
	Xid    uint32
}

func (k CorrelationKey) String() string {
	return fmt.Sprintf("%s:%d", k.Device, k.Xid)
}

// PendingCommand is a command waiting for its reply
type PendingCommand struct {
	Key      CorrelationKey
	Request  *Message
	Response *Message
}

// NewPendingCommand wraps msg addressed to device
func NewPendingCommand(device model.DeviceID, msg *Message) *PendingCommand {
	return &PendingCommand{
		Key:     CorrelationKey{Device: device, Xid: msg.Xid},
		Request: msg,
	}
}

// IsError reports whether the device answered this command with an error
func (p *PendingCommand) IsError() bool {
	return p.Response != nil && p.Response.Type == TypeError
}

// WriteFailure is returned when a device rejects a write synchronously
type WriteFailure struct {
	Device  model.DeviceID
	Message *Message
	Err     error
}

func (e *WriteFailure) Error() string {
	xid := uint32(0)
	if e.Message != nil {
		xid = e.Message.Xid
	}
	if e.Err != nil {
		return fmt.Sprintf("write to %s (xid %d) failed: %v", e.Device, xid, e.Err)
	}
	return fmt.Sprintf("write to %s (xid %d) failed", e.Device, xid)
}

func (e *WriteFailure) Unwrap() error {
	return e.Err
}
