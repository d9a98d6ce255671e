package speaker

import (
	"time"

	"github.com/yuuki/flowping/internal/batch"
)

// Frame types exchanged with the speaker gateway besides the batch message types
const (
	FrameDeviceStatus = "device_status"
)

// Frame is one JSON message on the speaker websocket
type Frame struct {
	Type      string `json:"type"`
	Dpid      string `json:"dpid"`
	Xid       uint32 `json:"xid,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Version   uint8  `json:"version,omitempty"`
	LatencyNs int64  `json:"latency_ns,omitempty"`
	Active    bool   `json:"active,omitempty"`
}

func messageFrame(dpid string, msg *batch.Message) Frame {
	return Frame{
		Type: msg.Type.String(),
		Dpid: dpid,
		Xid:  msg.Xid,
		Data: msg.Data,
	}
}

func (f Frame) latency() time.Duration {
	return time.Duration(f.LatencyNs)
}
