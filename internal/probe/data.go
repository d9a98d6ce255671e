package probe

import (
	"time"

	"github.com/google/uuid"
	"github.com/yuuki/flowping/internal/model"
)

// PingData is the payload carried inside a ping packet
type PingData struct {
	PingID        uuid.UUID
	Source        model.DeviceID
	Dest          model.DeviceID
	SendTime      time.Time
	SenderLatency time.Duration
}

// NewPingData fills the payload for ping as sent at sendTime
func NewPingData(ping model.Ping, sendTime time.Time, senderLatency time.Duration) PingData {
	return PingData{
		PingID:        ping.ID,
		Source:        ping.Source.Device,
		Dest:          ping.Dest.Device,
		SendTime:      sendTime,
		SenderLatency: senderLatency,
	}
}

// Measure computes the meters of a ping caught at recvAt. The control
// channel latency of both switches is subtracted from the round trip.
func (d PingData) Measure(recvAt time.Time, recipientLatency time.Duration) model.PingMeters {
	network := recvAt.Sub(d.SendTime) - d.SenderLatency - recipientLatency
	if network < 0 {
		network = 0
	}
	return model.PingMeters{
		NetworkLatency:   network,
		SenderLatency:    d.SenderLatency,
		RecipientLatency: recipientLatency,
	}
}
