package probe

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/flowping/internal/batch"
	"github.com/yuuki/flowping/internal/model"
)

// CorruptedReplyError is returned for caught pings that fail verification
// or were caught on the wrong switch
type CorruptedReplyError struct {
	Device model.DeviceID
	Err    error
}

func (e *CorruptedReplyError) Error() string {
	return fmt.Sprintf("corrupted ping caught on %s: %v", e.Device, e.Err)
}

func (e *CorruptedReplyError) Unwrap() error {
	return e.Err
}

// Responder turns ping frames caught by a switch into responses
type Responder struct {
	signer *Signer
	clock  clock.Clock
}

// NewResponder creates a responder verifying with signer
func NewResponder(signer *Signer, clk clock.Clock) *Responder {
	if clk == nil {
		clk = clock.New()
	}
	return &Responder{signer: signer, clock: clk}
}

// HandlePacketIn decodes a packet-in caught on device. It returns
// ErrNotPing for unrelated traffic and *CorruptedReplyError for pings
// that must be treated as lost.
func (r *Responder) HandlePacketIn(device batch.Device, frame []byte) (model.PingResponse, error) {
	recvAt := r.clock.Now()
	payload, err := UnwrapFrame(frame)
	if err != nil {
		return model.PingResponse{}, err
	}

	data, err := r.signer.Verify(payload)
	if err != nil {
		return model.PingResponse{}, &CorruptedReplyError{Device: device.ID(), Err: err}
	}
	if data.Dest != device.ID() {
		return model.PingResponse{}, &CorruptedReplyError{
			Device: device.ID(),
			Err:    fmt.Errorf("caught ping %s while target is %s", data.PingID, data.Dest),
		}
	}

	meters := data.Measure(recvAt, device.Latency())
	log.Debug().
		Str("ping_id", data.PingID.String()).
		Dur("latency", meters.NetworkLatency).
		Msg("Ping caught")
	return model.PingResponse{
		PingID:    data.PingID,
		Timestamp: recvAt,
		Meters:    &meters,
	}, nil
}
