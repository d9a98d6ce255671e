package probe

import (
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/flowping/internal/batch"
	"github.com/yuuki/flowping/internal/model"
)

// ErrNotCapable is returned when the destination switch cannot catch pings
var ErrNotCapable = errors.New("switch is not able to catch ping packets")

// ResponseFunc receives the result of a ping produced on the device side
type ResponseFunc func(model.PingResponse)

// Requester injects pings into the data plane through the source switch
type Requester struct {
	devices  batch.DeviceLookup
	io       *batch.Service
	signer   *Signer
	clock    clock.Clock
	response ResponseFunc
}

// NewRequester creates a requester writing packet-outs through io
func NewRequester(devices batch.DeviceLookup, io *batch.Service, signer *Signer, clk clock.Clock, response ResponseFunc) *Requester {
	if clk == nil {
		clk = clock.New()
	}
	return &Requester{
		devices:  devices,
		io:       io,
		signer:   signer,
		clock:    clk,
		response: response,
	}
}

// Send validates and emits ping. Failures are reported through the
// response callback; a ping whose source switch is not connected gets no
// response and will time out.
func (r *Requester) Send(ping model.Ping) {
	if err := r.validate(ping); err != nil {
		log.Warn().Err(err).Str("ping", ping.String()).Msg("Ping rejected")
		r.fail(ping.ID, model.ErrorNotCapable)
		return
	}

	source, err := r.devices.LookupDevice(ping.Source.Device)
	if err != nil {
		log.Debug().Str("dpid", string(ping.Source.Device)).Msg("Do not own ping's source switch")
		return
	}

	data := NewPingData(ping, r.clock.Now(), source.Latency())
	signed, err := r.signer.Sign(data)
	if err != nil {
		log.Error().Err(err).Str("ping", ping.String()).Msg("Failed to sign ping")
		r.fail(ping.ID, model.ErrorWriteFailure)
		return
	}
	frame, err := WrapFrame(ping, signed)
	if err != nil {
		log.Error().Err(err).Str("ping", ping.String()).Msg("Failed to build ping frame")
		r.fail(ping.ID, model.ErrorWriteFailure)
		return
	}

	packetOut := &batch.Message{Xid: source.NextXid(), Type: batch.TypePacketOut, Data: frame}
	err = r.io.Push(&pingIO{requester: r, pingID: ping.ID}, []*batch.PendingCommand{
		batch.NewPendingCommand(source.ID(), packetOut),
	})
	if err != nil {
		log.Warn().Err(err).Str("ping", ping.String()).Msg("Failed to write ping")
		r.fail(ping.ID, model.ErrorWriteFailure)
		return
	}
	log.Trace().Str("ping", ping.String()).Msg("Ping sent")
}

// validate rejects pings whose destination switch is too old to catch them.
// A destination we do not own is not validated.
func (r *Requester) validate(ping model.Ping) error {
	dest, err := r.devices.LookupDevice(ping.Dest.Device)
	if err != nil {
		log.Debug().Str("dpid", string(ping.Dest.Device)).Msg("Do not own ping's destination switch")
		return nil
	}
	if dest.ProtocolVersion() < batch.ProtocolVersion13 {
		return fmt.Errorf("%w: %s", ErrNotCapable, ping.Dest.Device)
	}
	return nil
}

func (r *Requester) fail(pingID uuid.UUID, pingErr model.PingError) {
	r.response(model.PingResponse{
		PingID:    pingID,
		Timestamp: r.clock.Now(),
		Error:     pingErr,
	})
}

// pingIO reports asynchronous write errors of one ping packet-out
type pingIO struct {
	requester *Requester
	pingID    uuid.UUID
}

func (p *pingIO) IOComplete(_ []*batch.PendingCommand, isError bool) {
	if !isError {
		return
	}
	p.requester.fail(p.pingID, model.ErrorWriteFailure)
}
