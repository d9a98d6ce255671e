package pipeline

import (
	"context"

	"github.com/yuuki/flowping/internal/model"
)

// StatsProducer converts coupled records into measurements
type StatsProducer struct {
	recorder StatsRecorder
}

func NewStatsProducer(recorder StatsRecorder) *StatsProducer {
	return &StatsProducer{recorder: recorder}
}

// Produce records the latency or error of the record's current direction.
// The number of directions that succeeded is recorded once per pair.
func (p *StatsProducer) Produce(ctx context.Context, record CoupledRecord) {
	if p.recorder == nil {
		return
	}
	current := record.Forward
	if record.Current == model.Reverse {
		current = record.Reverse
	}
	if current != nil {
		outcome := current.Outcome()
		if !outcome.IsSuccess() {
			p.recorder.RecordError(ctx, record.FlowID, current.Direction, outcome.Error)
		} else if outcome.Meters != nil {
			p.recorder.RecordLatency(ctx, record.FlowID, current.Direction, outcome.Meters.NetworkLatency)
		}
	}

	if !record.IsPaired() {
		return
	}
	succeeded := 0
	for _, ping := range []*model.PingContext{record.Forward, record.Reverse} {
		if ping.Outcome().IsSuccess() {
			succeeded++
		}
	}
	p.recorder.RecordOperational(ctx, record.FlowID, succeeded)
}

// Blacklisted records a ping that was excluded for a permanent error
func (p *StatsProducer) Blacklisted(ctx context.Context, ping *model.PingContext) {
	if p.recorder == nil {
		return
	}
	p.recorder.RecordError(ctx, ping.FlowID(), ping.Direction, ping.Outcome().Error)
}
