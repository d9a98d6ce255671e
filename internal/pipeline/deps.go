package pipeline

import (
	"context"
	"time"

	"github.com/yuuki/flowping/internal/model"
)

// FlowSource enumerates the flows that must be pinged
type FlowSource interface {
	ListFlows(ctx context.Context) ([]model.Flow, error)
	GetFlow(ctx context.Context, flowID string) (model.Flow, error)
}

// Sender puts a ping on the wire. It must not block for long; results
// come back through Pipeline.HandleResponse.
type Sender interface {
	Send(ping model.Ping)
}

// ReportSink receives flow state changes
type ReportSink interface {
	ReportFlowState(ctx context.Context, report model.FlowReport) error
}

// BlacklistStore persists blacklist rules created by the pipeline
type BlacklistStore interface {
	AddBlacklist(ctx context.Context, match model.PingMatch) error
}

// StatsRecorder receives per ping measurements
type StatsRecorder interface {
	RecordLatency(ctx context.Context, flowID string, direction model.Direction, latency time.Duration)
	RecordError(ctx context.Context, flowID string, direction model.Direction, pingErr model.PingError)
	RecordOperational(ctx context.Context, flowID string, succeeded int)
}

// Sweeper is ticked together with the pipeline stages
type Sweeper interface {
	Sweep(now time.Time) int
}
