package pipeline

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/flowping/internal/model"
	"github.com/yuuki/flowping/internal/timeout"
)

// TimeoutManager correlates replies with outstanding pings and turns
// missing replies into TIMEOUT results.
type TimeoutManager struct {
	scheduler *timeout.Scheduler
	timeout   time.Duration
}

func NewTimeoutManager(probeTimeout time.Duration) *TimeoutManager {
	return &TimeoutManager{
		scheduler: timeout.NewScheduler(),
		timeout:   probeTimeout,
	}
}

// Request starts the countdown of a ping sent at now
func (m *TimeoutManager) Request(ctx *model.PingContext, now time.Time) {
	m.scheduler.Schedule(ctx, now.Add(m.timeout))
}

// Response resolves the ping a reply belongs to. It returns nil when the
// ping is unknown or already timed out.
func (m *TimeoutManager) Response(resp model.PingResponse) *model.PingContext {
	ctx := m.scheduler.Resolve(resp.PingID)
	if ctx == nil {
		log.Debug().Str("ping_id", resp.PingID.String()).Msg("Response for unknown or expired ping")
		return nil
	}
	if err := ctx.Resolve(resp.Outcome()); err != nil {
		log.Warn().Err(err).Str("flow_id", ctx.FlowID()).Msg("Dropping duplicate ping result")
		return nil
	}
	return ctx
}

// Tick returns the pings that expired by now
func (m *TimeoutManager) Tick(now time.Time) []*model.PingContext {
	expired := m.scheduler.Tick(now)
	for _, ctx := range expired {
		log.Debug().Str("flow_id", ctx.FlowID()).Str("ping", ctx.Ping.String()).Msg("Ping timed out")
	}
	return expired
}

// Pending returns the number of pings waiting for a reply
func (m *TimeoutManager) Pending() int {
	return m.scheduler.Len()
}
