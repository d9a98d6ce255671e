package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/flowping/internal/liveness"
	"github.com/yuuki/flowping/internal/model"
)

// FailReporter tracks flow health and reports state changes
type FailReporter struct {
	pool  *liveness.Pool
	sinks []ReportSink
}

func NewFailReporter(timings liveness.Timings, sinks ...ReportSink) *FailReporter {
	return &FailReporter{
		pool:  liveness.NewPool(timings),
		sinks: sinks,
	}
}

// Observe feeds a periodic result into the observer pool
func (r *FailReporter) Observe(ping *model.PingContext) {
	r.pool.Observe(ping)
}

// Remove forgets one direction of a flow
func (r *FailReporter) Remove(flowID string, cookie uint64) {
	log.Debug().Str("flow_id", flowID).Str("cookie", fmt.Sprintf("0x%016x", cookie)).Msg("Flow direction is gone, dropping its health")
	r.pool.Remove(flowID, cookie)
}

// Tick advances the pool and pushes every state change to the sinks
func (r *FailReporter) Tick(ctx context.Context, now time.Time) []model.FlowReport {
	reports := r.pool.OnTick(now)
	for _, report := range reports {
		log.Info().Msg(formatReport(report))
		for _, sink := range r.sinks {
			if err := sink.ReportFlowState(ctx, report); err != nil {
				log.Error().Err(err).Str("flow_id", report.FlowID).Msg("Failed to deliver flow state report")
			}
		}
	}
	return reports
}

func formatReport(report model.FlowReport) string {
	msg := fmt.Sprintf("{FLOW-PING} Flow %s become %s", report.FlowID, report.State)
	if report.State == model.FlowFailed && len(report.FailedCookies) > 0 {
		cookies := make([]string, len(report.FailedCookies))
		for i, cookie := range report.FailedCookies {
			cookies[i] = fmt.Sprintf("0x%016x", cookie)
		}
		msg += fmt.Sprintf(" (failed cookies: %s)", strings.Join(cookies, ", "))
	}
	return msg
}
