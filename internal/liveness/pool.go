package liveness

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/flowping/internal/model"
)

// Pool owns the observers of every flow that has been pinged
type Pool struct {
	timings Timings
	flows   map[string]*FlowObserver
}

// NewPool creates an empty pool
func NewPool(timings Timings) *Pool {
	return &Pool{
		timings: timings,
		flows:   make(map[string]*FlowObserver),
	}
}

// Observe feeds a resolved ping into the pool. Permanent errors say
// nothing about the flow and are ignored.
func (p *Pool) Observe(ctx *model.PingContext) {
	if ctx.IsPermanentError() {
		log.Debug().
			Str("flow_id", ctx.FlowID()).
			Str("error", ctx.Outcome().Error.String()).
			Msg("Ignoring permanent ping error in flow health")
		return
	}
	observer, ok := p.flows[ctx.FlowID()]
	if !ok {
		observer = NewFlowObserver(p.timings)
		p.flows[ctx.FlowID()] = observer
	}
	observer.Update(ctx.Cookie(), ctx.IsError(), ctx.Timestamp)
}

// Remove drops the status of one cookie of a flow
func (p *Pool) Remove(flowID string, cookie uint64) {
	if observer, ok := p.flows[flowID]; ok {
		observer.Remove(cookie)
	}
}

// OnTick advances every observer and returns a report for each flow whose
// aggregate state changed. Flows left without cookies are dropped silently.
func (p *Pool) OnTick(now time.Time) []model.FlowReport {
	flowIDs := make([]string, 0, len(p.flows))
	for flowID := range p.flows {
		flowIDs = append(flowIDs, flowID)
	}
	sort.Strings(flowIDs)

	var reports []model.FlowReport
	for _, flowID := range flowIDs {
		observer := p.flows[flowID]
		state, changed := observer.Tick(now)
		if observer.IsGarbage() {
			delete(p.flows, flowID)
			continue
		}
		if !changed {
			continue
		}
		report := model.FlowReport{FlowID: flowID, State: state}
		if state == model.FlowFailed {
			report.FailedCookies = observer.CookiesIn(StateFail)
		}
		reports = append(reports, report)
	}
	return reports
}

// Get returns the observer of a flow, or nil
func (p *Pool) Get(flowID string) *FlowObserver {
	return p.flows[flowID]
}

// Len returns the number of observed flows
func (p *Pool) Len() int {
	return len(p.flows)
}
