package liveness

import (
	"sort"
	"time"

	"github.com/yuuki/flowping/internal/model"
)

// FlowObserver aggregates the per-cookie statuses of one flow
type FlowObserver struct {
	timings  Timings
	cookies  map[uint64]*Status
	reported *model.FlowState
}

// NewFlowObserver creates an observer with no cookies and nothing reported
func NewFlowObserver(timings Timings) *FlowObserver {
	return &FlowObserver{
		timings: timings,
		cookies: make(map[uint64]*Status),
	}
}

// Update feeds one ping result into the status of its cookie
func (o *FlowObserver) Update(cookie uint64, isError bool, at time.Time) {
	status, ok := o.cookies[cookie]
	if !ok {
		status = NewStatus(at, o.timings)
		o.cookies[cookie] = status
	}
	if isError {
		status.Failure(at)
	} else {
		status.Operational(at)
	}
}

// Remove forgets a cookie
func (o *FlowObserver) Remove(cookie uint64) {
	delete(o.cookies, cookie)
}

// Tick advances every status, prunes garbage and returns the aggregated
// state along with whether it differs from the last one returned.
func (o *FlowObserver) Tick(now time.Time) (model.FlowState, bool) {
	aggregate := model.FlowOperational
	for cookie, status := range o.cookies {
		switch status.Tick(now) {
		case StateGarbage:
			delete(o.cookies, cookie)
		case StateFail:
			aggregate = model.FlowFailed
		case StateUnknown, StatePreFail:
			if aggregate == model.FlowOperational {
				aggregate = model.FlowUnreliable
			}
		}
	}

	if o.reported != nil && *o.reported == aggregate {
		return aggregate, false
	}
	o.reported = &aggregate
	return aggregate, true
}

// CookiesIn returns the cookies currently in state, sorted
func (o *FlowObserver) CookiesIn(state State) []uint64 {
	var cookies []uint64
	for cookie, status := range o.cookies {
		if status.State() == state {
			cookies = append(cookies, cookie)
		}
	}
	sort.Slice(cookies, func(i, j int) bool { return cookies[i] < cookies[j] })
	return cookies
}

// Status returns the status of cookie, or nil
func (o *FlowObserver) Status(cookie uint64) *Status {
	return o.cookies[cookie]
}

// IsGarbage reports whether no cookies are left
func (o *FlowObserver) IsGarbage() bool {
	return len(o.cookies) == 0
}
