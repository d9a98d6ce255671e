package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/flowping/internal/model"
	"go.uber.org/ratelimit"
)

// Producer creates one forward and one reverse ping per flow every probe interval
type Producer struct {
	flows    FlowSource
	limiter  ratelimit.Limiter
	interval time.Duration
	last     time.Time
	// flow directions listed by the previous round
	known map[model.FlowRef]struct{}
}

// NewProducer creates a producer emitting at most rate flows per second
func NewProducer(flows FlowSource, interval time.Duration, rate int) *Producer {
	limiter := ratelimit.NewUnlimited()
	if rate > 0 {
		limiter = ratelimit.New(rate)
	}
	return &Producer{
		flows:    flows,
		limiter:  limiter,
		interval: interval,
	}
}

// Due reports whether a new round of pings should start at now
func (p *Producer) Due(now time.Time) bool {
	return p.last.IsZero() || !now.Before(p.last.Add(p.interval))
}

// Produce lists the flows and emits their pings. emit returning false
// stops production. It also returns the flow directions that were listed
// by the previous round but are gone now.
func (p *Producer) Produce(ctx context.Context, now time.Time, emit func(*model.PingContext) bool) (int, []model.FlowRef, error) {
	p.last = now
	flows, err := p.flows.ListFlows(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to list flows: %w", err)
	}
	removed := p.track(flows)

	produced := 0
	for _, flow := range flows {
		if isOneSwitch(flow) {
			log.Trace().Str("flow_id", flow.ID).Msg("Skipping one-switch flow")
			continue
		}
		p.limiter.Take()
		for _, ping := range NewFlowPings(model.KindPeriodic, flow, now) {
			if !emit(ping) {
				return produced, removed, ctx.Err()
			}
			produced++
		}
	}
	return produced, removed, nil
}

// track remembers the directions of flows and returns those that disappeared
func (p *Producer) track(flows []model.Flow) []model.FlowRef {
	current := make(map[model.FlowRef]struct{}, 2*len(flows))
	for _, flow := range flows {
		for _, half := range []model.HalfFlow{flow.Forward, flow.Reverse} {
			current[model.FlowRef{FlowID: flow.ID, Cookie: half.Cookie}] = struct{}{}
		}
	}

	var removed []model.FlowRef
	for ref := range p.known {
		if _, ok := current[ref]; !ok {
			removed = append(removed, ref)
		}
	}
	sort.Slice(removed, func(i, j int) bool {
		if removed[i].FlowID != removed[j].FlowID {
			return removed[i].FlowID < removed[j].FlowID
		}
		return removed[i].Cookie < removed[j].Cookie
	})
	p.known = current
	return removed
}

// NewFlowPings builds the forward and reverse pings of one flow sharing a group
func NewFlowPings(kind model.Kind, flow model.Flow, now time.Time) []*model.PingContext {
	group := model.NewGroupID(2)
	return []*model.PingContext{
		model.NewPingContext(kind, group, flow, model.Forward, now),
		model.NewPingContext(kind, group, flow, model.Reverse, now),
	}
}

func isOneSwitch(flow model.Flow) bool {
	return flow.Forward.Source.Device == flow.Forward.Dest.Device
}
