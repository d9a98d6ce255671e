package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yuuki/flowping/internal/model"
)

func testFlow(id string, forwardCookie, reverseCookie uint64) model.Flow {
	a := model.NetworkEndpoint{Device: "00:00:00:00:00:00:00:0a", Port: 1, Vlan: 10}
	b := model.NetworkEndpoint{Device: "00:00:00:00:00:00:00:0b", Port: 2, Vlan: 10}
	return model.Flow{
		ID:      id,
		Forward: model.HalfFlow{Cookie: forwardCookie, Source: a, Dest: b},
		Reverse: model.HalfFlow{Cookie: reverseCookie, Source: b, Dest: a},
	}
}

func resolved(t *testing.T, kind model.Kind, group model.GroupID, flow model.Flow, direction model.Direction, at time.Time, outcome model.PingOutcome) *model.PingContext {
	t.Helper()
	ctx := model.NewPingContext(kind, group, flow, direction, at)
	require.NoError(t, ctx.Resolve(outcome))
	return ctx
}

type staticFlows struct {
	mu    sync.Mutex
	flows []model.Flow
	err   error
}

func (s *staticFlows) ListFlows(_ context.Context) ([]model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Flow(nil), s.flows...), s.err
}

func (s *staticFlows) GetFlow(_ context.Context, flowID string) (model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, flow := range s.flows {
		if flow.ID == flowID {
			return flow, nil
		}
	}
	return model.Flow{}, fmt.Errorf("flow %s not found", flowID)
}

type recordingSink struct {
	mu      sync.Mutex
	reports []model.FlowReport
}

func (s *recordingSink) ReportFlowState(_ context.Context, report model.FlowReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	return nil
}

func (s *recordingSink) snapshot() []model.FlowReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.FlowReport(nil), s.reports...)
}
