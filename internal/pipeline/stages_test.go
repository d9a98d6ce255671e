package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/flowping/internal/liveness"
	"github.com/yuuki/flowping/internal/model"
)

func TestBlacklistExactMatch(t *testing.T) {
	flow := testFlow("flow-1", 1, 2)
	ctx := model.NewPingContext(model.KindPeriodic, model.NewGroupID(2), flow, model.Forward, time.Now())
	blacklist := NewBlacklist()
	router := NewRouter(blacklist)

	assert.True(t, router.Request(ctx))

	other := ctx.Ping.Match()
	other.Vlan = 11
	router.UpdateBlacklist(other)
	assert.True(t, router.Request(ctx), "different vlan must not match")

	router.UpdateBlacklist(ctx.Ping.Match())
	assert.False(t, router.Request(ctx))
	// a new ping of the same tuple is blocked too
	again := model.NewPingContext(model.KindPeriodic, model.NewGroupID(2), flow, model.Forward, time.Now())
	assert.False(t, router.Request(again))
	reverse := model.NewPingContext(model.KindPeriodic, model.NewGroupID(2), flow, model.Reverse, time.Now())
	assert.True(t, router.Request(reverse))

	assert.Equal(t, 2, blacklist.Len())
	blacklist.Remove(ctx.Ping.Match())
	assert.True(t, router.Request(ctx))

	blacklist.Load(nil)
	assert.Equal(t, 0, blacklist.Len())
}

func TestRouterDropsResponseWithoutID(t *testing.T) {
	router := NewRouter(NewBlacklist())
	assert.False(t, router.Response(model.PingResponse{}))
	assert.True(t, router.Response(model.PingResponse{PingID: uuid.New()}))
}

func TestTimeoutManagerResolvesOnce(t *testing.T) {
	now := time.Unix(100, 0)
	manager := NewTimeoutManager(2 * time.Second)
	ctx := model.NewPingContext(model.KindPeriodic, model.NewGroupID(2), testFlow("f", 1, 2), model.Forward, now)
	manager.Request(ctx, now)
	assert.Equal(t, 1, manager.Pending())

	meters := &model.PingMeters{NetworkLatency: time.Millisecond}
	got := manager.Response(model.PingResponse{PingID: ctx.PingID(), Meters: meters})
	require.Same(t, ctx, got)
	assert.True(t, got.Outcome().IsSuccess())

	// late duplicate and later timeout are both ignored
	assert.Nil(t, manager.Response(model.PingResponse{PingID: ctx.PingID(), Error: model.ErrorWriteFailure}))
	assert.Empty(t, manager.Tick(now.Add(time.Minute)))
	assert.Equal(t, meters, ctx.Outcome().Meters)
}

func TestTimeoutManagerExpires(t *testing.T) {
	now := time.Unix(100, 0)
	manager := NewTimeoutManager(2 * time.Second)
	ctx := model.NewPingContext(model.KindPeriodic, model.NewGroupID(2), testFlow("f", 1, 2), model.Forward, now)
	manager.Request(ctx, now)

	assert.Empty(t, manager.Tick(now.Add(time.Second)))
	expired := manager.Tick(now.Add(2 * time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, model.ErrorTimeout, expired[0].Outcome().Error)
	assert.Nil(t, manager.Response(model.PingResponse{PingID: ctx.PingID()}))
}

func TestResultDispatcherRoutesByKind(t *testing.T) {
	periodic := make(chan *model.PingContext, 1)
	manual := make(chan *model.PingContext, 1)
	dispatcher := NewResultDispatcher(periodic, manual)
	flow := testFlow("f", 1, 2)

	assert.Equal(t, (chan<- *model.PingContext)(periodic),
		dispatcher.Route(model.NewPingContext(model.KindPeriodic, model.NewGroupID(2), flow, model.Forward, time.Now())))
	assert.Equal(t, (chan<- *model.PingContext)(manual),
		dispatcher.Route(model.NewPingContext(model.KindManual, model.NewGroupID(2), flow, model.Forward, time.Now())))
}

func TestPeriodicResultManager(t *testing.T) {
	manager := NewPeriodicResultManager()
	flow := testFlow("f", 1, 2)
	now := time.Now()

	assert.Equal(t, ActionBlacklist, manager.Handle(
		resolved(t, model.KindPeriodic, model.NewGroupID(2), flow, model.Forward, now, model.PingOutcome{Error: model.ErrorNotCapable})))
	assert.Equal(t, ActionReport, manager.Handle(
		resolved(t, model.KindPeriodic, model.NewGroupID(2), flow, model.Forward, now, model.PingOutcome{Error: model.ErrorTimeout})))
	assert.Equal(t, ActionReport, manager.Handle(
		resolved(t, model.KindPeriodic, model.NewGroupID(2), flow, model.Forward, now, model.PingOutcome{})))
}

func TestStatsCouplerPairsDirections(t *testing.T) {
	t0 := time.Unix(0, 0)
	coupler := NewStatsCoupler(10 * time.Second)
	flow := testFlow("f", 1, 2)

	forward := resolved(t, model.KindPeriodic, model.NewGroupID(2), flow, model.Forward, t0, model.PingOutcome{})
	record := coupler.Handle(forward, t0)
	assert.Equal(t, "f", record.FlowID)
	assert.Equal(t, model.Forward, record.Current)
	assert.Same(t, forward, record.Forward)
	assert.Nil(t, record.Reverse)
	assert.False(t, record.IsPaired())
	assert.Equal(t, 1, coupler.Len())

	reverse := resolved(t, model.KindPeriodic, model.NewGroupID(2), flow, model.Reverse, t0, model.PingOutcome{Error: model.ErrorTimeout})
	record = coupler.Handle(reverse, t0.Add(2*time.Second))
	assert.Equal(t, model.Reverse, record.Current)
	assert.Same(t, forward, record.Forward)
	assert.Same(t, reverse, record.Reverse)
	assert.True(t, record.IsPaired())
	// both results are used up by the pair
	assert.Equal(t, 0, coupler.Len())

	next := resolved(t, model.KindPeriodic, model.NewGroupID(2), flow, model.Forward, t0, model.PingOutcome{})
	record = coupler.Handle(next, t0.Add(3*time.Second))
	assert.False(t, record.IsPaired())

	// the forward entry is outside its window by now
	late := resolved(t, model.KindPeriodic, model.NewGroupID(2), flow, model.Reverse, t0, model.PingOutcome{})
	record = coupler.Handle(late, t0.Add(14*time.Second))
	assert.Nil(t, record.Forward)
	assert.Same(t, late, record.Reverse)
	assert.Equal(t, 1, coupler.Len())

	assert.Equal(t, 0, coupler.Expire(t0.Add(14*time.Second)))
	assert.Equal(t, 1, coupler.Expire(t0.Add(25*time.Second)))
	assert.Equal(t, 0, coupler.Len())
}

func TestGroupCollector(t *testing.T) {
	t0 := time.Unix(0, 0)
	collector := NewGroupCollector(4 * time.Second)
	flow := testFlow("f", 1, 2)
	pings := NewFlowPings(model.KindManual, flow, t0)

	assert.Nil(t, collector.Add(pings[1], t0))
	group := collector.Add(pings[0], t0.Add(time.Second))
	require.NotNil(t, group)
	assert.Len(t, group.Records, 2)
	assert.Equal(t, 0, collector.Len())

	lonely := NewFlowPings(model.KindManual, flow, t0)
	assert.Nil(t, collector.Add(lonely[0], t0))
	assert.Empty(t, collector.Expire(t0.Add(4*time.Second)))
	expired := collector.Expire(t0.Add(5 * time.Second))
	require.Len(t, expired, 1)
	assert.False(t, expired[0].IsComplete())
}

func TestManualResultManagerRepliesOnce(t *testing.T) {
	t0 := time.Unix(0, 0)
	manager := NewManualResultManager(4 * time.Second)
	flow := testFlow("f", 1, 2)
	pings := NewFlowPings(model.KindManual, flow, t0)
	for _, ping := range pings {
		require.NoError(t, ping.Resolve(model.PingOutcome{}))
	}

	reply := make(chan ManualResult, 1)
	manager.Expect(pings[0].Group.ID, reply)
	manager.Handle(pings[0], t0)
	assert.Empty(t, reply)
	manager.Handle(pings[1], t0)

	require.Len(t, reply, 1)
	result := <-reply
	assert.True(t, result.Complete)
	assert.Equal(t, "f", result.FlowID)
	assert.Same(t, pings[0], result.Forward)
	assert.Same(t, pings[1], result.Reverse)

	manager.Tick(t0.Add(time.Hour))
	assert.Empty(t, reply)
}

func TestManualResultManagerExpiresIncomplete(t *testing.T) {
	t0 := time.Unix(0, 0)
	manager := NewManualResultManager(4 * time.Second)
	pings := NewFlowPings(model.KindManual, testFlow("f", 1, 2), t0)

	reply := make(chan ManualResult, 1)
	manager.Expect(pings[0].Group.ID, reply)
	manager.Handle(pings[1], t0)
	manager.Tick(t0.Add(5 * time.Second))

	require.Len(t, reply, 1)
	result := <-reply
	assert.False(t, result.Complete)
	assert.Nil(t, result.Forward)
	assert.Same(t, pings[1], result.Reverse)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordLatency(ctx context.Context, flowID string, direction model.Direction, latency time.Duration) {
	m.Called(ctx, flowID, direction, latency)
}

func (m *mockRecorder) RecordError(ctx context.Context, flowID string, direction model.Direction, pingErr model.PingError) {
	m.Called(ctx, flowID, direction, pingErr)
}

func (m *mockRecorder) RecordOperational(ctx context.Context, flowID string, succeeded int) {
	m.Called(ctx, flowID, succeeded)
}

func TestStatsProducer(t *testing.T) {
	ctx := context.Background()
	flow := testFlow("f", 1, 2)
	now := time.Now()
	recorder := &mockRecorder{}
	recorder.On("RecordError", ctx, "f", model.Reverse, model.ErrorTimeout).Once()
	recorder.On("RecordOperational", ctx, "f", 1).Once()

	NewStatsProducer(recorder).Produce(ctx, CoupledRecord{
		FlowID:  "f",
		Current: model.Reverse,
		Forward: resolved(t, model.KindPeriodic, model.NewGroupID(2), flow, model.Forward, now,
			model.PingOutcome{Meters: &model.PingMeters{NetworkLatency: 3 * time.Millisecond}}),
		Reverse: resolved(t, model.KindPeriodic, model.NewGroupID(2), flow, model.Reverse, now,
			model.PingOutcome{Error: model.ErrorTimeout}),
	})
	recorder.AssertExpectations(t)
	recorder.AssertNotCalled(t, "RecordLatency", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestStatsCountEachPingOnce(t *testing.T) {
	ctx := context.Background()
	t0 := time.Unix(0, 0)
	flow := testFlow("f", 1, 2)
	recorder := &mockRecorder{}
	recorder.On("RecordLatency", ctx, "f", model.Forward, 3*time.Millisecond).Once()
	recorder.On("RecordLatency", ctx, "f", model.Reverse, 4*time.Millisecond).Once()
	recorder.On("RecordOperational", ctx, "f", 2).Once()

	coupler := NewStatsCoupler(10 * time.Second)
	producer := NewStatsProducer(recorder)
	forward := resolved(t, model.KindPeriodic, model.NewGroupID(2), flow, model.Forward, t0,
		model.PingOutcome{Meters: &model.PingMeters{NetworkLatency: 3 * time.Millisecond}})
	reverse := resolved(t, model.KindPeriodic, model.NewGroupID(2), flow, model.Reverse, t0,
		model.PingOutcome{Meters: &model.PingMeters{NetworkLatency: 4 * time.Millisecond}})

	producer.Produce(ctx, coupler.Handle(forward, t0))
	producer.Produce(ctx, coupler.Handle(reverse, t0.Add(time.Second)))
	recorder.AssertExpectations(t)
}

func TestStatsRecordsBlacklistedPing(t *testing.T) {
	ctx := context.Background()
	flow := testFlow("f", 1, 2)
	recorder := &mockRecorder{}
	recorder.On("RecordError", ctx, "f", model.Forward, model.ErrorNotCapable).Once()

	NewStatsProducer(recorder).Blacklisted(ctx, resolved(t, model.KindPeriodic, model.NewGroupID(2), flow, model.Forward,
		time.Now(), model.PingOutcome{Error: model.ErrorNotCapable}))
	recorder.AssertExpectations(t)

	// no recorder configured
	NewStatsProducer(nil).Blacklisted(ctx, resolved(t, model.KindPeriodic, model.NewGroupID(2), flow, model.Forward,
		time.Now(), model.PingOutcome{Error: model.ErrorNotCapable}))
}

type failingSink struct{}

func (failingSink) ReportFlowState(context.Context, model.FlowReport) error {
	return errors.New("database is down")
}

func TestFailReporterDeliversToAllSinks(t *testing.T) {
	t0 := time.Unix(0, 0)
	sink := &recordingSink{}
	reporter := NewFailReporter(liveness.Timings{FailDelay: 10 * time.Second, FailReset: 30 * time.Second}, failingSink{}, sink)
	flow := testFlow("flow-c1", 0xC1, 0xC2)

	reporter.Observe(resolved(t, model.KindPeriodic, model.NewGroupID(2), flow, model.Forward, t0, model.PingOutcome{Error: model.ErrorTimeout}))
	reports := reporter.Tick(context.Background(), t0.Add(11*time.Second))
	require.Len(t, reports, 1)
	assert.Equal(t, reports, sink.snapshot())
	assert.Equal(t, "{FLOW-PING} Flow flow-c1 become FAILED (failed cookies: 0x00000000000000c1)", formatReport(reports[0]))

	reporter.Remove("flow-c1", 0xC1)
	assert.Empty(t, reporter.Tick(context.Background(), t0.Add(12*time.Second)))
}

func TestProducerEmitsPairsPerFlow(t *testing.T) {
	oneSwitch := testFlow("one", 5, 6)
	oneSwitch.Forward.Dest.Device = oneSwitch.Forward.Source.Device
	flows := &staticFlows{flows: []model.Flow{testFlow("a", 1, 2), oneSwitch, testFlow("b", 3, 4)}}
	producer := NewProducer(flows, 10*time.Second, 0)
	t0 := time.Unix(0, 0)

	assert.True(t, producer.Due(t0))
	var emitted []*model.PingContext
	count, removed, err := producer.Produce(context.Background(), t0, func(ctx *model.PingContext) bool {
		emitted = append(emitted, ctx)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.Empty(t, removed)
	require.Len(t, emitted, 4)
	assert.Equal(t, emitted[0].Group, emitted[1].Group)
	assert.NotEqual(t, emitted[0].Group.ID, emitted[2].Group.ID)
	assert.Equal(t, model.Forward, emitted[0].Direction)
	assert.Equal(t, model.Reverse, emitted[1].Direction)
	assert.Equal(t, 2, emitted[0].Group.Size)

	assert.False(t, producer.Due(t0.Add(9*time.Second)))
	assert.True(t, producer.Due(t0.Add(10*time.Second)))

	flows.err = errors.New("registry unavailable")
	_, _, err = producer.Produce(context.Background(), t0.Add(10*time.Second), func(*model.PingContext) bool { return true })
	assert.Error(t, err)
}

func TestProducerReportsRemovedDirections(t *testing.T) {
	emit := func(*model.PingContext) bool { return true }
	flows := &staticFlows{flows: []model.Flow{testFlow("a", 1, 2), testFlow("b", 3, 4)}}
	producer := NewProducer(flows, 10*time.Second, 0)
	t0 := time.Unix(0, 0)

	_, removed, err := producer.Produce(context.Background(), t0, emit)
	require.NoError(t, err)
	assert.Empty(t, removed)

	// flow b is deleted and flow a gets a new reverse path
	flows.mu.Lock()
	flows.flows = []model.Flow{testFlow("a", 1, 5)}
	flows.mu.Unlock()

	_, removed, err = producer.Produce(context.Background(), t0.Add(10*time.Second), emit)
	require.NoError(t, err)
	assert.Equal(t, []model.FlowRef{
		{FlowID: "a", Cookie: 2},
		{FlowID: "b", Cookie: 3},
		{FlowID: "b", Cookie: 4},
	}, removed)

	// a failed listing keeps the previous view
	flows.err = errors.New("registry unavailable")
	_, removed, err = producer.Produce(context.Background(), t0.Add(20*time.Second), emit)
	assert.Error(t, err)
	assert.Empty(t, removed)

	flows.err = nil
	_, removed, err = producer.Produce(context.Background(), t0.Add(30*time.Second), emit)
	require.NoError(t, err)
	assert.Empty(t, removed)
}
