package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/flowping/internal/liveness"
	"github.com/yuuki/flowping/internal/model"
)

var (
	// ErrStopped is returned by calls made after the pipeline stopped
	ErrStopped = errors.New("ping pipeline is stopped")
	// ErrOneSwitchFlow is returned when asked to ping a flow that never leaves its switch
	ErrOneSwitchFlow = errors.New("one-switch flows can not be pinged")
)

const (
	stageQueueSize    = 1024
	DefaultTickPeriod = time.Second
)

// Config holds the timing of the pipeline
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	TickPeriod    time.Duration
	ProbeRate     int
	Timings       liveness.Timings
}

// Deps are the collaborators of the pipeline. Blacklist, Stats and Sweeper are optional.
type Deps struct {
	Flows     FlowSource
	Sender    Sender
	Reports   []ReportSink
	Blacklist BlacklistStore
	Stats     StatsRecorder
	Sweeper   Sweeper
	Clock     clock.Clock
}

type manualWaiter struct {
	group uuid.UUID
	reply chan<- ManualResult
}

// Pipeline runs every stage in its own goroutine, connected by channels.
// A single ticker drives all time based stages.
type Pipeline struct {
	cfg   Config
	deps  Deps
	clock clock.Clock

	blacklist  *Blacklist
	producer   *Producer
	router     *Router
	timeouts   *TimeoutManager
	dispatcher *ResultDispatcher
	periodic   *PeriodicResultManager
	manual     *ManualResultManager
	coupler    *StatsCoupler
	stats      *StatsProducer
	reporter   *FailReporter

	requests      chan *model.PingContext
	responses     chan model.PingResponse
	blacklistCh   chan model.PingMatch
	scheduled     chan *model.PingContext
	replies       chan model.PingResponse
	sendQueue     chan model.Ping
	results       chan *model.PingContext
	periodicCh    chan *model.PingContext
	manualCh      chan *model.PingContext
	healthCh      chan *model.PingContext
	couplingCh    chan *model.PingContext
	coupledCh     chan CoupledRecord
	removedCh     chan model.FlowRef
	waiters       chan manualWaiter
	cancelWaiters chan uuid.UUID

	producerTick chan time.Time
	timeoutTick  chan time.Time
	manualTick   chan time.Time
	couplerTick  chan time.Time
	reporterTick chan time.Time
	sweeperTick  chan time.Time

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a pipeline. Zero durations fall back to sane defaults.
func New(cfg Config, deps Deps) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = DefaultTickPeriod
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}

	p := &Pipeline{
		cfg:       cfg,
		deps:      deps,
		clock:     deps.Clock,
		blacklist: NewBlacklist(),

		requests:      make(chan *model.PingContext, stageQueueSize),
		responses:     make(chan model.PingResponse, stageQueueSize),
		blacklistCh:   make(chan model.PingMatch, stageQueueSize),
		scheduled:     make(chan *model.PingContext, stageQueueSize),
		replies:       make(chan model.PingResponse, stageQueueSize),
		sendQueue:     make(chan model.Ping, stageQueueSize),
		results:       make(chan *model.PingContext, stageQueueSize),
		periodicCh:    make(chan *model.PingContext, stageQueueSize),
		manualCh:      make(chan *model.PingContext, stageQueueSize),
		healthCh:      make(chan *model.PingContext, stageQueueSize),
		couplingCh:    make(chan *model.PingContext, stageQueueSize),
		coupledCh:     make(chan CoupledRecord, stageQueueSize),
		removedCh:     make(chan model.FlowRef, stageQueueSize),
		waiters:       make(chan manualWaiter),
		cancelWaiters: make(chan uuid.UUID, stageQueueSize),

		producerTick: make(chan time.Time, 1),
		timeoutTick:  make(chan time.Time, 1),
		manualTick:   make(chan time.Time, 1),
		couplerTick:  make(chan time.Time, 1),
		reporterTick: make(chan time.Time, 1),
		sweeperTick:  make(chan time.Time, 1),

		stopCh: make(chan struct{}),
	}

	p.producer = NewProducer(deps.Flows, cfg.ProbeInterval, cfg.ProbeRate)
	p.router = NewRouter(p.blacklist)
	p.timeouts = NewTimeoutManager(cfg.ProbeTimeout)
	p.dispatcher = NewResultDispatcher(p.periodicCh, p.manualCh)
	p.periodic = NewPeriodicResultManager()
	p.manual = NewManualResultManager(2 * cfg.ProbeTimeout)
	p.coupler = NewStatsCoupler(cfg.ProbeInterval)
	p.stats = NewStatsProducer(deps.Stats)
	p.reporter = NewFailReporter(cfg.Timings, deps.Reports...)
	return p
}

// LoadBlacklist replaces the suppression rules
func (p *Pipeline) LoadBlacklist(rules []model.PingMatch) {
	p.blacklist.Load(rules)
	log.Info().Int("rules", len(rules)).Msg("Ping blacklist loaded")
}

// Start launches every stage
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return errors.New("ping pipeline already started")
	}
	if p.deps.Flows == nil || p.deps.Sender == nil {
		return errors.New("ping pipeline requires a flow source and a sender")
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	stages := []func(context.Context){
		p.runTicker,
		p.runProducer,
		p.runRouter,
		p.runTimeoutManager,
		p.runSender,
		p.runDispatcher,
		p.runPeriodic,
		p.runManual,
		p.runCoupler,
		p.runStats,
		p.runReporter,
	}
	if p.deps.Sweeper != nil {
		stages = append(stages, p.runSweeper)
	}
	for _, stage := range stages {
		p.wg.Add(1)
		go func(run func(context.Context)) {
			defer p.wg.Done()
			run(runCtx)
		}(stage)
	}

	log.Info().
		Dur("probe_interval", p.cfg.ProbeInterval).
		Dur("probe_timeout", p.cfg.ProbeTimeout).
		Dur("fail_delay", p.cfg.Timings.FailDelay).
		Dur("fail_reset", p.cfg.Timings.FailReset).
		Msg("Ping pipeline started")
	return nil
}

// Stop halts every stage and waits for them to exit
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.stopped = true
	close(p.stopCh)
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	log.Info().Msg("Ping pipeline stopped")
}

// HandleResponse delivers a device side ping result
func (p *Pipeline) HandleResponse(resp model.PingResponse) {
	if !send(p.stopCh, p.responses, resp) {
		log.Debug().Str("ping_id", resp.PingID.String()).Msg("Pipeline stopped, dropping ping response")
	}
}

// PingFlow pings both directions of a flow right now and waits for the result
func (p *Pipeline) PingFlow(ctx context.Context, flowID string) (*ManualResult, error) {
	flow, err := p.deps.Flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow %s: %w", flowID, err)
	}
	if isOneSwitch(flow) {
		return nil, fmt.Errorf("%w: %s", ErrOneSwitchFlow, flowID)
	}

	pings := NewFlowPings(model.KindManual, flow, p.clock.Now())
	group := pings[0].Group.ID
	reply := make(chan ManualResult, 1)

	select {
	case p.waiters <- manualWaiter{group: group, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopCh:
		return nil, ErrStopped
	}
	for _, ping := range pings {
		if !send(p.stopCh, p.requests, ping) {
			return nil, ErrStopped
		}
	}

	select {
	case result := <-reply:
		return &result, nil
	case <-ctx.Done():
		send(p.stopCh, p.cancelWaiters, group)
		return nil, ctx.Err()
	case <-p.stopCh:
		return nil, ErrStopped
	}
}

// runTicker fans the clock out to every time driven stage. A stage that
// is still busy with the previous tick just misses this one.
func (p *Pipeline) runTicker(ctx context.Context) {
	ticker := p.clock.Ticker(p.cfg.TickPeriod)
	defer ticker.Stop()

	targets := []chan time.Time{p.producerTick, p.timeoutTick, p.manualTick, p.couplerTick, p.reporterTick}
	if p.deps.Sweeper != nil {
		targets = append(targets, p.sweeperTick)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, target := range targets {
				select {
				case target <- now:
				default:
				}
			}
		}
	}
}

func (p *Pipeline) runProducer(ctx context.Context) {
	emit := func(ping *model.PingContext) bool {
		return send(p.stopCh, p.requests, ping)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-p.producerTick:
			if !p.producer.Due(now) {
				continue
			}
			count, removed, err := p.producer.Produce(ctx, now, emit)
			for _, ref := range removed {
				send(p.stopCh, p.removedCh, ref)
			}
			if err != nil {
				log.Error().Err(err).Msg("Failed to produce periodic pings")
				continue
			}
			log.Debug().Int("pings", count).Int("removed", len(removed)).Msg("Periodic pings produced")
		}
	}
}

func (p *Pipeline) runRouter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ping := <-p.requests:
			if p.router.Request(ping) {
				send(p.stopCh, p.scheduled, ping)
				continue
			}
			// a caller is waiting on manual pings, answer them right away
			if ping.Kind == model.KindManual {
				if err := ping.Resolve(model.PingOutcome{Error: model.ErrorNotCapable}); err == nil {
					send(p.stopCh, p.results, ping)
				}
			}
		case resp := <-p.responses:
			if p.router.Response(resp) {
				send(p.stopCh, p.replies, resp)
			}
		case match := <-p.blacklistCh:
			p.router.UpdateBlacklist(match)
		}
	}
}

func (p *Pipeline) runTimeoutManager(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ping := <-p.scheduled:
			p.timeouts.Request(ping, p.clock.Now())
			select {
			case p.sendQueue <- ping.Ping:
			default:
				log.Warn().Str("ping", ping.Ping.String()).Msg("Send queue is full, ping will time out")
			}
		case resp := <-p.replies:
			if resolved := p.timeouts.Response(resp); resolved != nil {
				send(p.stopCh, p.results, resolved)
			}
		case now := <-p.timeoutTick:
			for _, expired := range p.timeouts.Tick(now) {
				send(p.stopCh, p.results, expired)
			}
		}
	}
}

func (p *Pipeline) runSender(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ping := <-p.sendQueue:
			p.deps.Sender.Send(ping)
		}
	}
}

func (p *Pipeline) runDispatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-p.results:
			send(p.stopCh, p.dispatcher.Route(result), result)
		}
	}
}

func (p *Pipeline) runPeriodic(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-p.periodicCh:
			switch p.periodic.Handle(result) {
			case ActionBlacklist:
				p.stats.Blacklisted(ctx, result)
				p.blacklistPing(ctx, result.Ping.Match())
			case ActionReport:
				send(p.stopCh, p.healthCh, result)
				send(p.stopCh, p.couplingCh, result)
			}
		}
	}
}

// blacklistPing hands the rule to the router without waiting on it. A lost
// update only means the next ping of the tuple is rejected again.
func (p *Pipeline) blacklistPing(ctx context.Context, match model.PingMatch) {
	select {
	case p.blacklistCh <- match:
	default:
		log.Warn().Str("source", match.Source.String()).Msg("Blacklist queue is full, dropping update")
	}
	if p.deps.Blacklist != nil {
		if err := p.deps.Blacklist.AddBlacklist(ctx, match); err != nil {
			log.Error().Err(err).Msg("Failed to persist blacklist rule")
		}
	}
}

func (p *Pipeline) runManual(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case waiter := <-p.waiters:
			p.manual.Expect(waiter.group, waiter.reply)
		case group := <-p.cancelWaiters:
			p.manual.Cancel(group)
		case result := <-p.manualCh:
			p.manual.Handle(result, p.clock.Now())
		case now := <-p.manualTick:
			p.manual.Tick(now)
		}
	}
}

func (p *Pipeline) runCoupler(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-p.couplingCh:
			send(p.stopCh, p.coupledCh, p.coupler.Handle(result, p.clock.Now()))
		case now := <-p.couplerTick:
			p.coupler.Expire(now)
		}
	}
}

func (p *Pipeline) runStats(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-p.coupledCh:
			p.stats.Produce(ctx, record)
		}
	}
}

func (p *Pipeline) runReporter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-p.healthCh:
			p.reporter.Observe(result)
		case ref := <-p.removedCh:
			p.reporter.Remove(ref.FlowID, ref.Cookie)
		case now := <-p.reporterTick:
			p.reporter.Tick(ctx, now)
		}
	}
}

func (p *Pipeline) runSweeper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-p.sweeperTick:
			if dropped := p.deps.Sweeper.Sweep(now); dropped > 0 {
				log.Debug().Int("batches", dropped).Msg("Swept stale batches")
			}
		}
	}
}

// send blocks until v is queued or the pipeline stops
func send[T any](stop <-chan struct{}, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-stop:
		return false
	}
}
