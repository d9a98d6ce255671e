package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/yuuki/flowping/internal/batch"
	"github.com/yuuki/flowping/internal/config"
	"github.com/yuuki/flowping/internal/liveness"
	"github.com/yuuki/flowping/internal/model"
	"github.com/yuuki/flowping/internal/pipeline"
	"github.com/yuuki/flowping/internal/probe"
	"github.com/yuuki/flowping/internal/registry"
	"github.com/yuuki/flowping/internal/speaker"
	"github.com/yuuki/flowping/internal/telemetry"
	"go.uber.org/multierr"
)

const shutdownTimeout = 5 * time.Second

// Controller wires the ping pipeline to the speaker gateway and the flow registry
type Controller struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.ControllerConfig

	registry  *registry.FlowRegistry
	speaker   *speaker.Client
	io        *batch.Service
	requester *probe.Requester
	responder *probe.Responder
	metrics   *telemetry.Metrics
	pipeline  *pipeline.Pipeline

	stopOnce sync.Once
}

// New creates a new controller instance
func New(configPath string, flagSet *pflag.FlagSet) (*Controller, error) {
	// Load configuration
	cfg, err := config.LoadControllerConfig(configPath, flagSet)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	initLogging(cfg.LogLevel)

	flowRegistry, err := registry.NewFlowRegistry(cfg.DatabaseURI)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow registry: %w", err)
	}

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics, err = telemetry.NewMetrics(context.Background(), cfg.InstanceID, cfg.OtelCollectorAddr)
		if err != nil {
			flowRegistry.Close()
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	} else {
		log.Info().Msg("Metrics are disabled via configuration")
	}

	c, err := assemble(cfg, flowRegistry, metrics, clock.New())
	if err != nil {
		flowRegistry.Close()
		return nil, err
	}
	return c, nil
}

// assemble connects the components. flowRegistry and metrics may be nil.
func assemble(
	cfg *config.ControllerConfig,
	flowRegistry *registry.FlowRegistry,
	metrics *telemetry.Metrics,
	clk clock.Clock,
) (*Controller, error) {
	signer, err := probe.NewSigner(cfg.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create ping signer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		ctx:      ctx,
		cancel:   cancel,
		config:   cfg,
		registry: flowRegistry,
		speaker:  speaker.NewClient(cfg.SpeakerAddr),
		metrics:  metrics,
	}

	c.io = batch.NewService(c.speaker, clk, batch.DefaultStaleAfter)
	c.requester = probe.NewRequester(c.speaker, c.io, signer, clk, c.handleResponse)
	c.responder = probe.NewResponder(signer, clk)
	c.speaker.OnReply(c.io)
	c.speaker.OnPacketIn(c.handlePacketIn)

	deps := pipeline.Deps{
		Sender:  c.requester,
		Sweeper: c.io,
		Clock:   clk,
	}
	if flowRegistry != nil {
		deps.Flows = flowRegistry
		deps.Blacklist = flowRegistry
		deps.Reports = append(deps.Reports, flowRegistry)
	}
	if metrics != nil {
		deps.Stats = metrics
		deps.Reports = append(deps.Reports, metrics)
	}

	c.pipeline = pipeline.New(pipeline.Config{
		ProbeInterval: cfg.ProbeInterval,
		ProbeTimeout:  cfg.ProbeTimeout,
		TickPeriod:    cfg.TickPeriod,
		ProbeRate:     cfg.ProbeRate,
		Timings: liveness.Timings{
			FailDelay:    cfg.FailDelay,
			FailReset:    cfg.FailReset,
			GarbageDelay: cfg.GarbageDelay,
		},
	}, deps)

	return c, nil
}

func (c *Controller) handleResponse(resp model.PingResponse) {
	c.pipeline.HandleResponse(resp)
}

func (c *Controller) handlePacketIn(device batch.Device, frame []byte) {
	resp, err := c.responder.HandlePacketIn(device, frame)
	if err != nil {
		var corrupted *probe.CorruptedReplyError
		switch {
		case errors.Is(err, probe.ErrNotPing):
			log.Trace().Str("dpid", string(device.ID())).Msg("Ignoring non-ping packet-in")
		case errors.As(err, &corrupted):
			log.Error().Err(err).Str("dpid", string(corrupted.Device)).Msg("Dropping corrupted ping")
		default:
			log.Warn().Err(err).Str("dpid", string(device.ID())).Msg("Failed to decode packet-in")
		}
		return
	}
	c.pipeline.HandleResponse(resp)
}

// Start connects to the speaker gateway and starts the ping pipeline
func (c *Controller) Start() error {
	if c.registry != nil {
		rules, err := c.registry.ListBlacklist(c.ctx)
		if err != nil {
			return fmt.Errorf("failed to load ping blacklist: %w", err)
		}
		c.pipeline.LoadBlacklist(rules)
		log.Info().Int("rules", len(rules)).Msg("Loaded ping blacklist")
	}

	log.Info().Str("addr", c.config.SpeakerAddr).Msg("Connecting to speaker gateway")
	c.speaker.Start()

	if err := c.pipeline.Start(c.ctx); err != nil {
		return fmt.Errorf("failed to start ping pipeline: %w", err)
	}

	log.Info().
		Dur("probe_interval", c.config.ProbeInterval).
		Dur("probe_timeout", c.config.ProbeTimeout).
		Msg("Controller started")
	return nil
}

// PingFlow pings both directions of a flow once and waits for the outcome
func (c *Controller) PingFlow(ctx context.Context, flowID string) (*pipeline.ManualResult, error) {
	return c.pipeline.PingFlow(ctx, flowID)
}

// Stop stops the controller
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.pipeline.Stop()
		c.cancel()

		var err error
		err = multierr.Append(err, c.speaker.Close())

		if c.metrics != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			err = multierr.Append(err, c.metrics.Shutdown(ctx))
			cancel()
		}

		if c.registry != nil {
			err = multierr.Append(err, c.registry.Close())
		}

		for _, e := range multierr.Errors(err) {
			log.Error().Err(e).Msg("Error during shutdown")
		}
		log.Info().Msg("Controller stopped")
	})
}

// Run runs the controller until signaled to stop
func (c *Controller) Run() error {
	// Start controller
	if err := c.Start(); err != nil {
		c.Stop()
		return err
	}

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Wait for signal
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Stop the controller
	c.Stop()

	return nil
}

// initLogging initializes the logging configuration
func initLogging(level string) {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Set log level based on config
	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		log.Warn().Str("level", level).Msg("Unknown log level, using info")
	}
}
