package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/yuuki/flowping/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/yuuki/flowping"

// Metrics contains the instruments fed by the ping pipeline
type Metrics struct {
	provider *sdkmetric.MeterProvider

	// Network latency of successful pings in milliseconds
	latency metric.Float64Histogram

	timeouts      metric.Int64Counter
	writeFailures metric.Int64Counter
	notCapable    metric.Int64Counter

	// Directions that succeeded per coupled record (0, 1 or 2)
	operational metric.Int64Counter

	flowState metric.Int64Counter
}

// NewMetrics creates metrics exported over OTLP to collectorAddr.
// The address scheme picks the exporter: grpc (default), grpcs, http or https.
func NewMetrics(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	exporter, err := newExporter(ctx, collectorAddr)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("flowping-controller"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(10*time.Second),
			),
		),
	)
	otel.SetMeterProvider(provider)

	return NewMetricsFromProvider(provider)
}

func newExporter(ctx context.Context, collectorAddr string) (sdkmetric.Exporter, error) {
	scheme, endpoint, err := parseCollectorAddr(collectorAddr)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
	case "http":
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case "https":
		exporter, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint))
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter protocol scheme %q in %s, use grpc, grpcs, http or https", scheme, collectorAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}
	return exporter, nil
}

// parseCollectorAddr accepts "host:port" or "scheme://host:port"
func parseCollectorAddr(addr string) (scheme, endpoint string, err error) {
	if addr == "" {
		return "", "", fmt.Errorf("otel collector address is empty")
	}
	if !strings.Contains(addr, "://") {
		if !strings.Contains(addr, ":") || strings.Contains(addr, "/") {
			return "", "", fmt.Errorf("otel collector address %q is not a valid host:port", addr)
		}
		return "grpc", addr, nil
	}

	parsed, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse otel collector address %q: %w", addr, err)
	}
	if parsed.Host == "" {
		return "", "", fmt.Errorf("otel collector address %q is missing a host", addr)
	}
	return strings.ToLower(parsed.Scheme), parsed.Host, nil
}

// NewMetricsFromProvider creates the instruments on an existing provider
func NewMetricsFromProvider(provider *sdkmetric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{provider: provider}

	var err error
	if m.latency, err = meter.Float64Histogram(
		"flowping.latency",
		metric.WithDescription("Flow ping network latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.timeouts, err = meter.Int64Counter(
		"flowping.timeout",
		metric.WithDescription("Number of flow pings that timed out"),
		metric.WithUnit("{count}"),
	); err != nil {
		return nil, err
	}
	if m.writeFailures, err = meter.Int64Counter(
		"flowping.write_failure",
		metric.WithDescription("Number of flow pings that could not be written to the switch"),
		metric.WithUnit("{count}"),
	); err != nil {
		return nil, err
	}
	if m.notCapable, err = meter.Int64Counter(
		"flowping.not_capable",
		metric.WithDescription("Number of flow pings rejected because the switch can not catch them"),
		metric.WithUnit("{count}"),
	); err != nil {
		return nil, err
	}
	if m.operational, err = meter.Int64Counter(
		"flowping.operational",
		metric.WithDescription("Number of flow directions that answered per ping round"),
		metric.WithUnit("{direction}"),
	); err != nil {
		return nil, err
	}
	if m.flowState, err = meter.Int64Counter(
		"flowping.flow_state",
		metric.WithDescription("Number of reported flow state changes"),
		metric.WithUnit("{count}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordLatency records the network latency of one direction
func (m *Metrics) RecordLatency(ctx context.Context, flowID string, direction model.Direction, latency time.Duration) {
	ms := float64(latency.Nanoseconds()) / 1_000_000.0
	m.latency.Record(ctx, ms, metric.WithAttributes(directionAttrs(flowID, direction)...))
}

// RecordError counts a failed ping by error kind
func (m *Metrics) RecordError(ctx context.Context, flowID string, direction model.Direction, pingErr model.PingError) {
	opt := metric.WithAttributes(directionAttrs(flowID, direction)...)
	switch pingErr {
	case model.ErrorTimeout:
		m.timeouts.Add(ctx, 1, opt)
	case model.ErrorWriteFailure:
		m.writeFailures.Add(ctx, 1, opt)
	case model.ErrorNotCapable:
		m.notCapable.Add(ctx, 1, opt)
	}
}

// RecordOperational records how many directions of a flow answered
func (m *Metrics) RecordOperational(ctx context.Context, flowID string, succeeded int) {
	m.operational.Add(ctx, int64(succeeded), metric.WithAttributes(attribute.String("flow_id", flowID)))
}

// ReportFlowState counts a flow state change
func (m *Metrics) ReportFlowState(ctx context.Context, report model.FlowReport) error {
	m.flowState.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow_id", report.FlowID),
		attribute.String("state", report.State.String()),
	))
	return nil
}

// Shutdown flushes and stops the meter provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

func directionAttrs(flowID string, direction model.Direction) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("flow_id", flowID),
		attribute.String("direction", direction.String()),
	}
}
