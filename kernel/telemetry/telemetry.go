// Package telemetry sets up OpenTelemetry metrics for the kernel and exposes
// them through a Prometheus /metrics endpoint.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.uber.org/zap"
)

// Config holds all the configuration for the telemetry system.
type Config struct {
	// Enabled toggles the entire telemetry system on or off.
	Enabled bool `yaml:"enabled"`
	// ServiceName is the name reported in the metric resource.
	ServiceName string `yaml:"service_name"`
	// PrometheusPort is the port on which to expose the /metrics endpoint.
	PrometheusPort int `yaml:"prometheus_port"`
}

// Telemetry represents the active telemetry components.
type Telemetry struct {
	MeterProvider *sdkmetric.MeterProvider
	Meter         metric.Meter
}

// ShutdownFunc is a function that gracefully shuts down the telemetry providers.
type ShutdownFunc func(ctx context.Context) error

// New initializes the OpenTelemetry metrics SDK with a Prometheus exporter
// served on its own registry. bootID is attached to the resource so series
// from different boots can be told apart.
func New(config Config, bootID string, log *zap.Logger) (*Telemetry, ShutdownFunc, error) {
	if !config.Enabled {
		return &Telemetry{
			Meter: noop.NewMeterProvider().Meter(""),
		}, func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceInstanceID(bootID),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("prometheus http server failed", zap.Error(err))
		}
	}()

	tel := &Telemetry{
		MeterProvider: meterProvider,
		Meter:         meterProvider.Meter(config.ServiceName),
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}
		if err := meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
		return nil
	}

	return tel, shutdown, nil
}

// Metrics holds the kernel instruments. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	contextSwitches  metric.Int64Counter
	interrupts       metric.Int64Counter
	syscalls         metric.Int64Counter
	processesCreated metric.Int64Counter
	createFailures   metric.Int64Counter
}

// NewMetrics creates the kernel instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	if m.contextSwitches, err = meter.Int64Counter("ringos.sched.context_switches",
		metric.WithDescription("Number of context switches performed by the scheduler")); err != nil {
		return nil, err
	}
	if m.interrupts, err = meter.Int64Counter("ringos.interrupts",
		metric.WithDescription("Interrupts delivered, by vector")); err != nil {
		return nil, err
	}
	if m.syscalls, err = meter.Int64Counter("ringos.syscalls",
		metric.WithDescription("Syscalls dispatched, by number")); err != nil {
		return nil, err
	}
	if m.processesCreated, err = meter.Int64Counter("ringos.proc.created",
		metric.WithDescription("Processes created successfully")); err != nil {
		return nil, err
	}
	if m.createFailures, err = meter.Int64Counter("ringos.proc.create_failures",
		metric.WithDescription("Failed process creations, by status")); err != nil {
		return nil, err
	}

	return &m, nil
}

// ContextSwitch records a context switch.
func (m *Metrics) ContextSwitch() {
	if m == nil {
		return
	}
	m.contextSwitches.Add(context.Background(), 1)
}

// Interrupt records the delivery of vector.
func (m *Metrics) Interrupt(vector uint32) {
	if m == nil {
		return
	}
	m.interrupts.Add(context.Background(), 1, metric.WithAttributes(attribute.Int64("vector", int64(vector))))
}

// Syscall records a dispatched syscall.
func (m *Metrics) Syscall(number uint32) {
	if m == nil {
		return
	}
	m.syscalls.Add(context.Background(), 1, metric.WithAttributes(attribute.Int64("number", int64(number))))
}

// ProcessCreated records a successful process creation.
func (m *Metrics) ProcessCreated() {
	if m == nil {
		return
	}
	m.processesCreated.Add(context.Background(), 1)
}

// CreateFailed records a failed process creation.
func (m *Metrics) CreateFailed(status string) {
	if m == nil {
		return
	}
	m.createFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

// Snapshot is the state reported by the observable gauges.
type Snapshot struct {
	FreeFrames      int64
	UsedDirectories int64
	ActiveProcesses int64
}

// ObserveGauges registers observable gauges that report the values returned
// by snapshot on every collection.
func ObserveGauges(meter metric.Meter, snapshot func() Snapshot) (metric.Registration, error) {
	freeFrames, err := meter.Int64ObservableGauge("ringos.mem.free_frames",
		metric.WithDescription("Physical frames available for allocation"))
	if err != nil {
		return nil, err
	}
	usedDirs, err := meter.Int64ObservableGauge("ringos.mem.used_directories",
		metric.WithDescription("Pooled page directories in use"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64ObservableGauge("ringos.proc.active",
		metric.WithDescription("Processes that are not inactive"))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := snapshot()
		o.ObserveInt64(freeFrames, s.FreeFrames)
		o.ObserveInt64(usedDirs, s.UsedDirectories)
		o.ObserveInt64(active, s.ActiveProcesses)
		return nil
	}, freeFrames, usedDirs, active)
}
