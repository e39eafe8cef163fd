package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Instrument names.
const (
	MetricRecords           = "hostpulse.records"
	MetricConnections       = "hostpulse.connections"
	MetricConnectionsActive = "hostpulse.connections.active"
	MetricIngestLatency     = "hostpulse.ingest.latency"
	MetricStoreHosts        = "hostpulse.store.hosts"
	MetricStoreRecords      = "hostpulse.store.records"
)

// Values of the "result" attribute on MetricRecords.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string

	// Reader replaces the periodic exporter reader when set. Tests use a
	// sdkmetric.ManualReader here.
	Reader sdkmetric.Reader
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  DefaultServiceName,
		ExporterType: ExporterNone,
	}
}

// StoreObserver reports the store size for the observable gauges.
type StoreObserver func() (hosts, records int64)

// Metrics wraps OpenTelemetry metrics with collector-specific helpers.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.RWMutex

	storeObserver StoreObserver
	storeHosts    metric.Int64ObservableGauge
	storeRecords  metric.Int64ObservableGauge
	storeReg      metric.Registration

	// Metric instruments
	records           metric.Int64Counter
	connections       metric.Int64Counter
	activeConnections metric.Int64UpDownCounter
	ingestLatency     metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{
		config: cfg,
	}

	if !m.Enabled() {
		// Use no-op meter when disabled
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	reader := cfg.Reader
	if reader == nil {
		exporter, err := m.createExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	}

	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

// createExporter creates the appropriate metrics exporter based on configuration.
func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// registerInstruments creates and registers all metric instruments.
func (m *Metrics) registerInstruments() error {
	var err error

	m.records, err = m.meter.Int64Counter(
		MetricRecords,
		metric.WithDescription("Lines received from agents by result"),
	)
	if err != nil {
		return fmt.Errorf("failed to create records counter: %w", err)
	}

	m.connections, err = m.meter.Int64Counter(
		MetricConnections,
		metric.WithDescription("Agent connections accepted"),
	)
	if err != nil {
		return fmt.Errorf("failed to create connections counter: %w", err)
	}

	m.activeConnections, err = m.meter.Int64UpDownCounter(
		MetricConnectionsActive,
		metric.WithDescription("Agent connections currently open"),
	)
	if err != nil {
		return fmt.Errorf("failed to create active connections counter: %w", err)
	}

	// Parse, store and reply time per line (in milliseconds)
	m.ingestLatency, err = m.meter.Float64Histogram(
		MetricIngestLatency,
		metric.WithDescription("Time to parse, store and acknowledge one line"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create ingest latency histogram: %w", err)
	}

	m.storeHosts, err = m.meter.Int64ObservableGauge(
		MetricStoreHosts,
		metric.WithDescription("Distinct hosts held in the store"),
	)
	if err != nil {
		return fmt.Errorf("failed to create store hosts gauge: %w", err)
	}

	m.storeRecords, err = m.meter.Int64ObservableGauge(
		MetricStoreRecords,
		metric.WithDescription("Records held in the store"),
	)
	if err != nil {
		return fmt.Errorf("failed to create store records gauge: %w", err)
	}

	m.storeReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			m.mu.RLock()
			observe := m.storeObserver
			m.mu.RUnlock()
			if observe == nil {
				return nil
			}
			hosts, records := observe()
			o.ObserveInt64(m.storeHosts, hosts)
			o.ObserveInt64(m.storeRecords, records)
			return nil
		},
		m.storeHosts,
		m.storeRecords,
	)
	if err != nil {
		return fmt.Errorf("failed to register store gauge callback: %w", err)
	}

	return nil
}

// ObserveStore sets the function read on every collection of the store gauges.
func (m *Metrics) ObserveStore(fn StoreObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeObserver = fn
}

// RecordIngest counts one received line and its handling latency.
func (m *Metrics) RecordIngest(ctx context.Context, accepted bool, latencyMs float64) {
	if m.records == nil {
		return
	}

	result := ResultAccepted
	if !accepted {
		result = ResultRejected
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.records.Add(ctx, 1, attrs)
	m.ingestLatency.Record(ctx, latencyMs, attrs)
}

// ConnectionOpened counts an accepted connection and marks it active.
func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m.connections == nil {
		return
	}

	m.connections.Add(ctx, 1)
	m.activeConnections.Add(ctx, 1)
}

// ConnectionClosed marks a connection inactive.
func (m *Metrics) ConnectionClosed(ctx context.Context, reason string) {
	if m.activeConnections == nil {
		return
	}

	m.activeConnections.Add(ctx, -1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Shutdown gracefully shuts down the metrics provider, flushing any pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	// The final collection runs the store callback, which takes m.mu.
	m.mu.Lock()
	reg, shutdown := m.storeReg, m.shutdown
	m.storeReg = nil
	m.mu.Unlock()

	if reg != nil {
		if err := reg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister store callback: %w", err)
		}
	}

	if shutdown != nil {
		return shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	if !m.config.Enabled {
		return false
	}
	return m.config.ExporterType != ExporterNone || m.config.Reader != nil
}

// MeterProvider returns the underlying meter provider.
func (m *Metrics) MeterProvider() *sdkmetric.MeterProvider {
	return m.meterProvider
}

// SetGlobalMetrics installs the meter provider as the process-wide default.
func SetGlobalMetrics(m *Metrics) {
	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// NoopMetrics returns a metrics instance that does nothing (for testing or when disabled).
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
