package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	settlementOps    metric.Int64Counter
	settlementErrors metric.Int64Counter
	allocationRows   metric.Int64Counter
	opDuration       metric.Int64Histogram
	lockContention   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "settlement"
	}
	meter := provider.Meter(name)

	settlementOps, err := meter.Int64Counter("settlement_operations_total")
	if err != nil {
		return nil, err
	}
	settlementErrors, err := meter.Int64Counter("settlement_operation_errors_total")
	if err != nil {
		return nil, err
	}
	allocationRows, err := meter.Int64Counter("settlement_allocation_rows_total")
	if err != nil {
		return nil, err
	}
	opDuration, err := meter.Int64Histogram("settlement_operation_duration_ms")
	if err != nil {
		return nil, err
	}
	lockContention, err := meter.Int64Counter("settlement_lock_contention_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		settlementOps:    settlementOps,
		settlementErrors: settlementErrors,
		allocationRows:   allocationRows,
		opDuration:       opDuration,
		lockContention:   lockContention,
	}, nil
}

// RecordOperation increments the per-operation counter and latency histogram.
func (m *Metrics) RecordOperation(ctx context.Context, operation string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.settlementOps.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.opDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attrs...))
}

// RecordOperationError increments per-operation failure counts.
func (m *Metrics) RecordOperationError(ctx context.Context, operation, errorCode string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("error_code", strings.TrimSpace(errorCode)),
	)
	m.settlementErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAllocationRows counts ledger rows written or reversed.
func (m *Metrics) RecordAllocationRows(ctx context.Context, sourceType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("source_type", strings.TrimSpace(sourceType)))
	m.allocationRows.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordLockContention counts operations rejected by lock timeouts.
func (m *Metrics) RecordLockContention(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.lockContention.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"operation":   {},
	"error_code":  {},
	"source_type": {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
