package metrics

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/ceramicnetwork/go-notary/common"
	"github.com/ceramicnetwork/go-notary/models"
)

// OtlMetricService records notary metrics through an OpenTelemetry meter. Instruments are created on first use.
type OtlMetricService struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	attrs         metric.MeasurementOption
	logger        models.Logger

	lock       sync.Mutex
	counters   map[models.MetricName]metric.Int64Counter
	histograms map[models.MetricName]metric.Int64Histogram
	gauges     map[models.MetricName]metric.Int64ObservableGauge
}

var _ models.MetricService = &OtlMetricService{}

// NewOtlMetricService exports to the OTLP collector named by OTEL_EXPORTER_OTLP_METRICS_ENDPOINT, or to stdout if no
// collector is configured.
func NewOtlMetricService(ctx context.Context, logger models.Logger) (*OtlMetricService, error) {
	var exporter sdkmetric.Exporter
	var err error
	if endpoint := os.Getenv(common.Env_MetricsEndpoint); len(endpoint) > 0 {
		logger.Infof("metrics: exporting to %s", endpoint)
		exporter, err = otlpmetrichttp.New(ctx)
	} else {
		exporter, err = stdoutmetric.New()
	}
	if err != nil {
		return nil, fmt.Errorf("metrics: error creating exporter: %w", err)
	}
	return NewOtlMetricServiceWithReader(sdkmetric.NewPeriodicReader(exporter), logger)
}

func NewOtlMetricServiceWithReader(reader sdkmetric.Reader, logger models.Logger) (*OtlMetricService, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", common.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: error creating resource: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	return &OtlMetricService{
		meterProvider: meterProvider,
		meter:         meterProvider.Meter(common.ServiceName),
		attrs:         metric.WithAttributes(attribute.String("caller", models.MetricsCallerName)),
		logger:        logger,
		counters:      make(map[models.MetricName]metric.Int64Counter),
		histograms:    make(map[models.MetricName]metric.Int64Histogram),
		gauges:        make(map[models.MetricName]metric.Int64ObservableGauge),
	}, nil
}

func (o *OtlMetricService) Count(ctx context.Context, name models.MetricName, val int) error {
	o.lock.Lock()
	counter, found := o.counters[name]
	if !found {
		var err error
		if counter, err = o.meter.Int64Counter(string(name)); err != nil {
			o.lock.Unlock()
			return fmt.Errorf("metrics: error creating counter %s: %w", name, err)
		}
		o.counters[name] = counter
	}
	o.lock.Unlock()
	counter.Add(ctx, int64(val), o.attrs)
	return nil
}

func (o *OtlMetricService) Distribution(ctx context.Context, name models.MetricName, val int) error {
	o.lock.Lock()
	histogram, found := o.histograms[name]
	if !found {
		var err error
		if histogram, err = o.meter.Int64Histogram(string(name)); err != nil {
			o.lock.Unlock()
			return fmt.Errorf("metrics: error creating histogram %s: %w", name, err)
		}
		o.histograms[name] = histogram
	}
	o.lock.Unlock()
	histogram.Record(ctx, int64(val), o.attrs)
	return nil
}

// Gauge observes the monitor at every collection. A second gauge with the same name is ignored.
func (o *OtlMetricService) Gauge(ctx context.Context, name models.MetricName, monitor models.ResourceMonitor) error {
	o.lock.Lock()
	defer o.lock.Unlock()
	if _, found := o.gauges[name]; found {
		return nil
	}
	gauge, err := o.meter.Int64ObservableGauge(string(name), metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
		value, err := monitor.GetValue(ctx)
		if err != nil {
			o.logger.Warnf("metrics: error reading %s: %v", name, err)
			return err
		}
		observer.Observe(int64(value), o.attrs)
		return nil
	}))
	if err != nil {
		return fmt.Errorf("metrics: error creating gauge %s: %w", name, err)
	}
	o.gauges[name] = gauge
	return nil
}

func (o *OtlMetricService) Shutdown(ctx context.Context) {
	if err := o.meterProvider.Shutdown(ctx); err != nil {
		o.logger.Errorf("metrics: error shutting down: %v", err)
	}
}
