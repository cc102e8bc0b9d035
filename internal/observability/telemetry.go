package observability

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// shutdownTimeout is the maximum time to wait for shutdown.
const shutdownTimeout = 5 * time.Second

// Telemetry holds the meter provider and the instruments built on it.
type Telemetry struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	realtime      *RealtimeMetrics
	relay         *RelayMetrics
	shutdownOnce  sync.Once
}

// Init initializes OpenTelemetry metrics with the given configuration.
// Returns the Telemetry manager, a cleanup function and an error.
func Init(ctx context.Context, cfg *Config) (*Telemetry, func(), error) {
	if !cfg.ShouldEnable() {
		return &Telemetry{config: cfg}, func() {}, nil
	}

	var reader sdkmetric.Reader
	switch cfg.Exporter {
	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		interval := cfg.Interval
		if interval <= 0 {
			interval = time.Minute
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	default:
		return nil, nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	tel, err := newTelemetry(cfg, mp)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	return tel, tel.Cleanup, nil
}

// NewWithProvider builds Telemetry on an existing SDK provider. Tests use it
// with a manual reader.
func NewWithProvider(mp *sdkmetric.MeterProvider) (*Telemetry, error) {
	return newTelemetry(&Config{Exporter: "manual", ServiceName: "csrealtime"}, mp)
}

func newTelemetry(cfg *Config, mp *sdkmetric.MeterProvider) (*Telemetry, error) {
	rt, err := NewRealtimeMetrics(mp)
	if err != nil {
		return nil, err
	}
	rl, err := NewRelayMetrics(mp)
	if err != nil {
		return nil, err
	}
	return &Telemetry{config: cfg, meterProvider: mp, realtime: rt, relay: rl}, nil
}

// MeterProvider returns the meter provider (or noop if disabled).
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t.meterProvider != nil {
		return t.meterProvider
	}
	return noop.NewMeterProvider()
}

// Realtime returns the connection manager instruments (nil if disabled).
func (t *Telemetry) Realtime() *RealtimeMetrics {
	return t.realtime
}

// Relay returns the relay instruments (nil if disabled).
func (t *Telemetry) Relay() *RelayMetrics {
	return t.relay
}

// Shutdown flushes and closes the provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.shutdownOnce.Do(func() {
		if t.meterProvider != nil {
			if ferr := t.meterProvider.ForceFlush(ctx); ferr != nil {
				err = ferr
			}
			if serr := t.meterProvider.Shutdown(ctx); serr != nil && err == nil {
				err = serr
			}
		}
	})
	return err
}

// Cleanup is a convenience function for defer cleanup.
func (t *Telemetry) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = t.Shutdown(ctx)
}

// Config returns the telemetry configuration.
func (t *Telemetry) Config() *Config {
	return t.config
}
