// Package otel builds the OpenTelemetry providers the bot and worker export through,
// plus the log-record adapter for verification events.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	defaultServiceName    = "verifybot"
	defaultMetricInterval = 10 * time.Second
)

// Providers holds the OpenTelemetry providers and a shutdown function.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	Shutdown       func(context.Context) error
}

// Options configures NewProviders.
type Options struct {
	// Endpoint is host:port or a URL; any path is ignored.
	// Empty yields unexported providers and a no-op Shutdown.
	Endpoint    string
	ServiceName string
	// Insecure disables TLS even for https endpoints (OTEL_EXPORTER_OTLP_INSECURE).
	Insecure bool
	// MetricInterval defaults to 10s.
	MetricInterval time.Duration
	Log            zerolog.Logger
}

// collector is where the gRPC exporters dial.
type collector struct {
	hostPort string
	insecure bool
}

// parseEndpoint turns an OTLP endpoint into a dial target. A bare host:port is
// treated as plaintext; only an https URL turns TLS on, unless forceInsecure is set.
func parseEndpoint(raw string, forceInsecure bool) (collector, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return collector{}, fmt.Errorf("invalid OTLP endpoint %q: %w", raw, err)
	}
	if u.Host == "" {
		return collector{}, fmt.Errorf("invalid OTLP endpoint %q: missing host", raw)
	}
	return collector{hostPort: u.Host, insecure: forceInsecure || u.Scheme != "https"}, nil
}

func serviceResource(name string) (*resource.Resource, error) {
	return resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(name)))
}

// shutdowns runs provider shutdowns in reverse construction order.
type shutdowns []func(context.Context) error

func (s shutdowns) run(ctx context.Context, log zerolog.Logger) error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		if err := s[i](ctx); err != nil {
			log.Error().Err(err).Msg("telemetry: provider shutdown failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func traces(ctx context.Context, c collector, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.hostPort)}
	if c.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res)), nil
}

func metrics(ctx context.Context, c collector, res *resource.Resource, every time.Duration) (*metric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(c.hostPort)}
	if c.insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(every))),
	), nil
}

func logs(ctx context.Context, c collector, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(c.hostPort)}
	if c.insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	}
	exp, err := otlploggrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("log exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)), sdklog.WithResource(res)), nil
}

// NewProviders creates the tracer, meter and logger providers. With an endpoint set they
// export over OTLP gRPC; exporters dial lazily, so no collector needs to be up yet.
func NewProviders(ctx context.Context, opts Options) (*Providers, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return &Providers{
			TracerProvider: sdktrace.NewTracerProvider(),
			MeterProvider:  metric.NewMeterProvider(),
			LoggerProvider: sdklog.NewLoggerProvider(),
			Shutdown:       func(context.Context) error { return nil },
		}, nil
	}
	c, err := parseEndpoint(endpoint, opts.Insecure)
	if err != nil {
		return nil, err
	}
	name := opts.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	every := opts.MetricInterval
	if every <= 0 {
		every = defaultMetricInterval
	}
	res, err := serviceResource(name)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	var built shutdowns
	fail := func(err error) (*Providers, error) {
		_ = built.run(ctx, opts.Log)
		return nil, err
	}
	tp, err := traces(ctx, c, res)
	if err != nil {
		return fail(err)
	}
	built = append(built, tp.Shutdown)
	mp, err := metrics(ctx, c, res, every)
	if err != nil {
		return fail(err)
	}
	built = append(built, mp.Shutdown)
	lp, err := logs(ctx, c, res)
	if err != nil {
		return fail(err)
	}
	built = append(built, lp.Shutdown)

	opts.Log.Debug().Str("otlp_target", c.hostPort).Bool("insecure", c.insecure).Msg("telemetry exporters configured")
	return &Providers{
		TracerProvider: tp,
		MeterProvider:  mp,
		LoggerProvider: lp,
		Shutdown:       func(ctx context.Context) error { return built.run(ctx, opts.Log) },
	}, nil
}

// SetGlobal sets the global TracerProvider and MeterProvider so rolesync and otelgrpc pick them up.
// The LoggerProvider stays local; pass it to NewEventEmitter.
func (p *Providers) SetGlobal() {
	if p.TracerProvider != nil {
		otel.SetTracerProvider(p.TracerProvider)
	}
	if p.MeterProvider != nil {
		otel.SetMeterProvider(p.MeterProvider)
	}
}
