// Package observability wires OpenTelemetry logging, tracing and metrics
// for the engine binaries. Exporters speak OTLP over HTTP and read the
// standard OTEL_* environment variables (endpoint, headers, resource
// attributes).
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceVersion = "1.0.0"

const exporterTimeout = 10 * time.Second

// Config selects what Init builds.
type Config struct {
	// ServiceName identifies the binary in logs, traces and metrics.
	ServiceName string

	// Enabled switches OTLP export on. When false every provider is a
	// no-op and the logger writes JSON to stdout, so code instrumented
	// with otel.Meter or slog works unchanged in development.
	Enabled bool
}

// Providers bundles the three SDK providers a binary runs so shutdown is a
// single call.
type Providers struct {
	// Logger routes through the OTLP pipeline when export is enabled;
	// callers usually hand it to slog.SetDefault.
	Logger *slog.Logger

	loggerProvider *sdklog.LoggerProvider
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// Init builds the log, trace and metric providers and registers the trace
// and metric ones globally, together with W3C trace context propagation.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		p := &Providers{
			Logger:         slog.New(slog.NewJSONHandler(os.Stdout, nil)),
			loggerProvider: sdklog.NewLoggerProvider(),
			tracerProvider: sdktrace.NewTracerProvider(),
			meterProvider:  sdkmetric.NewMeterProvider(),
		}
		p.register()
		return p, nil
	}

	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, err
	}
	headers := parseOTLPHeaders()

	lp, err := newLoggerProvider(res, headers)
	if err != nil {
		return nil, err
	}
	tp, err := newTracerProvider(res, headers)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(res, headers)
	if err != nil {
		return nil, err
	}

	p := &Providers{
		Logger:         otelslog.NewLogger(cfg.ServiceName, otelslog.WithLoggerProvider(lp)),
		loggerProvider: lp,
		tracerProvider: tp,
		meterProvider:  mp,
	}
	p.register()
	return p, nil
}

func (p *Providers) register() {
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// Shutdown flushes and stops every provider. Failures are logged to stderr
// rather than returned: by the time Shutdown runs there is nothing useful
// a caller can do, and an unreachable collector must not block exit past
// the ctx deadline.
func (p *Providers) Shutdown(ctx context.Context) {
	// Logs flush last so shutdown problems from the other two still export.
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "meter provider shutdown: %v\n", err)
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "tracer provider shutdown: %v\n", err)
	}
	if err := p.loggerProvider.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "logger provider shutdown: %v\n", err)
	}
}

func newLoggerProvider(res *resource.Resource, headers map[string]string) (*sdklog.LoggerProvider, error) {
	opts := []otlploghttp.Option{otlploghttp.WithTimeout(exporterTimeout)}
	if headers != nil {
		opts = append(opts, otlploghttp.WithHeaders(headers))
	}

	// Exporters are created on Background so a cancelled startup context
	// cannot wedge their internal clients.
	exporter, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}

	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter,
			sdklog.WithExportTimeout(5*time.Second),
		)),
		sdklog.WithResource(res),
	), nil
}

func newTracerProvider(res *resource.Resource, headers map[string]string) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(exporterTimeout)}
	if headers != nil {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}

	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
	), nil
}

func newMeterProvider(res *resource.Resource, headers map[string]string) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithTimeout(exporterTimeout)}
	if headers != nil {
		opts = append(opts, otlpmetrichttp.WithHeaders(headers))
	}

	exporter, err := otlpmetrichttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	), nil
}

// newResource merges the SDK defaults with the engine's service identity.
// WithFromEnv honors OTEL_RESOURCE_ATTRIBUTES and OTEL_SERVICE_NAME.
func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	serviceResource, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
		resource.WithSchemaURL(semconv.SchemaURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service resource: %w", err)
	}

	res, err := resource.Merge(resource.Default(), serviceResource)
	if err != nil {
		// Partial resources and schema URL conflicts still yield a usable
		// resource.
		if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
			return res, nil
		}
		return nil, fmt.Errorf("failed to merge resources: %w", err)
	}
	return res, nil
}

// parseOTLPHeaders reads OTEL_EXPORTER_OTLP_HEADERS and URL-decodes the
// values. The OTEL spec requires URL encoding (Grafana Cloud hands out
// headers that way) but the Go SDK does not always decode it.
func parseOTLPHeaders() map[string]string {
	raw := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")
	if raw == "" {
		return nil
	}

	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value, err := url.QueryUnescape(kv[1])
		if err != nil {
			value = kv[1]
		}
		headers[key] = value
	}
	return headers
}
