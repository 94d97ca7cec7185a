// Package obs carries the logging, tracing and metrics setup shared by the worker and the CLI.
package obs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type Shutdown func(ctx context.Context) error

type options struct {
	out   io.Writer
	text  bool
	level *slog.Level
}

type Option func(*options)

// WithTextOutput logs human-readable lines to w instead of JSON on stdout.
func WithTextOutput(w io.Writer) Option {
	return func(o *options) {
		o.out = w
		o.text = true
	}
}

// WithLevel overrides LOG_LEVEL.
func WithLevel(l slog.Level) Option {
	return func(o *options) { o.level = &l }
}

// Init installs the default logger and, when OTEL_EXPORTER_OTLP_ENDPOINT is set, an OTLP
// tracer provider. The returned Shutdown flushes pending spans.
func Init(serviceName string, opts ...Option) (Shutdown, *slog.Logger) {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = "docdiff"
	}
	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	logger := newLogger(serviceName, o)
	slog.SetDefault(logger)
	SetAppInfo(serviceName)

	shutdownTrace, err := initTracing(serviceName)
	if err != nil {
		logger.Error("init tracing failed", "err", err)
	}

	return func(ctx context.Context) error {
		var out error
		if shutdownTrace != nil {
			if err := shutdownTrace(ctx); err != nil {
				out = errors.Join(out, err)
			}
		}
		return out
	}, logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(service string, o options) *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))
	if o.level != nil {
		level = *o.level
	}
	hopts := &slog.HandlerOptions{Level: level}
	if o.text {
		return slog.New(slog.NewTextHandler(o.out, hopts))
	}
	return slog.New(slog.NewJSONHandler(o.out, hopts)).With("service", service)
}

// sampleRatio reads TRACE_SAMPLE_RATIO; out of range or unset means sample everything.
func sampleRatio() float64 {
	raw := strings.TrimSpace(os.Getenv("TRACE_SAMPLE_RATIO"))
	if raw == "" {
		return 1
	}
	r, err := strconv.ParseFloat(raw, 64)
	if err != nil || r < 0 || r > 1 {
		return 1
	}
	return r
}

func initTracing(serviceName string) (Shutdown, error) {
	// If no OTLP endpoint configured, keep the global no-op tracer provider.
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(appVersion()),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func WrapHTTP(serviceName string, next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return MetricsMiddleware(otelhttp.NewHandler(next, serviceName))
}

// Tracer returns a named tracer from the global provider (no-op unless Init configured OTLP).
func Tracer(name string) trace.Tracer {
	n := strings.TrimSpace(name)
	if n == "" {
		n = "docdiff"
	}
	return otel.Tracer(n)
}

// StartStage opens a "docdiff.<stage>" span for one pipeline step. The returned func ends
// the span, marks it failed when err is non-nil and records the stage duration.
func StartStage(ctx context.Context, tracer trace.Tracer, stage string, page int) (context.Context, func(err error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "docdiff."+stage, trace.WithAttributes(
		attribute.String("docdiff.stage", stage),
		attribute.Int("docdiff.page", page),
	))
	return ctx, func(err error) {
		RecordStage(stage, start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
