package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Mode selects how much of a cycle is traced.
type Mode string

const (
	// ModeOff records nothing and skips HTTP span middleware.
	ModeOff Mode = "off"
	// ModeErrors samples at a low floor so failing cycles still surface.
	ModeErrors Mode = "errors"
	// ModeSampled samples root spans at the configured ratio.
	ModeSampled Mode = "sampled"
	// ModeDetailed records every span, including each GitHub call.
	ModeDetailed Mode = "detailed"

	errorsModeFloor = 0.01
	tracerName      = "ghactivity"
)

var currentMode atomic.Pointer[Mode]

// ParseMode accepts a configured trace mode. Empty selects ModeSampled.
func ParseMode(raw string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "":
		return ModeSampled, nil
	case ModeOff, ModeErrors, ModeSampled, ModeDetailed:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown trace mode %q", raw)
	}
}

// Config configures tracing for one process.
type Config struct {
	Enabled          bool
	ServiceName      string
	ServiceVersion   string
	TraceMode        string
	TraceSampleRatio float64
}

// Runtime holds the installed tracer provider.
type Runtime struct {
	TracerProvider *sdktrace.TracerProvider
	Shutdown       func(ctx context.Context) error
}

// Setup installs the global tracer provider and trace mode. Disabled tracing installs a
// provider that never samples so span helpers stay cheap.
func Setup(cfg Config) (Runtime, error) {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "ghactivity"
	}

	mode := ModeOff
	if cfg.Enabled {
		parsed, err := ParseMode(cfg.TraceMode)
		if err != nil {
			return Runtime{}, err
		}
		mode = parsed
	}
	currentMode.Store(&mode)

	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}
	if version := strings.TrimSpace(cfg.ServiceVersion); version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(version))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return Runtime{}, fmt.Errorf("build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(samplerFor(mode, cfg.TraceSampleRatio)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return Runtime{TracerProvider: provider, Shutdown: provider.Shutdown}, nil
}

// TraceMode reports the installed mode, ModeOff before Setup.
func TraceMode() Mode {
	if mode := currentMode.Load(); mode != nil {
		return *mode
	}
	return ModeOff
}

// StartCycleSpan starts the root span of one scheduled cycle (activity, labels, reports).
func StartCycleSpan(ctx context.Context, cycle string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{attribute.String("ghactivity.cycle", cycle)}, attrs...)
	return otel.Tracer(tracerName).Start(ctx, "ghactivity.cycle."+cycle, trace.WithAttributes(all...))
}

// JobSpan identifies a queued job on its span.
type JobSpan struct {
	ID     string
	Kind   string
	Repo   string
	Number int
}

// StartJobSpan starts the span of one queued job run. Issue jobs carry their issue number.
func StartJobSpan(ctx context.Context, job JobSpan) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "ghactivity.job."+job.Kind, trace.WithAttributes(job.attributes()...))
}

func (j JobSpan) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("ghactivity.job_id", j.ID),
		attribute.String("ghactivity.job_kind", j.Kind),
	}
	if j.Repo != "" {
		attrs = append(attrs, attribute.String("ghactivity.repo", j.Repo))
	}
	if j.Number > 0 {
		attrs = append(attrs, attribute.Int("ghactivity.issue_number", j.Number))
	}
	return attrs
}

// StartDependencySpan starts a span around an upstream call in ModeDetailed and returns a nil
// span otherwise. EndSpan accepts the nil span.
func StartDependencySpan(
	ctx context.Context,
	component string,
	spanName string,
	attrs ...attribute.KeyValue,
) (context.Context, trace.Span) {
	if TraceMode() != ModeDetailed {
		return ctx, nil
	}
	return otel.Tracer(tracerName+"/"+component).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// EndSpan records err as the span status and ends it. A nil span is ignored.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func samplerFor(mode Mode, ratio float64) sdktrace.Sampler {
	ratio = min(max(ratio, 0), 1)
	switch mode {
	case ModeOff:
		return sdktrace.NeverSample()
	case ModeDetailed:
		return sdktrace.AlwaysSample()
	case ModeErrors:
		ratio = max(ratio, errorsModeFloor)
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
