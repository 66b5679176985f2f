package skysim

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/cmbs4/skysim_go/pkg"

// TracingConfig governs how tracing is initialised.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"service_name" yaml:"service_name"`
	// Output is a file path for the span dump; empty means stdout.
	Output string `json:"output" yaml:"output"`
}

// InitTracing installs a tracer provider exporting spans as JSON. It returns
// a shutdown function flushing pending spans.
func InitTracing(ctx context.Context, cfg TracingConfig, logger Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = NopLogger()
	}
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	var (
		w        io.Writer = os.Stdout
		closeOut           = func() error { return nil }
	)
	if cfg.Output != "" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			return nil, &ErrOpenFile{Filename: cfg.Output, Err: err}
		}
		w, closeOut = f, f.Close
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	name := cfg.ServiceName
	if name == "" {
		name = "skysim"
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", name)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.Info(fmt.Sprintf("Tracing enabled, service %s", name), "tracing")

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if cerr := closeOut(); cerr != nil && err == nil {
			err = cerr
		}
		return err
	}, nil
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
