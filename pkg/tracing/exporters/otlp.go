package exporters

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config selects and configures the span exporter.
type Config struct {
	// Enabled turns on OTLP export. When false spans are discarded.
	Enabled bool
	// Endpoint is the collector address, e.g. "localhost:4317" for gRPC or "localhost:4318" for HTTP.
	Endpoint string
	// Protocol is "grpc" or "http".
	Protocol string
	Insecure bool
	Headers  map[string]string
	Timeout  time.Duration
}

// Discard drops every span. Used when export is disabled so StartSpan still yields valid trace ids.
type Discard struct{}

func (Discard) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }

func (Discard) Shutdown(context.Context) error { return nil }

// New returns the exporter described by cfg.
func New(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if !cfg.Enabled {
		return Discard{}, nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	switch cfg.Protocol {
	case "grpc", "":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithTimeout(cfg.Timeout),
		}
		if cfg.Insecure {
			opts = append(opts,
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
				otlptracegrpc.WithInsecure(),
			)
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithTimeout(cfg.Timeout),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s (use 'grpc' or 'http')", cfg.Protocol)
	}
}
