// Package telemetry wires researchd's OpenTelemetry tracing: the exporter,
// the service resource, and the span helpers the orchestrator uses.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const DefaultEndpoint = "http://127.0.0.1:4318"

// Resource attribute keys describing how this instance runs tasks.
const (
	KeyServiceInstance = "service.instance.id"
	KeyLLMModel        = "research.llm.model"
	KeyMaxRevisions    = "research.max_revisions"
	KeyRevisionPolicy  = "research.revision_limit_policy"
	KeyWorkers         = "research.workers"
)

type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// InstanceID tells apart researchd processes sharing one store. A
	// random id is used when empty.
	InstanceID   string
	OTLPEndpoint string
	Insecure     bool

	Model          string
	MaxRevisions   int
	RevisionPolicy string
	Workers        int
}

// Init installs a global TracerProvider exporting over OTLP/HTTP and returns
// its shutdown. Disabled tracing keeps the global no-op provider, so span
// helpers cost nothing.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("telemetry: service name required")
	}
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	ep, err := parseEndpoint(cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep.host)}
	if ep.path != "" {
		opts = append(opts, otlptracehttp.WithURLPath(ep.path))
	}
	if cfg.Insecure || ep.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	tp, shutdown, err := newTracerProviderWithExporter(exporter, cfg)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)
	return shutdown, nil
}

type endpoint struct {
	host     string
	path     string
	insecure bool
}

// parseEndpoint accepts a full URL or a bare host:port, which is taken as
// plain http.
func parseEndpoint(raw string) (endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DefaultEndpoint
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("otlp endpoint %q: %w", raw, err)
	}
	switch {
	case u.Host == "":
		return endpoint{}, fmt.Errorf("otlp endpoint %q: missing host", raw)
	case u.Scheme != "http" && u.Scheme != "https":
		return endpoint{}, fmt.Errorf("otlp endpoint %q: scheme must be http or https", raw)
	}
	ep := endpoint{host: u.Host, insecure: u.Scheme == "http"}
	if p := strings.TrimRight(u.Path, "/"); p != "" {
		ep.path = p
	}
	return ep, nil
}

func resourceAttributes(cfg Config) []attribute.KeyValue {
	instance := cfg.InstanceID
	if instance == "" {
		instance = uuid.NewString()
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String(KeyServiceInstance, instance),
		attribute.Int(KeyMaxRevisions, cfg.MaxRevisions),
	}
	if cfg.Model != "" {
		attrs = append(attrs, attribute.String(KeyLLMModel, cfg.Model))
	}
	if cfg.RevisionPolicy != "" {
		attrs = append(attrs, attribute.String(KeyRevisionPolicy, cfg.RevisionPolicy))
	}
	if cfg.Workers > 0 {
		attrs = append(attrs, attribute.Int(KeyWorkers, cfg.Workers))
	}
	return attrs
}

func newTracerProviderWithExporter(exporter sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	res, err := sdkresource.New(context.Background(), sdkresource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	return tp, tp.Shutdown, nil
}
