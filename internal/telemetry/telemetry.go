package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is the service.name resource attribute of every span.
	ServiceName = "shipflow-overlay"
	// DefaultEnvironment tags spans when no environment is configured.
	DefaultEnvironment = "dev"
	// DefaultEndpoint is the collector used when otel_endpoint is unset.
	DefaultEndpoint = "http://localhost:4318"
	// BatchTimeout is the span flush interval.
	BatchTimeout = 5 * time.Second
	// BatchSize caps the spans sent per export.
	BatchSize = 512
)

type settings struct {
	endpoint    string
	certificate string
	environment string
	version     string
	logger      *log.Logger
}

// Option customizes Init.
type Option func(*settings)

// WithEndpoint sets the OTLP/HTTP collector URL. Blank keeps DefaultEndpoint.
func WithEndpoint(endpoint string) Option {
	return func(s *settings) { s.endpoint = strings.TrimSpace(endpoint) }
}

// WithCertificate trusts the PEM bundle at path when dialing the collector.
func WithCertificate(path string) Option {
	return func(s *settings) { s.certificate = strings.TrimSpace(path) }
}

// WithEnvironment tags spans with the deployment environment.
func WithEnvironment(environment string) Option {
	return func(s *settings) { s.environment = strings.ToLower(strings.TrimSpace(environment)) }
}

// WithServiceVersion tags spans with the binary version.
func WithServiceVersion(version string) Option {
	return func(s *settings) { s.version = strings.TrimSpace(version) }
}

// WithLogger receives exporter warnings and, when the collector is
// unreachable, the spans themselves.
func WithLogger(logger *log.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

var exporterFactory = func(ctx context.Context, s settings) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(s.endpoint)}
	if s.certificate != "" {
		tlsConfig, err := tlsConfigFromCertificate(s.certificate)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
	}
	return otlptracehttp.New(ctx, opts...)
}

// Init installs the global tracer provider and returns its shutdown func.
func Init(ctx context.Context, opts ...Option) (func(), error) {
	s := settings{
		endpoint:    DefaultEndpoint,
		environment: DefaultEnvironment,
		version:     "dev",
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.endpoint == "" {
		s.endpoint = DefaultEndpoint
	}
	if s.environment == "" {
		s.environment = DefaultEnvironment
	}
	if s.version == "" {
		s.version = "dev"
	}

	exporter, err := exporterFactory(ctx, s)
	if err != nil {
		s.logger.Warn("OTLP exporter unavailable, logging spans instead", "endpoint", s.endpoint, "err", err)
		exporter = &logSpanExporter{logger: s.logger}
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			attribute.String("service.name", ServiceName),
			attribute.String("service.version", s.version),
			attribute.String("environment", s.environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	return func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				otel.Handle(err)
			}
		})
	}, nil
}

func tlsConfigFromCertificate(path string) (*tls.Config, error) {
	// #nosec G304 -- path comes from otel_certificate.
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read collector certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("parse collector certificate %q: no certificates found", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

// logSpanExporter writes finished spans to the structured log.
type logSpanExporter struct {
	logger *log.Logger
}

func (e *logSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		events := make([]string, 0, len(span.Events()))
		for _, event := range span.Events() {
			events = append(events, event.Name)
		}
		e.logger.Debug("span",
			"name", span.Name(),
			"duration", span.EndTime().Sub(span.StartTime()).Round(time.Millisecond),
			"status", span.Status().Code.String(),
			"events", strings.Join(events, ","),
		)
	}
	return nil
}

func (e *logSpanExporter) Shutdown(context.Context) error {
	return nil
}

func setExporterFactoryForTest(factory func(context.Context, settings) (sdktrace.SpanExporter, error)) func() {
	previous := exporterFactory
	exporterFactory = factory
	return func() {
		exporterFactory = previous
	}
}
