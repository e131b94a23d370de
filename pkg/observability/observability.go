// Package observability sets up span export and the Prometheus endpoint for
// one harness run.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds observability settings
type Config struct {
	ServiceName    string
	ServiceVersion string

	// MetricsAddr is the listen address of the metrics endpoint, empty disables it
	MetricsAddr string

	// Registry is served on /metrics
	Registry *prometheus.Registry

	EnableTracing bool

	// TraceWriter receives exported spans, os.Stderr when nil
	TraceWriter io.Writer

	Logger *slog.Logger
}

// Manager owns the tracer provider and metrics server
type Manager struct {
	config         Config
	logger         *slog.Logger
	tracerProvider *sdktrace.TracerProvider
	metricsServer  *http.Server
	listener       net.Listener
	shutdownOnce   sync.Once
}

// NewManager creates a manager; nothing starts until Initialize
func NewManager(config Config) *Manager {
	if config.ServiceName == "" {
		config.ServiceName = "prism-harness"
	}
	if config.TraceWriter == nil {
		config.TraceWriter = os.Stderr
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{config: config, logger: logger}
}

// Initialize starts tracing and the metrics server as configured
func (m *Manager) Initialize(ctx context.Context) error {
	if m.config.EnableTracing {
		if err := m.initializeTracing(ctx); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		m.logger.Debug("tracing initialized", "service_name", m.config.ServiceName)
	}

	if m.config.MetricsAddr != "" {
		if err := m.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		m.logger.Info("metrics server started", "endpoint", fmt.Sprintf("http://%s/metrics", m.listener.Addr()))
	}
	return nil
}

func (m *Manager) initializeTracing(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(m.config.ServiceName),
			semconv.ServiceVersion(m.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(m.config.TraceWriter),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	m.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(m.tracerProvider)
	return nil
}

// Tracer returns a tracer from the global provider
func (m *Manager) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// MetricsAddr is the bound metrics address, empty when disabled
func (m *Manager) MetricsAddr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

func (m *Manager) startMetricsServer() error {
	registry := m.config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", m.config.MetricsAddr)
	if err != nil {
		return err
	}
	m.listener = ln

	m.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := m.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the metrics server and flushes pending spans
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error

	m.shutdownOnce.Do(func() {
		if m.metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
			}
		}

		if m.tracerProvider != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := m.tracerProvider.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
			}
		}
	})

	return errors.Join(errs...)
}
