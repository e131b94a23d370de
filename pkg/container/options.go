package container

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jrepp/prism-harness/pkg/artifact"
	"github.com/jrepp/prism-harness/pkg/resolver"
)

// Option configures a Container
type Option func(*Container)

// WithResolver replaces the lockfile resolver
func WithResolver(r resolver.Resolver) Option {
	return func(c *Container) {
		c.resolver = r
	}
}

// WithBuilder replaces the bundle builder
func WithBuilder(b *artifact.Builder) Option {
	return func(c *Container) {
		c.builder = b
	}
}

// WithProcessLauncher replaces the launcher built from the configuration
func WithProcessLauncher(l ProcessLauncher) Option {
	return func(c *Container) {
		c.launcher = l
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m MetricsCollector) Option {
	return func(c *Container) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithEventPublisher sets where lifecycle events are reported
func WithEventPublisher(p EventPublisher) Option {
	return func(c *Container) {
		if p != nil {
			c.events = p
		}
	}
}

// WithTracer sets the tracer used for attempt spans
func WithTracer(t trace.Tracer) Option {
	return func(c *Container) {
		c.tracer = t
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Container) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTempDir sets where bundles and working directories are created
func WithTempDir(dir string) Option {
	return func(c *Container) {
		c.tempDir = dir
	}
}

// WithExportDir sets where the diagnostic bundle copy is written
func WithExportDir(dir string) Option {
	return func(c *Container) {
		c.exportDir = dir
	}
}
