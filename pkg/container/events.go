package container

import (
	"context"
	"log/slog"
)

// Lifecycle event types reported for a deployment attempt
const (
	EventStarting = "starting"
	EventReady    = "ready"
	EventFailed   = "failed"
	EventStopping = "stopping"
	EventStopped  = "stopped"
)

// EventPublisher receives lifecycle events of deployment attempts.
//
// Event types:
//   - starting: the attempt began building
//   - ready: the process signalled deployment and passed the liveness re-check
//   - failed: the attempt ended without a deployment
//   - stopping: Stop was called on a live deployment
//   - stopped: the process is gone and temporary files are removed
type EventPublisher interface {
	// ReportLifecycleEvent reports one event.
	//
	// Parameters:
	//   ctx: Context for the operation
	//   eventType: Type of event (starting, ready, failed, stopping, stopped)
	//   message: Human-readable description of the event
	//   metadata: Additional context (attempt_id, pid, error_code, etc.)
	//
	// Returns error if the event could not be delivered.
	ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error
}

// NoopEventPublisher discards events
type NoopEventPublisher struct{}

// ReportLifecycleEvent does nothing
func (n *NoopEventPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	return nil
}

// LogEventPublisher writes events to a structured logger
type LogEventPublisher struct {
	Logger *slog.Logger
}

// ReportLifecycleEvent logs the event at info level
func (p *LogEventPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	attrs := make([]any, 0, 2+2*len(metadata))
	attrs = append(attrs, "event", eventType)
	for k, v := range metadata {
		attrs = append(attrs, k, v)
	}
	p.Logger.InfoContext(ctx, message, attrs...)
	return nil
}
