package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// CleanupManager releases the resources of one deployment attempt. Steps are
// registered as each resource is created and run in reverse order, so a
// failure at any point releases exactly what exists.
type CleanupManager struct {
	logger *slog.Logger

	mu    sync.Mutex
	steps []cleanupStep
}

type cleanupStep struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCleanupManager creates an empty cleanup manager
func NewCleanupManager(logger *slog.Logger) *CleanupManager {
	return &CleanupManager{logger: logger}
}

// Register adds a cleanup step
func (cm *CleanupManager) Register(name string, fn func(ctx context.Context) error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.steps = append(cm.steps, cleanupStep{name: name, fn: fn})
}

// RegisterPath removes path (recursively) on cleanup
func (cm *CleanupManager) RegisterPath(path string) {
	cm.Register("remove "+path, func(context.Context) error {
		return os.RemoveAll(path)
	})
}

// Pending returns the number of steps not yet run
func (cm *CleanupManager) Pending() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.steps)
}

// Run executes every pending step, last registered first. All steps run even
// when some fail; the failures are joined. Running again is a no-op.
func (cm *CleanupManager) Run(ctx context.Context) error {
	cm.mu.Lock()
	steps := cm.steps
	cm.steps = nil
	cm.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if err := step.fn(ctx); err != nil {
			cm.logger.Warn("cleanup step failed", "step", step.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		cm.logger.Debug("cleanup step done", "step", step.name)
	}
	return errors.Join(errs...)
}
