// Package container sequences one deployment attempt: decorate, resolve,
// build, launch, wait for readiness, and report "deployment started" or a
// coded failure.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jrepp/prism-harness/pkg/artifact"
	"github.com/jrepp/prism-harness/pkg/config"
	"github.com/jrepp/prism-harness/pkg/deployerr"
	"github.com/jrepp/prism-harness/pkg/launcher"
	"github.com/jrepp/prism-harness/pkg/resolver"
)

const tracerName = "github.com/jrepp/prism-harness/pkg/container"

// State represents the lifecycle state of a deployment attempt
type State int

const (
	// StateIdle - nothing has started
	StateIdle State = iota
	// StateBuilding - decorating, resolving and packaging
	StateBuilding
	// StateLaunching - spawning the process
	StateLaunching
	// StateAwaitingReady - waiting for the deployment signal
	StateAwaitingReady
	// StateDeployed - ready signal seen and process confirmed alive
	StateDeployed
	// StateFailed - the attempt ended without a deployment
	StateFailed
	// StateStopped - a deployed process was stopped
	StateStopped
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateBuilding:
		return "Building"
	case StateLaunching:
		return "Launching"
	case StateAwaitingReady:
		return "AwaitingReady"
	case StateDeployed:
		return "Deployed"
	case StateFailed:
		return "Failed"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

func (s State) inProgress() bool {
	return s == StateBuilding || s == StateLaunching || s == StateAwaitingReady
}

// ProcessLauncher starts bundles as child processes
type ProcessLauncher interface {
	Launch(ctx context.Context, spec launcher.LaunchSpec) (launcher.Handle, error)
}

// processLauncher adapts *launcher.Launcher so a failed launch yields a nil Handle
type processLauncher struct {
	l *launcher.Launcher
}

func (p processLauncher) Launch(ctx context.Context, spec launcher.LaunchSpec) (launcher.Handle, error) {
	proc, err := p.l.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// NewProcessLauncher builds the launcher described by cfg
func NewProcessLauncher(cfg *config.Configuration, logger *slog.Logger) ProcessLauncher {
	var runtime launcher.Runtime = launcher.JVMRuntime{Java: cfg.Runtime.Java}
	if cfg.Runtime.Kind == config.RuntimeExec {
		runtime = launcher.ParseInterpreter(cfg.Runtime.Interpreter)
	}

	var channel launcher.ControlChannel = launcher.StreamChannel{
		ReadyMarker:   cfg.Deploy.ReadyMarker,
		FailureMarker: cfg.Deploy.FailureMarker,
	}
	if cfg.Deploy.Channel == config.ChannelFile {
		channel = launcher.FileChannel{Name: cfg.Deploy.StatusFile, Logger: logger}
	}

	return processLauncher{l: launcher.NewLauncher(
		launcher.WithRuntime(runtime),
		launcher.WithControlChannel(channel),
		launcher.WithGracePeriod(cfg.Deploy.GracePeriod),
		launcher.WithLogger(logger),
	)}
}

// Container runs one deployment attempt. Start and Stop are meant for a
// single caller; Stop may be called from another goroutine to abort a Start
// in progress.
type Container struct {
	cfg       *config.Configuration
	resolver  resolver.Resolver
	builder   *artifact.Builder
	launcher  ProcessLauncher
	metrics   MetricsCollector
	events    EventPublisher
	tracer    trace.Tracer
	logger    *slog.Logger
	tempDir   string
	exportDir string

	mu        sync.Mutex
	state     State
	attemptID string
	handle    launcher.Handle
	cleanup   *CleanupManager
	cancel    context.CancelFunc
	startDone chan struct{}
}

// New creates a container for cfg. Unset collaborators get defaults built
// from cfg: a lockfile resolver, a builder in the temp directory and a
// launcher for the configured runtime and control channel.
func New(cfg *config.Configuration, opts ...Option) *Container {
	c := &Container{
		cfg:       cfg,
		metrics:   NewNoopMetricsCollector(),
		events:    &NoopEventPublisher{},
		tracer:    otel.Tracer(tracerName),
		logger:    slog.Default(),
		tempDir:   os.TempDir(),
		exportDir: ".",
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.resolver == nil {
		var repos []string
		if cfg.Build.LocalRepository != "" {
			repos = append(repos, cfg.Build.LocalRepository)
		}
		c.resolver = resolver.NewLockfileResolver(c.logger, repos...)
	}
	if c.builder == nil {
		c.builder = artifact.NewBuilder(artifact.WithScratchDir(c.tempDir), artifact.WithLogger(c.logger))
	}
	if c.launcher == nil {
		c.launcher = NewProcessLauncher(cfg, c.logger)
	}
	c.cleanup = NewCleanupManager(c.logger)
	return c
}

// State returns the current state
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AttemptID identifies the current attempt in logs, spans and events
func (c *Container) AttemptID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attemptID
}

// Process returns the live process handle once deployed
func (c *Container) Process() launcher.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDeployed {
		return nil
	}
	return c.handle
}

func (c *Container) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	c.metrics.StateTransition(from, to)
	c.logger.Debug("deployment state changed", "attempt_id", c.attemptID, "from", from.String(), "to", to.String())
}

// Start runs the attempt to completion. A nil error means the deployment
// started: the ready signal was observed, and afterwards the process was
// alive and had no latched error. Every other result is a *deployerr.Error
// and all resources of the attempt are already released.
func (c *Container) Start(ctx context.Context, d *Deployment) error {
	if d == nil {
		return deployerr.New(deployerr.CodeConfiguration, "No deployment to start").
			WithSuggestion("Load a deployment description before starting the container")
	}

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return deployerr.New(deployerr.CodeConfiguration, "Deployment already started").
			WithContext("state", state.String()).
			WithSuggestion("Create a new container for each deployment attempt")
	}
	c.attemptID = uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.startDone = make(chan struct{})
	c.state = StateBuilding
	c.mu.Unlock()
	c.metrics.StateTransition(StateIdle, StateBuilding)

	defer close(c.startDone)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "deployment.start", trace.WithAttributes(
		attribute.String("deployment.attempt_id", c.attemptID),
		attribute.String("deployment.name", d.Name),
		attribute.String("test.class", d.Test.ClassName),
		attribute.String("test.capability", d.Test.Capability.Kind.String()),
	))
	defer span.End()

	c.publish(ctx, EventStarting, "deployment starting", map[string]string{"name": d.Name})

	if err := c.start(ctx, d); err != nil {
		c.fail(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(deployerr.CodeOf(err)))
		return err
	}

	span.SetStatus(codes.Ok, "deployed")
	c.metrics.AttemptResult("")
	c.publish(ctx, EventReady, "deployment started", map[string]string{
		"pid": fmt.Sprint(c.handle.Pid()),
	})
	return nil
}

func (c *Container) start(ctx context.Context, d *Deployment) error {
	bundle, err := c.prepare(ctx, d)
	if err != nil {
		return err
	}

	workDir, err := os.MkdirTemp(c.tempDir, "prism-harness-work-*")
	if err != nil {
		return deployerr.ErrLaunch(bundle, fmt.Errorf("create working directory: %w", err))
	}
	c.cleanup.RegisterPath(workDir)

	c.transition(StateLaunching)
	handle, err := c.launch(ctx, d, bundle, workDir)
	if err != nil {
		return err
	}

	c.transition(StateAwaitingReady)
	outcome := c.awaitReady(ctx, handle)
	if err := outcome.Err(); err != nil {
		return err
	}

	// The ready signal and the process state are observed separately; both must agree.
	if !handle.IsAlive() {
		return deployerr.ErrProcessNotAlive().
			WithContext("pid", handle.Pid()).
			WithContext("exit_code", handle.ExitCode())
	}
	if err := handle.Err(); err != nil {
		return deployerr.ErrSignalled(err).WithContext("pid", handle.Pid())
	}
	if err := ctx.Err(); err != nil {
		return deployerr.ErrCancelled(err).WithContext("pid", handle.Pid())
	}

	c.transition(StateDeployed)
	c.logger.Info("deployment started",
		"attempt_id", c.attemptID,
		"pid", handle.Pid(),
		"elapsed", outcome.Elapsed.Round(time.Millisecond))
	return nil
}

// Build decorates, resolves and packages d, then exports the bundle to dest
// without launching anything.
func (c *Container) Build(ctx context.Context, d *Deployment, dest string) error {
	art, err := c.build(ctx, d)
	if err != nil {
		return err
	}
	defer art.Remove()
	return art.Export(dest, true)
}

// prepare builds the bundle and exports the scratch copy that is executed.
// Every file it creates is registered for cleanup as soon as it exists.
func (c *Container) prepare(ctx context.Context, d *Deployment) (string, error) {
	art, err := c.build(ctx, d)
	if err != nil {
		return "", err
	}
	c.cleanup.Register("remove build scratch", func(context.Context) error { return art.Remove() })

	if c.cfg.Export.Bundle {
		dest := filepath.Join(c.exportDir, art.Name)
		if err := art.Export(dest, true); err != nil {
			return "", err
		}
		c.logger.Info("exported bundle", "attempt_id", c.attemptID, "path", dest)
	}

	f, err := os.CreateTemp(c.tempDir, "prism*-harness.bundle")
	if err != nil {
		return "", deployerr.ErrPackaging(art.Name, fmt.Errorf("create bundle file: %w", err))
	}
	bundle := f.Name()
	f.Close()
	c.cleanup.RegisterPath(bundle)

	if err := art.Export(bundle, true); err != nil {
		return "", err
	}
	return bundle, nil
}

func (c *Container) build(ctx context.Context, d *Deployment) (*artifact.ExecutableArtifact, error) {
	ctx, span := c.tracer.Start(ctx, "deployment.build")
	defer span.End()
	start := time.Now()

	art, err := c.buildArtifact(ctx, d)
	c.metrics.PhaseDuration("build", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(deployerr.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("bundle.dependencies", len(art.Descriptor.Dependencies)),
		attribute.Int("bundle.resources", len(art.Descriptor.Resources)),
	)
	return art, nil
}

func (c *Container) buildArtifact(ctx context.Context, d *Deployment) (*artifact.ExecutableArtifact, error) {
	if d == nil {
		return nil, deployerr.ErrPackaging("", errors.New("nil deployment"))
	}

	decoration, err := Decorate(d.Test)
	if err != nil {
		return nil, err
	}

	deps, err := c.resolve(ctx, d)
	if err != nil {
		return nil, err
	}

	plan := artifact.NewPlan(d.Name)
	plan.Add(d.Inputs...)
	plan.Add(decoration.Inputs...)
	for _, dep := range deps {
		plan.Add(artifact.DependencyInput(dep))
	}
	plan.MainClass, _ = launcher.SelectMain(d.Test.Main, d.Test.WithMain)
	plan.ModuleSearchPaths = c.cfg.Build.ModuleSearchPaths

	return c.builder.Build(plan)
}

// resolve returns the dependencies of d, de-duplicated by group and artifact
// in first-seen order
func (c *Container) resolve(ctx context.Context, d *Deployment) ([]resolver.ResolvedDependency, error) {
	if d.Manifest == "" {
		if len(d.Artifacts) > 0 {
			return nil, deployerr.ErrInvalidConfiguration("manifest", "", "requested artifacts need a dependency manifest")
		}
		return nil, nil
	}

	var all []resolver.ResolvedDependency
	if len(d.Artifacts) == 0 {
		deps, err := c.resolver.ResolveAll(ctx, d.Manifest)
		if err != nil {
			return nil, deployerr.ErrResolution(d.Manifest, err)
		}
		all = deps
	} else {
		requests := append(slices.Clone(d.Artifacts), DaemonArtifact)
		for _, req := range requests {
			deps, err := c.resolver.Resolve(ctx, d.Manifest, req)
			if err != nil {
				return nil, deployerr.ErrResolution(req, err)
			}
			all = append(all, deps...)
		}
	}

	seen := make(map[string]bool, len(all))
	out := all[:0]
	for _, dep := range all {
		if seen[dep.GA()] {
			continue
		}
		seen[dep.GA()] = true
		out = append(out, dep)
	}
	return out, nil
}

func (c *Container) launch(ctx context.Context, d *Deployment, bundle, workDir string) (launcher.Handle, error) {
	ctx, span := c.tracer.Start(ctx, "deployment.launch")
	defer span.End()
	start := time.Now()

	decoration, err := Decorate(d.Test)
	if err != nil {
		return nil, err
	}
	props := decoration.Properties
	if c.cfg.Build.Repos != "" {
		props[RemoteRepositoryProperty] = c.cfg.Build.Repos
	}

	handle, err := c.launcher.Launch(ctx, launcher.LaunchSpec{
		Artifact:      bundle,
		WorkDir:       workDir,
		Properties:    props,
		DebugPort:     c.cfg.Debug.Port,
		PreferIPv4:    true,
		MainSpecifier: d.Test.Main,
		WithMain:      d.Test.WithMain,
	})
	c.metrics.PhaseDuration("launch", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(deployerr.CodeOf(err)))
		return nil, err
	}

	c.mu.Lock()
	c.handle = handle
	c.mu.Unlock()
	c.cleanup.Register("stop process", handle.Stop)

	span.SetAttributes(attribute.Int("process.pid", handle.Pid()))
	return handle, nil
}

func (c *Container) awaitReady(ctx context.Context, handle launcher.Handle) launcher.Outcome {
	ctx, span := c.tracer.Start(ctx, "deployment.await_ready")
	defer span.End()

	outcome := launcher.AwaitReady(ctx, handle, c.cfg.Deploy.Timeout)
	c.metrics.ReadyOutcome(outcome.Kind, outcome.Elapsed)
	c.metrics.PhaseDuration("await_ready", outcome.Elapsed, outcome.Err())

	span.SetAttributes(
		attribute.String("outcome", outcome.Kind.String()),
		attribute.Int64("elapsed_ms", outcome.Elapsed.Milliseconds()),
	)
	c.logger.Info("readiness handshake finished",
		"attempt_id", c.attemptID,
		"outcome", outcome.Kind.String(),
		"elapsed", outcome.Elapsed.Round(time.Millisecond))
	return outcome
}

// fail marks the attempt failed and releases everything it created
func (c *Container) fail(ctx context.Context, err error) {
	c.transition(StateFailed)
	code := deployerr.CodeOf(err)
	c.metrics.AttemptResult(code)

	c.logger.Error("deployment failed",
		"attempt_id", c.attemptID,
		"code", code,
		"error", err)

	cleanupCtx, cancel := c.cleanupContext(ctx)
	defer cancel()
	if cerr := c.cleanup.Run(cleanupCtx); cerr != nil {
		c.logger.Warn("cleanup after failed deployment", "attempt_id", c.attemptID, "error", cerr)
	}

	c.publish(ctx, EventFailed, "deployment failed", map[string]string{
		"error_code": string(code),
		"error":      err.Error(),
	})
}

// Stop terminates the deployed process and removes temporary files. It is
// safe to call before Start, after a failure, and more than once. Called
// while Start is in progress it aborts the attempt and waits for its cleanup.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	switch {
	case state.inProgress():
		cancel, done := c.cancel, c.startDone
		c.mu.Unlock()
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		// Start may pass its last cancellation point before cancel lands.
		if c.State() != StateDeployed {
			return nil
		}
	case state != StateDeployed:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
	}

	c.publish(ctx, EventStopping, "stopping deployment", nil)
	start := time.Now()

	cleanupCtx, cancel := c.cleanupContext(ctx)
	defer cancel()
	err := c.cleanup.Run(cleanupCtx)

	c.metrics.PhaseDuration("stop", time.Since(start), err)
	c.transition(StateStopped)
	c.publish(ctx, EventStopped, "deployment stopped", nil)
	return err
}

// cleanupContext survives cancellation of the attempt but stays bounded
func (c *Container) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Deploy.GracePeriod+10*time.Second)
}

func (c *Container) publish(ctx context.Context, eventType, message string, metadata map[string]string) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["attempt_id"] = c.attemptID
	if err := c.events.ReportLifecycleEvent(ctx, eventType, message, metadata); err != nil {
		c.logger.Warn("publishing lifecycle event", "event", eventType, "error", err)
	}
}
