package container

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/prism-harness/pkg/artifact"
	"github.com/jrepp/prism-harness/pkg/config"
	"github.com/jrepp/prism-harness/pkg/deployerr"
	"github.com/jrepp/prism-harness/pkg/launcher"
	"github.com/jrepp/prism-harness/pkg/resolver"
)

// recordingLauncher remembers the last handle it returned
type recordingLauncher struct {
	inner ProcessLauncher

	mu     sync.Mutex
	handle launcher.Handle
	specs  []launcher.LaunchSpec
}

func (r *recordingLauncher) Launch(ctx context.Context, spec launcher.LaunchSpec) (launcher.Handle, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	r.mu.Unlock()

	h, err := r.inner.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.handle = h
	r.mu.Unlock()
	return h, nil
}

func (r *recordingLauncher) last() launcher.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// shellLauncher runs script with sh -c; the bundle path is passed as $1
func shellLauncher(script string) *recordingLauncher {
	l := launcher.NewLauncher(
		launcher.WithRuntime(launcher.ExecRuntime{
			Interpreter:     "/bin/sh",
			InterpreterArgs: []string{"-c", script, "harness"},
		}),
		launcher.WithGracePeriod(300*time.Millisecond),
	)
	return &recordingLauncher{inner: processLauncher{l: l}}
}

func testConfig() *config.Configuration {
	cfg := config.Default()
	cfg.Deploy.Timeout = 5 * time.Second
	cfg.Deploy.GracePeriod = 300 * time.Millisecond
	return cfg
}

func testDeployment() *Deployment {
	return &Deployment{
		Name: "sample.bundle",
		Test: TestDescriptor{ClassName: "org.example.SampleTest"},
		Inputs: []artifact.BuildInput{{
			Role:    artifact.RoleClassResource,
			Target:  "org/example/SampleTest.class",
			Content: "bytecode",
		}},
	}
}

func newTestContainer(t *testing.T, cfg *config.Configuration, pl ProcessLauncher, opts ...Option) (*Container, string) {
	t.Helper()
	tempDir := t.TempDir()
	base := []Option{WithTempDir(tempDir), WithProcessLauncher(pl)}
	c := New(cfg, append(base, opts...)...)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c, tempDir
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Empty(t, names, "temporary files left behind")
}

func TestStartDeployedThenStop(t *testing.T) {
	pl := shellLauncher("echo PRISM-DEPLOYED; sleep 30")
	metrics := NewPrometheusMetricsCollector("")
	c, tempDir := newTestContainer(t, testConfig(), pl, WithMetrics(metrics))

	require.NoError(t, c.Start(context.Background(), testDeployment()))
	assert.Equal(t, StateDeployed, c.State())
	assert.NotEmpty(t, c.AttemptID())

	h := c.Process()
	require.NotNil(t, h)
	assert.True(t, h.IsAlive())

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.State())
	assert.False(t, h.IsAlive())
	assert.Nil(t, c.Process())
	assertEmptyDir(t, tempDir)

	// Idempotent
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.State())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.attempts.WithLabelValues("deployed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.readyOutcomes.WithLabelValues("Ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.stateTransitions.WithLabelValues("Deployed", "Stopped")))
}

func TestStartProcessExited(t *testing.T) {
	pl := shellLauncher("exit 1")
	metrics := NewPrometheusMetricsCollector("")
	c, tempDir := newTestContainer(t, testConfig(), pl, WithMetrics(metrics))

	err := c.Start(context.Background(), testDeployment())
	require.Error(t, err)
	assert.True(t, deployerr.IsCode(err, deployerr.CodeProcessExited), err.Error())
	assert.Equal(t, StateFailed, c.State())
	assertEmptyDir(t, tempDir)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.attempts.WithLabelValues(string(deployerr.CodeProcessExited))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.stateTransitions.WithLabelValues("AwaitingReady", "Failed")))
}

func TestStartSignalledFailure(t *testing.T) {
	pl := shellLauncher("echo 'PRISM-DEPLOY-FAILED: boom'; sleep 30")
	c, tempDir := newTestContainer(t, testConfig(), pl)

	err := c.Start(context.Background(), testDeployment())
	require.Error(t, err)
	assert.True(t, deployerr.IsCode(err, deployerr.CodeSignalledError), err.Error())
	assert.Contains(t, err.Error(), "boom")

	h := pl.last()
	require.NotNil(t, h)
	assert.False(t, h.IsAlive(), "failed attempt must stop the process")
	assertEmptyDir(t, tempDir)
}

func TestStartTimeoutStopsProcess(t *testing.T) {
	cfg := testConfig()
	cfg.Deploy.Timeout = 300 * time.Millisecond
	pl := shellLauncher("sleep 30")
	c, tempDir := newTestContainer(t, cfg, pl)

	start := time.Now()
	err := c.Start(context.Background(), testDeployment())
	require.Error(t, err)
	assert.True(t, deployerr.IsCode(err, deployerr.CodeTimedOut), err.Error())
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	h := pl.last()
	require.NotNil(t, h)
	assert.False(t, h.IsAlive())
	assertEmptyDir(t, tempDir)
}

func TestStartInvalidDebugPort(t *testing.T) {
	cfg := testConfig()
	cfg.Debug.Port = "abc"
	pl := shellLauncher("touch \"$PWD/spawned\"; echo PRISM-DEPLOYED; sleep 30")
	c, tempDir := newTestContainer(t, cfg, pl)

	err := c.Start(context.Background(), testDeployment())
	require.Error(t, err)
	assert.True(t, deployerr.IsCode(err, deployerr.CodeConfiguration), err.Error())
	assert.Equal(t, StateFailed, c.State())
	assert.Nil(t, pl.last(), "nothing may be spawned")
	assertEmptyDir(t, tempDir)
}

func TestStartNonStaticFactory(t *testing.T) {
	pl := shellLauncher("echo PRISM-DEPLOYED; sleep 30")
	c, tempDir := newTestContainer(t, testConfig(), pl)

	d := testDeployment()
	d.Test.Capability = Capability{Kind: AnnotatedFactory, Method: "deployment"}

	err := c.Start(context.Background(), d)
	require.Error(t, err)
	assert.True(t, deployerr.IsCode(err, deployerr.CodeConfiguration))
	assert.Contains(t, err.Error(), "org.example.SampleTest.deployment")
	assert.Empty(t, pl.specs)
	assertEmptyDir(t, tempDir)
}

func TestStartPassesProperties(t *testing.T) {
	cfg := testConfig()
	cfg.Build.Repos = "https://repo.example.org/maven"
	script := `if [ "$PRISM_PROP_PRISM_ANNOTATED_CLASS" = org.example.SampleTest ] &&
   [ "$PRISM_PROP_REMOTE_MAVEN_REPO" = https://repo.example.org/maven ] &&
   [ "$PRISM_PROP_JAVA_NET_PREFERIPV4STACK" = true ] &&
   [ "$PRISM_MAIN_CLASS" = org.example.Main ]; then
  echo PRISM-DEPLOYED
else
  echo "PRISM-DEPLOY-FAILED: unexpected environment"
fi
sleep 30`
	pl := shellLauncher(script)
	c, _ := newTestContainer(t, cfg, pl)

	d := testDeployment()
	d.Test.Capability = Capability{Kind: AnnotatedFactory, Method: "deployment", Static: true}
	d.Test.WithMain = "org.example.Main"

	require.NoError(t, c.Start(context.Background(), d))

	require.Len(t, pl.specs, 1)
	spec := pl.specs[0]
	assert.True(t, spec.PreferIPv4)
	assert.Equal(t, "org.example.Main", spec.WithMain)
	desc, err := artifact.ReadDescriptor(spec.Artifact)
	require.NoError(t, err)
	assert.Equal(t, "org.example.Main", desc.MainClass)
}

func TestStartExportsBundle(t *testing.T) {
	cfg := testConfig()
	cfg.Export.Bundle = true
	exportDir := t.TempDir()
	pl := shellLauncher("echo PRISM-DEPLOYED; sleep 30")
	c, _ := newTestContainer(t, cfg, pl, WithExportDir(exportDir))

	require.NoError(t, c.Start(context.Background(), testDeployment()))
	require.NoError(t, c.Stop(context.Background()))

	exported := filepath.Join(exportDir, "sample.bundle")
	require.FileExists(t, exported, "diagnostic export outlives the attempt")
	desc, err := artifact.ReadDescriptor(exported)
	require.NoError(t, err)
	assert.Contains(t, desc.ServiceActivators, "META-INF/services/"+ServiceActivatorService)
	assert.Contains(t, desc.Resources, "org/example/SampleTest.class")
}

func TestStopBeforeStart(t *testing.T) {
	c, _ := newTestContainer(t, testConfig(), shellLauncher("true"))
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateIdle, c.State())
}

func TestStartTwiceRejected(t *testing.T) {
	c, _ := newTestContainer(t, testConfig(), shellLauncher("exit 3"))

	err := c.Start(context.Background(), testDeployment())
	require.True(t, deployerr.IsCode(err, deployerr.CodeProcessExited))

	err = c.Start(context.Background(), testDeployment())
	require.Error(t, err)
	assert.True(t, deployerr.IsCode(err, deployerr.CodeConfiguration))
	assert.Equal(t, StateFailed, c.State())
}

func TestStopAbortsStartInProgress(t *testing.T) {
	cfg := testConfig()
	cfg.Deploy.Timeout = 30 * time.Second
	pl := shellLauncher("sleep 30")
	c, tempDir := newTestContainer(t, cfg, pl)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background(), testDeployment()) }()

	require.Eventually(t, func() bool { return c.State() == StateAwaitingReady }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, deployerr.IsCode(err, deployerr.CodeCancelled), err.Error())
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.Equal(t, StateFailed, c.State())
	assert.False(t, pl.last().IsAlive())
	assertEmptyDir(t, tempDir)
}

// fakeHandle is a process that already delivered a ready signal
type fakeHandle struct {
	alive   bool
	err     error
	signals chan launcher.Signal
	done    chan struct{}
	stopped atomic.Bool
}

func newFakeHandle(alive bool, err error) *fakeHandle {
	h := &fakeHandle{alive: alive, err: err, signals: make(chan launcher.Signal, 1), done: make(chan struct{})}
	h.signals <- launcher.Signal{Kind: launcher.SignalReady}
	return h
}

func (h *fakeHandle) Pid() int                        { return 4242 }
func (h *fakeHandle) IsAlive() bool                   { return h.alive }
func (h *fakeHandle) Stdin() io.WriteCloser           { return nil }
func (h *fakeHandle) Err() error                      { return h.err }
func (h *fakeHandle) ExitCode() int                   { return 0 }
func (h *fakeHandle) WaitErr() error                  { return nil }
func (h *fakeHandle) Done() <-chan struct{}           { return h.done }
func (h *fakeHandle) Signals() <-chan launcher.Signal { return h.signals }
func (h *fakeHandle) Stop(ctx context.Context) error  { h.stopped.Store(true); return nil }

// slowAliveHandle holds the post-ready liveness check open long enough for
// a concurrent Stop to land in the middle of it
type slowAliveHandle struct {
	*fakeHandle
	entered chan struct{}
	once    sync.Once
}

func (h *slowAliveHandle) IsAlive() bool {
	h.once.Do(func() { close(h.entered) })
	time.Sleep(300 * time.Millisecond)
	return h.fakeHandle.IsAlive()
}

type fakeLauncher struct {
	handle launcher.Handle
}

func (f fakeLauncher) Launch(ctx context.Context, spec launcher.LaunchSpec) (launcher.Handle, error) {
	return f.handle, nil
}

func TestReadyButNotAlive(t *testing.T) {
	h := newFakeHandle(false, nil)
	c, tempDir := newTestContainer(t, testConfig(), fakeLauncher{handle: h})

	err := c.Start(context.Background(), testDeployment())
	require.Error(t, err)
	assert.True(t, deployerr.IsCode(err, deployerr.CodeProcessNotAlive))
	assert.Contains(t, err.Error(), "Process failed to start")
	assert.True(t, h.stopped.Load())
	assertEmptyDir(t, tempDir)
}

func TestReadyWithLatchedError(t *testing.T) {
	h := newFakeHandle(true, errors.New("late failure"))
	c, _ := newTestContainer(t, testConfig(), fakeLauncher{handle: h})

	err := c.Start(context.Background(), testDeployment())
	require.Error(t, err)
	assert.True(t, deployerr.IsCode(err, deployerr.CodeSignalledError))
	assert.Contains(t, err.Error(), "Error starting process")
	assert.Contains(t, err.Error(), "late failure")
	assert.True(t, h.stopped.Load())
}

func TestStopDuringLivenessCheckStopsProcess(t *testing.T) {
	h := &slowAliveHandle{fakeHandle: newFakeHandle(true, nil), entered: make(chan struct{})}
	c, tempDir := newTestContainer(t, testConfig(), fakeLauncher{handle: h})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background(), testDeployment()) }()

	select {
	case <-h.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Start never checked liveness")
	}
	require.NoError(t, c.Stop(context.Background()))

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, deployerr.IsCode(err, deployerr.CodeCancelled), err.Error())
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.NotEqual(t, StateDeployed, c.State())
	assert.True(t, h.stopped.Load(), "process left running after Stop returned")
	assert.Nil(t, c.Process())
	assertEmptyDir(t, tempDir)
}

func TestStartNilDeployment(t *testing.T) {
	c, tempDir := newTestContainer(t, testConfig(), shellLauncher("echo PRISM-DEPLOYED; sleep 30"))

	var err error
	require.NotPanics(t, func() { err = c.Start(context.Background(), nil) })
	require.Error(t, err)
	assert.True(t, deployerr.IsCode(err, deployerr.CodeConfiguration))
	assert.Equal(t, StateIdle, c.State())
	assertEmptyDir(t, tempDir)

	require.NoError(t, c.Start(context.Background(), testDeployment()), "a rejected nil deployment leaves the container usable")
	assert.Equal(t, StateDeployed, c.State())
}

type fakeResolver struct {
	requests []string
	deps     map[string][]resolver.ResolvedDependency
	err      error
}

func (f *fakeResolver) ResolveAll(ctx context.Context, manifest string) ([]resolver.ResolvedDependency, error) {
	f.requests = append(f.requests, "*")
	return f.deps["*"], f.err
}

func (f *fakeResolver) Resolve(ctx context.Context, manifest, coordinate string) ([]resolver.ResolvedDependency, error) {
	f.requests = append(f.requests, coordinate)
	return f.deps[coordinate], f.err
}

func dep(t *testing.T, coordinate string) resolver.ResolvedDependency {
	t.Helper()
	c, err := resolver.ParseCoordinate(coordinate)
	require.NoError(t, err)
	return resolver.ResolvedDependency{Scope: resolver.ScopeCompile, Coordinate: c, File: "/repo/" + c.ArtifactID + ".jar"}
}

func TestBuildRequestedArtifactsAddDaemon(t *testing.T) {
	core := dep(t, "org.example:core:1.0")
	res := &fakeResolver{deps: map[string][]resolver.ResolvedDependency{
		"org.example:app": {dep(t, "org.example:app:1.0"), core},
		DaemonArtifact:    {dep(t, DaemonArtifact+":2.0"), core},
	}}
	c, _ := newTestContainer(t, testConfig(), fakeLauncher{}, WithResolver(res))

	d := testDeployment()
	d.Manifest = "deps.lock.yaml"
	d.Artifacts = []string{"org.example:app"}

	dest := filepath.Join(t.TempDir(), "out.bundle")
	require.NoError(t, c.Build(context.Background(), d, dest))
	assert.Equal(t, []string{"org.example:app", DaemonArtifact}, res.requests)

	desc, err := artifact.ReadDescriptor(dest)
	require.NoError(t, err)
	var coords []string
	for _, d := range desc.Dependencies {
		coords = append(coords, d.Coordinate)
	}
	assert.Equal(t, []string{
		"org.example:app:jar:1.0",
		"org.example:core:jar:1.0",
		"io.prism.harness:harness-daemon:jar:2.0",
	}, coords)
}

func TestBuildWholeManifest(t *testing.T) {
	res := &fakeResolver{deps: map[string][]resolver.ResolvedDependency{
		"*": {dep(t, "org.example:app:1.0")},
	}}
	c, _ := newTestContainer(t, testConfig(), fakeLauncher{}, WithResolver(res))

	d := testDeployment()
	d.Manifest = "deps.lock.yaml"
	require.NoError(t, c.Build(context.Background(), d, filepath.Join(t.TempDir(), "out.bundle")))
	assert.Equal(t, []string{"*"}, res.requests)
}

func TestBuildResolutionErrors(t *testing.T) {
	res := &fakeResolver{err: errors.New("not declared")}
	c, _ := newTestContainer(t, testConfig(), fakeLauncher{}, WithResolver(res))

	d := testDeployment()
	d.Manifest = "deps.lock.yaml"
	d.Artifacts = []string{"org.example:missing"}
	err := c.Build(context.Background(), d, filepath.Join(t.TempDir(), "out.bundle"))
	require.Error(t, err)
	assert.True(t, deployerr.IsCode(err, deployerr.CodeResolution))

	d.Manifest = ""
	err = c.Build(context.Background(), d, filepath.Join(t.TempDir(), "out.bundle"))
	require.Error(t, err)
	assert.True(t, deployerr.IsCode(err, deployerr.CodeConfiguration))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AwaitingReady", StateAwaitingReady.String())
	assert.Equal(t, "Unknown", State(99).String())
}
