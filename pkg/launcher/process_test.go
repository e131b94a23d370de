package launcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/prism-harness/pkg/deployerr"
)

// writeScript writes a shell script used as the launched bundle
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

func newShellLauncher(opts ...Option) *Launcher {
	base := []Option{
		WithRuntime(ExecRuntime{Interpreter: "/bin/sh"}),
		WithGracePeriod(500 * time.Millisecond),
	}
	return NewLauncher(append(base, opts...)...)
}

func launchScript(t *testing.T, l *Launcher, body string) (*Process, string) {
	t.Helper()
	workDir := t.TempDir()
	p, err := l.Launch(context.Background(), LaunchSpec{
		Artifact:   writeScript(t, body),
		WorkDir:    workDir,
		PreferIPv4: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p, workDir
}

func TestLaunchRejectsInvalidDebugPortBeforeSpawn(t *testing.T) {
	for _, port := range []string{"abc", "0", "70000"} {
		t.Run(port, func(t *testing.T) {
			workDir := t.TempDir()
			script := writeScript(t, "touch spawned\nsleep 30\n")

			p, err := newShellLauncher().Launch(context.Background(), LaunchSpec{
				Artifact:  script,
				WorkDir:   workDir,
				DebugPort: port,
			})
			require.Error(t, err)
			assert.Nil(t, p)
			assert.True(t, deployerr.IsCode(err, deployerr.CodeConfiguration), err.Error())

			time.Sleep(100 * time.Millisecond)
			assert.NoFileExists(t, filepath.Join(workDir, "spawned"), "nothing may be spawned")
		})
	}
}

func TestLaunchFailureIsLaunchError(t *testing.T) {
	l := NewLauncher(WithRuntime(ExecRuntime{}))
	_, err := l.Launch(context.Background(), LaunchSpec{
		Artifact: filepath.Join(t.TempDir(), "missing-binary"),
		WorkDir:  t.TempDir(),
	})
	require.Error(t, err)
	assert.True(t, deployerr.IsCode(err, deployerr.CodeLaunch))
}

func TestAwaitReadyOnReadyMarker(t *testing.T) {
	p, _ := launchScript(t, newShellLauncher(), "sleep 0.3\necho PRISM-DEPLOYED\nsleep 30\n")

	outcome := AwaitReady(context.Background(), p, 10*time.Second)
	assert.Equal(t, OutcomeReady, outcome.Kind)
	assert.GreaterOrEqual(t, outcome.Elapsed, 300*time.Millisecond)
	assert.Less(t, outcome.Elapsed, 5*time.Second)
	assert.NoError(t, outcome.Err())
	assert.True(t, p.IsAlive())
	assert.NoError(t, p.Err())
	assert.Greater(t, p.Pid(), 0)

	require.NoError(t, p.Stop(context.Background()))
	assert.False(t, p.IsAlive())
	assert.NoError(t, p.Stop(context.Background()), "stop is idempotent")
}

func TestAwaitReadyProcessExited(t *testing.T) {
	p, _ := launchScript(t, newShellLauncher(), "sleep 0.2\nexit 1\n")

	outcome := AwaitReady(context.Background(), p, 10*time.Second)
	assert.Equal(t, OutcomeProcessExited, outcome.Kind)
	assert.Equal(t, 1, outcome.ExitCode)
	assert.GreaterOrEqual(t, outcome.Elapsed, 200*time.Millisecond)
	assert.True(t, deployerr.IsCode(outcome.Err(), deployerr.CodeProcessExited))
	assert.False(t, p.IsAlive())
	assert.Equal(t, 1, p.ExitCode())

	var exitErr *exec.ExitError
	require.ErrorAs(t, outcome.Cause, &exitErr, "reaped wait error is carried as the cause")
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.ErrorAs(t, outcome.Err(), &exitErr)
	assert.ErrorIs(t, p.WaitErr(), outcome.Cause)

	assert.NoError(t, p.Stop(context.Background()), "stopping an exited process is harmless")
}

func TestAwaitReadyTimesOutNotEarly(t *testing.T) {
	p, _ := launchScript(t, newShellLauncher(), "sleep 30\n")

	timeout := 400 * time.Millisecond
	outcome := AwaitReady(context.Background(), p, timeout)
	assert.Equal(t, OutcomeTimedOut, outcome.Kind)
	assert.GreaterOrEqual(t, outcome.Elapsed, timeout)
	assert.Less(t, outcome.Elapsed, timeout+2*time.Second)
	assert.True(t, deployerr.IsCode(outcome.Err(), deployerr.CodeTimedOut))
	assert.True(t, p.IsAlive(), "timeout leaves the process running")
}

func TestAwaitReadyContextCancelled(t *testing.T) {
	p, _ := launchScript(t, newShellLauncher(), "sleep 30\n")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	outcome := AwaitReady(ctx, p, time.Minute)
	assert.Equal(t, OutcomeCancelled, outcome.Kind)
	assert.True(t, deployerr.IsCode(outcome.Err(), deployerr.CodeCancelled))
	assert.False(t, deployerr.IsCode(outcome.Err(), deployerr.CodeTimedOut))
	assert.ErrorIs(t, outcome.Err(), context.DeadlineExceeded)
}

func TestAwaitReadySignalledError(t *testing.T) {
	p, _ := launchScript(t, newShellLauncher(), "echo 'PRISM-DEPLOY-FAILED: port 8080 in use'\nsleep 30\n")

	outcome := AwaitReady(context.Background(), p, 10*time.Second)
	assert.Equal(t, OutcomeSignalledError, outcome.Kind)
	require.Error(t, outcome.Cause)
	assert.Equal(t, "port 8080 in use", outcome.Cause.Error())
	assert.True(t, deployerr.IsCode(outcome.Err(), deployerr.CodeSignalledError))
	require.Error(t, p.Err(), "failure is latched on the handle")
	assert.Equal(t, "port 8080 in use", p.Err().Error())
}

func TestSignalBeforeExitIsDelivered(t *testing.T) {
	p, _ := launchScript(t, newShellLauncher(), "echo PRISM-DEPLOYED\nexit 0\n")

	<-p.Done()
	outcome := AwaitReady(context.Background(), p, 10*time.Second)
	assert.Equal(t, OutcomeReady, outcome.Kind)
	assert.False(t, p.IsAlive(), "readiness and liveness are independent observations")
	assert.Equal(t, 0, p.ExitCode())
}

func TestFailureAfterReadyIsLatched(t *testing.T) {
	p, _ := launchScript(t, newShellLauncher(), "echo PRISM-DEPLOYED\necho 'PRISM-DEPLOY-FAILED: late'\nsleep 30\n")

	outcome := AwaitReady(context.Background(), p, 10*time.Second)
	assert.Equal(t, OutcomeReady, outcome.Kind)
	assert.Eventually(t, func() bool { return p.Err() != nil }, 5*time.Second, 10*time.Millisecond)
}

func TestStdinIsClosedAtLaunch(t *testing.T) {
	// cat returns only once stdin reaches EOF
	p, _ := launchScript(t, newShellLauncher(), "cat\necho PRISM-DEPLOYED\nsleep 30\n")

	outcome := AwaitReady(context.Background(), p, 5*time.Second)
	assert.Equal(t, OutcomeReady, outcome.Kind)

	_, err := p.Stdin().Write([]byte("late input"))
	assert.Error(t, err)
}

func TestExecRuntimeEnvironment(t *testing.T) {
	workDir := t.TempDir()
	script := writeScript(t, `echo "$PRISM_PROP_JAVA_NET_PREFERIPV4STACK $PRISM_DEBUG_PORT $PRISM_MAIN_CLASS $*" > env.out
echo PRISM-DEPLOYED
sleep 30
`)

	p, err := newShellLauncher().Launch(context.Background(), LaunchSpec{
		Artifact:      script,
		WorkDir:       workDir,
		PreferIPv4:    true,
		DebugPort:     "5005",
		WithMain:      "org.example.Annotated",
		MainSpecifier: &MainSpecifier{ClassName: "org.example.Main", Args: []string{"a"}},
		Args:          []string{"b"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	require.Equal(t, OutcomeReady, AwaitReady(context.Background(), p, 10*time.Second).Kind)

	data, err := os.ReadFile(filepath.Join(workDir, "env.out"))
	require.NoError(t, err)
	assert.Equal(t, "true 5005 org.example.Main a b", strings.TrimSpace(string(data)))
}

func TestFileChannel(t *testing.T) {
	l := newShellLauncher(WithControlChannel(FileChannel{}))

	t.Run("deployed", func(t *testing.T) {
		p, _ := launchScript(t, l, "sleep 0.2\necho DEPLOYED > .prism-deploy-status\nsleep 30\n")
		outcome := AwaitReady(context.Background(), p, 10*time.Second)
		assert.Equal(t, OutcomeReady, outcome.Kind)
		assert.True(t, p.IsAlive())
	})

	t.Run("failed", func(t *testing.T) {
		p, _ := launchScript(t, l, "printf 'FAILED: bad config' > .prism-deploy-status\nsleep 30\n")
		outcome := AwaitReady(context.Background(), p, 10*time.Second)
		assert.Equal(t, OutcomeSignalledError, outcome.Kind)
		require.Error(t, outcome.Cause)
		assert.Equal(t, "bad config", outcome.Cause.Error())
	})

	t.Run("written just before exit", func(t *testing.T) {
		p, _ := launchScript(t, l, "echo DEPLOYED > .prism-deploy-status\nexit 0\n")
		<-p.Done()
		assert.Equal(t, OutcomeReady, AwaitReady(context.Background(), p, 10*time.Second).Kind)
	})
}

func TestStopForceKillsProcessIgnoringTerm(t *testing.T) {
	l := newShellLauncher(WithGracePeriod(200 * time.Millisecond))
	p, _ := launchScript(t, l, "trap '' TERM\necho PRISM-DEPLOYED\nsleep 30\n")

	require.Equal(t, OutcomeReady, AwaitReady(context.Background(), p, 10*time.Second).Kind)

	start := time.Now()
	require.NoError(t, p.Stop(context.Background()))
	assert.False(t, p.IsAlive())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, -1, p.ExitCode(), "killed by signal")
}
