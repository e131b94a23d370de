package launcher

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/jrepp/prism-harness/pkg/deployerr"
)

// Launcher starts bundles as child processes
type Launcher struct {
	runtime     Runtime
	channel     ControlChannel
	logger      *slog.Logger
	gracePeriod time.Duration
	waitDelay   time.Duration
	env         []string
}

// Option configures a Launcher
type Option func(*Launcher)

// WithRuntime sets how bundles are executed
func WithRuntime(r Runtime) Option {
	return func(l *Launcher) {
		l.runtime = r
	}
}

// WithControlChannel sets how deployment signals are detected
func WithControlChannel(c ControlChannel) Option {
	return func(l *Launcher) {
		l.channel = c
	}
}

// WithLogger sets the launcher logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Launcher) {
		l.logger = logger
	}
}

// WithGracePeriod sets how long Stop waits after SIGTERM before SIGKILL
func WithGracePeriod(d time.Duration) Option {
	return func(l *Launcher) {
		l.gracePeriod = d
	}
}

// WithWaitDelay bounds how long output is drained after the child exits
// while descendants still hold its stdout or stderr
func WithWaitDelay(d time.Duration) Option {
	return func(l *Launcher) {
		l.waitDelay = d
	}
}

// WithEnv sets the base environment of children, os.Environ() by default
func WithEnv(env []string) Option {
	return func(l *Launcher) {
		l.env = env
	}
}

// NewLauncher creates a launcher. Defaults: JVM runtime, stream control
// channel with the default markers, 5s grace period.
func NewLauncher(opts ...Option) *Launcher {
	l := &Launcher{
		runtime:     JVMRuntime{},
		channel:     StreamChannel{},
		logger:      slog.Default(),
		gracePeriod: 5 * time.Second,
		waitDelay:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch validates spec and spawns the child. Configuration errors are
// reported before anything is spawned. The returned handle is live even
// if the child fails immediately; liveness is judged by AwaitReady.
func (l *Launcher) Launch(ctx context.Context, spec LaunchSpec) (*Process, error) {
	spec = spec.clone()

	inv, err := spec.Resolve()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, deployerr.ErrLaunch(inv.Artifact, err)
	}

	path, args, extraEnv, err := l.runtime.Command(inv)
	if err != nil {
		return nil, deployerr.ErrLaunch(inv.Artifact, err)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = inv.WorkDir
	cmd.Env = append(l.baseEnv(), extraEnv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = l.waitDelay

	logger := l.logger.With("artifact", inv.Artifact, "runtime", l.runtime.Name())
	p := newProcess(logger, l.gracePeriod)

	watch, err := l.channel.Open(inv.WorkDir, p.notify)
	if err != nil {
		return nil, deployerr.ErrLaunch(path, err).WithContext("work_dir", inv.WorkDir)
	}

	if err := p.start(cmd, watch); err != nil {
		watch.Close()
		return nil, deployerr.ErrLaunch(path, err).
			WithContext("args", strings.Join(args, " ")).
			WithContext("work_dir", inv.WorkDir)
	}

	logger.Info("launched process",
		"pid", p.Pid(),
		"command", path,
		"work_dir", inv.WorkDir,
		"debug_port", inv.DebugPort,
		"main_class", inv.MainClass)
	return p, nil
}

func (l *Launcher) baseEnv() []string {
	if l.env != nil {
		return append([]string{}, l.env...)
	}
	return os.Environ()
}
