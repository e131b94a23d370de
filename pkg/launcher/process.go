package launcher

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jrepp/prism-harness/pkg/deployerr"
)

// Handle is the caller's view of a launched child process
type Handle interface {
	Pid() int

	// IsAlive reports whether the child has not yet been reaped
	IsAlive() bool

	// Stdin is the child's standard input; it is closed right after spawn
	Stdin() io.WriteCloser

	// Err returns the failure latched from a deployment-failed signal, if any
	Err() error

	// ExitCode is the exit status once Done is closed, -1 before that or
	// when the child was killed by a signal
	ExitCode() int

	// WaitErr is the error reported when the child was reaped, nil on a
	// clean exit or before Done is closed
	WaitErr() error

	// Done is closed once the child has exited and its output is drained
	Done() <-chan struct{}

	// Signals delivers the first deployment signal
	Signals() <-chan Signal

	// Stop terminates the child. It is idempotent.
	Stop(ctx context.Context) error
}

// Process is a Handle over an os/exec child
type Process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	watch   Watch
	logger  *slog.Logger
	started time.Time

	gracePeriod time.Duration
	killTimeout time.Duration

	signals chan Signal
	done    chan struct{}

	mu       sync.Mutex
	err      error
	exitCode int
	waitErr  error

	stopOnce sync.Once
	stopErr  error
}

func newProcess(logger *slog.Logger, gracePeriod time.Duration) *Process {
	return &Process{
		logger:      logger,
		gracePeriod: gracePeriod,
		killTimeout: 5 * time.Second,
		signals:     make(chan Signal, 1),
		done:        make(chan struct{}),
		exitCode:    -1,
	}
}

// notify receives every signal from the control channel. A failure is
// latched even when another signal was delivered first.
func (p *Process) notify(s Signal) {
	p.logger.Info("deployment signal received", "pid", p.Pid(), "signal", s.Kind.String(), "cause", s.Cause)

	if s.Kind == SignalFailed {
		p.mu.Lock()
		if p.err == nil {
			p.err = errors.New(s.Cause)
		}
		p.mu.Unlock()
	}

	select {
	case p.signals <- s:
	default:
	}
}

// start spawns the child and begins pumping its output. stdout and stderr
// are fed through pipes we own so exec's WaitDelay can bound the drain.
func (p *Process) start(cmd *exec.Cmd, watch Watch) error {
	p.cmd = cmd
	p.watch = watch

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		return err
	}
	p.started = time.Now()

	// No input is ever sent; closing stdin finalises the launch.
	if err := stdin.Close(); err != nil {
		p.logger.Debug("closing child stdin", "pid", cmd.Process.Pid, "error", err)
	}
	p.stdin = stdin

	var g errgroup.Group
	g.Go(func() error { return p.pump("stdout", outR) })
	g.Go(func() error { return p.pump("stderr", errR) })

	go p.reap(&g, outW, errW)
	return nil
}

func (p *Process) pump(stream string, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("child output", "pid", p.cmd.Process.Pid, "stream", stream, "line", line)
		p.watch.Observe(line)
	}
	err := scanner.Err()
	if err != nil {
		// Keep draining so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
	return err
}

// reap waits for the child, drains its output, flushes the control channel
// and only then closes done, so any signal the child sent before exiting is
// visible before its exit.
func (p *Process) reap(g *errgroup.Group, outW, errW *io.PipeWriter) {
	waitErr := p.cmd.Wait()
	outW.Close()
	errW.Close()
	if err := g.Wait(); err != nil {
		p.logger.Warn("reading child output", "pid", p.cmd.Process.Pid, "error", err)
	}
	if err := p.watch.Close(); err != nil {
		p.logger.Debug("closing control channel", "pid", p.cmd.Process.Pid, "error", err)
	}

	p.mu.Lock()
	p.waitErr = waitErr
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	code := p.exitCode
	p.mu.Unlock()

	p.logger.Info("process exited",
		"pid", p.cmd.Process.Pid,
		"exit_code", code,
		"uptime", time.Since(p.started).Round(time.Millisecond))
	close(p.done)
}

// Pid implements Handle
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// IsAlive implements Handle
func (p *Process) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stdin implements Handle
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Err implements Handle
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// ExitCode implements Handle
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// WaitErr implements Handle
func (p *Process) WaitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Done implements Handle
func (p *Process) Done() <-chan struct{} { return p.done }

// Signals implements Handle
func (p *Process) Signals() <-chan Signal { return p.signals }

// Stop implements Handle. The child's process group gets SIGTERM, then
// SIGKILL once the grace period expires or ctx is cancelled.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.terminate(ctx)
	})
	return p.stopErr
}

func (p *Process) terminate(ctx context.Context) error {
	if !p.IsAlive() {
		return nil
	}
	pid := p.Pid()
	p.logger.Info("stopping process", "pid", pid, "grace_period", p.gracePeriod)

	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		p.logger.Debug("sending SIGTERM", "pid", pid, "error", err)
	}

	grace := time.NewTimer(p.gracePeriod)
	defer grace.Stop()

	select {
	case <-p.done:
		p.logger.Info("process exited gracefully", "pid", pid)
		return nil
	case <-grace.C:
		p.logger.Warn("process did not exit within grace period, force killing", "pid", pid)
	case <-ctx.Done():
		p.logger.Warn("stop cancelled, force killing", "pid", pid)
	}

	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		return deployerr.ErrTerminationFailed(pid, err)
	}

	select {
	case <-p.done:
		p.logger.Info("process killed", "pid", pid)
		return nil
	case <-time.After(p.killTimeout):
		return deployerr.ErrTerminationFailed(pid, errors.New("process did not die after SIGKILL"))
	}
}

// signalGroup signals the child's process group, falling back to the child
// itself. A child that is already gone is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

var _ Handle = (*Process)(nil)
