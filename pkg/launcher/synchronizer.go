package launcher

import (
	"context"
	"errors"
	"time"

	"github.com/jrepp/prism-harness/pkg/deployerr"
)

// DefaultReadyTimeout bounds AwaitReady when the caller passes no timeout
const DefaultReadyTimeout = 2 * time.Minute

// OutcomeKind is the terminal result of waiting for deployment
type OutcomeKind int

const (
	OutcomeReady OutcomeKind = iota
	OutcomeTimedOut
	OutcomeProcessExited
	OutcomeSignalledError
	// OutcomeCancelled - the caller gave up waiting before any evidence arrived
	OutcomeCancelled
)

// String returns the string representation of an OutcomeKind
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeReady:
		return "Ready"
	case OutcomeTimedOut:
		return "TimedOut"
	case OutcomeProcessExited:
		return "ProcessExited"
	case OutcomeSignalledError:
		return "SignalledError"
	case OutcomeCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Outcome is produced once per launch
type Outcome struct {
	Kind OutcomeKind

	// ExitCode is set for ProcessExited
	ExitCode int

	// Cause is the signalled failure, the reaped wait error of an exited
	// process, or the context error of a cancelled wait
	Cause error

	// Timeout is the bound that was in force
	Timeout time.Duration

	Elapsed time.Duration
}

// Err maps a non-ready outcome to its coded error
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeReady:
		return nil
	case OutcomeTimedOut:
		return deployerr.ErrTimedOut(o.Timeout)
	case OutcomeCancelled:
		return deployerr.ErrCancelled(o.Cause)
	case OutcomeProcessExited:
		return deployerr.ErrProcessExited(o.ExitCode, o.Cause)
	case OutcomeSignalledError:
		return deployerr.ErrSignalled(o.Cause)
	default:
		return errors.New("unknown deployment outcome")
	}
}

// AwaitReady blocks until h reports deployment, fails, exits, or timeout
// elapses. It never stops the child: on TimedOut the process is still
// running and the caller must Stop it. A cancelled ctx ends the wait as
// Cancelled carrying the context error.
func AwaitReady(ctx context.Context, h Handle, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	outcome := func(o Outcome) Outcome {
		o.Timeout = timeout
		o.Elapsed = time.Since(start)
		return o
	}

	select {
	case s := <-h.Signals():
		return outcome(fromSignal(s))
	case <-h.Done():
		// done is closed only after pending signals were delivered
		select {
		case s := <-h.Signals():
			return outcome(fromSignal(s))
		default:
		}
		return outcome(Outcome{Kind: OutcomeProcessExited, ExitCode: h.ExitCode(), Cause: h.WaitErr()})
	case <-timer.C:
		return outcome(Outcome{Kind: OutcomeTimedOut})
	case <-ctx.Done():
		return outcome(Outcome{Kind: OutcomeCancelled, Cause: ctx.Err()})
	}
}

func fromSignal(s Signal) Outcome {
	if s.Kind == SignalFailed {
		return Outcome{Kind: OutcomeSignalledError, Cause: errors.New(s.Cause)}
	}
	return Outcome{Kind: OutcomeReady}
}
