// Package launcher spawns executable bundles as child processes and waits
// for them to report deployment.
//
// # Quick Start
//
//	l := launcher.NewLauncher(
//	    launcher.WithRuntime(launcher.JVMRuntime{Java: "java"}),
//	    launcher.WithLogger(logger),
//	)
//
//	proc, err := l.Launch(ctx, launcher.LaunchSpec{
//	    Artifact:   "/tmp/prism-build-123.bundle",
//	    WorkDir:    workDir,
//	    PreferIPv4: true,
//	})
//	if err != nil {
//	    return err // CONFIGURATION_ERROR or LAUNCH_ERROR, nothing is running
//	}
//
//	outcome := launcher.AwaitReady(ctx, proc, 2*time.Minute)
//	if err := outcome.Err(); err != nil {
//	    proc.Stop(ctx)
//	    return err
//	}
//
// # Runtimes
//
// JVMRuntime runs "java -D... -jar bundle" and attaches a JDWP agent when a
// debug port is configured. ExecRuntime runs the bundle directly or through
// an interpreter and passes properties as PRISM_PROP_* environment variables
// and the debug port as PRISM_DEBUG_PORT.
//
// # Control Channels
//
// The child reports deployment on a control channel:
//
//	StreamChannel   a line containing PRISM-DEPLOYED on stdout or stderr means
//	                ready; PRISM-DEPLOY-FAILED: <cause> means failed
//	FileChannel     the child writes DEPLOYED or FAILED: <cause> to
//	                .prism-deploy-status in its working directory
//
// Only the first signal decides the outcome. A failure signal is also latched
// on the handle (Process.Err) whenever it arrives.
//
// # Outcomes
//
// AwaitReady returns exactly one of Ready, SignalledError, ProcessExited or
// TimedOut, or Cancelled when its context ends first. It does not stop the
// child on timeout. Children run in their own process group and Stop signals
// the whole group: SIGTERM, then SIGKILL after the grace period.
package launcher
