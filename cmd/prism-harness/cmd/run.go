package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jrepp/prism-harness/pkg/container"
	"github.com/jrepp/prism-harness/pkg/observability"
)

var runCmd = &cobra.Command{
	Use:   "run <deployment.yaml>",
	Short: "Build, launch and wait for a deployment",
	Long: `Build the deployment bundle, launch it and wait for the process to report
that the deployment started. On success the process is kept running until
the harness is interrupted, then it is stopped and temporary files are removed.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeployment,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDeployment(cmd *cobra.Command, args []string) error {
	d, err := container.LoadDeployment(args[0])
	if err != nil {
		uiInstance.DeploymentError(err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := container.NewPrometheusMetricsCollector("")
	obs := observability.NewManager(observability.Config{
		ServiceVersion: version,
		MetricsAddr:    cfg.Metrics.Addr,
		Registry:       metrics.Registry(),
		EnableTracing:  cfg.Tracing.Enabled,
		Logger:         logger,
	})
	if err := obs.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			logger.Warn("observability shutdown", "error", err)
		}
	}()

	c := container.New(cfg,
		container.WithLogger(logger),
		container.WithMetrics(metrics),
		container.WithEventPublisher(&container.LogEventPublisher{Logger: logger}),
		container.WithTracer(obs.Tracer("prism-harness")),
	)

	uiInstance.Info(fmt.Sprintf("Deploying %s (%s)", d.Name, d.Test.ClassName))
	if err := c.Start(ctx, d); err != nil {
		uiInstance.DeploymentError(err)
		return err
	}

	proc := c.Process()
	uiInstance.Success("Deployment started")
	uiInstance.KeyValue("Attempt", c.AttemptID())
	uiInstance.KeyValue("PID", strconv.Itoa(proc.Pid()))
	if addr := obs.MetricsAddr(); addr != "" {
		uiInstance.KeyValue("Metrics", "http://"+addr+"/metrics")
	}

	select {
	case <-ctx.Done():
		uiInstance.Info("Interrupted, stopping deployment")
	case <-proc.Done():
		uiInstance.Warning(fmt.Sprintf("Process exited with status %d", proc.ExitCode()))
	}

	if err := c.Stop(context.Background()); err != nil {
		uiInstance.DeploymentError(err)
		return err
	}
	uiInstance.Success("Deployment stopped")
	return nil
}
