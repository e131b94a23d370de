// Package cmd provides the CLI commands for prism-harness
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jrepp/prism-harness/cmd/prism-harness/internal/ui"
	"github.com/jrepp/prism-harness/pkg/config"
)

const version = "0.1.0"

var (
	// Global flags
	configFile string
	envFile    string
	logFormat  string
	verbose    bool

	v          = config.NewViper()
	cfg        *config.Configuration
	logger     *slog.Logger
	uiInstance *ui.UI
)

var rootCmd = &cobra.Command{
	Use:   "prism-harness",
	Short: "Package, launch and wait for a test deployment",
	Long: `prism-harness packages a test deployment into one executable bundle,
launches it as a child process and waits until the process reports that the
deployment started, reports a failure, exits, or the deployment timeout
elapses.

Configuration is read from prism-harness.yaml (in . or $HOME/.prism), an
optional .env file and PRISM_HARNESS_* environment variables, e.g.
PRISM_HARNESS_DEBUG_PORT=5005 or PRISM_HARNESS_BUILD_MODULES=/opt/modules.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		uiInstance = ui.NewUI()
		logger = newLogger(logFormat, verbose)
		slog.SetDefault(logger)

		var err error
		cfg, err = config.Load(v, configFile, envFile)
		if err != nil {
			uiInstance.DeploymentError(err)
			return fmt.Errorf("load config: %w", err)
		}
		logger.Debug("configuration loaded",
			"config_file", v.ConfigFileUsed(),
			"runtime", cfg.Runtime.Kind,
			"channel", cfg.Deploy.Channel,
			"timeout", cfg.Deploy.Timeout)
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default prism-harness.yaml in . or $HOME/.prism)")
	pf.StringVar(&envFile, "env-file", "", "Environment file to load (default .env if present)")
	pf.StringVar(&logFormat, "log-format", "text", "Log format (text or json)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	pf.String("debug-port", "", "Debug port for the launched process")
	pf.Bool("export", false, "Export the bundle to the current directory")
	pf.String("modules", "", "Colon separated module search paths")
	pf.String("repos", "", "Additional remote repository passed to the process")
	pf.Duration("timeout", 0, "Deployment timeout (default 2m)")
	pf.String("runtime", "", "Runtime used to execute the bundle (jvm or exec)")
	pf.String("channel", "", "Readiness control channel (stream or file)")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	pf.Bool("trace", false, "Export spans to stderr")

	bindFlag("debug.port", "debug-port")
	bindFlag("export.bundle", "export")
	bindFlag("build.modules", "modules")
	bindFlag("build.repos", "repos")
	bindFlag("deploy.timeout", "timeout")
	bindFlag("runtime.kind", "runtime")
	bindFlag("deploy.channel", "channel")
	bindFlag("metrics.addr", "metrics-addr")
	bindFlag("tracing.enabled", "trace")
}

// bindFlag binds a persistent flag to a config key; unset flags fall through
// to the file, environment and defaults
func bindFlag(key, flag string) {
	if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}

func newLogger(format string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
