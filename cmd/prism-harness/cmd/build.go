package cmd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jrepp/prism-harness/pkg/artifact"
	"github.com/jrepp/prism-harness/pkg/container"
)

var (
	outputPath string
	fromPlan   bool
)

var buildCmd = &cobra.Command{
	Use:   "build <deployment.yaml>",
	Short: "Package a deployment without launching it",
	Long: `Decorate and resolve the deployment, package it and export the bundle.
With --plan the argument is a build plan file that is packaged as is.`,
	Args: cobra.ExactArgs(1),
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Bundle destination (default ./<name>)")
	buildCmd.Flags().BoolVar(&fromPlan, "plan", false, "Treat the argument as a build plan")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	var err error
	if fromPlan {
		err = buildPlan(args[0])
	} else {
		err = buildDeployment(cmd.Context(), args[0])
	}
	if err != nil {
		uiInstance.DeploymentError(err)
		return err
	}
	uiInstance.Success("Bundle written")
	uiInstance.KeyValue("Path", outputPath)
	return nil
}

func buildDeployment(ctx context.Context, path string) error {
	d, err := container.LoadDeployment(path)
	if err != nil {
		return err
	}
	if outputPath == "" {
		outputPath = d.Name
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c := container.New(cfg, container.WithLogger(logger))
	return c.Build(ctx, d, outputPath)
}

func buildPlan(path string) error {
	plan, err := artifact.LoadPlan(path)
	if err != nil {
		return err
	}
	if outputPath == "" {
		outputPath = plan.Name
	}
	if len(plan.ModuleSearchPaths) == 0 {
		plan.ModuleSearchPaths = cfg.Build.ModuleSearchPaths
	}

	art, err := artifact.NewBuilder(
		artifact.WithScratchDir(os.TempDir()),
		artifact.WithLogger(logger),
	).Build(plan)
	if err != nil {
		return err
	}
	defer art.Remove()

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return err
	}
	return art.Export(outputPath, true)
}
