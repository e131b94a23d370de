package cmd

import (
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		uiInstance.Header("prism-harness")
		uiInstance.KeyValue("Version", version)
		uiInstance.KeyValue("Go", runtime.Version())
		uiInstance.KeyValue("Runtime", cfg.Runtime.Kind)
		uiInstance.KeyValue("Channel", cfg.Deploy.Channel)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
