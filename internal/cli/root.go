// Package cli wires config, adapters and use-cases into the codeprobe
// commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "codeprobe",
		Short:         "Static and dynamic security scans of uploaded code archives",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// path config.yaml
	def := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		def = v
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", def, "path to config.yaml (env CONFIG_PATH)")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newScanCmd(flags))
	return cmd
}

func Execute() error {
	return newRootCmd().Execute()
}
