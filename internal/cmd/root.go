package cmd

import (
	"github.com/spf13/cobra"
)

// ConfigFile is the --config flag value, shared by all commands.
var ConfigFile string

// Execute runs the qgate CLI.
func Execute() error {
	rootCmd := &cobra.Command{
		Use:           "qgate",
		Short:         "QGIS worker pool gateway",
		Long:          "qgate fronts a fleet of QGIS worker processes with a gRPC request gateway.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&ConfigFile, "config", "C", "", "Path to the TOML configuration file")

	addServeCommand(rootCmd)
	addConfigCommand(rootCmd)
	addStatusCommand(rootCmd)
	addMonitorCommand(rootCmd)

	return rootCmd.Execute()
}
