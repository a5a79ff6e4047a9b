package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dsmmcken/qgate/internal/config"
)

func addConfigCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(ConfigFile)
			if err != nil {
				return err
			}
			doc, err := json.MarshalIndent(settings, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(doc))
			return nil
		},
	}
	parent.AddCommand(cmd)
}
