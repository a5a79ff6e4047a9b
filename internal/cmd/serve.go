package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dsmmcken/qgate/internal/config"
	"github.com/dsmmcken/qgate/internal/logging"
	"github.com/dsmmcken/qgate/internal/service"
)

func addServeCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC gateway",
		Long: `Run the gRPC gateway over a pool of QGIS worker processes.

The pool is kept at its nominal size: crashed or killed workers are
respawned. When the combined memory of the leased workers exceeds the
high water mark, the largest ones are killed and respawned. Configuration comes from the TOML file given with --config,
overridden by CONF_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(ConfigFile)
			if err != nil {
				return err
			}
			logging.Init(settings.Logging.Level)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			return service.Serve(ctx, cancel, settings)
		},
	}
	parent.AddCommand(cmd)
}
