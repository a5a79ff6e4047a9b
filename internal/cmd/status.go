package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/dsmmcken/qgate/internal/config"
	"github.com/dsmmcken/qgate/internal/service"
)

var (
	statusLabelStyle = lipgloss.NewStyle().Bold(true).Width(18)
	statusOkStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	statusWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

func addStatusCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(ConfigFile)
			if err != nil {
				return err
			}
			client, err := service.DialAdmin(settings.Rpc.Listen.Address)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			stats, err := client.Stats(ctx)
			if err != nil {
				return fmt.Errorf("fetching stats from %s: %w", settings.Rpc.Listen.Address, err)
			}

			out := cmd.OutOrStdout()
			row := func(label, value string) {
				fmt.Fprintf(out, "%s %s\n", statusLabelStyle.Render(label), value)
			}
			row("Address", settings.Rpc.Listen.Address)
			row("Workers", fmt.Sprintf("%d (%d active, %d idle)",
				stats.NumWorkers, stats.ActiveWorkers, stats.IdleWorkers))
			dead := fmt.Sprintf("%d", stats.DeadWorkers)
			if stats.DeadWorkers > 0 {
				dead = statusWarnStyle.Render(dead)
			} else {
				dead = statusOkStyle.Render(dead)
			}
			row("Dead workers", dead)
			row("Activity", fmt.Sprintf("%.0f%%", stats.Activity*100))
			row("Failure pressure", fmt.Sprintf("%.2f", stats.FailurePressure))
			row("Request pressure", fmt.Sprintf("%.2f", stats.RequestPressure))
			row("Uptime", (time.Duration(stats.UptimeSeconds) * time.Second).String())
			return nil
		},
	}
	parent.AddCommand(cmd)
}
