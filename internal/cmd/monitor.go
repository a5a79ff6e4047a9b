package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/dsmmcken/qgate/internal/config"
	"github.com/dsmmcken/qgate/internal/service"
)

// Refresh interval of the live monitor.
const monitorPollInterval = time.Second

func addMonitorCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch a running gateway (live)",
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

			model := newMonitorModel(client, settings.Rpc.Listen.Address)
			_, err = tea.NewProgram(model).Run()
			return err
		},
	}
	parent.AddCommand(cmd)
}

type statsMsg struct {
	stats *service.StatsReply
	err   error
}

type pollMsg struct{}

type monitorModel struct {
	client  *service.AdminClient
	address string
	spinner spinner.Model
	stats   *service.StatsReply
	err     error
}

var (
	monitorTitleStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	monitorBoxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 2)
	monitorDimStyle   = lipgloss.NewStyle().Faint(true)
	monitorErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

func newMonitorModel(client *service.AdminClient, address string) monitorModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return monitorModel{client: client, address: address, spinner: s}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

func (m monitorModel) fetch() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), monitorPollInterval)
		defer cancel()
		stats, err := client.Stats(ctx)
		return statsMsg{stats: stats, err: err}
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case statsMsg:
		m.stats = msg.stats
		m.err = msg.err
		return m, tea.Tick(monitorPollInterval, func(time.Time) tea.Msg { return pollMsg{} })
	case pollMsg:
		return m, m.fetch()
	default:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m monitorModel) View() string {
	title := monitorTitleStyle.Render("qgate " + m.address)
	if m.err != nil {
		return title + "\n" + monitorBoxStyle.Render(
			monitorErrStyle.Render(fmt.Sprintf("unreachable: %v", m.err))) +
			"\n" + monitorDimStyle.Render("q to quit")
	}
	if m.stats == nil {
		return title + "\n" + m.spinner.View() + " connecting..."
	}
	s := m.stats
	body := fmt.Sprintf(
		"workers   %d\nactive    %d\nidle      %d\ndead      %d\n\n"+
			"activity          %.0f%%\nfailure pressure  %.2f\nrequest pressure  %.2f\nuptime            %s",
		s.NumWorkers, s.ActiveWorkers, s.IdleWorkers, s.DeadWorkers,
		s.Activity*100, s.FailurePressure, s.RequestPressure,
		(time.Duration(s.UptimeSeconds) * time.Second).String(),
	)
	return title + "\n" + monitorBoxStyle.Render(body) + "\n" + monitorDimStyle.Render("q to quit")
}
